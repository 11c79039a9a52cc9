package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Pool.GateCapacity)
	assert.Equal(t, int64(500), cfg.Pool.WearThreshold)
	assert.Equal(t, int64(5), cfg.Pool.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Pool.HealthCheckPeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.Pool.RecycleSettle)
	assert.Equal(t, 2*time.Second, cfg.Pool.SettleWait)
	assert.Equal(t, "window.cardReady === true", cfg.Pool.ReadyExpr)
	assert.Equal(t, 1000, cfg.Pool.Width)
	assert.Equal(t, 300, cfg.Pool.Height)
	assert.Equal(t, "browser", cfg.Render.Strategy)
	assert.Equal(t, 15*time.Second, cfg.Render.Timeout)
	assert.Zero(t, cfg.Cache.TTL)
	assert.Equal(t, int64(5<<20), cfg.Avatar.MaxBytes)
	assert.Equal(t, []string{"Media", "WebSocket", "EventSource"}, cfg.Browser.BlockedResourceTypes)
	assert.Nil(t, cfg.Browser.ExtraHeaders)
	assert.Empty(t, cfg.Telemetry.Endpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, 30*time.Second, cfg.Telemetry.Interval)

	require.NoError(t, cfg.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("CARDRENDER_WEAR_THRESHOLD", "50")
	t.Setenv("CARDRENDER_GATE_CAPACITY", "4")
	t.Setenv("CARDRENDER_SETTLE_WAIT", "250ms")
	t.Setenv("CARDRENDER_STRATEGY", "Vector")
	t.Setenv("CARDRENDER_ALLOWED_HOSTS", "cdn.discordapp.com, fonts.gstatic.com ,")
	t.Setenv("CARDRENDER_EXTRA_HEADERS", "Referer=https://example.com, bogus, X-Trace = abc")
	t.Setenv("CARDRENDER_PORT", "not-a-number")
	t.Setenv("CARDRENDER_OTEL_ENDPOINT", "otel-collector:4317")
	t.Setenv("CARDRENDER_OTEL_INTERVAL", "10s")

	cfg := Load()

	assert.Equal(t, int64(50), cfg.Pool.WearThreshold)
	assert.Equal(t, 4, cfg.Pool.GateCapacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Pool.SettleWait)
	assert.Equal(t, "vector", cfg.Render.Strategy)
	assert.Equal(t, []string{"cdn.discordapp.com", "fonts.gstatic.com"}, cfg.Browser.AllowedHosts)
	assert.Equal(t, map[string]string{
		"Referer": "https://example.com",
		"X-Trace": "abc",
	}, cfg.Browser.ExtraHeaders)
	assert.Equal(t, "otel-collector:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, 10*time.Second, cfg.Telemetry.Interval)
	assert.Equal(t, 8080, cfg.Server.Port, "unparsable values fall back to the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero capacity", func(c *Config) { c.Pool.GateCapacity = 0 }, "GATE_CAPACITY"},
		{"zero wear", func(c *Config) { c.Pool.WearThreshold = 0 }, "WEAR_THRESHOLD"},
		{"zero period", func(c *Config) { c.Pool.HealthCheckPeriod = 0 }, "HEALTH_PERIOD"},
		{"zero timeout", func(c *Config) { c.Render.Timeout = 0 }, "RENDER_TIMEOUT"},
		{"unknown strategy", func(c *Config) { c.Render.Strategy = "canvas" }, "STRATEGY"},
		{"auth without keys", func(c *Config) { c.Auth.Enabled = true }, "API_KEYS"},
		{"otel without interval", func(c *Config) {
			c.Telemetry.Endpoint = "localhost:4317"
			c.Telemetry.Interval = 0
		}, "OTEL_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
