package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Pool      PoolConfig
	Render    RenderConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Avatar    AvatarConfig
	Notify    NotifyConfig
	Telemetry TelemetryConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"

	// ShutdownTimeout bounds the HTTP drain on SIGTERM.
	ShutdownTimeout time.Duration // default: 10s
}

// BrowserConfig controls the Chromium backend.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// Proxy routes subresource requests (avatars, fonts) through a proxy.
	Proxy string

	// Stealth injects the stealth evasion script into every surface.
	Stealth bool // default: false

	// BlockedResourceTypes lists resource types the surface never loads.
	// default: ["Media", "WebSocket", "EventSource"]
	BlockedResourceTypes []string

	// AllowedHosts restricts subresource hosts. Empty allows all.
	// Entries match the host exactly or as a dot-suffix.
	AllowedHosts []string

	// ExtraHeaders are sent with every subresource request ("Key=Value" pairs).
	ExtraHeaders map[string]string
}

// PoolConfig controls the backend pool's wear and concurrency policy.
type PoolConfig struct {
	GateCapacity      int           // default: 2
	WearThreshold     int64         // default: 500
	FailureThreshold  int64         // default: 5; negative disables
	HealthCheckPeriod time.Duration // default: 30s
	RecycleSettle     time.Duration // default: 500ms
	SettleWait        time.Duration // default: 2s
	ReadyExpr         string        // default: "window.cardReady === true"
	ReadyTimeout      time.Duration // default: 3s
	Width             int           // default: 1000
	Height            int           // default: 300
}

// Rank card strategies.
const (
	StrategyBrowser = "browser"
	StrategyVector  = "vector"
)

// RenderConfig controls request-level rendering behaviour.
type RenderConfig struct {
	// Strategy selects how rank cards are drawn: "browser" or "vector".
	Strategy string // default: "browser"

	// Timeout is the per-request deadline, including gate wait.
	Timeout time.Duration // default: 15s

	// AllowScripts keeps <script> elements in raw markup submitted to
	// /api/v1/render/html.
	AllowScripts bool // default: false
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: false

	// APIKeys is the list of valid API keys.
	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// CacheConfig controls the rendered image cache.
type CacheConfig struct {
	// TTL is how long a rendered image is reused. Zero disables caching.
	TTL time.Duration // default: 0

	// MaxEntries bounds the in-memory store.
	MaxEntries int // default: 1000

	// RedisURL selects the shared Redis store when set.
	RedisURL string
}

// AvatarConfig controls remote avatar downloads.
type AvatarConfig struct {
	Timeout         time.Duration // default: 5s
	MaxBytes        int64         // default: 5 MiB
	BreakerFailures uint32        // default: 5
	BreakerTimeout  time.Duration // default: 30s
}

// NotifyConfig controls recycle event delivery.
type NotifyConfig struct {
	// URL receives backend recycle events. Empty disables notifications.
	URL    string
	Secret string
}

// TelemetryConfig controls OTLP metric export.
type TelemetryConfig struct {
	// Endpoint is the OTLP/gRPC collector address (host:port). Empty
	// disables export and leaves the pool's instruments as no-ops.
	Endpoint string
	Insecure bool          // default: true
	Interval time.Duration // default: 30s
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            envOr("CARDRENDER_HOST", "0.0.0.0"),
			Port:            envIntOr("CARDRENDER_PORT", 8080),
			Mode:            envOr("CARDRENDER_MODE", "release"),
			ShutdownTimeout: envDurationOr("CARDRENDER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Browser: BrowserConfig{
			Headless:   envBoolOr("CARDRENDER_HEADLESS", true),
			NoSandbox:  envBoolOr("CARDRENDER_NO_SANDBOX", false),
			BrowserBin: os.Getenv("CARDRENDER_BROWSER_BIN"),
			Proxy:      os.Getenv("CARDRENDER_PROXY"),
			Stealth:    envBoolOr("CARDRENDER_STEALTH", false),
			BlockedResourceTypes: envSliceOr("CARDRENDER_BLOCKED_RESOURCES", []string{
				"Media", "WebSocket", "EventSource",
			}),
			AllowedHosts: envSliceOr("CARDRENDER_ALLOWED_HOSTS", nil),
			ExtraHeaders: envMapOr("CARDRENDER_EXTRA_HEADERS", nil),
		},
		Pool: PoolConfig{
			GateCapacity:      envIntOr("CARDRENDER_GATE_CAPACITY", 2),
			WearThreshold:     int64(envIntOr("CARDRENDER_WEAR_THRESHOLD", 500)),
			FailureThreshold:  int64(envIntOr("CARDRENDER_FAILURE_THRESHOLD", 5)),
			HealthCheckPeriod: envDurationOr("CARDRENDER_HEALTH_PERIOD", 30*time.Second),
			RecycleSettle:     envDurationOr("CARDRENDER_RECYCLE_SETTLE", 500*time.Millisecond),
			SettleWait:        envDurationOr("CARDRENDER_SETTLE_WAIT", 2*time.Second),
			ReadyExpr:         envOr("CARDRENDER_READY_EXPR", "window.cardReady === true"),
			ReadyTimeout:      envDurationOr("CARDRENDER_READY_TIMEOUT", 3*time.Second),
			Width:             envIntOr("CARDRENDER_WIDTH", 1000),
			Height:            envIntOr("CARDRENDER_HEIGHT", 300),
		},
		Render: RenderConfig{
			Strategy:     strings.ToLower(envOr("CARDRENDER_STRATEGY", StrategyBrowser)),
			Timeout:      envDurationOr("CARDRENDER_RENDER_TIMEOUT", 15*time.Second),
			AllowScripts: envBoolOr("CARDRENDER_ALLOW_SCRIPTS", false),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("CARDRENDER_AUTH_ENABLED", false),
			APIKeys: envSliceOr("CARDRENDER_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("CARDRENDER_RATE_RPS", 5.0),
			Burst:             envIntOr("CARDRENDER_RATE_BURST", 10),
		},
		Cache: CacheConfig{
			TTL:        envDurationOr("CARDRENDER_CACHE_TTL", 0),
			MaxEntries: envIntOr("CARDRENDER_CACHE_MAX_ENTRIES", 1000),
			RedisURL:   os.Getenv("CARDRENDER_REDIS_URL"),
		},
		Avatar: AvatarConfig{
			Timeout:         envDurationOr("CARDRENDER_AVATAR_TIMEOUT", 5*time.Second),
			MaxBytes:        int64(envIntOr("CARDRENDER_AVATAR_MAX_BYTES", 5<<20)),
			BreakerFailures: uint32(envIntOr("CARDRENDER_AVATAR_BREAKER_FAILURES", 5)),
			BreakerTimeout:  envDurationOr("CARDRENDER_AVATAR_BREAKER_TIMEOUT", 30*time.Second),
		},
		Notify: NotifyConfig{
			URL:    os.Getenv("CARDRENDER_NOTIFY_URL"),
			Secret: os.Getenv("CARDRENDER_NOTIFY_SECRET"),
		},
		Telemetry: TelemetryConfig{
			Endpoint: os.Getenv("CARDRENDER_OTEL_ENDPOINT"),
			Insecure: envBoolOr("CARDRENDER_OTEL_INSECURE", true),
			Interval: envDurationOr("CARDRENDER_OTEL_INTERVAL", 30*time.Second),
		},
		Log: LogConfig{
			Level:  envOr("CARDRENDER_LOG_LEVEL", "info"),
			Format: envOr("CARDRENDER_LOG_FORMAT", "json"),
		},
	}
}

// Validate rejects settings the pool cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Pool.GateCapacity < 1:
		return fmt.Errorf("config: CARDRENDER_GATE_CAPACITY must be >= 1, got %d", c.Pool.GateCapacity)
	case c.Pool.WearThreshold < 1:
		return fmt.Errorf("config: CARDRENDER_WEAR_THRESHOLD must be >= 1, got %d", c.Pool.WearThreshold)
	case c.Pool.HealthCheckPeriod <= 0:
		return fmt.Errorf("config: CARDRENDER_HEALTH_PERIOD must be positive, got %s", c.Pool.HealthCheckPeriod)
	case c.Render.Timeout <= 0:
		return fmt.Errorf("config: CARDRENDER_RENDER_TIMEOUT must be positive, got %s", c.Render.Timeout)
	case c.Render.Strategy != StrategyBrowser && c.Render.Strategy != StrategyVector:
		return fmt.Errorf("config: CARDRENDER_STRATEGY must be browser or vector, got %q", c.Render.Strategy)
	case c.Auth.Enabled && len(c.Auth.APIKeys) == 0:
		return fmt.Errorf("config: CARDRENDER_AUTH_ENABLED requires CARDRENDER_API_KEYS")
	case c.Telemetry.Endpoint != "" && c.Telemetry.Interval <= 0:
		return fmt.Errorf("config: CARDRENDER_OTEL_INTERVAL must be positive, got %s", c.Telemetry.Interval)
	}
	return nil
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}

// envMapOr parses "Key=Value,Key2=Value2". Pairs without "=" are skipped.
func envMapOr(key string, fallback map[string]string) map[string]string {
	pairs := envSliceOr(key, nil)
	if len(pairs) == 0 {
		return fallback
	}
	result := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		result[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}
