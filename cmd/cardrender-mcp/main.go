package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// rankCardRequest mirrors the cardrender API request model.
type rankCardRequest struct {
	Username    string `json:"username"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	HexColor    string `json:"hex_color,omitempty"`
	WeeklyXP    int64  `json:"weekly_xp"`
	AllTimeXP   int64  `json:"all_time_xp"`
	WeeklyRank  int    `json:"weekly_rank"`
	AllTimeRank int    `json:"all_time_rank"`
	CurrentXP   int64  `json:"current_xp"`
	NextXP      int64  `json:"next_xp"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorResponse mirrors the body of every failed render.
type errorResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Error   *errorDetail `json:"error"`
}

// restartResponse mirrors the cardrender restart API response.
type restartResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Backend struct {
		HandleID    string `json:"handle_id"`
		Epoch       uint64 `json:"epoch"`
		RenderCount int64  `json:"render_count"`
	} `json:"backend"`
	Error *errorDetail `json:"error"`
}

func main() {
	apiURL := os.Getenv("CARDRENDER_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("CARDRENDER_API_KEY")

	s := server.NewMCPServer(
		"cardrender",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	rankCardTool := mcp.NewTool("render_rank_card",
		mcp.WithDescription("Render a Discord-style rank card as a PNG image."),
		mcp.WithString("username",
			mcp.Required(),
			mcp.Description("Display name printed on the card"),
		),
		mcp.WithString("avatar_url",
			mcp.Description("Avatar image URL, fetched server-side"),
		),
		mcp.WithString("hex_color",
			mcp.Description("Accent colour as #RRGGBB (default #5865F2)"),
		),
		mcp.WithNumber("weekly_xp", mcp.Description("XP earned this week")),
		mcp.WithNumber("all_time_xp", mcp.Description("Total XP")),
		mcp.WithNumber("weekly_rank", mcp.Description("Rank on the weekly leaderboard")),
		mcp.WithNumber("all_time_rank", mcp.Description("Rank on the all-time leaderboard")),
		mcp.WithNumber("current_xp", mcp.Description("XP toward the next level")),
		mcp.WithNumber("next_xp", mcp.Description("XP needed for the next level; 0 hides the progress bar")),
	)
	s.AddTool(rankCardTool, handleRenderRankCard(apiURL, apiKey))

	restartTool := mcp.NewTool("restart_backend",
		mcp.WithDescription("Replace the rendering browser with a fresh instance. In-flight renders finish on the old one."),
	)
	s.AddTool(restartTool, handleRestart(apiURL, apiKey))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// apiPost sends a JSON POST to the cardrender API.
func apiPost(ctx context.Context, client *http.Client, apiURL, apiKey, path string, payload interface{}) (*http.Response, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, respBody, nil
}

func apiError(status int, body []byte, fallback string) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil && e.Error != nil {
		return fmt.Sprintf("[%s] %s", e.Error.Code, e.Error.Message)
	}
	return fmt.Sprintf("%s (HTTP %d)", fallback, status)
}

func handleRenderRankCard(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 60 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		username, err := request.RequireString("username")
		if err != nil {
			return mcp.NewToolResultError("username is required"), nil
		}

		reqBody := rankCardRequest{
			Username:    username,
			AvatarURL:   request.GetString("avatar_url", ""),
			HexColor:    request.GetString("hex_color", ""),
			WeeklyXP:    int64(request.GetFloat("weekly_xp", 0)),
			AllTimeXP:   int64(request.GetFloat("all_time_xp", 0)),
			WeeklyRank:  request.GetInt("weekly_rank", 0),
			AllTimeRank: request.GetInt("all_time_rank", 0),
			CurrentXP:   int64(request.GetFloat("current_xp", 0)),
			NextXP:      int64(request.GetFloat("next_xp", 0)),
		}

		resp, body, err := apiPost(ctx, client, apiURL, apiKey, "/api/v1/render", reqBody)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if resp.StatusCode != http.StatusOK {
			return mcp.NewToolResultError(apiError(resp.StatusCode, body, "render failed")), nil
		}

		caption := fmt.Sprintf("Rank card for %s (%d bytes, cache %s)",
			username, len(body), orDash(resp.Header.Get("X-Cache")))
		return mcp.NewToolResultImage(caption, base64.StdEncoding.EncodeToString(body), "image/png"), nil
	}
}

func handleRestart(apiURL, apiKey string) server.ToolHandlerFunc {
	client := &http.Client{Timeout: 120 * time.Second}

	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, body, err := apiPost(ctx, client, apiURL, apiKey, "/api/v1/admin/restart", struct{}{})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var restart restartResponse
		if err := json.Unmarshal(body, &restart); err != nil {
			return mcp.NewToolResultError(apiError(resp.StatusCode, body, "restart failed")), nil
		}
		if !restart.Success {
			errMsg := "restart failed"
			if restart.Error != nil {
				errMsg = fmt.Sprintf("[%s] %s", restart.Error.Code, restart.Error.Message)
			}
			return mcp.NewToolResultError(errMsg), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("%s: handle %s, epoch %d",
			restart.Message, restart.Backend.HandleID, restart.Backend.Epoch)), nil
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
