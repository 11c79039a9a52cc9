package models

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultAccentColor is used when a request carries no clan colour.
const DefaultAccentColor = "#5865F2"

var hexColorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// RankCardRequest is the payload for POST /render and POST /api/v1/render.
//
// Two payload generations are accepted: the weekly/all-time shape
// (weekly_xp, all_time_xp, ...) and the older progress shape
// (current_xp, next_xp, rank). Defaults folds the latter into the former.
type RankCardRequest struct {
	// Username is the display name printed on the card. Required.
	Username string `json:"username" binding:"required,max=64"`

	// AvatarBase64 is the raw avatar image, base64 encoded. Takes precedence
	// over AvatarURL.
	AvatarBase64 string `json:"avatar_base64,omitempty"`

	// AvatarURL is fetched server-side when AvatarBase64 is empty.
	AvatarURL string `json:"avatar_url,omitempty" binding:"omitempty,url"`

	// HexColor is the accent colour ("#RRGGBB"). ClanColor is an alias.
	HexColor  string `json:"hex_color,omitempty"`
	ClanColor string `json:"clan_color,omitempty"`

	WeeklyXP    int64 `json:"weekly_xp" binding:"min=0"`
	AllTimeXP   int64 `json:"all_time_xp" binding:"min=0"`
	WeeklyRank  int   `json:"weekly_rank" binding:"min=0"`
	AllTimeRank int   `json:"all_time_rank" binding:"min=0"`

	// CurrentXP and NextXP drive the progress bar.
	CurrentXP int64 `json:"current_xp" binding:"min=0"`
	NextXP    int64 `json:"next_xp" binding:"min=0"`
	Rank      int   `json:"rank" binding:"min=0"`
}

// Defaults applies default values to unset fields.
func (r *RankCardRequest) Defaults() {
	if r.HexColor == "" {
		r.HexColor = r.ClanColor
	}
	r.HexColor = normalizeHex(r.HexColor)
	if r.AllTimeXP == 0 && r.CurrentXP > 0 {
		r.AllTimeXP = r.CurrentXP
	}
	if r.AllTimeRank == 0 && r.Rank > 0 {
		r.AllTimeRank = r.Rank
	}
}

// Validate checks constraints that binding tags cannot express.
func (r *RankCardRequest) Validate() error {
	if strings.TrimSpace(r.Username) == "" {
		return fmt.Errorf("username must not be blank")
	}
	if !hexColorRe.MatchString(r.HexColor) {
		return fmt.Errorf("hex_color %q is not a #RRGGBB colour", r.HexColor)
	}
	return nil
}

// LeaderboardEntry is one row on a leaderboard image.
type LeaderboardEntry struct {
	UserID       string `json:"user_id" binding:"required"`
	Username     string `json:"username" binding:"required,max=64"`
	AvatarURL    string `json:"avatar_url,omitempty" binding:"omitempty,url"`
	AvatarBase64 string `json:"avatar_base64,omitempty"`
	XP           int64  `json:"xp" binding:"min=0"`
	Rank         int    `json:"rank" binding:"min=1"`
}

// LeaderboardRequest is the payload for POST /api/v1/render/leaderboard.
type LeaderboardRequest struct {
	Users           []LeaderboardEntry `json:"users" binding:"required,min=1,max=10,dive"`
	HighlightUserID string             `json:"highlight_user_id,omitempty"`
	Title           string             `json:"title,omitempty" binding:"max=64"`
}

// Defaults applies default values to unset fields.
func (r *LeaderboardRequest) Defaults() {
	if r.Title == "" {
		r.Title = "Leaderboard"
	}
}

// MarkupRequest is the payload for POST /api/v1/render/html.
type MarkupRequest struct {
	// HTML is the complete document to render. Required.
	HTML string `json:"html" binding:"required"`

	// Width and Height size the viewport. Default: the configured card size.
	Width  int `json:"width,omitempty" binding:"omitempty,min=1,max=4096"`
	Height int `json:"height,omitempty" binding:"omitempty,min=1,max=4096"`

	// Selector clips the capture to one element.
	Selector string `json:"selector,omitempty" binding:"max=256"`
}

func normalizeHex(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultAccentColor
	}
	if !strings.HasPrefix(s, "#") {
		s = "#" + s
	}
	return strings.ToUpper(s)
}
