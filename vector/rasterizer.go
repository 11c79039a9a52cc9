// Package vector draws rank cards directly with a 2D software rasterizer.
// It needs no browser and keeps no state between calls.
package vector

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
	"github.com/use-agent/cardrender/markup"
	"github.com/use-agent/cardrender/models"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
)

// Card geometry, matching the browser template.
const (
	cardWidth    = 1000
	cardHeight   = 300
	cornerRadius = 24
	accentWidth  = 12
	avatarSize   = 200
	avatarX      = 48
	avatarBorder = 6
	bodyX        = avatarX + avatarSize + 40
	bodyRight    = cardWidth - 48
)

const (
	backgroundHex = "#1E1F22"
	trackHex      = "#313338"
	mutedHex      = "#B5BAC1"
	placeholder   = "#2B2D31"
)

// Rasterizer renders rank cards to PNG. It is safe for concurrent use.
type Rasterizer struct {
	// mu serialises drawing; font sources share glyph caches.
	mu      sync.Mutex
	regular *text.FontSource
	bold    *text.FontSource
}

// New loads the embedded Go fonts.
func New() (*Rasterizer, error) {
	regular, err := text.NewFontSource(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("vector: load regular font: %w", err)
	}
	bold, err := text.NewFontSource(gobold.TTF)
	if err != nil {
		regular.Close()
		return nil, fmt.Errorf("vector: load bold font: %w", err)
	}
	return &Rasterizer{regular: regular, bold: bold}, nil
}

// Close releases the font sources.
func (r *Rasterizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bold.Close()
	return r.regular.Close()
}

// RankCard draws req with the given avatar (nil draws a placeholder disc)
// and returns PNG bytes. req must already be defaulted and validated.
// Failures are CAPTURE_FAILED.
func (r *Rasterizer) RankCard(req models.RankCardRequest, avatarImg image.Image) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dc := gg.NewContext(cardWidth, cardHeight)
	defer dc.Close()

	if err := r.drawCard(dc, req, avatarImg); err != nil {
		return nil, models.NewRenderError(models.ErrCodeCapture, "vector rasterization failed", err)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, models.NewRenderError(models.ErrCodeCapture, "failed to encode PNG", err)
	}
	return buf.Bytes(), nil
}

func (r *Rasterizer) drawCard(dc *gg.Context, req models.RankCardRequest, avatarImg image.Image) error {
	accent := req.HexColor

	// ── Background + accent bar ─────────────────────────────────────
	dc.SetHexColor(backgroundHex)
	dc.DrawRoundedRectangle(0, 0, cardWidth, cardHeight, cornerRadius)
	if err := dc.Fill(); err != nil {
		return fmt.Errorf("background: %w", err)
	}
	dc.SetHexColor(accent)
	dc.DrawRectangle(0, 0, accentWidth, cardHeight)
	if err := dc.Fill(); err != nil {
		return fmt.Errorf("accent: %w", err)
	}

	// ── Avatar ring + image ─────────────────────────────────────────
	cx, cy := float64(avatarX+avatarSize/2), float64(cardHeight/2)
	dc.SetHexColor(accent)
	dc.DrawCircle(cx, cy, avatarSize/2)
	if err := dc.Fill(); err != nil {
		return fmt.Errorf("avatar ring: %w", err)
	}
	inner := avatarSize - 2*avatarBorder
	if avatarImg != nil {
		disc := circleCrop(avatarImg, inner)
		dc.DrawImage(gg.ImageBufFromImage(disc), cx-float64(inner)/2, cy-float64(inner)/2)
	} else {
		dc.SetHexColor(placeholder)
		dc.DrawCircle(cx, cy, float64(inner)/2)
		if err := dc.Fill(); err != nil {
			return fmt.Errorf("avatar placeholder: %w", err)
		}
	}

	// ── Username ────────────────────────────────────────────────────
	dc.SetFont(r.bold.Face(48))
	dc.SetHexColor("#FFFFFF")
	dc.DrawString(fitText(dc, req.Username, bodyRight-bodyX), bodyX, 100)

	// ── Stats ───────────────────────────────────────────────────────
	dc.SetFont(r.regular.Face(26))
	weekly := fmt.Sprintf("#%d weekly  %s XP", req.WeeklyRank, markup.FormatPoints(req.WeeklyXP))
	allTime := fmt.Sprintf("#%d all-time  %s XP", req.AllTimeRank, markup.FormatPoints(req.AllTimeXP))
	dc.SetHexColor(mutedHex)
	dc.DrawString(weekly, bodyX, 150)
	w, _ := dc.MeasureString(weekly)
	dc.DrawString(allTime, bodyX+w+48, 150)

	// ── Progress ────────────────────────────────────────────────────
	if req.NextXP <= 0 {
		return nil
	}
	const barY, barH = 180.0, 28.0
	barW := float64(bodyRight - bodyX)
	dc.SetHexColor(trackHex)
	dc.DrawRoundedRectangle(bodyX, barY, barW, barH, barH/2)
	if err := dc.Fill(); err != nil {
		return fmt.Errorf("progress track: %w", err)
	}
	if pct := markup.ProgressPercent(req.CurrentXP, req.NextXP); pct > 0 {
		fillW := barW * pct / 100
		if fillW < barH {
			fillW = barH
		}
		dc.SetHexColor(accent)
		dc.DrawRoundedRectangle(bodyX, barY, fillW, barH, barH/2)
		if err := dc.Fill(); err != nil {
			return fmt.Errorf("progress fill: %w", err)
		}
	}
	dc.SetFont(r.regular.Face(22))
	dc.SetHexColor(mutedHex)
	dc.DrawString(fmt.Sprintf("%s / %s XP",
		markup.FormatPoints(req.CurrentXP), markup.FormatPoints(req.NextXP)), bodyX, 240)
	return nil
}

// fitText truncates s with an ellipsis until it fits in maxW pixels.
func fitText(dc *gg.Context, s string, maxW float64) string {
	if w, _ := dc.MeasureString(s); w <= maxW {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + "…"
		if w, _ := dc.MeasureString(candidate); w <= maxW {
			return candidate
		}
	}
	return ""
}

// circleCrop scales src to size×size and masks it to a disc.
func circleCrop(src image.Image, size int) *image.RGBA {
	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	out := image.NewRGBA(scaled.Bounds())
	draw.DrawMask(out, out.Bounds(), scaled, image.Point{}, disc{r: float64(size) / 2}, image.Point{}, draw.Over)
	return out
}

// disc is an alpha mask: opaque inside a circle of radius r centred in a
// 2r×2r square.
type disc struct{ r float64 }

func (d disc) ColorModel() color.Model { return color.AlphaModel }

func (d disc) Bounds() image.Rectangle {
	n := int(2 * d.r)
	return image.Rect(0, 0, n, n)
}

func (d disc) At(x, y int) color.Color {
	dx, dy := float64(x)+0.5-d.r, float64(y)+0.5-d.r
	if dx*dx+dy*dy <= d.r*d.r {
		return color.Alpha{A: 255}
	}
	return color.Alpha{}
}
