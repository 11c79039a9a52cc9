package vector

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/cardrender/models"
)

func newRasterizer(t *testing.T) *Rasterizer {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func solid(c color.Color, n int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, n, n))
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestRankCard_ProducesCardSizedPNG(t *testing.T) {
	r := newRasterizer(t)

	req := models.RankCardRequest{
		Username:    "ryan",
		HexColor:    "#FF0000",
		WeeklyXP:    1200,
		AllTimeXP:   50000,
		WeeklyRank:  3,
		AllTimeRank: 12,
		CurrentXP:   40,
		NextXP:      100,
	}
	out, err := r.RankCard(req, solid(color.RGBA{G: 255, A: 255}, 64))
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, cardWidth, cardHeight), img.Bounds())

	// Accent bar on the left edge, away from the rounded corner.
	cr, cg, cb, _ := img.At(4, cardHeight/2).RGBA()
	assert.Greater(t, cr>>8, uint32(200))
	assert.Less(t, cg>>8, uint32(50))
	assert.Less(t, cb>>8, uint32(50))

	// Avatar centre shows the avatar colour.
	_, ag, _, _ := img.At(avatarX+avatarSize/2, cardHeight/2).RGBA()
	assert.Greater(t, ag>>8, uint32(200))
}

func TestRankCard_PlaceholderWithoutAvatar(t *testing.T) {
	r := newRasterizer(t)

	out, err := r.RankCard(models.RankCardRequest{Username: "x", HexColor: models.DefaultAccentColor}, nil)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	pr, pg, pb, _ := img.At(avatarX+avatarSize/2, cardHeight/2).RGBA()
	assert.InDelta(t, 0x2B, pr>>8, 2)
	assert.InDelta(t, 0x2D, pg>>8, 2)
	assert.InDelta(t, 0x31, pb>>8, 2)
}

func TestRankCard_ConcurrentCalls(t *testing.T) {
	r := newRasterizer(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.RankCard(models.RankCardRequest{Username: "x", HexColor: "#00FF00"}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestCircleCrop_MasksCorners(t *testing.T) {
	out := circleCrop(solid(color.RGBA{B: 255, A: 255}, 10), 40)

	assert.Equal(t, 40, out.Bounds().Dx())
	_, _, _, cornerA := out.At(0, 0).RGBA()
	assert.Zero(t, cornerA)
	_, _, b, centreA := out.At(20, 20).RGBA()
	assert.Equal(t, uint32(0xFFFF), centreA)
	assert.Equal(t, uint32(0xFFFF), b)
}
