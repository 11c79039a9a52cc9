package markup

import (
	"math"
	"strconv"
)

// FormatPoints abbreviates an XP value: 950, 1.2k, 3m.
func FormatPoints(points int64) string {
	switch {
	case points >= 1_000_000:
		return abbreviate(float64(points)/1_000_000) + "m"
	case points >= 1_000:
		return abbreviate(float64(points)/1_000) + "k"
	}
	return strconv.FormatInt(points, 10)
}

func abbreviate(n float64) string {
	if n == math.Trunc(n) {
		return strconv.FormatFloat(n, 'f', 0, 64)
	}
	return strconv.FormatFloat(n, 'f', 1, 64)
}

// ProgressPercent returns current/next as a percentage clamped to [0, 100].
// A zero next means no level target and yields 0.
func ProgressPercent(current, next int64) float64 {
	if next <= 0 || current <= 0 {
		return 0
	}
	pct := float64(current) / float64(next) * 100
	if pct > 100 {
		return 100
	}
	return math.Round(pct*10) / 10
}
