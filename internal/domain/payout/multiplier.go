package payout

import (
	"math"
	"time"
)

const (
	MinMultiplier = 1.0
	MaxMultiplier = 5.0

	// MultiplierScale is the fixed-point scale applied to multipliers before
	// they touch amounts.
	MultiplierScale = 10000
)

// Multiplier returns the time-decay factor for a stake placed at bid inside
// the contest window [start, end]. Early stakes approach MaxMultiplier and the
// factor decays quadratically to MinMultiplier at the close.
func Multiplier(bid, start, end time.Time) float64 {
	duration := end.Sub(start)
	if duration <= 0 {
		return MinMultiplier
	}
	elapsed := bid.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > duration {
		elapsed = duration
	}
	progress := float64(elapsed) / float64(duration)
	decay := (1 - progress) * (1 - progress)
	return MinMultiplier + (MaxMultiplier-MinMultiplier)*decay
}

// ScaledMultiplier is Multiplier rounded to MultiplierScale fixed point.
func ScaledMultiplier(bid, start, end time.Time) int64 {
	return int64(math.Round(Multiplier(bid, start, end) * MultiplierScale))
}
