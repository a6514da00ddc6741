package video

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// BandwidthBudget is the downlink capacity an evaluation cycle may spend.
// AvailableBps is the estimate after any congestion attenuation; Margin is
// the fraction held back as safety headroom.
type BandwidthBudget struct {
	AvailableBps int64
	Margin       float64
	Congested    bool
}

// Usable returns the spendable bitrate, never negative.
func (b BandwidthBudget) Usable() int64 {
	if b.AvailableBps <= 0 {
		return 0
	}

	margin := b.Margin
	if margin < 0.0 {
		margin = 0.0
	}
	if margin >= 1.0 {
		return 0
	}
	return int64(float64(b.AvailableBps) * (1.0 - margin))
}

func (b BandwidthBudget) String() string {
	return fmt.Sprintf("BandwidthBudget{avail: %d, margin: %.2f, congested: %v, usable: %d}",
		b.AvailableBps, b.Margin, b.Congested, b.Usable())
}

func (b BandwidthBudget) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddInt64("availableBps", b.AvailableBps)
	e.AddFloat64("margin", b.Margin)
	e.AddBool("congested", b.Congested)
	e.AddInt64("usableBps", b.Usable())
	return nil
}
