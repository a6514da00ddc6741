package bwe

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/downlink-allocator/pkg/config"
)

// ------------------------------------------------

type TrendDirection int

const (
	TrendDirectionNeutral TrendDirection = iota
	TrendDirectionUpward
	TrendDirectionDownward
)

func (t TrendDirection) String() string {
	switch t {
	case TrendDirectionNeutral:
		return "NEUTRAL"
	case TrendDirectionUpward:
		return "UPWARD"
	case TrendDirectionDownward:
		return "DOWNWARD"
	default:
		return fmt.Sprintf("%d", int(t))
	}
}

// ------------------------------------------------

type TrendDetectorParams struct {
	Name   string
	Logger logger.Logger
	Config config.TrendConfig
}

type trendSample struct {
	value int64
	at    time.Time
}

// TrendDetector watches a series of bandwidth estimates for a sustained
// downward trend. Estimates are received periodically and repeat when
// nothing changes, so duplicates are collapsed unless the series has
// already fallen and gone quiet, in which case recording duplicates lets
// a slow decline surface eventually.
type TrendDetector struct {
	params TrendDetectorParams

	samples      []trendSample
	numSamples   int
	lowestValue  int64
	highestValue int64

	hasFallen    bool
	lastSampleAt time.Time

	direction TrendDirection
}

func NewTrendDetector(params TrendDetectorParams) *TrendDetector {
	return &TrendDetector{
		params:    params,
		direction: TrendDirectionNeutral,
	}
}

func (t *TrendDetector) AddValue(value int64, now time.Time) {
	t.numSamples++
	if t.lowestValue == 0 || value < t.lowestValue {
		t.lowestValue = value
	}
	if value > t.highestValue {
		t.highestValue = value
	}

	var lastValue int64
	if len(t.samples) != 0 {
		lastValue = t.samples[len(t.samples)-1].value
	}
	if lastValue == value && t.params.Config.CollapseThreshold > 0 {
		if !t.hasFallen || (!t.lastSampleAt.IsZero() && now.Sub(t.lastSampleAt) < t.params.Config.CollapseThreshold) {
			return
		}
	}

	if lastValue > value {
		t.hasFallen = true
	}
	t.lastSampleAt = now

	if len(t.samples) == t.params.Config.RequiredSamples {
		t.samples = t.samples[1:]
	}
	t.samples = append(t.samples, trendSample{value: value, at: now})

	t.prune(now)
	t.updateDirection()
}

func (t *TrendDetector) GetDirection() TrendDirection {
	return t.direction
}

func (t *TrendDetector) String() string {
	return fmt.Sprintf("TrendDetector{n: %s, dir: %s, v: %d|%d|%d|%+v|%.2f}",
		t.params.Name, t.direction,
		t.numSamples, t.lowestValue, t.highestValue, t.values(), kendallsTau(t.values()))
}

// prune drops samples that aged out of the validity window, stale history
// must not keep reporting a trend
func (t *TrendDetector) prune(now time.Time) {
	window := t.params.Config.ValidityWindow
	if window <= 0 {
		return
	}
	cutoff := 0
	for cutoff < len(t.samples) && now.Sub(t.samples[cutoff].at) > window {
		cutoff++
	}
	t.samples = t.samples[cutoff:]
}

func (t *TrendDetector) values() []int64 {
	values := make([]int64, 0, len(t.samples))
	for _, s := range t.samples {
		values = append(values, s.value)
	}
	return values
}

func (t *TrendDetector) updateDirection() {
	if len(t.samples) < t.params.Config.RequiredSamples {
		t.direction = TrendDirectionNeutral
		return
	}

	// using Kendall's Tau to find trend
	kt := kendallsTau(t.values())

	t.direction = TrendDirectionNeutral
	switch {
	case kt > 0:
		t.direction = TrendDirectionUpward
	case kt < t.params.Config.DownwardTrendThreshold:
		t.direction = TrendDirectionDownward
	}
}

// ------------------------------------------------

func kendallsTau(values []int64) float64 {
	concordantPairs := 0
	discordantPairs := 0

	for i := 0; i < len(values)-1; i++ {
		for j := i + 1; j < len(values); j++ {
			if values[i] < values[j] {
				concordantPairs++
			} else if values[i] > values[j] {
				discordantPairs++
			}
		}
	}

	if (concordantPairs + discordantPairs) == 0 {
		return 0.0
	}

	return (float64(concordantPairs) - float64(discordantPairs)) / (float64(concordantPairs) + float64(discordantPairs))
}
