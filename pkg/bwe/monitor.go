// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bwe

import (
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/downlink-allocator/pkg/config"
	"github.com/livekit/downlink-allocator/pkg/video"
)

type MonitorParams struct {
	Config config.EstimateConfig
	Logger logger.Logger
}

// Monitor turns the raw estimate feed into the budget an evaluation cycle
// may spend. It keeps the last well-formed estimate, rejects malformed
// ones, and collapses the budget to zero once the feed has been silent
// beyond the grace period. Not safe for concurrent use, it lives on the
// allocator's event loop.
type Monitor struct {
	params MonitorParams

	lastEstimateBps int64
	lastGoodAt      time.Time
	congestedFlag   bool
	overrideBps     int64
	staleWarned     bool

	trend *TrendDetector
}

func NewMonitor(params MonitorParams) *Monitor {
	m := &Monitor{
		params: params,
	}
	if params.Config.Trend.Enabled {
		m.trend = NewTrendDetector(TrendDetectorParams{
			Name:   "estimate",
			Logger: params.Logger,
			Config: params.Config.Trend,
		})
	}
	return m
}

// UpdateEstimate ingests one estimate. Non-positive or absurdly large
// values are dropped, the previous estimate keeps driving allocation.
func (m *Monitor) UpdateEstimate(bps int64, congested bool, now time.Time) {
	if bps <= 0 || (m.params.Config.MaxEstimateBps > 0 && bps > m.params.Config.MaxEstimateBps) {
		m.params.Logger.Warnw("ignoring malformed bandwidth estimate", nil, "estimate", bps)
		return
	}

	m.lastEstimateBps = bps
	m.lastGoodAt = now
	m.congestedFlag = congested
	m.staleWarned = false

	if m.trend != nil {
		m.trend.AddValue(bps, now)
	}
}

// SetChannelCapacity overrides the estimator until cleared with a
// non-positive value.
func (m *Monitor) SetChannelCapacity(bps int64) {
	if bps > 0 {
		m.params.Logger.Infow("overriding channel capacity", "override", bps, "estimate", m.lastEstimateBps)
	} else if m.overrideBps > 0 {
		m.params.Logger.Infow("clearing channel capacity override", "estimate", m.lastEstimateBps)
	}
	m.overrideBps = bps
}

func (m *Monitor) LastEstimate() int64 {
	return m.lastEstimateBps
}

// Budget returns what the current cycle may spend.
func (m *Monitor) Budget(now time.Time) video.BandwidthBudget {
	if m.overrideBps > 0 {
		return video.BandwidthBudget{
			AvailableBps: m.overrideBps,
			Margin:       m.params.Config.Margin,
		}
	}

	if m.lastGoodAt.IsZero() {
		return video.BandwidthBudget{Margin: m.params.Config.Margin}
	}

	if grace := m.params.Config.EstimateGrace; grace > 0 && now.Sub(m.lastGoodAt) > grace {
		if !m.staleWarned {
			m.params.Logger.Warnw("bandwidth estimate stale, collapsing budget", nil,
				"lastEstimate", m.lastEstimateBps,
				"sinceLastGood", now.Sub(m.lastGoodAt),
			)
			m.staleWarned = true
		}
		return video.BandwidthBudget{Margin: m.params.Config.Margin}
	}

	congested := m.congestedFlag
	if m.trend != nil && m.trend.GetDirection() == TrendDirectionDownward {
		congested = true
	}

	available := m.lastEstimateBps
	if congested {
		available = int64(float64(available) * (1.0 - m.params.Config.CongestedPenalty))
	}
	return video.BandwidthBudget{
		AvailableBps: available,
		Margin:       m.params.Config.Margin,
		Congested:    congested,
	}
}
