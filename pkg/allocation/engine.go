// Copyright 2023 LiveKit, Inc.
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

package allocation

import (
	"github.com/livekit/protocol/logger"

	"github.com/livekit/downlink-allocator/pkg/video"
)

type EngineParams struct {
	Logger logger.Logger
}

// Engine turns a source snapshot, a preference set and a bandwidth budget
// into one decision per source. It is stateless, every call is a pure
// function of its inputs.
type Engine struct {
	params EngineParams
}

func NewEngine(params EngineParams) *Engine {
	return &Engine{
		params: params,
	}
}

// Allocate distributes the usable budget over the preferred sources.
//
// Goals:
//  1. Stream as many of the preferred sources as possible, most important
//     tiers first, before spending anything on quality.
//  2. Spend leftover budget on layer upgrades, a tier exhausts its upgrade
//     opportunities before the next tier gets any.
//
// The first pass reserves each preferred source's lowest layer walking the
// tiers in priority order. The second pass steps subscribed sources up one
// layer at a time, round-robin within a tier in insertion order, never past
// the preference's target size ceiling. Spending never exceeds the usable
// budget, not even transiently.
func (e *Engine) Allocate(sources []video.Source, prefs *video.PreferenceSet, budget video.BandwidthBudget) *DecisionSet {
	usable := budget.Usable()

	index := make(map[video.SourceID]video.Source, len(sources))
	decisions := NewDecisionSet(len(sources))
	for _, src := range sources {
		index[src.ID] = src

		reason := PauseReasonNotPreferred
		if len(src.Layers) == 0 {
			reason = PauseReasonNoLayers
		} else if _, ok := prefs.Get(src.ID); ok {
			reason = PauseReasonBandwidth
		}
		decisions.Add(Decision{
			Source:      src.ID,
			State:       DecisionStatePaused,
			Layer:       video.InvalidLayerIndex,
			PauseReason: reason,
		})
	}

	tiers := prefs.Tiers()
	var spent int64

	// minimums, most important tiers first
	for _, tier := range tiers {
		for _, pref := range tier.Preferences {
			src, ok := index[pref.ID]
			if !ok {
				e.params.Logger.Debugw("preference names unknown source, skipping", "source", pref.ID)
				continue
			}
			if len(src.Layers) == 0 {
				continue
			}

			bottom := src.Layers[0]
			if spent+bottom.Bitrate > usable {
				continue
			}
			decisions.Add(Decision{
				Source:      src.ID,
				State:       DecisionStateSubscribed,
				Layer:       0,
				Bitrate:     bottom.Bitrate,
				PauseReason: PauseReasonNone,
			})
			spent += bottom.Bitrate
		}
	}

	// upgrades, a tier drains the remaining budget before the next
	for _, tier := range tiers {
		for {
			upgraded := false
			for _, pref := range tier.Preferences {
				src, ok := index[pref.ID]
				if !ok {
					continue
				}
				d, _ := decisions.Get(pref.ID)
				if !d.IsSubscribed() {
					continue
				}

				next := d.Layer + 1
				if next > video.CeilingLayer(src.Layers, pref.TargetSize) {
					continue
				}

				delta := src.Layers[next].Bitrate - d.Bitrate
				if spent+delta > usable {
					continue
				}
				decisions.Add(Decision{
					Source:      src.ID,
					State:       DecisionStateSubscribed,
					Layer:       next,
					Bitrate:     src.Layers[next].Bitrate,
					PauseReason: PauseReasonNone,
				})
				spent += delta
				upgraded = true
			}
			if !upgraded {
				break
			}
		}
	}

	return decisions
}
