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
	"fmt"

	"go.uber.org/zap/zapcore"

	"github.com/livekit/downlink-allocator/pkg/video"
)

// -------------------------------------------------------------------

type PauseReason int

const (
	PauseReasonNone PauseReason = iota
	PauseReasonBandwidth
	PauseReasonNotPreferred
	PauseReasonNoLayers
)

func (p PauseReason) String() string {
	switch p {
	case PauseReasonNone:
		return "NONE"
	case PauseReasonBandwidth:
		return "BANDWIDTH"
	case PauseReasonNotPreferred:
		return "NOT_PREFERRED"
	case PauseReasonNoLayers:
		return "NO_LAYERS"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

// -------------------------------------------------------------------

type DecisionState int

const (
	DecisionStatePaused DecisionState = iota
	DecisionStateSubscribed
)

func (d DecisionState) String() string {
	switch d {
	case DecisionStatePaused:
		return "PAUSED"
	case DecisionStateSubscribed:
		return "SUBSCRIBED"
	default:
		return fmt.Sprintf("%d", int(d))
	}
}

// -------------------------------------------------------------------

// Decision is the engine's verdict for one catalog source in one
// evaluation cycle.
type Decision struct {
	Source      video.SourceID
	State       DecisionState
	Layer       int
	Bitrate     int64
	PauseReason PauseReason
}

func (d Decision) IsSubscribed() bool {
	return d.State == DecisionStateSubscribed
}

func (d Decision) String() string {
	return fmt.Sprintf("Decision{%s, state: %s, layer: %d, br: %d, pause: %s}",
		d.Source, d.State, d.Layer, d.Bitrate, d.PauseReason)
}

func (d Decision) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("source", d.Source.String())
	e.AddString("state", d.State.String())
	e.AddInt("layer", d.Layer)
	e.AddInt64("bitrate", d.Bitrate)
	e.AddString("pauseReason", d.PauseReason.String())
	return nil
}

// -------------------------------------------------------------------

// DecisionSet holds exactly one decision per catalog source,
// in evaluation order.
type DecisionSet struct {
	order     []video.SourceID
	decisions map[video.SourceID]Decision
}

func NewDecisionSet(capacity int) *DecisionSet {
	return &DecisionSet{
		order:     make([]video.SourceID, 0, capacity),
		decisions: make(map[video.SourceID]Decision, capacity),
	}
}

// Add records a decision, replacing any prior decision for the same source
// while keeping its position.
func (s *DecisionSet) Add(d Decision) {
	if _, ok := s.decisions[d.Source]; !ok {
		s.order = append(s.order, d.Source)
	}
	s.decisions[d.Source] = d
}

func (s *DecisionSet) Get(id video.SourceID) (Decision, bool) {
	d, ok := s.decisions[id]
	return d, ok
}

func (s *DecisionSet) Len() int {
	return len(s.order)
}

func (s *DecisionSet) Decisions() []Decision {
	decisions := make([]Decision, 0, len(s.order))
	for _, id := range s.order {
		decisions = append(decisions, s.decisions[id])
	}
	return decisions
}

// CommittedBitrate is the total bitrate of the subscribed decisions.
func (s *DecisionSet) CommittedBitrate() int64 {
	var total int64
	for _, id := range s.order {
		if d := s.decisions[id]; d.IsSubscribed() {
			total += d.Bitrate
		}
	}
	return total
}

func (s *DecisionSet) Counts() (subscribed int, paused int) {
	for _, id := range s.order {
		if s.decisions[id].IsSubscribed() {
			subscribed++
		} else {
			paused++
		}
	}
	return
}

func (s *DecisionSet) MarshalLogArray(e zapcore.ArrayEncoder) error {
	for _, id := range s.order {
		if err := e.AppendObject(s.decisions[id]); err != nil {
			return err
		}
	}
	return nil
}
