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

package subscription

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/livekit/downlink-allocator/pkg/video"
)

// ------------------------------------------------

type StreamState int

const (
	StreamStateInactive StreamState = iota
	StreamStateActive
	StreamStatePaused
)

func (s StreamState) String() string {
	switch s {
	case StreamStateInactive:
		return "INACTIVE"
	case StreamStateActive:
		return "ACTIVE"
	case StreamStatePaused:
		return "PAUSED"
	default:
		return fmt.Sprintf("UNKNOWN: %d", int(s))
	}
}

// ------------------------------------------------

type TransitionKind int

const (
	TransitionPausedByPolicy TransitionKind = iota
	TransitionUnpausedByPolicy
	TransitionLayerChanged
)

func (t TransitionKind) String() string {
	switch t {
	case TransitionPausedByPolicy:
		return "PAUSED_BY_POLICY"
	case TransitionUnpausedByPolicy:
		return "UNPAUSED_BY_POLICY"
	case TransitionLayerChanged:
		return "LAYER_CHANGED"
	default:
		return fmt.Sprintf("UNKNOWN: %d", int(t))
	}
}

// ------------------------------------------------

// Transition is one committed state change for one source, delivered to
// observers in the evaluation cycle that produced it.
type Transition struct {
	Source video.SourceID
	Kind   TransitionKind
	Layer  int // the active layer, InvalidLayerIndex when pausing
	At     time.Time
}

func (t Transition) String() string {
	return fmt.Sprintf("Transition{%s, kind: %s, layer: %d}", t.Source, t.Kind, t.Layer)
}

func (t Transition) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("source", t.Source.String())
	e.AddString("kind", t.Kind.String())
	e.AddInt("layer", t.Layer)
	e.AddTime("at", t.At)
	return nil
}
