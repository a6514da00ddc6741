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

package subscription

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	"github.com/livekit/downlink-allocator/pkg/allocation"
	"github.com/livekit/downlink-allocator/pkg/config"
	"github.com/livekit/downlink-allocator/pkg/telemetry/prometheus"
	"github.com/livekit/downlink-allocator/pkg/video"
)

var (
	ErrSubscriptionTimeout = errors.New("subscription command timed out")
)

// ------------------------------------------------

type trackedSource struct {
	state            StreamState
	layer            int
	lastTransitionAt time.Time

	// upgrade proposals have to repeat before they commit
	proposedLayer  int
	proposedStreak uint32

	pending deque.Deque[*pendingCommand]
}

func newTrackedSource() *trackedSource {
	t := &trackedSource{
		state:         StreamStateInactive,
		layer:         video.InvalidLayerIndex,
		proposedLayer: video.InvalidLayerIndex,
	}
	t.pending.SetMinCapacity(2)
	return t
}

// observeProposal counts consecutive proposals of the same upgrade target
// and reports whether enough have accumulated to commit.
func (t *trackedSource) observeProposal(layer int, required uint32) bool {
	if t.proposedLayer == layer {
		t.proposedStreak++
	} else {
		t.proposedLayer = layer
		t.proposedStreak = 1
	}
	return t.proposedStreak >= required
}

func (t *trackedSource) clearProposal() {
	t.proposedLayer = video.InvalidLayerIndex
	t.proposedStreak = 0
}

// ------------------------------------------------

type SourceState struct {
	Source video.SourceID
	State  StreamState
	Layer  int
}

type StateMachineParams struct {
	Config config.AllocatorConfig
	Logger logger.Logger
}

// StateMachine reconciles the engine's per-cycle proposals against the
// committed subscription state of every source: it debounces flapping,
// holds upgrades back until they have been proposed repeatedly, issues
// transport commands, and tracks them until they confirm, fail or time
// out. Pauses always apply immediately, shrinking budgets cannot wait.
type StateMachine struct {
	params StateMachineParams

	lock    sync.RWMutex
	sources map[video.SourceID]*trackedSource
	order   []video.SourceID
}

func NewStateMachine(params StateMachineParams) *StateMachine {
	return &StateMachine{
		params:  params,
		sources: make(map[video.SourceID]*trackedSource),
	}
}

// SyncCatalog tracks newly available sources and forgets removed ones.
// Removed sources that were streaming get an unsubscribe on the way out,
// without a policy event, catalog membership is already caller-visible.
func (s *StateMachine) SyncCatalog(added []video.SourceID, removed []video.SourceID) []Command {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, id := range added {
		s.getOrCreate(id)
	}

	var commands []Command
	for _, id := range removed {
		tracked, ok := s.sources[id]
		if !ok {
			continue
		}
		if tracked.state == StreamStateActive {
			commands = append(commands, Command{
				Kind:   CommandUnsubscribe,
				Source: id,
				Layer:  video.InvalidLayerIndex,
			})
		}
		delete(s.sources, id)
		for idx, ordered := range s.order {
			if ordered == id {
				s.order = append(s.order[:idx], s.order[idx+1:]...)
				break
			}
		}
		s.params.Logger.Debugw("source removed from tracking", "source", id, "state", tracked.state)
	}
	return commands
}

// Commit reconciles one cycle's decisions, emitting exactly one transition
// per source that changes and the transport commands to make it so.
func (s *StateMachine) Commit(decisions *allocation.DecisionSet, cycle uint64, now time.Time) ([]Transition, []Command) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var transitions []Transition
	var commands []Command

	for _, d := range decisions.Decisions() {
		tracked := s.getOrCreate(d.Source)

		if !d.IsSubscribed() {
			if tracked.state != StreamStateActive {
				// nothing streaming, nothing to pause
				tracked.clearProposal()
				continue
			}
			transitions = append(transitions, s.commitPause(d.Source, tracked, cycle, now, &commands))
			continue
		}

		switch tracked.state {
		case StreamStateInactive:
			// first activation has no prior state to protect
			transitions = append(transitions, s.commitActivate(d, tracked, TransitionUnpausedByPolicy, cycle, now, &commands))

		case StreamStatePaused:
			if !tracked.observeProposal(d.Layer, s.params.Config.UpgradeConfirmations) {
				continue
			}
			if s.withinDwell(tracked, now) {
				continue
			}
			transitions = append(transitions, s.commitActivate(d, tracked, TransitionUnpausedByPolicy, cycle, now, &commands))

		case StreamStateActive:
			if d.Layer == tracked.layer {
				tracked.clearProposal()
				continue
			}
			if d.Layer > tracked.layer && !tracked.observeProposal(d.Layer, s.params.Config.UpgradeConfirmations) {
				continue
			}
			if s.withinDwell(tracked, now) {
				continue
			}
			transitions = append(transitions, s.commitActivate(d, tracked, TransitionLayerChanged, cycle, now, &commands))
		}
	}

	for _, transition := range transitions {
		s.params.Logger.Debugw("subscription state changed", "transition", transition)
	}
	return transitions, commands
}

// HandleCommandResult consumes the transport's ack or failure for the
// oldest pending command of a source. A failed subscribe reverts the
// source to paused and asks for a re-evaluation, the revert is surfaced
// like any policy pause.
func (s *StateMachine) HandleCommandResult(id video.SourceID, cmdErr error, now time.Time) ([]Transition, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	tracked, ok := s.sources[id]
	if !ok || tracked.pending.Len() == 0 {
		s.params.Logger.Debugw("subscription result without a pending command", "source", id)
		return nil, false
	}

	pc := tracked.pending.PopFront()
	if cmdErr == nil {
		prometheus.RecordCommand(pc.command.Kind.String(), "ok")
		s.params.Logger.Debugw("subscription command confirmed", "command", pc.command, "rtt", now.Sub(pc.issuedAt))
		return nil, false
	}

	prometheus.RecordCommand(pc.command.Kind.String(), "failed")
	if pc.command.Kind == CommandUnsubscribe {
		// committed state is already paused, media will stop at worst
		// one retry later when the next cycle pauses again
		s.params.Logger.Errorw("unsubscribe command failed", cmdErr, "command", pc.command)
		return nil, false
	}

	s.params.Logger.Warnw("subscribe command failed, reverting to paused", cmdErr, "command", pc.command)
	return s.revertToPaused(id, tracked, now), true
}

// CheckPending fails every command that has been outstanding longer than
// the configured number of cycles.
func (s *StateMachine) CheckPending(cycle uint64, now time.Time) ([]Transition, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	var transitions []Transition
	reevaluate := false

	for _, id := range s.order {
		tracked := s.sources[id]
		for tracked.pending.Len() > 0 {
			pc := tracked.pending.Front()
			if cycle < pc.issuedIn+s.params.Config.CommandTimeoutCycles {
				break
			}
			tracked.pending.PopFront()
			prometheus.RecordCommand(pc.command.Kind.String(), "timeout")
			s.params.Logger.Warnw("subscription command timed out", ErrSubscriptionTimeout,
				"command", pc.command,
				"issuedIn", pc.issuedIn,
				"cycle", cycle,
				"waited", now.Sub(pc.issuedAt),
			)
			if pc.command.Kind == CommandSubscribe {
				transitions = append(transitions, s.revertToPaused(id, tracked, now)...)
				reevaluate = true
			}
		}
	}
	return transitions, reevaluate
}

// Snapshot returns the committed state of every tracked source in the
// order they were first seen.
func (s *StateMachine) Snapshot() []SourceState {
	s.lock.RLock()
	defer s.lock.RUnlock()

	states := make([]SourceState, 0, len(s.order))
	for _, id := range s.order {
		tracked := s.sources[id]
		states = append(states, SourceState{
			Source: id,
			State:  tracked.state,
			Layer:  tracked.layer,
		})
	}
	return states
}

func (s *StateMachine) PendingCommands() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	pending := 0
	for _, tracked := range s.sources {
		pending += tracked.pending.Len()
	}
	return pending
}

// ------------------------------------------------

func (s *StateMachine) getOrCreate(id video.SourceID) *trackedSource {
	tracked, ok := s.sources[id]
	if !ok {
		tracked = newTrackedSource()
		s.sources[id] = tracked
		s.order = append(s.order, id)
	}
	return tracked
}

func (s *StateMachine) withinDwell(tracked *trackedSource, now time.Time) bool {
	dwell := s.params.Config.MinDwell
	return dwell > 0 && !tracked.lastTransitionAt.IsZero() && now.Sub(tracked.lastTransitionAt) < dwell
}

func (s *StateMachine) commitActivate(d allocation.Decision, tracked *trackedSource, kind TransitionKind, cycle uint64, now time.Time, commands *[]Command) Transition {
	tracked.state = StreamStateActive
	tracked.layer = d.Layer
	tracked.lastTransitionAt = now
	tracked.clearProposal()

	cmd := Command{
		Kind:   CommandSubscribe,
		Source: d.Source,
		Layer:  d.Layer,
	}
	tracked.pending.PushBack(&pendingCommand{command: cmd, issuedIn: cycle, issuedAt: now})
	*commands = append(*commands, cmd)

	return Transition{
		Source: d.Source,
		Kind:   kind,
		Layer:  d.Layer,
		At:     now,
	}
}

func (s *StateMachine) commitPause(id video.SourceID, tracked *trackedSource, cycle uint64, now time.Time, commands *[]Command) Transition {
	tracked.state = StreamStatePaused
	tracked.layer = video.InvalidLayerIndex
	tracked.lastTransitionAt = now
	tracked.clearProposal()

	cmd := Command{
		Kind:   CommandUnsubscribe,
		Source: id,
		Layer:  video.InvalidLayerIndex,
	}
	tracked.pending.PushBack(&pendingCommand{command: cmd, issuedIn: cycle, issuedAt: now})
	*commands = append(*commands, cmd)

	return Transition{
		Source: id,
		Kind:   TransitionPausedByPolicy,
		Layer:  video.InvalidLayerIndex,
		At:     now,
	}
}

func (s *StateMachine) revertToPaused(id video.SourceID, tracked *trackedSource, now time.Time) []Transition {
	tracked.clearProposal()
	if tracked.state != StreamStateActive {
		return nil
	}

	tracked.state = StreamStatePaused
	tracked.layer = video.InvalidLayerIndex
	tracked.lastTransitionAt = now
	return []Transition{{
		Source: id,
		Kind:   TransitionPausedByPolicy,
		Layer:  video.InvalidLayerIndex,
		At:     now,
	}}
}
