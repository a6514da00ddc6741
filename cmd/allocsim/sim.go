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

package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/frostbyte73/core"
	"github.com/olekukonko/tablewriter"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/downlink-allocator/pkg/allocator"
	"github.com/livekit/downlink-allocator/pkg/config"
	"github.com/livekit/downlink-allocator/pkg/subscription"
	"github.com/livekit/downlink-allocator/pkg/video"
)

type recordedTransition struct {
	offset     time.Duration
	transition subscription.Transition
}

type recordedCommand struct {
	offset time.Duration
	kind   string
	id     video.SourceID
	layer  int
}

// ------------------------------------------------

// simTransport stands in for the media transport, acking every command
// immediately.
type simTransport struct {
	allocator *allocator.Allocator
	startedAt time.Time

	lock     sync.Mutex
	commands []recordedCommand
}

func (t *simTransport) Subscribe(id video.SourceID, layer int) error {
	t.record("SUBSCRIBE", id, layer)
	t.allocator.HandleSubscriptionResult(id, nil)
	return nil
}

func (t *simTransport) Unsubscribe(id video.SourceID) error {
	t.record("UNSUBSCRIBE", id, video.InvalidLayerIndex)
	t.allocator.HandleSubscriptionResult(id, nil)
	return nil
}

func (t *simTransport) record(kind string, id video.SourceID, layer int) {
	t.lock.Lock()
	t.commands = append(t.commands, recordedCommand{
		offset: time.Since(t.startedAt),
		kind:   kind,
		id:     id,
		layer:  layer,
	})
	t.lock.Unlock()
}

func (t *simTransport) recorded() []recordedCommand {
	t.lock.Lock()
	defer t.lock.Unlock()

	out := make([]recordedCommand, len(t.commands))
	copy(out, t.commands)
	return out
}

// ------------------------------------------------

type transitionRecorder struct {
	startedAt time.Time

	lock        sync.Mutex
	transitions []recordedTransition
}

func (r *transitionRecorder) OnStreamStateChanged(transition subscription.Transition) {
	r.lock.Lock()
	r.transitions = append(r.transitions, recordedTransition{
		offset:     time.Since(r.startedAt),
		transition: transition,
	})
	r.lock.Unlock()
}

func (r *transitionRecorder) recorded() []recordedTransition {
	r.lock.Lock()
	defer r.lock.Unlock()

	out := make([]recordedTransition, len(r.transitions))
	copy(out, r.transitions)
	return out
}

// ------------------------------------------------

type Simulation struct {
	conf     *config.Config
	scenario *Scenario

	abort core.Fuse
}

func NewSimulation(conf *config.Config, scenario *Scenario) *Simulation {
	return &Simulation{
		conf:     conf,
		scenario: scenario,
	}
}

func (s *Simulation) Abort() {
	s.abort.Break()
}

// Run replays the scenario timeline against a freshly built allocator and
// collects everything that happened into a report.
func (s *Simulation) Run() (*Report, error) {
	transport := &simTransport{}
	recorder := &transitionRecorder{}

	a := allocator.NewAllocator(allocator.AllocatorParams{
		Config:    s.conf,
		Transport: transport,
		Logger:    logger.GetLogger(),
	})
	transport.allocator = a
	a.AddObserver("allocsim", recorder)

	startedAt := time.Now()
	transport.startedAt = startedAt
	recorder.startedAt = startedAt

	a.Start()
	defer a.Stop()

	sources := make(map[video.SourceID]video.Source)
	applySources := func(scenarioSources []scenarioSource) {
		next := toVideoSources(scenarioSources)
		sources = make(map[video.SourceID]video.Source, len(next))
		for _, src := range next {
			sources[src.ID] = src
		}
		a.UpdateSources(next)
	}

	if s.scenario.Sources != nil {
		applySources(s.scenario.Sources)
	}
	if s.scenario.Preferences != nil {
		a.SetPreferences(toVideoPreferences(s.scenario.Preferences))
	}

	for idx, step := range s.scenario.Timeline {
		if !s.sleepUntil(startedAt, step.At) {
			logger.Infow("scenario aborted", "step", idx)
			break
		}

		if step.Sources != nil {
			applySources(step.Sources)
		}
		if step.Preferences != nil {
			a.SetPreferences(toVideoPreferences(step.Preferences))
		}
		if step.Estimate > 0 {
			a.OnEstimate(step.Estimate, step.Congested)
		}
		if step.Override != nil {
			a.SetChannelCapacity(*step.Override)
		}
	}

	// let queued events and transport acks drain before the final snapshot
	var lastAt time.Duration
	if n := len(s.scenario.Timeline); n > 0 {
		lastAt = s.scenario.Timeline[n-1].At
	}
	s.sleepUntil(startedAt, lastAt+s.scenario.Settle)

	return &Report{
		scenario:    s.scenario,
		transitions: recorder.recorded(),
		commands:    transport.recorded(),
		final:       a.Snapshot(),
		sources:     sources,
	}, nil
}

// sleepUntil waits for the given offset from the start of the run, false
// means the run was aborted.
func (s *Simulation) sleepUntil(startedAt time.Time, offset time.Duration) bool {
	wait := time.Until(startedAt.Add(offset))
	if wait <= 0 {
		return !s.abort.IsBroken()
	}

	select {
	case <-time.After(wait):
		return true
	case <-s.abort.Watch():
		return false
	}
}

// ------------------------------------------------

type Report struct {
	scenario    *Scenario
	transitions []recordedTransition
	commands    []recordedCommand
	final       []subscription.SourceState
	sources     map[video.SourceID]video.Source
}

func (r *Report) Render(w io.Writer) {
	if r.scenario.Name != "" {
		fmt.Fprintf(w, "scenario: %s\n\n", r.scenario.Name)
	}

	fmt.Fprintln(w, "transitions:")
	transitions := tablewriter.NewWriter(w)
	transitions.SetRowLine(true)
	transitions.SetAutoWrapText(false)
	transitions.SetHeader([]string{
		"Offset",
		"Source",
		"Transition",
		"Layer",
	})
	for _, rt := range r.transitions {
		transitions.Append([]string{
			rt.offset.Round(time.Millisecond).String(),
			rt.transition.Source.String(),
			rt.transition.Kind.String(),
			layerLabel(rt.transition.Layer),
		})
	}
	transitions.Render()

	fmt.Fprintln(w, "final state:")
	final := tablewriter.NewWriter(w)
	final.SetRowLine(true)
	final.SetAutoWrapText(false)
	final.SetHeader([]string{
		"Source",
		"State",
		"Layer",
		"Bitrate",
	})

	var committedBps int64
	for _, ss := range r.final {
		bitrate := "-"
		if ss.State == subscription.StreamStateActive {
			if src, ok := r.sources[ss.Source]; ok && ss.Layer >= 0 && ss.Layer < len(src.Layers) {
				bps := src.Layers[ss.Layer].Bitrate
				committedBps += bps
				bitrate = humanize.SI(float64(bps), "bps")
			}
		}
		final.Append([]string{
			ss.Source.String(),
			ss.State.String(),
			layerLabel(ss.Layer),
			bitrate,
		})
	}
	final.Render()

	subscribes, unsubscribes := 0, 0
	for _, cmd := range r.commands {
		if cmd.kind == "SUBSCRIBE" {
			subscribes++
		} else {
			unsubscribes++
		}
	}
	fmt.Fprintf(w, "commands issued: %d subscribe, %d unsubscribe\n", subscribes, unsubscribes)
	fmt.Fprintf(w, "committed bitrate: %s\n", humanize.SI(float64(committedBps), "bps"))
}

func layerLabel(layer int) string {
	if layer == video.InvalidLayerIndex {
		return "-"
	}
	return fmt.Sprintf("%d", layer)
}
