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
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/livekit"

	"github.com/livekit/downlink-allocator/pkg/video"
)

type scenarioLayer struct {
	Bitrate int64  `yaml:"bitrate"`
	Width   uint32 `yaml:"width"`
	Height  uint32 `yaml:"height"`
}

type scenarioSource struct {
	Participant string          `yaml:"participant"`
	Source      string          `yaml:"source,omitempty"` // camera (default) or screen_share
	Layers      []scenarioLayer `yaml:"layers"`
}

type scenarioPreference struct {
	Participant string `yaml:"participant"`
	Source      string `yaml:"source,omitempty"`
	Priority    uint8  `yaml:"priority"`
	TargetSize  string `yaml:"target_size,omitempty"` // low, medium, high
}

// scenarioStep is one timeline entry. Sources and Preferences are whole-set
// replacements, an explicit empty list clears them while an absent key
// leaves them untouched.
type scenarioStep struct {
	At          time.Duration        `yaml:"at"`
	Estimate    int64                `yaml:"estimate,omitempty"`
	Congested   bool                 `yaml:"congested,omitempty"`
	Override    *int64               `yaml:"override,omitempty"`
	Sources     []scenarioSource     `yaml:"sources,omitempty"`
	Preferences []scenarioPreference `yaml:"preferences,omitempty"`
}

type Scenario struct {
	Name        string               `yaml:"name,omitempty"`
	Settle      time.Duration        `yaml:"settle,omitempty"`
	Sources     []scenarioSource     `yaml:"sources,omitempty"`
	Preferences []scenarioPreference `yaml:"preferences,omitempty"`
	Timeline    []scenarioStep       `yaml:"timeline,omitempty"`
}

func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScenario(string(data))
}

func ParseScenario(body string) (*Scenario, error) {
	scenario := &Scenario{}
	decoder := yaml.NewDecoder(strings.NewReader(body))
	decoder.KnownFields(true)
	if err := decoder.Decode(scenario); err != nil {
		return nil, errors.Wrap(err, "parsing scenario")
	}

	if err := scenario.Validate(); err != nil {
		return nil, err
	}

	sort.SliceStable(scenario.Timeline, func(i, j int) bool {
		return scenario.Timeline[i].At < scenario.Timeline[j].At
	})
	if scenario.Settle == 0 {
		scenario.Settle = time.Second
	}
	return scenario, nil
}

func (s *Scenario) Validate() error {
	if err := validateSources(s.Sources); err != nil {
		return err
	}
	if err := validatePreferences(s.Preferences); err != nil {
		return err
	}
	for idx, step := range s.Timeline {
		if step.At < 0 {
			return errors.Errorf("timeline step %d: negative offset %v", idx, step.At)
		}
		if err := validateSources(step.Sources); err != nil {
			return errors.Wrapf(err, "timeline step %d", idx)
		}
		if err := validatePreferences(step.Preferences); err != nil {
			return errors.Wrapf(err, "timeline step %d", idx)
		}
	}
	return nil
}

func validateSources(sources []scenarioSource) error {
	for _, src := range sources {
		if src.Participant == "" {
			return errors.New("source without a participant")
		}
		if _, err := parseTrackSource(src.Source); err != nil {
			return err
		}
	}
	return nil
}

func validatePreferences(prefs []scenarioPreference) error {
	for _, pref := range prefs {
		if pref.Participant == "" {
			return errors.New("preference without a participant")
		}
		if _, err := parseTrackSource(pref.Source); err != nil {
			return err
		}
		if _, err := parseTargetSize(pref.TargetSize); err != nil {
			return err
		}
	}
	return nil
}

// ------------------------------------------------

func parseTrackSource(s string) (livekit.TrackSource, error) {
	switch strings.ToLower(s) {
	case "", "camera":
		return livekit.TrackSource_CAMERA, nil
	case "screen_share", "screenshare", "screen":
		return livekit.TrackSource_SCREEN_SHARE, nil
	default:
		return livekit.TrackSource_UNKNOWN, errors.Errorf("unknown track source %q", s)
	}
}

func parseTargetSize(s string) (video.TargetSize, error) {
	switch strings.ToLower(s) {
	case "", "unconstrained":
		return video.TargetSizeUnconstrained, nil
	case "low":
		return video.TargetSizeLow, nil
	case "medium":
		return video.TargetSizeMedium, nil
	case "high":
		return video.TargetSizeHigh, nil
	default:
		return video.TargetSizeUnconstrained, errors.Errorf("unknown target size %q", s)
	}
}

func (s scenarioSource) toVideo() video.Source {
	kind, _ := parseTrackSource(s.Source)

	layers := make([]video.Layer, 0, len(s.Layers))
	for _, l := range s.Layers {
		layers = append(layers, video.Layer{
			Bitrate: l.Bitrate,
			Width:   l.Width,
			Height:  l.Height,
		})
	}

	return video.Source{
		ID: video.SourceID{
			Participant: livekit.ParticipantIdentity(s.Participant),
			Source:      kind,
		},
		TrackID: livekit.TrackID(fmt.Sprintf("TR_%s_%s", s.Participant, strings.ToLower(kind.String()))),
		Kind:    webrtc.RTPCodecTypeVideo,
		Layers:  layers,
	}
}

func (p scenarioPreference) toVideo() video.Preference {
	kind, _ := parseTrackSource(p.Source)
	size, _ := parseTargetSize(p.TargetSize)

	return video.Preference{
		ID: video.SourceID{
			Participant: livekit.ParticipantIdentity(p.Participant),
			Source:      kind,
		},
		Priority:   p.Priority,
		TargetSize: size,
	}
}

func toVideoSources(sources []scenarioSource) []video.Source {
	out := make([]video.Source, 0, len(sources))
	for _, src := range sources {
		out = append(out, src.toVideo())
	}
	return out
}

func toVideoPreferences(prefs []scenarioPreference) []video.Preference {
	out := make([]video.Preference, 0, len(prefs))
	for _, pref := range prefs {
		out = append(out, pref.toVideo())
	}
	return out
}
