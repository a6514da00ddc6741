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

package video

import (
	"fmt"
	"sort"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

// -------------------------------------------------------

type TargetSize int32

const (
	TargetSizeUnconstrained TargetSize = iota
	TargetSizeLow
	TargetSizeMedium
	TargetSizeHigh
)

// nominal render sizes the target hints map to
const (
	targetSizeLowWidth     = 320
	targetSizeLowHeight    = 180
	targetSizeMediumWidth  = 640
	targetSizeMediumHeight = 360
	targetSizeHighWidth    = 1280
	targetSizeHighHeight   = 720
)

func (t TargetSize) String() string {
	switch t {
	case TargetSizeUnconstrained:
		return "UNCONSTRAINED"
	case TargetSizeLow:
		return "LOW"
	case TargetSizeMedium:
		return "MEDIUM"
	case TargetSizeHigh:
		return "HIGH"
	default:
		return fmt.Sprintf("%d", int(t))
	}
}

// Area returns the nominal pixel area of the target, 0 when unconstrained.
func (t TargetSize) Area() int64 {
	switch t {
	case TargetSizeLow:
		return targetSizeLowWidth * targetSizeLowHeight
	case TargetSizeMedium:
		return targetSizeMediumWidth * targetSizeMediumHeight
	case TargetSizeHigh:
		return targetSizeHighWidth * targetSizeHighHeight
	default:
		return 0
	}
}

// -------------------------------------------------------

var (
	ErrInvalidPriority = errors.New("preference priority must be positive")
	ErrInvalidSource   = errors.New("preference names an empty source identity")
)

// Preference ranks one source for downlink allocation. Lower priority
// value means more important. Insertion order into a PreferenceSet breaks
// ties within a priority tier.
type Preference struct {
	ID         SourceID
	Priority   uint8
	TargetSize TargetSize
}

func (p Preference) Validate() error {
	if p.Priority == 0 {
		return ErrInvalidPriority
	}
	if p.ID.Participant == "" {
		return ErrInvalidSource
	}
	return nil
}

func (p Preference) String() string {
	return fmt.Sprintf("Preference{%s, pri: %d, size: %s}", p.ID, p.Priority, p.TargetSize)
}

func (p Preference) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("id", p.ID.String())
	e.AddUint8("priority", p.Priority)
	e.AddString("targetSize", p.TargetSize.String())
	return nil
}

// -------------------------------------------------------

// Tier groups the preferences sharing one priority value,
// in insertion order.
type Tier struct {
	Priority    uint8
	Preferences []Preference
}

// PreferenceSet is an insertion-ordered collection of preferences keyed by
// source. Re-adding a source replaces its preference but keeps the
// original position, preserving the tie-break order.
type PreferenceSet struct {
	prefs *orderedmap.OrderedMap[SourceID, Preference]
}

func NewPreferenceSet(prefs ...Preference) *PreferenceSet {
	s := &PreferenceSet{
		prefs: orderedmap.NewOrderedMap[SourceID, Preference](),
	}
	for _, p := range prefs {
		s.Set(p)
	}
	return s
}

func (s *PreferenceSet) Set(p Preference) {
	s.prefs.Set(p.ID, p)
}

func (s *PreferenceSet) Get(id SourceID) (Preference, bool) {
	return s.prefs.Get(id)
}

func (s *PreferenceSet) Len() int {
	return s.prefs.Len()
}

// Ordered returns the preferences in insertion order.
func (s *PreferenceSet) Ordered() []Preference {
	ordered := make([]Preference, 0, s.prefs.Len())
	for el := s.prefs.Front(); el != nil; el = el.Next() {
		ordered = append(ordered, el.Value)
	}
	return ordered
}

// Tiers returns the preferences grouped by priority, tiers ascending
// (lower value first), insertion order within each tier.
func (s *PreferenceSet) Tiers() []Tier {
	byPriority := make(map[uint8][]Preference)
	priorities := make([]uint8, 0)
	for el := s.prefs.Front(); el != nil; el = el.Next() {
		p := el.Value
		if _, ok := byPriority[p.Priority]; !ok {
			priorities = append(priorities, p.Priority)
		}
		byPriority[p.Priority] = append(byPriority[p.Priority], p)
	}
	sort.Slice(priorities, func(i, j int) bool { return priorities[i] < priorities[j] })

	tiers := make([]Tier, 0, len(priorities))
	for _, pri := range priorities {
		tiers = append(tiers, Tier{
			Priority:    pri,
			Preferences: byPriority[pri],
		})
	}
	return tiers
}

// Prune drops every preference whose source fails the keep predicate and
// returns the dropped ids.
func (s *PreferenceSet) Prune(keep func(SourceID) bool) []SourceID {
	var dropped []SourceID
	for el := s.prefs.Front(); el != nil; el = el.Next() {
		if !keep(el.Key) {
			dropped = append(dropped, el.Key)
		}
	}
	for _, id := range dropped {
		s.prefs.Delete(id)
	}
	return dropped
}

func (s *PreferenceSet) Clone() *PreferenceSet {
	return NewPreferenceSet(s.Ordered()...)
}

func (s *PreferenceSet) MarshalLogArray(e zapcore.ArrayEncoder) error {
	for el := s.prefs.Front(); el != nil; el = el.Next() {
		if err := e.AppendObject(el.Value); err != nil {
			return err
		}
	}
	return nil
}
