package video

import (
	"fmt"

	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap/zapcore"
)

// SourceID identifies a remote publisher by attendee and modality,
// e. g. a participant's camera as opposed to their screen share.
type SourceID struct {
	Participant livekit.ParticipantIdentity
	Source      livekit.TrackSource
}

func (s SourceID) String() string {
	return fmt.Sprintf("%s/%s", s.Participant, s.Source)
}

// ------------------------------------------------

// Source is a remote publisher as seen by the catalog, carrying the
// simulcast ladder it currently offers.
type Source struct {
	ID      SourceID
	TrackID livekit.TrackID
	Kind    webrtc.RTPCodecType
	Layers  []Layer
}

func (s Source) Clone() Source {
	clone := s
	clone.Layers = make([]Layer, len(s.Layers))
	copy(clone.Layers, s.Layers)
	return clone
}

func (s Source) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("id", s.ID.String())
	e.AddString("trackID", string(s.TrackID))
	e.AddInt("layers", len(s.Layers))
	if len(s.Layers) > 0 {
		e.AddString("bottom", s.Layers[0].String())
		e.AddString("top", s.Layers[len(s.Layers)-1].String())
	}
	return nil
}
