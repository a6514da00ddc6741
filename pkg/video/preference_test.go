package video

import (
	"testing"

	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/require"
)

func pref(identity string, source livekit.TrackSource, priority uint8, size TargetSize) Preference {
	return Preference{
		ID: SourceID{
			Participant: livekit.ParticipantIdentity(identity),
			Source:      source,
		},
		Priority:   priority,
		TargetSize: size,
	}
}

func TestPreferenceValidate(t *testing.T) {
	require.NoError(t, pref("alice", livekit.TrackSource_CAMERA, 1, TargetSizeLow).Validate())
	require.ErrorIs(t, pref("alice", livekit.TrackSource_CAMERA, 0, TargetSizeLow).Validate(), ErrInvalidPriority)
	require.ErrorIs(t, pref("", livekit.TrackSource_CAMERA, 1, TargetSizeLow).Validate(), ErrInvalidSource)
}

func TestPreferenceSetOrdering(t *testing.T) {
	t.Run("insertion order is preserved", func(t *testing.T) {
		s := NewPreferenceSet(
			pref("alice", livekit.TrackSource_CAMERA, 2, TargetSizeLow),
			pref("bob", livekit.TrackSource_CAMERA, 1, TargetSizeLow),
			pref("carol", livekit.TrackSource_CAMERA, 2, TargetSizeLow),
		)
		ordered := s.Ordered()
		require.Len(t, ordered, 3)
		require.Equal(t, livekit.ParticipantIdentity("alice"), ordered[0].ID.Participant)
		require.Equal(t, livekit.ParticipantIdentity("bob"), ordered[1].ID.Participant)
		require.Equal(t, livekit.ParticipantIdentity("carol"), ordered[2].ID.Participant)
	})

	t.Run("replace keeps the original position", func(t *testing.T) {
		s := NewPreferenceSet(
			pref("alice", livekit.TrackSource_CAMERA, 2, TargetSizeLow),
			pref("bob", livekit.TrackSource_CAMERA, 1, TargetSizeLow),
		)
		s.Set(pref("alice", livekit.TrackSource_CAMERA, 1, TargetSizeHigh))

		ordered := s.Ordered()
		require.Len(t, ordered, 2)
		require.Equal(t, livekit.ParticipantIdentity("alice"), ordered[0].ID.Participant)
		require.Equal(t, uint8(1), ordered[0].Priority)
		require.Equal(t, TargetSizeHigh, ordered[0].TargetSize)
	})
}

func TestPreferenceSetTiers(t *testing.T) {
	s := NewPreferenceSet(
		pref("carol", livekit.TrackSource_CAMERA, 2, TargetSizeLow),
		pref("alice", livekit.TrackSource_SCREEN_SHARE, 1, TargetSizeHigh),
		pref("dave", livekit.TrackSource_CAMERA, 2, TargetSizeLow),
		pref("alice", livekit.TrackSource_CAMERA, 1, TargetSizeLow),
	)

	tiers := s.Tiers()
	require.Len(t, tiers, 2)

	require.Equal(t, uint8(1), tiers[0].Priority)
	require.Len(t, tiers[0].Preferences, 2)
	require.Equal(t, livekit.TrackSource_SCREEN_SHARE, tiers[0].Preferences[0].ID.Source)
	require.Equal(t, livekit.TrackSource_CAMERA, tiers[0].Preferences[1].ID.Source)

	require.Equal(t, uint8(2), tiers[1].Priority)
	require.Len(t, tiers[1].Preferences, 2)
	require.Equal(t, livekit.ParticipantIdentity("carol"), tiers[1].Preferences[0].ID.Participant)
	require.Equal(t, livekit.ParticipantIdentity("dave"), tiers[1].Preferences[1].ID.Participant)
}

func TestPreferenceSetPrune(t *testing.T) {
	s := NewPreferenceSet(
		pref("alice", livekit.TrackSource_CAMERA, 1, TargetSizeLow),
		pref("bob", livekit.TrackSource_CAMERA, 2, TargetSizeLow),
		pref("carol", livekit.TrackSource_CAMERA, 3, TargetSizeLow),
	)

	dropped := s.Prune(func(id SourceID) bool { return id.Participant != "bob" })
	require.Len(t, dropped, 1)
	require.Equal(t, livekit.ParticipantIdentity("bob"), dropped[0].Participant)
	require.Equal(t, 2, s.Len())
	_, ok := s.Get(SourceID{Participant: "bob", Source: livekit.TrackSource_CAMERA})
	require.False(t, ok)
}
