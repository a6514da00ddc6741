package subscription

import (
	"fmt"
	"testing"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	name    string
	log     *[]string
	onEvent func(Transition)
}

func (r *recordingObserver) OnStreamStateChanged(transition Transition) {
	*r.log = append(*r.log, fmt.Sprintf("%s:%s", r.name, transition.Kind))
	if r.onEvent != nil {
		r.onEvent(transition)
	}
}

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(DispatcherParams{Logger: logger.GetLogger()})
}

func testTransition(kind TransitionKind) Transition {
	return Transition{
		Source: smID("alice"),
		Kind:   kind,
		Layer:  0,
		At:     time.Now(),
	}
}

func TestDispatcherDeliveryOrder(t *testing.T) {
	d := newTestDispatcher()
	var log []string
	d.AddObserver("first", &recordingObserver{name: "first", log: &log})
	d.AddObserver("second", &recordingObserver{name: "second", log: &log})

	d.Dispatch([]Transition{
		testTransition(TransitionUnpausedByPolicy),
		testTransition(TransitionLayerChanged),
	})

	require.Equal(t, []string{
		"first:UNPAUSED_BY_POLICY",
		"second:UNPAUSED_BY_POLICY",
		"first:LAYER_CHANGED",
		"second:LAYER_CHANGED",
	}, log)
}

func TestDispatcherReplaceKeepsPosition(t *testing.T) {
	d := newTestDispatcher()
	var log []string
	d.AddObserver("a", &recordingObserver{name: "a1", log: &log})
	d.AddObserver("b", &recordingObserver{name: "b", log: &log})
	d.AddObserver("a", &recordingObserver{name: "a2", log: &log})

	d.Dispatch([]Transition{testTransition(TransitionPausedByPolicy)})
	require.Equal(t, []string{"a2:PAUSED_BY_POLICY", "b:PAUSED_BY_POLICY"}, log)
}

func TestDispatcherRemoveObserver(t *testing.T) {
	d := newTestDispatcher()
	var log []string
	d.AddObserver("a", &recordingObserver{name: "a", log: &log})
	d.RemoveObserver("a")
	require.False(t, d.HasObservers())

	d.Dispatch([]Transition{testTransition(TransitionPausedByPolicy)})
	require.Empty(t, log)
}

func TestDispatcherSnapshotsRegistry(t *testing.T) {
	t.Run("observer removing itself still gets the whole batch", func(t *testing.T) {
		d := newTestDispatcher()
		var log []string
		self := &recordingObserver{name: "self", log: &log}
		self.onEvent = func(Transition) { d.RemoveObserver("self") }
		d.AddObserver("self", self)

		d.Dispatch([]Transition{
			testTransition(TransitionUnpausedByPolicy),
			testTransition(TransitionLayerChanged),
		})
		require.Len(t, log, 2)
		require.False(t, d.HasObservers())
	})

	t.Run("observer added mid-dispatch joins the next batch", func(t *testing.T) {
		d := newTestDispatcher()
		var log []string
		late := &recordingObserver{name: "late", log: &log}
		adder := &recordingObserver{name: "adder", log: &log}
		adder.onEvent = func(Transition) { d.AddObserver("late", late) }
		d.AddObserver("adder", adder)

		d.Dispatch([]Transition{testTransition(TransitionUnpausedByPolicy)})
		require.Equal(t, []string{"adder:UNPAUSED_BY_POLICY"}, log)

		d.Dispatch([]Transition{testTransition(TransitionPausedByPolicy)})
		require.Contains(t, log, "late:PAUSED_BY_POLICY")
	})
}

func TestDispatcherIsolatesPanics(t *testing.T) {
	d := newTestDispatcher()
	var log []string
	panicky := &recordingObserver{name: "panicky", log: &log}
	panicky.onEvent = func(Transition) { panic("observer bug") }
	d.AddObserver("panicky", panicky)
	d.AddObserver("steady", &recordingObserver{name: "steady", log: &log})

	d.Dispatch([]Transition{
		testTransition(TransitionUnpausedByPolicy),
		testTransition(TransitionLayerChanged),
	})

	// the panicking observer is dropped after its first event, the
	// steady one sees everything
	require.Equal(t, []string{
		"panicky:UNPAUSED_BY_POLICY",
		"steady:UNPAUSED_BY_POLICY",
		"steady:LAYER_CHANGED",
	}, log)

	// and it is back in business for the next dispatch
	log = nil
	panicky.onEvent = nil
	d.Dispatch([]Transition{testTransition(TransitionPausedByPolicy)})
	require.Equal(t, []string{"panicky:PAUSED_BY_POLICY", "steady:PAUSED_BY_POLICY"}, log)
}
