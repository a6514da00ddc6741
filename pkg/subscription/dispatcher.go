package subscription

import (
	"sync"

	"github.com/livekit/protocol/logger"
)

// Observer receives committed subscription transitions, synchronously,
// inside the evaluation cycle that produced them. Implementations must not
// block, a slow observer stalls allocation.
type Observer interface {
	OnStreamStateChanged(transition Transition)
}

type dispatcherEntry struct {
	key      string
	observer Observer
}

type DispatcherParams struct {
	Logger logger.Logger
}

// Dispatcher fans transitions out to registered observers in registration
// order. Dispatch snapshots the registry first, observers may add or
// remove observers (including themselves) while being notified without
// affecting the in-flight delivery.
type Dispatcher struct {
	params DispatcherParams

	lock    sync.Mutex
	entries []dispatcherEntry
}

func NewDispatcher(params DispatcherParams) *Dispatcher {
	return &Dispatcher{
		params: params,
	}
}

// AddObserver registers an observer under a key. Re-adding a key replaces
// the observer but keeps its position in the delivery order.
func (d *Dispatcher) AddObserver(key string, observer Observer) {
	d.lock.Lock()
	defer d.lock.Unlock()

	for idx := range d.entries {
		if d.entries[idx].key == key {
			d.entries[idx].observer = observer
			return
		}
	}
	d.entries = append(d.entries, dispatcherEntry{key: key, observer: observer})
}

func (d *Dispatcher) RemoveObserver(key string) {
	d.lock.Lock()
	defer d.lock.Unlock()

	for idx := range d.entries {
		if d.entries[idx].key == key {
			d.entries = append(d.entries[:idx], d.entries[idx+1:]...)
			return
		}
	}
}

func (d *Dispatcher) HasObservers() bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	return len(d.entries) > 0
}

// Dispatch delivers every transition to every observer. A panicking
// observer is logged and skipped for the rest of this dispatch, the others
// still get their events.
func (d *Dispatcher) Dispatch(transitions []Transition) {
	if len(transitions) == 0 {
		return
	}

	d.lock.Lock()
	entries := make([]dispatcherEntry, len(d.entries))
	copy(entries, d.entries)
	d.lock.Unlock()

	excluded := make(map[string]bool)
	for _, transition := range transitions {
		for _, entry := range entries {
			if excluded[entry.key] {
				continue
			}
			d.deliver(entry, transition, excluded)
		}
	}
}

func (d *Dispatcher) deliver(entry dispatcherEntry, transition Transition, excluded map[string]bool) {
	defer func() {
		if r := recover(); r != nil {
			excluded[entry.key] = true
			d.params.Logger.Errorw("observer panicked, excluding for this dispatch", nil,
				"observer", entry.key,
				"panic", r,
				"transition", transition,
			)
		}
	}()
	entry.observer.OnStreamStateChanged(transition)
}
