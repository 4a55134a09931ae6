// Package pubsub delivers run wake-ups from the callback path to open status
// streams. Wake-ups carry no data; receivers re-read the datastore.
package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Local fans wake-ups out within one process. The zero value is not usable; use
// NewLocal.
type Local struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan struct{}]struct{}
}

// NewLocal creates an empty in-process hub.
func NewLocal() *Local {
	return &Local{subs: make(map[uuid.UUID]map[chan struct{}]struct{})}
}

// Publish wakes every subscriber of runID. It never blocks; a subscriber that has
// not consumed its previous wake-up keeps just one pending.
func (l *Local) Publish(_ context.Context, runID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[runID] {
		notify(ch)
	}
	return nil
}

// Subscribe registers for wake-ups on runID. cancel must be called to release the
// subscription; it closes the channel.
func (l *Local) Subscribe(_ context.Context, runID uuid.UUID) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	if l.subs[runID] == nil {
		l.subs[runID] = make(map[chan struct{}]struct{})
	}
	l.subs[runID][ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[runID], ch)
			if len(l.subs[runID]) == 0 {
				delete(l.subs, runID)
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Subscribers returns the number of open subscriptions for runID.
func (l *Local) Subscribers(runID uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[runID])
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
