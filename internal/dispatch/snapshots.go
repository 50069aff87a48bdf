package dispatch

import (
	"sync"

	"codeberg.org/mutker/edgetel/internal/event"
)

type snapshotKey struct {
	namespace string
	sink      string
}

// Snapshots holds the latest event per (namespace, pull sink). Readers
// see either the previous or the new event, never a partial one.
type Snapshots struct {
	mu     sync.RWMutex
	latest map[snapshotKey]*event.DataEvent
}

func NewSnapshots() *Snapshots {
	return &Snapshots{latest: make(map[snapshotKey]*event.DataEvent)}
}

// Put stores ev only if live reports true while the write lock is held.
func (s *Snapshots) Put(namespace, sink string, ev event.DataEvent, live func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !live() {
		return
	}
	s.latest[snapshotKey{namespace, sink}] = &ev
}

func (s *Snapshots) Get(namespace, sink string) (event.DataEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.latest[snapshotKey{namespace, sink}]
	if !ok {
		return event.DataEvent{}, false
	}
	return *ev, true
}

func (s *Snapshots) Delete(namespace, sink string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, snapshotKey{namespace, sink})
}

func (s *Snapshots) DeleteNamespace(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.latest {
		if k.namespace == namespace {
			delete(s.latest, k)
		}
	}
}
