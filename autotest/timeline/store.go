package timeline

import (
	"sync"
	"time"
)

// Event is one audit entry in a grading job's lifecycle.
type Event struct {
	ReqID     string            `json:"req_id"`
	CommitURL string            `json:"commit_url"`
	DelivID   string            `json:"deliv_id"`
	Stage     string            `json:"stage"` // QUEUED, PROMOTED, SCHEDULED, FINISHED, DROPPED
	Queue     string            `json:"queue,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Store keeps an in-memory audit trail of job lifecycle events for the
// debug snapshot endpoint.
type Store struct {
	events []Event
	mu     sync.RWMutex
}

func NewStore() *Store {
	return &Store{events: make([]Event, 0)}
}

func (s *Store) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.events = append(s.events, e)
}

// Events returns the entries recorded for one commit URL.
func (s *Store) Events(commitURL string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Event
	for _, e := range s.events {
		if e.CommitURL == commitURL {
			results = append(results, e)
		}
	}
	return results
}

// All returns a copy of every recorded event.
func (s *Store) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := make([]Event, len(s.events))
	copy(c, s.events)
	return c
}
