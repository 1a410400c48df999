package server

import (
	"sync"
	"time"
)

// Staleness remembers when the last report was accepted.
type Staleness struct {
	mu     sync.Mutex
	last   time.Time
	marked bool
}

func (s *Staleness) MarkFresh(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = now
	s.marked = true
}

// IsStale is true if nothing was ever marked or the last mark is older
// than window.
func (s *Staleness) IsStale(now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.marked || now.Sub(s.last) > window
}

func (s *Staleness) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = time.Time{}
	s.marked = false
}

// LastMark returns the last mark, if any.
func (s *Staleness) LastMark() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.marked
}
