package server

import (
	"sync"
	"time"

	"shiptrack-svr/internal/observability"
	"shiptrack-svr/internal/pipeline"
	"shiptrack-svr/internal/store"
)

// CycleOutcome is what one broadcast cycle decided to do.
type CycleOutcome string

const (
	CycleIdle      CycleOutcome = "idle"      // no connections; state reset
	CycleStale     CycleOutcome = "stale"     // staleness window lapsed; store reset
	CycleEmpty     CycleOutcome = "empty"     // nothing to send yet
	CycleBroadcast CycleOutcome = "broadcast" // snapshot sent and logged
	CycleFailed    CycleOutcome = "failed"    // snapshot could not be encoded
)

// State owns the position store, the connection registry and the staleness
// monitor. Anything that must observe or change more than one of them does
// so under mu, which linearizes ingestion, disconnects and cycle decisions.
type State struct {
	mu             sync.Mutex
	positions      *store.Positions
	registry       *Registry
	staleness      *Staleness
	window         time.Duration
	stalenessReset bool
}

func NewState(capacity int, window time.Duration, stalenessReset bool) *State {
	return &State{
		positions:      store.NewPositions(),
		registry:       NewRegistry(capacity),
		staleness:      &Staleness{},
		window:         window,
		stalenessReset: stalenessReset,
	}
}

func (s *State) Admit(c *Conn) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.registry.TryAdmit(c)
	observability.WSClients.Set(float64(s.registry.Len()))
	return n, err
}

// Accept stores a validated report and marks the data fresh.
func (s *State) Accept(report pipeline.PositionReport, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions.Upsert(report)
	s.staleness.MarkFresh(now)
}

// Disconnect removes c. When that empties the registry the store and the
// staleness monitor are reset in the same critical section; the return
// value reports whether that happened.
func (s *State) Disconnect(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	emptied := s.registry.Remove(c)
	observability.WSClients.Set(float64(s.registry.Len()))
	if !emptied {
		return false
	}
	s.positions.Clear()
	s.staleness.Reset()
	observability.StoreResets.WithLabelValues("disconnect").Inc()
	return true
}

// collect makes the cycle decision and takes the snapshot atomically with
// respect to Accept and Disconnect.
func (s *State) collect(now time.Time) (CycleOutcome, []pipeline.PositionReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registry.Len() == 0 {
		_, marked := s.staleness.LastMark()
		if s.positions.Len() > 0 || marked {
			observability.StoreResets.WithLabelValues("idle").Inc()
		}
		s.positions.Clear()
		s.staleness.Reset()
		return CycleIdle, nil
	}

	if s.stalenessReset && s.staleness.IsStale(now, s.window) {
		if s.positions.Len() > 0 {
			observability.StoreResets.WithLabelValues("stale").Inc()
		}
		s.positions.Clear()
		return CycleStale, nil
	}

	ships := s.positions.Snapshot()
	if len(ships) == 0 {
		return CycleEmpty, nil
	}
	return CycleBroadcast, ships
}

func (s *State) ClientCount() int { return s.registry.Len() }

func (s *State) ShipCount() int { return s.positions.Len() }
