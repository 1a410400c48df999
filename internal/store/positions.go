package store

import (
	"slices"
	"strings"
	"sync"

	"shiptrack-svr/internal/pipeline"
)

// Positions holds the latest accepted report per vessel. Every method is
// atomic with respect to the others.
type Positions struct {
	mu      sync.RWMutex
	reports map[string]pipeline.PositionReport
}

func NewPositions() *Positions {
	return &Positions{reports: make(map[string]pipeline.PositionReport)}
}

// Upsert replaces whatever is stored for report.VesselID.
func (p *Positions) Upsert(report pipeline.PositionReport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports[report.VesselID] = report
}

// Snapshot returns all reports ordered by vessel id ascending.
func (p *Positions) Snapshot() []pipeline.PositionReport {
	p.mu.RLock()
	out := make([]pipeline.PositionReport, 0, len(p.reports))
	for _, r := range p.reports {
		out = append(out, r)
	}
	p.mu.RUnlock()

	slices.SortFunc(out, func(a, b pipeline.PositionReport) int {
		return strings.Compare(a.VesselID, b.VesselID)
	})
	return out
}

func (p *Positions) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.reports)
}

func (p *Positions) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.reports)
}

// Get returns the current report for one vessel.
func (p *Positions) Get(vesselID string) (pipeline.PositionReport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.reports[vesselID]
	return r, ok
}
