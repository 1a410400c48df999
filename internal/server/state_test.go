package server

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"shiptrack-svr/internal/observability"
	"shiptrack-svr/internal/pipeline"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func openConn(id uint64, queue int) *Conn {
	c := newConn(id, nil, "test", queue)
	c.markOpen()
	return c
}

func report(id string) pipeline.PositionReport {
	return pipeline.PositionReport{
		ObservedAt: t0,
		VesselID:   id,
		Fixes:      []pipeline.GpsFix{{SourceTag: "top_gps", Latitude: 16.8, Longitude: 96.2, SatelliteIDs: []string{}}},
	}
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(200)
	for i := 0; i < 200; i++ {
		n, err := r.TryAdmit(openConn(uint64(i), 1))
		if err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		if n != i+1 {
			t.Fatalf("admit %d: count = %d", i, n)
		}
	}
	if _, err := r.TryAdmit(openConn(201, 1)); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("201st admit error = %v, want ErrCapacityExceeded", err)
	}
	if r.Len() != 200 {
		t.Errorf("Len = %d, want 200", r.Len())
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(2)
	a, b := openConn(1, 1), openConn(2, 1)
	r.TryAdmit(a)
	r.TryAdmit(b)

	if r.Remove(a) {
		t.Error("removing a with b present reported empty")
	}
	if r.Remove(a) {
		t.Error("second remove of a reported empty")
	}
	if !r.Remove(b) {
		t.Error("removing the last connection did not report empty")
	}
	if r.Remove(b) {
		t.Error("second remove of b reported empty")
	}
}

func TestRegistryForEachOpen(t *testing.T) {
	r := NewRegistry(3)
	open := openConn(1, 1)
	connecting := newConn(2, nil, "test", 1)
	closed := openConn(3, 1)
	closed.Close(1000, "")
	for _, c := range []*Conn{open, connecting, closed} {
		r.TryAdmit(c)
	}

	var seen []uint64
	r.ForEachOpen(func(c *Conn) { seen = append(seen, c.ID()) })
	if len(seen) != 1 || seen[0] != 1 {
		t.Errorf("visited %v, want [1]", seen)
	}
}

func TestStaleness(t *testing.T) {
	var s Staleness
	window := 5 * time.Second

	if !s.IsStale(t0, window) {
		t.Error("never-marked monitor is not stale")
	}
	s.MarkFresh(t0)
	if s.IsStale(t0.Add(window), window) {
		t.Error("stale exactly at the window edge")
	}
	if !s.IsStale(t0.Add(window+time.Millisecond), window) {
		t.Error("not stale past the window")
	}
	s.Reset()
	if !s.IsStale(t0, window) {
		t.Error("not stale after Reset")
	}
}

func TestStateDisconnectResetsOnce(t *testing.T) {
	s := NewState(10, 5*time.Second, true)
	a, b := openConn(1, 1), openConn(2, 1)
	s.Admit(a)
	s.Admit(b)
	s.Accept(report("SHIP1"), t0)

	resets := observability.StoreResets.WithLabelValues("disconnect")
	before := testutil.ToFloat64(resets)

	if s.Disconnect(a) {
		t.Fatal("disconnect with another client reset the store")
	}
	if s.ShipCount() != 1 {
		t.Fatalf("ShipCount = %d after partial disconnect", s.ShipCount())
	}
	if !s.Disconnect(b) {
		t.Fatal("last disconnect did not reset")
	}
	if s.Disconnect(b) {
		t.Fatal("repeated disconnect reset again")
	}
	if s.ShipCount() != 0 {
		t.Errorf("ShipCount = %d after last disconnect", s.ShipCount())
	}
	if _, marked := s.staleness.LastMark(); marked {
		t.Error("staleness monitor not reset")
	}
	if got := testutil.ToFloat64(resets) - before; got != 1 {
		t.Errorf("disconnect resets = %v, want 1", got)
	}
}

func TestStateCollect(t *testing.T) {
	tests := []struct {
		name           string
		clients        int
		reports        []string
		stalenessReset bool
		at             time.Duration
		want           CycleOutcome
		wantShips      int
	}{
		{name: "no clients", clients: 0, reports: []string{"SHIP1"}, stalenessReset: true, want: CycleIdle},
		{name: "fresh data", clients: 1, reports: []string{"SHIP1", "SHIP2"}, stalenessReset: true, at: time.Second, want: CycleBroadcast, wantShips: 2},
		{name: "stale data", clients: 1, reports: []string{"SHIP1"}, stalenessReset: true, at: 6 * time.Second, want: CycleStale},
		{name: "stale data kept when reset disabled", clients: 1, reports: []string{"SHIP1"}, stalenessReset: false, at: time.Minute, want: CycleBroadcast, wantShips: 1},
		{name: "nothing received", clients: 1, stalenessReset: false, want: CycleEmpty},
		{name: "nothing received with reset", clients: 1, stalenessReset: true, want: CycleStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewState(10, 5*time.Second, tt.stalenessReset)
			for i := 0; i < tt.clients; i++ {
				s.Admit(openConn(uint64(i), 1))
			}
			for _, id := range tt.reports {
				s.Accept(report(id), t0)
			}

			got, ships := s.collect(t0.Add(tt.at))
			if got != tt.want {
				t.Fatalf("outcome = %s, want %s", got, tt.want)
			}
			if len(ships) != tt.wantShips {
				t.Errorf("ships = %d, want %d", len(ships), tt.wantShips)
			}
			if got == CycleIdle || got == CycleStale {
				if s.ShipCount() != 0 {
					t.Errorf("store not cleared on %s", got)
				}
			}
		})
	}
}
