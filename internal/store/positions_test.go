package store

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"shiptrack-svr/internal/pipeline"
)

func report(id string, lat float64) pipeline.PositionReport {
	return pipeline.PositionReport{
		ObservedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		VesselID:   id,
		Fixes:      []pipeline.GpsFix{{SourceTag: "top_gps", Latitude: lat, Longitude: 96.2}},
	}
}

func TestPositionsLastWriteWins(t *testing.T) {
	p := NewPositions()
	p.Upsert(report("SHIP1", 16.8))
	p.Upsert(report("SHIP2", 10.0))
	p.Upsert(report("SHIP1", 17.1))

	if p.Len() != 2 {
		t.Fatalf("Len = %d, want 2", p.Len())
	}
	got, ok := p.Get("SHIP1")
	if !ok {
		t.Fatal("SHIP1 missing")
	}
	if got.Fixes[0].Latitude != 17.1 {
		t.Errorf("SHIP1 latitude = %v, want the latest write 17.1", got.Fixes[0].Latitude)
	}
}

func TestPositionsSnapshotOrdering(t *testing.T) {
	ids := []string{"SHIP3", "ALPHA", "SHIP10", "SHIP1", "bravo", "SHIP2"}
	want := []string{"ALPHA", "SHIP1", "SHIP10", "SHIP2", "SHIP3", "bravo"}

	for seed := int64(0); seed < 20; seed++ {
		p := NewPositions()
		shuffled := append([]string(nil), ids...)
		rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		for _, id := range shuffled {
			p.Upsert(report(id, 1))
		}

		snap := p.Snapshot()
		if len(snap) != len(want) {
			t.Fatalf("seed %d: len = %d", seed, len(snap))
		}
		for i, r := range snap {
			if r.VesselID != want[i] {
				t.Fatalf("seed %d: snapshot[%d] = %s, want %s (insertion %v)", seed, i, r.VesselID, want[i], shuffled)
			}
		}
	}
}

func TestPositionsClear(t *testing.T) {
	p := NewPositions()
	p.Upsert(report("SHIP1", 1))
	p.Clear()

	if p.Len() != 0 {
		t.Errorf("Len after Clear = %d", p.Len())
	}
	if snap := p.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot after Clear = %v", snap)
	}

	p.Upsert(report("SHIP2", 1))
	if p.Len() != 1 {
		t.Errorf("store unusable after Clear")
	}
}

func TestPositionsConcurrentAccess(t *testing.T) {
	p := NewPositions()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p.Upsert(report(fmt.Sprintf("SHIP%d", i%10), float64(w)))
				if i%50 == 0 {
					p.Clear()
				}
				for _, r := range p.Snapshot() {
					if len(r.Fixes) != 1 {
						t.Errorf("partial report observed: %+v", r)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
}
