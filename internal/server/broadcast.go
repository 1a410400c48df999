package server

import (
	"context"
	"time"

	"shiptrack-svr/internal/observability"
	"shiptrack-svr/internal/pipeline"
)

// timestampLayout renders day/month/year with a zone abbreviation,
// e.g. "18/10/2026, 14:03:05 +0630".
const timestampLayout = "02/01/2006, 15:04:05 MST"

func formatTimestamp(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(timestampLayout)
}

// broadcastLoop runs one cycle per tick until ctx is done. A cycle always
// runs to completion; cancellation is only observed between ticks.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.BroadcastPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCycle(s.now())
		}
	}
}

func (s *Server) runCycle(now time.Time) CycleOutcome {
	start := time.Now()
	defer observability.ObserveCycleLatency(start)

	outcome, ships := s.state.collect(now)
	switch outcome {
	case CycleIdle:
		observability.ShipsTracked.Set(0)
	case CycleStale:
		observability.ShipsTracked.Set(0)
		s.logger.Debug("no fresh telemetry, skipping broadcast")
	}
	if outcome != CycleBroadcast {
		observability.Cycles.WithLabelValues(string(outcome)).Inc()
		return outcome
	}

	snap, err := pipeline.NewSnapshot(ships, formatTimestamp(now, s.loc))
	if err != nil {
		s.logger.Error("encode ships_update failed", "error", err)
		observability.Cycles.WithLabelValues(string(CycleFailed)).Inc()
		return CycleFailed
	}

	sent := 0
	s.state.registry.ForEachOpen(func(c *Conn) {
		if c.Enqueue(snap.Payload) {
			sent++
			return
		}
		observability.FanoutDropped.Inc()
		s.logger.Debug("send queue full, dropping update", "conn", c.ID(), "remote", c.Remote())
	})

	s.shipLog.Snapshot(snap)
	for _, p := range s.publishers {
		p.offer(snap)
	}

	observability.ShipsTracked.Set(float64(len(ships)))
	observability.Cycles.WithLabelValues(string(CycleBroadcast)).Inc()
	s.logger.Debug("ships_update broadcast", "ships", len(ships), "clients", sent)
	return CycleBroadcast
}
