package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"shiptrack-svr/internal/observability"
	"shiptrack-svr/internal/pipeline"
)

const publishTimeout = 2 * time.Second

// Publisher receives every broadcast snapshot after it has been sent to
// clients. Redis, MQTT and the upstream link implement it.
type Publisher interface {
	Name() string
	PublishSnapshot(ctx context.Context, snap pipeline.Snapshot) error
}

// ShipLog records broadcast snapshots and rejected reports.
type ShipLog interface {
	Snapshot(snap pipeline.Snapshot)
	Rejected(err *pipeline.ValidationError, remote string)
}

// asyncPublisher keeps a slow downstream out of the broadcast cycle. It
// holds at most one pending snapshot and replaces it with a newer one.
type asyncPublisher struct {
	pub     Publisher
	queue   chan pipeline.Snapshot
	timeout time.Duration
	logger  *slog.Logger
}

func startPublisher(ctx context.Context, wg *sync.WaitGroup, pub Publisher, logger *slog.Logger) *asyncPublisher {
	a := &asyncPublisher{
		pub:     pub,
		queue:   make(chan pipeline.Snapshot, 1),
		timeout: publishTimeout,
		logger:  logger.With("publisher", pub.Name()),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.run(ctx)
	}()
	return a
}

func (a *asyncPublisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-a.queue:
			pctx, cancel := context.WithTimeout(ctx, a.timeout)
			err := a.pub.PublishSnapshot(pctx, snap)
			cancel()
			if err != nil {
				observability.PublishErrors.WithLabelValues(a.pub.Name()).Inc()
				a.logger.Warn("snapshot publish failed", "error", err)
			}
		}
	}
}

func (a *asyncPublisher) offer(snap pipeline.Snapshot) {
	select {
	case a.queue <- snap:
		return
	default:
	}
	// drop the stale pending snapshot
	select {
	case <-a.queue:
	default:
	}
	select {
	case a.queue <- snap:
	default:
	}
}
