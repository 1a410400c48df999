// Package shiplog writes the durable record of every broadcast snapshot,
// plus validation rejections, as JSON lines on a rotating file.
package shiplog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"shiptrack-svr/internal/config"
	"shiptrack-svr/internal/observability"
	"shiptrack-svr/internal/pipeline"
)

var (
	ErrQueueFull = errors.New("shiplog: queue full")
	ErrClosed    = errors.New("shiplog: closed")
)

// Sink serializes records on one worker goroutine so callers never block
// on disk I/O. Lost records are reported on the fallback logger.
type Sink struct {
	handler  slog.Handler
	closer   io.Closer
	fallback *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan slog.Record
	wg     sync.WaitGroup
}

// Open creates the log directory and a lumberjack-rotated sink.
func Open(cfg config.ShipLogConfig, fallback *slog.Logger) (*Sink, error) {
	if dir := filepath.Dir(cfg.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("shiplog: create %s: %w", dir, err)
		}
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	return New(lj, cfg.QueueSize, fallback), nil
}

// New builds a sink on any writer. If w is an io.Closer it is closed by
// Close.
func New(w io.Writer, queueSize int, fallback *slog.Logger) *Sink {
	if queueSize < 1 {
		queueSize = 1
	}
	s := &Sink{
		handler:  slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}),
		fallback: fallback.With("component", "shiplog"),
		queue:    make(chan slog.Record, queueSize),
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sink) run() {
	defer s.wg.Done()
	ctx := context.Background()
	for rec := range s.queue {
		if err := s.handler.Handle(ctx, rec); err != nil {
			s.lost(rec, err)
		}
	}
}

// Snapshot records one broadcast: the same ships and timestamp that went
// out on the wire.
func (s *Sink) Snapshot(snap pipeline.Snapshot) {
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, pipeline.TypeShipsUpdate, 0)
	rec.AddAttrs(
		slog.Any("ships", snap.Ships),
		slog.String("timestamp", snap.Timestamp),
	)
	s.enqueue(rec)
}

// Rejected records a validation failure at warn level.
func (s *Sink) Rejected(verr *pipeline.ValidationError, remote string) {
	rec := slog.NewRecord(time.Now(), slog.LevelWarn, "telemetry rejected", 0)
	rec.AddAttrs(
		slog.String("reason", string(verr.Reason)),
		slog.String("remote", remote),
	)
	if verr.VesselID != "" {
		rec.AddAttrs(slog.String("ship_id", verr.VesselID))
	}
	if verr.Detail != "" {
		rec.AddAttrs(slog.String("detail", verr.Detail))
	}
	s.enqueue(rec)
}

func (s *Sink) enqueue(rec slog.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.lost(rec, ErrClosed)
		return
	}
	select {
	case s.queue <- rec:
	default:
		s.lost(rec, ErrQueueFull)
	}
}

func (s *Sink) lost(rec slog.Record, err error) {
	observability.SinkErrors.Inc()
	s.fallback.Error("ship log record lost", "record", rec.Message, "error", err)
}

// Close drains pending records and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
