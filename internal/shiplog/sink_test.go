package shiplog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"shiptrack-svr/internal/config"
	"shiptrack-svr/internal/observability"
	"shiptrack-svr/internal/pipeline"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func snapshot(t *testing.T, ids ...string) pipeline.Snapshot {
	t.Helper()
	ships := make([]pipeline.PositionReport, len(ids))
	for i, id := range ids {
		ships[i] = pipeline.PositionReport{
			ObservedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			VesselID:   id,
			Fixes:      []pipeline.GpsFix{{SourceTag: "top_gps", Latitude: 16.8, Longitude: 96.2}},
		}
	}
	snap, err := pipeline.NewSnapshot(ships, "01/01/2026, 06:30:00 +0630")
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func TestSinkSnapshotRecord(t *testing.T) {
	var buf lockedBuffer
	s := New(&buf, 8, discard)
	s.Snapshot(snapshot(t, "SHIP1", "SHIP2"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := buf.lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 record, got %d: %v", len(lines), lines)
	}
	var rec struct {
		Level     string                    `json:"level"`
		Msg       string                    `json:"msg"`
		Ships     []pipeline.PositionReport `json:"ships"`
		Timestamp string                    `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode %s: %v", lines[0], err)
	}
	if rec.Level != "INFO" || rec.Msg != "ships_update" {
		t.Errorf("level/msg = %s/%s", rec.Level, rec.Msg)
	}
	if rec.Timestamp != "01/01/2026, 06:30:00 +0630" {
		t.Errorf("timestamp = %q", rec.Timestamp)
	}
	if len(rec.Ships) != 2 || rec.Ships[0].VesselID != "SHIP1" || rec.Ships[1].VesselID != "SHIP2" {
		t.Errorf("ships = %+v", rec.Ships)
	}
}

func TestSinkRejectedRecord(t *testing.T) {
	var buf lockedBuffer
	s := New(&buf, 8, discard)
	s.Rejected(&pipeline.ValidationError{Reason: pipeline.ReasonNoValidFixes, VesselID: "SHIP1", Detail: "1 fixes"}, "10.0.0.5:5555")
	s.Close()

	var rec map[string]any
	if err := json.Unmarshal([]byte(buf.lines()[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["level"] != "WARN" || rec["reason"] != "no_valid_fixes" || rec["ship_id"] != "SHIP1" || rec["remote"] != "10.0.0.5:5555" {
		t.Errorf("record = %v", rec)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSinkWriteFailureCounted(t *testing.T) {
	before := testutil.ToFloat64(observability.SinkErrors)

	s := New(failingWriter{}, 4, discard)
	s.Snapshot(snapshot(t, "SHIP1"))
	s.Snapshot(snapshot(t, "SHIP2"))
	s.Close()

	if got := testutil.ToFloat64(observability.SinkErrors) - before; got != 2 {
		t.Errorf("sink errors delta = %v, want 2", got)
	}
}

type gatedWriter struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	buf     lockedBuffer
}

func (g *gatedWriter) Write(p []byte) (int, error) {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.buf.Write(p)
}

func TestSinkNeverBlocksWhenQueueFull(t *testing.T) {
	before := testutil.ToFloat64(observability.SinkErrors)
	w := &gatedWriter{started: make(chan struct{}), release: make(chan struct{})}
	s := New(w, 1, discard)

	s.Snapshot(snapshot(t, "A"))
	<-w.started // worker is now stuck in Write with record A
	s.Snapshot(snapshot(t, "B"))

	done := make(chan struct{})
	go func() {
		s.Snapshot(snapshot(t, "C"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked on a full queue")
	}

	close(w.release)
	s.Close()

	if got := testutil.ToFloat64(observability.SinkErrors) - before; got != 1 {
		t.Errorf("sink errors delta = %v, want 1", got)
	}
	if lines := w.buf.lines(); len(lines) != 2 {
		t.Errorf("expected A and B written, got %d lines", len(lines))
	}
}

func TestSinkAfterClose(t *testing.T) {
	before := testutil.ToFloat64(observability.SinkErrors)
	var buf lockedBuffer
	s := New(&buf, 2, discard)
	s.Close()
	s.Snapshot(snapshot(t, "SHIP1"))
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if got := testutil.ToFloat64(observability.SinkErrors) - before; got != 1 {
		t.Errorf("sink errors delta = %v, want 1", got)
	}
}

func TestOpenRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "ships_log.log")
	s, err := Open(config.ShipLogConfig{File: path, MaxSizeMB: 1, MaxBackups: 2, MaxAgeDays: 1, QueueSize: 4}, discard)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Snapshot(snapshot(t, "SHIP1"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		if !strings.Contains(sc.Text(), `"ship_id":"SHIP1"`) {
			t.Errorf("unexpected line %s", sc.Text())
		}
		n++
	}
	if n != 1 {
		t.Errorf("lines = %d, want 1", n)
	}
}
