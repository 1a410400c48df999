package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"shiptrack-svr/internal/pipeline"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientForwardsSnapshots(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	c := Start(context.Background(), ln.Addr().String(), Hello{Service: "shiptrack-svr", Ports: []int{4001}}, discard)
	defer c.Close()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)

	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	var hello Hello
	if err := json.Unmarshal(line, &hello); err != nil {
		t.Fatalf("hello not JSON: %v", err)
	}
	if !hello.AggregatorConnect || hello.Service != "shiptrack-svr" {
		t.Errorf("hello = %+v", hello)
	}

	waitFor(t, c.Connected)
	snap, _ := pipeline.NewSnapshot(nil, "ts")
	if err := c.PublishSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}
	line, err = r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(line) != string(snap.Payload)+"\n" {
		t.Errorf("line = %q", line)
	}
}

func TestClientNotConnected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := Start(context.Background(), addr, Hello{}, discard)
	defer c.Close()

	snap, _ := pipeline.NewSnapshot(nil, "ts")
	if err := c.PublishSnapshot(context.Background(), snap); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
}

func TestClientReconnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	c := newClient(ln.Addr().String(), Hello{}, discard)
	c.reconnect = 10 * time.Millisecond
	c.start(context.Background())
	defer c.Close()

	first, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	first.Close()

	_ = ln.(*net.TCPListener).SetDeadline(time.Now().Add(3 * time.Second))
	second, err := ln.Accept()
	if err != nil {
		t.Fatalf("no reconnect: %v", err)
	}
	second.Close()
}

func TestClientCloseStopsLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	c := Start(context.Background(), ln.Addr().String(), Hello{}, discard)
	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if c.Connected() {
		t.Error("still connected after Close")
	}
}
