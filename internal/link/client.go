package link

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"shiptrack-svr/internal/pipeline"
)

var ErrNotConnected = errors.New("link: not connected")

const (
	dialRetry      = 5 * time.Second
	reconnectDelay = 2 * time.Second
	writeTimeout   = 5 * time.Second
)

// Hello is the first line sent after every (re)connect.
type Hello struct {
	AggregatorConnect bool   `json:"aggregator_connect"`
	Service           string `json:"service"`
	Ports             []int  `json:"ports,omitempty"`
	MaxClients        int    `json:"max_clients,omitempty"`
}

// Client forwards broadcast snapshots as NDJSON to an upstream proxy,
// reconnecting forever until Close.
type Client struct {
	addr   string
	hello  Hello
	logger *slog.Logger

	retry     time.Duration
	reconnect time.Duration

	mu   sync.Mutex
	conn net.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start launches the connect loop in the background.
func Start(ctx context.Context, addr string, hello Hello, lg *slog.Logger) *Client {
	c := newClient(addr, hello, lg)
	c.start(ctx)
	return c
}

func newClient(addr string, hello Hello, lg *slog.Logger) *Client {
	hello.AggregatorConnect = true
	return &Client{
		addr:      addr,
		hello:     hello,
		logger:    lg.With("component", "link"),
		retry:     dialRetry,
		reconnect: reconnectDelay,
	}
}

func (c *Client) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.connectLoop(ctx)
}

// -------------------------------------------------------------------
//                        CONNECT LOOP
// -------------------------------------------------------------------

func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("link: dial failed", "addr", c.addr, "err", err)
			if !sleep(ctx, c.retry) {
				return
			}
			continue
		}

		if !c.setConn(ctx, conn) {
			return
		}
		c.logger.Info("link: connected", "remote", conn.RemoteAddr().String())
		if err := c.sendNDJSON(c.hello); err != nil {
			c.logger.Warn("link: send hello failed", "err", err)
		}

		// read on this goroutine until the connection drops
		c.readLoop(conn)

		c.clearConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("link: connection closed, reconnecting...")
		if !sleep(ctx, c.reconnect) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// setConn refuses the connection once Close has started, so Close never
// misses a connection it has to unblock.
func (c *Client) setConn(ctx context.Context, conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		_ = conn.Close()
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Connected reports whether an upstream connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// -------------------------------------------------------------------
//                           READ
// -------------------------------------------------------------------

func (c *Client) readLoop(conn net.Conn) {
	r := bufio.NewScanner(conn)
	for r.Scan() {
		c.logger.Debug("link: incoming line", "line", r.Text())
	}
	if err := r.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("link: read error", "err", err)
	}
}

// -------------------------------------------------------------------
//                           SEND
// -------------------------------------------------------------------

func (c *Client) sendNDJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeLine(b)
}

// writeLine holds the mutex for the whole write so lines never interleave.
func (c *Client) writeLine(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	line := make([]byte, 0, len(b)+1)
	line = append(append(line, b...), '\n')
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	return nil
}

func (c *Client) Name() string { return "link" }

// PublishSnapshot forwards the exact broadcast payload as one line.
func (c *Client) PublishSnapshot(_ context.Context, snap pipeline.Snapshot) error {
	return c.writeLine(snap.Payload)
}

// Close stops reconnecting and drops the current connection.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}
