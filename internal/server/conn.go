package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosed
)

// Conn is one admitted WebSocket connection. Outbound frames go through
// send and are written by a single writer goroutine; Enqueue never blocks.
type Conn struct {
	id     uint64
	ws     *websocket.Conn
	remote string

	send  chan []byte
	state atomic.Int32

	done      chan struct{}
	closeOnce sync.Once
	closeMsg  []byte
}

func newConn(id uint64, ws *websocket.Conn, remote string, queue int) *Conn {
	return &Conn{
		id:     id,
		ws:     ws,
		remote: remote,
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() uint64     { return c.id }
func (c *Conn) Remote() string { return c.remote }

func (c *Conn) IsOpen() bool { return connState(c.state.Load()) == stateOpen }

// markOpen moves connecting to open. Broadcasts only reach open connections.
func (c *Conn) markOpen() bool {
	return c.state.CompareAndSwap(int32(stateConnecting), int32(stateOpen))
}

// Enqueue queues msg for the writer. It reports false when the connection
// is closed or its queue is full; the frame is dropped in both cases.
func (c *Conn) Enqueue(msg []byte) bool {
	if connState(c.state.Load()) == stateClosed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close marks the connection closed and asks the writer to send a close
// frame with code and reason. Only the first call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		c.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(c.done)
	})
}

func (c *Conn) closed() bool { return connState(c.state.Load()) == stateClosed }

// writeLoop owns all data writes to ws. It returns after writing the close
// frame or on the first write error.
func (c *Conn) writeLoop(writeWait, pingPeriod time.Duration) error {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-c.done:
			err := c.ws.WriteControl(websocket.CloseMessage, c.closeMsg, time.Now().Add(writeWait))
			if err == websocket.ErrCloseSent {
				return nil
			}
			return err
		}
	}
}
