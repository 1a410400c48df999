package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"shiptrack-svr/internal/config"
	"shiptrack-svr/internal/observability"
	"shiptrack-svr/internal/pipeline"
)

const (
	RejectReason   = "Maximum clients reached"
	ShutdownReason = "Server shutting down"

	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	shutdownTimeout = 5 * time.Second
)

// Server accepts WebSocket connections on every configured port and runs
// the broadcast cycle over one shared State.
type Server struct {
	cfg    *config.Config
	ports  []int
	loc    *time.Location
	state  *State
	logger *slog.Logger

	shipLog    ShipLog
	pubs       []Publisher
	publishers []*asyncPublisher

	upgrader websocket.Upgrader
	now      func() time.Time
	nextID   atomic.Uint64

	pingPeriod time.Duration
	pongWait   time.Duration

	mu      sync.Mutex
	closing bool
	conns   sync.WaitGroup
}

func New(cfg *config.Config, shipLog ShipLog, logger *slog.Logger, pubs ...Publisher) (*Server, error) {
	ports, err := config.ParsePorts(cfg.Listen.Ports)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		ports:   ports,
		loc:     loc,
		state:   NewState(cfg.Clients.Max, cfg.StalenessWindow(), cfg.Staleness.Reset),
		logger:  logger.With("component", "server"),
		shipLog: shipLog,
		pubs:    pubs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:        time.Now,
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
	}, nil
}

func (s *Server) ClientCount() int { return s.state.ClientCount() }

func (s *Server) Ports() []int { return s.ports }

// Handler serves WebSocket upgrades on any path. port is the listen port
// announced in the welcome message.
func (s *Server) Handler(port int) http.Handler {
	url := "ws://" + net.JoinHostPort(s.cfg.Listen.Host, strconv.Itoa(port))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(w, r, url)
	})
}

// Run listens on every port, drives the broadcast cycle and blocks until
// ctx is canceled or a listener fails. It then shuts everything down in
// order and returns.
func (s *Server) Run(ctx context.Context) error {
	listeners := make([]net.Listener, 0, len(s.ports))
	for _, port := range s.ports {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Listen.Host, strconv.Itoa(port)))
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("listen on port %d: %w", port, err)
		}
		listeners = append(listeners, ln)
	}

	pubCtx, stopPubs := context.WithCancel(context.Background())
	var pubWG sync.WaitGroup
	for _, p := range s.pubs {
		s.publishers = append(s.publishers, startPublisher(pubCtx, &pubWG, p, s.logger))
	}

	errCh := make(chan error, len(listeners))
	servers := make([]*http.Server, 0, len(listeners))
	for i, ln := range listeners {
		srv := &http.Server{
			Handler:           s.Handler(s.ports[i]),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)
		s.logger.Info("WebSocket server listening", "addr", ln.Addr().String())
		go func(ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", ln.Addr(), err)
			}
		}(ln)
	}

	cycleCtx, stopCycle := context.WithCancel(ctx)
	cycleDone := make(chan struct{})
	go func() {
		defer close(cycleDone)
		s.broadcastLoop(cycleCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		s.logger.Error("listener failed", "error", runErr)
	}

	s.logger.Info("shutting down")
	stopCycle()
	<-cycleDone

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "error", err)
		}
	}

	s.closeAll(websocket.CloseNormalClosure, ShutdownReason)
	if !waitGroupTimeout(&s.conns, shutdownTimeout) {
		s.logger.Warn("connections still open after shutdown timeout", "clients", s.ClientCount())
	}

	stopPubs()
	pubWG.Wait()
	s.logger.Info("server stopped")
	return runErr
}

func (s *Server) closeAll(code int, reason string) {
	for _, c := range s.state.registry.list() {
		c.Close(code, reason)
	}
}

func waitGroupTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// track registers a connection goroutine unless shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns.Add(1)
	return true
}

// -------------------------------------------------------------------
//                        CONNECTION LIFECYCLE
// -------------------------------------------------------------------

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, url string) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	writeWait := s.cfg.WriteTimeout()

	if !s.track() {
		s.refuse(ws, websocket.CloseGoingAway, ShutdownReason, writeWait)
		return
	}
	defer s.conns.Done()

	c := newConn(s.nextID.Add(1), ws, r.RemoteAddr, s.cfg.Clients.SendQueue)
	count, err := s.state.Admit(c)
	if err != nil {
		observability.WSRejected.Inc()
		s.logger.Warn("max clients reached, rejecting connection",
			"remote", c.remote, "max", s.cfg.Clients.Max)
		s.refuse(ws, websocket.CloseNormalClosure, RejectReason, writeWait)
		return
	}

	welcome, _ := json.Marshal(pipeline.Welcome{
		Type:        pipeline.TypeWelcome,
		Message:     "Connected to WebSocket server at " + url,
		ClientCount: count,
	})
	c.Enqueue(welcome)
	c.markOpen()
	observability.WSConnections.Inc()
	s.logger.Info("client connected", "conn", c.id, "remote", c.remote, "clients", count)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		err := c.writeLoop(writeWait, s.pingPeriod)
		if err != nil && !c.closed() {
			observability.TransportErrors.Inc()
			s.logger.Warn("websocket write failed", "conn", c.id, "remote", c.remote, "error", err)
		}
		c.Close(websocket.CloseNormalClosure, "")
		_ = ws.Close()
	}()

	s.readLoop(c)

	c.Close(websocket.CloseNormalClosure, "")
	<-writerDone

	emptied := s.state.Disconnect(c)
	s.logger.Info("client disconnected", "conn", c.id, "remote", c.remote,
		"clients", s.state.ClientCount(), "reset", emptied)
}

// refuse closes a socket that was never admitted.
func (s *Server) refuse(ws *websocket.Conn, code int, reason string, writeWait time.Duration) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}

func (s *Server) readLoop(c *Conn) {
	ws := c.ws
	ws.SetReadLimit(int64(s.cfg.Clients.MaxMessageBytes))
	_ = ws.SetReadDeadline(time.Now().Add(s.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.readFailed(c, err)
			return
		}
		// any inbound frame proves the peer is alive
		_ = ws.SetReadDeadline(time.Now().Add(s.pongWait))
		s.handleMessage(c, data)
	}
}

func (s *Server) readFailed(c *Conn, err error) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure ||
		ce.Code == websocket.CloseGoingAway || ce.Code == websocket.CloseNoStatusReceived):
		s.logger.Info("client closed connection", "conn", c.id, "remote", c.remote, "code", ce.Code)
	case c.closed():
		s.logger.Debug("connection closed by server", "conn", c.id, "remote", c.remote)
	default:
		observability.TransportErrors.Inc()
		s.logger.Warn("websocket read failed", "conn", c.id, "remote", c.remote, "error", err)
	}
}

func (s *Server) handleMessage(c *Conn, data []byte) {
	now := s.now()
	msg, err := pipeline.Decode(data)
	if err == nil {
		var report pipeline.PositionReport
		report, err = pipeline.Validate(msg, now)
		if err == nil {
			s.state.Accept(report, now)
			observability.ReportsAccepted.Inc()
			s.logger.Debug("report accepted", "ship_id", report.VesselID,
				"fixes", len(report.Fixes), "remote", c.remote)
			return
		}
	}

	reason := pipeline.ReasonOf(err)
	observability.ReportsRejected.WithLabelValues(string(reason)).Inc()

	var verr *pipeline.ValidationError
	if !errors.As(err, &verr) {
		verr = &pipeline.ValidationError{Reason: reason, Detail: err.Error()}
	}
	s.logger.Warn("telemetry rejected", "reason", reason, "ship_id", verr.VesselID,
		"remote", c.remote, "error", err)
	s.shipLog.Rejected(verr, c.remote)
}
