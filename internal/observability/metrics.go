package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WSConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiptrack_ws_connections_total",
		Help: "WebSocket connections admitted",
	})
	WSRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiptrack_ws_rejected_total",
		Help: "WebSocket connections rejected at capacity",
	})
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shiptrack_ws_clients",
		Help: "Currently admitted WebSocket connections",
	})
	TransportErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiptrack_transport_errors_total",
		Help: "Connections dropped on an unexpected read or write error",
	})
	ReportsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiptrack_reports_accepted_total",
		Help: "Position reports accepted into the store",
	})
	ReportsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiptrack_reports_rejected_total",
		Help: "Inbound messages rejected, by reason",
	}, []string{"reason"})
	ShipsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shiptrack_ships_tracked",
		Help: "Vessels in the last broadcast snapshot",
	})
	Cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiptrack_cycles_total",
		Help: "Broadcast cycles, by outcome",
	}, []string{"outcome"})
	StoreResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiptrack_store_resets_total",
		Help: "Position store purges, by trigger",
	}, []string{"trigger"})
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiptrack_fanout_dropped_total",
		Help: "Broadcast packets dropped for a connection whose send queue was full",
	})
	SinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shiptrack_shiplog_errors_total",
		Help: "Ship log records lost to a full queue or a write failure",
	})
	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shiptrack_publish_errors_total",
		Help: "Downstream snapshot publish failures, by publisher",
	}, []string{"publisher"})
	CycleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shiptrack_cycle_latency_seconds",
		Help:    "Time spent in one broadcast cycle",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveCycleLatency(start time.Time) {
	CycleLatency.Observe(time.Since(start).Seconds())
}

// MetricsServer serves /metrics and /healthz.
type MetricsServer struct {
	srv *http.Server
}

func NewMetricsServer(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &MetricsServer{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

func (m *MetricsServer) Handler() http.Handler { return m.srv.Handler }

// Start listens in the background; a listen failure is logged, not fatal.
func (m *MetricsServer) Start(logger *slog.Logger) {
	go func() {
		logger.Info("metrics server listening", "addr", m.srv.Addr)
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
