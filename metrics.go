package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics manages Prometheus metrics for a tracker.
type Metrics struct {
	bucket   string
	clientID string
	registry *prometheus.Registry
	server   *http.Server
	logger   *slog.Logger

	// Heartbeat metrics
	HeartbeatsTotal      *prometheus.CounterVec
	HeartbeatErrorsTotal *prometheus.CounterVec
	LastHeartbeat        *prometheus.GaugeVec

	// Query metrics
	CheckDuration  *prometheus.HistogramVec
	PresentClients *prometheus.GaugeVec

	// Connection metrics
	Connected *prometheus.GaugeVec
}

// NewMetrics creates a metrics manager scoped to one bucket and client.
func NewMetrics(bucket, clientID string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		bucket:   bucket,
		clientID: clientID,
		registry: registry,
		logger:   slog.Default().With("component", "metrics", "bucket", bucket, "client", clientID),

		HeartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_heartbeats_total",
			Help: "Total heartbeats published",
		}, []string{"bucket", "client"}),

		HeartbeatErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_heartbeat_errors_total",
			Help: "Total heartbeat publish failures",
		}, []string{"bucket", "client"}),

		LastHeartbeat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "presence_last_heartbeat_timestamp_seconds",
			Help: "Unix time of the last successful heartbeat",
		}, []string{"bucket", "client"}),

		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "presence_check_duration_seconds",
			Help:    "Presence query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"bucket", "op"}),

		PresentClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "presence_clients",
			Help: "Clients present at the last enumeration",
		}, []string{"bucket"}),

		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "presence_connected",
			Help: "1 if the tracker is connected to the substrate",
		}, []string{"bucket", "client"}),
	}

	// Register all metrics
	registry.MustRegister(
		m.HeartbeatsTotal,
		m.HeartbeatErrorsTotal,
		m.LastHeartbeat,
		m.CheckDuration,
		m.PresentClients,
		m.Connected,
	)

	// Also register default Go metrics
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Start begins serving the metrics endpoint on addr. A failure to bind the
// address is returned; failures after startup are logged.
func (m *Metrics) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(shutdownCtx)
	}()

	return nil
}

// Stop stops the metrics server.
func (m *Metrics) Stop() {
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(ctx)
	}
}

// RecordHeartbeat counts a successful heartbeat.
func (m *Metrics) RecordHeartbeat(at time.Time) {
	m.HeartbeatsTotal.WithLabelValues(m.bucket, m.clientID).Inc()
	m.LastHeartbeat.WithLabelValues(m.bucket, m.clientID).Set(float64(at.Unix()))
}

// RecordHeartbeatError counts a failed heartbeat.
func (m *Metrics) RecordHeartbeatError() {
	m.HeartbeatErrorsTotal.WithLabelValues(m.bucket, m.clientID).Inc()
}

// ObserveCheck records a presence query duration.
func (m *Metrics) ObserveCheck(op string, duration time.Duration) {
	m.CheckDuration.WithLabelValues(m.bucket, op).Observe(duration.Seconds())
}

// SetPresentClients updates the present client count.
func (m *Metrics) SetPresentClients(count int) {
	m.PresentClients.WithLabelValues(m.bucket).Set(float64(count))
}

// SetConnected updates the connection status metric.
func (m *Metrics) SetConnected(connected bool) {
	val := 0.0
	if connected {
		val = 1.0
	}
	m.Connected.WithLabelValues(m.bucket, m.clientID).Set(val)
}
