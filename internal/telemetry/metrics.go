// Package telemetry exports Prometheus metrics for the bridge
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signalbridge/internal/core"
)

var (
	// SignalsReceived counts inbound signals by action
	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalbridge_signals_received_total",
		Help: "Inbound signals by action",
	}, []string{"action"})

	// SignalsRejected counts rejected signals by reason
	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalbridge_signals_rejected_total",
		Help: "Rejected signals by reason",
	}, []string{"reason"})

	// OrdersPlaced counts exchange orders by type and outcome
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalbridge_orders_placed_total",
		Help: "Exchange orders by type and outcome",
	}, []string{"type", "outcome"})

	// FanoutJobs counts fan-out jobs by outcome
	FanoutJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalbridge_fanout_jobs_total",
		Help: "Per-tenant fan-out jobs by outcome",
	}, []string{"outcome"})

	// StreamReconnects counts user-data stream reconnect attempts per tenant
	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalbridge_stream_reconnects_total",
		Help: "User data stream reconnect attempts",
	}, []string{"tenant"})

	// StreamConnected tracks per-tenant stream connectivity (1 connected, 0 not)
	StreamConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signalbridge_stream_connected",
		Help: "User data stream connectivity",
	}, []string{"tenant"})

	// OpenTrades tracks the number of open trades
	OpenTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalbridge_open_trades",
		Help: "Trades currently open across all tenants",
	})
)

// Server handles Prometheus metrics export
type Server struct {
	port   int
	logger core.ILogger
	srv    *http.Server
}

// NewServer creates a new metrics server
func NewServer(port int, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start starts the metrics HTTP server
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
