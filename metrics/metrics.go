// Package metrics exposes Prometheus instrumentation for the escrow core
// on a dedicated listener, kept separate from the API listener so that
// scraping never competes with request traffic.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// KeyWrapsTotal counts successful key wrap operations by context scope.
	KeyWrapsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_key_wraps_total",
		Help: "Number of successful asymmetric key wrap operations.",
	}, []string{"scope"})

	// UnwrapFailuresTotal counts AEAD authentication failures during unwrap.
	// Failure causes are deliberately not distinguished.
	UnwrapFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrow_unwrap_auth_failures_total",
		Help: "Number of key unwrap operations rejected by AEAD authentication.",
	})

	// RotationsTotal counts key rotations by kind (personal, organization)
	// and outcome (ok, conflict, incomplete, error).
	RotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_rotations_total",
		Help: "Number of key rotation attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	// GrantTransitionsTotal counts emergency access grant transitions by
	// target status.
	GrantTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_grant_transitions_total",
		Help: "Number of emergency access grant state transitions by target status.",
	}, []string{"status"})
)

// MetricsServer serves the Prometheus registry over HTTP.
type MetricsServer struct {
	srv      *http.Server
	registry *prometheus.Registry
}

// New creates a metrics server bound to listenAddr. The service label is
// attached to every metric exported from this process.
func New(service, listenAddr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	wrapped := prometheus.WrapRegistererWith(prometheus.Labels{"service": service}, registry)

	wrapped.MustRegister(
		KeyWrapsTotal,
		UnwrapFailuresTotal,
		RotationsTotal,
		GrantTransitionsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:        listenAddr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
		},
		registry: registry,
	}, nil
}

// ListenAndServe blocks serving the metrics endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
