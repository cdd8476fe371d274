package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/logx"
)

// Exporter serves the Prometheus scrape endpoint.
type Exporter struct {
	addr   string
	logger *logx.Logger
}

// NewExporter creates an exporter listening on addr (e.g. "localhost:2112").
func NewExporter(addr string) *Exporter {
	return &Exporter{
		addr:   addr,
		logger: logx.NewLogger("metrics"),
	}
}

// Start serves /metrics in a goroutine and shuts down when ctx is cancelled.
func (e *Exporter) Start(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    e.addr,
		Handler: mux,
	}

	e.logger.Info("Starting metrics endpoint on http://%s/metrics", e.addr)

	// Start server in a goroutine (non-blocking).
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("Metrics server error: %v", err)
		}
	}()

	// Start graceful shutdown handler in background.
	go func() {
		<-ctx.Done()
		// Graceful shutdown - use a fresh context with timeout since the
		// parent is already cancelled.
		e.logger.Info("Shutting down metrics endpoint")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			e.logger.Error("Metrics server shutdown failed: %v", err)
		}
	}()
}
