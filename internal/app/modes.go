package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"authcoord/internal/metrics"
	"authcoord/pkg/logging"
)

const shutdownGrace = 5 * time.Second

// runServe runs the coordinator until ctx is cancelled.
//
// Lifecycle:
//   - Restore sessions persisted in the credential store
//   - Start the coordinator and security-context background tasks
//   - Serve /metrics when an address is configured
//   - Block in the facade transport
//   - Stop everything in reverse order
//
// Signal handling is left to the caller, which cancels ctx.
func runServe(ctx context.Context, s *Services) error {
	restored, err := s.Coordinator.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore sessions: %w", err)
	}
	if restored > 0 {
		logging.Info("Serve", "Restored %d sessions from the credential store", restored)
	}

	if err := s.Coordinator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer s.Coordinator.Stop()

	if s.Contexts.Enabled() {
		if err := s.Contexts.Start(ctx); err != nil {
			return fmt.Errorf("failed to start security context manager: %w", err)
		}
		defer s.Contexts.Stop()
	}

	if s.MetricsAddr != "" {
		stop, err := serveMetrics(s)
		if err != nil {
			return err
		}
		defer stop()
	}

	defer s.Close()

	logging.Info("Serve", "Auth coordinator running")
	err = s.Facade.Serve(ctx)
	logging.Info("Serve", "Shutting down")
	return err
}

// serveMetrics exposes the Prometheus registry on s.MetricsAddr and returns
// a function that shuts the listener down.
func serveMetrics(s *Services) (func(), error) {
	ln, err := net.Listen("tcp", s.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", s.MetricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(s.Registry))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Serve", err, "Metrics server stopped")
		}
	}()
	logging.Info("Serve", "Serving metrics on %s/metrics", ln.Addr())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Error("Serve", err, "Error shutting down metrics server")
		}
	}, nil
}
