package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/pkg/logger"
)

// serve runs srv on ln until ctx ends, then drains in-flight requests for
// at most drain. A listener failure is returned as is.
func serve(ctx context.Context, ln net.Listener, srv *http.Server, drain time.Duration) error {
	errCh := make(chan error, 1)
	go func() { //nolint:naked-goroutine // the API listener lives for the whole process
		errCh <- srv.Serve(ln)
	}()
	logger.Info("API listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Draining API requests", zap.Duration("timeout", drain))
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("drain api server: %w", err)
	}
	logger.Info("API stopped")
	return nil
}
