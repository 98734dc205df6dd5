// Command server runs one vmconductor node: the HTTP API, the River
// workers for VM work and the power reconciler.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/app"
	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Conductor node starting",
		zap.Int64("node_id", cfg.Node.ID),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("auto_migrate", cfg.Database.AutoMigrate),
		zap.Bool("simulate_reports", cfg.Reconciler.SimulateReports),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer node.Shutdown()

	// Startup recovery runs inside Start, before River takes new jobs.
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node %d: %w", cfg.Node.ID, err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return serve(ctx, ln, &http.Server{
		Handler:           node.Router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}, cfg.Server.ShutdownTimeout)
}
