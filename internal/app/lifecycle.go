package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/pkg/logger"
)

// Start runs startup recovery and the background services: the event bus
// listener, each module, then River.
func (a *Application) Start(ctx context.Context) error {
	a.Infra.StartBus()

	for _, mod := range a.Modules {
		if err := mod.Start(ctx); err != nil {
			return fmt.Errorf("start module %s: %w", mod.Name(), err)
		}
	}

	if client := a.Infra.RiverClient(); client != nil {
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	}
	return nil
}

// Shutdown gracefully shuts down all application components.
func (a *Application) Shutdown() {
	timeout := 30 * time.Second
	if a.Config != nil && a.Config.Server.ShutdownTimeout > 0 {
		timeout = a.Config.Server.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if client := a.Infra.RiverClient(); client != nil {
		if err := client.Stop(ctx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("River client stopped")
	}

	for i := len(a.Modules) - 1; i >= 0; i-- {
		mod := a.Modules[i]
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(ctx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	a.Infra.Close()
}
