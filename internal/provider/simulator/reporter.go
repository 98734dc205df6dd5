package simulator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository"
)

// ReportSink receives a full power report for one host.
type ReportSink func(ctx context.Context, hostID int64, report map[string]domain.PowerState) error

// Reporter plays the role of host agents pinging the management server:
// every interval it sends the simulated power report of each Up host.
type Reporter struct {
	sim      *Simulator
	hosts    repository.HostStore
	sink     ReportSink
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReporter creates a reporter.
func NewReporter(sim *Simulator, hosts repository.HostStore, sink ReportSink, interval time.Duration) *Reporter {
	return &Reporter{
		sim:      sim,
		hosts:    hosts,
		sink:     sink,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic reporting.
// nolint:naked-goroutine // ticker loop owned by the reporter, stopped via Stop.
func (r *Reporter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.ReportAll(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts reporting. It is safe to call more than once.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

// ReportAll sends one report per reachable host.
func (r *Reporter) ReportAll(ctx context.Context) {
	hosts, err := r.hosts.ListHosts(ctx, repository.HostFilter{Statuses: []domain.HostStatus{domain.HostUp}})
	if err != nil {
		logger.Warn("Simulated report: list hosts failed", zap.Error(err))
		return
	}
	for _, h := range hosts {
		r.sim.mu.Lock()
		down := r.sim.down.Has(h.ID)
		r.sim.mu.Unlock()
		if down {
			continue
		}
		if err := r.sink(ctx, h.ID, r.sim.Report(h.ID)); err != nil {
			logger.Warn("Simulated report rejected",
				zap.Int64("host_id", h.ID),
				zap.Error(err),
			)
		}
	}
}
