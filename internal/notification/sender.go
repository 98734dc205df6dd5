// Package notification implements operator alerts.
//
// Alerts are synchronous writes to the alert store, followed by a
// structured log line so they stay observable even when the write fails.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/repository"
)

// StoreSender persists alerts. It implements provider.AlertManager.
type StoreSender struct {
	store repository.AlertStore
	now   func() time.Time
}

// NewStoreSender creates a sender over the alert store.
func NewStoreSender(store repository.AlertStore) *StoreSender {
	return &StoreSender{store: store, now: time.Now}
}

// SendAlert stores the alert. Failures are logged, never returned: raising
// an alert must not abort the operation that raised it.
func (s *StoreSender) SendAlert(ctx context.Context, alert *domain.Alert) {
	if err := validateAlert(alert); err != nil {
		logger.Error("Alert rejected", zap.Error(err))
		return
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now()
	}

	fields := []zap.Field{
		zap.String("alert_type", string(alert.Type)),
		zap.Int64("data_center_id", alert.DataCenterID),
		zap.String("subject", alert.Subject),
	}
	if alert.VMID != nil {
		fields = append(fields, zap.Int64("vm_id", *alert.VMID))
	}

	if err := s.store.CreateAlert(ctx, alert); err != nil {
		logger.Error("Alert write failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Warn("Alert raised", fields...)
}

var _ provider.AlertManager = (*StoreSender)(nil)

func validateAlert(a *domain.Alert) error {
	if a == nil {
		return fmt.Errorf("alert is nil")
	}
	if a.Type == "" {
		return fmt.Errorf("alert type is required")
	}
	if a.Subject == "" {
		return fmt.Errorf("alert subject is required")
	}
	return nil
}
