// Package audit records who asked for which VM operation.
//
// Audit records are append-only. There is no update or delete path.
package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository"
)

const resourceVM = "vm"

// Logger writes audit records to the store.
type Logger struct {
	store repository.AuditStore
}

// NewLogger creates a new audit Logger.
func NewLogger(store repository.AuditStore) *Logger {
	return &Logger{store: store}
}

// LogAction records an auditable action.
func (l *Logger) LogAction(ctx context.Context, rec *domain.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = generateAuditID()
	}
	if err := l.store.CreateAuditRecord(ctx, rec); err != nil {
		logger.Error("Failed to write audit log",
			zap.String("action", rec.Action),
			zap.String("resource_type", rec.ResourceType),
			zap.String("resource_id", rec.ResourceID),
			zap.Error(err),
		)
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// LogVMOperation records operation on the VM with the given uuid.
func (l *Logger) LogVMOperation(ctx context.Context, operation, vmUUID string, caller domain.Caller, requestID string, details map[string]any) error {
	return l.LogAction(ctx, &domain.AuditRecord{
		Action:       "vm." + operation,
		ResourceType: resourceVM,
		ResourceID:   vmUUID,
		Actor:        caller.UserID,
		AccountID:    caller.AccountID,
		RequestID:    requestID,
		Details:      details,
	})
}

// VMHistory returns the newest audit records for a VM first.
func (l *Logger) VMHistory(ctx context.Context, vmUUID string, limit int) ([]*domain.AuditRecord, error) {
	recs, err := l.store.ListAuditRecords(ctx, resourceVM, vmUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return recs, nil
}

func generateAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return fmt.Sprintf("audit-%s", id.String())
}
