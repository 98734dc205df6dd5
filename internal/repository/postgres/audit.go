package postgres

import (
	"context"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"vmconductor.io/conductor/internal/domain"
)

const auditTable = "audit_logs"

var auditColumns = []string{"id", "action", "resource_type", "resource_id", "actor", "account_id", "request_id", "details", "created_at"}

// CreateAuditRecord appends r. Audit rows have no update or delete path.
func (s *Store) CreateAuditRecord(ctx context.Context, r *domain.AuditRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = stamp(time.Now())
	}
	details := r.Details
	if details == nil {
		details = map[string]any{}
	}
	_, err := exec(ctx, s.pool, psql.Insert(auditTable).
		Columns(auditColumns...).
		Values(r.ID, r.Action, r.ResourceType, r.ResourceID, r.Actor, r.AccountID, r.RequestID, details, r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Store) ListAuditRecords(ctx context.Context, resourceType, resourceID string, limit int) ([]*domain.AuditRecord, error) {
	sel := psql.Select(auditColumns...).From(entsql.Table(auditTable)).
		Where(entsql.And(entsql.EQ("resource_type", resourceType), entsql.EQ("resource_id", resourceID))).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("id"))
	if limit > 0 {
		sel.Limit(limit)
	}
	return collect(ctx, s.pool, sel, func(row pgx.CollectableRow) (*domain.AuditRecord, error) {
		var r domain.AuditRecord
		err := row.Scan(&r.ID, &r.Action, &r.ResourceType, &r.ResourceID, &r.Actor, &r.AccountID, &r.RequestID, &r.Details, &r.CreatedAt)
		if len(r.Details) == 0 {
			r.Details = nil
		}
		return &r, err
	})
}
