package repository

import (
	"context"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// AppendAudit records an audit entry. There is no update or delete.
func (r *SQLRepository) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	if err := requireTenant(e.TenantID); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_log (id, tenant_id, subject_type, subject_id, actor_id, actor_role, action, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.TenantID, e.SubjectType, e.SubjectID, e.ActorID, string(e.ActorRole), e.Action, e.Notes, e.CreatedAt.UTC(),
	)
	return err
}

// ListAudit returns the trail for one subject in the order it was written.
func (r *SQLRepository) ListAudit(ctx context.Context, tenantID string, subjectID string) ([]*domain.AuditEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, subject_type, subject_id, actor_id, actor_role, action, notes, created_at
		FROM audit_log
		WHERE tenant_id = ? AND subject_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var role string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SubjectType, &e.SubjectID, &e.ActorID, &role, &e.Action, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorRole = domain.Role(role)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
