package repository

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

const webhookColumns = `id, provider_id, provider_event_id, event_type, tenant_id, transaction_id,
	signature_valid, status, payload_digest, payload, error, attempts, created_at, processed_at`

// CreateWebhookEvent records an inbound event. A second delivery of the same
// provider event returns domain.ErrDuplicate.
func (r *SQLRepository) CreateWebhookEvent(ctx context.Context, e *domain.WebhookEvent) error {
	if e.ProviderID == "" || e.ProviderEventID == "" {
		return fmt.Errorf("%w: provider and event id are required", ErrInvalidInput)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO webhook_events (` + webhookColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.ProviderID, e.ProviderEventID, string(e.EventType), e.TenantID, e.TransactionID,
		boolToInt(e.SignatureValid), string(e.Status), e.PayloadDigest,
		base64.StdEncoding.EncodeToString(e.Payload), e.Error, e.Attempts,
		e.CreatedAt.UTC(), nullTime(e.ProcessedAt),
	)
	if r.isUniqueViolation(err) {
		return fmt.Errorf("webhook %s/%s: %w", e.ProviderID, e.ProviderEventID, domain.ErrDuplicate)
	}
	return err
}

// GetWebhookEvent retrieves an event by its internal ID.
func (r *SQLRepository) GetWebhookEvent(ctx context.Context, id string) (*domain.WebhookEvent, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE id = ?`
	return scanWebhookEvent(r.db.QueryRowContext(ctx, r.rebind(query), id))
}

// UpdateWebhookEvent stores the processing outcome of an event.
func (r *SQLRepository) UpdateWebhookEvent(ctx context.Context, e *domain.WebhookEvent) error {
	query := `
		UPDATE webhook_events
		SET tenant_id = ?, transaction_id = ?, status = ?, error = ?, attempts = ?, processed_at = ?
		WHERE id = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		e.TenantID, e.TransactionID, string(e.Status), e.Error, e.Attempts, nullTime(e.ProcessedAt), e.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListWebhookEvents returns up to limit events in the given status, oldest first.
func (r *SQLRepository) ListWebhookEvents(ctx context.Context, status domain.WebhookStatus, limit int) ([]*domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + webhookColumns + ` FROM webhook_events WHERE status = ? ORDER BY created_at LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanWebhookEvent(row rowScanner) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	var eventType, status, payload string
	var signatureValid int
	var processedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.ProviderID, &e.ProviderEventID, &eventType, &e.TenantID, &e.TransactionID,
		&signatureValid, &status, &e.PayloadDigest, &payload, &e.Error, &e.Attempts,
		&e.CreatedAt, &processedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	e.EventType = domain.EventType(eventType)
	e.Status = domain.WebhookStatus(status)
	e.SignatureValid = signatureValid == 1
	e.CreatedAt = e.CreatedAt.UTC()
	e.ProcessedAt = timePtr(processedAt)
	if e.Payload, err = base64.StdEncoding.DecodeString(payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}
	return &e, nil
}
