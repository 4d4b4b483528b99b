package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/shopspring/decimal"
)

const paymentRequestColumns = `id, tenant_id, submitted_by, customer_id, reference, amount, currency, method,
	payer_name, account_number, account_last4, status, assessment_id, ticket_id, created_at, updated_at`

// CreatePaymentRequest inserts a manual payment request. The reference is
// unique per tenant.
func (r *SQLRepository) CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) error {
	if err := requireTenant(req.TenantID); err != nil {
		return err
	}

	account, err := encodeField(req.AccountNumber)
	if err != nil {
		return fmt.Errorf("failed to encode account number: %w", err)
	}

	now := time.Now().UTC()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.UpdatedAt.IsZero() {
		req.UpdatedAt = req.CreatedAt
	}

	query := `INSERT INTO payment_requests (` + paymentRequestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		req.ID, req.TenantID, req.SubmittedBy, req.CustomerID, req.Reference,
		req.Amount.Amount.String(), req.Amount.Currency, string(req.Method),
		req.PayerName, account, req.AccountLast4, string(req.Status),
		req.AssessmentID, req.TicketID, req.CreatedAt.UTC(), req.UpdatedAt.UTC(),
	)
	if r.isUniqueViolation(err) {
		return fmt.Errorf("payment request reference %q: %w", req.Reference, domain.ErrDuplicate)
	}
	return err
}

// GetPaymentRequest retrieves a request by ID with tenant isolation.
func (r *SQLRepository) GetPaymentRequest(ctx context.Context, tenantID string, id string) (*domain.PaymentRequest, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	query := `SELECT ` + paymentRequestColumns + ` FROM payment_requests WHERE tenant_id = ? AND id = ?`
	return scanPaymentRequest(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id))
}

// GetPaymentRequestByReference looks up a request by its tenant-unique reference.
func (r *SQLRepository) GetPaymentRequestByReference(ctx context.Context, tenantID string, reference string) (*domain.PaymentRequest, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	query := `SELECT ` + paymentRequestColumns + ` FROM payment_requests WHERE tenant_id = ? AND reference = ?`
	return scanPaymentRequest(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, reference))
}

// UpdatePaymentRequest writes the mutable fields only if the stored status
// still equals expected.
func (r *SQLRepository) UpdatePaymentRequest(ctx context.Context, req *domain.PaymentRequest, expected domain.RequestStatus) error {
	if err := requireTenant(req.TenantID); err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		UPDATE payment_requests
		SET status = ?, assessment_id = ?, ticket_id = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		string(req.Status), req.AssessmentID, req.TicketID, now,
		req.TenantID, req.ID, string(expected),
	)
	if err != nil {
		return err
	}
	if err := r.checkSwapped(ctx, res, "payment_requests", req.TenantID, req.ID); err != nil {
		return err
	}
	req.UpdatedAt = now
	return nil
}

func scanPaymentRequest(row rowScanner) (*domain.PaymentRequest, error) {
	var req domain.PaymentRequest
	var amount decimal.Decimal
	var method, status, account string

	err := row.Scan(
		&req.ID, &req.TenantID, &req.SubmittedBy, &req.CustomerID, &req.Reference,
		&amount, &req.Amount.Currency, &method,
		&req.PayerName, &account, &req.AccountLast4, &status,
		&req.AssessmentID, &req.TicketID, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	req.Amount.Amount = amount
	req.Method = domain.ManualMethod(method)
	req.Status = domain.RequestStatus(status)
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	if req.AccountNumber, err = decodeField(account); err != nil {
		return nil, err
	}
	return &req, nil
}

const ticketColumns = `id, tenant_id, subject_type, subject_id, assessment_id, assigned_to, priority, status,
	decision_notes, decided_by, decided_at, created_at, updated_at`

// CreateTicket inserts a ticket. At most one ticket exists per subject.
func (r *SQLRepository) CreateTicket(ctx context.Context, t *domain.ApprovalTicket) error {
	if err := requireTenant(t.TenantID); err != nil {
		return err
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	query := `INSERT INTO approval_tickets (` + ticketColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		t.ID, t.TenantID, string(t.SubjectType), t.SubjectID, t.AssessmentID, t.AssignedTo,
		string(t.Priority), string(t.Status), t.DecisionNotes, t.DecidedBy, nullTime(t.DecidedAt),
		t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if r.isUniqueViolation(err) {
		return fmt.Errorf("ticket for %s %s: %w", t.SubjectType, t.SubjectID, domain.ErrDuplicate)
	}
	return err
}

// GetTicket retrieves a ticket by ID with tenant isolation.
func (r *SQLRepository) GetTicket(ctx context.Context, tenantID string, id string) (*domain.ApprovalTicket, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	query := `SELECT ` + ticketColumns + ` FROM approval_tickets WHERE tenant_id = ? AND id = ?`
	return scanTicket(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id))
}

// GetTicketBySubject returns the ticket for a subject, if one exists.
func (r *SQLRepository) GetTicketBySubject(ctx context.Context, tenantID string, subjectType domain.SubjectType, subjectID string) (*domain.ApprovalTicket, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	query := `SELECT ` + ticketColumns + ` FROM approval_tickets WHERE tenant_id = ? AND subject_type = ? AND subject_id = ?`
	return scanTicket(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(subjectType), subjectID))
}

// UpdateTicket writes the mutable fields only if the stored status still
// equals expected.
func (r *SQLRepository) UpdateTicket(ctx context.Context, t *domain.ApprovalTicket, expected domain.TicketStatus) error {
	if err := requireTenant(t.TenantID); err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		UPDATE approval_tickets
		SET assigned_to = ?, priority = ?, status = ?, decision_notes = ?, decided_by = ?, decided_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND status = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		t.AssignedTo, string(t.Priority), string(t.Status), t.DecisionNotes, t.DecidedBy, nullTime(t.DecidedAt), now,
		t.TenantID, t.ID, string(expected),
	)
	if err != nil {
		return err
	}
	if err := r.checkSwapped(ctx, res, "approval_tickets", t.TenantID, t.ID); err != nil {
		return err
	}
	t.UpdatedAt = now
	return nil
}

// ListTickets returns a tenant's tickets, oldest first. An empty status lists all.
func (r *SQLRepository) ListTickets(ctx context.Context, tenantID string, status domain.TicketStatus) ([]*domain.ApprovalTicket, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + ticketColumns + ` FROM approval_tickets WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []*domain.ApprovalTicket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func scanTicket(row rowScanner) (*domain.ApprovalTicket, error) {
	var t domain.ApprovalTicket
	var subjectType, priority, status string
	var decidedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.TenantID, &subjectType, &t.SubjectID, &t.AssessmentID, &t.AssignedTo, &priority, &status,
		&t.DecisionNotes, &t.DecidedBy, &decidedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	t.SubjectType = domain.SubjectType(subjectType)
	t.Priority = domain.TicketPriority(priority)
	t.Status = domain.TicketStatus(status)
	t.DecidedAt = timePtr(decidedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

// checkSwapped turns a zero-row conditional update into ErrNotFound or
// ErrStaleVersion.
func (r *SQLRepository) checkSwapped(ctx context.Context, res sql.Result, table, tenantID, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var count int
	query := `SELECT COUNT(*) FROM ` + table + ` WHERE tenant_id = ? AND id = ?`
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return fmt.Errorf("%s %s: %w", table, id, domain.ErrStaleVersion)
}
