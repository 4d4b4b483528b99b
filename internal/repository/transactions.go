package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

var _ domain.Repository = (*SQLRepository)(nil)

const transactionColumns = `
	id, tenant_id, kind, parent_id, customer_id, idempotency_key,
	amount, currency, requested_amount, requested_currency, fx_rate,
	method, method_sensitive, provider_id, provider_ref, status,
	risk_assessment_id, refunded_amount, failure_kind, failure_reason,
	needs_replay, metadata, version, created_at, updated_at`

// CreateTransaction inserts a new transaction at version 1.
// A second transaction with the same tenant and idempotency key fails with domain.ErrDuplicate.
func (r *SQLRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if err := requireTenant(tx.TenantID); err != nil {
		return err
	}

	method, err := json.Marshal(tx.Method)
	if err != nil {
		return fmt.Errorf("failed to encode payment method: %w", err)
	}
	sensitive, err := encodeField(tx.Method.Sensitive)
	if err != nil {
		return fmt.Errorf("failed to encode sensitive field: %w", err)
	}
	metadata, _ := json.Marshal(tx.Metadata)

	if tx.Version == 0 {
		tx.Version = 1
	}

	query := `INSERT INTO transactions (` + transactionColumns + `
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tx.TenantID, string(tx.Kind), tx.ParentID, tx.CustomerID, tx.IdempotencyKey,
		tx.Amount.Amount, tx.Amount.Currency, tx.Requested.Amount, tx.Requested.Currency, tx.FXRate,
		string(method), sensitive, tx.ProviderID, tx.ProviderRef, string(tx.Status),
		tx.RiskAssessmentID, tx.RefundedAmount, string(tx.FailureKind), tx.FailureReason,
		boolToInt(tx.NeedsReplay), string(metadata), tx.Version, tx.CreatedAt.UTC(), tx.UpdatedAt.UTC(),
	)
	if r.isUniqueViolation(err) {
		return fmt.Errorf("transaction %s: %w", tx.IdempotencyKey, domain.ErrDuplicate)
	}
	return err
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = ? AND id = ?`
	return scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
}

// GetTransactionByIdempotencyKey retrieves the transaction created for key.
func (r *SQLRepository) GetTransactionByIdempotencyKey(ctx context.Context, tenantID string, key string) (*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = ? AND idempotency_key = ?`
	return scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, key))
}

// GetTransactionByProviderRef resolves a provider reference from a webhook.
// Provider references are not tenant scoped, so neither is this lookup.
func (r *SQLRepository) GetTransactionByProviderRef(ctx context.Context, providerID string, providerRef string) (*domain.Transaction, error) {
	if providerID == "" || providerRef == "" {
		return nil, fmt.Errorf("%w: provider id and reference are required", ErrInvalidInput)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE provider_id = ? AND provider_ref = ?`
	return scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), providerID, providerRef))
}

// UpdateTransaction writes mutable fields when the stored version still
// matches tx.Version, then advances tx.Version. A lost race returns
// domain.ErrStaleVersion.
func (r *SQLRepository) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if err := requireTenant(tx.TenantID); err != nil {
		return err
	}

	method, err := json.Marshal(tx.Method)
	if err != nil {
		return fmt.Errorf("failed to encode payment method: %w", err)
	}
	sensitive, err := encodeField(tx.Method.Sensitive)
	if err != nil {
		return fmt.Errorf("failed to encode sensitive field: %w", err)
	}
	metadata, _ := json.Marshal(tx.Metadata)
	now := time.Now().UTC()

	query := `
		UPDATE transactions SET
			method = ?, method_sensitive = ?, provider_id = ?, provider_ref = ?, status = ?,
			risk_assessment_id = ?, refunded_amount = ?, failure_kind = ?, failure_reason = ?,
			needs_replay = ?, metadata = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND version = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		string(method), sensitive, tx.ProviderID, tx.ProviderRef, string(tx.Status),
		tx.RiskAssessmentID, tx.RefundedAmount, string(tx.FailureKind), tx.FailureReason,
		boolToInt(tx.NeedsReplay), string(metadata), now,
		tx.TenantID, tx.ID, tx.Version,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetTransaction(ctx, tx.TenantID, tx.ID); err != nil {
			return err
		}
		return fmt.Errorf("transaction %s version %d: %w", tx.ID, tx.Version, domain.ErrStaleVersion)
	}

	tx.Version++
	tx.UpdatedAt = now
	return nil
}

// ListRefunds returns refunds linked to parentID, oldest first.
func (r *SQLRepository) ListRefunds(ctx context.Context, tenantID string, parentID string) ([]*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ? AND parent_id = ? AND kind = ?
		ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, parentID, string(domain.KindRefund))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, tx)
	}
	return refunds, rows.Err()
}

// CountCustomerTransactions counts a customer's payments created since the given time.
func (r *SQLRepository) CountCustomerTransactions(ctx context.Context, tenantID string, customerID string, since time.Time) (int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	query := `
		SELECT COUNT(*) FROM transactions
		WHERE tenant_id = ? AND customer_id = ? AND kind = ? AND created_at >= ?
	`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, customerID, string(domain.KindPayment), since.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return count, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var kind, status, failureKind, method, sensitive string
	var metadata *string
	var needsReplay int

	err := row.Scan(
		&tx.ID, &tx.TenantID, &kind, &tx.ParentID, &tx.CustomerID, &tx.IdempotencyKey,
		&tx.Amount.Amount, &tx.Amount.Currency, &tx.Requested.Amount, &tx.Requested.Currency, &tx.FXRate,
		&method, &sensitive, &tx.ProviderID, &tx.ProviderRef, &status,
		&tx.RiskAssessmentID, &tx.RefundedAmount, &failureKind, &tx.FailureReason,
		&needsReplay, &metadata, &tx.Version, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	tx.Kind = domain.TransactionKind(kind)
	tx.Status = domain.TransactionStatus(status)
	tx.FailureKind = domain.ErrorKind(failureKind)
	tx.NeedsReplay = needsReplay == 1
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()

	if err := json.Unmarshal([]byte(method), &tx.Method); err != nil {
		return nil, fmt.Errorf("failed to parse payment method: %w", err)
	}
	if tx.Method.Sensitive, err = decodeField(sensitive); err != nil {
		return nil, err
	}
	if metadata != nil && *metadata != "" && *metadata != "null" {
		_ = json.Unmarshal([]byte(*metadata), &tx.Metadata)
	}
	return &tx, nil
}
