package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/talon/internal/domain"
)

// SaveKey upserts a data key. Only status and timestamps change after creation.
func (r *SQLRepository) SaveKey(ctx context.Context, key *domain.EncryptionKey) error {
	wrapped, err := json.Marshal(key.Wrapped)
	if err != nil {
		return fmt.Errorf("failed to encode wrapped key: %w", err)
	}

	query := `
		INSERT INTO encryption_keys (id, purpose, size, status, wrapped, created_at, expires_at, rotated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			expires_at = excluded.expires_at,
			rotated_at = excluded.rotated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		key.ID, string(key.Purpose), key.Size, string(key.Status), string(wrapped),
		key.CreatedAt.UTC(), nullTime(key.ExpiresAt), nullTime(key.RotatedAt),
	)
	return err
}

// ListKeys returns every key, oldest first. Expired keys are kept for audit.
func (r *SQLRepository) ListKeys(ctx context.Context) ([]*domain.EncryptionKey, error) {
	query := `
		SELECT id, purpose, size, status, wrapped, created_at, expires_at, rotated_at
		FROM encryption_keys
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*domain.EncryptionKey
	for rows.Next() {
		var k domain.EncryptionKey
		var purpose, status, wrapped string
		var expiresAt, rotatedAt sql.NullTime

		if err := rows.Scan(&k.ID, &purpose, &k.Size, &status, &wrapped, &k.CreatedAt, &expiresAt, &rotatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(wrapped), &k.Wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse wrapped key %s: %w", k.ID, err)
		}

		k.Purpose = domain.KeyPurpose(purpose)
		k.Status = domain.KeyStatus(status)
		k.CreatedAt = k.CreatedAt.UTC()
		k.ExpiresAt = timePtr(expiresAt)
		k.RotatedAt = timePtr(rotatedAt)
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}
