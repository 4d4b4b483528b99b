package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// SaveRiskAssessment inserts an assessment. Assessments are never updated.
func (r *SQLRepository) SaveRiskAssessment(ctx context.Context, a *domain.RiskAssessment) error {
	if err := requireTenant(a.TenantID); err != nil {
		return err
	}

	contributions, err := json.Marshal(a.Contributions)
	if err != nil {
		return fmt.Errorf("failed to encode contributions: %w", err)
	}

	query := `
		INSERT INTO risk_assessments (
			id, tenant_id, subject_type, subject_id, contributions,
			score, level, recommendation, vetoed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.TenantID, string(a.SubjectType), a.SubjectID, string(contributions),
		a.Score, string(a.Level), string(a.Recommendation), boolToInt(a.Vetoed), a.CreatedAt.UTC(),
	)
	if r.isUniqueViolation(err) {
		return fmt.Errorf("assessment %s: %w", a.ID, domain.ErrDuplicate)
	}
	return err
}

// GetRiskAssessment retrieves an assessment by ID with tenant isolation.
func (r *SQLRepository) GetRiskAssessment(ctx context.Context, tenantID string, id string) (*domain.RiskAssessment, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, subject_type, subject_id, contributions,
			   score, level, recommendation, vetoed, created_at
		FROM risk_assessments
		WHERE tenant_id = ? AND id = ?
	`

	var a domain.RiskAssessment
	var subjectType, level, recommendation, contributions string
	var vetoed int

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(
		&a.ID, &a.TenantID, &subjectType, &a.SubjectID, &contributions,
		&a.Score, &level, &recommendation, &vetoed, &a.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	a.SubjectType = domain.SubjectType(subjectType)
	a.Level = domain.RiskLevel(level)
	a.Recommendation = domain.Recommendation(recommendation)
	a.Vetoed = vetoed == 1
	a.CreatedAt = a.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(contributions), &a.Contributions); err != nil {
		return nil, fmt.Errorf("failed to parse contributions: %w", err)
	}
	return &a, nil
}

// SaveBlacklistEntry adds or refreshes a blacklist entry.
func (r *SQLRepository) SaveBlacklistEntry(ctx context.Context, e *domain.BlacklistEntry) error {
	if err := requireTenant(e.TenantID); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO blacklist (tenant_id, kind, value, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, kind, value) DO UPDATE SET reason = excluded.reason
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.TenantID, string(e.Kind), e.Value, e.Reason, e.CreatedAt.UTC(),
	)
	return err
}

// IsBlacklisted reports whether value is listed for the tenant.
func (r *SQLRepository) IsBlacklisted(ctx context.Context, tenantID string, kind domain.BlacklistKind, value string) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	if value == "" {
		return false, nil
	}

	query := `SELECT COUNT(*) FROM blacklist WHERE tenant_id = ? AND kind = ? AND value = ?`

	var n int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, string(kind), value).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// SaveLoginEvent records a login attempt.
func (r *SQLRepository) SaveLoginEvent(ctx context.Context, e *domain.LoginEvent) error {
	if err := requireTenant(e.TenantID); err != nil {
		return err
	}

	query := `
		INSERT INTO login_events (id, tenant_id, user_id, ip, country, device_id, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.TenantID, e.UserID, e.IP, e.Country, e.DeviceID, boolToInt(e.Success), e.CreatedAt.UTC(),
	)
	return err
}

// LastSuccessfulLogin returns the user's most recent successful login.
func (r *SQLRepository) LastSuccessfulLogin(ctx context.Context, tenantID string, userID string) (*domain.LoginEvent, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, user_id, ip, country, device_id, success, created_at
		FROM login_events
		WHERE tenant_id = ? AND user_id = ? AND success = 1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var e domain.LoginEvent
	var success int
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID).Scan(
		&e.ID, &e.TenantID, &e.UserID, &e.IP, &e.Country, &e.DeviceID, &success, &e.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	e.Success = success == 1
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// CountFailedLogins counts failed attempts since the given time.
func (r *SQLRepository) CountFailedLogins(ctx context.Context, tenantID string, userID string, since time.Time) (int64, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	query := `
		SELECT COUNT(*) FROM login_events
		WHERE tenant_id = ? AND user_id = ? AND success = 0 AND created_at >= ?
	`

	var n int64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID, since.UTC()).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SaveRuleConfig stores a rule configuration with tenant isolation.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.TenantID = tenantID

	query := `
		INSERT INTO rule_configs (
			id, tenant_id, name, description, expression, category, severity, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			category = excluded.category,
			severity = excluded.severity,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description, rule.Expression,
		string(rule.Category), string(rule.Severity), rule.Weight, boolToInt(rule.Enabled),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// ListRuleConfigs retrieves enabled rules for a tenant, including global rules.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, tenant_id, name, description, expression, category, severity, weight, enabled, created_at, updated_at
		FROM rule_configs
		WHERE (tenant_id = ? OR tenant_id = ?) AND enabled = 1
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, domain.GlobalTenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var description *string
		var category, severity string
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.TenantID, &cfg.Name, &description, &cfg.Expression,
			&category, &severity, &cfg.Weight, &enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, err
		}

		if description != nil {
			cfg.Description = *description
		}
		cfg.Category = domain.RiskCategory(category)
		cfg.Severity = domain.Severity(severity)
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}
