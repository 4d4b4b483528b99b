package domain

import "time"

// RuleConfig is a tenant-configured detector expressed in CEL.
// The expression must evaluate to bool; a true result is a hit.
type RuleConfig struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenantId"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Expression  string       `json:"expression"`
	Category    RiskCategory `json:"category"`
	Severity    Severity     `json:"severity"`
	Weight      float64      `json:"weight"`
	Enabled     bool         `json:"enabled"`
	CreatedAt   time.Time    `json:"createdAt,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt,omitempty"`
}

// GlobalTenantID marks rules that apply to every tenant.
const GlobalTenantID = "*"
