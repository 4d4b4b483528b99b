// Package domain defines the core interfaces and types for Talon.
package domain

import (
	"context"
	"time"
)

// TransactionRepository persists transactions. UpdateTransaction is a
// compare-and-swap on Version and returns ErrStaleVersion on a lost race.
type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, tenantID string, key string) (*Transaction, error)
	GetTransactionByProviderRef(ctx context.Context, providerID string, providerRef string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	ListRefunds(ctx context.Context, tenantID string, parentID string) ([]*Transaction, error)
	CountCustomerTransactions(ctx context.Context, tenantID string, customerID string, since time.Time) (int64, error)
}

// RiskRepository persists assessments and the signals the risk engine reads.
type RiskRepository interface {
	SaveRiskAssessment(ctx context.Context, a *RiskAssessment) error
	GetRiskAssessment(ctx context.Context, tenantID string, id string) (*RiskAssessment, error)

	SaveBlacklistEntry(ctx context.Context, e *BlacklistEntry) error
	IsBlacklisted(ctx context.Context, tenantID string, kind BlacklistKind, value string) (bool, error)

	SaveLoginEvent(ctx context.Context, e *LoginEvent) error
	LastSuccessfulLogin(ctx context.Context, tenantID string, userID string) (*LoginEvent, error)
	CountFailedLogins(ctx context.Context, tenantID string, userID string, since time.Time) (int64, error)

	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)
}

// KeyRepository persists wrapped data-encryption keys.
type KeyRepository interface {
	SaveKey(ctx context.Context, key *EncryptionKey) error
	ListKeys(ctx context.Context) ([]*EncryptionKey, error)
}

// ApprovalRepository persists manual payment requests and tickets.
// Updates are compare-and-swap on the expected prior status.
type ApprovalRepository interface {
	CreatePaymentRequest(ctx context.Context, req *PaymentRequest) error
	GetPaymentRequest(ctx context.Context, tenantID string, id string) (*PaymentRequest, error)
	GetPaymentRequestByReference(ctx context.Context, tenantID string, reference string) (*PaymentRequest, error)
	UpdatePaymentRequest(ctx context.Context, req *PaymentRequest, expected RequestStatus) error

	CreateTicket(ctx context.Context, t *ApprovalTicket) error
	GetTicket(ctx context.Context, tenantID string, id string) (*ApprovalTicket, error)
	GetTicketBySubject(ctx context.Context, tenantID string, subjectType SubjectType, subjectID string) (*ApprovalTicket, error)
	UpdateTicket(ctx context.Context, t *ApprovalTicket, expected TicketStatus) error
	ListTickets(ctx context.Context, tenantID string, status TicketStatus) ([]*ApprovalTicket, error)
}

// AuditRepository is append-only.
type AuditRepository interface {
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, tenantID string, subjectID string) ([]*AuditEntry, error)
}

// WebhookRepository persists inbound events. CreateWebhookEvent returns
// ErrDuplicate when (provider, provider event id) was already recorded.
type WebhookRepository interface {
	CreateWebhookEvent(ctx context.Context, e *WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, e *WebhookEvent) error
	ListWebhookEvents(ctx context.Context, status WebhookStatus, limit int) ([]*WebhookEvent, error)
}

// Repository is the full persistence surface.
type Repository interface {
	TransactionRepository
	RiskRepository
	KeyRepository
	ApprovalRepository
	AuditRepository
	WebhookRepository

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" env:"TALON_DB_DRIVER"`

	SQLitePath string `json:"sqlitePath" env:"TALON_SQLITE_PATH"`

	PostgresHost     string `json:"postgresHost" env:"TALON_PG_HOST"`
	PostgresPort     int    `json:"postgresPort" env:"TALON_PG_PORT"`
	PostgresUser     string `json:"postgresUser" env:"TALON_PG_USER"`
	PostgresPassword string `json:"-" env:"TALON_PG_PASSWORD"`
	PostgresDB       string `json:"postgresDb" env:"TALON_PG_DB"`
	PostgresSSLMode  string `json:"postgresSslMode" env:"TALON_PG_SSLMODE"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" env:"TALON_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"maxIdleConns" env:"TALON_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" env:"TALON_DB_CONN_MAX_LIFETIME"`
}
