package repository

// Schema definitions for Talon. Compatible with both SQLite and PostgreSQL.
// Money is stored as decimal TEXT and never as a floating point column.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    customer_id TEXT NOT NULL DEFAULT '',
    idempotency_key TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    requested_amount TEXT NOT NULL,
    requested_currency TEXT NOT NULL,
    fx_rate TEXT NOT NULL,
    method TEXT NOT NULL,
    method_sensitive TEXT NOT NULL DEFAULT '',
    provider_id TEXT NOT NULL DEFAULT '',
    provider_ref TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    risk_assessment_id TEXT NOT NULL DEFAULT '',
    refunded_amount TEXT NOT NULL,
    failure_kind TEXT NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    needs_replay INTEGER NOT NULL DEFAULT 0,
    metadata TEXT,
    version INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_transactions_provider_ref ON transactions(provider_id, provider_ref);
CREATE INDEX IF NOT EXISTS idx_transactions_parent ON transactions(tenant_id, parent_id);
CREATE INDEX IF NOT EXISTS idx_transactions_customer ON transactions(tenant_id, customer_id, created_at);
`

const schemaRiskAssessments = `
CREATE TABLE IF NOT EXISTS risk_assessments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    subject_type TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    contributions TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    level TEXT NOT NULL,
    recommendation TEXT NOT NULL,
    vetoed INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_assessments_subject ON risk_assessments(tenant_id, subject_type, subject_id);
`

const schemaBlacklist = `
CREATE TABLE IF NOT EXISTS blacklist (
    tenant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    value TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, kind, value)
);
`

const schemaLoginEvents = `
CREATE TABLE IF NOT EXISTS login_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    ip TEXT NOT NULL DEFAULT '',
    country TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL DEFAULT '',
    success INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_login_events_user ON login_events(tenant_id, user_id, created_at);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    category TEXT NOT NULL,
    severity TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL DEFAULT 10,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(tenant_id, enabled);
`

const schemaEncryptionKeys = `
CREATE TABLE IF NOT EXISTS encryption_keys (
    id TEXT PRIMARY KEY,
    purpose TEXT NOT NULL,
    size INTEGER NOT NULL,
    status TEXT NOT NULL,
    wrapped TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    rotated_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_encryption_keys_purpose ON encryption_keys(purpose, status);
`

const schemaPaymentRequests = `
CREATE TABLE IF NOT EXISTS payment_requests (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    submitted_by TEXT NOT NULL,
    customer_id TEXT NOT NULL DEFAULT '',
    reference TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    method TEXT NOT NULL,
    payer_name TEXT NOT NULL DEFAULT '',
    account_number TEXT NOT NULL DEFAULT '',
    account_last4 TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    assessment_id TEXT NOT NULL DEFAULT '',
    ticket_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, reference)
);
`

const schemaApprovalTickets = `
CREATE TABLE IF NOT EXISTS approval_tickets (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    subject_type TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    assessment_id TEXT NOT NULL DEFAULT '',
    assigned_to TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL,
    status TEXT NOT NULL,
    decision_notes TEXT NOT NULL DEFAULT '',
    decided_by TEXT NOT NULL DEFAULT '',
    decided_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, subject_type, subject_id)
);

CREATE INDEX IF NOT EXISTS idx_approval_tickets_status ON approval_tickets(tenant_id, status, created_at);
`

// The audit log is append-only: the repository exposes no update or delete.
const schemaAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    subject_type TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    actor_id TEXT NOT NULL,
    actor_role TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    notes TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_subject ON audit_log(tenant_id, subject_id, created_at);
`

// Payloads are stored base64 encoded so both drivers accept arbitrary bytes.
const schemaWebhookEvents = `
CREATE TABLE IF NOT EXISTS webhook_events (
    id TEXT PRIMARY KEY,
    provider_id TEXT NOT NULL,
    provider_event_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    tenant_id TEXT NOT NULL DEFAULT '',
    transaction_id TEXT NOT NULL DEFAULT '',
    signature_valid INTEGER NOT NULL,
    status TEXT NOT NULL,
    payload_digest TEXT NOT NULL,
    payload TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    processed_at TIMESTAMP,
    UNIQUE (provider_id, provider_event_id)
);

CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events(status, created_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaRiskAssessments,
		schemaBlacklist,
		schemaLoginEvents,
		schemaRuleConfigs,
		schemaEncryptionKeys,
		schemaPaymentRequests,
		schemaApprovalTickets,
		schemaAuditLog,
		schemaWebhookEvents,
	}
}
