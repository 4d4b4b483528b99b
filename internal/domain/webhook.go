package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WebhookStatus is the processing state of an inbound provider event.
type WebhookStatus string

const (
	WebhookReceived  WebhookStatus = "received"
	WebhookProcessed WebhookStatus = "processed"
	WebhookFailed    WebhookStatus = "failed"
	WebhookRetried   WebhookStatus = "retried"
)

// WebhookEvent is unique on (ProviderID, ProviderEventID).
type WebhookEvent struct {
	ID              string        `json:"id"`
	ProviderID      string        `json:"providerId"`
	ProviderEventID string        `json:"providerEventId"`
	EventType       EventType     `json:"eventType"`
	TenantID        string        `json:"tenantId,omitempty"`
	TransactionID   string        `json:"transactionId,omitempty"`
	SignatureValid  bool          `json:"signatureValid"`
	Status          WebhookStatus `json:"status"`
	PayloadDigest   string        `json:"payloadDigest"`
	Payload         []byte        `json:"-"`
	Error           string        `json:"error,omitempty"`
	Attempts        int           `json:"attempts"`
	CreatedAt       time.Time     `json:"createdAt"`
	ProcessedAt     *time.Time    `json:"processedAt,omitempty"`
}

// EventType is a normalized provider event type.
type EventType string

const (
	EventPaymentCaptured EventType = "payment.captured"
	EventPaymentSettled  EventType = "payment.settled"
	EventPaymentFailed   EventType = "payment.failed"
	EventRefundSucceeded EventType = "refund.succeeded"
	EventRefundFailed    EventType = "refund.failed"
)

// ProviderEvent is a parsed, provider-neutral callback.
type ProviderEvent struct {
	EventID     string          `json:"eventId"`
	Type        EventType       `json:"type"`
	ProviderRef string          `json:"providerRef"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Reason      string          `json:"reason,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
}
