package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind distinguishes a charge from a refund that references it.
type TransactionKind string

const (
	KindPayment TransactionKind = "payment"
	KindRefund  TransactionKind = "refund"
)

// TransactionStatus is a state of the settlement state machine.
type TransactionStatus string

const (
	StatusReceived         TransactionStatus = "received"
	StatusRiskAssessed     TransactionStatus = "risk_assessed"
	StatusPendingReview    TransactionStatus = "pending_review"
	StatusCharging         TransactionStatus = "charging"
	StatusCaptured         TransactionStatus = "captured"
	StatusProviderDeclined TransactionStatus = "provider_declined"
	StatusProviderError    TransactionStatus = "provider_error"
	StatusSettled          TransactionStatus = "settled"
	StatusFailed           TransactionStatus = "failed"
	StatusRefunded         TransactionStatus = "refunded"
)

var paymentTransitions = map[TransactionStatus][]TransactionStatus{
	StatusReceived:         {StatusRiskAssessed, StatusFailed},
	StatusRiskAssessed:     {StatusCharging, StatusPendingReview, StatusFailed},
	StatusPendingReview:    {StatusCharging, StatusFailed},
	StatusCharging:         {StatusCaptured, StatusProviderDeclined, StatusProviderError},
	StatusCaptured:         {StatusSettled, StatusRefunded},
	StatusProviderDeclined: {StatusFailed},
	StatusProviderError:    {StatusFailed},
}

// Refunds skip risk assessment; the original payment was already assessed.
var refundTransitions = map[TransactionStatus][]TransactionStatus{
	StatusReceived:         {StatusCharging, StatusFailed},
	StatusCharging:         {StatusCaptured, StatusProviderDeclined, StatusProviderError},
	StatusCaptured:         {StatusSettled, StatusFailed},
	StatusProviderDeclined: {StatusFailed},
	StatusProviderError:    {StatusFailed},
}

// CanTransition reports whether a transaction of the given kind may move from one status to another.
func CanTransition(kind TransactionKind, from, to TransactionStatus) bool {
	table := paymentTransitions
	if kind == KindRefund {
		table = refundTransitions
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSettled || s == StatusFailed || s == StatusRefunded
}

// PaymentMethod describes the instrument without exposing sensitive data.
// The full number only ever exists inside Sensitive as ciphertext.
type PaymentMethod struct {
	Type        string          `json:"type"` // card, bank_transfer, wallet
	Brand       string          `json:"brand,omitempty"`
	Last4       string          `json:"last4,omitempty"`
	Country     string          `json:"country,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Token       string          `json:"token,omitempty"`
	Sensitive   *EncryptedField `json:"-"`
}

// Transaction is a payment or refund owned by the orchestrator.
// It is mutated only through status transitions and never deleted.
type Transaction struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	Kind           TransactionKind `json:"kind"`
	ParentID       string          `json:"parentId,omitempty"`
	CustomerID     string          `json:"customerId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`

	// Amount is what the provider is asked to move. Requested keeps the
	// caller's original denomination when a conversion was applied.
	Amount    Money           `json:"amount"`
	Requested Money           `json:"requested"`
	FXRate    decimal.Decimal `json:"fxRate"`

	Method      PaymentMethod `json:"method"`
	ProviderID  string        `json:"providerId,omitempty"`
	ProviderRef string        `json:"providerRef,omitempty"`

	Status           TransactionStatus `json:"status"`
	RiskAssessmentID string            `json:"riskAssessmentId,omitempty"`
	RefundedAmount   decimal.Decimal   `json:"refundedAmount"`
	FailureKind      ErrorKind         `json:"failureKind,omitempty"`
	FailureReason    string            `json:"failureReason,omitempty"`
	NeedsReplay      bool              `json:"needsReplay,omitempty"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Refundable returns how much of a captured payment may still be refunded.
func (t *Transaction) Refundable() decimal.Decimal {
	return t.Amount.Amount.Sub(t.RefundedAmount)
}

// TransactionResult is what callers of the orchestrator receive.
type TransactionResult struct {
	TransactionID    string            `json:"transactionId"`
	TenantID         string            `json:"tenantId"`
	Kind             TransactionKind   `json:"kind"`
	Status           TransactionStatus `json:"status"`
	Amount           Money             `json:"amount"`
	Requested        Money             `json:"requested"`
	ProviderID       string            `json:"providerId,omitempty"`
	ProviderRef      string            `json:"providerRef,omitempty"`
	RiskAssessmentID string            `json:"riskAssessmentId,omitempty"`
	RiskScore        float64           `json:"riskScore"`
	RiskLevel        RiskLevel         `json:"riskLevel,omitempty"`
	TicketID         string            `json:"ticketId,omitempty"`
	FailureKind      ErrorKind         `json:"failureKind,omitempty"`
	FailureReason    string            `json:"failureReason,omitempty"`
	NeedsReplay      bool              `json:"needsReplay,omitempty"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// Result projects a transaction into a caller-facing result.
func (t *Transaction) Result() *TransactionResult {
	return &TransactionResult{
		TransactionID:    t.ID,
		TenantID:         t.TenantID,
		Kind:             t.Kind,
		Status:           t.Status,
		Amount:           t.Amount,
		Requested:        t.Requested,
		ProviderID:       t.ProviderID,
		ProviderRef:      t.ProviderRef,
		RiskAssessmentID: t.RiskAssessmentID,
		FailureKind:      t.FailureKind,
		FailureReason:    t.FailureReason,
		NeedsReplay:      t.NeedsReplay,
		UpdatedAt:        t.UpdatedAt,
	}
}
