package domain

import "time"

// Role is the caller's role as resolved by the auth collaborator.
type Role string

const (
	RoleAdmin        Role = "admin"
	RoleFinanceAdmin Role = "finance_admin"
	RoleStaff        Role = "staff"
	RoleUser         Role = "user"
)

// CanDecide reports whether the role may approve or reject payment requests.
func (r Role) CanDecide() bool {
	return r == RoleAdmin || r == RoleFinanceAdmin
}

// Actor is the trusted tenant/auth context for a call.
type Actor struct {
	TenantID string `json:"tenantId"`
	ID       string `json:"id"`
	Role     Role   `json:"role"`
}

// RequestStatus is a state of the manual payment workflow.
type RequestStatus string

const (
	RequestSubmitted     RequestStatus = "submitted"
	RequestAssessed      RequestStatus = "assessed"
	RequestAutoApproved  RequestStatus = "auto_approved"
	RequestPendingReview RequestStatus = "pending_review"
	RequestAutoRejected  RequestStatus = "auto_rejected"
	RequestApproved      RequestStatus = "approved"
	RequestRejected      RequestStatus = "rejected"
)

// IsTerminal reports whether the request can no longer change.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestAutoApproved, RequestAutoRejected, RequestApproved, RequestRejected:
		return true
	}
	return false
}

// ManualMethod is a non-networked payment instrument.
type ManualMethod string

const (
	ManualBankTransfer ManualMethod = "bank_transfer"
	ManualCash         ManualMethod = "cash"
	ManualCheque       ManualMethod = "cheque"
)

// PaymentRequest is a manual payment awaiting automated or human approval.
type PaymentRequest struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	SubmittedBy   string          `json:"submittedBy"`
	CustomerID    string          `json:"customerId,omitempty"`
	Reference     string          `json:"reference"`
	Amount        Money           `json:"amount"`
	Method        ManualMethod    `json:"method"`
	PayerName     string          `json:"payerName,omitempty"`
	AccountNumber *EncryptedField `json:"-"`
	AccountLast4  string          `json:"accountLast4,omitempty"`
	Status        RequestStatus   `json:"status"`
	AssessmentID  string          `json:"assessmentId,omitempty"`
	TicketID      string          `json:"ticketId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// TicketStatus is the state of an approval ticket.
type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketAssigned TicketStatus = "assigned"
	TicketApproved TicketStatus = "approved"
	TicketRejected TicketStatus = "rejected"
)

// IsClosed reports whether a decision has been recorded.
func (s TicketStatus) IsClosed() bool {
	return s == TicketApproved || s == TicketRejected
}

// TicketPriority orders the review queue.
type TicketPriority string

const (
	PriorityLow    TicketPriority = "low"
	PriorityNormal TicketPriority = "normal"
	PriorityHigh   TicketPriority = "high"
	PriorityUrgent TicketPriority = "urgent"
)

// PriorityFor maps a risk level to a review priority.
func PriorityFor(level RiskLevel) TicketPriority {
	switch level {
	case RiskCritical:
		return PriorityUrgent
	case RiskHigh:
		return PriorityHigh
	case RiskMedium:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// ApprovalTicket is a human-reviewable work item. One per subject, closed exactly once.
type ApprovalTicket struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	SubjectType   SubjectType    `json:"subjectType"`
	SubjectID     string         `json:"subjectId"`
	AssessmentID  string         `json:"assessmentId,omitempty"`
	AssignedTo    string         `json:"assignedTo,omitempty"`
	Priority      TicketPriority `json:"priority"`
	Status        TicketStatus   `json:"status"`
	DecisionNotes string         `json:"decisionNotes,omitempty"`
	DecidedBy     string         `json:"decidedBy,omitempty"`
	DecidedAt     *time.Time     `json:"decidedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// AuditEntry is an append-only record of a decision or key lifecycle event.
type AuditEntry struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	SubjectType string    `json:"subjectType"`
	SubjectID   string    `json:"subjectId"`
	ActorID     string    `json:"actorId"`
	ActorRole   Role      `json:"actorRole,omitempty"`
	Action      string    `json:"action"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SystemTenantID owns records that are not scoped to a tenant, such as key lifecycle audits.
const SystemTenantID = "_system"
