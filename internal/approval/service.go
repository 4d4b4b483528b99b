// Package approval runs the manual payment workflow: submissions are
// assessed automatically and risky ones wait on a ticket for a finance
// reviewer. It also serves as the review queue for held card payments.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/notify"
	"github.com/opensource-finance/talon/internal/risk"
)

// systemActor signs automated decisions in the audit trail.
const systemActor = "system"

// Assessor scores a manual payment.
type Assessor interface {
	Assess(ctx context.Context, in *risk.Input) (*domain.RiskAssessment, error)
}

// Sealer encrypts account numbers.
type Sealer interface {
	Seal(ctx context.Context, purpose domain.KeyPurpose, plaintext []byte) (*domain.EncryptedField, error)
}

// Converter values amounts in USD for the risk thresholds.
type Converter interface {
	ToUSD(ctx context.Context, m domain.Money) (decimal.Decimal, error)
}

// Resolver resumes a held card payment once its ticket is decided.
type Resolver interface {
	ResolveReview(ctx context.Context, tenantID, txID string, approved bool) (*domain.TransactionResult, error)
}

// Notifier delivers fire-and-forget notifications.
type Notifier interface {
	Notify(ctx context.Context, tenantID, topic string, evt notify.Event)
}

// Deps wires a Service. Resolver and Notifier are optional.
type Deps struct {
	Repo     domain.ApprovalRepository
	Audit    domain.AuditRepository
	Risk     Assessor
	Vault    Sealer
	FX       Converter
	Resolver Resolver
	Notifier Notifier
}

// Service implements the approval workflow.
type Service struct {
	repo     domain.ApprovalRepository
	audit    domain.AuditRepository
	risk     Assessor
	vault    Sealer
	fx       Converter
	resolver Resolver
	notifier Notifier
	now      func() time.Time
}

// NewService creates the workflow service.
func NewService(deps Deps) (*Service, error) {
	if deps.Repo == nil || deps.Audit == nil || deps.Risk == nil || deps.Vault == nil || deps.FX == nil {
		return nil, fmt.Errorf("approval repository, audit, risk, vault and fx are required")
	}
	return &Service{
		repo:     deps.Repo,
		audit:    deps.Audit,
		risk:     deps.Risk,
		vault:    deps.Vault,
		fx:       deps.FX,
		resolver: deps.Resolver,
		notifier: deps.Notifier,
		now:      time.Now,
	}, nil
}

// SetResolver installs the orchestrator that resumes held payments.
func (s *Service) SetResolver(r Resolver) {
	s.resolver = r
}

// ManualPaymentCommand is a manual payment as submitted by staff.
type ManualPaymentCommand struct {
	CustomerID    string              `json:"customerId,omitempty"`
	Reference     string              `json:"reference"`
	Amount        domain.Money        `json:"amount"`
	Method        domain.ManualMethod `json:"method"`
	PayerName     string              `json:"payerName,omitempty"`
	AccountNumber string              `json:"accountNumber,omitempty"`
	Country       string              `json:"country,omitempty"`
	DeviceID      string              `json:"deviceId,omitempty"`
	IP            string              `json:"ip,omitempty"`
}

// Submission is the outcome of Submit.
type Submission struct {
	Request    *domain.PaymentRequest `json:"request"`
	Assessment *domain.RiskAssessment `json:"assessment,omitempty"`
	Ticket     *domain.ApprovalTicket `json:"ticket,omitempty"`
	Duplicate  bool                   `json:"duplicate"`
}

func (c *ManualPaymentCommand) validate() error {
	if c.Reference == "" {
		return domain.Errorf(domain.KindValidation, "reference is required")
	}
	if len(c.Reference) > 128 {
		return domain.Errorf(domain.KindValidation, "reference is longer than 128 characters")
	}
	if err := c.Amount.Validate(); err != nil {
		return err
	}
	switch c.Method {
	case domain.ManualBankTransfer:
		if len(accountDigits(c.AccountNumber)) < 4 {
			return domain.Errorf(domain.KindValidation, "bank transfers require an account number")
		}
	case domain.ManualCash, domain.ManualCheque:
	default:
		return domain.Errorf(domain.KindValidation, "unsupported manual payment method %q", c.Method)
	}
	if c.AccountNumber != "" && accountDigits(c.AccountNumber) == "" {
		return domain.Errorf(domain.KindValidation, "account number must be numeric")
	}
	return nil
}

// Submit records a manual payment and assesses it. A reference already used
// by the tenant returns the existing request and never opens a second
// ticket.
func (s *Service) Submit(ctx context.Context, actor domain.Actor, cmd *ManualPaymentCommand) (*Submission, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if err := cmd.validate(); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetPaymentRequestByReference(ctx, actor.TenantID, cmd.Reference)
	switch {
	case err == nil && existing.Status != domain.RequestSubmitted:
		return s.duplicate(ctx, existing)
	case err == nil:
		// A previous attempt stopped before assessment; finish it.
		return s.assess(ctx, actor, existing, cmd)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to check reference: %w", err)
	}

	account := accountDigits(cmd.AccountNumber)
	now := s.now().UTC()
	req := &domain.PaymentRequest{
		ID:          uuid.New().String(),
		TenantID:    actor.TenantID,
		SubmittedBy: actor.ID,
		CustomerID:  cmd.CustomerID,
		Reference:   cmd.Reference,
		Amount:      cmd.Amount,
		Method:      cmd.Method,
		PayerName:   cmd.PayerName,
		Status:      domain.RequestSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if account != "" {
		secret := []byte(account)
		field, err := s.vault.Seal(ctx, domain.PurposeManualPayment, secret)
		zero(secret)
		if err != nil {
			return nil, fmt.Errorf("failed to protect account number: %w", err)
		}
		req.AccountNumber = field
		req.AccountLast4 = last4(account)
	}

	if err := s.repo.CreatePaymentRequest(ctx, req); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			existing, gerr := s.repo.GetPaymentRequestByReference(ctx, actor.TenantID, cmd.Reference)
			if gerr != nil {
				return nil, fmt.Errorf("failed to load duplicate request: %w", gerr)
			}
			return s.duplicate(ctx, existing)
		}
		return nil, fmt.Errorf("failed to save payment request: %w", err)
	}

	slog.Info("manual payment submitted",
		"request_id", req.ID,
		"tenant_id", req.TenantID,
		"reference", req.Reference,
		"amount", req.Amount.String(),
		"method", req.Method,
		"last4", req.AccountLast4,
	)
	s.record(ctx, actor, req.TenantID, string(domain.SubjectManualPayment), req.ID, "manual_payment.submitted", "")
	s.notifyRequest(ctx, domain.TopicManualSubmitted, req)

	return s.assess(ctx, actor, req, cmd)
}

// GetRequest returns one manual payment request.
func (s *Service) GetRequest(ctx context.Context, tenantID, id string) (*domain.PaymentRequest, error) {
	req, err := s.repo.GetPaymentRequest(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment request %s: %w", id, err)
	}
	return req, nil
}

func (s *Service) assess(ctx context.Context, actor domain.Actor, req *domain.PaymentRequest, cmd *ManualPaymentCommand) (*Submission, error) {
	amountUSD, err := s.fx.ToUSD(ctx, req.Amount)
	if err != nil {
		return nil, err
	}

	a, err := s.risk.Assess(ctx, &risk.Input{
		TenantID:      req.TenantID,
		SubjectType:   domain.SubjectManualPayment,
		SubjectID:     req.ID,
		Amount:        req.Amount,
		AmountUSD:     amountUSD,
		Method:        string(req.Method),
		Country:       cmd.Country,
		CustomerID:    req.CustomerID,
		DeviceID:      cmd.DeviceID,
		IP:            cmd.IP,
		AccountNumber: accountDigits(cmd.AccountNumber),
		Reference:     req.Reference,
		UserID:        actor.ID,
		At:            req.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assess payment request %s: %w", req.ID, err)
	}

	req.Status = domain.RequestAssessed
	req.AssessmentID = a.ID
	if err := s.swapRequest(ctx, req, domain.RequestSubmitted); err != nil {
		return nil, err
	}

	sub := &Submission{Request: req, Assessment: a}
	switch {
	case a.Recommendation == domain.RecommendReject:
		req.Status = domain.RequestAutoRejected
		if err := s.swapRequest(ctx, req, domain.RequestAssessed); err != nil {
			return nil, err
		}
		s.record(ctx, domain.Actor{ID: systemActor}, req.TenantID, string(domain.SubjectManualPayment), req.ID, "manual_payment.auto_rejected", scoreNote(a))
		s.notifyRequest(ctx, domain.TopicManualRejected, req)

	case a.NeedsReview():
		ticket, err := s.openTicket(ctx, req.TenantID, domain.SubjectManualPayment, req.ID, a)
		if err != nil {
			return nil, err
		}
		req.Status = domain.RequestPendingReview
		req.TicketID = ticket.ID
		if err := s.swapRequest(ctx, req, domain.RequestAssessed); err != nil {
			return nil, err
		}
		sub.Ticket = ticket

	default:
		req.Status = domain.RequestAutoApproved
		if err := s.swapRequest(ctx, req, domain.RequestAssessed); err != nil {
			return nil, err
		}
		s.record(ctx, domain.Actor{ID: systemActor}, req.TenantID, string(domain.SubjectManualPayment), req.ID, "manual_payment.auto_approved", scoreNote(a))
		s.notifyRequest(ctx, domain.TopicManualApproved, req)
	}

	slog.Info("manual payment assessed",
		"request_id", req.ID,
		"tenant_id", req.TenantID,
		"status", req.Status,
		"score", a.Score,
		"level", a.Level,
	)
	return sub, nil
}

func (s *Service) duplicate(ctx context.Context, req *domain.PaymentRequest) (*Submission, error) {
	sub := &Submission{Request: req, Duplicate: true}
	if req.TicketID != "" {
		ticket, err := s.repo.GetTicket(ctx, req.TenantID, req.TicketID)
		if err == nil {
			sub.Ticket = ticket
		}
	}
	slog.Info("duplicate manual payment", "request_id", req.ID, "tenant_id", req.TenantID, "reference", req.Reference)
	return sub, nil
}

// openTicket creates the single ticket for a subject, or returns the one
// that already exists.
func (s *Service) openTicket(ctx context.Context, tenantID string, subjectType domain.SubjectType, subjectID string, a *domain.RiskAssessment) (*domain.ApprovalTicket, error) {
	now := s.now().UTC()
	ticket := &domain.ApprovalTicket{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		SubjectType:  subjectType,
		SubjectID:    subjectID,
		AssessmentID: a.ID,
		Priority:     domain.PriorityFor(a.Level),
		Status:       domain.TicketPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateTicket(ctx, ticket); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return s.repo.GetTicketBySubject(ctx, tenantID, subjectType, subjectID)
		}
		return nil, fmt.Errorf("failed to open ticket: %w", err)
	}

	slog.Info("approval ticket opened",
		"ticket_id", ticket.ID,
		"tenant_id", tenantID,
		"subject_type", subjectType,
		"subject_id", subjectID,
		"priority", ticket.Priority,
	)
	s.record(ctx, domain.Actor{ID: systemActor}, tenantID, string(subjectType), subjectID, "ticket.opened", scoreNote(a))
	return ticket, nil
}

func (s *Service) swapRequest(ctx context.Context, req *domain.PaymentRequest, expected domain.RequestStatus) error {
	if err := s.repo.UpdatePaymentRequest(ctx, req, expected); err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			return domain.WrapError(domain.KindConflict, err, "payment request was modified concurrently")
		}
		return fmt.Errorf("failed to update payment request %s: %w", req.ID, err)
	}
	return nil
}

// record appends to the audit trail. Failures are logged.
func (s *Service) record(ctx context.Context, actor domain.Actor, tenantID, subjectType, subjectID, action, notes string) {
	entry := &domain.AuditEntry{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		ActorID:     actor.ID,
		ActorRole:   actor.Role,
		Action:      action,
		Notes:       notes,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.audit.AppendAudit(ctx, entry); err != nil {
		slog.Error("failed to append audit entry", "action", action, "subject_id", subjectID, "error", err)
	}
}

func (s *Service) notifyRequest(ctx context.Context, topic string, req *domain.PaymentRequest) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, req.TenantID, topic, notify.Event{
		SubjectID: req.ID,
		Status:    string(req.Status),
		Amount:    req.Amount.Amount.StringFixed(2),
		Currency:  req.Amount.Currency,
		Data:      map[string]string{"reference": req.Reference},
	})
}

func requireActor(actor domain.Actor) error {
	if actor.TenantID == "" {
		return domain.Errorf(domain.KindValidation, "tenant is required")
	}
	if actor.ID == "" {
		return domain.Errorf(domain.KindValidation, "actor is required")
	}
	return nil
}

func scoreNote(a *domain.RiskAssessment) string {
	return fmt.Sprintf("score=%.1f level=%s", a.Score, a.Level)
}

// accountDigits strips spaces and dashes. Any other non-digit yields "".
func accountDigits(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
			out = append(out, c)
		case c == ' ' || c == '-':
		default:
			return ""
		}
	}
	return string(out)
}

func last4(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
