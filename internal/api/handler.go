package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/talon/internal/approval"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/payment"
	"github.com/opensource-finance/talon/internal/risk"
	"github.com/opensource-finance/talon/internal/webhook"
)

// Payments is the orchestrator surface the API drives.
type Payments interface {
	ProcessPayment(ctx context.Context, cmd *payment.PaymentCommand) (*domain.TransactionResult, error)
	ProcessRefund(ctx context.Context, cmd *payment.RefundCommand) (*domain.TransactionResult, error)
	GetPaymentStatus(ctx context.Context, tenantID, txID string) (*domain.TransactionResult, error)
}

// Approvals is the manual approval workflow.
type Approvals interface {
	Submit(ctx context.Context, actor domain.Actor, cmd *approval.ManualPaymentCommand) (*approval.Submission, error)
	GetRequest(ctx context.Context, tenantID, id string) (*domain.PaymentRequest, error)
	Approve(ctx context.Context, actor domain.Actor, requestID, notes string) (*domain.PaymentRequest, error)
	Reject(ctx context.Context, actor domain.Actor, requestID, notes string) (*domain.PaymentRequest, error)
	DecideTicket(ctx context.Context, actor domain.Actor, ticketID string, approved bool, notes string) (*domain.ApprovalTicket, error)
	Assign(ctx context.Context, actor domain.Actor, ticketID, reviewer string) (*domain.ApprovalTicket, error)
	ListTickets(ctx context.Context, tenantID string, status domain.TicketStatus) ([]*domain.ApprovalTicket, error)
}

// Webhooks ingests and replays provider callbacks.
type Webhooks interface {
	Ingest(ctx context.Context, providerID string, payload []byte, header string) (*webhook.Outcome, error)
	Replay(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
}

// Risk exposes login scoring and blacklist management.
type Risk interface {
	AssessLogin(ctx context.Context, attempt *risk.LoginAttempt) (*domain.RiskAssessment, error)
	AddBlacklist(ctx context.Context, entry *domain.BlacklistEntry) error
}

// Rules compiles and reloads tenant CEL rules.
type Rules interface {
	Validate(cfg *domain.RuleConfig) error
	Reload(ctx context.Context, tenantID string) (int, error)
}

// RuleStore persists rule configurations.
type RuleStore interface {
	SaveRuleConfig(ctx context.Context, tenantID string, rule *domain.RuleConfig) error
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*domain.RuleConfig, error)
}

// Keys rotates and lists encryption keys.
type Keys interface {
	Rotate(ctx context.Context, purpose domain.KeyPurpose) (*domain.EncryptionKey, error)
	Keys() []domain.EncryptionKey
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the API. Nil services disable their routes'
// behaviour with 503.
type Deps struct {
	Payments  Payments
	Approvals Approvals
	Webhooks  Webhooks
	Risk      Risk
	Rules     Rules
	RuleStore RuleStore
	Keys      Keys

	// Commands carries operator commands to the worker. When nil they run
	// inline.
	Commands domain.EventBus

	Repo    Pinger
	Cache   Pinger
	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// MethodRequest is the payment instrument in a request body.
type MethodRequest struct {
	Type    string `json:"type"`
	Brand   string `json:"brand,omitempty"`
	Number  string `json:"number,omitempty"`
	Country string `json:"country,omitempty"`
	Token   string `json:"token,omitempty"`
}

// PaymentRequest is the request body for POST /payments.
type PaymentRequest struct {
	IdempotencyKey     string            `json:"idempotencyKey,omitempty"`
	CustomerID         string            `json:"customerId,omitempty"`
	Amount             Amount            `json:"amount"`
	Currency           string            `json:"currency"`
	SettlementCurrency string            `json:"settlementCurrency,omitempty"`
	Method             MethodRequest     `json:"method"`
	ProviderID         string            `json:"providerId,omitempty"`
	DeviceID           string            `json:"deviceId,omitempty"`
	Email              string            `json:"email,omitempty"`
	Country            string            `json:"country,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// RefundRequest is the request body for POST /payments/{id}/refunds.
// A missing amount refunds everything still refundable.
type RefundRequest struct {
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Amount         Amount `json:"amount"`
	Currency       string `json:"currency,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// CreatePayment handles POST /payments.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	if h.deps.Payments == nil {
		writeUnavailable(w, "payments")
		return
	}

	var req PaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := req.Amount.Money(req.Currency)
	if err != nil {
		writeError(w, err)
		return
	}

	cmd := &payment.PaymentCommand{
		TenantID:           GetTenantID(r.Context()),
		IdempotencyKey:     idempotencyKey(r, req.IdempotencyKey),
		CustomerID:         req.CustomerID,
		Amount:             amount,
		SettlementCurrency: strings.ToUpper(req.SettlementCurrency),
		Method: payment.MethodInput{
			Type:    req.Method.Type,
			Brand:   req.Method.Brand,
			Number:  req.Method.Number,
			Country: req.Method.Country,
			Token:   req.Method.Token,
		},
		ProviderID: req.ProviderID,
		DeviceID:   req.DeviceID,
		IP:         clientIP(r),
		Email:      req.Email,
		Country:    req.Country,
		Metadata:   req.Metadata,
	}

	res, err := h.deps.Payments.ProcessPayment(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusForResult(res), res)
}

// GetPayment handles GET /payments/{id}.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	if h.deps.Payments == nil {
		writeUnavailable(w, "payments")
		return
	}

	res, err := h.deps.Payments.GetPaymentStatus(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CreateRefund handles POST /payments/{id}/refunds.
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	if h.deps.Payments == nil {
		writeUnavailable(w, "payments")
		return
	}

	var req RefundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	cmd := &payment.RefundCommand{
		TenantID:       GetTenantID(r.Context()),
		TransactionID:  chi.URLParam(r, "id"),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		Reason:         req.Reason,
	}
	if req.Amount.set {
		amount, err := req.Amount.Money(req.Currency)
		if err != nil {
			writeError(w, err)
			return
		}
		cmd.Amount = amount
	}

	res, err := h.deps.Payments.ProcessRefund(r.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, statusForResult(res), res)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.deps.Cache != nil {
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.deps.Version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo != nil {
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// statusForResult is 202 while the outcome is still open, 200 otherwise.
// Declines and fraud rejections are results, not errors.
func statusForResult(res *domain.TransactionResult) int {
	switch res.Status {
	case domain.StatusPendingReview, domain.StatusCharging:
		return http.StatusAccepted
	}
	return http.StatusOK
}

func idempotencyKey(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get(IdempotencyKeyHeader)
}

// clientIP returns RemoteAddr without its port. middleware.RealIP has
// already replaced it with the forwarded address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeUnavailable(w http.ResponseWriter, what string) {
	var body ErrorBody
	body.Error.Kind = domain.KindInternal
	body.Error.Message = what + " not available"
	writeJSON(w, http.StatusServiceUnavailable, body)
}
