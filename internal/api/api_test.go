package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/talon/internal/approval"
	"github.com/opensource-finance/talon/internal/bus"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/payment"
	"github.com/opensource-finance/talon/internal/provider"
	"github.com/opensource-finance/talon/internal/risk"
	"github.com/opensource-finance/talon/internal/webhook"
	"github.com/opensource-finance/talon/internal/worker"
)

type fakePayments struct {
	mu     sync.Mutex
	last   *payment.PaymentCommand
	refund *payment.RefundCommand
	status domain.TransactionStatus
	err    error
}

func (f *fakePayments) ProcessPayment(_ context.Context, cmd *payment.PaymentCommand) (*domain.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = cmd
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == "" {
		status = domain.StatusCaptured
	}
	return &domain.TransactionResult{TransactionID: "tx-1", TenantID: cmd.TenantID, Status: status, Amount: cmd.Amount}, nil
}

func (f *fakePayments) ProcessRefund(_ context.Context, cmd *payment.RefundCommand) (*domain.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refund = cmd
	if f.err != nil {
		return nil, f.err
	}
	return &domain.TransactionResult{TransactionID: "rf-1", Kind: domain.KindRefund, Status: domain.StatusSettled}, nil
}

func (f *fakePayments) GetPaymentStatus(_ context.Context, tenantID, txID string) (*domain.TransactionResult, error) {
	if txID != "tx-1" {
		return nil, domain.ErrNotFound
	}
	return &domain.TransactionResult{TransactionID: txID, TenantID: tenantID, Status: domain.StatusCaptured}, nil
}

type fakeApprovals struct {
	mu        sync.Mutex
	actor     domain.Actor
	notes     string
	approved  *bool
	duplicate bool
}

func (f *fakeApprovals) Submit(_ context.Context, actor domain.Actor, cmd *approval.ManualPaymentCommand) (*approval.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actor = actor
	return &approval.Submission{
		Request: &domain.PaymentRequest{
			ID: "pr-1", TenantID: actor.TenantID, SubmittedBy: actor.ID,
			Reference: cmd.Reference, Amount: cmd.Amount, Method: cmd.Method,
			Status: domain.RequestAutoApproved,
		},
		Duplicate: f.duplicate,
	}, nil
}

func (f *fakeApprovals) GetRequest(_ context.Context, tenantID, id string) (*domain.PaymentRequest, error) {
	return &domain.PaymentRequest{ID: id, TenantID: tenantID}, nil
}

func (f *fakeApprovals) decide(actor domain.Actor, approved bool, notes string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actor = actor
	f.notes = notes
	f.approved = &approved
}

func (f *fakeApprovals) Approve(_ context.Context, actor domain.Actor, id, notes string) (*domain.PaymentRequest, error) {
	f.decide(actor, true, notes)
	return &domain.PaymentRequest{ID: id, Status: domain.RequestApproved}, nil
}

func (f *fakeApprovals) Reject(_ context.Context, actor domain.Actor, id, notes string) (*domain.PaymentRequest, error) {
	f.decide(actor, false, notes)
	return &domain.PaymentRequest{ID: id, Status: domain.RequestRejected}, nil
}

func (f *fakeApprovals) DecideTicket(_ context.Context, actor domain.Actor, id string, approved bool, notes string) (*domain.ApprovalTicket, error) {
	f.decide(actor, approved, notes)
	if !actor.Role.CanDecide() {
		return nil, domain.Errorf(domain.KindForbidden, "role cannot decide")
	}
	return &domain.ApprovalTicket{ID: id, Status: domain.TicketApproved}, nil
}

func (f *fakeApprovals) Assign(_ context.Context, _ domain.Actor, id, reviewer string) (*domain.ApprovalTicket, error) {
	return &domain.ApprovalTicket{ID: id, AssignedTo: reviewer, Status: domain.TicketAssigned}, nil
}

func (f *fakeApprovals) ListTickets(_ context.Context, tenantID string, status domain.TicketStatus) ([]*domain.ApprovalTicket, error) {
	if status == "bogus" {
		return nil, domain.Errorf(domain.KindValidation, "unknown ticket status")
	}
	return []*domain.ApprovalTicket{{ID: "t-1", TenantID: tenantID, Status: domain.TicketPending}}, nil
}

type fakeWebhooks struct {
	mu      sync.Mutex
	payload []byte
	header  string
	err     error
	replays []string
}

func (f *fakeWebhooks) Ingest(_ context.Context, providerID string, payload []byte, header string) (*webhook.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payload = payload
	f.header = header
	if f.err != nil {
		return &webhook.Outcome{Reason: domain.MessageOf(f.err)}, f.err
	}
	return &webhook.Outcome{Accepted: true, EventID: "wh-1", Status: string(domain.WebhookProcessed)}, nil
}

func (f *fakeWebhooks) Replay(_ context.Context, id string) (*domain.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replays = append(f.replays, id)
	return &domain.WebhookEvent{ID: id, Status: domain.WebhookRetried}, nil
}

type fakeKeys struct {
	rotated []domain.KeyPurpose
}

func (f *fakeKeys) Rotate(_ context.Context, purpose domain.KeyPurpose) (*domain.EncryptionKey, error) {
	f.rotated = append(f.rotated, purpose)
	return &domain.EncryptionKey{ID: "key-2", Purpose: purpose, Status: domain.KeyActive}, nil
}

func (f *fakeKeys) Keys() []domain.EncryptionKey {
	return []domain.EncryptionKey{{ID: "key-1", Purpose: domain.PurposePaymentMethod, Status: domain.KeyActive}}
}

type fakeRisk struct {
	entries []*domain.BlacklistEntry
}

func (f *fakeRisk) AssessLogin(_ context.Context, attempt *risk.LoginAttempt) (*domain.RiskAssessment, error) {
	return &domain.RiskAssessment{ID: "ra-1", TenantID: attempt.TenantID, SubjectType: domain.SubjectLogin, Level: domain.RiskLow}, nil
}

func (f *fakeRisk) AddBlacklist(_ context.Context, entry *domain.BlacklistEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeRules struct {
	saved []*domain.RuleConfig
}

func (f *fakeRules) Validate(cfg *domain.RuleConfig) error {
	if cfg.Expression == "not cel (" {
		return assert.AnError
	}
	return nil
}

func (f *fakeRules) Reload(context.Context, string) (int, error) { return len(f.saved), nil }

func (f *fakeRules) SaveRuleConfig(_ context.Context, _ string, rule *domain.RuleConfig) error {
	f.saved = append(f.saved, rule)
	return nil
}

func (f *fakeRules) ListRuleConfigs(context.Context, string) ([]*domain.RuleConfig, error) {
	return f.saved, nil
}

type testServer struct {
	server    *Server
	payments  *fakePayments
	approvals *fakeApprovals
	webhooks  *fakeWebhooks
	keys      *fakeKeys
	risk      *fakeRisk
	rules     *fakeRules
}

func newTestServer(commands domain.EventBus) *testServer {
	ts := &testServer{
		payments:  &fakePayments{},
		approvals: &fakeApprovals{},
		webhooks:  &fakeWebhooks{},
		keys:      &fakeKeys{},
		risk:      &fakeRisk{},
		rules:     &fakeRules{},
	}
	ts.server = NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Deps{
		Payments:  ts.payments,
		Approvals: ts.approvals,
		Webhooks:  ts.webhooks,
		Risk:      ts.risk,
		Rules:     ts.rules,
		RuleStore: ts.rules,
		Keys:      ts.keys,
		Commands:  commands,
		Version:   "test-v1",
	})
	return ts
}

type call struct {
	method  string
	path    string
	body    string
	tenant  string
	actor   string
	role    domain.Role
	headers map[string]string
}

func (ts *testServer) do(c call) *httptest.ResponseRecorder {
	req := httptest.NewRequest(c.method, c.path, bytes.NewBufferString(c.body))
	req.Header.Set("Content-Type", "application/json")
	if c.tenant != "" {
		req.Header.Set(TenantIDHeader, c.tenant)
	}
	if c.actor != "" {
		req.Header.Set(ActorIDHeader, c.actor)
		req.Header.Set(ActorRoleHeader, string(c.role))
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rr, req)
	return rr
}

func errorOf(t *testing.T, rr *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body
}

const paymentBody = `{
	"customerId": "cust-9",
	"amount": "15000.00",
	"currency": "usd",
	"method": {"type": "card", "brand": "visa", "number": "4111 1111 1111 1111"}
}`

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(nil)

	rr := ts.do(call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"version":"test-v1"`)

	rr = ts.do(call{method: http.MethodGet, path: "/ready"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTenantRequired(t *testing.T) {
	ts := newTestServer(nil)

	rr := ts.do(call{method: http.MethodPost, path: "/payments", body: paymentBody})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, domain.KindValidation, errorOf(t, rr).Error.Kind)
	assert.Nil(t, ts.payments.last)
}

func TestCreatePayment(t *testing.T) {
	ts := newTestServer(nil)

	rr := ts.do(call{
		method:  http.MethodPost,
		path:    "/payments",
		body:    paymentBody,
		tenant:  "tenant-001",
		headers: map[string]string{IdempotencyKeyHeader: "order-77"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	cmd := ts.payments.last
	require.NotNil(t, cmd)
	assert.Equal(t, "tenant-001", cmd.TenantID)
	assert.Equal(t, "order-77", cmd.IdempotencyKey)
	assert.True(t, cmd.Amount.Amount.Equal(decimal.RequireFromString("15000.00")))
	assert.Equal(t, "USD", cmd.Amount.Currency)
	assert.Equal(t, payment.MethodCard, cmd.Method.Type)
	assert.Equal(t, "192.0.2.1", cmd.IP)

	var res domain.TransactionResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, "tx-1", res.TransactionID)
	assert.Contains(t, rr.Body.String(), `"amount":"15000"`)
}

func TestHeldPaymentIsAccepted(t *testing.T) {
	ts := newTestServer(nil)
	ts.payments.status = domain.StatusPendingReview

	rr := ts.do(call{method: http.MethodPost, path: "/payments", body: paymentBody, tenant: "tenant-001"})
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestAmountsMustBeStrings(t *testing.T) {
	ts := newTestServer(nil)

	cases := map[string]string{
		"Number":       `{"amount": 15000.00, "currency": "USD", "method": {"type": "card"}}`,
		"Missing":      `{"currency": "USD", "method": {"type": "card"}}`,
		"NotDecimal":   `{"amount": "fifteen", "currency": "USD", "method": {"type": "card"}}`,
		"UnknownField": `{"amount": "1.00", "currency": "USD", "method": {"type": "card"}, "cvv": "123"}`,
		"BadCurrency":  `{"amount": "1.00", "currency": "DOLLARS", "method": {"type": "card"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := ts.do(call{method: http.MethodPost, path: "/payments", body: body, tenant: "tenant-001"})
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			assert.Equal(t, domain.KindValidation, errorOf(t, rr).Error.Kind)
		})
	}

	rr := ts.do(call{method: http.MethodPost, path: "/payments", body: cases["Number"], tenant: "tenant-001"})
	assert.Equal(t, "amounts must be decimal strings", errorOf(t, rr).Error.Message)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := map[domain.ErrorKind]int{
		domain.KindValidation:        http.StatusBadRequest,
		domain.KindSignatureInvalid:  http.StatusUnauthorized,
		domain.KindFraudRejected:     http.StatusPaymentRequired,
		domain.KindForbidden:         http.StatusForbidden,
		domain.KindNotFound:          http.StatusNotFound,
		domain.KindConflict:          http.StatusConflict,
		domain.KindInvalidTransition: http.StatusUnprocessableEntity,
		domain.KindProviderPermanent: http.StatusBadGateway,
		domain.KindProviderTransient: http.StatusServiceUnavailable,
		domain.KindDecryption:        http.StatusInternalServerError,
	}
	for kind, status := range cases {
		t.Run(string(kind), func(t *testing.T) {
			ts := newTestServer(nil)
			ts.payments.err = domain.WrapError(kind, assert.AnError, "something went wrong")

			rr := ts.do(call{method: http.MethodPost, path: "/payments", body: paymentBody, tenant: "tenant-001"})
			assert.Equal(t, status, rr.Code)
			body := errorOf(t, rr)
			assert.Equal(t, kind, body.Error.Kind)
			assert.Equal(t, "something went wrong", body.Error.Message)
			assert.NotContains(t, rr.Body.String(), assert.AnError.Error())
		})
	}
}

func TestGetPayment(t *testing.T) {
	ts := newTestServer(nil)

	rr := ts.do(call{method: http.MethodGet, path: "/payments/tx-1", tenant: "tenant-001"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(call{method: http.MethodGet, path: "/payments/missing", tenant: "tenant-001"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateRefund(t *testing.T) {
	ts := newTestServer(nil)

	rr := ts.do(call{
		method: http.MethodPost,
		path:   "/payments/tx-1/refunds",
		body:   `{"idempotencyKey": "rf-key", "amount": "40.00", "currency": "USD", "reason": "damaged"}`,
		tenant: "tenant-001",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	cmd := ts.payments.refund
	assert.Equal(t, "tx-1", cmd.TransactionID)
	assert.Equal(t, "rf-key", cmd.IdempotencyKey)
	assert.True(t, cmd.Amount.Amount.Equal(decimal.NewFromInt(40)))
	assert.False(t, cmd.Full())

	rr = ts.do(call{
		method: http.MethodPost,
		path:   "/payments/tx-1/refunds",
		body:   `{"idempotencyKey": "rf-full"}`,
		tenant: "tenant-001",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, ts.payments.refund.Full())
}

func TestManualPayments(t *testing.T) {
	ts := newTestServer(nil)
	body := `{"reference": "INV-1001", "amount": "120.00", "currency": "USD", "method": "cash"}`

	t.Run("ActorRequired", func(t *testing.T) {
		rr := ts.do(call{method: http.MethodPost, path: "/manual-payments", body: body, tenant: "tenant-001"})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("Submit", func(t *testing.T) {
		rr := ts.do(call{method: http.MethodPost, path: "/manual-payments", body: body,
			tenant: "tenant-001", actor: "clerk-1", role: domain.RoleStaff})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		assert.Equal(t, domain.Actor{TenantID: "tenant-001", ID: "clerk-1", Role: domain.RoleStaff}, ts.approvals.actor)
	})

	t.Run("DuplicateReference", func(t *testing.T) {
		ts.approvals.duplicate = true
		defer func() { ts.approvals.duplicate = false }()
		rr := ts.do(call{method: http.MethodPost, path: "/manual-payments", body: body,
			tenant: "tenant-001", actor: "clerk-1", role: domain.RoleStaff})
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"duplicate":true`)
	})

	t.Run("Approve", func(t *testing.T) {
		rr := ts.do(call{method: http.MethodPost, path: "/manual-payments/pr-1/approve", body: `{"notes": "checked"}`,
			tenant: "tenant-001", actor: "fin-1", role: domain.RoleFinanceAdmin})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.True(t, *ts.approvals.approved)
		assert.Equal(t, "checked", ts.approvals.notes)
	})

	t.Run("RejectWithoutBody", func(t *testing.T) {
		rr := ts.do(call{method: http.MethodPost, path: "/manual-payments/pr-1/reject",
			tenant: "tenant-001", actor: "fin-1", role: domain.RoleFinanceAdmin})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.False(t, *ts.approvals.approved)
	})
}

func TestApprovalTickets(t *testing.T) {
	ts := newTestServer(nil)

	rr := ts.do(call{method: http.MethodGet, path: "/approval-tickets?status=pending",
		tenant: "tenant-001", actor: "fin-1", role: domain.RoleFinanceAdmin})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"count":1`)

	rr = ts.do(call{method: http.MethodGet, path: "/approval-tickets?status=bogus",
		tenant: "tenant-001", actor: "fin-1", role: domain.RoleFinanceAdmin})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(call{method: http.MethodPost, path: "/approval-tickets/t-1/assign", body: `{"reviewer": "fin-2"}`,
		tenant: "tenant-001", actor: "admin-1", role: domain.RoleAdmin})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"fin-2"`)

	rr = ts.do(call{method: http.MethodPost, path: "/approval-tickets/t-1/approve",
		tenant: "tenant-001", actor: "clerk-1", role: domain.RoleStaff})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(call{method: http.MethodPost, path: "/approval-tickets/t-1/approve",
		tenant: "tenant-001", actor: "fin-1", role: domain.RoleFinanceAdmin})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestIngestWebhook(t *testing.T) {
	ts := newTestServer(nil)
	payload := `{"id":"evt-42","type":"payment.settled","created":1700000000,"data":{"reference":"p1_ch_000001"}}`

	rr := ts.do(call{
		method:  http.MethodPost,
		path:    "/webhooks/p1",
		body:    payload,
		headers: map[string]string{provider.SignatureHeader: "t=1700000000,v1=abc"},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, payload, string(ts.webhooks.payload))
	assert.Equal(t, "t=1700000000,v1=abc", ts.webhooks.header)

	ts.webhooks.err = domain.Errorf(domain.KindSignatureInvalid, "signature mismatch")
	rr = ts.do(call{method: http.MethodPost, path: "/webhooks/p1", body: payload})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	ts := newTestServer(nil)

	rr := ts.do(call{method: http.MethodGet, path: "/rules", tenant: "tenant-001", actor: "fin-1", role: domain.RoleFinanceAdmin})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(call{method: http.MethodPost, path: "/blacklist", body: `{"kind": "account", "value": "1111111111"}`,
		tenant: "tenant-001", actor: "clerk-1", role: domain.RoleStaff})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(call{method: http.MethodPost, path: "/blacklist", body: `{"kind": "account", "value": "1111111111", "reason": "mule"}`,
		tenant: "tenant-001", actor: "fin-1", role: domain.RoleFinanceAdmin})
	assert.Equal(t, http.StatusCreated, rr.Code)
	require.Len(t, ts.risk.entries, 1)
	assert.Equal(t, "tenant-001", ts.risk.entries[0].TenantID)
	assert.NotContains(t, rr.Body.String(), "1111111111")
}

func TestRules(t *testing.T) {
	ts := newTestServer(nil)
	admin := func(c call) call {
		c.tenant, c.actor, c.role = "tenant-001", "admin-1", domain.RoleAdmin
		return c
	}

	rr := ts.do(admin(call{method: http.MethodPost, path: "/rules",
		body: `{"id": "big-eur", "name": "Big EUR", "expression": "currency == 'EUR' && amount > 5000.0", "category": "payment_fraud", "severity": "high", "weight": 1, "enabled": true}`}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Len(t, ts.rules.saved, 1)
	assert.Equal(t, "tenant-001", ts.rules.saved[0].TenantID)

	rr = ts.do(admin(call{method: http.MethodPost, path: "/rules",
		body: `{"id": "broken", "name": "Broken", "expression": "not cel (", "severity": "high", "global": true}`}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Len(t, ts.rules.saved, 1)

	rr = ts.do(admin(call{method: http.MethodGet, path: "/rules"}))
	assert.Contains(t, rr.Body.String(), `"count":1`)

	rr = ts.do(admin(call{method: http.MethodPost, path: "/rules/reload"}))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"loaded":1`)
}

func TestOperatorCommands(t *testing.T) {
	t.Run("InlineWithoutBus", func(t *testing.T) {
		ts := newTestServer(nil)

		rr := ts.do(call{method: http.MethodPost, path: "/keys/manual-payment/rotate",
			tenant: "tenant-001", actor: "admin-1", role: domain.RoleAdmin})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, []domain.KeyPurpose{domain.PurposeManualPayment}, ts.keys.rotated)

		rr = ts.do(call{method: http.MethodPost, path: "/webhooks/events/wh-9/replay",
			tenant: "tenant-001", actor: "admin-1", role: domain.RoleAdmin})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, []string{"wh-9"}, ts.webhooks.replays)

		rr = ts.do(call{method: http.MethodGet, path: "/keys",
			tenant: "tenant-001", actor: "admin-1", role: domain.RoleAdmin})
		assert.Contains(t, rr.Body.String(), `"key-1"`)
	})

	t.Run("QueuedOnBus", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		got := make(chan worker.ReplayMessage, 1)
		_, err := eventBus.Subscribe(context.Background(), worker.ControlTenant, domain.TopicWebhookReplay, func(_ context.Context, msg *domain.Message) error {
			var m worker.ReplayMessage
			if err := json.Unmarshal(msg.Payload, &m); err != nil {
				return err
			}
			got <- m
			return nil
		})
		require.NoError(t, err)

		ts := newTestServer(eventBus)
		rr := ts.do(call{method: http.MethodPost, path: "/webhooks/events/wh-7/replay",
			tenant: "tenant-001", actor: "admin-1", role: domain.RoleAdmin})
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

		select {
		case m := <-got:
			assert.Equal(t, "wh-7", m.EventID)
			assert.Equal(t, "admin-1", m.RequestedBy)
		case <-time.After(2 * time.Second):
			t.Fatal("replay command was not published")
		}
		assert.Empty(t, ts.webhooks.replays)
	})
}

func TestAssessLogin(t *testing.T) {
	ts := newTestServer(nil)

	rr := ts.do(call{method: http.MethodPost, path: "/risk/logins",
		body: `{"userId": "u-1", "country": "NG", "success": true}`, tenant: "tenant-001"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"subjectType":"login"`)
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	preflight := func(h http.Handler, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/payments", nil)
		req.Header.Set("Origin", origin)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	open := preflight(CORSMiddleware(nil)(ok), "https://shop.example")
	assert.Equal(t, http.StatusNoContent, open.Code)
	assert.Equal(t, "*", open.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, open.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, open.Header().Get("Access-Control-Allow-Headers"), IdempotencyKeyHeader)

	restricted := CORSMiddleware([]string{"https://console.example/"})(ok)
	allowed := preflight(restricted, "https://console.example")
	assert.Equal(t, "https://console.example", allowed.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", allowed.Header().Get("Access-Control-Allow-Credentials"))

	denied := preflight(restricted, "https://evil.example")
	assert.Empty(t, denied.Header().Get("Access-Control-Allow-Origin"))
}

func TestTraceparentIsContinued(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	ts := newTestServer(nil)
	rr := ts.do(call{method: http.MethodGet, path: "/health", headers: map[string]string{
		"traceparent":   "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		RequestIDHeader: "req-42",
	}})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rr.Header().Get(TraceIDHeader))
	assert.Equal(t, "req-42", rr.Header().Get(RequestIDHeader))
}
