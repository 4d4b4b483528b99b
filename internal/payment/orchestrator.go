// Package payment owns the transaction state machine: it assesses risk,
// routes charges to providers with retry and failover, holds risky payments
// for review, refunds, and applies provider callbacks.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/notify"
	"github.com/opensource-finance/talon/internal/provider"
	"github.com/opensource-finance/talon/internal/risk"
)

var tracer = otel.Tracer("talon-payment")

// metaTicketID links a held payment to its review ticket.
const metaTicketID = "review_ticket_id"

// Store is the persistence the orchestrator needs.
type Store interface {
	domain.TransactionRepository
	GetRiskAssessment(ctx context.Context, tenantID string, id string) (*domain.RiskAssessment, error)
}

// Assessor scores a payment before it is charged.
type Assessor interface {
	Assess(ctx context.Context, in *risk.Input) (*domain.RiskAssessment, error)
}

// Vault encrypts and decrypts sensitive method data.
type Vault interface {
	Seal(ctx context.Context, purpose domain.KeyPurpose, plaintext []byte) (*domain.EncryptedField, error)
	Open(ctx context.Context, field *domain.EncryptedField) ([]byte, error)
}

// Converter prices amounts across currencies.
type Converter interface {
	Convert(ctx context.Context, m domain.Money, to string) (domain.Money, decimal.Decimal, error)
	ToUSD(ctx context.Context, m domain.Money) (decimal.Decimal, error)
}

// ReviewQueue opens a human review ticket for a held payment.
type ReviewQueue interface {
	EnqueueTransaction(ctx context.Context, tx *domain.Transaction, a *domain.RiskAssessment) (*domain.ApprovalTicket, error)
}

// Notifier delivers fire-and-forget notifications.
type Notifier interface {
	Notify(ctx context.Context, tenantID, topic string, evt notify.Event)
}

// Deps are the orchestrator's collaborators. Cache and Notifier are optional.
type Deps struct {
	Store     Store
	Providers *provider.Registry
	Risk      Assessor
	Vault     Vault
	FX        Converter
	Cache     domain.Cache
	Notifier  Notifier

	// Routes maps a tenant to its provider preference order. Order is the
	// fallback for tenants without a route.
	Routes map[string][]string
	Order  []string
}

// Orchestrator drives payments and refunds through the state machine.
type Orchestrator struct {
	store     Store
	providers *provider.Registry
	risk      Assessor
	vault     Vault
	fx        Converter
	cache     domain.Cache
	notifier  Notifier
	review    ReviewQueue
	routes    map[string][]string
	order     []string
	cfg       domain.PaymentConfig
	locks     *keyedMutex
	now       func() time.Time
}

// New creates an orchestrator.
func New(deps Deps, cfg domain.PaymentConfig) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("payment store is required")
	case deps.Providers == nil:
		return nil, fmt.Errorf("provider registry is required")
	case deps.Risk == nil:
		return nil, fmt.Errorf("risk assessor is required")
	case deps.Vault == nil:
		return nil, fmt.Errorf("vault is required")
	case deps.FX == nil:
		return nil, fmt.Errorf("fx converter is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}

	return &Orchestrator{
		store:     deps.Store,
		providers: deps.Providers,
		risk:      deps.Risk,
		vault:     deps.Vault,
		fx:        deps.FX,
		cache:     deps.Cache,
		notifier:  deps.Notifier,
		routes:    deps.Routes,
		order:     deps.Order,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		now:       time.Now,
	}, nil
}

// SetReviewQueue installs the queue held payments are sent to.
// It must be called before the orchestrator serves traffic.
func (o *Orchestrator) SetReviewQueue(q ReviewQueue) {
	o.review = q
}

// ProcessPayment validates, assesses and, when allowed, charges a payment.
// A repeated idempotency key returns the earlier result without touching a
// provider; the same key with a different amount is a conflict. Business
// outcomes such as a decline or a risk rejection are reported in the result;
// the error is reserved for requests that could not be processed at all.
func (o *Orchestrator) ProcessPayment(ctx context.Context, cmd *PaymentCommand) (*domain.TransactionResult, error) {
	ctx, span := tracer.Start(ctx, "payment.Process")
	defer span.End()

	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.ProviderID != "" {
		if _, ok := o.providers.Get(cmd.ProviderID); !ok {
			return nil, domain.Errorf(domain.KindValidation, "unknown provider %q", cmd.ProviderID)
		}
	}
	span.SetAttributes(attribute.String("tenant_id", cmd.TenantID))

	unlock := o.locks.Lock(idempotencyLock(cmd.TenantID, cmd.IdempotencyKey))
	defer unlock()

	prior, err := o.replay(ctx, cmd.TenantID, cmd.IdempotencyKey, domain.KindPayment, "", &cmd.Amount)
	if err != nil || prior != nil {
		return prior, err
	}

	secret := []byte(digits(cmd.Method.Number))
	defer zero(secret)
	if len(secret) == 0 {
		secret = nil
	}

	tx, err := o.newPayment(ctx, cmd, secret)
	if err != nil {
		return nil, err
	}
	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			// Another instance won the race for this key.
			return o.replay(ctx, cmd.TenantID, cmd.IdempotencyKey, domain.KindPayment, "", &cmd.Amount)
		}
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	span.SetAttributes(attribute.String("tx_id", tx.ID))

	slog.Info("payment received",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"amount", tx.Requested.String(),
		"method", tx.Method.Type,
		"last4", tx.Method.Last4,
	)
	o.notify(ctx, domain.TopicPaymentSubmitted, tx)

	txUnlock := o.locks.Lock(tx.ID)
	defer txUnlock()

	res, err := o.assessAndCharge(ctx, tx, cmd, secret)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payment processing failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("status", string(res.Status)))
	o.remember(ctx, tx, res)
	return res, nil
}

// GetPaymentStatus returns the current state of a payment or refund.
func (o *Orchestrator) GetPaymentStatus(ctx context.Context, tenantID, txID string) (*domain.TransactionResult, error) {
	if tenantID == "" {
		return nil, domain.Errorf(domain.KindValidation, "tenant is required")
	}
	tx, err := o.store.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", txID, err)
	}
	return o.result(ctx, tx), nil
}

func (o *Orchestrator) newPayment(ctx context.Context, cmd *PaymentCommand, secret []byte) (*domain.Transaction, error) {
	now := o.now().UTC()
	tx := &domain.Transaction{
		ID:             uuid.New().String(),
		TenantID:       cmd.TenantID,
		Kind:           domain.KindPayment,
		CustomerID:     cmd.CustomerID,
		IdempotencyKey: cmd.IdempotencyKey,
		Amount:         cmd.Amount,
		Requested:      cmd.Amount,
		FXRate:         decimal.NewFromInt(1),
		Method: domain.PaymentMethod{
			Type:    cmd.Method.Type,
			Brand:   cmd.Method.Brand,
			Country: cmd.Method.Country,
			Token:   cmd.Method.Token,
		},
		ProviderID: cmd.ProviderID,
		Status:     domain.StatusReceived,
		Metadata:   make(map[string]string, len(cmd.Metadata)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for k, v := range cmd.Metadata {
		if k != metaTicketID {
			tx.Metadata[k] = v
		}
	}

	if cmd.SettlementCurrency != "" && cmd.SettlementCurrency != cmd.Amount.Currency {
		converted, rate, err := o.fx.Convert(ctx, cmd.Amount, cmd.SettlementCurrency)
		if err != nil {
			return nil, err
		}
		tx.Amount = converted
		tx.FXRate = rate
	}

	if secret != nil {
		field, err := o.vault.Seal(ctx, domain.PurposePaymentMethod, secret)
		if err != nil {
			return nil, fmt.Errorf("failed to protect payment method: %w", err)
		}
		tx.Method.Sensitive = field
		tx.Method.Last4 = last4(string(secret))
		tx.Method.Fingerprint = risk.Fingerprint(string(secret))
	}
	return tx, nil
}

func (o *Orchestrator) assessAndCharge(ctx context.Context, tx *domain.Transaction, cmd *PaymentCommand, secret []byte) (*domain.TransactionResult, error) {
	amountUSD, err := o.fx.ToUSD(ctx, tx.Requested)
	if err != nil {
		slog.Error("fx rate unavailable", "tx_id", tx.ID, "error", err)
		return o.fail(ctx, tx, "", domain.KindInternal, "exchange rate unavailable", nil)
	}

	country := cmd.Country
	if country == "" {
		country = cmd.Method.Country
	}
	a, err := o.risk.Assess(ctx, &risk.Input{
		TenantID:      tx.TenantID,
		SubjectType:   domain.SubjectTransaction,
		SubjectID:     tx.ID,
		Amount:        tx.Requested,
		AmountUSD:     amountUSD,
		CrossCurrency: tx.Amount.Currency != tx.Requested.Currency,
		Method:        tx.Method.Type,
		Country:       country,
		CustomerID:    tx.CustomerID,
		DeviceID:      cmd.DeviceID,
		IP:            cmd.IP,
		Email:         cmd.Email,
		At:            tx.CreatedAt,
	})
	if err != nil {
		slog.Error("risk assessment failed", "tx_id", tx.ID, "tenant_id", tx.TenantID, "error", err)
		return o.fail(ctx, tx, "", domain.KindInternal, "risk assessment unavailable", nil)
	}

	if err := o.transition(ctx, tx, domain.StatusRiskAssessed, func(t *domain.Transaction) {
		t.RiskAssessmentID = a.ID
	}); err != nil {
		return nil, err
	}

	switch {
	case a.Recommendation == domain.RecommendReject:
		return o.fail(ctx, tx, "", domain.KindFraudRejected, "rejected by risk assessment", a)
	case a.NeedsReview():
		return o.hold(ctx, tx, a)
	}
	return o.charge(ctx, tx, secret, a)
}

// hold parks a payment for human review. It is never charged automatically.
func (o *Orchestrator) hold(ctx context.Context, tx *domain.Transaction, a *domain.RiskAssessment) (*domain.TransactionResult, error) {
	if err := o.transition(ctx, tx, domain.StatusPendingReview, nil); err != nil {
		return nil, err
	}

	o.openReview(ctx, tx, a)

	slog.Info("payment held for review",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"score", a.Score,
		"level", a.Level,
	)
	return resultWith(tx, a), nil
}

// openReview queues a held payment for a reviewer and links the ticket.
// When the queue is unavailable the payment is flagged for replay and a
// resubmission of its idempotency key tries again.
func (o *Orchestrator) openReview(ctx context.Context, tx *domain.Transaction, a *domain.RiskAssessment) {
	if o.review == nil || tx.Metadata[metaTicketID] != "" {
		return
	}

	next := *tx
	next.Metadata = make(map[string]string, len(tx.Metadata)+1)
	for k, v := range tx.Metadata {
		next.Metadata[k] = v
	}

	ticket, err := o.review.EnqueueTransaction(ctx, tx, a)
	if err != nil {
		slog.Error("failed to open review ticket", "tx_id", tx.ID, "tenant_id", tx.TenantID, "error", err)
		if tx.NeedsReplay {
			return
		}
		next.NeedsReplay = true
	} else {
		next.Metadata[metaTicketID] = ticket.ID
		next.NeedsReplay = false
	}

	if err := o.store.UpdateTransaction(ctx, &next); err != nil {
		slog.Warn("failed to link review ticket", "tx_id", tx.ID, "error", err)
		return
	}
	*tx = next
}

// reviewPending retries the ticket of a held payment that has none.
func (o *Orchestrator) reviewPending(ctx context.Context, tx *domain.Transaction) *domain.Transaction {
	if o.review == nil || tx.Kind != domain.KindPayment || tx.Status != domain.StatusPendingReview || tx.Metadata[metaTicketID] != "" {
		return tx
	}

	unlock := o.locks.Lock(tx.ID)
	defer unlock()

	fresh, err := o.store.GetTransaction(ctx, tx.TenantID, tx.ID)
	if err != nil {
		return tx
	}
	if fresh.Status != domain.StatusPendingReview || fresh.RiskAssessmentID == "" {
		return fresh
	}
	a, err := o.store.GetRiskAssessment(ctx, fresh.TenantID, fresh.RiskAssessmentID)
	if err != nil {
		slog.Warn("cannot reopen review without assessment", "tx_id", fresh.ID, "error", err)
		return fresh
	}
	o.openReview(ctx, fresh, a)
	return fresh
}

// transition moves tx to a new status with a compare-and-swap write.
// On failure tx is left unchanged.
func (o *Orchestrator) transition(ctx context.Context, tx *domain.Transaction, to domain.TransactionStatus, mutate func(*domain.Transaction)) error {
	from := tx.Status
	if !domain.CanTransition(tx.Kind, from, to) {
		return domain.Errorf(domain.KindInvalidTransition, "%s %s cannot move from %s to %s", tx.Kind, tx.ID, from, to)
	}

	next := *tx
	next.Status = to
	if mutate != nil {
		mutate(&next)
	}
	if err := o.store.UpdateTransaction(ctx, &next); err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			return domain.WrapError(domain.KindConflict, err, "transaction was modified concurrently")
		}
		return fmt.Errorf("failed to move %s to %s: %w", tx.ID, to, err)
	}
	*tx = next

	slog.Info("transaction transitioned",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"kind", tx.Kind,
		"from", from,
		"to", to,
	)
	return nil
}

// fail resolves tx to failed, optionally through an intermediate provider status.
func (o *Orchestrator) fail(ctx context.Context, tx *domain.Transaction, via domain.TransactionStatus, kind domain.ErrorKind, reason string, a *domain.RiskAssessment) (*domain.TransactionResult, error) {
	ctx = context.WithoutCancel(ctx)
	setFailure := func(t *domain.Transaction) {
		t.FailureKind = kind
		t.FailureReason = reason
		t.NeedsReplay = false
	}
	if via != "" {
		if err := o.transition(ctx, tx, via, setFailure); err != nil {
			return nil, err
		}
	}
	if err := o.transition(ctx, tx, domain.StatusFailed, setFailure); err != nil {
		return nil, err
	}

	slog.Warn("transaction failed",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"kind", tx.Kind,
		"failure_kind", kind,
		"reason", reason,
	)
	o.notify(ctx, domain.TopicPaymentFailed, tx)
	return resultWith(tx, a), nil
}

type idempotencyRecord struct {
	TransactionID string                    `json:"transactionId"`
	Amount        string                    `json:"amount"`
	Currency      string                    `json:"currency"`
	Result        *domain.TransactionResult `json:"result"`
}

// replay returns the earlier result for key, nil when the key is unused, or
// a conflict when the key was used for a different request.
func (o *Orchestrator) replay(ctx context.Context, tenantID, key string, kind domain.TransactionKind, parentID string, amount *domain.Money) (*domain.TransactionResult, error) {
	if rec := o.recall(ctx, tenantID, key); rec != nil {
		if amount != nil && (rec.Currency != amount.Currency || !decimal.RequireFromString(rec.Amount).Equal(amount.Amount)) {
			return nil, domain.Errorf(domain.KindConflict, "idempotency key was used for a different request")
		}
		if rec.Result.Status.IsTerminal() {
			return rec.Result, nil
		}
		if tx, err := o.store.GetTransaction(ctx, tenantID, rec.TransactionID); err == nil {
			return o.result(ctx, o.reviewPending(ctx, tx)), nil
		}
	}

	tx, err := o.store.GetTransactionByIdempotencyKey(ctx, tenantID, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	if tx.Kind != kind || (parentID != "" && tx.ParentID != parentID) {
		return nil, domain.Errorf(domain.KindConflict, "idempotency key was used for a different request")
	}
	if amount != nil && !tx.Requested.Equal(*amount) {
		return nil, domain.Errorf(domain.KindConflict, "idempotency key was used for a different request")
	}

	slog.Debug("idempotent replay", "tx_id", tx.ID, "tenant_id", tenantID)
	return o.result(ctx, o.reviewPending(ctx, tx)), nil
}

func (o *Orchestrator) recall(ctx context.Context, tenantID, key string) *idempotencyRecord {
	if o.cache == nil {
		return nil
	}
	data, err := o.cache.Get(ctx, tenantID, "idem:"+key)
	if err != nil || data == nil {
		return nil
	}
	var rec idempotencyRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Result == nil {
		return nil
	}
	if _, err := decimal.NewFromString(rec.Amount); err != nil {
		return nil
	}
	return &rec
}

func (o *Orchestrator) remember(ctx context.Context, tx *domain.Transaction, res *domain.TransactionResult) {
	if o.cache == nil {
		return
	}
	data, err := json.Marshal(idempotencyRecord{
		TransactionID: tx.ID,
		Amount:        tx.Requested.Amount.String(),
		Currency:      tx.Requested.Currency,
		Result:        res,
	})
	if err != nil {
		return
	}
	if err := o.cache.Set(ctx, tx.TenantID, "idem:"+tx.IdempotencyKey, data, o.cfg.IdempotencyTTL); err != nil {
		slog.Warn("failed to cache result", "tx_id", tx.ID, "error", err)
	}
}

// result projects tx, loading its assessment for the score.
func (o *Orchestrator) result(ctx context.Context, tx *domain.Transaction) *domain.TransactionResult {
	var a *domain.RiskAssessment
	if tx.RiskAssessmentID != "" {
		loaded, err := o.store.GetRiskAssessment(ctx, tx.TenantID, tx.RiskAssessmentID)
		if err != nil {
			slog.Debug("assessment unavailable", "tx_id", tx.ID, "error", err)
		} else {
			a = loaded
		}
	}
	return resultWith(tx, a)
}

func resultWith(tx *domain.Transaction, a *domain.RiskAssessment) *domain.TransactionResult {
	res := tx.Result()
	res.TicketID = tx.Metadata[metaTicketID]
	if a != nil {
		res.RiskScore = a.Score
		res.RiskLevel = a.Level
	}
	return res
}

func (o *Orchestrator) notify(ctx context.Context, topic string, tx *domain.Transaction) {
	if o.notifier == nil {
		return
	}
	evt := notify.Event{
		SubjectID: tx.ID,
		Status:    string(tx.Status),
		Amount:    tx.Amount.Amount.StringFixed(2),
		Currency:  tx.Amount.Currency,
		Reason:    tx.FailureReason,
		Data:      map[string]string{"kind": string(tx.Kind)},
	}
	if tx.ParentID != "" {
		evt.Data["parent_id"] = tx.ParentID
	}
	o.notifier.Notify(ctx, tx.TenantID, topic, evt)
}

func idempotencyLock(tenantID, key string) string {
	return "idem:" + tenantID + ":" + key
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
