package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/provider"
	"github.com/opensource-finance/talon/internal/retry"
)

// ProcessRefund refunds a captured or settled payment through the provider
// that charged it. The refundable balance is reserved under the payment's
// lock before the provider is called and released if the refund fails.
func (o *Orchestrator) ProcessRefund(ctx context.Context, cmd *RefundCommand) (*domain.TransactionResult, error) {
	ctx, span := tracer.Start(ctx, "payment.Refund")
	defer span.End()

	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tenant_id", cmd.TenantID),
		attribute.String("parent_id", cmd.TransactionID),
	)

	key := "refund:" + cmd.IdempotencyKey
	unlock := o.locks.Lock(idempotencyLock(cmd.TenantID, key))
	defer unlock()

	var requested *domain.Money
	if !cmd.Full() {
		requested = &cmd.Amount
	}
	prior, err := o.replay(ctx, cmd.TenantID, key, domain.KindRefund, cmd.TransactionID, requested)
	if err != nil || prior != nil {
		return prior, err
	}

	parentUnlock := o.locks.Lock(cmd.TransactionID)
	defer parentUnlock()

	parent, err := o.store.GetTransaction(ctx, cmd.TenantID, cmd.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", cmd.TransactionID, err)
	}
	amount, err := refundAmount(parent, cmd)
	if err != nil {
		return nil, err
	}
	adapter, ok := o.providers.Get(parent.ProviderID)
	if !ok {
		return nil, domain.Errorf(domain.KindInternal, "provider %s is not registered", parent.ProviderID)
	}

	parent.RefundedAmount = parent.RefundedAmount.Add(amount)
	if err := o.store.UpdateTransaction(ctx, parent); err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			return nil, domain.WrapError(domain.KindConflict, err, "transaction was modified concurrently")
		}
		return nil, fmt.Errorf("failed to reserve refund: %w", err)
	}

	now := o.now().UTC()
	money := domain.Money{Amount: amount, Currency: parent.Amount.Currency}
	refund := &domain.Transaction{
		ID:             uuid.New().String(),
		TenantID:       parent.TenantID,
		Kind:           domain.KindRefund,
		ParentID:       parent.ID,
		CustomerID:     parent.CustomerID,
		IdempotencyKey: key,
		Amount:         money,
		Requested:      money,
		FXRate:         decimal.NewFromInt(1),
		Method: domain.PaymentMethod{
			Type:    parent.Method.Type,
			Brand:   parent.Method.Brand,
			Last4:   parent.Method.Last4,
			Country: parent.Method.Country,
		},
		ProviderID: parent.ProviderID,
		Status:     domain.StatusReceived,
		Metadata:   map[string]string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if cmd.Reason != "" {
		refund.Metadata["reason"] = cmd.Reason
	}
	if err := o.store.CreateTransaction(ctx, refund); err != nil {
		o.release(ctx, parent, amount)
		if errors.Is(err, domain.ErrDuplicate) {
			return o.replay(ctx, cmd.TenantID, key, domain.KindRefund, cmd.TransactionID, requested)
		}
		return nil, fmt.Errorf("failed to create refund: %w", err)
	}
	span.SetAttributes(attribute.String("tx_id", refund.ID))

	if err := o.transition(ctx, refund, domain.StatusCharging, nil); err != nil {
		o.release(ctx, parent, amount)
		return nil, err
	}

	var result *provider.ChargeResult
	err = retry.Do(ctx, o.cfg.Retry, isTransient, func(attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()

		res, err := adapter.Refund(attemptCtx, &provider.RefundRequest{
			TransactionID:  refund.ID,
			TenantID:       refund.TenantID,
			IdempotencyKey: refund.ID,
			ChargeRef:      parent.ProviderRef,
			Amount:         money,
			Reason:         cmd.Reason,
		})
		if err != nil {
			err = classify(err)
			slog.Warn("provider refund attempt failed",
				"tx_id", refund.ID,
				"provider_id", adapter.ID(),
				"attempt", attempt+1,
				"error", err,
			)
			return err
		}
		result = res
		return nil
	})

	persist := context.WithoutCancel(ctx)
	switch {
	case err == nil && result.Status == provider.StatusPending:
		refund.ProviderRef = result.ProviderRef
		if err := o.store.UpdateTransaction(persist, refund); err != nil {
			return nil, fmt.Errorf("failed to record pending refund: %w", err)
		}
		slog.Info("refund pending provider confirmation", "tx_id", refund.ID, "parent_id", parent.ID)
		res := resultWith(refund, nil)
		o.remember(ctx, refund, res)
		return res, nil

	case err == nil:
		if err := o.completeRefund(persist, parent, refund, result.ProviderRef); err != nil {
			return nil, err
		}

	case ctx.Err() != nil:
		refund.NeedsReplay = true
		if uerr := o.store.UpdateTransaction(persist, refund); uerr != nil {
			slog.Error("failed to flag refund for replay", "tx_id", refund.ID, "error", uerr)
		}
		return resultWith(refund, nil), nil

	default:
		if _, ferr := o.failRefund(persist, parent, refund, err); ferr != nil {
			return nil, ferr
		}
	}

	res := resultWith(refund, nil)
	o.remember(ctx, refund, res)
	return res, nil
}

// completeRefund settles refund and marks the parent refunded once nothing
// is left to refund. Callers hold the parent's lock.
func (o *Orchestrator) completeRefund(ctx context.Context, parent, refund *domain.Transaction, providerRef string) error {
	if err := o.transition(ctx, refund, domain.StatusCaptured, func(t *domain.Transaction) {
		if providerRef != "" {
			t.ProviderRef = providerRef
		}
		t.NeedsReplay = false
	}); err != nil {
		return err
	}
	if err := o.transition(ctx, refund, domain.StatusSettled, nil); err != nil {
		return err
	}

	if !parent.Refundable().IsPositive() && parent.Status == domain.StatusCaptured {
		if err := o.transition(ctx, parent, domain.StatusRefunded, nil); err != nil {
			return err
		}
	}

	slog.Info("refund settled",
		"tx_id", refund.ID,
		"parent_id", parent.ID,
		"tenant_id", refund.TenantID,
		"amount", refund.Amount.String(),
	)
	o.notify(ctx, domain.TopicPaymentRefunded, refund)
	return nil
}

// failRefund resolves refund to failed and returns its reservation.
func (o *Orchestrator) failRefund(ctx context.Context, parent, refund *domain.Transaction, cause error) (*domain.TransactionResult, error) {
	o.release(ctx, parent, refund.Amount.Amount)

	via, kind := domain.StatusProviderError, domain.KindProviderTransient
	if domain.IsKind(cause, domain.KindProviderPermanent) {
		via, kind = domain.StatusProviderDeclined, domain.KindProviderPermanent
	}
	return o.fail(ctx, refund, via, kind, domain.MessageOf(cause), nil)
}

func (o *Orchestrator) release(ctx context.Context, parent *domain.Transaction, amount decimal.Decimal) {
	parent.RefundedAmount = parent.RefundedAmount.Sub(amount)
	if err := o.store.UpdateTransaction(context.WithoutCancel(ctx), parent); err != nil {
		slog.Error("failed to release refund reservation",
			"tx_id", parent.ID,
			"amount", amount.String(),
			"error", err,
		)
	}
}

func refundAmount(parent *domain.Transaction, cmd *RefundCommand) (decimal.Decimal, error) {
	if parent.Kind != domain.KindPayment {
		return decimal.Zero, domain.Errorf(domain.KindValidation, "only payments can be refunded")
	}
	if parent.Status != domain.StatusCaptured && parent.Status != domain.StatusSettled {
		return decimal.Zero, domain.Errorf(domain.KindInvalidTransition, "payment %s is %s and cannot be refunded", parent.ID, parent.Status)
	}

	refundable := parent.Refundable()
	if cmd.Full() {
		if !refundable.IsPositive() {
			return decimal.Zero, domain.Errorf(domain.KindValidation, "payment is fully refunded")
		}
		return refundable, nil
	}
	if cmd.Amount.Currency != parent.Amount.Currency {
		return decimal.Zero, domain.Errorf(domain.KindValidation, "refund currency must be %s", parent.Amount.Currency)
	}
	if cmd.Amount.Amount.GreaterThan(refundable) {
		return decimal.Zero, domain.Errorf(domain.KindValidation, "refund exceeds refundable amount %s", refundable.StringFixed(2))
	}
	return cmd.Amount.Amount, nil
}
