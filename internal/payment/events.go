package payment

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/talon/internal/domain"
)

// ApplyProviderEvent applies an asynchronous provider outcome to the
// transaction it references. An event that restates the current status is a
// no-op; one the state machine forbids is an invalid transition.
func (o *Orchestrator) ApplyProviderEvent(ctx context.Context, providerID string, evt *domain.ProviderEvent) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "payment.ApplyProviderEvent")
	defer span.End()

	if evt == nil || evt.ProviderRef == "" {
		return nil, domain.Errorf(domain.KindValidation, "event has no provider reference")
	}
	span.SetAttributes(
		attribute.String("provider_id", providerID),
		attribute.String("event_type", string(evt.Type)),
	)

	found, err := o.store.GetTransactionByProviderRef(ctx, providerID, evt.ProviderRef)
	if err != nil {
		return nil, fmt.Errorf("no transaction for %s reference %s: %w", providerID, evt.ProviderRef, err)
	}

	// Parents are always locked before their refunds.
	if found.Kind == domain.KindRefund {
		unlock := o.locks.Lock(found.ParentID)
		defer unlock()
	}
	unlock := o.locks.Lock(found.ID)
	defer unlock()

	tx, err := o.store.GetTransaction(ctx, found.TenantID, found.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload transaction %s: %w", found.ID, err)
	}
	span.SetAttributes(attribute.String("tx_id", tx.ID))

	if !evt.Amount.IsZero() && !evt.Amount.Equal(tx.Amount.Amount) {
		slog.Warn("provider event amount differs from transaction",
			"tx_id", tx.ID,
			"event_id", evt.EventID,
			"event_amount", evt.Amount.String(),
			"amount", tx.Amount.Amount.String(),
		)
	}

	switch evt.Type {
	case domain.EventPaymentCaptured:
		err = o.applyCaptured(ctx, tx)
	case domain.EventPaymentSettled:
		err = o.applySettled(ctx, tx)
	case domain.EventPaymentFailed:
		err = o.applyFailed(ctx, tx, evt.Reason)
	case domain.EventRefundSucceeded, domain.EventRefundFailed:
		err = o.applyRefund(ctx, tx, evt)
	default:
		err = domain.Errorf(domain.KindValidation, "unsupported event type %q", evt.Type)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("provider event applied",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"provider_id", providerID,
		"event_id", evt.EventID,
		"event_type", evt.Type,
		"status", tx.Status,
	)
	return tx, nil
}

func (o *Orchestrator) applyCaptured(ctx context.Context, tx *domain.Transaction) error {
	if err := requireKind(tx, domain.KindPayment); err != nil {
		return err
	}
	if tx.Status == domain.StatusCaptured || tx.Status == domain.StatusSettled {
		return nil
	}
	return o.transition(ctx, tx, domain.StatusCaptured, clearReplay)
}

func (o *Orchestrator) applySettled(ctx context.Context, tx *domain.Transaction) error {
	if err := requireKind(tx, domain.KindPayment); err != nil {
		return err
	}
	if tx.Status == domain.StatusSettled {
		return nil
	}
	if tx.Status == domain.StatusCharging {
		if err := o.transition(ctx, tx, domain.StatusCaptured, clearReplay); err != nil {
			return err
		}
	}
	if err := o.transition(ctx, tx, domain.StatusSettled, nil); err != nil {
		return err
	}
	o.notify(ctx, domain.TopicPaymentSettled, tx)
	return nil
}

func (o *Orchestrator) applyFailed(ctx context.Context, tx *domain.Transaction, reason string) error {
	if err := requireKind(tx, domain.KindPayment); err != nil {
		return err
	}
	if tx.Status == domain.StatusFailed {
		return nil
	}
	if reason == "" {
		reason = "failed by provider"
	}
	_, err := o.fail(ctx, tx, domain.StatusProviderDeclined, domain.KindProviderPermanent, reason, nil)
	return err
}

func (o *Orchestrator) applyRefund(ctx context.Context, refund *domain.Transaction, evt *domain.ProviderEvent) error {
	if err := requireKind(refund, domain.KindRefund); err != nil {
		return err
	}

	succeeded := evt.Type == domain.EventRefundSucceeded
	switch {
	case succeeded && refund.Status == domain.StatusSettled:
		return nil
	case !succeeded && refund.Status == domain.StatusFailed:
		return nil
	case refund.Status != domain.StatusCharging:
		return domain.Errorf(domain.KindInvalidTransition, "refund %s is %s and cannot apply %s", refund.ID, refund.Status, evt.Type)
	}

	parent, err := o.store.GetTransaction(ctx, refund.TenantID, refund.ParentID)
	if err != nil {
		return fmt.Errorf("failed to load refunded payment %s: %w", refund.ParentID, err)
	}
	if succeeded {
		return o.completeRefund(ctx, parent, refund, "")
	}

	reason := evt.Reason
	if reason == "" {
		reason = "refund failed at provider"
	}
	_, err = o.failRefund(ctx, parent, refund, domain.Errorf(domain.KindProviderPermanent, "%s", reason))
	return err
}

// ResolveReview resumes a payment held for review. Approval charges it
// through the normal provider path; rejection fails it as fraud.
func (o *Orchestrator) ResolveReview(ctx context.Context, tenantID, txID string, approved bool) (*domain.TransactionResult, error) {
	ctx, span := tracer.Start(ctx, "payment.ResolveReview")
	defer span.End()
	span.SetAttributes(attribute.String("tx_id", txID), attribute.Bool("approved", approved))

	unlock := o.locks.Lock(txID)
	defer unlock()

	tx, err := o.store.GetTransaction(ctx, tenantID, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", txID, err)
	}
	if tx.Status != domain.StatusPendingReview {
		return nil, domain.Errorf(domain.KindInvalidTransition, "transaction %s is %s, not pending review", tx.ID, tx.Status)
	}

	var a *domain.RiskAssessment
	if tx.RiskAssessmentID != "" {
		a, _ = o.store.GetRiskAssessment(ctx, tenantID, tx.RiskAssessmentID)
	}

	var res *domain.TransactionResult
	if !approved {
		res, err = o.fail(ctx, tx, "", domain.KindFraudRejected, "rejected in review", a)
	} else {
		res, err = o.chargeReviewed(ctx, tx, a)
	}
	if err != nil {
		return nil, err
	}
	o.remember(ctx, tx, res)
	return res, nil
}

func (o *Orchestrator) chargeReviewed(ctx context.Context, tx *domain.Transaction, a *domain.RiskAssessment) (*domain.TransactionResult, error) {
	var secret []byte
	if tx.Method.Sensitive != nil {
		plain, err := o.vault.Open(ctx, tx.Method.Sensitive)
		if err != nil {
			slog.Error("failed to open payment method", "tx_id", tx.ID, "error", err)
			return o.fail(ctx, tx, "", domain.KindDecryption, "payment method could not be decrypted", a)
		}
		defer zero(plain)
		secret = plain
	}
	return o.charge(ctx, tx, secret, a)
}

func requireKind(tx *domain.Transaction, kind domain.TransactionKind) error {
	if tx.Kind != kind {
		return domain.Errorf(domain.KindInvalidTransition, "%s %s cannot apply a %s event", tx.Kind, tx.ID, kind)
	}
	return nil
}

func clearReplay(t *domain.Transaction) {
	t.NeedsReplay = false
}
