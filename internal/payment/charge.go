package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/provider"
	"github.com/opensource-finance/talon/internal/retry"
)

// charge moves tx to charging and works through the capable providers.
// Transient failures are retried on the same provider before failing over;
// a permanent failure stops immediately.
func (o *Orchestrator) charge(ctx context.Context, tx *domain.Transaction, secret []byte, a *domain.RiskAssessment) (*domain.TransactionResult, error) {
	ctx, span := tracer.Start(ctx, "payment.Charge")
	defer span.End()
	span.SetAttributes(attribute.String("tx_id", tx.ID))

	candidates := o.candidates(tx)
	if len(candidates) == 0 {
		reason := fmt.Sprintf("no provider supports %s %s", tx.Amount.Currency, tx.Method.Type)
		return o.fail(ctx, tx, "", domain.KindProviderPermanent, reason, a)
	}

	if err := o.transition(ctx, tx, domain.StatusCharging, nil); err != nil {
		return nil, err
	}

	var lastErr error
	for i, adapter := range candidates {
		res, token, err := o.chargeWith(ctx, adapter, tx, secret)
		if err == nil {
			return o.charged(ctx, tx, adapter.ID(), token, res, a)
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if domain.IsKind(err, domain.KindProviderPermanent) {
			span.SetStatus(codes.Error, "declined")
			return o.fail(ctx, tx, domain.StatusProviderDeclined, domain.KindProviderPermanent, domain.MessageOf(err), a)
		}
		if i < len(candidates)-1 {
			slog.Warn("provider unavailable, failing over",
				"tx_id", tx.ID,
				"provider_id", adapter.ID(),
				"next_provider_id", candidates[i+1].ID(),
				"error", err,
			)
		}
	}

	if ctx.Err() != nil {
		// The provider may have moved funds before the caller gave up.
		tx.NeedsReplay = true
		if err := o.store.UpdateTransaction(context.WithoutCancel(ctx), tx); err != nil {
			slog.Error("failed to flag transaction for replay", "tx_id", tx.ID, "error", err)
		}
		slog.Warn("charge interrupted, outcome unknown", "tx_id", tx.ID, "error", ctx.Err())
		return resultWith(tx, a), nil
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "providers exhausted")
	return o.fail(ctx, tx, domain.StatusProviderError, domain.KindProviderTransient, "all capable providers are unavailable", a)
}

// chargeWith tokenizes and charges on one provider, retrying transient
// failures with a fresh per-attempt timeout.
func (o *Orchestrator) chargeWith(ctx context.Context, adapter provider.Adapter, tx *domain.Transaction, secret []byte) (*provider.ChargeResult, string, error) {
	var (
		result *provider.ChargeResult
		token  = tx.Method.Token
	)

	err := retry.Do(ctx, o.cfg.Retry, isTransient, func(attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()

		attemptCtx, span := tracer.Start(attemptCtx, "provider.Charge")
		defer span.End()
		span.SetAttributes(
			attribute.String("provider_id", adapter.ID()),
			attribute.Int("attempt", attempt+1),
		)

		if secret != nil {
			tok, err := adapter.Tokenize(attemptCtx, &provider.TokenizeRequest{
				TenantID: tx.TenantID,
				Method:   tx.Method,
				Secret:   secret,
			})
			if err != nil {
				span.RecordError(err)
				return classify(err)
			}
			token = tok
		}

		res, err := adapter.Charge(attemptCtx, &provider.ChargeRequest{
			TransactionID:  tx.ID,
			TenantID:       tx.TenantID,
			IdempotencyKey: tx.ID,
			Amount:         tx.Amount,
			Method:         tx.Method,
			Token:          token,
		})
		if err != nil {
			err = classify(err)
			span.RecordError(err)
			slog.Warn("provider charge attempt failed",
				"tx_id", tx.ID,
				"provider_id", adapter.ID(),
				"attempt", attempt+1,
				"kind", domain.KindOf(err),
				"error", err,
			)
			return err
		}
		result = res
		return nil
	})
	return result, token, err
}

func (o *Orchestrator) charged(ctx context.Context, tx *domain.Transaction, providerID, token string, res *provider.ChargeResult, a *domain.RiskAssessment) (*domain.TransactionResult, error) {
	ctx = context.WithoutCancel(ctx)
	apply := func(t *domain.Transaction) {
		t.ProviderID = providerID
		t.ProviderRef = res.ProviderRef
		t.Method.Token = token
		t.NeedsReplay = false
	}

	if res.Status == provider.StatusPending {
		apply(tx)
		if err := o.store.UpdateTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("failed to record pending charge: %w", err)
		}
		slog.Info("charge pending provider confirmation", "tx_id", tx.ID, "provider_id", providerID)
		return resultWith(tx, a), nil
	}

	if err := o.transition(ctx, tx, domain.StatusCaptured, apply); err != nil {
		return nil, err
	}
	slog.Info("payment captured",
		"tx_id", tx.ID,
		"tenant_id", tx.TenantID,
		"provider_id", providerID,
		"amount", tx.Amount.String(),
	)
	return resultWith(tx, a), nil
}

// candidates lists capable providers: the requested one first, then the
// tenant's route or the default order.
func (o *Orchestrator) candidates(tx *domain.Transaction) []provider.Adapter {
	order := o.routes[tx.TenantID]
	if len(order) == 0 {
		order = o.order
	}
	if tx.ProviderID != "" {
		if len(order) == 0 {
			order = o.providers.IDs()
		}
		order = append([]string{tx.ProviderID}, order...)
	}
	return o.providers.Capable(tx.Amount.Currency, strings.ToLower(tx.Method.Type), order)
}

func isTransient(err error) bool {
	return domain.IsKind(err, domain.KindProviderTransient)
}

// classify counts unclassified adapter errors as transient.
func classify(err error) error {
	switch domain.KindOf(err) {
	case domain.KindProviderTransient, domain.KindProviderPermanent:
		return err
	}
	return provider.Transient(err, "provider call failed")
}
