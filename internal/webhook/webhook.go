// Package webhook turns signed provider callbacks into transaction state
// transitions. Each (provider, event id) pair is applied at most once.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/provider"
)

var tracer = otel.Tracer("talon-webhook")

// unmatchedAttempts bounds how often an event naming an unknown provider
// reference is retried before it is failed.
const unmatchedAttempts = 10

// Providers resolves adapters by id.
type Providers interface {
	Get(id string) (provider.Adapter, bool)
}

// Applier applies a parsed event to the transaction it references.
type Applier interface {
	ApplyProviderEvent(ctx context.Context, providerID string, evt *domain.ProviderEvent) (*domain.Transaction, error)
}

// Outcome is the gateway's answer to one delivery. Accepted deliveries
// must not be redelivered by the provider.
type Outcome struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EventID   string `json:"eventId,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Gateway ingests provider webhooks.
type Gateway struct {
	repo      domain.WebhookRepository
	providers Providers
	applier   Applier
	now       func() time.Time
}

// NewGateway creates a webhook gateway.
func NewGateway(repo domain.WebhookRepository, providers Providers, applier Applier) *Gateway {
	return &Gateway{
		repo:      repo,
		providers: providers,
		applier:   applier,
		now:       time.Now,
	}
}

// Ingest verifies, records and applies one delivery, strictly in that order.
// An invalid signature is rejected before anything is persisted. A repeated
// (provider, event id) pair is accepted without being applied again. An event
// the state machine refuses is stored as failed and waits for a manual
// replay.
func (g *Gateway) Ingest(ctx context.Context, providerID string, payload []byte, header string) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "webhook.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("provider_id", providerID))

	adapter, ok := g.providers.Get(providerID)
	if !ok {
		return &Outcome{Reason: "unknown provider"}, domain.Errorf(domain.KindNotFound, "unknown provider %q", providerID)
	}

	if err := adapter.VerifySignature(payload, header); err != nil {
		slog.Warn("webhook signature rejected", "provider_id", providerID, "error", err)
		span.SetStatus(codes.Error, "signature invalid")
		if !domain.IsKind(err, domain.KindSignatureInvalid) {
			err = domain.WrapError(domain.KindSignatureInvalid, err, "signature verification failed")
		}
		return &Outcome{Reason: domain.MessageOf(err)}, err
	}

	evt, err := adapter.ParseEvent(payload)
	if err != nil {
		slog.Warn("webhook payload rejected", "provider_id", providerID, "error", err)
		return &Outcome{Reason: domain.MessageOf(err)}, err
	}
	span.SetAttributes(
		attribute.String("event_id", evt.EventID),
		attribute.String("event_type", string(evt.Type)),
	)

	record := &domain.WebhookEvent{
		ID:              uuid.New().String(),
		ProviderID:      providerID,
		ProviderEventID: evt.EventID,
		EventType:       evt.Type,
		SignatureValid:  true,
		Status:          domain.WebhookReceived,
		PayloadDigest:   Digest(payload),
		Payload:         payload,
		CreatedAt:       g.now().UTC(),
	}
	if err := g.repo.CreateWebhookEvent(ctx, record); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			slog.Info("duplicate webhook ignored",
				"provider_id", providerID,
				"provider_event_id", evt.EventID,
			)
			return &Outcome{Accepted: true, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("failed to record webhook: %w", err)
	}

	_ = g.apply(ctx, record, evt)
	return &Outcome{
		Accepted: true,
		EventID:  record.ID,
		Status:   string(record.Status),
		Reason:   record.Error,
	}, nil
}

// Replay re-applies a stored event that failed or never finished. A
// successful replay leaves the event retried.
func (g *Gateway) Replay(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	ctx, span := tracer.Start(ctx, "webhook.Replay")
	defer span.End()
	span.SetAttributes(attribute.String("webhook_event_id", eventID))

	record, err := g.repo.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook event %s: %w", eventID, err)
	}
	if record.Status == domain.WebhookProcessed || record.Status == domain.WebhookRetried {
		return nil, domain.Errorf(domain.KindInvalidTransition, "webhook event %s was already applied", record.ID)
	}

	adapter, ok := g.providers.Get(record.ProviderID)
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "unknown provider %q", record.ProviderID)
	}
	evt, err := adapter.ParseEvent(record.Payload)
	if err != nil {
		return nil, fmt.Errorf("stored payload for %s no longer parses: %w", record.ID, err)
	}

	if err := g.apply(ctx, record, evt); err != nil {
		return record, err
	}
	record.Status = domain.WebhookRetried
	if err := g.repo.UpdateWebhookEvent(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to mark webhook %s retried: %w", record.ID, err)
	}

	slog.Info("webhook replayed",
		"webhook_event_id", record.ID,
		"provider_id", record.ProviderID,
		"status", record.Status,
		"attempts", record.Attempts,
	)
	return record, nil
}

// Sweep replays events left in received for longer than grace, which
// happens when the process stopped or storage failed mid-apply. Failed
// events are left for a person to replay.
func (g *Gateway) Sweep(ctx context.Context, grace time.Duration, limit int) (int, error) {
	events, err := g.repo.ListWebhookEvents(ctx, domain.WebhookReceived, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished webhooks: %w", err)
	}

	cutoff := g.now().Add(-grace)
	replayed := 0
	for _, e := range events {
		if e.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := g.Replay(ctx, e.ID); err != nil {
			slog.Warn("webhook sweep replay failed", "webhook_event_id", e.ID, "error", err)
			continue
		}
		replayed++
	}
	return replayed, nil
}

// apply runs the event through the state machine and stores the outcome on
// record. Refused transitions become failed. Events for a reference not yet
// stored, and storage or internal errors, leave the event received so Sweep
// picks it up again.
func (g *Gateway) apply(ctx context.Context, record *domain.WebhookEvent, evt *domain.ProviderEvent) error {
	record.Attempts++

	tx, err := g.applier.ApplyProviderEvent(ctx, record.ProviderID, evt)
	switch {
	case err == nil:
		processedAt := g.now().UTC()
		record.Status = domain.WebhookProcessed
		record.Error = ""
		record.TenantID = tx.TenantID
		record.TransactionID = tx.ID
		record.ProcessedAt = &processedAt

	case domain.IsKind(err, domain.KindNotFound) && record.Attempts < unmatchedAttempts:
		record.Error = domain.MessageOf(err)
		slog.Info("webhook event has no transaction yet",
			"webhook_event_id", record.ID,
			"provider_id", record.ProviderID,
			"provider_event_id", record.ProviderEventID,
			"attempts", record.Attempts,
		)

	case refused(err):
		record.Status = domain.WebhookFailed
		record.Error = domain.MessageOf(err)
		slog.Warn("webhook event refused",
			"webhook_event_id", record.ID,
			"provider_id", record.ProviderID,
			"provider_event_id", record.ProviderEventID,
			"event_type", record.EventType,
			"error", err,
		)

	default:
		record.Error = domain.MessageOf(err)
		slog.Error("webhook event could not be applied",
			"webhook_event_id", record.ID,
			"provider_id", record.ProviderID,
			"provider_event_id", record.ProviderEventID,
			"error", err,
		)
	}

	if uerr := g.repo.UpdateWebhookEvent(context.WithoutCancel(ctx), record); uerr != nil {
		slog.Error("failed to store webhook outcome", "webhook_event_id", record.ID, "error", uerr)
	}
	return err
}

func refused(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindInvalidTransition, domain.KindValidation, domain.KindNotFound:
		return true
	}
	return false
}

// Digest is the hex SHA-256 of a raw payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
