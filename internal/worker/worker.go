// Package worker runs background jobs: operator commands arriving on the
// EventBus and the periodic key and webhook sweep.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

// ControlTenant is the bus tenant operator commands are published under.
const ControlTenant = domain.ControlTenantID

// Webhooks replays stored provider events.
type Webhooks interface {
	Replay(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
	Sweep(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// Keys rotates and expires encryption keys.
type Keys interface {
	Rotate(ctx context.Context, purpose domain.KeyPurpose) (*domain.EncryptionKey, error)
	RotateDue(ctx context.Context) ([]string, error)
	ExpireDue(ctx context.Context) ([]string, error)
}

// ReplayMessage asks the worker to replay one webhook event.
type ReplayMessage struct {
	EventID     string `json:"eventId"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// RotateMessage asks the worker to rotate the active key for a purpose.
type RotateMessage struct {
	Purpose     domain.KeyPurpose `json:"purpose"`
	RequestedBy string            `json:"requestedBy,omitempty"`
}

// Worker consumes operator commands and runs the scheduled sweep.
type Worker struct {
	bus      domain.EventBus
	webhooks Webhooks
	keys     Keys
	cfg      domain.WorkerConfig

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new background worker.
func NewWorker(bus domain.EventBus, webhooks Webhooks, keys Keys, cfg domain.WorkerConfig) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &Worker{
		bus:      bus,
		webhooks: webhooks,
		keys:     keys,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the command topics and starts the sweep ticker.
// A zero SweepInterval disables the ticker.
func (w *Worker) Start() error {
	if w.bus != nil {
		if err := w.subscribe(domain.TopicWebhookReplay, w.handleReplay); err != nil {
			return err
		}
		if err := w.subscribe(domain.TopicKeyRotateRequest, w.handleRotate); err != nil {
			return err
		}
	}

	if w.cfg.SweepInterval > 0 {
		w.wg.Add(1)
		go w.loop()
	}

	slog.Info("worker started",
		"subscriptions", len(w.subscriptions),
		"sweep_interval", w.cfg.SweepInterval,
	)
	return nil
}

func (w *Worker) subscribe(topic string, handler domain.MessageHandler) error {
	sub, err := w.bus.Subscribe(w.ctx, ControlTenant, topic, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
	return nil
}

func (w *Worker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(w.ctx)
		}
	}
}

// Sweep rotates due keys, expires keys past retention and replays webhooks
// left unfinished. Each step runs even if an earlier one fails.
func (w *Worker) Sweep(ctx context.Context) {
	start := time.Now()

	var rotated, expired []string
	var replayed int
	var err error

	if w.keys != nil {
		if rotated, err = w.keys.RotateDue(ctx); err != nil {
			slog.Error("scheduled key rotation failed", "error", err)
		}
		if expired, err = w.keys.ExpireDue(ctx); err != nil {
			slog.Error("key expiry failed", "error", err)
		}
	}
	if w.webhooks != nil {
		if replayed, err = w.webhooks.Sweep(ctx, w.cfg.WebhookGrace, w.cfg.SweepBatch); err != nil {
			slog.Error("webhook sweep failed", "error", err)
		}
	}

	slog.Info("sweep finished",
		"keys_rotated", len(rotated),
		"keys_expired", len(expired),
		"webhooks_replayed", replayed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (w *Worker) handleReplay(ctx context.Context, msg *domain.Message) error {
	var m ReplayMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		slog.Error("failed to parse replay message", "message_id", msg.ID, "error", err)
		return err
	}
	if m.EventID == "" {
		return fmt.Errorf("replay message %s has no event id", msg.ID)
	}

	event, err := w.webhooks.Replay(ctx, m.EventID)
	if err != nil {
		slog.Warn("webhook replay failed",
			"webhook_event_id", m.EventID,
			"requested_by", m.RequestedBy,
			"error", err,
		)
		return err
	}

	slog.Info("webhook replay requested",
		"webhook_event_id", event.ID,
		"requested_by", m.RequestedBy,
		"status", event.Status,
	)
	return nil
}

func (w *Worker) handleRotate(ctx context.Context, msg *domain.Message) error {
	var m RotateMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		slog.Error("failed to parse rotate message", "message_id", msg.ID, "error", err)
		return err
	}

	key, err := w.keys.Rotate(ctx, m.Purpose)
	if err != nil {
		slog.Error("requested key rotation failed",
			"purpose", m.Purpose,
			"requested_by", m.RequestedBy,
			"error", err,
		)
		return err
	}

	slog.Info("key rotation requested",
		"purpose", m.Purpose,
		"key_id", key.ID,
		"requested_by", m.RequestedBy,
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
