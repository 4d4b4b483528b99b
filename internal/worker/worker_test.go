package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/talon/internal/bus"
	"github.com/opensource-finance/talon/internal/domain"
)

type fakeWebhooks struct {
	mu       sync.Mutex
	replayed []string
	sweeps   atomic.Int32
	grace    time.Duration
}

func (f *fakeWebhooks) Replay(_ context.Context, eventID string) (*domain.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if eventID == "missing" {
		return nil, domain.ErrNotFound
	}
	f.replayed = append(f.replayed, eventID)
	return &domain.WebhookEvent{ID: eventID, Status: domain.WebhookRetried}, nil
}

func (f *fakeWebhooks) Sweep(_ context.Context, grace time.Duration, _ int) (int, error) {
	f.mu.Lock()
	f.grace = grace
	f.mu.Unlock()
	f.sweeps.Add(1)
	return 0, nil
}

func (f *fakeWebhooks) replays() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replayed...)
}

type fakeKeys struct {
	mu        sync.Mutex
	rotated   []domain.KeyPurpose
	due       atomic.Int32
	expireErr error
}

func (f *fakeKeys) Rotate(_ context.Context, purpose domain.KeyPurpose) (*domain.EncryptionKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotated = append(f.rotated, purpose)
	return &domain.EncryptionKey{ID: "key-new", Purpose: purpose, Status: domain.KeyActive}, nil
}

func (f *fakeKeys) RotateDue(context.Context) ([]string, error) {
	f.due.Add(1)
	return []string{"key-a"}, nil
}

func (f *fakeKeys) ExpireDue(context.Context) ([]string, error) {
	return nil, f.expireErr
}

func (f *fakeKeys) rotations() []domain.KeyPurpose {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.KeyPurpose(nil), f.rotated...)
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, &fakeWebhooks{}, &fakeKeys{}, domain.WorkerConfig{})

		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ReplayCommand", func(t *testing.T) {
		webhooks := &fakeWebhooks{}
		w := NewWorker(eventBus, webhooks, &fakeKeys{}, domain.WorkerConfig{})
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(ReplayMessage{EventID: "wh-001", RequestedBy: "ops-1"})
		if err := eventBus.Publish(context.Background(), ControlTenant, domain.TopicWebhookReplay, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		if !waitFor(t, func() bool { return len(webhooks.replays()) == 1 }) {
			t.Fatal("expected replay to be executed")
		}
		if got := webhooks.replays()[0]; got != "wh-001" {
			t.Errorf("expected replay of wh-001, got %s", got)
		}
	})

	t.Run("RotateCommand", func(t *testing.T) {
		keys := &fakeKeys{}
		w := NewWorker(eventBus, &fakeWebhooks{}, keys, domain.WorkerConfig{})
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(RotateMessage{Purpose: domain.PurposeManualPayment})
		eventBus.Publish(context.Background(), ControlTenant, domain.TopicKeyRotateRequest, payload)

		if !waitFor(t, func() bool { return len(keys.rotations()) == 1 }) {
			t.Fatal("expected rotation to be executed")
		}
		if got := keys.rotations()[0]; got != domain.PurposeManualPayment {
			t.Errorf("expected manual-payment rotation, got %s", got)
		}
	})

	t.Run("OtherTenantsIgnored", func(t *testing.T) {
		webhooks := &fakeWebhooks{}
		w := NewWorker(eventBus, webhooks, &fakeKeys{}, domain.WorkerConfig{})
		w.Start()
		defer w.Stop()

		payload, _ := json.Marshal(ReplayMessage{EventID: "wh-tenant"})
		eventBus.Publish(context.Background(), "tenant-001", domain.TopicWebhookReplay, payload)

		time.Sleep(50 * time.Millisecond)
		if n := len(webhooks.replays()); n != 0 {
			t.Errorf("expected no replays, got %d", n)
		}
	})
}

func TestSweep(t *testing.T) {
	webhooks := &fakeWebhooks{}
	keys := &fakeKeys{expireErr: errors.New("database unavailable")}
	w := NewWorker(nil, webhooks, keys, domain.WorkerConfig{WebhookGrace: time.Minute})

	w.Sweep(context.Background())

	if keys.due.Load() != 1 {
		t.Errorf("expected RotateDue once, got %d", keys.due.Load())
	}
	if webhooks.sweeps.Load() != 1 {
		t.Errorf("expected webhook sweep despite expiry failure, got %d", webhooks.sweeps.Load())
	}
	if webhooks.grace != time.Minute {
		t.Errorf("expected grace 1m, got %s", webhooks.grace)
	}
}

func TestSweepTicker(t *testing.T) {
	webhooks := &fakeWebhooks{}
	keys := &fakeKeys{}
	w := NewWorker(nil, webhooks, keys, domain.WorkerConfig{SweepInterval: 10 * time.Millisecond})

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !waitFor(t, func() bool { return webhooks.sweeps.Load() >= 2 }) {
		t.Error("expected the ticker to sweep repeatedly")
	}
	w.Stop()

	after := webhooks.sweeps.Load()
	time.Sleep(40 * time.Millisecond)
	if webhooks.sweeps.Load() != after {
		t.Error("expected no sweeps after Stop")
	}
}
