package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/talon/internal/domain"
)

// collect subscribes and returns a channel receiving every delivered message.
func collect(t *testing.T, b *ChannelBus, tenantID, topic string) (<-chan *domain.Message, domain.Subscription) {
	t.Helper()
	out := make(chan *domain.Message, 16)
	sub, err := b.Subscribe(context.Background(), tenantID, topic, func(_ context.Context, msg *domain.Message) error {
		out <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return out, sub
}

func receive(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan *domain.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %s on %s", msg.ID, msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelBusDelivers(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	settled, _ := collect(t, b, "tenant-001", domain.TopicPaymentSettled)
	if err := b.Publish(ctx, "tenant-001", domain.TopicPaymentSettled, []byte(`{"transactionId":"tx-1"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg := receive(t, settled)
	if string(msg.Payload) != `{"transactionId":"tx-1"}` {
		t.Errorf("unexpected payload %s", msg.Payload)
	}
	if msg.TenantID != "tenant-001" || msg.Topic != domain.TopicPaymentSettled {
		t.Errorf("unexpected routing %s/%s", msg.TenantID, msg.Topic)
	}
	if msg.ID == "" || msg.Timestamp == 0 {
		t.Error("expected id and timestamp to be set")
	}
}

func TestChannelBusRoutesByTenantAndTopic(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	first, _ := collect(t, b, "tenant-001", domain.TopicPaymentFailed)
	second, _ := collect(t, b, "tenant-002", domain.TopicPaymentFailed)
	other, _ := collect(t, b, "tenant-001", domain.TopicPaymentSettled)

	_ = b.Publish(ctx, "tenant-001", domain.TopicPaymentFailed, []byte("x"))

	receive(t, first)
	expectNone(t, second)
	expectNone(t, other)
}

func TestChannelBusFansOut(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	a, _ := collect(t, b, "tenant-001", domain.TopicManualApproved)
	c, _ := collect(t, b, "tenant-001", domain.TopicManualApproved)
	_ = b.Publish(context.Background(), "tenant-001", domain.TopicManualApproved, []byte("x"))

	if receive(t, a).ID != receive(t, c).ID {
		t.Error("expected both subscribers to see the same message")
	}
}

func TestChannelBusRequiresTenant(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()
	ctx := context.Background()

	if err := b.Publish(ctx, "", "topic", nil); err == nil {
		t.Error("expected error publishing without tenant")
	}
	if _, err := b.Subscribe(ctx, "", "topic", func(context.Context, *domain.Message) error { return nil }); err == nil {
		t.Error("expected error subscribing without tenant")
	}
}

func TestChannelBusUnsubscribe(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	ch, sub := collect(t, b, "tenant-001", domain.TopicWebhookReplay)
	if sub.Topic() != domain.TopicWebhookReplay {
		t.Errorf("unexpected topic %q", sub.Topic())
	}
	_ = b.Publish(ctx, "tenant-001", domain.TopicWebhookReplay, []byte("1"))
	receive(t, ch)

	_ = sub.Unsubscribe()
	_ = sub.Unsubscribe()
	if n := b.subscriberCount("tenant-001", domain.TopicWebhookReplay); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}

	_ = b.Publish(ctx, "tenant-001", domain.TopicWebhookReplay, []byte("2"))
	expectNone(t, ch)
}

func TestChannelBusSurvivesHandlerFailures(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	var calls atomic.Int32
	done := make(chan struct{})
	_, err := b.Subscribe(ctx, "tenant-001", domain.TopicKeyRotateRequest, func(context.Context, *domain.Message) error {
		switch calls.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("transient")
		default:
			close(done)
			return nil
		}
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		_ = b.Publish(ctx, "tenant-001", domain.TopicKeyRotateRequest, nil)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handler stopped after %d calls", calls.Load())
	}
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	b := NewChannelBus(1)
	defer b.Close()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, _ = b.Subscribe(ctx, "tenant-001", domain.TopicPaymentSubmitted, func(context.Context, *domain.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	_ = b.Publish(ctx, "tenant-001", domain.TopicPaymentSubmitted, nil)
	<-started
	_ = b.Publish(ctx, "tenant-001", domain.TopicPaymentSubmitted, nil) // buffered
	_ = b.Publish(ctx, "tenant-001", domain.TopicPaymentSubmitted, nil) // dropped
	close(release)

	if got := b.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped message, got %d", got)
	}
}

func TestChannelBusCloseWaitsForHandlers(t *testing.T) {
	b := NewChannelBus(10)
	ctx := context.Background()

	started := make(chan struct{})
	var finished atomic.Bool
	_, _ = b.Subscribe(ctx, "tenant-001", domain.TopicWebhookReplay, func(context.Context, *domain.Message) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	_ = b.Publish(ctx, "tenant-001", domain.TopicWebhookReplay, nil)
	<-started

	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !finished.Load() {
		t.Error("expected Close to wait for the running handler")
	}
	if err := b.Publish(ctx, "tenant-001", domain.TopicWebhookReplay, nil); err == nil {
		t.Error("expected publish to fail after close")
	}
	if err := b.Ping(ctx); err == nil {
		t.Error("expected ping to fail after close")
	}
	if err := b.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		_, ok := bus.(*ChannelBus)
		if !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("KafkaRequiresBrokers", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		if err == nil {
			t.Error("expected error for kafka without brokers")
		}
	})

	t.Run("KafkaConfigured", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "kafka", KafkaBrokers: []string{"localhost:9092"}})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := bus.(*KafkaBus); !ok {
			t.Error("expected KafkaBus for kafka type")
		}
		_ = bus.Close()
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "amqp",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		tenant string
		want   string
	}{
		{"tenant-001", "talon.webhook.replay.tenant-001"},
		{domain.ControlTenantID, "talon.webhook.replay._global"},
		{"acme.eu", "talon.webhook.replay.acme_eu"},
		{"a*b>c d", "talon.webhook.replay.a_b_c_d"},
	}
	for _, tt := range tests {
		if got := subjectFor(tt.tenant, domain.TopicWebhookReplay); got != tt.want {
			t.Errorf("subjectFor(%q) = %q, want %q", tt.tenant, got, tt.want)
		}
	}
}

func TestNewMessageCarriesTraceID(t *testing.T) {
	msg := newMessage(context.Background(), "tenant-001", domain.TopicPaymentSettled, nil)
	if _, ok := msg.Metadata[metaTraceID]; ok {
		t.Error("expected no trace id without a span")
	}

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	msg = newMessage(ctx, "tenant-001", domain.TopicPaymentSettled, nil)
	if got := msg.Metadata[metaTraceID]; got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %q", got)
	}
}

func TestKafkaReadDelayGrowsAndCaps(t *testing.T) {
	first := readDelay(0)
	if first < 85*time.Millisecond || first > 115*time.Millisecond {
		t.Errorf("expected about 100ms after the first failure, got %v", first)
	}

	if d := readDelay(3); d < 680*time.Millisecond {
		t.Errorf("expected the delay to grow, got %v after 4 failures", d)
	}

	ceiling := readBackoff.MaxDelay + readBackoff.MaxDelay*15/100
	for _, failures := range []int{10, 16, 1000} {
		if d := readDelay(failures); d > ceiling || d <= 0 {
			t.Errorf("readDelay(%d) = %v, want within (0, %v]", failures, d, ceiling)
		}
	}
}
