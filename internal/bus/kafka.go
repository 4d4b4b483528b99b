package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/retry"
)

// readBackoff paces a reader whose fetches keep failing, for example while
// the brokers are unreachable.
var readBackoff = domain.RetryConfig{
	BaseDelay: 100 * time.Millisecond,
	MaxDelay:  10 * time.Second,
	Jitter:    true,
}

// readDelay is the pause after the given number of consecutive read failures.
func readDelay(failures int) time.Duration {
	if failures > 16 {
		failures = 16
	}
	return retry.Backoff(readBackoff, failures)
}

// KafkaBus implements EventBus on Kafka. Topics are shared across tenants;
// the tenant id is the message key, so one tenant's events stay ordered
// within a partition, and subscribers filter on it.
type KafkaBus struct {
	mu            sync.Mutex
	brokers       []string
	groupID       string
	writer        *kafka.Writer
	subscriptions map[string]*kafkaSubscription
	closed        bool
}

type kafkaSubscription struct {
	bus      *KafkaBus
	id       string
	tenantID string
	topic    string
	reader   *kafka.Reader
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

// NewKafkaBus creates a Kafka-backed event bus.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "talon"
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}

	slog.Info("kafka bus configured",
		"brokers", cfg.KafkaBrokers,
		"group_id", groupID,
	)

	return &KafkaBus{
		brokers:       cfg.KafkaBrokers,
		groupID:       groupID,
		writer:        writer,
		subscriptions: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes the message keyed by tenant.
func (b *KafkaBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	data, err := json.Marshal(newMessage(ctx, tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(tenantID),
		Value: data,
	})
}

// Subscribe starts a consumer-group reader for topic and hands the
// tenant's messages to handler.
func (b *KafkaBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  b.groupID + "." + tenantID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		bus:      b,
		id:       uuid.New().String(),
		tenantID: tenantID,
		topic:    topic,
		reader:   reader,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sub.run(subCtx, handler)

	b.subscriptions[sub.id] = sub
	return sub, nil
}

func (s *kafkaSubscription) run(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)
	failures := 0
	for {
		m, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			delay := readDelay(failures)
			failures++
			slog.Warn("kafka read failed",
				"topic", s.topic,
				"failures", failures,
				"retry_in", delay,
				"error", err,
			)
			if retry.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		failures = 0
		if string(m.Key) != s.tenantID {
			continue
		}

		var msg domain.Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			slog.Error("failed to unmarshal kafka message",
				"topic", m.Topic,
				"offset", m.Offset,
				"error", err,
			)
			continue
		}

		if err := handler(ctx, &msg); err != nil {
			slog.Error("bus handler error",
				"topic", m.Topic,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range b.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops readers and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*kafkaSubscription, 0, len(b.subscriptions))
	for _, s := range b.subscriptions {
		subs = append(subs, s)
	}
	b.subscriptions = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.stop()
	}
	return b.writer.Close()
}

func (s *kafkaSubscription) stop() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.reader.Close()
	})
	return err
}

// Unsubscribe stops the reader.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
