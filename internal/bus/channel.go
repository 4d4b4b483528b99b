package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opensource-finance/talon/internal/domain"
)

type route struct {
	tenant string
	topic  string
}

// ChannelBus implements EventBus in process for single-node deployments.
// Every subscriber has its own buffer; a full buffer drops the message for
// that subscriber only.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	routes     map[route][]*channelSubscription
	closed     bool
	running    sync.WaitGroup
	dropped    atomic.Uint64
}

type channelSubscription struct {
	bus     *ChannelBus
	id      string
	route   route
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewChannelBus creates a channel bus with per-subscriber buffers.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		routes:     make(map[route][]*channelSubscription),
	}
}

// Publish hands the message to every subscriber of the tenant's topic.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	msg := newMessage(ctx, tenantID, topic, payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	for _, sub := range b.routes[route{tenant: tenantID, topic: topic}] {
		select {
		case sub.inbox <- msg:
		default:
			b.dropped.Add(1)
			slog.Warn("bus subscriber buffer full, dropping message",
				"topic", topic,
				"tenant_id", tenantID,
				"message_id", msg.ID,
				"subscription_id", sub.id,
			)
		}
	}
	return nil
}

// Subscribe starts a goroutine that feeds the handler one message at a time.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		bus:     b,
		id:      uuid.New().String(),
		route:   route{tenant: tenantID, topic: topic},
		handler: handler,
		inbox:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}
	b.routes[sub.route] = append(b.routes[sub.route], sub)

	b.running.Add(1)
	go func() {
		defer b.running.Done()
		sub.run()
	}()
	return sub, nil
}

// Dropped reports how many deliveries were lost to full buffers.
func (b *ChannelBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close cancels every subscription and waits for running handlers to return.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.routes {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.routes = make(map[route][]*channelSubscription)
	b.mu.Unlock()

	b.running.Wait()
	return nil
}

func (b *ChannelBus) subscriberCount(tenantID, topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.routes[route{tenant: tenantID, topic: topic}])
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.routes[sub.route]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.routes, sub.route)
		return
	}
	b.routes[sub.route] = subs
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			s.deliver(msg)
		}
	}
}

func (s *channelSubscription) deliver(msg *domain.Message) {
	ctx, cancel := context.WithTimeout(s.ctx, handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus handler panic",
				"topic", msg.Topic,
				"message_id", msg.ID,
				"panic", r,
			)
		}
	}()

	if err := s.handler(ctx, msg); err != nil {
		slog.Error("bus handler error",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"trace_id", msg.Metadata[metaTraceID],
			"error", err,
		)
	}
}

// Unsubscribe stops delivery. Messages still buffered are discarded.
func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.remove(s)
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.route.topic
}
