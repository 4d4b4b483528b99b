package domain

import (
	"context"
)

// EventBus carries settlement notifications and operator commands. Delivery
// is at most once; consumers must tolerate gaps. Every method rejects an
// empty tenantID.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe delivers one tenant's topic to handler until the
	// subscription is cancelled or the bus closes.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every transport carries. Metadata may hold the
// publisher's trace_id.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription is an active Subscribe registration.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel", "nats" or "kafka"
	Type string `json:"type" env:"TALON_BUS_TYPE"`

	ChannelBufferSize int `json:"channelBufferSize" env:"TALON_BUS_CHANNEL_BUFFER"`

	NATSUrl           string `json:"natsUrl" env:"TALON_NATS_URL"`
	NATSToken         string `json:"-" env:"TALON_NATS_TOKEN"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" env:"TALON_NATS_MAX_RECONNECTS"`
	NATSReconnectWait int    `json:"natsReconnectWait" env:"TALON_NATS_RECONNECT_WAIT"` // seconds
	// NATSQueueGroup makes replicas share control-tenant subscriptions so
	// each operator command runs once.
	NATSQueueGroup string `json:"natsQueueGroup" env:"TALON_NATS_QUEUE_GROUP"`

	KafkaBrokers []string `json:"kafkaBrokers" env:"TALON_KAFKA_BROKERS" envSeparator:","`
	KafkaGroupID string   `json:"kafkaGroupId" env:"TALON_KAFKA_GROUP_ID"`
}

// ControlTenantID is the bus tenant operator commands travel under.
const ControlTenantID = "_global"

// Topic names.
const (
	TopicPaymentSubmitted = "talon.payment.submitted"
	TopicPaymentSettled   = "talon.payment.settled"
	TopicPaymentFailed    = "talon.payment.failed"
	TopicPaymentRefunded  = "talon.payment.refunded"
	TopicManualSubmitted  = "talon.manual.submitted"
	TopicManualApproved   = "talon.manual.approved"
	TopicManualRejected   = "talon.manual.rejected"
	TopicWebhookReplay    = "talon.webhook.replay"
	TopicKeyRotateRequest = "talon.key.rotate"
)
