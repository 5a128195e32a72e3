package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, datasetID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, datasetID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	DatasetID string            `json:"datasetId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics for the injection and recompute pipeline.
const (
	TopicTransactionInjected = "kestrel.transaction.injected"
	TopicBucketRecomputed    = "kestrel.bucket.recomputed"
	TopicAlert               = "kestrel.alert"
)

// InjectionBatch is the payload of TopicTransactionInjected.
type InjectionBatch struct {
	Bucket       int           `json:"bucket"`
	Transactions []Transaction `json:"transactions"`
}

// RecomputeEvent is the payload of TopicBucketRecomputed.
type RecomputeEvent struct {
	Bucket       int       `json:"bucket"`
	Generation   uint64    `json:"generation"`
	Appended     int       `json:"appended"`
	Entities     int       `json:"entities"`
	Clusters     []Cluster `json:"clusters"`
	AlertsRaised int       `json:"alerts_raised"`
}
