package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication with the
// booking and notification subsystems. Go channels (community) or NATS (pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names for the assessment pipeline.
const (
	// TopicBookingSubmitted carries booking contexts for async evaluation.
	TopicBookingSubmitted = "merlin.booking.submitted"

	// TopicAssessmentCreated announces every persisted assessment.
	TopicAssessmentCreated = "merlin.assessment.created"

	// TopicBookingFlagged signals the booking subsystem to flag a booking.
	// Emitted whenever an assessment is HIGH risk and requires review.
	TopicBookingFlagged = "merlin.booking.flagged"

	// TopicAlert pushes alerts to the notification collaborator.
	TopicAlert = "merlin.alert"
)

// BookingFlagged is the payload published on TopicBookingFlagged.
type BookingFlagged struct {
	BookingRef   string `json:"bookingRef"`
	AssessmentID string `json:"assessmentId"`
	Reason       string `json:"reason"`
}
