// Package bus abstracts the message bus the orchestrator dispatches
// tasks on and consumes worker responses from.
package bus

import "context"

// Standard header names carried on every outbound record
const (
	HeaderRequestID     = "x-request-id"
	HeaderCorrelationID = "x-correlation-id"
	HeaderUserID        = "x-user-id"
	HeaderAssignmentID  = "x-assignment-id"
	HeaderServiceName   = "x-service-name"
	HeaderTimestampMs   = "x-timestamp-ms"
)

// OutboundMessage is a task record published to a worker topic.
// The body is serialized as a single JSON object.
type OutboundMessage struct {
	RequestID     string
	CorrelationID string
	UserID        string
	AssignmentID  string
	Body          map[string]interface{}
}

// InboundMessage is a decoded record delivered to a subscriber
type InboundMessage struct {
	Topic   string
	Headers map[string]string
	Body    map[string]interface{}
}

// Handler processes one inbound record. Handlers run on the consumer
// loop and must not block indefinitely.
type Handler func(ctx context.Context, msg *InboundMessage)

// Bus is the port over a partitioned topic-based message bus with
// consumer groups. Subscriptions are registered once at startup and
// delivery begins on Start; late subscribes are rejected.
type Bus interface {
	// Publish serializes the body as JSON and attaches the standard
	// headers. It returns core.ErrNotConnected while the producer is
	// offline; other network errors are logged and absorbed because
	// the scheduler treats "not delivered" as a retryable dispatch.
	Publish(ctx context.Context, topic string, msg *OutboundMessage) error

	// Subscribe registers a handler for a topic in the orchestrator
	// consumer group. A second subscribe on the same topic returns
	// core.ErrAlreadySubscribed; a subscribe after Start returns
	// core.ErrConsumerStarted.
	Subscribe(topic string, handler Handler) error

	// Start eagerly binds every registered subscription and begins
	// delivery.
	Start(ctx context.Context) error

	// Connected reports whether the underlying connection is up
	Connected() bool

	// Close drains and closes the connection
	Close() error
}
