package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/flowmesh/orchestrator/core"
)

// NATSBus implements Bus on NATS. Consumer-group semantics come from
// queue subscriptions: every instance of the orchestrator joins the
// same queue group so each record is delivered to exactly one member.
type NATSBus struct {
	serviceName string
	groupID     string
	logger      core.Logger

	conn *nats.Conn

	mu       sync.Mutex
	handlers map[string]Handler
	subs     []*nats.Subscription
	started  bool
}

// NATSOptions configures the adapter
type NATSOptions struct {
	Brokers       []string
	ClientID      string
	GroupID       string
	ServiceName   string
	ReconnectWait time.Duration
	Logger        core.Logger
}

// NewNATSBus connects to the brokers. A connection-refused-class error
// does not fail the process: the connection object enters a periodic
// reconnect loop and the bus reports not connected until it succeeds.
// Protocol-level errors (bad URL, auth) are surfaced immediately.
func NewNATSBus(opts NATSOptions) (*NATSBus, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers: %w", core.ErrMissingConfiguration)
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	reconnectWait := opts.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 10 * time.Second
	}

	b := &NATSBus{
		serviceName: opts.ServiceName,
		groupID:     opts.GroupID,
		logger:      logger,
		handlers:    make(map[string]Handler),
	}
	if b.groupID == "" {
		b.groupID = "orchestrator"
	}

	conn, err := nats.Connect(strings.Join(opts.Brokers, ","),
		nats.Name(opts.ClientID),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Bus disconnected", map[string]interface{}{
				"error": fmt.Sprint(err),
			})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Bus reconnected", map[string]interface{}{
				"url": nc.ConnectedUrl(),
			})
		}),
	)
	if err != nil {
		// With RetryOnFailedConnect, only configuration-class errors
		// reach this branch.
		return nil, fmt.Errorf("bus connect: %w", err)
	}
	b.conn = conn
	return b, nil
}

// Connected reports whether the connection is currently up
func (b *NATSBus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Publish sends a JSON record with the standard headers attached
func (b *NATSBus) Publish(ctx context.Context, topic string, msg *OutboundMessage) error {
	if !b.Connected() {
		return fmt.Errorf("publish to %s: %w", topic, core.ErrNotConnected)
	}

	data, err := json.Marshal(msg.Body)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", topic, err)
	}

	record := nats.NewMsg(topic)
	record.Data = data
	record.Header.Set(HeaderRequestID, msg.RequestID)
	record.Header.Set(HeaderCorrelationID, msg.CorrelationID)
	record.Header.Set(HeaderUserID, msg.UserID)
	record.Header.Set(HeaderAssignmentID, msg.AssignmentID)
	record.Header.Set(HeaderServiceName, b.serviceName)
	record.Header.Set(HeaderTimestampMs, strconv.FormatInt(time.Now().UnixMilli(), 10))

	if err := b.conn.PublishMsg(record); err != nil {
		b.logger.Warn("Publish failed", map[string]interface{}{
			"topic":          topic,
			"request_id":     msg.RequestID,
			"correlation_id": msg.CorrelationID,
			"assignment_id":  msg.AssignmentID,
			"error":          err.Error(),
		})
		return fmt.Errorf("publish to %s: %w", topic, core.ErrPublishFailed)
	}
	return nil
}

// Subscribe registers a handler for a topic in the consumer group
func (b *NATSBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("subscribe %s: %w", topic, core.ErrConsumerStarted)
	}
	if _, exists := b.handlers[topic]; exists {
		return fmt.Errorf("subscribe %s: %w", topic, core.ErrAlreadySubscribed)
	}
	b.handlers[topic] = handler
	return nil
}

// Start binds every registered subscription and begins delivery
func (b *NATSBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return core.ErrConsumerStarted
	}

	for topic, handler := range b.handlers {
		topic, handler := topic, handler
		sub, err := b.conn.QueueSubscribe(topic, b.groupID, func(m *nats.Msg) {
			b.deliver(ctx, topic, handler, m)
		})
		if err != nil {
			return fmt.Errorf("bind subscription %s: %w", topic, err)
		}
		b.subs = append(b.subs, sub)
	}
	b.started = true

	b.logger.Info("Bus consumer started", map[string]interface{}{
		"group_id": b.groupID,
		"topics":   len(b.handlers),
	})
	return nil
}

// deliver decodes one record and dispatches it to the handler.
// Malformed JSON is logged and dropped: a record the producer could
// not shape correctly is a bug, not a transient fault, and redelivery
// would only repeat the failure.
func (b *NATSBus) deliver(ctx context.Context, topic string, handler Handler, m *nats.Msg) {
	var body map[string]interface{}
	if err := json.Unmarshal(m.Data, &body); err != nil {
		b.logger.Error("Dropping malformed record", map[string]interface{}{
			"topic": topic,
			"bytes": len(m.Data),
			"error": err.Error(),
		})
		return
	}

	headers := make(map[string]string, len(m.Header))
	for k := range m.Header {
		headers[k] = m.Header.Get(k)
	}

	handler(ctx, &InboundMessage{
		Topic:   topic,
		Headers: headers,
		Body:    body,
	})
}

// Close drains subscriptions and closes the connection
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.logger.Warn("Drain subscription failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	if b.conn != nil {
		return b.conn.Drain()
	}
	return nil
}
