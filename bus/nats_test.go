package bus

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/core"
)

func newOfflineBus(t *testing.T) *NATSBus {
	// RetryOnFailedConnect hands back a connection object even though
	// nothing is listening; the bus reports not connected.
	b, err := NewNATSBus(NATSOptions{
		Brokers:     []string{"nats://127.0.0.1:49221"},
		ClientID:    "test",
		ServiceName: "orchestrator-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNewNATSBusRequiresBrokers(t *testing.T) {
	_, err := NewNATSBus(NATSOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMissingConfiguration)
}

func TestPublishWhileOffline(t *testing.T) {
	b := newOfflineBus(t)

	assert.False(t, b.Connected())
	err := b.Publish(context.Background(), "tasks.llm", &OutboundMessage{
		RequestID: "req-1",
		Body:      map[string]interface{}{"prompt": "hi"},
	})
	assert.ErrorIs(t, err, core.ErrNotConnected)
}

func TestSubscribeStateMachine(t *testing.T) {
	b := newOfflineBus(t)
	handler := func(ctx context.Context, msg *InboundMessage) {}

	require.NoError(t, b.Subscribe("job.responses.llm", handler))

	err := b.Subscribe("job.responses.llm", handler)
	assert.ErrorIs(t, err, core.ErrAlreadySubscribed)

	// Other topics still register
	require.NoError(t, b.Subscribe("llm.responses", handler))

	b.mu.Lock()
	b.started = true
	b.mu.Unlock()

	err = b.Subscribe("job.responses.resume", handler)
	assert.ErrorIs(t, err, core.ErrConsumerStarted)
}

func TestDefaultGroupID(t *testing.T) {
	b := newOfflineBus(t)
	assert.Equal(t, "orchestrator", b.groupID)
}

func TestDeliverDecodesRecord(t *testing.T) {
	b := newOfflineBus(t)

	var got *InboundMessage
	handler := func(ctx context.Context, msg *InboundMessage) { got = msg }

	record := nats.NewMsg("job.responses.llm")
	record.Data = []byte(`{"requestId":"req-1","assignmentId":"a-1","result":{"text":"hello"}}`)
	record.Header.Set(HeaderRequestID, "req-1")
	record.Header.Set(HeaderCorrelationID, "corr-1")

	b.deliver(context.Background(), "job.responses.llm", handler, record)

	require.NotNil(t, got)
	assert.Equal(t, "job.responses.llm", got.Topic)
	assert.Equal(t, "req-1", got.Body["requestId"])
	assert.Equal(t, "req-1", got.Headers[HeaderRequestID])
	assert.Equal(t, "corr-1", got.Headers[HeaderCorrelationID])

	result, ok := got.Body["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", result["text"])
}

func TestDeliverDropsMalformedRecord(t *testing.T) {
	b := newOfflineBus(t)

	called := false
	handler := func(ctx context.Context, msg *InboundMessage) { called = true }

	record := nats.NewMsg("job.responses.llm")
	record.Data = []byte(`{not json`)

	b.deliver(context.Background(), "job.responses.llm", handler, record)
	assert.False(t, called)
}
