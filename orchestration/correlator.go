package orchestration

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowmesh/orchestrator/bus"
	"github.com/flowmesh/orchestrator/core"
)

// Correlator consumes worker response topics, classifies each message
// as a positive or negative step result, and posts it on the
// scheduler's channel. It never touches workflow state itself.
type Correlator struct {
	bus     bus.Bus
	results chan<- StepResult
	logger  core.Logger
	metrics core.Metrics
}

// NewCorrelator wires the correlator to the bus and the scheduler's
// result channel
func NewCorrelator(b bus.Bus, results chan<- StepResult, logger core.Logger, metrics core.Metrics) *Correlator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if metrics == nil {
		metrics = &core.NoOpMetrics{}
	}
	return &Correlator{bus: b, results: results, logger: logger, metrics: metrics}
}

// SubscribeAll registers the canonical job.responses.<workerType>
// topics for every worker type plus the configured legacy topics.
// Must be called before the bus consumer starts.
func (c *Correlator) SubscribeAll(workerTypes, legacyTopics []string) error {
	for _, workerType := range workerTypes {
		topic := "job.responses." + workerType
		if err := c.bus.Subscribe(topic, c.Handle); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	for _, topic := range legacyTopics {
		err := c.bus.Subscribe(topic, c.Handle)
		if err == nil {
			continue
		}
		// The legacy list may overlap the canonical family
		if errors.Is(err, core.ErrAlreadySubscribed) {
			continue
		}
		return fmt.Errorf("subscribe legacy %s: %w", topic, err)
	}
	return nil
}

// Handle classifies one response record. Messages carry requestId or
// correlationId and assignmentId or taskId; anything without a request
// identity is logged and dropped.
func (c *Correlator) Handle(ctx context.Context, msg *bus.InboundMessage) {
	requestID := firstString(msg.Body, "requestId")
	if requestID == "" {
		requestID = msg.Headers[bus.HeaderRequestID]
	}
	correlationID := firstString(msg.Body, "correlationId")
	if correlationID == "" {
		correlationID = msg.Headers[bus.HeaderCorrelationID]
	}
	if requestID == "" && correlationID == "" {
		c.logger.Warn("Response without request identity dropped", map[string]interface{}{
			"topic": msg.Topic,
		})
		c.metrics.Count(ctx, "responses_dropped_total", 1, map[string]string{"topic": msg.Topic})
		return
	}

	assignmentID := firstString(msg.Body, "assignmentId", "taskId")
	if assignmentID == "" {
		assignmentID = msg.Headers[bus.HeaderAssignmentID]
	}
	if assignmentID == "" {
		c.logger.Warn("Response without assignment identity dropped", map[string]interface{}{
			"topic":          msg.Topic,
			"request_id":     requestID,
			"correlation_id": correlationID,
		})
		c.metrics.Count(ctx, "responses_dropped_total", 1, map[string]string{"topic": msg.Topic})
		return
	}

	result := StepResult{
		RequestID:     requestID,
		CorrelationID: correlationID,
		AssignmentID:  assignmentID,
		Topic:         msg.Topic,
	}

	errMsg := firstString(msg.Body, "error", "errorMessage")
	status := firstString(msg.Body, "status")
	if errMsg != "" || status == "error" {
		result.Success = false
		if errMsg == "" {
			errMsg = firstString(msg.Body, "message")
		}
		if errMsg == "" {
			errMsg = "worker reported error"
		}
		result.ErrorMessage = errMsg
	} else {
		result.Success = true
		result.Output = extractOutput(msg.Body)
	}

	c.logger.Debug("Response correlated", map[string]interface{}{
		"topic":          msg.Topic,
		"request_id":     requestID,
		"correlation_id": correlationID,
		"assignment_id":  assignmentID,
		"success":        result.Success,
	})

	select {
	case c.results <- result:
	case <-ctx.Done():
	}
}

// extractOutput picks the worker output: result, then data, then the
// whole body. Scalar outputs are wrapped so step outputs stay maps.
func extractOutput(body map[string]interface{}) map[string]interface{} {
	for _, key := range []string{"result", "data"} {
		v, ok := body[key]
		if !ok || v == nil {
			continue
		}
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
		return map[string]interface{}{"value": v}
	}
	return body
}

// firstString returns the first non-empty string value among the keys
func firstString(body map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := body[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
