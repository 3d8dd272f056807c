package core

import "context"

// Logger interface - minimal structured logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Metrics interface - optional metrics support.
// Implementations must be safe for concurrent use.
type Metrics interface {
	Count(ctx context.Context, name string, delta int64, labels map[string]string)
	Observe(ctx context.Context, name string, value float64, labels map[string]string)
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpMetrics provides a no-op metrics implementation
type NoOpMetrics struct{}

func (n *NoOpMetrics) Count(ctx context.Context, name string, delta int64, labels map[string]string) {
}
func (n *NoOpMetrics) Observe(ctx context.Context, name string, value float64, labels map[string]string) {
}
