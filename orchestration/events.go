package orchestration

// StepResult is the internal event the correlator posts when a worker
// response has been classified. The scheduler is the only consumer, so
// step state stays single-writer.
type StepResult struct {
	RequestID     string
	CorrelationID string
	AssignmentID  string
	Topic         string

	// Success selects the positive or negative transition
	Success bool

	// Output carries the worker result on success
	Output map[string]interface{}

	// ErrorMessage carries the worker error on failure
	ErrorMessage string
}
