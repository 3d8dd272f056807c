// Package model defines the request, workflow and assignment entities
// owned by the orchestration core, together with their status machines.
package model

import (
	"fmt"
	"time"

	"github.com/flowmesh/orchestrator/core"
)

// RequestStatus is the lifecycle state of a Request
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestRunning   RequestStatus = "RUNNING"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestFailed    RequestStatus = "FAILED"
	RequestCancelled RequestStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCancelled
}

// StepStatus is the state of one workflow step
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepReady      StepStatus = "READY"
	StepDispatched StepStatus = "DISPATCHED"
	StepSucceeded  StepStatus = "SUCCEEDED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
)

// Terminal reports whether the step status admits no further transitions
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// AssignmentStatus is the state of one dispatched attempt
type AssignmentStatus string

const (
	AssignmentDispatched AssignmentStatus = "DISPATCHED"
	AssignmentSucceeded  AssignmentStatus = "SUCCEEDED"
	AssignmentFailed     AssignmentStatus = "FAILED"
	AssignmentTimedOut   AssignmentStatus = "TIMED_OUT"
)

// Health is the probe state of a worker instance
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// RequestError describes a terminal failure on a Request
type RequestError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	FailedStep int    `json:"failedStep,omitempty"`
}

// Request is the caller's unit of work. The payload is opaque to the
// core except where the router inspects it for pattern signals.
type Request struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"userId"`
	WorkflowName   string                 `json:"workflowName"`
	Payload        map[string]interface{} `json:"payload"`
	CorrelationID  string                 `json:"correlationId"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	Status         RequestStatus          `json:"status"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Error          *RequestError          `json:"error,omitempty"`
	WorkflowID     string                 `json:"workflowId"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`

	// Version supports optimistic concurrency on updates
	Version int64 `json:"version"`
}

// RetryPolicy controls re-dispatch of a failed or timed-out step
type RetryPolicy struct {
	MaxAttempts int   `json:"maxAttempts"`
	BackoffMs   int64 `json:"backoffMs"`
	Exponential bool  `json:"exponential"`
}

// Delay computes the re-entry delay after the given 1-based attempt
func (p RetryPolicy) Delay(attempt int) time.Duration {
	backoff := p.BackoffMs
	if p.Exponential {
		for i := 1; i < attempt; i++ {
			backoff *= 2
		}
	}
	return time.Duration(backoff) * time.Millisecond
}

// StepSpec is one node of a workflow template
type StepSpec struct {
	StepNumber int         `json:"stepNumber"`
	WorkerType string      `json:"workerType"`
	DependsOn  []int       `json:"dependsOn,omitempty"`
	Parallel   bool        `json:"parallel,omitempty"`
	TimeoutMs  int64       `json:"timeoutMs"`
	Retry      RetryPolicy `json:"retryPolicy"`
}

// Timeout returns the step deadline duration
func (s StepSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// StepState tracks execution progress of one step
type StepState struct {
	Status           StepStatus             `json:"status"`
	Attempts         int                    `json:"attempts"`
	LastAssignmentID string                 `json:"lastAssignmentId,omitempty"`
	Output           map[string]interface{} `json:"output,omitempty"`
	Error            string                 `json:"error,omitempty"`
	StartedAt        *time.Time             `json:"startedAt,omitempty"`
	FinishedAt       *time.Time             `json:"finishedAt,omitempty"`
}

// Workflow is an instance of a template bound to a Request
type Workflow struct {
	ID           string             `json:"id"`
	RequestID    string             `json:"requestId"`
	TemplateName string             `json:"templateName"`
	Steps        []StepSpec         `json:"steps"`
	CurrentStep  int                `json:"currentStep"`
	State        map[int]*StepState `json:"state"`

	// Version supports optimistic concurrency on updates
	Version int64 `json:"version"`
}

// Step returns the StepSpec for a step number, or nil
func (w *Workflow) Step(stepNumber int) *StepSpec {
	for i := range w.Steps {
		if w.Steps[i].StepNumber == stepNumber {
			return &w.Steps[i]
		}
	}
	return nil
}

// Validate rejects structurally broken workflows: no steps, duplicate
// step numbers, or dependsOn referencing a step outside the step set
func (w *Workflow) Validate() error {
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps: %w", w.TemplateName, core.ErrInvalidWorkflow)
	}
	known := make(map[int]bool, len(w.Steps))
	for _, s := range w.Steps {
		if known[s.StepNumber] {
			return fmt.Errorf("duplicate step %d: %w", s.StepNumber, core.ErrInvalidWorkflow)
		}
		known[s.StepNumber] = true
	}
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.StepNumber {
				return fmt.Errorf("step %d depends on itself: %w", s.StepNumber, core.ErrInvalidWorkflow)
			}
			if !known[dep] {
				return fmt.Errorf("step %d depends on unknown step %d: %w", s.StepNumber, dep, core.ErrInvalidWorkflow)
			}
		}
	}
	return nil
}

// InitState seeds the per-step state map with PENDING entries
func (w *Workflow) InitState() {
	w.State = make(map[int]*StepState, len(w.Steps))
	for _, s := range w.Steps {
		w.State[s.StepNumber] = &StepState{Status: StepPending}
	}
}

// Assignment is a single dispatched attempt for one step.
// Workers echo the assignment id back in their responses; it is the
// sole key used to match responses to in-flight work.
type Assignment struct {
	ID               string                 `json:"id"`
	RequestID        string                 `json:"requestId"`
	WorkflowID       string                 `json:"workflowId"`
	StepNumber       int                    `json:"stepNumber"`
	WorkerType       string                 `json:"workerType"`
	WorkerInstanceID string                 `json:"workerInstanceId"`
	Attempt          int                    `json:"attempt"`
	Status           AssignmentStatus       `json:"status"`
	DispatchedAt     time.Time              `json:"dispatchedAt"`
	CompletedAt      *time.Time             `json:"completedAt,omitempty"`
	DeadlineAt       time.Time              `json:"deadlineAt"`
	Input            map[string]interface{} `json:"input,omitempty"`
	Output           map[string]interface{} `json:"output,omitempty"`
	Error            string                 `json:"error,omitempty"`

	// Late marks a success response that arrived after the assignment
	// had already timed out on the scheduler side
	Late bool `json:"late,omitempty"`

	// Version supports optimistic concurrency on updates
	Version int64 `json:"version"`
}

// WorkerInstance is a discovered worker endpoint
type WorkerInstance struct {
	ID              string                 `json:"id"`
	WorkerType      string                 `json:"workerType"`
	Endpoint        string                 `json:"endpoint"`
	Health          Health                 `json:"health"`
	LastHealthCheck time.Time              `json:"lastHealthCheck"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}
