package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/orchestrator/bus"
	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/model"
	"github.com/flowmesh/orchestrator/store"
)

// WorkerSelector is the slice of the worker registry the scheduler
// depends on
type WorkerSelector interface {
	SelectWorker(workerType string) *model.WorkerInstance
}

// SchedulerOptions wires the scheduler's collaborators
type SchedulerOptions struct {
	Store   store.Store
	Bus     bus.Bus
	Workers WorkerSelector
	Catalog *Catalog
	Logger  core.Logger
	Metrics core.Metrics

	// Tick drives re-dispatch of READY steps that could not be
	// dispatched immediately
	Tick time.Duration

	// PendingDispatchLimit bounds queued dispatches per worker type
	PendingDispatchLimit int

	// SaturationGrace is how long saturation must persist before
	// Saturated reports true
	SaturationGrace time.Duration
}

// Scheduler advances workflows: it computes ready steps, dispatches
// assignments over the bus, arms deadline timers and applies correlated
// results. It is the sole writer of step state; a per-workflow mutex
// serializes every operation that touches one workflow.
type Scheduler struct {
	store   store.Store
	bus     bus.Bus
	workers WorkerSelector
	catalog *Catalog
	logger  core.Logger
	metrics core.Metrics

	tick            time.Duration
	pendingLimit    int
	saturationGrace time.Duration

	results chan StepResult

	mu      sync.Mutex
	wfLocks map[string]*sync.Mutex
	active  map[string]bool

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	pendMu         sync.Mutex
	pending        map[string]map[string]struct{}
	saturatedSince time.Time
}

// NewScheduler creates a scheduler. Run must be called for results and
// ticks to be processed.
func NewScheduler(opts SchedulerOptions) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &core.NoOpMetrics{}
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = time.Second
	}
	limit := opts.PendingDispatchLimit
	if limit <= 0 {
		limit = 1024
	}
	grace := opts.SaturationGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Scheduler{
		store:           opts.Store,
		bus:             opts.Bus,
		workers:         opts.Workers,
		catalog:         opts.Catalog,
		logger:          logger,
		metrics:         metrics,
		tick:            tick,
		pendingLimit:    limit,
		saturationGrace: grace,
		results:         make(chan StepResult, 256),
		wfLocks:         make(map[string]*sync.Mutex),
		active:          make(map[string]bool),
		timers:          make(map[string]*time.Timer),
		pending:         make(map[string]map[string]struct{}),
	}
}

// ResultChannel is where the correlator posts classified responses
func (s *Scheduler) ResultChannel() chan<- StepResult {
	return s.results
}

// Run consumes correlated results and drives the periodic re-dispatch
// tick until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopTimers()
			return
		case res := <-s.results:
			s.applyResult(ctx, res)
		case <-ticker.C:
			started := time.Now()
			s.tickAll(ctx)
			s.metrics.Observe(ctx, "scheduler_tick_duration_seconds", time.Since(started).Seconds(), nil)
		}
	}
}

// StartWorkflow registers a freshly persisted workflow and schedules
// its initial ready set. Called by the API after admission.
func (s *Scheduler) StartWorkflow(ctx context.Context, workflowID string) {
	s.mu.Lock()
	s.active[workflowID] = true
	s.mu.Unlock()
	s.advance(ctx, workflowID)
}

// Saturated reports whether some worker type's pending-dispatch backlog
// has exceeded its bound for longer than the grace period. The API uses
// this to shed new admissions with 503.
func (s *Scheduler) Saturated() bool {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	return !s.saturatedSince.IsZero() && time.Since(s.saturatedSince) >= s.saturationGrace
}

func (s *Scheduler) lockFor(workflowID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.wfLocks[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		s.wfLocks[workflowID] = lock
	}
	return lock
}

func (s *Scheduler) deactivate(workflowID string) {
	s.mu.Lock()
	delete(s.active, workflowID)
	delete(s.wfLocks, workflowID)
	s.mu.Unlock()
}

func (s *Scheduler) tickAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.advance(ctx, id)
	}
}

// advance takes the workflow mutex, promotes PENDING steps whose
// dependencies have succeeded to READY, and dispatches what it can
func (s *Scheduler) advance(ctx context.Context, workflowID string) {
	lock := s.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		s.logger.Error("Load workflow failed", map[string]interface{}{
			"workflow_id": workflowID,
			"error":       err.Error(),
		})
		return
	}
	req, err := s.store.GetRequest(ctx, wf.RequestID)
	if err != nil {
		s.logger.Error("Load request failed", map[string]interface{}{
			"workflow_id": workflowID,
			"request_id":  wf.RequestID,
			"error":       err.Error(),
		})
		return
	}
	if req.Status.Terminal() {
		s.deactivate(workflowID)
		return
	}

	s.advanceLocked(ctx, req, wf, false)
}

// advanceLocked runs under the workflow mutex. It mutates wf in place
// and persists it once at the end. dirty marks state the caller already
// mutated; the persist then happens even when no step moves here, so a
// parallel sibling's SUCCEEDED never stays in memory only.
func (s *Scheduler) advanceLocked(ctx context.Context, req *model.Request, wf *model.Workflow, dirty bool) {
	changed := dirty
	for _, step := range readySteps(wf) {
		wf.State[step.StepNumber].Status = model.StepReady
		changed = true
	}

	// Non-parallel steps go out one at a time in declaration order;
	// parallel steps fan out together.
	nonParallelInFlight := false
	for _, step := range wf.Steps {
		state := wf.State[step.StepNumber]
		if state.Status == model.StepDispatched && !step.Parallel {
			nonParallelInFlight = true
		}
	}
	for _, step := range wf.Steps {
		state := wf.State[step.StepNumber]
		if state.Status != model.StepReady {
			continue
		}
		if !step.Parallel {
			if nonParallelInFlight {
				continue
			}
			nonParallelInFlight = true
		}
		if s.dispatchStep(ctx, req, wf, step) {
			changed = true
		}
	}

	if changed {
		s.persistWorkflow(ctx, wf)
	}
}

// dispatchStep publishes one attempt for a READY step. Returns false
// when the step must stay READY (no worker, bus down); the next tick
// retries.
func (s *Scheduler) dispatchStep(ctx context.Context, req *model.Request, wf *model.Workflow, step model.StepSpec) bool {
	pendingKey := fmt.Sprintf("%s#%d", wf.ID, step.StepNumber)

	if !s.bus.Connected() {
		s.markPending(step.WorkerType, pendingKey)
		s.logger.Warn("Dispatch deferred, bus not connected", map[string]interface{}{
			"request_id":  req.ID,
			"workflow_id": wf.ID,
			"step":        step.StepNumber,
			"worker_type": step.WorkerType,
		})
		return false
	}

	selectionStart := time.Now()
	worker := s.workers.SelectWorker(step.WorkerType)
	s.metrics.Observe(ctx, "worker_selection_duration_seconds", time.Since(selectionStart).Seconds(), map[string]string{
		"worker_type": step.WorkerType,
	})
	if worker == nil {
		s.markPending(step.WorkerType, pendingKey)
		s.logger.Warn("Dispatch deferred, no worker available", map[string]interface{}{
			"request_id":     req.ID,
			"correlation_id": req.CorrelationID,
			"workflow_id":    wf.ID,
			"step":           step.StepNumber,
			"worker_type":    step.WorkerType,
		})
		return false
	}
	s.clearPending(step.WorkerType, pendingKey)

	state := wf.State[step.StepNumber]
	now := time.Now()
	input := make(map[string]interface{}, len(req.Payload))
	for k, v := range req.Payload {
		input[k] = v
	}
	for k, v := range dependencyOutputs(wf, step) {
		input[k] = v
	}

	assignment := &model.Assignment{
		ID:               uuid.NewString(),
		RequestID:        req.ID,
		WorkflowID:       wf.ID,
		StepNumber:       step.StepNumber,
		WorkerType:       step.WorkerType,
		WorkerInstanceID: worker.ID,
		Attempt:          state.Attempts + 1,
		Status:           model.AssignmentDispatched,
		DispatchedAt:     now,
		DeadlineAt:       now.Add(step.Timeout()),
		Input:            input,
	}
	if err := s.store.CreateAssignment(ctx, assignment); err != nil {
		s.logger.Error("Create assignment failed", map[string]interface{}{
			"request_id":  req.ID,
			"workflow_id": wf.ID,
			"step":        step.StepNumber,
			"error":       err.Error(),
		})
		return false
	}

	err := s.bus.Publish(ctx, "tasks."+step.WorkerType, &bus.OutboundMessage{
		RequestID:     req.ID,
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
		AssignmentID:  assignment.ID,
		Body: map[string]interface{}{
			"requestId":    req.ID,
			"assignmentId": assignment.ID,
			"stepNumber":   step.StepNumber,
			"workerType":   step.WorkerType,
			"payload":      input,
			"deadlineAt":   assignment.DeadlineAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		// The connection dropped between the Connected check and the
		// publish. The worker never saw the task, so the attempt must
		// not count: void the assignment and leave the step READY for
		// the next tick.
		failedAt := time.Now()
		assignment.Status = model.AssignmentFailed
		assignment.Error = fmt.Sprintf("publish failed: %v", err)
		assignment.CompletedAt = &failedAt
		if uerr := s.store.UpdateAssignment(ctx, assignment, assignment.Version); uerr != nil {
			s.logger.Error("Voided assignment update failed", map[string]interface{}{
				"assignment_id": assignment.ID,
				"error":         uerr.Error(),
			})
		}
		s.markPending(step.WorkerType, pendingKey)
		s.logger.Warn("Dispatch deferred, publish failed", map[string]interface{}{
			"request_id":    req.ID,
			"workflow_id":   wf.ID,
			"step":          step.StepNumber,
			"assignment_id": assignment.ID,
			"error":         err.Error(),
		})
		return false
	}

	state.Status = model.StepDispatched
	state.Attempts = assignment.Attempt
	state.LastAssignmentID = assignment.ID
	if state.StartedAt == nil {
		startedAt := now
		state.StartedAt = &startedAt
	}
	if step.StepNumber > wf.CurrentStep {
		wf.CurrentStep = step.StepNumber
	}

	s.armDeadline(assignment)
	s.metrics.Count(ctx, "assignments_dispatched_total", 1, map[string]string{
		"worker_type": step.WorkerType,
	})
	s.logger.Info("Step dispatched", map[string]interface{}{
		"request_id":     req.ID,
		"correlation_id": req.CorrelationID,
		"user_id":        req.UserID,
		"workflow_id":    wf.ID,
		"step":           step.StepNumber,
		"worker_type":    step.WorkerType,
		"worker_id":      worker.ID,
		"assignment_id":  assignment.ID,
		"attempt":        assignment.Attempt,
	})

	if req.Status == model.RequestPending {
		s.updateRequest(ctx, req.ID, func(r *model.Request) {
			if r.Status == model.RequestPending {
				r.Status = model.RequestRunning
			}
		})
		req.Status = model.RequestRunning
	}
	return true
}

// applyResult applies one classified worker response under the
// workflow mutex
func (s *Scheduler) applyResult(ctx context.Context, res StepResult) {
	assignment, err := s.store.GetAssignment(ctx, res.AssignmentID)
	if err != nil {
		s.logger.Warn("Response for unknown assignment dropped", map[string]interface{}{
			"request_id":    res.RequestID,
			"assignment_id": res.AssignmentID,
			"topic":         res.Topic,
			"error":         err.Error(),
		})
		return
	}

	lock := s.lockFor(assignment.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the mutex; the deadline may have fired meanwhile
	assignment, err = s.store.GetAssignment(ctx, res.AssignmentID)
	if err != nil {
		return
	}

	wf, err := s.store.GetWorkflow(ctx, assignment.WorkflowID)
	if err != nil {
		s.logger.Error("Load workflow for response failed", map[string]interface{}{
			"workflow_id":   assignment.WorkflowID,
			"assignment_id": assignment.ID,
			"error":         err.Error(),
		})
		return
	}
	state := wf.State[assignment.StepNumber]
	current := state != nil &&
		state.Status == model.StepDispatched &&
		state.LastAssignmentID == assignment.ID &&
		assignment.Status == model.AssignmentDispatched

	if !current {
		s.applyLateResult(ctx, assignment, res)
		return
	}

	s.cancelDeadline(assignment.ID)

	req, err := s.store.GetRequest(ctx, wf.RequestID)
	if err != nil {
		s.logger.Error("Load request for response failed", map[string]interface{}{
			"workflow_id": wf.ID,
			"request_id":  wf.RequestID,
			"error":       err.Error(),
		})
		return
	}

	if res.Success {
		s.completeStep(ctx, req, wf, assignment, res.Output)
	} else {
		s.failAttempt(ctx, req, wf, assignment, res.ErrorMessage, false)
	}
}

// applyLateResult records the outcome on the assignment without
// touching step state. Late successes are annotated rather than
// discarded so the attempt history stays truthful.
func (s *Scheduler) applyLateResult(ctx context.Context, assignment *model.Assignment, res StepResult) {
	if assignment.Status == model.AssignmentSucceeded || assignment.Status == model.AssignmentFailed {
		return
	}

	now := time.Now()
	assignment.CompletedAt = &now
	assignment.Late = true
	if res.Success {
		assignment.Status = model.AssignmentSucceeded
		assignment.Output = res.Output
	} else {
		assignment.Status = model.AssignmentFailed
		assignment.Error = res.ErrorMessage
	}
	if err := s.store.UpdateAssignment(ctx, assignment, assignment.Version); err != nil {
		s.logger.Warn("Late assignment update failed", map[string]interface{}{
			"assignment_id": assignment.ID,
			"error":         err.Error(),
		})
		return
	}
	s.logger.Info("Late response recorded", map[string]interface{}{
		"request_id":    assignment.RequestID,
		"assignment_id": assignment.ID,
		"step":          assignment.StepNumber,
		"success":       res.Success,
	})
}

// completeStep applies a positive result and advances the workflow
func (s *Scheduler) completeStep(ctx context.Context, req *model.Request, wf *model.Workflow, assignment *model.Assignment, output map[string]interface{}) {
	now := time.Now()
	assignment.Status = model.AssignmentSucceeded
	assignment.CompletedAt = &now
	assignment.Output = output
	if err := s.store.UpdateAssignment(ctx, assignment, assignment.Version); err != nil {
		s.logger.Error("Assignment update failed", map[string]interface{}{
			"assignment_id": assignment.ID,
			"error":         err.Error(),
		})
	}

	state := wf.State[assignment.StepNumber]
	state.Status = model.StepSucceeded
	state.Output = output
	state.Error = ""
	state.FinishedAt = &now

	s.metrics.Count(ctx, "assignments_succeeded_total", 1, map[string]string{
		"worker_type": assignment.WorkerType,
	})
	s.logger.Info("Step succeeded", map[string]interface{}{
		"request_id":     req.ID,
		"correlation_id": req.CorrelationID,
		"workflow_id":    wf.ID,
		"step":           assignment.StepNumber,
		"attempt":        assignment.Attempt,
	})

	if allSucceeded(wf) {
		s.persistWorkflow(ctx, wf)
		s.finalizeCompleted(ctx, req, wf)
		return
	}
	s.advanceLocked(ctx, req, wf, true)
}

// failAttempt applies a negative result or timeout: re-entry to READY
// after backoff while attempts remain, terminal failure otherwise
func (s *Scheduler) failAttempt(ctx context.Context, req *model.Request, wf *model.Workflow, assignment *model.Assignment, errMsg string, timedOut bool) {
	now := time.Now()
	assignment.CompletedAt = &now
	assignment.Error = errMsg
	if timedOut {
		assignment.Status = model.AssignmentTimedOut
		s.metrics.Count(ctx, "assignments_timed_out_total", 1, map[string]string{
			"worker_type": assignment.WorkerType,
		})
	} else {
		assignment.Status = model.AssignmentFailed
		s.metrics.Count(ctx, "assignments_failed_total", 1, map[string]string{
			"worker_type": assignment.WorkerType,
		})
	}
	if err := s.store.UpdateAssignment(ctx, assignment, assignment.Version); err != nil {
		s.logger.Error("Assignment update failed", map[string]interface{}{
			"assignment_id": assignment.ID,
			"error":         err.Error(),
		})
	}

	step := wf.Step(assignment.StepNumber)
	state := wf.State[assignment.StepNumber]
	state.Error = errMsg

	if step != nil && state.Attempts < step.Retry.MaxAttempts {
		delay := step.Retry.Delay(state.Attempts)
		s.logger.Warn("Step attempt failed, retrying", map[string]interface{}{
			"request_id":     req.ID,
			"correlation_id": req.CorrelationID,
			"workflow_id":    wf.ID,
			"step":           assignment.StepNumber,
			"attempt":        state.Attempts,
			"max_attempts":   step.Retry.MaxAttempts,
			"delay_ms":       delay.Milliseconds(),
			"timed_out":      timedOut,
		})
		s.persistWorkflow(ctx, wf)

		wfID := wf.ID
		stepNumber := assignment.StepNumber
		assignmentID := assignment.ID
		time.AfterFunc(delay, func() {
			s.reenterStep(wfID, stepNumber, assignmentID)
		})
		return
	}

	s.failWorkflow(ctx, req, wf, assignment.StepNumber, errMsg)
}

// reenterStep moves a step whose failed attempt has served its backoff
// from DISPATCHED back to READY and re-drives dispatch
func (s *Scheduler) reenterStep(workflowID string, stepNumber int, assignmentID string) {
	ctx := context.Background()
	lock := s.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	state := wf.State[stepNumber]
	if state == nil || state.Status != model.StepDispatched || state.LastAssignmentID != assignmentID {
		return
	}
	req, err := s.store.GetRequest(ctx, wf.RequestID)
	if err != nil || req.Status.Terminal() {
		return
	}

	state.Status = model.StepReady
	s.advanceLocked(ctx, req, wf, true)
}

// failWorkflow marks the failing step terminal, skips every transitive
// dependent and remaining non-succeeded step, and finalizes the request
func (s *Scheduler) failWorkflow(ctx context.Context, req *model.Request, wf *model.Workflow, failedStep int, errMsg string) {
	now := time.Now()
	state := wf.State[failedStep]
	state.Status = model.StepFailed
	state.Error = errMsg
	state.FinishedAt = &now

	for _, step := range wf.Steps {
		other := wf.State[step.StepNumber]
		if step.StepNumber == failedStep || other.Status.Terminal() {
			continue
		}
		if other.Status == model.StepDispatched {
			s.cancelDeadline(other.LastAssignmentID)
		}
		other.Status = model.StepSkipped
	}
	s.persistWorkflow(ctx, wf)

	partial := make(map[string]interface{})
	for _, step := range wf.Steps {
		if st := wf.State[step.StepNumber]; st.Status == model.StepSucceeded && st.Output != nil {
			partial[fmt.Sprintf("%d", step.StepNumber)] = st.Output
		}
	}

	s.updateRequest(ctx, req.ID, func(r *model.Request) {
		r.Status = model.RequestFailed
		r.Error = &model.RequestError{
			Code:       "STEP_FAILED",
			Message:    errMsg,
			FailedStep: failedStep,
		}
		if len(partial) > 0 {
			r.Result = map[string]interface{}{"partial": partial}
		}
		completedAt := now
		r.CompletedAt = &completedAt
	})
	s.deactivate(wf.ID)

	s.logger.Error("Workflow failed", map[string]interface{}{
		"request_id":     req.ID,
		"correlation_id": req.CorrelationID,
		"workflow_id":    wf.ID,
		"failed_step":    failedStep,
		"error":          errMsg,
	})
}

// finalizeCompleted aggregates step outputs and marks the request done
func (s *Scheduler) finalizeCompleted(ctx context.Context, req *model.Request, wf *model.Workflow) {
	result := make(map[string]interface{}, len(wf.Steps))
	for _, step := range wf.Steps {
		if st := wf.State[step.StepNumber]; st.Output != nil {
			result[fmt.Sprintf("%d", step.StepNumber)] = st.Output
		}
	}
	if template, ok := s.catalog.Get(wf.TemplateName); ok && template.ResultField != "" {
		if final := wf.State[finalStepNumber(wf)]; final != nil && final.Output != nil {
			result[template.ResultField] = final.Output
		}
	}

	now := time.Now()
	s.updateRequest(ctx, req.ID, func(r *model.Request) {
		r.Status = model.RequestCompleted
		r.Result = result
		completedAt := now
		r.CompletedAt = &completedAt
	})
	s.deactivate(wf.ID)

	s.logger.Info("Workflow completed", map[string]interface{}{
		"request_id":     req.ID,
		"correlation_id": req.CorrelationID,
		"user_id":        req.UserID,
		"workflow_id":    wf.ID,
		"steps":          len(wf.Steps),
	})
}

// handleTimeout fires at an assignment's deadline. The response may
// have already arrived and cleared the dispatch; re-check everything
// under the mutex.
func (s *Scheduler) handleTimeout(workflowID string, stepNumber int, assignmentID string) {
	ctx := context.Background()
	lock := s.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	assignment, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil || assignment.Status != model.AssignmentDispatched {
		return
	}
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	state := wf.State[stepNumber]
	if state == nil || state.Status != model.StepDispatched || state.LastAssignmentID != assignmentID {
		// Step moved on; close out the attempt record only
		now := time.Now()
		assignment.Status = model.AssignmentTimedOut
		assignment.CompletedAt = &now
		assignment.Error = "deadline exceeded"
		if err := s.store.UpdateAssignment(ctx, assignment, assignment.Version); err != nil {
			s.logger.Warn("Timed-out assignment update failed", map[string]interface{}{
				"assignment_id": assignmentID,
				"error":         err.Error(),
			})
		}
		return
	}
	req, err := s.store.GetRequest(ctx, wf.RequestID)
	if err != nil {
		return
	}

	s.logger.Warn("Assignment deadline exceeded", map[string]interface{}{
		"request_id":    req.ID,
		"workflow_id":   wf.ID,
		"step":          stepNumber,
		"assignment_id": assignmentID,
		"attempt":       assignment.Attempt,
	})
	s.failAttempt(ctx, req, wf, assignment, "deadline exceeded", true)
}

func (s *Scheduler) armDeadline(assignment *model.Assignment) {
	wfID, stepNumber, id := assignment.WorkflowID, assignment.StepNumber, assignment.ID
	timer := time.AfterFunc(time.Until(assignment.DeadlineAt), func() {
		s.timerMu.Lock()
		delete(s.timers, id)
		s.timerMu.Unlock()
		s.handleTimeout(wfID, stepNumber, id)
	})
	s.timerMu.Lock()
	s.timers[id] = timer
	s.timerMu.Unlock()
}

func (s *Scheduler) cancelDeadline(assignmentID string) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if timer, ok := s.timers[assignmentID]; ok {
		timer.Stop()
		delete(s.timers, assignmentID)
	}
}

func (s *Scheduler) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
}

// persistWorkflow writes the mutated workflow back. The scheduler is
// the only workflow writer, so a version conflict means a programming
// error; it is logged loudly rather than papered over.
func (s *Scheduler) persistWorkflow(ctx context.Context, wf *model.Workflow) {
	if err := s.store.UpdateWorkflow(ctx, wf, wf.Version); err != nil {
		s.logger.Error("Workflow update failed", map[string]interface{}{
			"workflow_id": wf.ID,
			"request_id":  wf.RequestID,
			"error":       err.Error(),
		})
	}
}

// updateRequest applies a mutation under the store's conditional write,
// re-reading on version conflict
func (s *Scheduler) updateRequest(ctx context.Context, requestID string, mutate func(*model.Request)) {
	err := store.RetryOnConflict(ctx, func() error {
		req, err := s.store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		mutate(req)
		req.UpdatedAt = time.Now()
		return s.store.UpdateRequest(ctx, req, req.Version)
	})
	if err != nil {
		s.logger.Error("Request update failed", map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		})
	}
}

func (s *Scheduler) markPending(workerType, key string) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	set, ok := s.pending[workerType]
	if !ok {
		set = make(map[string]struct{})
		s.pending[workerType] = set
	}
	set[key] = struct{}{}
	if len(set) >= s.pendingLimit && s.saturatedSince.IsZero() {
		s.saturatedSince = time.Now()
	}
}

func (s *Scheduler) clearPending(workerType, key string) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if set, ok := s.pending[workerType]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(s.pending, workerType)
		}
	}
	for _, set := range s.pending {
		if len(set) >= s.pendingLimit {
			return
		}
	}
	s.saturatedSince = time.Time{}
}

func allSucceeded(wf *model.Workflow) bool {
	for _, step := range wf.Steps {
		state := wf.State[step.StepNumber]
		if state == nil || state.Status != model.StepSucceeded {
			return false
		}
	}
	return true
}
