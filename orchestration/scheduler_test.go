package orchestration

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/bus"
	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/model"
	"github.com/flowmesh/orchestrator/store"
)

type published struct {
	topic string
	msg   *bus.OutboundMessage
}

type fakeBus struct {
	mu          sync.Mutex
	connected   bool
	failPublish bool
	records     []published
}

func newFakeBus() *fakeBus {
	return &fakeBus{connected: true}
}

func (f *fakeBus) Publish(ctx context.Context, topic string, msg *bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("publish to %s: %w", topic, core.ErrNotConnected)
	}
	if f.failPublish {
		return fmt.Errorf("publish to %s: %w", topic, core.ErrPublishFailed)
	}
	f.records = append(f.records, published{topic: topic, msg: msg})
	return nil
}

func (f *fakeBus) setFailPublish(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPublish = v
}

func (f *fakeBus) Subscribe(topic string, handler bus.Handler) error { return nil }
func (f *fakeBus) Start(ctx context.Context) error                   { return nil }
func (f *fakeBus) Close() error                                      { return nil }

func (f *fakeBus) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBus) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeBus) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeBus) record(i int) published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[i]
}

type fakeSelector struct {
	mu      sync.Mutex
	workers map[string]*model.WorkerInstance
}

func (s *fakeSelector) SelectWorker(workerType string) *model.WorkerInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[workerType]
}

func (s *fakeSelector) add(workerType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers == nil {
		s.workers = make(map[string]*model.WorkerInstance)
	}
	s.workers[workerType] = &model.WorkerInstance{
		ID:         workerType + "-1",
		WorkerType: workerType,
		Endpoint:   "http://" + workerType + ":3000",
		Health:     model.HealthHealthy,
	}
}

type rig struct {
	store     *store.MemoryStore
	bus       *fakeBus
	selector  *fakeSelector
	scheduler *Scheduler
}

func newRig(t *testing.T, workerTypes ...string) *rig {
	t.Helper()
	r := &rig{
		store:    store.NewMemoryStore(),
		bus:      newFakeBus(),
		selector: &fakeSelector{},
	}
	for _, wt := range workerTypes {
		r.selector.add(wt)
	}
	r.scheduler = NewScheduler(SchedulerOptions{
		Store:                r.store,
		Bus:                  r.bus,
		Workers:              r.selector,
		Catalog:              NewCatalog(),
		Tick:                 50 * time.Millisecond,
		PendingDispatchLimit: 1024,
		SaturationGrace:      time.Minute,
	})
	return r
}

// admit persists a request + workflow pair and starts scheduling
func (r *rig) admit(t *testing.T, steps []model.StepSpec, payload map[string]interface{}) (*model.Request, *model.Workflow) {
	t.Helper()
	ctx := context.Background()

	req := &model.Request{
		ID:            uuid.NewString(),
		UserID:        "user-1",
		WorkflowName:  "test",
		Payload:       payload,
		CorrelationID: uuid.NewString(),
		Status:        model.RequestPending,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	wf := &model.Workflow{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		TemplateName: "test",
		Steps:        steps,
	}
	req.WorkflowID = wf.ID
	require.NoError(t, wf.Validate())
	wf.InitState()
	require.NoError(t, r.store.CreateRequest(ctx, req))
	require.NoError(t, r.store.CreateWorkflow(ctx, wf))

	r.scheduler.StartWorkflow(ctx, wf.ID)
	return req, wf
}

func (r *rig) respond(assignmentID string, success bool, output map[string]interface{}, errMsg string) {
	r.scheduler.applyResult(context.Background(), StepResult{
		AssignmentID: assignmentID,
		Success:      success,
		Output:       output,
		ErrorMessage: errMsg,
	})
}

func (r *rig) requestStatus(t *testing.T, id string) *model.Request {
	t.Helper()
	req, err := r.store.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return req
}

func singleStep(workerType string, timeoutMs int64, retry model.RetryPolicy) []model.StepSpec {
	return []model.StepSpec{
		{StepNumber: 1, WorkerType: workerType, TimeoutMs: timeoutMs, Retry: retry},
	}
}

func TestSingleWorkerHappyPath(t *testing.T) {
	r := newRig(t, "llm")
	req, wf := r.admit(t, singleStep("llm", 30000, model.RetryPolicy{MaxAttempts: 3, BackoffMs: 10}),
		map[string]interface{}{"workerType": "llm", "prompt": "hi"})

	require.Equal(t, 1, r.bus.publishedCount())
	rec := r.bus.record(0)
	assert.Equal(t, "tasks.llm", rec.topic)
	assert.Equal(t, req.ID, rec.msg.RequestID)
	assert.Equal(t, req.CorrelationID, rec.msg.CorrelationID)
	assert.Equal(t, "hi", rec.msg.Body["payload"].(map[string]interface{})["prompt"])

	running := r.requestStatus(t, req.ID)
	assert.Equal(t, model.RequestRunning, running.Status)

	r.respond(rec.msg.AssignmentID, true, map[string]interface{}{"text": "hello"}, "")

	done := r.requestStatus(t, req.ID)
	assert.Equal(t, model.RequestCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	step1, ok := done.Result["1"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", step1["text"])

	stored, err := r.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepSucceeded, stored.State[1].Status)
	assert.Equal(t, 1, stored.State[1].Attempts)
}

func TestRetryOnWorkerError(t *testing.T) {
	r := newRig(t, "llm")
	req, wf := r.admit(t, singleStep("llm", 30000, model.RetryPolicy{MaxAttempts: 3, BackoffMs: 5, Exponential: true}),
		map[string]interface{}{"prompt": "hi"})

	// First two attempts fail, third succeeds
	for attempt := 1; attempt <= 2; attempt++ {
		require.Eventually(t, func() bool {
			return r.bus.publishedCount() >= attempt
		}, 2*time.Second, time.Millisecond)
		r.respond(r.bus.record(attempt-1).msg.AssignmentID, false, nil, "worker blew up")
	}
	require.Eventually(t, func() bool {
		return r.bus.publishedCount() >= 3
	}, 2*time.Second, time.Millisecond)
	r.respond(r.bus.record(2).msg.AssignmentID, true, map[string]interface{}{"text": "ok"}, "")

	done := r.requestStatus(t, req.ID)
	assert.Equal(t, model.RequestCompleted, done.Status)

	stored, err := r.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.State[1].Attempts)

	assignments, err := r.store.ListAssignments(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Len(t, assignments, 3)
}

func TestTimeoutThenRecovery(t *testing.T) {
	r := newRig(t, "llm")
	req, wf := r.admit(t, singleStep("llm", 50, model.RetryPolicy{MaxAttempts: 2, BackoffMs: 1}),
		map[string]interface{}{"prompt": "hi"})

	first := r.bus.record(0).msg.AssignmentID

	// No response; the deadline fires and a second attempt goes out
	require.Eventually(t, func() bool {
		return r.bus.publishedCount() >= 2
	}, 2*time.Second, time.Millisecond)
	second := r.bus.record(1).msg.AssignmentID
	assert.NotEqual(t, first, second)

	r.respond(second, true, map[string]interface{}{"text": "late but fine"}, "")

	done := r.requestStatus(t, req.ID)
	assert.Equal(t, model.RequestCompleted, done.Status)

	a1, err := r.store.GetAssignment(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentTimedOut, a1.Status)

	a2, err := r.store.GetAssignment(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentSucceeded, a2.Status)

	stored, err := r.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.State[1].Attempts)
}

func TestSkipCascadeOnUpstreamFailure(t *testing.T) {
	r := newRig(t, "a", "b", "c")
	req, wf := r.admit(t, []model.StepSpec{
		{StepNumber: 1, WorkerType: "a", TimeoutMs: 30000, Retry: model.RetryPolicy{MaxAttempts: 1}},
		{StepNumber: 2, WorkerType: "b", DependsOn: []int{1}, TimeoutMs: 30000, Retry: model.RetryPolicy{MaxAttempts: 1}},
		{StepNumber: 3, WorkerType: "c", DependsOn: []int{1}, TimeoutMs: 30000, Retry: model.RetryPolicy{MaxAttempts: 1}},
	}, map[string]interface{}{"prompt": "hi"})

	require.Equal(t, 1, r.bus.publishedCount())
	r.respond(r.bus.record(0).msg.AssignmentID, false, nil, "terminal failure")

	done := r.requestStatus(t, req.ID)
	assert.Equal(t, model.RequestFailed, done.Status)
	require.NotNil(t, done.Error)
	assert.Equal(t, 1, done.Error.FailedStep)
	assert.Equal(t, "terminal failure", done.Error.Message)

	stored, err := r.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepFailed, stored.State[1].Status)
	assert.Equal(t, model.StepSkipped, stored.State[2].Status)
	assert.Equal(t, model.StepSkipped, stored.State[3].Status)

	// Nothing else was dispatched
	assert.Equal(t, 1, r.bus.publishedCount())
}

func TestParallelFanOutFanIn(t *testing.T) {
	r := newRig(t, "a", "b", "c", "d")
	retry := model.RetryPolicy{MaxAttempts: 1}
	req, _ := r.admit(t, []model.StepSpec{
		{StepNumber: 1, WorkerType: "a", Parallel: true, TimeoutMs: 30000, Retry: retry},
		{StepNumber: 2, WorkerType: "b", Parallel: true, TimeoutMs: 30000, Retry: retry},
		{StepNumber: 3, WorkerType: "c", Parallel: true, TimeoutMs: 30000, Retry: retry},
		{StepNumber: 4, WorkerType: "d", DependsOn: []int{1, 2, 3}, TimeoutMs: 30000, Retry: retry},
	}, map[string]interface{}{"prompt": "hi"})

	// All three parallel steps go out together; step 4 waits
	require.Equal(t, 3, r.bus.publishedCount())

	for i := 0; i < 3; i++ {
		rec := r.bus.record(i)
		stepNumber := rec.msg.Body["stepNumber"].(int)
		r.respond(rec.msg.AssignmentID, true, map[string]interface{}{
			"part": fmt.Sprintf("out-%d", stepNumber),
		}, "")
	}

	require.Equal(t, 4, r.bus.publishedCount())
	fanIn := r.bus.record(3)
	assert.Equal(t, "tasks.d", fanIn.topic)
	// The fan-in input carries the merged upstream outputs
	payload := fanIn.msg.Body["payload"].(map[string]interface{})
	assert.Contains(t, payload, "part")

	r.respond(fanIn.msg.AssignmentID, true, map[string]interface{}{"final": "done"}, "")
	done := r.requestStatus(t, req.ID)
	assert.Equal(t, model.RequestCompleted, done.Status)
	assert.Contains(t, done.Result, "1")
	assert.Contains(t, done.Result, "4")
}

func TestFanInPersistsSiblingSuccess(t *testing.T) {
	r := newRig(t, "a", "b", "c")
	retry := model.RetryPolicy{MaxAttempts: 1}
	req, wf := r.admit(t, []model.StepSpec{
		{StepNumber: 1, WorkerType: "a", Parallel: true, TimeoutMs: 30000, Retry: retry},
		{StepNumber: 2, WorkerType: "b", Parallel: true, TimeoutMs: 30000, Retry: retry},
		{StepNumber: 3, WorkerType: "c", DependsOn: []int{1, 2}, TimeoutMs: 30000, Retry: retry},
	}, map[string]interface{}{"prompt": "hi"})

	require.Equal(t, 2, r.bus.publishedCount())

	// Step 1 answers while its sibling is still in flight. Nothing new
	// can dispatch yet, but the success must land in the store or the
	// fan-in step never unblocks.
	r.respond(r.bus.record(0).msg.AssignmentID, true, map[string]interface{}{"part": "one"}, "")

	stored, err := r.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepSucceeded, stored.State[1].Status)
	assert.Equal(t, model.StepDispatched, stored.State[2].Status)
	assert.Equal(t, 2, r.bus.publishedCount())

	r.respond(r.bus.record(1).msg.AssignmentID, true, map[string]interface{}{"part": "two"}, "")
	require.Equal(t, 3, r.bus.publishedCount())
	assert.Equal(t, "tasks.c", r.bus.record(2).topic)

	r.respond(r.bus.record(2).msg.AssignmentID, true, map[string]interface{}{"final": "done"}, "")
	assert.Equal(t, model.RequestCompleted, r.requestStatus(t, req.ID).Status)
}

func TestPublishFailureDoesNotBurnAttempt(t *testing.T) {
	r := newRig(t, "llm")
	r.bus.setFailPublish(true)

	req, wf := r.admit(t, singleStep("llm", 30000, model.RetryPolicy{MaxAttempts: 1}),
		map[string]interface{}{"prompt": "hi"})

	// The publish failed after the connectivity check: the step stays
	// READY, no attempt is burned, and the assignment is voided
	assert.Equal(t, 0, r.bus.publishedCount())
	stored, err := r.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepReady, stored.State[1].Status)
	assert.Equal(t, 0, stored.State[1].Attempts)

	voided, err := r.store.ListAssignments(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, voided, 1)
	assert.Equal(t, model.AssignmentFailed, voided[0].Status)
	assert.Contains(t, voided[0].Error, "publish failed")

	// The bus heals; the single allowed attempt still goes out
	r.bus.setFailPublish(false)
	r.scheduler.advance(context.Background(), wf.ID)
	require.Equal(t, 1, r.bus.publishedCount())

	r.respond(r.bus.record(0).msg.AssignmentID, true, map[string]interface{}{"text": "ok"}, "")
	done := r.requestStatus(t, req.ID)
	assert.Equal(t, model.RequestCompleted, done.Status)

	final, err := r.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, final.State[1].Attempts)
}

func TestSequentialStepsPreserveOrder(t *testing.T) {
	r := newRig(t, "a", "b")
	retry := model.RetryPolicy{MaxAttempts: 1}
	_, _ = r.admit(t, []model.StepSpec{
		{StepNumber: 1, WorkerType: "a", TimeoutMs: 30000, Retry: retry},
		{StepNumber: 2, WorkerType: "b", TimeoutMs: 30000, Retry: retry},
	}, map[string]interface{}{"prompt": "hi"})

	// Both steps are dependency-free but not parallel: declaration
	// order holds and only step 1 is in flight
	require.Equal(t, 1, r.bus.publishedCount())
	assert.Equal(t, "tasks.a", r.bus.record(0).topic)

	r.respond(r.bus.record(0).msg.AssignmentID, true, map[string]interface{}{"x": 1}, "")
	require.Equal(t, 2, r.bus.publishedCount())
	assert.Equal(t, "tasks.b", r.bus.record(1).topic)
}

func TestLateResponseNeverRetroAdvances(t *testing.T) {
	r := newRig(t, "llm")
	req, wf := r.admit(t, singleStep("llm", 30, model.RetryPolicy{MaxAttempts: 1}),
		map[string]interface{}{"prompt": "hi"})

	assignmentID := r.bus.record(0).msg.AssignmentID

	// Deadline fires with no attempts left: terminal failure
	require.Eventually(t, func() bool {
		return r.requestStatus(t, req.ID).Status == model.RequestFailed
	}, 2*time.Second, time.Millisecond)

	// The worker answers after the fact
	r.respond(assignmentID, true, map[string]interface{}{"text": "too late"}, "")

	done := r.requestStatus(t, req.ID)
	assert.Equal(t, model.RequestFailed, done.Status)

	stored, err := r.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepFailed, stored.State[1].Status)

	a, err := r.store.GetAssignment(context.Background(), assignmentID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentSucceeded, a.Status)
	assert.True(t, a.Late)
	assert.Equal(t, "too late", a.Output["text"])
}

func TestNoWorkerLeavesStepReady(t *testing.T) {
	r := newRig(t) // no workers registered
	req, wf := r.admit(t, singleStep("llm", 30000, model.RetryPolicy{MaxAttempts: 3, BackoffMs: 10}),
		map[string]interface{}{"prompt": "hi"})

	assert.Equal(t, 0, r.bus.publishedCount())
	stored, err := r.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepReady, stored.State[1].Status)
	assert.Equal(t, 0, stored.State[1].Attempts)
	assert.Equal(t, model.RequestPending, r.requestStatus(t, req.ID).Status)

	// A worker appears; the next advance dispatches
	r.selector.add("llm")
	r.scheduler.advance(context.Background(), wf.ID)
	assert.Equal(t, 1, r.bus.publishedCount())
}

func TestBusOutageDefersDispatch(t *testing.T) {
	r := newRig(t, "llm")
	r.bus.setConnected(false)

	_, wf := r.admit(t, singleStep("llm", 30000, model.RetryPolicy{MaxAttempts: 3, BackoffMs: 10}),
		map[string]interface{}{"prompt": "hi"})

	assert.Equal(t, 0, r.bus.publishedCount())
	stored, err := r.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepReady, stored.State[1].Status)

	r.bus.setConnected(true)
	r.scheduler.advance(context.Background(), wf.ID)
	assert.Equal(t, 1, r.bus.publishedCount())
}

func TestSaturationSignal(t *testing.T) {
	r := newRig(t) // no workers: every dispatch queues
	r.scheduler.pendingLimit = 1
	r.scheduler.saturationGrace = 5 * time.Millisecond

	_, wf := r.admit(t, singleStep("llm", 30000, model.RetryPolicy{MaxAttempts: 3, BackoffMs: 10}),
		map[string]interface{}{"prompt": "hi"})

	assert.False(t, r.scheduler.Saturated())
	time.Sleep(10 * time.Millisecond)
	assert.True(t, r.scheduler.Saturated())

	// Capacity returns and the backlog drains
	r.selector.add("llm")
	r.scheduler.advance(context.Background(), wf.ID)
	assert.False(t, r.scheduler.Saturated())
}

func TestResultFieldAggregation(t *testing.T) {
	r := newRig(t, "llm", "resume")
	catalog := NewCatalog()
	template, _ := catalog.Get("resume-build")

	ctx := context.Background()
	req := &model.Request{
		ID:            uuid.NewString(),
		UserID:        "user-1",
		WorkflowName:  "resume-build",
		Payload:       map[string]interface{}{"jobDescription": "engineer"},
		CorrelationID: uuid.NewString(),
		Status:        model.RequestPending,
	}
	wf, err := catalog.Instantiate(template, uuid.NewString(), req.ID, req.Payload)
	require.NoError(t, err)
	req.WorkflowID = wf.ID
	require.NoError(t, r.store.CreateRequest(ctx, req))
	require.NoError(t, r.store.CreateWorkflow(ctx, wf))

	r.scheduler.StartWorkflow(ctx, wf.ID)
	for i := 0; i < 3; i++ {
		require.Equal(t, i+1, r.bus.publishedCount())
		r.respond(r.bus.record(i).msg.AssignmentID, true, map[string]interface{}{
			"doc": fmt.Sprintf("v%d", i+1),
		}, "")
	}

	done := r.requestStatus(t, req.ID)
	require.Equal(t, model.RequestCompleted, done.Status)
	final, ok := done.Result["finalDocument"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "v3", final["doc"])
}
