package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/orchestrator/model"
)

type fakeProvider struct {
	instances map[string][]*model.WorkerInstance
	err       error
}

func (p *fakeProvider) Discover(ctx context.Context) (map[string][]*model.WorkerInstance, error) {
	if p.err != nil {
		return nil, p.err
	}
	// Hand out fresh copies the way a real provider would
	out := make(map[string][]*model.WorkerInstance, len(p.instances))
	for workerType, pool := range p.instances {
		for _, w := range pool {
			copied := *w
			out[workerType] = append(out[workerType], &copied)
		}
	}
	return out, nil
}

func instance(id, workerType string, health model.Health) *model.WorkerInstance {
	return &model.WorkerInstance{
		ID:         id,
		WorkerType: workerType,
		Endpoint:   "http://" + id + ":3000",
		Health:     health,
	}
}

func TestRefreshCarriesHealthForward(t *testing.T) {
	provider := &fakeProvider{instances: map[string][]*model.WorkerInstance{
		"llm": {instance("llm-1", "llm", model.HealthUnknown)},
	}}
	r := New(provider, time.Minute, nil)

	r.refresh(context.Background())
	r.MarkHealth("llm-1", model.HealthHealthy)

	// A re-list must not reset probe state
	r.refresh(context.Background())

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, model.HealthHealthy, snapshot[0].Health)
}

func TestRefreshKeepsSnapshotOnError(t *testing.T) {
	provider := &fakeProvider{instances: map[string][]*model.WorkerInstance{
		"llm": {instance("llm-1", "llm", model.HealthHealthy)},
	}}
	r := New(provider, time.Minute, nil)
	r.refresh(context.Background())

	provider.err = errors.New("api unavailable")
	r.refresh(context.Background())

	assert.Len(t, r.Snapshot(), 1)
}

func TestSelectWorkerPrefersHealthy(t *testing.T) {
	provider := &fakeProvider{instances: map[string][]*model.WorkerInstance{
		"llm": {
			instance("llm-1", "llm", model.HealthUnhealthy),
			instance("llm-2", "llm", model.HealthHealthy),
			instance("llm-3", "llm", model.HealthUnhealthy),
		},
	}}
	r := New(provider, time.Minute, nil)
	r.refresh(context.Background())

	for i := 0; i < 10; i++ {
		w := r.SelectWorker("llm")
		require.NotNil(t, w)
		assert.Equal(t, "llm-2", w.ID)
	}
}

func TestSelectWorkerFallsBackWhenNoneHealthy(t *testing.T) {
	provider := &fakeProvider{instances: map[string][]*model.WorkerInstance{
		"llm": {
			instance("llm-1", "llm", model.HealthUnhealthy),
			instance("llm-2", "llm", model.HealthUnknown),
		},
	}}
	r := New(provider, time.Minute, nil)
	r.refresh(context.Background())

	w := r.SelectWorker("llm")
	require.NotNil(t, w)
	assert.Equal(t, "llm-1", w.ID)
}

func TestSelectWorkerUnknownType(t *testing.T) {
	r := New(&fakeProvider{}, time.Minute, nil)
	r.refresh(context.Background())
	assert.Nil(t, r.SelectWorker("llm"))
}

func TestLookupFuzzyMatching(t *testing.T) {
	provider := &fakeProvider{instances: map[string][]*model.WorkerInstance{
		"resume-worker": {instance("rw-1", "resume-worker", model.HealthHealthy)},
		"static":        {instance("st-1", "static", model.HealthHealthy)},
	}}
	r := New(provider, time.Minute, nil)
	r.refresh(context.Background())

	// Exact
	pool := r.Lookup("resume-worker")
	require.Len(t, pool, 1)
	assert.Equal(t, "rw-1", pool[0].ID)

	// Substring: "resume" finds "resume-worker"
	pool = r.Lookup("resume")
	require.Len(t, pool, 1)
	assert.Equal(t, "rw-1", pool[0].ID)

	// Last resort: static pool
	pool = r.Lookup("translation")
	require.Len(t, pool, 1)
	assert.Equal(t, "st-1", pool[0].ID)
}

func TestMarkHealthStampsTimestamp(t *testing.T) {
	provider := &fakeProvider{instances: map[string][]*model.WorkerInstance{
		"llm": {instance("llm-1", "llm", model.HealthUnknown)},
	}}
	r := New(provider, time.Minute, nil)
	r.refresh(context.Background())

	before := time.Now()
	r.MarkHealth("llm-1", model.HealthUnhealthy)

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, model.HealthUnhealthy, snapshot[0].Health)
	assert.False(t, snapshot[0].LastHealthCheck.Before(before))
}
