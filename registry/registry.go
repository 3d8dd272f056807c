// Package registry maintains the set of reachable worker instances per
// worker type, keeps their health fresh, and selects instances for
// dispatch.
package registry

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/model"
)

// Provider discovers worker instances grouped by worker type
type Provider interface {
	Discover(ctx context.Context) (map[string][]*model.WorkerInstance, error)
}

// Registry is the read-mostly view of discovered workers. The
// discovery loop replaces the snapshot atomically; selection and
// lookup only ever read it.
type Registry struct {
	provider Provider
	interval time.Duration
	logger   core.Logger

	mu      sync.RWMutex
	workers map[string][]*model.WorkerInstance
}

// New creates a registry around a discovery provider
func New(provider Provider, interval time.Duration, logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Registry{
		provider: provider,
		interval: interval,
		logger:   logger,
		workers:  make(map[string][]*model.WorkerInstance),
	}
}

// Run refreshes the snapshot immediately and then on every interval
// until the context is cancelled
func (r *Registry) Run(ctx context.Context) {
	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// refresh discovers instances and swaps the snapshot, carrying health
// state forward for instances that survived the refresh
func (r *Registry) refresh(ctx context.Context) {
	discovered, err := r.provider.Discover(ctx)
	if err != nil {
		r.logger.Warn("Worker discovery failed, keeping previous snapshot", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	r.mu.Lock()
	previous := make(map[string]*model.WorkerInstance)
	for _, pool := range r.workers {
		for _, w := range pool {
			previous[w.ID] = w
		}
	}
	for _, pool := range discovered {
		for _, w := range pool {
			if old, ok := previous[w.ID]; ok {
				w.Health = old.Health
				w.LastHealthCheck = old.LastHealthCheck
			}
		}
	}
	r.workers = discovered
	total := 0
	for _, pool := range discovered {
		total += len(pool)
	}
	r.mu.Unlock()

	r.logger.Debug("Worker snapshot refreshed", map[string]interface{}{
		"worker_types": len(discovered),
		"instances":    total,
	})
}

// Snapshot returns a copy of every known instance
func (r *Registry) Snapshot() []*model.WorkerInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.WorkerInstance
	for _, pool := range r.workers {
		out = append(out, pool...)
	}
	return out
}

// Lookup resolves a worker type to its instance pool. An exact key
// wins; otherwise substring containment matches ("resume" finds
// "resume-worker"); the "static" pool is the last resort.
func (r *Registry) Lookup(workerType string) []*model.WorkerInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if pool, ok := r.workers[workerType]; ok && len(pool) > 0 {
		return pool
	}
	for key, pool := range r.workers {
		if len(pool) == 0 {
			continue
		}
		if strings.Contains(key, workerType) || strings.Contains(workerType, key) {
			return pool
		}
	}
	if pool, ok := r.workers["static"]; ok && len(pool) > 0 {
		return pool
	}
	return nil
}

// SelectWorker picks an instance for a worker type: uniformly at
// random from the healthy subset, falling back to the first known
// instance when none are healthy (the dispatch is allowed to fail and
// trigger a retry). Returns nil when no instances are known at all.
func (r *Registry) SelectWorker(workerType string) *model.WorkerInstance {
	pool := r.Lookup(workerType)
	if len(pool) == 0 {
		return nil
	}

	var healthy []*model.WorkerInstance
	for _, w := range pool {
		if w.Health == model.HealthHealthy {
			healthy = append(healthy, w)
		}
	}
	if len(healthy) > 0 {
		return healthy[rand.Intn(len(healthy))]
	}
	return pool[0]
}

// MarkHealth stamps the health of an instance in place. Called by the
// prober; instances are shared pointers inside the snapshot, so
// readers observe the update without a swap.
func (r *Registry) MarkHealth(instanceID string, health model.Health) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pool := range r.workers {
		for _, w := range pool {
			if w.ID == instanceID {
				w.Health = health
				w.LastHealthCheck = time.Now()
				return
			}
		}
	}
}
