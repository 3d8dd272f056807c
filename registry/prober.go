package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/model"
	"github.com/flowmesh/orchestrator/resilience"
)

// Prober periodically checks GET <endpoint>/health for every instance
// in the registry. Instances that keep failing trip a per-instance
// circuit breaker so a dead endpoint is not hammered on every cycle.
type Prober struct {
	registry *Registry
	client   *http.Client
	interval time.Duration
	logger   core.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewProber creates a prober over the registry snapshot
func NewProber(registry *Registry, interval, timeout time.Duration, logger core.Logger) *Prober {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		registry: registry,
		client:   &http.Client{Timeout: timeout},
		interval: interval,
		logger:   logger,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Run probes every known instance immediately and then on each
// interval until cancelled, so workers do not stay unknown for a full
// interval after startup
func (p *Prober) Run(ctx context.Context) {
	p.probeAll(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, w := range p.registry.Snapshot() {
		breaker := p.breakerFor(w.ID)
		if !breaker.CanExecute() {
			p.registry.MarkHealth(w.ID, model.HealthUnhealthy)
			continue
		}
		if p.probe(ctx, w) {
			breaker.RecordSuccess()
			p.registry.MarkHealth(w.ID, model.HealthHealthy)
		} else {
			breaker.RecordFailure()
			p.registry.MarkHealth(w.ID, model.HealthUnhealthy)
		}
	}
}

// probe reports whether the instance answered its health endpoint with
// a 2xx status
func (p *Prober) probe(ctx context.Context, w *model.WorkerInstance) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Health probe failed", map[string]interface{}{
			"worker_id":   w.ID,
			"worker_type": w.WorkerType,
			"error":       err.Error(),
		})
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *Prober) breakerFor(instanceID string) *resilience.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	breaker, ok := p.breakers[instanceID]
	if !ok {
		breaker = resilience.NewCircuitBreaker(3, 2*p.interval)
		p.breakers[instanceID] = breaker
	}
	return breaker
}
