package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/model"
)

// MemoryStore is the reference in-memory Store implementation, used by
// tests and local development. All entities are deep-copied on the way
// in and out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]*model.Request
	workflows   map[string]*model.Workflow
	assignments map[string]*model.Assignment
	idempotency map[string]string // (userId, key) -> requestId
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*model.Request),
		workflows:   make(map[string]*model.Workflow),
		assignments: make(map[string]*model.Assignment),
		idempotency: make(map[string]string),
	}
}

func idemKey(userID, key string) string {
	return userID + "\x00" + key
}

// CreateRequest stores a new request and claims its idempotency index
// entry. A key already claimed by another request is
// core.ErrIdempotencyConflict and nothing is stored; claim and create
// are atomic under the store mutex.
func (m *MemoryStore) CreateRequest(ctx context.Context, req *model.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[req.ID]; exists {
		return fmt.Errorf("request %s already exists: %w", req.ID, core.ErrVersionConflict)
	}
	if req.IdempotencyKey != "" {
		if winner, claimed := m.idempotency[idemKey(req.UserID, req.IdempotencyKey)]; claimed {
			return fmt.Errorf("idempotency key held by request %s: %w", winner, core.ErrIdempotencyConflict)
		}
	}
	copied, err := cloneVia(req)
	if err != nil {
		return err
	}
	m.requests[req.ID] = copied
	if req.IdempotencyKey != "" {
		m.idempotency[idemKey(req.UserID, req.IdempotencyKey)] = req.ID
	}
	return nil
}

// GetRequest returns the request by id or core.ErrNotFound
func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, core.ErrNotFound)
	}
	return cloneVia(req)
}

// FindRequestByIdempotency resolves the (userId, idempotencyKey) index
func (m *MemoryStore) FindRequestByIdempotency(ctx context.Context, userID, key string) (*model.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idempotency[idemKey(userID, key)]
	if !ok {
		return nil, fmt.Errorf("idempotency (%s): %w", userID, core.ErrNotFound)
	}
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, core.ErrNotFound)
	}
	return cloneVia(req)
}

// UpdateRequest replaces the stored request iff the version matches
func (m *MemoryStore) UpdateRequest(ctx context.Context, req *model.Request, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.requests[req.ID]
	if !ok {
		return fmt.Errorf("request %s: %w", req.ID, core.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("request %s version %d != expected %d: %w",
			req.ID, current.Version, expectedVersion, core.ErrVersionConflict)
	}
	copied, err := cloneVia(req)
	if err != nil {
		return err
	}
	copied.Version = expectedVersion + 1
	m.requests[req.ID] = copied
	req.Version = copied.Version
	return nil
}

// CreateWorkflow stores a new workflow
func (m *MemoryStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[wf.ID]; exists {
		return fmt.Errorf("workflow %s already exists: %w", wf.ID, core.ErrVersionConflict)
	}
	copied, err := cloneVia(wf)
	if err != nil {
		return err
	}
	m.workflows[wf.ID] = copied
	return nil
}

// GetWorkflow returns the workflow by id or core.ErrNotFound
func (m *MemoryStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, core.ErrNotFound)
	}
	return cloneVia(wf)
}

// UpdateWorkflow replaces the stored workflow iff the version matches
func (m *MemoryStore) UpdateWorkflow(ctx context.Context, wf *model.Workflow, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.workflows[wf.ID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", wf.ID, core.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("workflow %s version %d != expected %d: %w",
			wf.ID, current.Version, expectedVersion, core.ErrVersionConflict)
	}
	copied, err := cloneVia(wf)
	if err != nil {
		return err
	}
	copied.Version = expectedVersion + 1
	m.workflows[wf.ID] = copied
	wf.Version = copied.Version
	return nil
}

// CreateAssignment stores a new assignment
func (m *MemoryStore) CreateAssignment(ctx context.Context, a *model.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.assignments[a.ID]; exists {
		return fmt.Errorf("assignment %s already exists: %w", a.ID, core.ErrVersionConflict)
	}
	copied, err := cloneVia(a)
	if err != nil {
		return err
	}
	m.assignments[a.ID] = copied
	return nil
}

// GetAssignment returns the assignment by id or core.ErrNotFound
func (m *MemoryStore) GetAssignment(ctx context.Context, id string) (*model.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assignments[id]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", id, core.ErrNotFound)
	}
	return cloneVia(a)
}

// UpdateAssignment replaces the stored assignment iff the version matches
func (m *MemoryStore) UpdateAssignment(ctx context.Context, a *model.Assignment, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.assignments[a.ID]
	if !ok {
		return fmt.Errorf("assignment %s: %w", a.ID, core.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("assignment %s version %d != expected %d: %w",
			a.ID, current.Version, expectedVersion, core.ErrVersionConflict)
	}
	copied, err := cloneVia(a)
	if err != nil {
		return err
	}
	copied.Version = expectedVersion + 1
	m.assignments[a.ID] = copied
	a.Version = copied.Version
	return nil
}

// ListAssignments returns every assignment for a workflow, unordered
func (m *MemoryStore) ListAssignments(ctx context.Context, workflowID string) ([]*model.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Assignment
	for _, a := range m.assignments {
		if a.WorkflowID != workflowID {
			continue
		}
		copied, err := cloneVia(a)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	return out, nil
}
