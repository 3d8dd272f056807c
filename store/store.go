// Package store provides durable CRUD for requests, workflows and
// assignments with conditional (compare-and-set) updates.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/model"
)

// Store is the repository interface the rest of the system depends on,
// keeping it storage-agnostic. Every update is conditional: it succeeds
// only when the stored version matches expectedVersion, and bumps the
// entity version by one. A mismatch returns core.ErrVersionConflict and
// the caller re-reads and retries; the core never blind-writes.
type Store interface {
	CreateRequest(ctx context.Context, req *model.Request) error
	GetRequest(ctx context.Context, id string) (*model.Request, error)
	FindRequestByIdempotency(ctx context.Context, userID, key string) (*model.Request, error)
	UpdateRequest(ctx context.Context, req *model.Request, expectedVersion int64) error

	CreateWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *model.Workflow, expectedVersion int64) error

	CreateAssignment(ctx context.Context, a *model.Assignment) error
	GetAssignment(ctx context.Context, id string) (*model.Assignment, error)
	UpdateAssignment(ctx context.Context, a *model.Assignment, expectedVersion int64) error
	ListAssignments(ctx context.Context, workflowID string) ([]*model.Assignment, error)
}

// conflictRetryAttempts bounds internal conflict retries. Conflicts are
// contention between the scheduler and correlator on the same workflow;
// a handful of re-reads always converges because writers are finite.
const conflictRetryAttempts = 10

// RetryOnConflict re-invokes fn while it fails with core.ErrVersionConflict.
// fn must re-read the entity and re-apply its change on every invocation.
func RetryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < conflictRetryAttempts; attempt++ {
		if err = fn(); err == nil || !core.IsConflict(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 2 * time.Millisecond):
		}
	}
	return fmt.Errorf("conflict retries exhausted: %w", err)
}

// cloneVia returns a deep copy of src through a JSON round trip.
// Entities are JSON-shaped throughout, so this is lossless.
func cloneVia[T any](src *T) (*T, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("clone marshal: %w", err)
	}
	var dst T
	if err := json.Unmarshal(data, &dst); err != nil {
		return nil, fmt.Errorf("clone unmarshal: %w", err)
	}
	return &dst, nil
}
