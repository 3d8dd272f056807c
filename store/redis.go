package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowmesh/orchestrator/core"
	"github.com/flowmesh/orchestrator/model"
	"github.com/flowmesh/orchestrator/resilience"
)

// RedisStore is the production Store implementation. Entities are kept
// as JSON documents keyed by id; conditional updates run under WATCH so
// a concurrent writer turns the update into core.ErrVersionConflict
// instead of a lost write.
type RedisStore struct {
	client    *redis.Client
	namespace string
	logger    core.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
// A connection failure here is a fatal startup error.
func NewRedisStore(redisURL string, logger core.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid store URL: %w", core.ErrInvalidConfiguration)
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	err = resilience.Retry(context.Background(), &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      3 * time.Second,
		BackoffFactor: 2.0,
	}, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to request store after retries: %w", core.ErrConnectionFailed)
	}

	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisStore{
		client:    client,
		namespace: "orchestrator",
		logger:    logger,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests.
func NewRedisStoreWithClient(client *redis.Client, logger core.Logger) *RedisStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisStore{client: client, namespace: "orchestrator", logger: logger}
}

// Close releases the underlying connection pool
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) requestKey(id string) string {
	return fmt.Sprintf("%s:requests:%s", s.namespace, id)
}

func (s *RedisStore) workflowKey(id string) string {
	return fmt.Sprintf("%s:workflows:%s", s.namespace, id)
}

func (s *RedisStore) assignmentKey(id string) string {
	return fmt.Sprintf("%s:assignments:%s", s.namespace, id)
}

func (s *RedisStore) idemIndexKey(userID, key string) string {
	return fmt.Sprintf("%s:idem:%s:%s", s.namespace, userID, key)
}

func (s *RedisStore) workflowAssignmentsKey(workflowID string) string {
	return fmt.Sprintf("%s:wfassign:%s", s.namespace, workflowID)
}

// createDocument stores a JSON document under key, failing if it exists
func (s *RedisStore) createDocument(ctx context.Context, key string, entity interface{}) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	ok, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%s already exists: %w", key, core.ErrVersionConflict)
	}
	return nil
}

// getDocument loads a JSON document into dst
func (s *RedisStore) getDocument(ctx context.Context, key string, dst interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("%s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// versionProbe extracts only the version field of a stored document
type versionProbe struct {
	Version int64 `json:"version"`
}

// updateDocument performs a compare-and-set on the stored version.
// entity must already carry the new version (expectedVersion + 1).
func (s *RedisStore) updateDocument(ctx context.Context, key string, entity interface{}, expectedVersion int64) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return fmt.Errorf("%s: %w", key, core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}

		var probe versionProbe
		if err := json.Unmarshal(stored, &probe); err != nil {
			return fmt.Errorf("unmarshal %s: %w", key, err)
		}
		if probe.Version != expectedVersion {
			return fmt.Errorf("%s version %d != expected %d: %w",
				key, probe.Version, expectedVersion, core.ErrVersionConflict)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	if err == redis.TxFailedErr {
		// The key changed between WATCH and EXEC; same outcome as a
		// version mismatch, the caller re-reads and retries.
		return fmt.Errorf("%s concurrently modified: %w", key, core.ErrVersionConflict)
	}
	return err
}

// CreateRequest stores a new request and claims its idempotency index
// entry with SetNX. The document is written first so that whoever wins
// the claim has a readable request by the time the index resolves; a
// lost claim withdraws the document and returns
// core.ErrIdempotencyConflict.
func (s *RedisStore) CreateRequest(ctx context.Context, req *model.Request) error {
	if err := s.createDocument(ctx, s.requestKey(req.ID), req); err != nil {
		return err
	}
	if req.IdempotencyKey == "" {
		return nil
	}
	claimed, err := s.client.SetNX(ctx, s.idemIndexKey(req.UserID, req.IdempotencyKey), req.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("index idempotency for %s: %w", req.ID, err)
	}
	if !claimed {
		if derr := s.client.Del(ctx, s.requestKey(req.ID)).Err(); derr != nil {
			s.logger.Warn("Withdrawing conflicted request failed", map[string]interface{}{
				"request_id": req.ID,
				"error":      derr.Error(),
			})
		}
		return fmt.Errorf("idempotency key (%s) already claimed: %w", req.UserID, core.ErrIdempotencyConflict)
	}
	return nil
}

// GetRequest returns the request by id
func (s *RedisStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	var req model.Request
	if err := s.getDocument(ctx, s.requestKey(id), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// FindRequestByIdempotency resolves the (userId, idempotencyKey) index
func (s *RedisStore) FindRequestByIdempotency(ctx context.Context, userID, key string) (*model.Request, error) {
	id, err := s.client.Get(ctx, s.idemIndexKey(userID, key)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("idempotency (%s): %w", userID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return s.GetRequest(ctx, id)
}

// UpdateRequest replaces the stored request iff the version matches
func (s *RedisStore) UpdateRequest(ctx context.Context, req *model.Request, expectedVersion int64) error {
	req.Version = expectedVersion + 1
	if err := s.updateDocument(ctx, s.requestKey(req.ID), req, expectedVersion); err != nil {
		req.Version = expectedVersion
		return err
	}
	return nil
}

// CreateWorkflow stores a new workflow
func (s *RedisStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	return s.createDocument(ctx, s.workflowKey(wf.ID), wf)
}

// GetWorkflow returns the workflow by id
func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	var wf model.Workflow
	if err := s.getDocument(ctx, s.workflowKey(id), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// UpdateWorkflow replaces the stored workflow iff the version matches
func (s *RedisStore) UpdateWorkflow(ctx context.Context, wf *model.Workflow, expectedVersion int64) error {
	wf.Version = expectedVersion + 1
	if err := s.updateDocument(ctx, s.workflowKey(wf.ID), wf, expectedVersion); err != nil {
		wf.Version = expectedVersion
		return err
	}
	return nil
}

// CreateAssignment stores a new assignment and adds it to the
// workflow's assignment set
func (s *RedisStore) CreateAssignment(ctx context.Context, a *model.Assignment) error {
	if err := s.createDocument(ctx, s.assignmentKey(a.ID), a); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, s.workflowAssignmentsKey(a.WorkflowID), a.ID).Err(); err != nil {
		return fmt.Errorf("index assignment %s: %w", a.ID, err)
	}
	return nil
}

// GetAssignment returns the assignment by id
func (s *RedisStore) GetAssignment(ctx context.Context, id string) (*model.Assignment, error) {
	var a model.Assignment
	if err := s.getDocument(ctx, s.assignmentKey(id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAssignment replaces the stored assignment iff the version matches
func (s *RedisStore) UpdateAssignment(ctx context.Context, a *model.Assignment, expectedVersion int64) error {
	a.Version = expectedVersion + 1
	if err := s.updateDocument(ctx, s.assignmentKey(a.ID), a, expectedVersion); err != nil {
		a.Version = expectedVersion
		return err
	}
	return nil
}

// ListAssignments returns every assignment for a workflow, unordered
func (s *RedisStore) ListAssignments(ctx context.Context, workflowID string) ([]*model.Assignment, error) {
	ids, err := s.client.SMembers(ctx, s.workflowAssignmentsKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list assignments for %s: %w", workflowID, err)
	}
	out := make([]*model.Assignment, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAssignment(ctx, id)
		if err != nil {
			if core.IsNotFound(err) {
				s.logger.Warn("Assignment in index but missing", map[string]interface{}{
					"assignment_id": id,
					"workflow_id":   workflowID,
				})
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
