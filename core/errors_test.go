package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorPredicates(t *testing.T) {
	wrapped := fmt.Errorf("admit: %w", ErrUnknownWorkflow)
	assert.True(t, IsAdmissionError(wrapped))
	assert.False(t, IsAdmissionError(ErrVersionConflict))

	assert.True(t, IsRetryableDispatch(fmt.Errorf("publish: %w", ErrNotConnected)))
	assert.True(t, IsRetryableDispatch(ErrNoWorkerAvailable))
	assert.False(t, IsRetryableDispatch(ErrBadRequest))

	assert.True(t, IsConflict(fmt.Errorf("update: %w", ErrVersionConflict)))
	assert.True(t, IsNotFound(fmt.Errorf("request x: %w", ErrNotFound)))

	assert.True(t, IsFatal(ErrMissingConfiguration))
	assert.True(t, IsFatal(fmt.Errorf("port: %w", ErrInvalidConfiguration)))
	assert.False(t, IsFatal(ErrTimeout))
}

func TestOrchestratorError(t *testing.T) {
	err := &OrchestratorError{
		Op:   "scheduler.Dispatch",
		Kind: "dispatch",
		ID:   "wf-1",
		Err:  ErrNoWorkerAvailable,
	}

	assert.Equal(t, "scheduler.Dispatch [wf-1]: no worker available", err.Error())
	assert.True(t, errors.Is(err, ErrNoWorkerAvailable))

	bare := &OrchestratorError{Kind: "conflict"}
	assert.Equal(t, "conflict error", bare.Error())
}
