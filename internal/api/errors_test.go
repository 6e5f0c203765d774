package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"not found", NewNotFoundError("agent", "agent_0000000000000000"), KindNotFound},
		{"spoofing", NewIdentitySpoofingError("claimed %s", "alpha"), KindIdentitySpoofing},
		{"permission", NewPermissionDeniedError("level %d < %d", 25, 75), KindPermissionDenied},
		{"transition", NewInvalidTransitionError("completed -> pending"), KindInvalidTransition},
		{"conflict", NewConflictError("agent_name alpha already locked"), KindConflict},
		{"halted", NewHaltedError(), KindHalted},
		{"cursor", NewCursorExpiredError(17), KindCursorExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.True(t, IsKind(tt.err, tt.kind))
		})
	}
}

func TestKindOfWrappedError(t *testing.T) {
	inner := NewConflictError("duplicate capability")
	wrapped := fmt.Errorf("reducer failed: %w", inner)
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("disk on fire")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewOverloadedError("reducer queue full")))
	assert.True(t, IsRetryable(NewError(KindIDGeneration, "entropy unavailable")))
	assert.False(t, IsRetryable(NewHaltedError()))
	assert.False(t, IsRetryable(NewNotFoundError("task", "task_x")))
}

func TestInternalErrorCarriesCorrelationID(t *testing.T) {
	e := NewInternalError(errors.New("sqlite: disk I/O error"))
	assert.Equal(t, KindInternal, e.Kind)
	assert.NotEmpty(t, e.CorrelationID)
	// The underlying detail never leaks into the client-visible message.
	assert.NotContains(t, e.Message, "sqlite")
}

func TestRoleAuthorityLevels(t *testing.T) {
	assert.Equal(t, 10, RoleObserver.AuthorityLevel())
	assert.Equal(t, 25, RoleWorker.AuthorityLevel())
	assert.Equal(t, 75, RoleSpecialist.AuthorityLevel())
	assert.Equal(t, 150, RoleFrameworkAdmin.AuthorityLevel())
	assert.Equal(t, 250, RoleOverseer.AuthorityLevel())
	assert.Equal(t, 0, Role("MANAGER").AuthorityLevel())
	assert.False(t, Role("MANAGER").Valid())
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskAccepted.Terminal())
	assert.False(t, TaskInProgress.Terminal())
}
