package api

import "context"

// CoordinatorHandler drives workflows from pending to terminal states
// by assigning ready steps to capable agents and consuming task
// updates.
type CoordinatorHandler interface {
	// Start launches the coordinator loop. It runs until ctx is
	// cancelled.
	Start(ctx context.Context) error

	// Kick wakes the scheduling loop immediately instead of waiting for
	// the next tick. Called after reducer commits that may unblock
	// steps.
	Kick()

	// InFlight returns the number of task assignments the coordinator
	// currently counts against capability slots.
	InFlight() int
}

// AuditHandler is the append-only audit log.
type AuditHandler interface {
	// Record appends one audit entry. Append-only; entries are never
	// rewritten.
	Record(ctx context.Context, rec AuditRecord) error

	// Query returns audit entries matching the filter, newest first.
	// Callers must enforce the FRAMEWORK_ADMIN read restriction before
	// calling.
	Query(ctx context.Context, filter map[string]interface{}, limit int) ([]AuditRecord, error)
}

// VerifiedIdentity is the result of a successful identity check.
type VerifiedIdentity struct {
	AgentName        string
	ProjectDirectory string
	AgentID          string // empty until the agent has registered
}

// IdentityHandler binds agent names to project directories and rejects
// spoofed claims.
type IdentityHandler interface {
	// Verify checks the claimed name and project directory against the
	// locked configuration. A mismatch fails with IdentitySpoofingError.
	Verify(ctx context.Context, claimedName, claimedDir string) (*VerifiedIdentity, error)

	// Lock records the one-way name/directory binding at first
	// registration. Fails with Conflict if a different binding exists.
	Lock(ctx context.Context, agentName, projectDir string) error

	// Clear removes a binding. Only reachable through a user override.
	Clear(ctx context.Context, agentName string) error
}
