// Package authority implements the permission engine: a fixed decision
// table over the six-level role lattice, the emergency-halt flag, and
// nothing else. Decisions are pure functions of the request; the engine
// holds no entity state.
package authority

import (
	"sync"

	"agora/internal/api"
	"agora/pkg/logging"
)

// minimumLevel is the base authority threshold per operation. An actor
// at or above the threshold is granted, subject to the cross-agent rule
// applied on top.
var minimumLevel = map[string]int{
	api.OpAgentRegister:  api.LevelObserver,
	api.OpQueryData:      api.LevelObserver,
	api.OpSystemStatus:   api.LevelObserver,
	api.OpMessagingSend:  api.LevelWorker,
	api.OpTaskUpdate:     api.LevelWorker,
	api.OpTaskAssign:     api.LevelSpecialist,
	api.OpWorkflowStart:  api.LevelSpecialist,
	api.OpAuditQuery:     api.LevelFrameworkAdmin,
	api.OpFrameworkAdmin: api.LevelFrameworkAdmin,
}

// crossAgentOps are operations where acting on an entity owned by a
// different agent raises the bar: FRAMEWORK_ADMIN and above act freely,
// anyone else at the base threshold needs an override.
var crossAgentOps = map[string]bool{
	api.OpTaskUpdate: true,
}

// Engine is the authority and permission engine.
type Engine struct {
	mu         sync.RWMutex
	halted     bool
	haltReason string
}

// New creates the permission engine in the running (non-halted) state.
func New() *Engine {
	return &Engine{}
}

// Check evaluates the fixed permission matrix. User authority (255) is
// granted unconditionally; user_override is granted only at exactly
// user authority.
func (e *Engine) Check(req api.CheckRequest) api.Decision {
	if req.Operation == api.OpUserOverride {
		if req.ActorLevel == api.LevelUser && req.AuthorityLevel == api.LevelUser {
			return api.DecisionGranted
		}
		return api.DecisionDenied
	}

	if req.ActorLevel == api.LevelUser {
		return api.DecisionGranted
	}

	min, known := minimumLevel[req.Operation]
	if !known {
		logging.Warn("Authority", "permission check for unknown operation %q denied", req.Operation)
		return api.DecisionDenied
	}
	if req.ActorLevel < min {
		return api.DecisionDenied
	}

	if crossAgentOps[req.Operation] && req.SubjectOwner != "" && req.SubjectOwner != req.ActorID {
		if req.ActorLevel >= api.LevelFrameworkAdmin {
			return api.DecisionGranted
		}
		return api.DecisionRequiresOverride
	}
	return api.DecisionGranted
}

// Halted reports whether an emergency halt is in force.
func (e *Engine) Halted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

// Halt puts the engine into the halted state. Idempotent.
func (e *Engine) Halt(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = true
	e.haltReason = reason
	logging.Warn("Authority", "emergency halt in force: %s", reason)
}

// Resume lifts the halted state. Idempotent.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = false
	e.haltReason = ""
	logging.Info("Authority", "emergency halt lifted")
}

// HaltReason returns the active halt reason, or "" when not halted.
func (e *Engine) HaltReason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.haltReason
}
