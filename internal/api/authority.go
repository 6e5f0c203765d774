package api

// Decision is the outcome of a permission check.
type Decision string

const (
	DecisionGranted          Decision = "granted"
	DecisionDenied           Decision = "denied"
	DecisionRequiresOverride Decision = "requires_override"
)

// Operation names used by the permission matrix. These are the seven
// tool-server operations plus the internal reducers the matrix also
// covers.
const (
	OpMessagingSend  = "agora.messaging.send"
	OpTaskAssign     = "agora.task.assign"
	OpTaskUpdate     = "agora.task.update"
	OpAgentRegister  = "agora.agent.register"
	OpWorkflowStart  = "agora.workflow.start"
	OpQueryData      = "agora.query.data"
	OpSystemStatus   = "agora.system.status"
	OpUserOverride   = "user_override"
	OpAuditQuery     = "audit.query"
	OpFrameworkAdmin = "framework.modify"
)

// CheckRequest describes one permission check: who wants to do what to
// whom. Subject is the entity the operation targets; SubjectOwner is
// the agent that owns it (empty when not applicable), used for the
// cross-agent default-deny rule.
type CheckRequest struct {
	ActorID        string
	ActorLevel     int
	Operation      string
	Subject        string
	SubjectOwner   string
	AuthorityLevel int // claimed level for override operations
}

// AuthorityHandler is the permission engine. Decisions come from a
// fixed table over the six-level lattice; user supremacy (level 255)
// is the only bypass and every use of it is audited by the caller.
type AuthorityHandler interface {
	// Check evaluates the permission matrix for one operation.
	Check(req CheckRequest) Decision

	// Halted reports whether an emergency halt is in force.
	Halted() bool

	// Halt puts the engine into the halted state. Only user-authority
	// operations are accepted until Resume.
	Halt(reason string)

	// Resume lifts the halted state.
	Resume()

	// HaltReason returns the reason recorded by the active halt, or ""
	// when not halted.
	HaltReason() string
}
