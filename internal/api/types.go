package api

import (
	"context"
	"time"
)

// Role is the fixed role ladder an agent registers with. Authority
// ascends in the declared order; the user principal sits above every
// role at level 255 and is not itself a registrable role.
type Role string

const (
	RoleObserver       Role = "OBSERVER"
	RoleWorker         Role = "WORKER"
	RoleSpecialist     Role = "SPECIALIST"
	RoleFrameworkAdmin Role = "FRAMEWORK_ADMIN"
	RoleOverseer       Role = "OVERSEER"
)

// Authority levels for each role. Fixed integers; clients must not
// invent intermediate levels.
const (
	LevelObserver       = 10
	LevelWorker         = 25
	LevelSpecialist     = 75
	LevelFrameworkAdmin = 150
	LevelOverseer       = 250
	LevelUser           = 255
)

// AuthorityLevel returns the numeric authority of a role, or 0 for an
// unknown role.
func (r Role) AuthorityLevel() int {
	switch r {
	case RoleObserver:
		return LevelObserver
	case RoleWorker:
		return LevelWorker
	case RoleSpecialist:
		return LevelSpecialist
	case RoleFrameworkAdmin:
		return LevelFrameworkAdmin
	case RoleOverseer:
		return LevelOverseer
	default:
		return 0
	}
}

// Valid reports whether the role is one of the five registrable roles.
func (r Role) Valid() bool {
	return r.AuthorityLevel() > 0
}

// AgentStatus represents the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentPaused    AgentStatus = "paused"
	AgentSuspended AgentStatus = "suspended"
	AgentOffline   AgentStatus = "offline"
)

// ServiceTier is the commercial tier an agent registered under.
type ServiceTier string

const (
	TierBasic      ServiceTier = "basic"
	TierPremium    ServiceTier = "premium"
	TierEnterprise ServiceTier = "enterprise"
)

// TaskStatus is the task state machine. Steps mirror the same states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAccepted   TaskStatus = "accepted"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// WorkflowStatus is the workflow aggregate state.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowHalted    WorkflowStatus = "halted"
)

// BroadcastTarget is the literal recipient meaning "every active
// agent except the sender".
const BroadcastTarget = "*"

// Priority bounds for messages, tasks and events. PriorityEmergency is
// reserved for user/emergency traffic and is never dropped by the
// fabric.
const (
	PriorityMin       = 1
	PriorityDefault   = 2
	PriorityMax       = 5
	PriorityEmergency = 5
)

// Agent is a registered marketplace participant.
type Agent struct {
	AgentID          string      `json:"agent_id"`
	AgentName        string      `json:"agent_name"`
	ProjectDirectory string      `json:"project_directory"`
	Role             Role        `json:"role"`
	Status           AgentStatus `json:"status"`
	ServiceTier      ServiceTier `json:"service_tier"`
	RegisteredAt     time.Time   `json:"registered_at"`
	LastSeenAt       time.Time   `json:"last_seen_at"`
}

// Capability is a declared ability of an agent, unique per
// (agent_id, capability_type).
type Capability struct {
	CapabilityID       string `json:"capability_id"`
	AgentID            string `json:"agent_id"`
	CapabilityType     string `json:"capability_type"`
	ProficiencyLevel   int    `json:"proficiency_level"`
	MaxConcurrentTasks int    `json:"max_concurrent_tasks"`
	Active             bool   `json:"active"`
}

// Message is an immutable message record. ToAgent may be the broadcast
// target "*".
type Message struct {
	MessageID      string                 `json:"message_id"`
	FromAgent      string                 `json:"from_agent"`
	ToAgent        string                 `json:"to_agent"`
	MessageType    string                 `json:"message_type"`
	Payload        map[string]interface{} `json:"payload"`
	Priority       int                    `json:"priority"`
	ThreadID       string                 `json:"thread_id,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	DeliveredCount int                    `json:"delivered_count"`
}

// Task is a unit of assigned work.
type Task struct {
	TaskID     string                 `json:"task_id"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Assignee   string                 `json:"assignee"`
	TaskType   string                 `json:"task_type"`
	Payload    map[string]interface{} `json:"payload"`
	Priority   int                    `json:"priority"`
	Deadline   *time.Time             `json:"deadline,omitempty"`
	Status     TaskStatus             `json:"status"`
	Progress   int                    `json:"progress"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Retries    int                    `json:"retries"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Workflow is a named, ordered set of steps with dependencies.
type Workflow struct {
	WorkflowID     string                 `json:"workflow_id"`
	WorkflowName   string                 `json:"workflow_name"`
	InitiatorAgent string                 `json:"initiator_agent"`
	Status         WorkflowStatus         `json:"status"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// WorkflowStep is one step of a workflow. A step may be scheduled only
// when every step in DependsOn is completed.
type WorkflowStep struct {
	StepID             string     `json:"step_id"`
	WorkflowID         string     `json:"workflow_id"`
	Ordinal            int        `json:"ordinal"`
	Name               string     `json:"name"`
	RequiredCapability string     `json:"required_capability"`
	AssignedTaskID     string     `json:"assigned_task_id,omitempty"`
	Status             TaskStatus `json:"status"`
	DependsOn          []string   `json:"depends_on,omitempty"`
}

// CapableAgent pairs an active agent with one of its active
// capabilities and the number of in-flight tasks counted against that
// capability's concurrency limit. Used by the coordinator to pick
// assignees.
type CapableAgent struct {
	Agent      Agent      `json:"agent"`
	Capability Capability `json:"capability"`
	InFlight   int        `json:"in_flight"`
}

// Event is a state-change notification delivered through the fabric.
// CommitSequence is store-wide and strictly increasing per committed
// reducer; Sequence is per-target and assigned when the fabric
// enqueues the event.
type Event struct {
	EventID        string                 `json:"event_id"`
	EventType      string                 `json:"event_type"`
	SourceAgent    string                 `json:"source_agent"`
	TargetAgent    string                 `json:"target_agent"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Priority       int                    `json:"priority"`
	Sequence       uint64                 `json:"sequence"`
	CommitSequence uint64                 `json:"commit_sequence"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Event types emitted by the reducers and the coordinator.
const (
	EventAgentRegistered   = "agent_registered"
	EventCapabilityUpdated = "capability_updated"
	EventMessageSent       = "message_sent"
	EventTaskAssigned      = "task_assigned"
	EventTaskUpdated       = "task_updated"
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowProgress  = "workflow_progress"
	EventWorkflowFailed    = "workflow_failed"
	EventUserOverride      = "user_override"
	EventDropped           = "event_dropped"
)

// AuditOutcome classifies the result of an audited operation.
type AuditOutcome string

const (
	AuditGranted AuditOutcome = "granted"
	AuditDenied  AuditOutcome = "denied"
	AuditError   AuditOutcome = "error"
)

// AuditRecord is one append-only entry in the audit log.
type AuditRecord struct {
	AuditID        string       `json:"audit_id"`
	Actor          string       `json:"actor"`
	Operation      string       `json:"operation"`
	Subject        string       `json:"subject"`
	Outcome        AuditOutcome `json:"outcome"`
	Reason         string       `json:"reason,omitempty"`
	AuthorityLevel int          `json:"authority_level"`
	At             time.Time    `json:"at"`
}

// CallToolResult represents the result of a tool-server operation in
// the transport-neutral form shared by all components.
type CallToolResult struct {
	Content []interface{} `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolMetadata describes a tool exposed by the tool server.
type ToolMetadata struct {
	Name        string
	Description string
	Parameters  []ParameterMetadata
}

// ParameterMetadata describes a tool parameter.
type ParameterMetadata struct {
	Name        string
	Type        string // "string", "number", "boolean", "object", "array"
	Required    bool
	Description string
	Default     interface{}
}

// ToolProvider is implemented by components that contribute tools to
// the tool server.
type ToolProvider interface {
	// GetTools returns all tools this provider offers.
	GetTools() []ToolMetadata

	// ExecuteTool executes a tool by name.
	ExecuteTool(ctx context.Context, toolName string, args map[string]interface{}) (*CallToolResult, error)
}

// SystemStatus is the aggregate health snapshot returned by
// agora.system.status.
type SystemStatus struct {
	Healthy           bool   `json:"healthy"`
	Halted            bool   `json:"halted"`
	ActiveAgents      int    `json:"active_agents"`
	PendingTasks      int    `json:"pending_tasks"`
	RunningWorkflows  int    `json:"running_workflows"`
	ReducerQueueDepth int    `json:"reducer_queue_depth"`
	SubscriberQueues  int    `json:"subscriber_queues"`
	CommitSequence    uint64 `json:"commit_sequence"`
}
