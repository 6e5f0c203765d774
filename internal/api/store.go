package api

import (
	"context"
	"time"
)

// CapabilityDeclaration is one capability offered in a registration
// request.
type CapabilityDeclaration struct {
	CapabilityType     string `json:"capability_type"`
	ProficiencyLevel   int    `json:"proficiency_level"`
	MaxConcurrentTasks int    `json:"max_concurrent_tasks"`
}

// RegisterAgentRequest is the register_agent reducer input. Idempotent
// on AgentName: re-registering with the same role reactivates the
// agent and atomically upserts its capabilities.
type RegisterAgentRequest struct {
	AgentName        string
	ProjectDirectory string
	Role             Role
	ServiceTier      ServiceTier
	Capabilities     []CapabilityDeclaration
	Metadata         map[string]interface{}
}

// RegisterCapabilityRequest is the register_capability reducer input.
// Upserts on (AgentID, CapabilityType).
type RegisterCapabilityRequest struct {
	AgentID            string
	CapabilityType     string
	ProficiencyLevel   int
	MaxConcurrentTasks int
}

// SendMessageRequest is the send_message reducer input. ToAgent may be
// the broadcast target "*".
type SendMessageRequest struct {
	FromAgent   string
	ToAgent     string
	MessageType string
	Payload     map[string]interface{}
	Priority    int
	ThreadID    string
}

// AssignTaskRequest is the assign_task reducer input. The reducer
// validates that the assignee holds an active capability whose type
// equals TaskType and has a free concurrency slot.
type AssignTaskRequest struct {
	WorkflowID     string
	StepID         string
	Assignee       string
	TaskType       string
	Payload        map[string]interface{}
	Priority       int
	Deadline       *time.Time
	IdempotencyKey string
}

// UpdateTaskRequest is the update_task reducer input. Nil fields leave
// the corresponding attribute unchanged.
type UpdateTaskRequest struct {
	TaskID   string
	Status   *TaskStatus
	Progress *int
	Result   map[string]interface{}
	Reason   string
}

// StepDefinition is one step of a start_workflow request.
type StepDefinition struct {
	Name               string   `json:"name"`
	RequiredCapability string   `json:"required_capability"`
	DependsOn          []string `json:"depends_on,omitempty"`
}

// StartWorkflowRequest is the start_workflow reducer input. The
// reducer validates the dependency DAG before inserting anything.
type StartWorkflowRequest struct {
	WorkflowName   string
	InitiatorAgent string
	Steps          []StepDefinition
	Metadata       map[string]interface{}
	IdempotencyKey string
}

// OverrideAction is the set of user_override actions.
type OverrideAction string

const (
	OverrideEmergencyHalt OverrideAction = "emergency_halt"
	OverrideResume        OverrideAction = "resume"
	OverrideSetState      OverrideAction = "set_state"
	OverrideClearIdentity OverrideAction = "clear_identity"
)

// UserOverrideRequest is the user_override reducer input. Accepted only
// when AuthorityLevel is exactly LevelUser.
type UserOverrideRequest struct {
	Actor          string
	Subject        string
	Action         OverrideAction
	TargetState    string
	Reason         string
	AuthorityLevel int
}

// QueryRequest is the read-only projection input for agora.query.data.
type QueryRequest struct {
	Entity string
	Filter map[string]interface{}
	Limit  int
	Cursor uint64
}

// QueryResult carries a page of projected entities plus the cursor to
// resume from.
type QueryResult struct {
	Entity     string        `json:"entity"`
	Items      []interface{} `json:"items"`
	NextCursor uint64        `json:"next_cursor,omitempty"`
}

// StoreHandler is the coordination store interface. Reducers are the
// only mutation path; a single writer executes them serially, so all
// writes are totally ordered. Every reducer returns the store-wide
// commit sequence assigned to its transaction.
//
// Readers run concurrently against a snapshot at or after the last
// committed reducer.
type StoreHandler interface {
	// Reducers.
	RegisterAgent(ctx context.Context, req RegisterAgentRequest) (*Agent, uint64, error)
	RegisterCapability(ctx context.Context, req RegisterCapabilityRequest) (*Capability, uint64, error)
	SendMessage(ctx context.Context, req SendMessageRequest) (*Message, uint64, error)
	AssignTask(ctx context.Context, req AssignTaskRequest) (*Task, uint64, error)
	UpdateTask(ctx context.Context, req UpdateTaskRequest) (*Task, uint64, error)
	StartWorkflow(ctx context.Context, req StartWorkflowRequest) (*Workflow, []WorkflowStep, uint64, error)
	ActivateWorkflow(ctx context.Context, workflowID string) (uint64, error)
	UserOverride(ctx context.Context, req UserOverrideRequest) (uint64, error)
	Heartbeat(ctx context.Context, agentID string) error

	// Reads.
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	GetAgentByName(ctx context.Context, agentName string) (*Agent, error)
	ListAgents(ctx context.Context, status AgentStatus) ([]Agent, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, status TaskStatus) ([]Task, error)
	ListCapableAgents(ctx context.Context, capabilityType string) ([]CapableAgent, error)
	GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error)
	GetWorkflowSteps(ctx context.Context, workflowID string) ([]WorkflowStep, error)
	ListWorkflows(ctx context.Context, status WorkflowStatus) ([]Workflow, error)
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)

	// Event persistence used by the fabric.
	ListEventsAfter(ctx context.Context, targetAgent string, afterSequence uint64, limit int) ([]Event, error)
	LoadCursor(ctx context.Context, agentID string) (uint64, error)
	SaveCursor(ctx context.Context, agentID string, sequence uint64) error
	CountDeliveries(ctx context.Context, agentID string, upToSequence uint64) error
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, uint64, error)

	// Status surface.
	Status(ctx context.Context) (*SystemStatus, error)
	CommitSequence() uint64
}
