package toolserver

import (
	"context"
	"encoding/json"
	"time"

	"agora/internal/api"
	"agora/internal/config"
	"agora/pkg/logging"
)

// Provider exposes the agora.* operations as tools. It is the single
// choke point where identity verification, the permission check, the
// audit write and the per-request deadline happen; the components
// behind it trust their callers.
type Provider struct {
	request config.RequestConfig
}

// NewProvider creates the tool provider.
func NewProvider(request config.RequestConfig) *Provider {
	return &Provider{request: request}
}

// Tool names served by the provider.
const (
	ToolAgentRegister = "agora.agent.register"
	ToolMessagingSend = "agora.messaging.send"
	ToolTaskAssign    = "agora.task.assign"
	ToolTaskUpdate    = "agora.task.update"
	ToolWorkflowStart = "agora.workflow.start"
	ToolQueryData     = "agora.query.data"
	ToolSystemStatus  = "agora.system.status"
	ToolUserOverride  = "agora.user.override"
)

// GetTools returns all tools this provider offers.
func (p *Provider) GetTools() []api.ToolMetadata {
	return []api.ToolMetadata{
		{
			Name:        ToolAgentRegister,
			Description: "Register this agent (idempotent on agent_name) and declare its capabilities. The name is locked to the project directory on first registration.",
			Parameters: []api.ParameterMetadata{
				{Name: "agent_name", Type: "string", Required: true, Description: "Unique agent name, immutable once locked"},
				{Name: "project_directory", Type: "string", Required: true, Description: "Absolute path of the agent's project directory"},
				{Name: "role", Type: "string", Required: true, Description: "One of OBSERVER, WORKER, SPECIALIST, FRAMEWORK_ADMIN, OVERSEER"},
				{Name: "service_tier", Type: "string", Required: false, Description: "basic, premium or enterprise", Default: "basic"},
				{Name: "capabilities", Type: "array", Required: false, Description: "Capability declarations: {capability_type, proficiency_level, max_concurrent_tasks}"},
			},
		},
		{
			Name:        ToolMessagingSend,
			Description: "Send a message to another agent, or to every active agent with to_agent \"*\".",
			Parameters: []api.ParameterMetadata{
				{Name: "agent_name", Type: "string", Required: true, Description: "Sender's registered agent name"},
				{Name: "project_directory", Type: "string", Required: true, Description: "Sender's locked project directory"},
				{Name: "to_agent", Type: "string", Required: true, Description: "Recipient agent id, or \"*\" for broadcast"},
				{Name: "message_type", Type: "string", Required: true, Description: "Application-defined message type"},
				{Name: "payload", Type: "object", Required: false, Description: "Message payload"},
				{Name: "priority", Type: "number", Required: false, Description: "1 (lowest) to 5 (emergency)", Default: api.PriorityDefault},
				{Name: "thread_id", Type: "string", Required: false, Description: "Opaque conversation thread identifier"},
			},
		},
		{
			Name:        ToolTaskAssign,
			Description: "Assign a task to an agent holding a matching active capability with a free concurrency slot.",
			Parameters: []api.ParameterMetadata{
				{Name: "agent_name", Type: "string", Required: true, Description: "Assigner's registered agent name"},
				{Name: "project_directory", Type: "string", Required: true, Description: "Assigner's locked project directory"},
				{Name: "assignee", Type: "string", Required: true, Description: "Agent id to assign the task to"},
				{Name: "task_type", Type: "string", Required: true, Description: "Must equal one of the assignee's active capability types"},
				{Name: "payload", Type: "object", Required: false, Description: "Task payload"},
				{Name: "priority", Type: "number", Required: false, Description: "1 to 5", Default: api.PriorityDefault},
				{Name: "deadline_seconds", Type: "number", Required: false, Description: "Seconds from now until the task fails with deadline_exceeded"},
				{Name: "idempotency_key", Type: "string", Required: false, Description: "Client key making retries of this assignment safe"},
			},
		},
		{
			Name:        ToolTaskUpdate,
			Description: "Advance a task through its state machine and/or report progress.",
			Parameters: []api.ParameterMetadata{
				{Name: "agent_name", Type: "string", Required: true, Description: "Caller's registered agent name"},
				{Name: "project_directory", Type: "string", Required: true, Description: "Caller's locked project directory"},
				{Name: "task_id", Type: "string", Required: true, Description: "Task to update"},
				{Name: "status", Type: "string", Required: false, Description: "pending, accepted, in_progress, completed, failed or cancelled"},
				{Name: "progress", Type: "number", Required: false, Description: "0 to 100, never decreasing"},
				{Name: "result", Type: "object", Required: false, Description: "Result payload, only with completed or failed"},
				{Name: "reason", Type: "string", Required: false, Description: "Transition reason, e.g. \"retry\""},
			},
		},
		{
			Name:        ToolWorkflowStart,
			Description: "Start a multi-step workflow. Steps declare required capabilities and may depend on earlier steps; the dependency graph must be acyclic.",
			Parameters: []api.ParameterMetadata{
				{Name: "agent_name", Type: "string", Required: true, Description: "Initiator's registered agent name"},
				{Name: "project_directory", Type: "string", Required: true, Description: "Initiator's locked project directory"},
				{Name: "workflow_name", Type: "string", Required: true, Description: "Human-readable workflow name"},
				{Name: "steps", Type: "array", Required: true, Description: "Steps: {name, required_capability, depends_on}"},
				{Name: "metadata", Type: "object", Required: false, Description: "Workflow metadata"},
				{Name: "idempotency_key", Type: "string", Required: false, Description: "Client key making retries of this start safe"},
			},
		},
		{
			Name:        ToolQueryData,
			Description: "Read entities from the coordination store. With entity \"events\" and a cursor, consumes the caller's event feed and commits the cursor (acknowledgment).",
			Parameters: []api.ParameterMetadata{
				{Name: "agent_name", Type: "string", Required: true, Description: "Caller's registered agent name"},
				{Name: "project_directory", Type: "string", Required: true, Description: "Caller's locked project directory"},
				{Name: "entity", Type: "string", Required: true, Description: "agents, capabilities, messages, tasks, workflows, steps, events or audit"},
				{Name: "filter", Type: "object", Required: false, Description: "Equality filters on whitelisted columns"},
				{Name: "limit", Type: "number", Required: false, Description: "Page size", Default: 100},
				{Name: "cursor", Type: "number", Required: false, Description: "Resume position from the previous page"},
			},
		},
		{
			Name:        ToolSystemStatus,
			Description: "Aggregate health snapshot: agent, task and workflow counts, queue depths, halt state and commit sequence.",
			Parameters: []api.ParameterMetadata{
				{Name: "agent_name", Type: "string", Required: true, Description: "Caller's registered agent name"},
				{Name: "project_directory", Type: "string", Required: true, Description: "Caller's locked project directory"},
			},
		},
		{
			Name:        ToolUserOverride,
			Description: "User supreme authority: emergency halt, resume, forced state changes and identity unlocks. Requires authority level 255.",
			Parameters: []api.ParameterMetadata{
				{Name: "actor", Type: "string", Required: true, Description: "User principal issuing the override"},
				{Name: "subject", Type: "string", Required: false, Description: "Entity id the override targets, or \"*\""},
				{Name: "action", Type: "string", Required: true, Description: "emergency_halt, resume, set_state or clear_identity"},
				{Name: "target_state", Type: "string", Required: false, Description: "Target state for set_state"},
				{Name: "reason", Type: "string", Required: true, Description: "Recorded in the audit log"},
				{Name: "authority_level", Type: "number", Required: true, Description: "Must be exactly 255"},
			},
		},
	}
}

// ExecuteTool executes a tool by name. Every call runs under the
// per-request deadline and leaves an audit entry.
func (p *Provider) ExecuteTool(ctx context.Context, toolName string, args map[string]interface{}) (*api.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline(args))
	defer cancel()

	authority := api.GetAuthority()
	if authority == nil {
		return nil, api.ErrAuthorityNotRegistered
	}
	if authority.Halted() && toolName != ToolUserOverride {
		return nil, api.NewHaltedError()
	}

	switch toolName {
	case ToolAgentRegister:
		return p.handleAgentRegister(ctx, args)
	case ToolMessagingSend:
		return p.handleMessagingSend(ctx, args)
	case ToolTaskAssign:
		return p.handleTaskAssign(ctx, args)
	case ToolTaskUpdate:
		return p.handleTaskUpdate(ctx, args)
	case ToolWorkflowStart:
		return p.handleWorkflowStart(ctx, args)
	case ToolQueryData:
		return p.handleQueryData(ctx, args)
	case ToolSystemStatus:
		return p.handleSystemStatus(ctx, args)
	case ToolUserOverride:
		return p.handleUserOverride(ctx, args)
	default:
		return nil, api.NewNotFoundError("tool", toolName)
	}
}

// deadline resolves the per-request processing deadline from the
// deadline_ms envelope field: the default unless the caller asked for
// more, never past the cap. Task deadlines (deadline_seconds on
// agora.task.assign) are business state and do not affect it.
func (p *Provider) deadline(args map[string]interface{}) time.Duration {
	d := p.request.DefaultDeadline
	if v, ok := optNumber(args, "deadline_ms"); ok && v > 0 {
		d = time.Duration(v * float64(time.Millisecond))
	}
	if d > p.request.MaxDeadline {
		d = p.request.MaxDeadline
	}
	return d
}

// jsonResult marshals a response payload into the standard result
// shape.
func jsonResult(v interface{}) (*api.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		e := api.NewInternalError(err)
		logging.Error("ToolServer", err, "failed to encode result (correlation %s)", e.CorrelationID)
		return nil, e
	}
	return &api.CallToolResult{Content: []interface{}{string(data)}}, nil
}

// --- argument extraction helpers ---

func reqString(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", api.NewInvalidArgumentError("%s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", api.NewInvalidArgumentError("%s must be a non-empty string", key)
	}
	return s, nil
}

func optString(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

func optNumber(args map[string]interface{}, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func optInt(args map[string]interface{}, key string, fallback int) int {
	if v, ok := optNumber(args, key); ok {
		return int(v)
	}
	return fallback
}

func optMap(args map[string]interface{}, key string) map[string]interface{} {
	m, _ := args[key].(map[string]interface{})
	return m
}

func optSlice(args map[string]interface{}, key string) []interface{} {
	s, _ := args[key].([]interface{})
	return s
}

func asString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func asInt(m map[string]interface{}, key string, fallback int) int {
	if v, ok := optNumber(m, key); ok {
		return int(v)
	}
	return fallback
}
