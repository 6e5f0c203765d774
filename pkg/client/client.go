// Package client is the agent-side library for the agora marketplace
// core. It resolves the caller's locked identity from the per-project
// lock file, attaches it to every call, retries transient failures with
// exponential backoff, and tracks the durable event cursor across
// reconnects.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"agora/internal/api"
	"agora/internal/identity"
	"agora/pkg/logging"
)

// Retry defaults. Only errors the core marks retryable (Overloaded,
// IdGenerationError) are retried.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultRetryBase  = 200 * time.Millisecond
	DefaultRetryCap   = 5 * time.Second
	DefaultRetryTries = 5
)

// Options configures New.
type Options struct {
	// Endpoint of the tool server, e.g. "http://localhost:8090/mcp".
	Endpoint string

	// Transport is "streamable-http" (default) or "sse".
	Transport string

	// ProjectRoot is the directory holding .agora/identity.yaml. The
	// locked agent name and project directory are attached to every
	// call.
	ProjectRoot string

	// Timeout bounds each individual call.
	Timeout time.Duration

	// RetryBase, RetryCap and RetryTries shape the retry policy for
	// retryable failures.
	RetryBase  time.Duration
	RetryCap   time.Duration
	RetryTries uint
}

// toolCaller is the transport seam; the MCP client satisfies it.
type toolCaller interface {
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Client is a connected marketplace client bound to one locked agent
// identity.
type Client struct {
	opts     Options
	identity *identity.LockFile

	mcp    *mcpclient.Client
	caller toolCaller

	mu         sync.Mutex
	cursor     uint64
	subscribed bool
}

// New resolves the locked identity under opts.ProjectRoot and prepares
// a client. Connect must be called before any operation.
func New(opts Options) (*Client, error) {
	lf, err := identity.LoadLockFile(opts.ProjectRoot)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = DefaultRetryCap
	}
	if opts.RetryTries == 0 {
		opts.RetryTries = DefaultRetryTries
	}
	return &Client{opts: opts, identity: lf}, nil
}

// AgentName returns the locked agent name this client acts as.
func (c *Client) AgentName() string {
	return c.identity.AgentName
}

// Connect establishes the transport and performs the MCP handshake.
func (c *Client) Connect(ctx context.Context) error {
	var (
		mc  *mcpclient.Client
		err error
	)
	switch c.opts.Transport {
	case "sse":
		mc, err = mcpclient.NewSSEMCPClient(c.opts.Endpoint)
	default:
		mc, err = mcpclient.NewStreamableHttpClient(c.opts.Endpoint)
	}
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}
	if err := mc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agora-client",
		Version: "1.0.0",
	}
	if _, err := mc.Initialize(ctx, initReq); err != nil {
		mc.Close()
		return fmt.Errorf("MCP handshake failed: %w", err)
	}

	c.mcp = mc
	c.caller = mc
	return nil
}

// Close tears the transport down.
func (c *Client) Close() error {
	if c.mcp != nil {
		return c.mcp.Close()
	}
	return nil
}

// NewIdempotencyKey returns a fresh client-side idempotency key.
func NewIdempotencyKey() string {
	return "idem_" + uuid.NewString()
}

// callTool invokes one tool with the identity attached, retrying
// retryable failures with exponential backoff.
func (c *Client) callTool(ctx context.Context, tool string, args map[string]interface{}) (string, error) {
	if c.caller == nil {
		return "", fmt.Errorf("client not connected")
	}
	if args == nil {
		args = make(map[string]interface{})
	}
	if _, ok := args["agent_name"]; !ok {
		args["agent_name"] = c.identity.AgentName
	}
	if _, ok := args["project_directory"]; !ok {
		args["project_directory"] = c.identity.ProjectDirectory
	}

	operation := func() (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		req := mcp.CallToolRequest{}
		req.Params.Name = tool
		req.Params.Arguments = args

		result, err := c.caller.CallTool(callCtx, req)
		if err != nil {
			// Transport failures are worth another attempt.
			return "", err
		}

		text := firstText(result)
		if result.IsError {
			toolErr := parseToolError(text)
			if api.IsRetryable(toolErr) {
				logging.Debug("Client", "retrying %s after %v", tool, toolErr)
				return "", toolErr
			}
			return "", backoff.Permanent(toolErr)
		}
		return text, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.RetryBase
	policy.MaxInterval = c.opts.RetryCap

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.opts.RetryTries))
}

// callInto invokes one tool and decodes the JSON result into out.
func (c *Client) callInto(ctx context.Context, tool string, args map[string]interface{}, out interface{}) error {
	text, err := c.callTool(ctx, tool, args)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("malformed %s result: %w", tool, err)
	}
	return nil
}

// firstText extracts the first text content item of a tool result.
func firstText(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			return text.Text
		}
	}
	return ""
}

// Register registers the locked identity with the given role and
// capabilities. Safe to call on every startup: registration is
// idempotent on the agent name.
func (c *Client) Register(ctx context.Context, role api.Role, tier api.ServiceTier, capabilities []api.CapabilityDeclaration) (*api.Agent, error) {
	caps := make([]interface{}, len(capabilities))
	for i, cap := range capabilities {
		caps[i] = map[string]interface{}{
			"capability_type":      cap.CapabilityType,
			"proficiency_level":    cap.ProficiencyLevel,
			"max_concurrent_tasks": cap.MaxConcurrentTasks,
		}
	}
	args := map[string]interface{}{
		"role": string(role),
	}
	if tier != "" {
		args["service_tier"] = string(tier)
	}
	if len(caps) > 0 {
		args["capabilities"] = caps
	}

	var result agentResult
	if err := c.callInto(ctx, "agora.agent.register", args, &result); err != nil {
		return nil, err
	}
	return &result.Agent, nil
}

// Send sends a message. toAgent may be "*" for broadcast.
func (c *Client) Send(ctx context.Context, toAgent, messageType string, payload map[string]interface{}, priority int) (*api.Message, error) {
	args := map[string]interface{}{
		"to_agent":     toAgent,
		"message_type": messageType,
	}
	if payload != nil {
		args["payload"] = payload
	}
	if priority > 0 {
		args["priority"] = priority
	}

	var result messageResult
	if err := c.callInto(ctx, "agora.messaging.send", args, &result); err != nil {
		return nil, err
	}
	return &result.Message, nil
}

// AssignTask assigns a task to another agent. A fresh idempotency key
// is generated when the request carries none, so transparent retries
// never double-assign.
func (c *Client) AssignTask(ctx context.Context, req api.AssignTaskRequest) (*api.Task, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = NewIdempotencyKey()
	}
	args := map[string]interface{}{
		"assignee":        req.Assignee,
		"task_type":       req.TaskType,
		"idempotency_key": req.IdempotencyKey,
	}
	if req.Payload != nil {
		args["payload"] = req.Payload
	}
	if req.Priority > 0 {
		args["priority"] = req.Priority
	}
	if req.Deadline != nil {
		args["deadline_seconds"] = time.Until(*req.Deadline).Seconds()
	}

	var result taskResult
	if err := c.callInto(ctx, "agora.task.assign", args, &result); err != nil {
		return nil, err
	}
	return &result.Task, nil
}

// UpdateTask advances a task through its state machine.
func (c *Client) UpdateTask(ctx context.Context, req api.UpdateTaskRequest) (*api.Task, error) {
	args := map[string]interface{}{
		"task_id": req.TaskID,
	}
	if req.Status != nil {
		args["status"] = string(*req.Status)
	}
	if req.Progress != nil {
		args["progress"] = *req.Progress
	}
	if req.Result != nil {
		args["result"] = req.Result
	}
	if req.Reason != "" {
		args["reason"] = req.Reason
	}

	var result taskResult
	if err := c.callInto(ctx, "agora.task.update", args, &result); err != nil {
		return nil, err
	}
	return &result.Task, nil
}

// Wire shapes of the write results. Every write response carries the
// commit sequence of the reducer that produced it.
type agentResult struct {
	Agent          api.Agent `json:"agent"`
	CommitSequence uint64    `json:"commit_sequence"`
}

type messageResult struct {
	Message        api.Message `json:"message"`
	CommitSequence uint64      `json:"commit_sequence"`
}

type taskResult struct {
	Task           api.Task `json:"task"`
	CommitSequence uint64   `json:"commit_sequence"`
}

type workflowResult struct {
	Workflow       api.Workflow       `json:"workflow"`
	Steps          []api.WorkflowStep `json:"steps"`
	CommitSequence uint64             `json:"commit_sequence"`
}

// StartWorkflow starts a workflow. Like AssignTask, an idempotency key
// is generated when absent.
func (c *Client) StartWorkflow(ctx context.Context, req api.StartWorkflowRequest) (*api.Workflow, []api.WorkflowStep, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = NewIdempotencyKey()
	}
	steps := make([]interface{}, len(req.Steps))
	for i, s := range req.Steps {
		step := map[string]interface{}{
			"name":                s.Name,
			"required_capability": s.RequiredCapability,
		}
		if len(s.DependsOn) > 0 {
			deps := make([]interface{}, len(s.DependsOn))
			for j, d := range s.DependsOn {
				deps[j] = d
			}
			step["depends_on"] = deps
		}
		steps[i] = step
	}
	args := map[string]interface{}{
		"workflow_name":   req.WorkflowName,
		"steps":           steps,
		"idempotency_key": req.IdempotencyKey,
	}
	if req.Metadata != nil {
		args["metadata"] = req.Metadata
	}

	var result workflowResult
	if err := c.callInto(ctx, "agora.workflow.start", args, &result); err != nil {
		return nil, nil, err
	}
	return &result.Workflow, result.Steps, nil
}

// Query reads a page of entities from the coordination store.
func (c *Client) Query(ctx context.Context, req api.QueryRequest) (*api.QueryResult, error) {
	args := map[string]interface{}{
		"entity": req.Entity,
	}
	if req.Filter != nil {
		args["filter"] = req.Filter
	}
	if req.Limit > 0 {
		args["limit"] = req.Limit
	}
	if req.Cursor > 0 {
		args["cursor"] = req.Cursor
	}

	var result api.QueryResult
	if err := c.callInto(ctx, "agora.query.data", args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Events consumes the next page of this agent's event feed. The cursor
// is tracked inside the client and committed server-side per page, so a
// crashed consumer resumes where it left off. An expired cursor is
// resolved by restarting from the retention horizon.
func (c *Client) Events(ctx context.Context, limit int) ([]api.Event, error) {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	page, err := c.eventsAfter(ctx, cursor, limit)
	if api.IsKind(err, api.KindCursorExpired) {
		logging.Warn("Client", "event cursor %d expired, resynchronizing from the retention horizon", cursor)
		page, err = c.eventsAfter(ctx, 0, limit)
	}
	if err != nil {
		return nil, err
	}

	events := make([]api.Event, 0, len(page.Items))
	for _, item := range page.Items {
		raw, merr := json.Marshal(item)
		if merr != nil {
			continue
		}
		var ev api.Event
		if json.Unmarshal(raw, &ev) == nil {
			events = append(events, ev)
		}
	}

	c.mu.Lock()
	if page.NextCursor > c.cursor {
		c.cursor = page.NextCursor
	}
	c.mu.Unlock()
	return events, nil
}

func (c *Client) eventsAfter(ctx context.Context, cursor uint64, limit int) (*api.QueryResult, error) {
	args := map[string]interface{}{
		"entity": "events",
		"cursor": cursor,
	}
	if limit > 0 {
		args["limit"] = limit
	}
	var result api.QueryResult
	if err := c.callInto(ctx, "agora.query.data", args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Subscribe starts this client's single event subscription: a
// background poll of the durable feed delivering events on the
// returned channel in sequence order. The server-side cursor gives
// automatic resumption across reconnects. A client holds at most one
// subscription at a time; the channel closes when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, interval time.Duration, limit int) (<-chan api.Event, error) {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return nil, fmt.Errorf("event subscription already active for %s", c.identity.AgentName)
	}
	c.subscribed = true
	c.mu.Unlock()

	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan api.Event)
	go func() {
		defer close(out)
		defer func() {
			c.mu.Lock()
			c.subscribed = false
			c.mu.Unlock()
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			events, err := c.Events(ctx, limit)
			if err != nil {
				logging.Debug("Client", "event poll failed: %v", err)
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// Cursor returns the last committed event cursor.
func (c *Client) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// SetCursor overrides the tracked cursor, e.g. when resuming from a
// checkpoint the application persisted itself.
func (c *Client) SetCursor(cursor uint64) {
	c.mu.Lock()
	c.cursor = cursor
	c.mu.Unlock()
}

// Keepalive refreshes this agent's last_seen_at every interval until
// ctx is cancelled. The refresh rides on the status call; a refused
// call (for example during an emergency halt) is logged and retried at
// the next tick.
func (c *Client) Keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Status(ctx); err != nil {
				logging.Debug("Client", "keepalive failed: %v", err)
			}
		}
	}
}

// Status fetches the aggregate system status.
func (c *Client) Status(ctx context.Context) (*api.SystemStatus, error) {
	var status api.SystemStatus
	if err := c.callInto(ctx, "agora.system.status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
