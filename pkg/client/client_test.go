package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/api"
	"agora/internal/identity"
)

// fakeCaller scripts tool results and records every request. The last
// scripted result repeats once the script runs out.
type fakeCaller struct {
	mu       sync.Mutex
	requests []mcp.CallToolRequest
	results  []*mcp.CallToolResult
	errs     []error
}

func (f *fakeCaller) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	if f.errs != nil && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.results[i], nil
}

func (f *fakeCaller) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func textResult(t *testing.T, v interface{}) *mcp.CallToolResult {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return mcp.NewToolResultText(string(data))
}

func newTestClient(t *testing.T, fake *fakeCaller) *Client {
	t.Helper()
	root := t.TempDir()
	_, err := identity.WriteLockFile(root, "builder")
	require.NoError(t, err)

	c, err := New(Options{
		ProjectRoot: root,
		Timeout:     time.Second,
		RetryBase:   time.Millisecond,
		RetryCap:    5 * time.Millisecond,
		RetryTries:  3,
	})
	require.NoError(t, err)
	c.caller = fake
	return c
}

func args(req mcp.CallToolRequest) map[string]interface{} {
	m, _ := req.Params.Arguments.(map[string]interface{})
	return m
}

func TestNewRequiresLockFile(t *testing.T) {
	_, err := New(Options{ProjectRoot: t.TempDir()})
	assert.Error(t, err)
}

func TestIdentityAttachedToEveryCall(t *testing.T) {
	fake := &fakeCaller{results: []*mcp.CallToolResult{
		textResult(t, api.SystemStatus{Healthy: true}),
	}}
	c := newTestClient(t, fake)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)

	require.Len(t, fake.requests, 1)
	sent := args(fake.requests[0])
	assert.Equal(t, "builder", sent["agent_name"])
	assert.NotEmpty(t, sent["project_directory"])
}

func TestRetriesOverloadedThenSucceeds(t *testing.T) {
	overloaded := mcp.NewToolResultError("agora.messaging.send failed: Overloaded: reducer queue is full")
	fake := &fakeCaller{results: []*mcp.CallToolResult{
		overloaded,
		overloaded,
		textResult(t, messageResult{
			Message:        api.Message{MessageID: "msg_00000000000000aa"},
			CommitSequence: 7,
		}),
	}}
	c := newTestClient(t, fake)

	msg, err := c.Send(context.Background(), "agent_00000000000000bb", "ping", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "msg_00000000000000aa", msg.MessageID)
	assert.Len(t, fake.requests, 3)
}

func TestPermissionDeniedIsNotRetried(t *testing.T) {
	fake := &fakeCaller{results: []*mcp.CallToolResult{
		mcp.NewToolResultError("agora.task.assign failed: PermissionDenied: authority 10 is insufficient"),
	}}
	c := newTestClient(t, fake)

	_, err := c.AssignTask(context.Background(), api.AssignTaskRequest{
		Assignee: "agent_00000000000000bb", TaskType: "build",
	})
	require.Error(t, err)
	assert.True(t, api.IsKind(err, api.KindPermissionDenied))
	assert.Len(t, fake.requests, 1)
}

func TestAssignTaskKeepsIdempotencyKeyAcrossRetries(t *testing.T) {
	overloaded := mcp.NewToolResultError("agora.task.assign failed: Overloaded: reducer queue is full")
	fake := &fakeCaller{results: []*mcp.CallToolResult{
		overloaded,
		textResult(t, taskResult{
			Task:           api.Task{TaskID: "task_00000000000000cc"},
			CommitSequence: 9,
		}),
	}}
	c := newTestClient(t, fake)

	task, err := c.AssignTask(context.Background(), api.AssignTaskRequest{
		Assignee: "agent_00000000000000bb", TaskType: "build",
	})
	require.NoError(t, err)
	assert.Equal(t, "task_00000000000000cc", task.TaskID)

	require.Len(t, fake.requests, 2)
	first := args(fake.requests[0])["idempotency_key"]
	second := args(fake.requests[1])["idempotency_key"]
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestEventsAdvanceCursor(t *testing.T) {
	fake := &fakeCaller{results: []*mcp.CallToolResult{
		textResult(t, api.QueryResult{
			Entity: "events",
			Items: []interface{}{
				api.Event{EventID: "evt_00000000000000aa", EventType: api.EventMessageSent, Sequence: 1},
				api.Event{EventID: "evt_00000000000000ab", EventType: api.EventTaskAssigned, Sequence: 2},
			},
			NextCursor: 2,
		}),
		textResult(t, api.QueryResult{Entity: "events"}),
	}}
	c := newTestClient(t, fake)

	events, err := c.Events(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, api.EventMessageSent, events[0].EventType)
	assert.Equal(t, uint64(2), c.Cursor())

	// The next page resumes past the committed cursor.
	_, err = c.Events(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), args(fake.requests[1])["cursor"])
}

func TestExpiredCursorResynchronizes(t *testing.T) {
	fake := &fakeCaller{results: []*mcp.CallToolResult{
		mcp.NewToolResultError("agora.query.data failed: CursorExpired: cursor 7 predates the retention horizon"),
		textResult(t, api.QueryResult{
			Entity:     "events",
			Items:      []interface{}{api.Event{EventID: "evt_00000000000000aa", Sequence: 40}},
			NextCursor: 40,
		}),
	}}
	c := newTestClient(t, fake)
	c.SetCursor(7)

	events, err := c.Events(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(40), c.Cursor())

	// The retry restarted from the horizon.
	assert.Equal(t, uint64(0), args(fake.requests[1])["cursor"])
}

func TestSubscribeDeliversEventsUntilCancelled(t *testing.T) {
	fake := &fakeCaller{results: []*mcp.CallToolResult{
		textResult(t, api.QueryResult{
			Entity:     "events",
			Items:      []interface{}{api.Event{EventID: "evt_00000000000000aa", Sequence: 3}},
			NextCursor: 3,
		}),
		textResult(t, api.QueryResult{Entity: "events"}),
	}}
	c := newTestClient(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	feed, err := c.Subscribe(ctx, time.Millisecond, 10)
	require.NoError(t, err)

	// One live feed per client.
	_, err = c.Subscribe(ctx, time.Millisecond, 10)
	require.Error(t, err)

	ev := <-feed
	assert.Equal(t, "evt_00000000000000aa", ev.EventID)
	assert.Equal(t, uint64(3), c.Cursor())

	cancel()
	for range feed {
	}

	// With the first feed gone, a new one may attach.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	assert.Eventually(t, func() bool {
		_, err := c.Subscribe(ctx2, time.Millisecond, 10)
		return err == nil
	}, time.Second, time.Millisecond)
}

func TestParseToolErrorClassifies(t *testing.T) {
	tests := []struct {
		text string
		kind api.ErrorKind
	}{
		{"agora.task.update failed: InvalidTransitionError: completed is terminal", api.KindInvalidTransition},
		{"agora.agent.register failed: IdentitySpoofingError: locked elsewhere", api.KindIdentitySpoofing},
		{"Overloaded: queue full", api.KindOverloaded},
		{"something unrecognizable", api.KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, parseToolError(tt.text).Kind, tt.text)
	}
}

func TestNewIdempotencyKeyIsUnique(t *testing.T) {
	assert.NotEqual(t, NewIdempotencyKey(), NewIdempotencyKey())
}

func TestKeepaliveTicksUntilCancelled(t *testing.T) {
	fake := &fakeCaller{results: []*mcp.CallToolResult{
		textResult(t, api.SystemStatus{Healthy: true}),
	}}
	c := newTestClient(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Keepalive(ctx, 2*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return fake.calls() >= 2 },
		time.Second, time.Millisecond)
	cancel()
	<-done
}
