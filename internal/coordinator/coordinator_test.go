package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/api"
	"agora/internal/config"
	"agora/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Options{URI: filepath.Join(t.TempDir(), "agora.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	store.NewAdapter(s).Register()
	t.Cleanup(api.ResetForTesting)

	c := New(config.CoordinatorConfig{
		TickInterval:     10 * time.Millisecond,
		TaskRetryMax:     2,
		TaskRetryBackoff: time.Millisecond,
	}, nil)
	return c, s
}

func registerWorker(t *testing.T, s *store.Store, name string, proficiency, slots int) *api.Agent {
	t.Helper()
	agent, _, err := s.RegisterAgent(context.Background(), api.RegisterAgentRequest{
		AgentName: name, ProjectDirectory: "/srv/" + name, Role: api.RoleWorker,
		Capabilities: []api.CapabilityDeclaration{
			{CapabilityType: "build", ProficiencyLevel: proficiency, MaxConcurrentTasks: slots},
		},
	})
	require.NoError(t, err)
	return agent
}

func startWorkflow(t *testing.T, s *store.Store, initiator string, steps ...api.StepDefinition) (*api.Workflow, []api.WorkflowStep) {
	t.Helper()
	wf, created, _, err := s.StartWorkflow(context.Background(), api.StartWorkflowRequest{
		WorkflowName: "release", InitiatorAgent: initiator, Steps: steps,
	})
	require.NoError(t, err)
	return wf, created
}

func TestSchedulesReadyStepToBestCandidate(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	initiator, _, err := s.RegisterAgent(ctx, api.RegisterAgentRequest{
		AgentName: "initiator", ProjectDirectory: "/srv/initiator", Role: api.RoleSpecialist,
	})
	require.NoError(t, err)
	registerWorker(t, s, "novice", 3, 2)
	expert := registerWorker(t, s, "expert", 9, 2)

	wf, steps := startWorkflow(t, s, initiator.AgentID,
		api.StepDefinition{Name: "compile", RequiredCapability: "build"},
		api.StepDefinition{Name: "package", RequiredCapability: "build", DependsOn: []string{"compile"}},
	)

	c.tick(ctx)

	// Only the dependency-free step was assigned, to the most
	// proficient agent.
	refreshed, err := s.GetWorkflowSteps(ctx, wf.WorkflowID)
	require.NoError(t, err)
	require.NotEmpty(t, refreshed[0].AssignedTaskID)
	assert.Empty(t, refreshed[1].AssignedTaskID)
	assert.Equal(t, 1, c.InFlight())

	task, err := s.GetTask(ctx, refreshed[0].AssignedTaskID)
	require.NoError(t, err)
	assert.Equal(t, expert.AgentID, task.Assignee)
	assert.Equal(t, "build", task.TaskType)

	// Ticking again does not double-assign.
	c.tick(ctx)
	again, err := s.GetWorkflowSteps(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, refreshed[0].AssignedTaskID, again[0].AssignedTaskID)

	// Completing the first step unblocks the second.
	complete(t, s, task.TaskID)
	c.tick(ctx)
	final, err := s.GetWorkflowSteps(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.NotEmpty(t, final[1].AssignedTaskID)
	_ = steps
}

func complete(t *testing.T, s *store.Store, taskID string) {
	t.Helper()
	for _, next := range []api.TaskStatus{api.TaskAccepted, api.TaskInProgress, api.TaskCompleted} {
		status := next
		_, _, err := s.UpdateTask(context.Background(), api.UpdateTaskRequest{TaskID: taskID, Status: &status})
		require.NoError(t, err)
	}
}

func fail(t *testing.T, s *store.Store, taskID string) {
	t.Helper()
	for _, next := range []api.TaskStatus{api.TaskAccepted, api.TaskInProgress, api.TaskFailed} {
		status := next
		_, _, err := s.UpdateTask(context.Background(), api.UpdateTaskRequest{TaskID: taskID, Status: &status})
		require.NoError(t, err)
	}
}

func TestSchedulingTieBreaksOnLeastRecentlySeen(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	initiator, _, err := s.RegisterAgent(ctx, api.RegisterAgentRequest{
		AgentName: "initiator", ProjectDirectory: "/srv/initiator", Role: api.RoleSpecialist,
	})
	require.NoError(t, err)

	// Equal proficiency, equal load: the agent seen longest ago wins.
	older := registerWorker(t, s, "older", 8, 2)
	newer := registerWorker(t, s, "newer", 8, 2)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctx, newer.AgentID))

	wf, _ := startWorkflow(t, s, initiator.AgentID,
		api.StepDefinition{Name: "compile", RequiredCapability: "build"})

	c.tick(ctx)

	steps, err := s.GetWorkflowSteps(ctx, wf.WorkflowID)
	require.NoError(t, err)
	require.NotEmpty(t, steps[0].AssignedTaskID)

	task, err := s.GetTask(ctx, steps[0].AssignedTaskID)
	require.NoError(t, err)
	assert.Equal(t, older.AgentID, task.Assignee)
}

func TestExpiresOverdueTasks(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()
	worker := registerWorker(t, s, "worker", 5, 2)

	past := time.Now().Add(-time.Minute)
	task, _, err := s.AssignTask(ctx, api.AssignTaskRequest{
		Assignee: worker.AgentID, TaskType: "build", Priority: 2, Deadline: &past,
	})
	require.NoError(t, err)

	c.tick(ctx)

	expired, err := s.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskFailed, expired.Status)
}

func TestRetriesFailedWorkflowTaskWithBackoff(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	initiator, _, err := s.RegisterAgent(ctx, api.RegisterAgentRequest{
		AgentName: "initiator", ProjectDirectory: "/srv/initiator", Role: api.RoleSpecialist,
	})
	require.NoError(t, err)
	registerWorker(t, s, "worker", 5, 2)

	wf, _ := startWorkflow(t, s, initiator.AgentID,
		api.StepDefinition{Name: "compile", RequiredCapability: "build"})

	c.tick(ctx)
	steps, err := s.GetWorkflowSteps(ctx, wf.WorkflowID)
	require.NoError(t, err)
	taskID := steps[0].AssignedTaskID
	require.NotEmpty(t, taskID)

	fail(t, s, taskID)

	// Backoff is 1ms in this fixture; wait it out, then tick.
	time.Sleep(5 * time.Millisecond)
	c.tick(ctx)

	retried, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, api.TaskPending, retried.Status)
	assert.Equal(t, 1, retried.Retries)
	assert.Equal(t, 0, retried.Progress)
}

func TestExhaustedRetriesFailWorkflow(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	initiator, _, err := s.RegisterAgent(ctx, api.RegisterAgentRequest{
		AgentName: "initiator", ProjectDirectory: "/srv/initiator", Role: api.RoleSpecialist,
	})
	require.NoError(t, err)
	registerWorker(t, s, "worker", 5, 2)

	wf, _ := startWorkflow(t, s, initiator.AgentID,
		api.StepDefinition{Name: "compile", RequiredCapability: "build"})

	c.tick(ctx)
	steps, err := s.GetWorkflowSteps(ctx, wf.WorkflowID)
	require.NoError(t, err)
	taskID := steps[0].AssignedTaskID
	require.NotEmpty(t, taskID)

	// Fail, retry, fail, retry, fail: TaskRetryMax is 2.
	for attempt := 0; attempt < 2; attempt++ {
		fail(t, s, taskID)
		time.Sleep(5 * time.Millisecond)
		c.tick(ctx)
		task, err := s.GetTask(ctx, taskID)
		require.NoError(t, err)
		require.Equal(t, api.TaskPending, task.Status, "attempt %d", attempt)
	}
	fail(t, s, taskID)
	c.tick(ctx)

	failed, err := s.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowFailed, failed.Status)

	// Once the workflow has failed, the exhausted task is left alone:
	// further ticks commit nothing.
	seq := s.CommitSequence()
	for i := 0; i < 3; i++ {
		c.tick(ctx)
	}
	assert.Equal(t, seq, s.CommitSequence())
}

func TestTickIsIdleWhileHalted(t *testing.T) {
	c, s := newTestCoordinator(t)
	ctx := context.Background()

	halted := &stubAuthority{halted: true}
	api.RegisterAuthority(halted)

	initiator, _, err := s.RegisterAgent(ctx, api.RegisterAgentRequest{
		AgentName: "initiator", ProjectDirectory: "/srv/initiator", Role: api.RoleSpecialist,
	})
	require.NoError(t, err)
	registerWorker(t, s, "worker", 5, 2)
	wf, _ := startWorkflow(t, s, initiator.AgentID,
		api.StepDefinition{Name: "compile", RequiredCapability: "build"})

	c.tick(ctx)

	steps, err := s.GetWorkflowSteps(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Empty(t, steps[0].AssignedTaskID)

	// Lifting the halt resumes scheduling.
	halted.halted = false
	c.tick(ctx)
	steps, err = s.GetWorkflowSteps(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.NotEmpty(t, steps[0].AssignedTaskID)
}

type stubAuthority struct {
	halted bool
}

func (s *stubAuthority) Check(api.CheckRequest) api.Decision { return api.DecisionGranted }
func (s *stubAuthority) Halted() bool                        { return s.halted }
func (s *stubAuthority) Halt(string)                         { s.halted = true }
func (s *stubAuthority) Resume()                             { s.halted = false }
func (s *stubAuthority) HaltReason() string                  { return "" }
