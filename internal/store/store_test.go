package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agora/internal/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{URI: filepath.Join(t.TempDir(), "agora.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func registerTestAgent(t *testing.T, s *Store, name string, role api.Role, caps ...api.CapabilityDeclaration) *api.Agent {
	t.Helper()
	agent, _, err := s.RegisterAgent(context.Background(), api.RegisterAgentRequest{
		AgentName:        name,
		ProjectDirectory: "/srv/" + name,
		Role:             role,
		Capabilities:     caps,
	})
	require.NoError(t, err)
	return agent
}

func statusPtr(s api.TaskStatus) *api.TaskStatus { return &s }
func intPtr(i int) *int                          { return &i }

func TestRegisterAgentIsIdempotentOnName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := registerTestAgent(t, s, "builder", api.RoleWorker)
	assert.Equal(t, api.AgentActive, first.Status)
	assert.Equal(t, api.TierBasic, first.ServiceTier)

	again, _, err := s.RegisterAgent(ctx, api.RegisterAgentRequest{
		AgentName:        "builder",
		ProjectDirectory: "/srv/builder",
		Role:             api.RoleWorker,
		ServiceTier:      api.TierPremium,
	})
	require.NoError(t, err)
	assert.Equal(t, first.AgentID, again.AgentID)
	assert.Equal(t, api.TierPremium, again.ServiceTier)
}

func TestRegisterAgentRejectsRoleChange(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "builder", api.RoleWorker)

	_, _, err := s.RegisterAgent(context.Background(), api.RegisterAgentRequest{
		AgentName:        "builder",
		ProjectDirectory: "/srv/builder",
		Role:             api.RoleOverseer,
	})
	assert.True(t, api.IsKind(err, api.KindConflict))
}

func TestRegisterAgentRejectsDirectoryChange(t *testing.T) {
	s := newTestStore(t)
	registerTestAgent(t, s, "builder", api.RoleWorker)

	_, _, err := s.RegisterAgent(context.Background(), api.RegisterAgentRequest{
		AgentName:        "builder",
		ProjectDirectory: "/srv/elsewhere",
		Role:             api.RoleWorker,
	})
	assert.True(t, api.IsKind(err, api.KindConflict))
}

func TestRegisterAgentValidatesInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.RegisterAgent(ctx, api.RegisterAgentRequest{
		ProjectDirectory: "/srv/x", Role: api.RoleWorker,
	})
	assert.True(t, api.IsKind(err, api.KindInvalidArgument))

	_, _, err = s.RegisterAgent(ctx, api.RegisterAgentRequest{
		AgentName: "x", ProjectDirectory: "/srv/x", Role: "ROOT",
	})
	assert.True(t, api.IsKind(err, api.KindInvalidArgument))
}

func TestCapabilityProficiencyRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// The full 1..100 scale is accepted.
	agent, _, err := s.RegisterAgent(ctx, api.RegisterAgentRequest{
		AgentName: "docs", ProjectDirectory: "/srv/docs", Role: api.RoleWorker,
		Capabilities: []api.CapabilityDeclaration{
			{CapabilityType: "docs", ProficiencyLevel: 80, MaxConcurrentTasks: 3},
		},
	})
	require.NoError(t, err)

	caps, err := s.ListCapableAgents(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, caps, 1)
	assert.Equal(t, agent.AgentID, caps[0].Agent.AgentID)
	assert.Equal(t, 80, caps[0].Capability.ProficiencyLevel)

	for _, bad := range []int{0, 101} {
		_, _, err := s.RegisterCapability(ctx, api.RegisterCapabilityRequest{
			AgentID: agent.AgentID, CapabilityType: "docs",
			ProficiencyLevel: bad, MaxConcurrentTasks: 1,
		})
		assert.True(t, api.IsKind(err, api.KindInvalidArgument), "proficiency %d", bad)
	}
}

func TestListCapableAgentsPrefersLeastRecentlySeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	build := api.CapabilityDeclaration{
		CapabilityType: "review", ProficiencyLevel: 80, MaxConcurrentTasks: 2,
	}
	older := registerTestAgent(t, s, "older", api.RoleWorker, build)
	newer := registerTestAgent(t, s, "newer", api.RoleWorker, build)

	// A heartbeat makes the second agent the most recently seen.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctx, newer.AgentID))

	candidates, err := s.ListCapableAgents(ctx, "review")
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, older.AgentID, candidates[0].Agent.AgentID)
	assert.Equal(t, newer.AgentID, candidates[1].Agent.AgentID)
}

func TestCommitSequenceIsStrictlyIncreasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last uint64
	for _, name := range []string{"a", "b", "c"} {
		_, seq, err := s.RegisterAgent(ctx, api.RegisterAgentRequest{
			AgentName: name, ProjectDirectory: "/srv/" + name, Role: api.RoleWorker,
		})
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq
	}
	assert.Equal(t, last, s.CommitSequence())
}

func TestCommitSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	uri := filepath.Join(dir, "agora.db")

	s, err := Open(Options{URI: uri})
	require.NoError(t, err)
	registerTestAgent(t, s, "survivor", api.RoleWorker)
	seq := s.CommitSequence()
	require.NoError(t, s.Close())

	reopened, err := Open(Options{URI: uri})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, seq, reopened.CommitSequence())

	agent, err := reopened.GetAgentByName(context.Background(), "survivor")
	require.NoError(t, err)
	assert.Equal(t, api.AgentActive, agent.Status)
}

func TestSendMessageDirect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sender := registerTestAgent(t, s, "sender", api.RoleWorker)
	receiver := registerTestAgent(t, s, "receiver", api.RoleWorker)

	msg, _, err := s.SendMessage(ctx, api.SendMessageRequest{
		FromAgent:   sender.AgentID,
		ToAgent:     receiver.AgentID,
		MessageType: "status_report",
		Payload:     map[string]interface{}{"ok": true},
		Priority:    3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MessageID)

	events, err := s.ListEventsAfter(ctx, receiver.AgentID, 0, 10)
	require.NoError(t, err)
	var sent []api.Event
	for _, ev := range events {
		if ev.EventType == api.EventMessageSent {
			sent = append(sent, ev)
		}
	}
	require.Len(t, sent, 1)
	assert.Equal(t, msg.MessageID, sent[0].Payload["message_id"])
	assert.Equal(t, 3, sent[0].Priority)
}

func TestSendMessageBroadcastExcludesSenderAndOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sender := registerTestAgent(t, s, "sender", api.RoleWorker)
	peer := registerTestAgent(t, s, "peer", api.RoleWorker)
	sleeper := registerTestAgent(t, s, "sleeper", api.RoleWorker)

	_, err := s.UserOverride(ctx, api.UserOverrideRequest{
		Actor: "user", Subject: sleeper.AgentID,
		Action: api.OverrideSetState, TargetState: string(api.AgentOffline),
		AuthorityLevel: api.LevelUser,
	})
	require.NoError(t, err)

	_, _, err = s.SendMessage(ctx, api.SendMessageRequest{
		FromAgent:   sender.AgentID,
		ToAgent:     api.BroadcastTarget,
		MessageType: "announcement",
		Priority:    2,
	})
	require.NoError(t, err)

	countSent := func(agentID string) int {
		events, err := s.ListEventsAfter(ctx, agentID, 0, 100)
		require.NoError(t, err)
		n := 0
		for _, ev := range events {
			if ev.EventType == api.EventMessageSent {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 1, countSent(peer.AgentID))
	assert.Equal(t, 0, countSent(sender.AgentID))
	assert.Equal(t, 0, countSent(sleeper.AgentID))
}

func TestSendMessageToUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	sender := registerTestAgent(t, s, "sender", api.RoleWorker)

	_, _, err := s.SendMessage(context.Background(), api.SendMessageRequest{
		FromAgent:   sender.AgentID,
		ToAgent:     "agent_00000000deadbeef",
		MessageType: "ping",
		Priority:    1,
	})
	assert.True(t, api.IsKind(err, api.KindNotFound))
}

func TestAssignTaskRequiresCapability(t *testing.T) {
	s := newTestStore(t)
	worker := registerTestAgent(t, s, "worker", api.RoleWorker)

	_, _, err := s.AssignTask(context.Background(), api.AssignTaskRequest{
		Assignee: worker.AgentID,
		TaskType: "code_review",
		Priority: 2,
	})
	assert.True(t, api.IsKind(err, api.KindInvalidArgument))
}

func TestAssignTaskEnforcesConcurrencyLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worker := registerTestAgent(t, s, "worker", api.RoleWorker,
		api.CapabilityDeclaration{CapabilityType: "code_review", ProficiencyLevel: 5, MaxConcurrentTasks: 2})

	for i := 0; i < 2; i++ {
		_, _, err := s.AssignTask(ctx, api.AssignTaskRequest{
			Assignee: worker.AgentID, TaskType: "code_review", Priority: 2,
		})
		require.NoError(t, err)
	}

	_, _, err := s.AssignTask(ctx, api.AssignTaskRequest{
		Assignee: worker.AgentID, TaskType: "code_review", Priority: 2,
	})
	assert.True(t, api.IsKind(err, api.KindConflict))
}

func TestAssignTaskIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worker := registerTestAgent(t, s, "worker", api.RoleWorker,
		api.CapabilityDeclaration{CapabilityType: "build", ProficiencyLevel: 5, MaxConcurrentTasks: 1})

	req := api.AssignTaskRequest{
		Assignee: worker.AgentID, TaskType: "build", Priority: 2,
		IdempotencyKey: "retry-key-1",
	}
	first, _, err := s.AssignTask(ctx, req)
	require.NoError(t, err)

	// Replay with the same key returns the original task, even though
	// the concurrency slot is occupied.
	replay, _, err := s.AssignTask(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, replay.TaskID)

	// Same key, different request: conflict.
	req.Priority = 5
	_, _, err = s.AssignTask(ctx, req)
	assert.True(t, api.IsKind(err, api.KindConflict))
}

func TestUpdateTaskStateMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worker := registerTestAgent(t, s, "worker", api.RoleWorker,
		api.CapabilityDeclaration{CapabilityType: "build", ProficiencyLevel: 5, MaxConcurrentTasks: 4})

	task, _, err := s.AssignTask(ctx, api.AssignTaskRequest{
		Assignee: worker.AgentID, TaskType: "build", Priority: 2,
	})
	require.NoError(t, err)

	// pending -> completed skips the machine.
	_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{
		TaskID: task.TaskID, Status: statusPtr(api.TaskCompleted),
	})
	assert.True(t, api.IsKind(err, api.KindInvalidTransition))

	for _, next := range []api.TaskStatus{api.TaskAccepted, api.TaskInProgress, api.TaskCompleted} {
		_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{TaskID: task.TaskID, Status: statusPtr(next)})
		require.NoError(t, err)
	}

	// Completed is terminal.
	_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{
		TaskID: task.TaskID, Status: statusPtr(api.TaskInProgress),
	})
	assert.True(t, api.IsKind(err, api.KindInvalidTransition))
}

func TestUpdateTaskProgressIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worker := registerTestAgent(t, s, "worker", api.RoleWorker,
		api.CapabilityDeclaration{CapabilityType: "build", ProficiencyLevel: 5, MaxConcurrentTasks: 4})

	task, _, err := s.AssignTask(ctx, api.AssignTaskRequest{
		Assignee: worker.AgentID, TaskType: "build", Priority: 2,
	})
	require.NoError(t, err)
	_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{TaskID: task.TaskID, Status: statusPtr(api.TaskAccepted)})
	require.NoError(t, err)
	_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{
		TaskID: task.TaskID, Status: statusPtr(api.TaskInProgress), Progress: intPtr(60),
	})
	require.NoError(t, err)

	_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{TaskID: task.TaskID, Progress: intPtr(40)})
	assert.True(t, api.IsKind(err, api.KindInvalidTransition))

	updated, _, err := s.UpdateTask(ctx, api.UpdateTaskRequest{TaskID: task.TaskID, Progress: intPtr(80)})
	require.NoError(t, err)
	assert.Equal(t, 80, updated.Progress)
}

func TestUpdateTaskRetryResetsProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worker := registerTestAgent(t, s, "worker", api.RoleWorker,
		api.CapabilityDeclaration{CapabilityType: "build", ProficiencyLevel: 5, MaxConcurrentTasks: 4})

	task, _, err := s.AssignTask(ctx, api.AssignTaskRequest{
		Assignee: worker.AgentID, TaskType: "build", Priority: 2,
	})
	require.NoError(t, err)
	for _, next := range []api.TaskStatus{api.TaskAccepted, api.TaskInProgress} {
		_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{TaskID: task.TaskID, Status: statusPtr(next)})
		require.NoError(t, err)
	}
	_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{
		TaskID: task.TaskID, Status: statusPtr(api.TaskFailed), Progress: intPtr(50),
	})
	require.NoError(t, err)

	// failed -> pending needs the retry reason.
	_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{
		TaskID: task.TaskID, Status: statusPtr(api.TaskPending),
	})
	assert.True(t, api.IsKind(err, api.KindInvalidTransition))

	retried, _, err := s.UpdateTask(ctx, api.UpdateTaskRequest{
		TaskID: task.TaskID, Status: statusPtr(api.TaskPending), Reason: "retry",
	})
	require.NoError(t, err)
	assert.Equal(t, api.TaskPending, retried.Status)
	assert.Equal(t, 0, retried.Progress)
	assert.Equal(t, 1, retried.Retries)
}

func TestStartWorkflowValidatesGraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initiator := registerTestAgent(t, s, "initiator", api.RoleSpecialist)

	cases := []struct {
		name  string
		steps []api.StepDefinition
	}{
		{"unknown dependency", []api.StepDefinition{
			{Name: "a", RequiredCapability: "build", DependsOn: []string{"ghost"}},
		}},
		{"self dependency", []api.StepDefinition{
			{Name: "a", RequiredCapability: "build", DependsOn: []string{"a"}},
		}},
		{"cycle", []api.StepDefinition{
			{Name: "a", RequiredCapability: "build", DependsOn: []string{"b"}},
			{Name: "b", RequiredCapability: "build", DependsOn: []string{"a"}},
		}},
		{"duplicate name", []api.StepDefinition{
			{Name: "a", RequiredCapability: "build"},
			{Name: "a", RequiredCapability: "test"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := s.StartWorkflow(ctx, api.StartWorkflowRequest{
				WorkflowName: "bad", InitiatorAgent: initiator.AgentID, Steps: tc.steps,
			})
			assert.True(t, api.IsKind(err, api.KindInvalidArgument))

			// Nothing was persisted.
			wfs, listErr := s.ListWorkflows(ctx, "")
			require.NoError(t, listErr)
			assert.Empty(t, wfs)
		})
	}
}

func TestActivateWorkflowLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initiator := registerTestAgent(t, s, "initiator", api.RoleSpecialist)

	wf, _, _, err := s.StartWorkflow(ctx, api.StartWorkflowRequest{
		WorkflowName: "release", InitiatorAgent: initiator.AgentID,
		Steps: []api.StepDefinition{{Name: "compile", RequiredCapability: "build"}},
	})
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowPending, wf.Status)

	_, err = s.ActivateWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)

	running, err := s.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowRunning, running.Status)

	// Activating a running workflow is a no-op.
	_, err = s.ActivateWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)

	_, err = s.ActivateWorkflow(ctx, "wf_00000000deadbeef")
	assert.True(t, api.IsKind(err, api.KindNotFound))
}

func TestWorkflowAggregatesToCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initiator := registerTestAgent(t, s, "initiator", api.RoleSpecialist)
	worker := registerTestAgent(t, s, "worker", api.RoleWorker,
		api.CapabilityDeclaration{CapabilityType: "build", ProficiencyLevel: 5, MaxConcurrentTasks: 4})

	wf, steps, _, err := s.StartWorkflow(ctx, api.StartWorkflowRequest{
		WorkflowName: "release", InitiatorAgent: initiator.AgentID,
		Steps: []api.StepDefinition{
			{Name: "compile", RequiredCapability: "build"},
			{Name: "package", RequiredCapability: "build", DependsOn: []string{"compile"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, api.WorkflowPending, wf.Status)

	_, err = s.ActivateWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)

	completeStep := func(step api.WorkflowStep) {
		task, _, err := s.AssignTask(ctx, api.AssignTaskRequest{
			WorkflowID: wf.WorkflowID, StepID: step.StepID,
			Assignee: worker.AgentID, TaskType: "build", Priority: 2,
		})
		require.NoError(t, err)
		for _, next := range []api.TaskStatus{api.TaskAccepted, api.TaskInProgress, api.TaskCompleted} {
			_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{TaskID: task.TaskID, Status: statusPtr(next)})
			require.NoError(t, err)
		}
	}
	completeStep(steps[0])

	mid, err := s.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowRunning, mid.Status)

	completeStep(steps[1])

	done, err := s.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
}

func TestWorkflowFailsWhenRetriesExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initiator := registerTestAgent(t, s, "initiator", api.RoleSpecialist)
	worker := registerTestAgent(t, s, "worker", api.RoleWorker,
		api.CapabilityDeclaration{CapabilityType: "build", ProficiencyLevel: 5, MaxConcurrentTasks: 4})

	wf, steps, _, err := s.StartWorkflow(ctx, api.StartWorkflowRequest{
		WorkflowName: "release", InitiatorAgent: initiator.AgentID,
		Steps: []api.StepDefinition{{Name: "compile", RequiredCapability: "build"}},
	})
	require.NoError(t, err)
	_, err = s.ActivateWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)

	task, _, err := s.AssignTask(ctx, api.AssignTaskRequest{
		WorkflowID: wf.WorkflowID, StepID: steps[0].StepID,
		Assignee: worker.AgentID, TaskType: "build", Priority: 2,
	})
	require.NoError(t, err)
	for _, next := range []api.TaskStatus{api.TaskAccepted, api.TaskInProgress} {
		_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{TaskID: task.TaskID, Status: statusPtr(next)})
		require.NoError(t, err)
	}
	_, _, err = s.UpdateTask(ctx, api.UpdateTaskRequest{
		TaskID: task.TaskID, Status: statusPtr(api.TaskFailed), Reason: "retries_exhausted",
	})
	require.NoError(t, err)

	failed, err := s.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowFailed, failed.Status)

	// The initiator was told.
	events, err := s.ListEventsAfter(ctx, initiator.AgentID, 0, 100)
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.EventType == api.EventWorkflowFailed {
			found = true
		}
	}
	assert.True(t, found)
}

func TestUserOverrideRequiresUserAuthority(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UserOverride(context.Background(), api.UserOverrideRequest{
		Actor: "overseer", Action: api.OverrideEmergencyHalt,
		AuthorityLevel: api.LevelOverseer,
	})
	assert.True(t, api.IsKind(err, api.KindPermissionDenied))
}

func TestUserOverrideHaltAndResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	initiator := registerTestAgent(t, s, "initiator", api.RoleSpecialist)

	wf, _, _, err := s.StartWorkflow(ctx, api.StartWorkflowRequest{
		WorkflowName: "release", InitiatorAgent: initiator.AgentID,
		Steps: []api.StepDefinition{{Name: "compile", RequiredCapability: "build"}},
	})
	require.NoError(t, err)
	_, err = s.ActivateWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)

	_, err = s.UserOverride(ctx, api.UserOverrideRequest{
		Actor: "user", Action: api.OverrideEmergencyHalt,
		Reason: "rogue agent", AuthorityLevel: api.LevelUser,
	})
	require.NoError(t, err)

	halted, reason, err := s.HaltedReason(ctx)
	require.NoError(t, err)
	assert.True(t, halted)
	assert.Equal(t, "rogue agent", reason)

	// Running workflows halt with the system, active agents pause.
	haltedWf, err := s.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowHalted, haltedWf.Status)

	pausedAgent, err := s.GetAgent(ctx, initiator.AgentID)
	require.NoError(t, err)
	assert.Equal(t, api.AgentPaused, pausedAgent.Status)

	_, err = s.UserOverride(ctx, api.UserOverrideRequest{
		Actor: "user", Action: api.OverrideResume, AuthorityLevel: api.LevelUser,
	})
	require.NoError(t, err)

	halted, _, err = s.HaltedReason(ctx)
	require.NoError(t, err)
	assert.False(t, halted)

	resumed, err := s.GetWorkflow(ctx, wf.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, api.WorkflowRunning, resumed.Status)

	resumedAgent, err := s.GetAgent(ctx, initiator.AgentID)
	require.NoError(t, err)
	assert.Equal(t, api.AgentActive, resumedAgent.Status)
}

func TestUserOverrideEventsCarryEmergencyPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bystander := registerTestAgent(t, s, "bystander", api.RoleWorker)

	_, err := s.UserOverride(ctx, api.UserOverrideRequest{
		Actor: "user", Action: api.OverrideEmergencyHalt,
		Reason: "halt", AuthorityLevel: api.LevelUser,
	})
	require.NoError(t, err)

	events, err := s.ListEventsAfter(ctx, bystander.AgentID, 0, 100)
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.EventType == api.EventUserOverride {
			found = true
			assert.Equal(t, api.PriorityEmergency, ev.Priority)
		}
	}
	assert.True(t, found)
}

func TestHeartbeatOnlyRefreshesLastSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := registerTestAgent(t, s, "sleeper", api.RoleWorker)

	_, err := s.UserOverride(ctx, api.UserOverrideRequest{
		Actor: "user", Subject: agent.AgentID,
		Action: api.OverrideSetState, TargetState: string(api.AgentOffline),
		AuthorityLevel: api.LevelUser,
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctx, agent.AgentID))

	// last_seen_at moves, status does not: an offline agent stays
	// offline until it re-registers.
	refreshed, err := s.GetAgent(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, api.AgentOffline, refreshed.Status)
	assert.True(t, refreshed.LastSeenAt.After(agent.LastSeenAt))
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent := registerTestAgent(t, s, "reader", api.RoleWorker)

	require.NoError(t, s.SaveCursor(ctx, agent.AgentID, 9))
	require.NoError(t, s.SaveCursor(ctx, agent.AgentID, 4))

	cursor, err := s.LoadCursor(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), cursor)
}

func TestCountDeliveriesIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sender := registerTestAgent(t, s, "sender", api.RoleWorker)
	receiver := registerTestAgent(t, s, "receiver", api.RoleWorker)

	msg, _, err := s.SendMessage(ctx, api.SendMessageRequest{
		FromAgent: sender.AgentID, ToAgent: receiver.AgentID,
		MessageType: "ping", Priority: 2,
	})
	require.NoError(t, err)

	events, err := s.ListEventsAfter(ctx, receiver.AgentID, 0, 100)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1].Sequence

	require.NoError(t, s.CountDeliveries(ctx, receiver.AgentID, last))
	require.NoError(t, s.CountDeliveries(ctx, receiver.AgentID, last))

	result, err := s.Query(ctx, api.QueryRequest{
		Entity: "messages",
		Filter: map[string]interface{}{"to_agent": receiver.AgentID},
	})
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	item := result.Items[0].(map[string]interface{})
	assert.EqualValues(t, 1, item["delivered_count"])
	assert.Equal(t, msg.MessageID, item["message_id"])
}

func TestPruneEventsExpiresOldCursors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sender := registerTestAgent(t, s, "sender", api.RoleWorker)
	receiver := registerTestAgent(t, s, "receiver", api.RoleWorker)

	_, _, err := s.SendMessage(ctx, api.SendMessageRequest{
		FromAgent: sender.AgentID, ToAgent: receiver.AgentID,
		MessageType: "old_news", Priority: 2,
	})
	require.NoError(t, err)

	pruned, _, err := s.PruneEvents(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Greater(t, pruned, int64(0))

	// A cursor from before the horizon is expired.
	_, err = s.ListEventsAfter(ctx, receiver.AgentID, 0, 10)
	assert.True(t, api.IsKind(err, api.KindCursorExpired))

	// New events resume above the watermark, never reusing sequences.
	_, _, err = s.SendMessage(ctx, api.SendMessageRequest{
		FromAgent: sender.AgentID, ToAgent: receiver.AgentID,
		MessageType: "fresh", Priority: 2,
	})
	require.NoError(t, err)

	watermarkRes, err := s.Query(ctx, api.QueryRequest{Entity: "events",
		Filter: map[string]interface{}{"target_agent": receiver.AgentID}})
	require.NoError(t, err)
	require.NotEmpty(t, watermarkRes.Items)
}

func TestQueryRejectsUnknownEntityAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Query(ctx, api.QueryRequest{Entity: "secrets"})
	assert.True(t, api.IsKind(err, api.KindInvalidArgument))

	_, err = s.Query(ctx, api.QueryRequest{
		Entity: "agents",
		Filter: map[string]interface{}{"project_directory": "/"},
	})
	assert.True(t, api.IsKind(err, api.KindInvalidArgument))
}

func TestQueryPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		registerTestAgent(t, s, name, api.RoleWorker)
	}

	page1, err := s.Query(ctx, api.QueryRequest{Entity: "agents", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page1.Items, 2)
	require.NotZero(t, page1.NextCursor)

	page2, err := s.Query(ctx, api.QueryRequest{Entity: "agents", Limit: 10, Cursor: page1.NextCursor})
	require.NoError(t, err)
	assert.Len(t, page2.Items, 3)
	assert.Zero(t, page2.NextCursor)
}

func TestStatusSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worker := registerTestAgent(t, s, "worker", api.RoleWorker,
		api.CapabilityDeclaration{CapabilityType: "build", ProficiencyLevel: 5, MaxConcurrentTasks: 4})
	_, _, err := s.AssignTask(ctx, api.AssignTaskRequest{
		Assignee: worker.AgentID, TaskType: "build", Priority: 2,
	})
	require.NoError(t, err)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Healthy)
	assert.False(t, st.Halted)
	assert.Equal(t, 1, st.ActiveAgents)
	assert.Equal(t, 1, st.PendingTasks)
	assert.Equal(t, s.CommitSequence(), st.CommitSequence)
}
