package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agora/internal/api"
	"agora/internal/id"
	"agora/pkg/logging"
)

// RegisterAgent creates or reactivates an agent. Registration is
// idempotent on agent name: re-registering with the same role and
// project directory reactivates the agent and upserts its declared
// capabilities in the same transaction.
func (s *Store) RegisterAgent(ctx context.Context, req api.RegisterAgentRequest) (*api.Agent, uint64, error) {
	if req.AgentName == "" {
		return nil, 0, api.NewInvalidArgumentError("agent_name is required")
	}
	if req.ProjectDirectory == "" {
		return nil, 0, api.NewInvalidArgumentError("project_directory is required")
	}
	if !req.Role.Valid() {
		return nil, 0, api.NewInvalidArgumentError("unknown role %q", req.Role)
	}
	tier := req.ServiceTier
	if tier == "" {
		tier = api.TierBasic
	}
	switch tier {
	case api.TierBasic, api.TierPremium, api.TierEnterprise:
	default:
		return nil, 0, api.NewInvalidArgumentError("unknown service_tier %q", req.ServiceTier)
	}
	for _, c := range req.Capabilities {
		if err := validateCapability(c.CapabilityType, c.ProficiencyLevel, c.MaxConcurrentTasks); err != nil {
			return nil, 0, err
		}
	}

	result, seq, err := s.submit(ctx, "register_agent", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		existing, err := scanAgentBy(tx, "agent_name", req.AgentName)
		if err != nil {
			return nil, nil, err
		}

		var agent *api.Agent
		if existing != nil {
			if existing.Role != req.Role {
				return nil, nil, api.NewConflictError(
					"agent %s is registered as %s, cannot re-register as %s",
					req.AgentName, existing.Role, req.Role)
			}
			if existing.ProjectDirectory != req.ProjectDirectory {
				return nil, nil, api.NewConflictError(
					"agent %s is bound to %s, cannot re-register from %s",
					req.AgentName, existing.ProjectDirectory, req.ProjectDirectory)
			}
			if _, err := tx.Exec(
				`UPDATE agents SET status = ?, service_tier = ?, last_seen_at = ? WHERE agent_id = ?`,
				api.AgentActive, tier, millis(now), existing.AgentID); err != nil {
				return nil, nil, wrapInternal(err)
			}
			agent = existing
			agent.Status = api.AgentActive
			agent.ServiceTier = tier
			agent.LastSeenAt = now
		} else {
			agentID, err := id.New(id.PrefixAgent)
			if err != nil {
				return nil, nil, err
			}
			agent = &api.Agent{
				AgentID:          agentID,
				AgentName:        req.AgentName,
				ProjectDirectory: req.ProjectDirectory,
				Role:             req.Role,
				Status:           api.AgentActive,
				ServiceTier:      tier,
				RegisteredAt:     now,
				LastSeenAt:       now,
			}
			if _, err := tx.Exec(
				`INSERT INTO agents (agent_id, agent_name, project_directory, role, status, service_tier, registered_at, last_seen_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				agent.AgentID, agent.AgentName, agent.ProjectDirectory, agent.Role,
				agent.Status, agent.ServiceTier, millis(now), millis(now)); err != nil {
				return nil, nil, wrapInternal(err)
			}
		}

		for _, c := range req.Capabilities {
			if err := upsertCapability(tx, agent.AgentID, c.CapabilityType, c.ProficiencyLevel, c.MaxConcurrentTasks); err != nil {
				return nil, nil, err
			}
		}

		events, err := fanoutEvent(tx, commitSeq, now, api.EventAgentRegistered, agent.AgentID, agent.AgentID,
			api.PriorityDefault, map[string]interface{}{
				"agent_id":   agent.AgentID,
				"agent_name": agent.AgentName,
				"role":       string(agent.Role),
			})
		if err != nil {
			return nil, nil, err
		}
		return agent, events, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return result.(*api.Agent), seq, nil
}

// RegisterCapability upserts one capability for an existing agent,
// keyed on (agent_id, capability_type).
func (s *Store) RegisterCapability(ctx context.Context, req api.RegisterCapabilityRequest) (*api.Capability, uint64, error) {
	if err := validateCapability(req.CapabilityType, req.ProficiencyLevel, req.MaxConcurrentTasks); err != nil {
		return nil, 0, err
	}

	result, seq, err := s.submit(ctx, "register_capability", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		agent, err := scanAgentBy(tx, "agent_id", req.AgentID)
		if err != nil {
			return nil, nil, err
		}
		if agent == nil {
			return nil, nil, api.NewNotFoundError("agent", req.AgentID)
		}

		if err := upsertCapability(tx, req.AgentID, req.CapabilityType, req.ProficiencyLevel, req.MaxConcurrentTasks); err != nil {
			return nil, nil, err
		}

		cap := &api.Capability{
			AgentID:            req.AgentID,
			CapabilityType:     req.CapabilityType,
			ProficiencyLevel:   req.ProficiencyLevel,
			MaxConcurrentTasks: req.MaxConcurrentTasks,
			Active:             true,
		}
		if err := tx.QueryRow(
			`SELECT capability_id FROM capabilities WHERE agent_id = ? AND capability_type = ?`,
			req.AgentID, req.CapabilityType).Scan(&cap.CapabilityID); err != nil {
			return nil, nil, wrapInternal(err)
		}

		events, err := fanoutEvent(tx, commitSeq, now, api.EventCapabilityUpdated, req.AgentID, req.AgentID,
			api.PriorityDefault, map[string]interface{}{
				"agent_id":        req.AgentID,
				"capability_type": req.CapabilityType,
				"proficiency":     req.ProficiencyLevel,
			})
		if err != nil {
			return nil, nil, err
		}
		return cap, events, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return result.(*api.Capability), seq, nil
}

// SendMessage persists an immutable message and fans out message_sent
// events: one per recipient. Broadcast ("*") reaches every non-offline
// agent except the sender.
func (s *Store) SendMessage(ctx context.Context, req api.SendMessageRequest) (*api.Message, uint64, error) {
	if req.MessageType == "" {
		return nil, 0, api.NewInvalidArgumentError("message_type is required")
	}
	if req.Priority < api.PriorityMin || req.Priority > api.PriorityMax {
		return nil, 0, api.NewInvalidArgumentError("priority %d out of range [%d,%d]", req.Priority, api.PriorityMin, api.PriorityMax)
	}

	result, seq, err := s.submit(ctx, "send_message", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		sender, err := scanAgentBy(tx, "agent_id", req.FromAgent)
		if err != nil {
			return nil, nil, err
		}
		if sender == nil {
			return nil, nil, api.NewNotFoundError("agent", req.FromAgent)
		}
		if sender.Status == api.AgentSuspended {
			return nil, nil, api.NewPermissionDeniedError("agent %s is suspended", req.FromAgent)
		}

		var recipients []string
		if req.ToAgent == api.BroadcastTarget {
			recipients, err = fanoutTargets(tx, req.FromAgent)
			if err != nil {
				return nil, nil, err
			}
		} else {
			recipient, err := scanAgentBy(tx, "agent_id", req.ToAgent)
			if err != nil {
				return nil, nil, err
			}
			if recipient == nil {
				return nil, nil, api.NewNotFoundError("agent", req.ToAgent)
			}
			recipients = []string{req.ToAgent}
		}

		messageID, err := id.New(id.PrefixMessage)
		if err != nil {
			return nil, nil, err
		}
		payloadJSON, err := marshalMap(req.Payload)
		if err != nil {
			return nil, nil, err
		}
		if _, err := tx.Exec(
			`INSERT INTO messages (message_id, from_agent, to_agent, message_type, payload_json, priority, thread_id, created_at, delivered_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			messageID, req.FromAgent, req.ToAgent, req.MessageType, payloadJSON,
			req.Priority, nullable(req.ThreadID), millis(now)); err != nil {
			return nil, nil, wrapInternal(err)
		}

		msg := &api.Message{
			MessageID:   messageID,
			FromAgent:   req.FromAgent,
			ToAgent:     req.ToAgent,
			MessageType: req.MessageType,
			Payload:     req.Payload,
			Priority:    req.Priority,
			ThreadID:    req.ThreadID,
			CreatedAt:   now,
		}

		eventPayload := map[string]interface{}{
			"message_id":   messageID,
			"from_agent":   req.FromAgent,
			"message_type": req.MessageType,
			"priority":     req.Priority,
		}
		if req.ThreadID != "" {
			eventPayload["thread_id"] = req.ThreadID
		}

		var events []api.Event
		for _, target := range recipients {
			ev, err := appendEvent(tx, commitSeq, now, api.EventMessageSent, req.FromAgent, target,
				req.Priority, eventPayload, messageID)
			if err != nil {
				return nil, nil, err
			}
			events = append(events, ev)
		}
		return msg, events, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return result.(*api.Message), seq, nil
}

// AssignTask creates a pending task after validating, atomically with
// the insert, that the assignee holds a matching active capability with
// a free concurrency slot. An idempotency key makes retries safe.
func (s *Store) AssignTask(ctx context.Context, req api.AssignTaskRequest) (*api.Task, uint64, error) {
	if req.TaskType == "" {
		return nil, 0, api.NewInvalidArgumentError("task_type is required")
	}
	if req.Priority < api.PriorityMin || req.Priority > api.PriorityMax {
		return nil, 0, api.NewInvalidArgumentError("priority %d out of range [%d,%d]", req.Priority, api.PriorityMin, api.PriorityMax)
	}

	hash := requestHash(struct {
		W, S, A, T string
		P          map[string]interface{}
		Pr         int
	}{req.WorkflowID, req.StepID, req.Assignee, req.TaskType, req.Payload, req.Priority})

	result, seq, err := s.submit(ctx, "assign_task", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		if req.IdempotencyKey != "" {
			taskID, done, err := lookupIdempotency(tx, req.IdempotencyKey, "assign_task", hash)
			if err != nil {
				return nil, nil, err
			}
			if done {
				task, err := scanTask(tx, taskID)
				if err != nil {
					return nil, nil, err
				}
				return task, nil, nil
			}
		}

		assignee, err := scanAgentBy(tx, "agent_id", req.Assignee)
		if err != nil {
			return nil, nil, err
		}
		if assignee == nil {
			return nil, nil, api.NewNotFoundError("agent", req.Assignee)
		}
		if assignee.Status != api.AgentActive {
			return nil, nil, api.NewInvalidArgumentError("agent %s is %s, not active", req.Assignee, assignee.Status)
		}

		var maxConcurrent int
		err = tx.QueryRow(
			`SELECT max_concurrent_tasks FROM capabilities
			 WHERE agent_id = ? AND capability_type = ? AND active = 1`,
			req.Assignee, req.TaskType).Scan(&maxConcurrent)
		if err == sql.ErrNoRows {
			return nil, nil, api.NewInvalidArgumentError("agent %s has no active %s capability", req.Assignee, req.TaskType)
		}
		if err != nil {
			return nil, nil, wrapInternal(err)
		}

		var inFlight int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM tasks
			 WHERE assignee = ? AND task_type = ? AND status IN (?, ?, ?)`,
			req.Assignee, req.TaskType, api.TaskPending, api.TaskAccepted, api.TaskInProgress).Scan(&inFlight); err != nil {
			return nil, nil, wrapInternal(err)
		}
		if inFlight >= maxConcurrent {
			return nil, nil, api.NewConflictError(
				"agent %s already has %d in-flight %s tasks (limit %d)",
				req.Assignee, inFlight, req.TaskType, maxConcurrent)
		}

		taskID, err := id.New(id.PrefixTask)
		if err != nil {
			return nil, nil, err
		}
		payloadJSON, err := marshalMap(req.Payload)
		if err != nil {
			return nil, nil, err
		}
		var deadline interface{}
		if req.Deadline != nil {
			deadline = millis(req.Deadline.UTC())
		}
		if _, err := tx.Exec(
			`INSERT INTO tasks (task_id, workflow_id, step_id, assignee, task_type, payload_json, priority, deadline, status, progress, retries, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
			taskID, nullable(req.WorkflowID), nullable(req.StepID), req.Assignee, req.TaskType,
			payloadJSON, req.Priority, deadline, api.TaskPending, millis(now), millis(now)); err != nil {
			return nil, nil, wrapInternal(err)
		}

		if req.StepID != "" {
			if _, err := tx.Exec(
				`UPDATE steps SET assigned_task_id = ? WHERE step_id = ?`, taskID, req.StepID); err != nil {
				return nil, nil, wrapInternal(err)
			}
		}
		if req.IdempotencyKey != "" {
			if err := recordIdempotency(tx, req.IdempotencyKey, "assign_task", hash, taskID, now); err != nil {
				return nil, nil, err
			}
		}

		task := &api.Task{
			TaskID:     taskID,
			WorkflowID: req.WorkflowID,
			Assignee:   req.Assignee,
			TaskType:   req.TaskType,
			Payload:    req.Payload,
			Priority:   req.Priority,
			Deadline:   req.Deadline,
			Status:     api.TaskPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		ev, err := appendEvent(tx, commitSeq, now, api.EventTaskAssigned, req.Assignee, req.Assignee,
			req.Priority, map[string]interface{}{
				"task_id":     taskID,
				"task_type":   req.TaskType,
				"workflow_id": req.WorkflowID,
				"priority":    req.Priority,
			}, "")
		if err != nil {
			return nil, nil, err
		}
		return task, []api.Event{ev}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return result.(*api.Task), seq, nil
}

// taskTransitions is the allowed task state machine. failed -> pending
// is permitted only on an explicit retry, which also resets progress.
// pending and accepted may fail directly so deadline expiry does not
// depend on the assignee ever picking the task up.
var taskTransitions = map[api.TaskStatus][]api.TaskStatus{
	api.TaskPending:    {api.TaskAccepted, api.TaskFailed, api.TaskCancelled},
	api.TaskAccepted:   {api.TaskInProgress, api.TaskFailed, api.TaskCancelled},
	api.TaskInProgress: {api.TaskCompleted, api.TaskFailed, api.TaskCancelled},
	api.TaskFailed:     {api.TaskPending},
}

func transitionAllowed(from, to api.TaskStatus, reason string) bool {
	if from == api.TaskFailed && to == api.TaskPending {
		return reason == "retry"
	}
	for _, t := range taskTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// UpdateTask applies a status and/or progress change under the task
// state machine, mirrors the change onto the owning workflow step, and
// aggregates the workflow status.
func (s *Store) UpdateTask(ctx context.Context, req api.UpdateTaskRequest) (*api.Task, uint64, error) {
	if req.Status == nil && req.Progress == nil && req.Result == nil {
		return nil, 0, api.NewInvalidArgumentError("update_task requires at least one of status, progress, result")
	}
	if req.Progress != nil && (*req.Progress < 0 || *req.Progress > 100) {
		return nil, 0, api.NewInvalidArgumentError("progress %d out of range [0,100]", *req.Progress)
	}

	result, seq, err := s.submit(ctx, "update_task", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		task, stepID, err := scanTaskWithStep(tx, req.TaskID)
		if err != nil {
			return nil, nil, err
		}
		if task == nil {
			return nil, nil, api.NewNotFoundError("task", req.TaskID)
		}

		newStatus := task.Status
		progress := task.Progress
		retries := task.Retries

		if req.Status != nil && *req.Status != task.Status {
			if task.Status.Terminal() && !(task.Status == api.TaskFailed && *req.Status == api.TaskPending) {
				return nil, nil, api.NewInvalidTransitionError(
					"task %s is %s, a terminal state", req.TaskID, task.Status)
			}
			if !transitionAllowed(task.Status, *req.Status, req.Reason) {
				return nil, nil, api.NewInvalidTransitionError(
					"task %s cannot go %s -> %s", req.TaskID, task.Status, *req.Status)
			}
			newStatus = *req.Status
			if task.Status == api.TaskFailed && newStatus == api.TaskPending {
				progress = 0
				retries++
			}
		}

		if req.Progress != nil {
			if *req.Progress < progress {
				return nil, nil, api.NewInvalidTransitionError(
					"progress cannot decrease: task %s is at %d, got %d", req.TaskID, progress, *req.Progress)
			}
			progress = *req.Progress
		}

		resultJSON := sql.NullString{}
		if req.Result != nil {
			if newStatus != api.TaskCompleted && newStatus != api.TaskFailed {
				return nil, nil, api.NewInvalidArgumentError(
					"result may only be attached when completing or failing a task")
			}
			j, err := marshalMap(req.Result)
			if err != nil {
				return nil, nil, err
			}
			resultJSON = sql.NullString{String: j, Valid: true}
		}

		if _, err := tx.Exec(
			`UPDATE tasks SET status = ?, progress = ?, retries = ?,
			        result_json = COALESCE(?, result_json), updated_at = ?
			 WHERE task_id = ?`,
			newStatus, progress, retries, resultJSON, millis(now), req.TaskID); err != nil {
			return nil, nil, wrapInternal(err)
		}

		task.Status = newStatus
		task.Progress = progress
		task.Retries = retries
		if req.Result != nil {
			task.Result = req.Result
		}
		task.UpdatedAt = now

		ev, err := appendEvent(tx, commitSeq, now, api.EventTaskUpdated, task.Assignee, task.Assignee,
			task.Priority, map[string]interface{}{
				"task_id":  task.TaskID,
				"status":   string(task.Status),
				"progress": task.Progress,
			}, "")
		if err != nil {
			return nil, nil, err
		}
		events := []api.Event{ev}

		if stepID != "" {
			wfEvents, err := aggregateWorkflow(tx, commitSeq, now, task, stepID, req.Reason)
			if err != nil {
				return nil, nil, err
			}
			events = append(events, wfEvents...)
		}
		return task, events, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return result.(*api.Task), seq, nil
}

// aggregateWorkflow mirrors a task change onto its step and rolls the
// workflow status up: all steps completed completes the workflow, a
// step failing with retries exhausted fails it.
func aggregateWorkflow(tx *sql.Tx, commitSeq uint64, now time.Time, task *api.Task, stepID, reason string) ([]api.Event, error) {
	if _, err := tx.Exec(`UPDATE steps SET status = ? WHERE step_id = ?`, task.Status, stepID); err != nil {
		return nil, wrapInternal(err)
	}

	var workflowID, initiator string
	var wfStatus api.WorkflowStatus
	err := tx.QueryRow(
		`SELECT w.workflow_id, w.initiator_agent, w.status
		 FROM workflows w JOIN steps s ON s.workflow_id = w.workflow_id
		 WHERE s.step_id = ?`, stepID).Scan(&workflowID, &initiator, &wfStatus)
	if err != nil {
		return nil, wrapInternal(err)
	}
	if wfStatus != api.WorkflowRunning {
		return nil, nil
	}

	var events []api.Event
	emit := func(eventType string, priority int, payload map[string]interface{}) error {
		ev, err := appendEvent(tx, commitSeq, now, eventType, task.Assignee, initiator, priority, payload, "")
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	}

	switch task.Status {
	case api.TaskCompleted:
		var remaining int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM steps WHERE workflow_id = ? AND status != ?`,
			workflowID, api.TaskCompleted).Scan(&remaining); err != nil {
			return nil, wrapInternal(err)
		}
		if remaining == 0 {
			if _, err := tx.Exec(
				`UPDATE workflows SET status = ?, completed_at = ? WHERE workflow_id = ?`,
				api.WorkflowCompleted, millis(now), workflowID); err != nil {
				return nil, wrapInternal(err)
			}
			if err := emit(api.EventWorkflowProgress, api.PriorityMax-1, map[string]interface{}{
				"workflow_id": workflowID,
				"status":      string(api.WorkflowCompleted),
			}); err != nil {
				return nil, err
			}
		} else {
			if err := emit(api.EventWorkflowProgress, api.PriorityDefault, map[string]interface{}{
				"workflow_id":     workflowID,
				"step_id":         stepID,
				"step_status":     string(api.TaskCompleted),
				"steps_remaining": remaining,
			}); err != nil {
				return nil, err
			}
		}

	case api.TaskFailed:
		if reason == "retries_exhausted" {
			if _, err := tx.Exec(
				`UPDATE workflows SET status = ?, completed_at = ? WHERE workflow_id = ?`,
				api.WorkflowFailed, millis(now), workflowID); err != nil {
				return nil, wrapInternal(err)
			}
			if err := emit(api.EventWorkflowFailed, api.PriorityMax-1, map[string]interface{}{
				"workflow_id": workflowID,
				"step_id":     stepID,
				"reason":      reason,
			}); err != nil {
				return nil, err
			}
		}

	case api.TaskCancelled:
		if _, err := tx.Exec(
			`UPDATE workflows SET status = ?, completed_at = ? WHERE workflow_id = ?`,
			api.WorkflowFailed, millis(now), workflowID); err != nil {
			return nil, wrapInternal(err)
		}
		if err := emit(api.EventWorkflowFailed, api.PriorityMax-1, map[string]interface{}{
			"workflow_id": workflowID,
			"step_id":     stepID,
			"reason":      "step_cancelled",
		}); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// StartWorkflow validates the step dependency graph and inserts the
// workflow with all of its steps in one transaction. Nothing is
// persisted when validation fails.
func (s *Store) StartWorkflow(ctx context.Context, req api.StartWorkflowRequest) (*api.Workflow, []api.WorkflowStep, uint64, error) {
	if req.WorkflowName == "" {
		return nil, nil, 0, api.NewInvalidArgumentError("workflow_name is required")
	}
	if len(req.Steps) == 0 {
		return nil, nil, 0, api.NewInvalidArgumentError("workflow requires at least one step")
	}
	if err := validateStepGraph(req.Steps); err != nil {
		return nil, nil, 0, err
	}

	hash := requestHash(struct {
		N, I string
		S    []api.StepDefinition
	}{req.WorkflowName, req.InitiatorAgent, req.Steps})

	type wfResult struct {
		wf    *api.Workflow
		steps []api.WorkflowStep
	}

	result, seq, err := s.submit(ctx, "start_workflow", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		if req.IdempotencyKey != "" {
			workflowID, done, err := lookupIdempotency(tx, req.IdempotencyKey, "start_workflow", hash)
			if err != nil {
				return nil, nil, err
			}
			if done {
				wf, steps, err := scanWorkflowWithSteps(tx, workflowID)
				if err != nil {
					return nil, nil, err
				}
				return &wfResult{wf: wf, steps: steps}, nil, nil
			}
		}

		initiator, err := scanAgentBy(tx, "agent_id", req.InitiatorAgent)
		if err != nil {
			return nil, nil, err
		}
		if initiator == nil {
			return nil, nil, api.NewNotFoundError("agent", req.InitiatorAgent)
		}

		workflowID, err := id.New(id.PrefixWorkflow)
		if err != nil {
			return nil, nil, err
		}
		metadataJSON, err := marshalMap(req.Metadata)
		if err != nil {
			return nil, nil, err
		}
		if _, err := tx.Exec(
			`INSERT INTO workflows (workflow_id, workflow_name, initiator_agent, status, metadata_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			workflowID, req.WorkflowName, req.InitiatorAgent, api.WorkflowPending,
			metadataJSON, millis(now)); err != nil {
			return nil, nil, wrapInternal(err)
		}

		wf := &api.Workflow{
			WorkflowID:     workflowID,
			WorkflowName:   req.WorkflowName,
			InitiatorAgent: req.InitiatorAgent,
			Status:         api.WorkflowPending,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		}

		steps := make([]api.WorkflowStep, 0, len(req.Steps))
		for ordinal, def := range req.Steps {
			stepID, err := id.New(id.PrefixStep)
			if err != nil {
				return nil, nil, err
			}
			dependsJSON, err := json.Marshal(def.DependsOn)
			if err != nil {
				return nil, nil, wrapInternal(err)
			}
			if _, err := tx.Exec(
				`INSERT INTO steps (step_id, workflow_id, ordinal, name, required_capability, status, depends_on_json)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				stepID, workflowID, ordinal, def.Name, def.RequiredCapability,
				api.TaskPending, string(dependsJSON)); err != nil {
				return nil, nil, wrapInternal(err)
			}
			steps = append(steps, api.WorkflowStep{
				StepID:             stepID,
				WorkflowID:         workflowID,
				Ordinal:            ordinal,
				Name:               def.Name,
				RequiredCapability: def.RequiredCapability,
				Status:             api.TaskPending,
				DependsOn:          def.DependsOn,
			})
		}

		if req.IdempotencyKey != "" {
			if err := recordIdempotency(tx, req.IdempotencyKey, "start_workflow", hash, workflowID, now); err != nil {
				return nil, nil, err
			}
		}

		ev, err := appendEvent(tx, commitSeq, now, api.EventWorkflowStarted, req.InitiatorAgent, req.InitiatorAgent,
			api.PriorityDefault, map[string]interface{}{
				"workflow_id":   workflowID,
				"workflow_name": req.WorkflowName,
				"steps":         len(steps),
			}, "")
		if err != nil {
			return nil, nil, err
		}
		return &wfResult{wf: wf, steps: steps}, []api.Event{ev}, nil
	})
	if err != nil {
		return nil, nil, 0, err
	}
	r := result.(*wfResult)
	return r.wf, r.steps, seq, nil
}

// validateStepGraph rejects duplicate step names, dangling
// dependencies, self-dependencies and cycles.
func validateStepGraph(steps []api.StepDefinition) error {
	names := make(map[string]int, len(steps))
	for i, def := range steps {
		if def.Name == "" {
			return api.NewInvalidArgumentError("step %d has no name", i)
		}
		if def.RequiredCapability == "" {
			return api.NewInvalidArgumentError("step %q has no required_capability", def.Name)
		}
		if _, dup := names[def.Name]; dup {
			return api.NewInvalidArgumentError("duplicate step name %q", def.Name)
		}
		names[def.Name] = i
	}

	// Kahn's algorithm over the dependency edges.
	indegree := make([]int, len(steps))
	dependents := make(map[int][]int)
	for i, def := range steps {
		for _, dep := range def.DependsOn {
			j, ok := names[dep]
			if !ok {
				return api.NewInvalidArgumentError("step %q depends on unknown step %q", def.Name, dep)
			}
			if j == i {
				return api.NewInvalidArgumentError("step %q depends on itself", def.Name)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	queue := make([]int, 0, len(steps))
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range dependents[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if visited != len(steps) {
		return api.NewInvalidArgumentError("step dependencies contain a cycle")
	}
	return nil
}

// ActivateWorkflow moves a pending workflow to running. The coordinator
// calls this when it starts driving the workflow; activating a workflow
// that is already running is a no-op.
func (s *Store) ActivateWorkflow(ctx context.Context, workflowID string) (uint64, error) {
	_, seq, err := s.submit(ctx, "activate_workflow", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		var status api.WorkflowStatus
		err := tx.QueryRow(
			`SELECT status FROM workflows WHERE workflow_id = ?`, workflowID).Scan(&status)
		if err == sql.ErrNoRows {
			return nil, nil, api.NewNotFoundError("workflow", workflowID)
		}
		if err != nil {
			return nil, nil, wrapInternal(err)
		}
		switch status {
		case api.WorkflowPending:
		case api.WorkflowRunning:
			return nil, nil, nil
		default:
			return nil, nil, api.NewInvalidTransitionError(
				"workflow %s is %s, cannot activate", workflowID, status)
		}
		if _, err := tx.Exec(
			`UPDATE workflows SET status = ? WHERE workflow_id = ?`,
			api.WorkflowRunning, workflowID); err != nil {
			return nil, nil, wrapInternal(err)
		}
		return nil, nil, nil
	})
	return seq, err
}

// UserOverride executes a user-authority action. Overrides travel on
// the urgent queue, ahead of any queued normal reducer, and their
// events carry emergency priority.
func (s *Store) UserOverride(ctx context.Context, req api.UserOverrideRequest) (uint64, error) {
	if req.AuthorityLevel != api.LevelUser {
		return 0, api.NewPermissionDeniedError(
			"user_override requires authority %d, caller has %d", api.LevelUser, req.AuthorityLevel)
	}

	_, seq, err := s.submitUrgent(ctx, "user_override", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		payload := map[string]interface{}{
			"action":  string(req.Action),
			"subject": req.Subject,
			"reason":  req.Reason,
		}

		switch req.Action {
		case api.OverrideEmergencyHalt:
			if err := setMeta(tx, "halted", req.Reason); err != nil {
				return nil, nil, err
			}
			// Every running workflow halts with the system, and every
			// active agent is paused. Suspended agents stay suspended so
			// the resume cannot lift a suspension as a side effect.
			if _, err := tx.Exec(
				`UPDATE workflows SET status = ? WHERE status = ?`,
				api.WorkflowHalted, api.WorkflowRunning); err != nil {
				return nil, nil, wrapInternal(err)
			}
			if _, err := tx.Exec(
				`UPDATE agents SET status = ? WHERE status = ?`,
				api.AgentPaused, api.AgentActive); err != nil {
				return nil, nil, wrapInternal(err)
			}

		case api.OverrideResume:
			if _, err := tx.Exec(`DELETE FROM meta WHERE meta_key = 'halted'`); err != nil {
				return nil, nil, wrapInternal(err)
			}
			if _, err := tx.Exec(
				`UPDATE workflows SET status = ? WHERE status = ?`,
				api.WorkflowRunning, api.WorkflowHalted); err != nil {
				return nil, nil, wrapInternal(err)
			}
			if _, err := tx.Exec(
				`UPDATE agents SET status = ? WHERE status = ?`,
				api.AgentActive, api.AgentPaused); err != nil {
				return nil, nil, wrapInternal(err)
			}

		case api.OverrideSetState:
			if err := applySetState(tx, req.Subject, req.TargetState, millis(now)); err != nil {
				return nil, nil, err
			}
			payload["target_state"] = req.TargetState

		case api.OverrideClearIdentity:
			// The identity registry lives outside the store; the adapter
			// clears the lock after this commit. The event records it.

		default:
			return nil, nil, api.NewInvalidArgumentError("unknown override action %q", req.Action)
		}

		events, err := fanoutEvent(tx, commitSeq, now, api.EventUserOverride, req.Actor, "",
			api.PriorityEmergency, payload)
		if err != nil {
			return nil, nil, err
		}
		logging.Warn("Store", "user override %s on %s: %s", req.Action, req.Subject, req.Reason)
		return nil, events, nil
	})
	return seq, err
}

// applySetState forces an entity state under user authority. The state
// machine is bypassed deliberately; the audit log and the override
// event preserve the evidence.
func applySetState(tx *sql.Tx, subject, targetState string, nowMillis int64) error {
	switch {
	case id.HasPrefix(subject, id.PrefixAgent):
		switch api.AgentStatus(targetState) {
		case api.AgentActive, api.AgentPaused, api.AgentSuspended, api.AgentOffline:
		default:
			return api.NewInvalidArgumentError("unknown agent state %q", targetState)
		}
		res, err := tx.Exec(`UPDATE agents SET status = ? WHERE agent_id = ?`, targetState, subject)
		return checkSubjectUpdated(res, err, "agent", subject)

	case id.HasPrefix(subject, id.PrefixTask):
		switch api.TaskStatus(targetState) {
		case api.TaskPending, api.TaskAccepted, api.TaskInProgress, api.TaskCompleted, api.TaskFailed, api.TaskCancelled:
		default:
			return api.NewInvalidArgumentError("unknown task state %q", targetState)
		}
		res, err := tx.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`, targetState, nowMillis, subject)
		return checkSubjectUpdated(res, err, "task", subject)

	case id.HasPrefix(subject, id.PrefixWorkflow):
		switch api.WorkflowStatus(targetState) {
		case api.WorkflowPending, api.WorkflowRunning, api.WorkflowCompleted, api.WorkflowFailed, api.WorkflowHalted:
		default:
			return api.NewInvalidArgumentError("unknown workflow state %q", targetState)
		}
		res, err := tx.Exec(`UPDATE workflows SET status = ? WHERE workflow_id = ?`, targetState, subject)
		return checkSubjectUpdated(res, err, "workflow", subject)
	}
	return api.NewInvalidArgumentError("set_state subject %q is not an agent, task or workflow id", subject)
}

func checkSubjectUpdated(res sql.Result, err error, entity, subject string) error {
	if err != nil {
		return wrapInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapInternal(err)
	}
	if n == 0 {
		return api.NewNotFoundError(entity, subject)
	}
	return nil
}

// Heartbeat refreshes an agent's last-seen time. Status is untouched;
// an offline agent comes back by re-registering. It emits no events.
func (s *Store) Heartbeat(ctx context.Context, agentID string) error {
	_, _, err := s.submit(ctx, "heartbeat", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		res, err := tx.Exec(
			`UPDATE agents SET last_seen_at = ? WHERE agent_id = ?`,
			millis(now), agentID)
		if err := checkSubjectUpdated(res, err, "agent", agentID); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	})
	return err
}

// HaltedReason reads the persisted emergency-halt marker. Empty second
// return means no halt is in force.
func (s *Store) HaltedReason(ctx context.Context) (bool, string, error) {
	var reason string
	err := s.db.QueryRowContext(ctx,
		`SELECT meta_value FROM meta WHERE meta_key = 'halted'`).Scan(&reason)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", wrapInternal(err)
	}
	return true, reason, nil
}

// --- shared reducer helpers ---

func validateCapability(capType string, proficiency, maxConcurrent int) error {
	if capType == "" {
		return api.NewInvalidArgumentError("capability_type is required")
	}
	if proficiency < 1 || proficiency > 100 {
		return api.NewInvalidArgumentError("proficiency_level %d out of range [1,100]", proficiency)
	}
	if maxConcurrent < 1 {
		return api.NewInvalidArgumentError("max_concurrent_tasks must be at least 1, got %d", maxConcurrent)
	}
	return nil
}

func upsertCapability(tx *sql.Tx, agentID, capType string, proficiency, maxConcurrent int) error {
	capID, err := id.New(id.PrefixCapability)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO capabilities (capability_id, agent_id, capability_type, proficiency_level, max_concurrent_tasks, active)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT(agent_id, capability_type) DO UPDATE SET
		   proficiency_level = excluded.proficiency_level,
		   max_concurrent_tasks = excluded.max_concurrent_tasks,
		   active = 1`,
		capID, agentID, capType, proficiency, maxConcurrent); err != nil {
		return wrapInternal(err)
	}
	return nil
}

// fanoutTargets lists every non-offline agent except exclude.
func fanoutTargets(tx *sql.Tx, exclude string) ([]string, error) {
	rows, err := tx.Query(
		`SELECT agent_id FROM agents WHERE status != ? AND agent_id != ? ORDER BY agent_id`,
		api.AgentOffline, exclude)
	if err != nil {
		return nil, wrapInternal(err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapInternal(err)
		}
		targets = append(targets, id)
	}
	return targets, rows.Err()
}

// fanoutEvent appends one event per non-offline agent except exclude.
func fanoutEvent(tx *sql.Tx, commitSeq uint64, now time.Time, eventType, source, exclude string, priority int, payload map[string]interface{}) ([]api.Event, error) {
	targets, err := fanoutTargets(tx, exclude)
	if err != nil {
		return nil, err
	}
	events := make([]api.Event, 0, len(targets))
	for _, target := range targets {
		ev, err := appendEvent(tx, commitSeq, now, eventType, source, target, priority, payload, "")
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// appendEvent assigns the next per-target delivery sequence and
// persists the event in the current transaction. The sequence never
// reuses pruned positions: it resumes above the prune watermark.
func appendEvent(tx *sql.Tx, commitSeq uint64, now time.Time, eventType, source, target string, priority int, payload map[string]interface{}, messageID string) (api.Event, error) {
	var maxSeq, watermark uint64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE target_agent = ?`, target).Scan(&maxSeq); err != nil {
		return api.Event{}, wrapInternal(err)
	}
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(max_pruned_sequence), 0) FROM prune_watermarks WHERE target_agent = ?`, target).Scan(&watermark); err != nil {
		return api.Event{}, wrapInternal(err)
	}
	if watermark > maxSeq {
		maxSeq = watermark
	}

	eventID, err := id.New(id.PrefixEvent)
	if err != nil {
		return api.Event{}, err
	}
	payloadJSON, err := marshalMap(payload)
	if err != nil {
		return api.Event{}, err
	}

	ev := api.Event{
		EventID:        eventID,
		EventType:      eventType,
		SourceAgent:    source,
		TargetAgent:    target,
		Payload:        payload,
		Priority:       priority,
		Sequence:       maxSeq + 1,
		CommitSequence: commitSeq,
		CreatedAt:      now,
	}
	if _, err := tx.Exec(
		`INSERT INTO events (event_id, event_type, source_agent, target_agent, payload_json, priority, sequence, commit_seq, message_id, acked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		ev.EventID, ev.EventType, ev.SourceAgent, ev.TargetAgent, payloadJSON,
		ev.Priority, ev.Sequence, ev.CommitSequence, nullable(messageID), millis(now)); err != nil {
		return api.Event{}, wrapInternal(err)
	}
	return ev, nil
}

// lookupIdempotency returns the previously recorded result for key, if
// any. A key reuse with a different payload is a Conflict.
func lookupIdempotency(tx *sql.Tx, key, operation, hash string) (string, bool, error) {
	var storedOp, storedHash, resultID string
	err := tx.QueryRow(
		`SELECT operation, payload_hash, result_id FROM idempotency WHERE idem_key = ?`, key).
		Scan(&storedOp, &storedHash, &resultID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapInternal(err)
	}
	if storedOp != operation || storedHash != hash {
		return "", false, api.NewConflictError(
			"idempotency key %q was already used for a different request", key)
	}
	return resultID, true, nil
}

func recordIdempotency(tx *sql.Tx, key, operation, hash, resultID string, now time.Time) error {
	if _, err := tx.Exec(
		`INSERT INTO idempotency (idem_key, operation, payload_hash, result_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key, operation, hash, resultID, millis(now)); err != nil {
		return wrapInternal(err)
	}
	return nil
}

// requestHash fingerprints a request for idempotency comparison. Go's
// json encoding sorts map keys, so equal requests hash equally.
func requestHash(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("unhashable:%v", err)
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

func marshalMap(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", api.NewInvalidArgumentError("payload is not JSON-encodable: %v", err)
	}
	return string(data), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func setMeta(tx *sql.Tx, key, value string) error {
	if _, err := tx.Exec(
		`INSERT INTO meta (meta_key, meta_value) VALUES (?, ?)
		 ON CONFLICT(meta_key) DO UPDATE SET meta_value = excluded.meta_value`,
		key, value); err != nil {
		return wrapInternal(err)
	}
	return nil
}
