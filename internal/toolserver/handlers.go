package toolserver

import (
	"context"
	"time"

	"agora/internal/api"
	"agora/internal/id"
	"agora/pkg/logging"
)

// audit writes one audit entry, best-effort: a failed audit write is
// logged but never fails the operation it describes.
func auditEntry(ctx context.Context, actor, operation, subject string, outcome api.AuditOutcome, reason string, level int) {
	log := api.GetAudit()
	if log == nil {
		return
	}
	if err := log.Record(ctx, api.AuditRecord{
		Actor:          actor,
		Operation:      operation,
		Subject:        subject,
		Outcome:        outcome,
		Reason:         reason,
		AuthorityLevel: level,
	}); err != nil {
		logging.Error("ToolServer", err, "failed to write audit entry for %s", operation)
	}
}

// verifyActor resolves and verifies the calling agent. Every
// authenticated call must claim its project directory, which is checked
// against the identity lock; a mismatch is recorded as a security
// event. A verified call refreshes the agent's last-seen time.
func (p *Provider) verifyActor(ctx context.Context, args map[string]interface{}) (*api.Agent, error) {
	name, err := reqString(args, "agent_name")
	if err != nil {
		return nil, err
	}
	claimedDir, err := reqString(args, "project_directory")
	if err != nil {
		return nil, err
	}

	store := api.GetStore()
	if store == nil {
		return nil, api.ErrStoreNotRegistered
	}
	agent, err := store.GetAgentByName(ctx, name)
	if err != nil {
		return nil, err
	}

	if identity := api.GetIdentity(); identity != nil {
		if _, err := identity.Verify(ctx, name, claimedDir); err != nil {
			if api.IsKind(err, api.KindIdentitySpoofing) {
				auditEntry(ctx, name, "identity.verify", agent.AgentID,
					api.AuditDenied, "identity spoofing detected", agent.Role.AuthorityLevel())
			}
			return nil, err
		}
	}

	if err := store.Heartbeat(ctx, agent.AgentID); err != nil {
		logging.Debug("ToolServer", "heartbeat for %s failed: %v", agent.AgentID, err)
	}
	return agent, nil
}

// authorize runs the permission check and audits the decision. Denied
// and requires_override both surface as PermissionDenied to the caller;
// the audit entry preserves the distinction.
func authorize(ctx context.Context, actor *api.Agent, operation, subject, subjectOwner string) error {
	authority := api.GetAuthority()
	decision := authority.Check(api.CheckRequest{
		ActorID:      actor.AgentID,
		ActorLevel:   actor.Role.AuthorityLevel(),
		Operation:    operation,
		Subject:      subject,
		SubjectOwner: subjectOwner,
	})

	switch decision {
	case api.DecisionGranted:
		auditEntry(ctx, actor.AgentID, operation, subject, api.AuditGranted, "", actor.Role.AuthorityLevel())
		return nil
	case api.DecisionRequiresOverride:
		auditEntry(ctx, actor.AgentID, operation, subject, api.AuditDenied,
			"requires user override", actor.Role.AuthorityLevel())
		return api.NewPermissionDeniedError(
			"%s on %s requires a user override at your authority level", operation, subject)
	default:
		auditEntry(ctx, actor.AgentID, operation, subject, api.AuditDenied,
			"authority insufficient", actor.Role.AuthorityLevel())
		return api.NewPermissionDeniedError("authority %d is insufficient for %s",
			actor.Role.AuthorityLevel(), operation)
	}
}

func (p *Provider) handleAgentRegister(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	name, err := reqString(args, "agent_name")
	if err != nil {
		return nil, err
	}
	dir, err := reqString(args, "project_directory")
	if err != nil {
		return nil, err
	}
	roleStr, err := reqString(args, "role")
	if err != nil {
		return nil, err
	}
	role := api.Role(roleStr)
	if !role.Valid() {
		return nil, api.NewInvalidArgumentError("unknown role %q", roleStr)
	}

	// Registration verifies against the claimed directory directly:
	// there may be no agent record yet.
	if identity := api.GetIdentity(); identity != nil {
		if _, err := identity.Verify(ctx, name, dir); err != nil {
			if api.IsKind(err, api.KindIdentitySpoofing) {
				auditEntry(ctx, name, api.OpAgentRegister, name,
					api.AuditDenied, "identity spoofing detected", role.AuthorityLevel())
			}
			return nil, err
		}
	}

	var caps []api.CapabilityDeclaration
	for _, raw := range optSlice(args, "capabilities") {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, api.NewInvalidArgumentError("capabilities entries must be objects")
		}
		caps = append(caps, api.CapabilityDeclaration{
			CapabilityType:     asString(m, "capability_type"),
			ProficiencyLevel:   asInt(m, "proficiency_level", 0),
			MaxConcurrentTasks: asInt(m, "max_concurrent_tasks", 0),
		})
	}

	store := api.GetStore()
	if store == nil {
		return nil, api.ErrStoreNotRegistered
	}
	agent, seq, err := store.RegisterAgent(ctx, api.RegisterAgentRequest{
		AgentName:        name,
		ProjectDirectory: dir,
		Role:             role,
		ServiceTier:      api.ServiceTier(optString(args, "service_tier")),
		Capabilities:     caps,
	})
	if err != nil {
		auditEntry(ctx, name, api.OpAgentRegister, name, api.AuditError, err.Error(), role.AuthorityLevel())
		return nil, err
	}

	if identity := api.GetIdentity(); identity != nil {
		if err := identity.Lock(ctx, name, dir); err != nil {
			return nil, err
		}
	}

	auditEntry(ctx, agent.AgentID, api.OpAgentRegister, agent.AgentID,
		api.AuditGranted, "", role.AuthorityLevel())
	return jsonResult(map[string]interface{}{"agent": agent, "commit_sequence": seq})
}

func (p *Provider) handleMessagingSend(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	actor, err := p.verifyActor(ctx, args)
	if err != nil {
		return nil, err
	}
	toAgent, err := reqString(args, "to_agent")
	if err != nil {
		return nil, err
	}
	messageType, err := reqString(args, "message_type")
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, actor, api.OpMessagingSend, toAgent, ""); err != nil {
		return nil, err
	}

	msg, seq, err := api.GetStore().SendMessage(ctx, api.SendMessageRequest{
		FromAgent:   actor.AgentID,
		ToAgent:     toAgent,
		MessageType: messageType,
		Payload:     optMap(args, "payload"),
		Priority:    optInt(args, "priority", api.PriorityDefault),
		ThreadID:    optString(args, "thread_id"),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]interface{}{"message": msg, "commit_sequence": seq})
}

func (p *Provider) handleTaskAssign(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	actor, err := p.verifyActor(ctx, args)
	if err != nil {
		return nil, err
	}
	assignee, err := reqString(args, "assignee")
	if err != nil {
		return nil, err
	}
	taskType, err := reqString(args, "task_type")
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, actor, api.OpTaskAssign, assignee, ""); err != nil {
		return nil, err
	}

	var deadline *time.Time
	if v, ok := optNumber(args, "deadline_seconds"); ok && v > 0 {
		d := time.Now().Add(time.Duration(v * float64(time.Second))).UTC()
		deadline = &d
	}

	task, seq, err := api.GetStore().AssignTask(ctx, api.AssignTaskRequest{
		Assignee:       assignee,
		TaskType:       taskType,
		Payload:        optMap(args, "payload"),
		Priority:       optInt(args, "priority", api.PriorityDefault),
		Deadline:       deadline,
		IdempotencyKey: optString(args, "idempotency_key"),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]interface{}{"task": task, "commit_sequence": seq})
}

func (p *Provider) handleTaskUpdate(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	actor, err := p.verifyActor(ctx, args)
	if err != nil {
		return nil, err
	}
	taskID, err := reqString(args, "task_id")
	if err != nil {
		return nil, err
	}

	store := api.GetStore()
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, actor, api.OpTaskUpdate, taskID, task.Assignee); err != nil {
		return nil, err
	}

	req := api.UpdateTaskRequest{
		TaskID: taskID,
		Result: optMap(args, "result"),
		Reason: optString(args, "reason"),
	}
	if s := optString(args, "status"); s != "" {
		status := api.TaskStatus(s)
		req.Status = &status
	}
	if v, ok := optNumber(args, "progress"); ok {
		progress := int(v)
		req.Progress = &progress
	}

	updated, seq, err := store.UpdateTask(ctx, req)
	if err != nil {
		return nil, err
	}
	if coordinator := api.GetCoordinator(); coordinator != nil {
		coordinator.Kick()
	}
	return jsonResult(map[string]interface{}{"task": updated, "commit_sequence": seq})
}

func (p *Provider) handleWorkflowStart(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	actor, err := p.verifyActor(ctx, args)
	if err != nil {
		return nil, err
	}
	workflowName, err := reqString(args, "workflow_name")
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, actor, api.OpWorkflowStart, workflowName, ""); err != nil {
		return nil, err
	}

	var steps []api.StepDefinition
	for _, raw := range optSlice(args, "steps") {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, api.NewInvalidArgumentError("steps entries must be objects")
		}
		def := api.StepDefinition{
			Name:               asString(m, "name"),
			RequiredCapability: asString(m, "required_capability"),
		}
		for _, dep := range optSlice(m, "depends_on") {
			if s, ok := dep.(string); ok {
				def.DependsOn = append(def.DependsOn, s)
			}
		}
		steps = append(steps, def)
	}

	wf, wfSteps, seq, err := api.GetStore().StartWorkflow(ctx, api.StartWorkflowRequest{
		WorkflowName:   workflowName,
		InitiatorAgent: actor.AgentID,
		Steps:          steps,
		Metadata:       optMap(args, "metadata"),
		IdempotencyKey: optString(args, "idempotency_key"),
	})
	if err != nil {
		return nil, err
	}
	if coordinator := api.GetCoordinator(); coordinator != nil {
		coordinator.Kick()
	}
	return jsonResult(map[string]interface{}{
		"workflow":        wf,
		"steps":           wfSteps,
		"commit_sequence": seq,
	})
}

func (p *Provider) handleQueryData(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	actor, err := p.verifyActor(ctx, args)
	if err != nil {
		return nil, err
	}
	entity, err := reqString(args, "entity")
	if err != nil {
		return nil, err
	}

	// The audit log is readable by FRAMEWORK_ADMIN and above only.
	operation := api.OpQueryData
	if entity == "audit" {
		operation = api.OpAuditQuery
	}
	if err := authorize(ctx, actor, operation, entity, ""); err != nil {
		return nil, err
	}

	cursor := uint64(optInt(args, "cursor", 0))
	limit := optInt(args, "limit", 0)

	// Consuming your own event feed goes through the fabric: it commits
	// the durable cursor, which is the acknowledgment.
	if entity == "events" && len(optMap(args, "filter")) == 0 {
		fabric := api.GetFabric()
		if fabric == nil {
			return nil, api.ErrFabricNotRegistered
		}
		events, next, err := fabric.Consume(ctx, actor.AgentID, cursor, limit)
		if err != nil {
			return nil, err
		}
		items := make([]interface{}, len(events))
		for i, ev := range events {
			items[i] = ev
		}
		return jsonResult(api.QueryResult{Entity: entity, Items: items, NextCursor: next})
	}

	result, err := api.GetStore().Query(ctx, api.QueryRequest{
		Entity: entity,
		Filter: optMap(args, "filter"),
		Limit:  limit,
		Cursor: cursor,
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(result)
}

func (p *Provider) handleSystemStatus(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	actor, err := p.verifyActor(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, actor, api.OpSystemStatus, "system", ""); err != nil {
		return nil, err
	}

	status, err := api.GetStore().Status(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(status)
}

func (p *Provider) handleUserOverride(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	actor, err := reqString(args, "actor")
	if err != nil {
		return nil, err
	}
	action, err := reqString(args, "action")
	if err != nil {
		return nil, err
	}
	reason, err := reqString(args, "reason")
	if err != nil {
		return nil, err
	}
	level := optInt(args, "authority_level", 0)
	subject := optString(args, "subject")

	store := api.GetStore()
	if store == nil {
		return nil, api.ErrStoreNotRegistered
	}

	// A registered agent name is never a user principal, whatever level
	// it claims.
	if _, err := store.GetAgentByName(ctx, actor); err == nil {
		auditEntry(ctx, actor, api.OpUserOverride, subject, api.AuditDenied,
			"registered agents cannot issue user overrides", level)
		return nil, api.NewPermissionDeniedError("actor %q is a registered agent, not a user principal", actor)
	}

	decision := api.GetAuthority().Check(api.CheckRequest{
		ActorID:        actor,
		ActorLevel:     level,
		Operation:      api.OpUserOverride,
		Subject:        subject,
		AuthorityLevel: level,
	})
	if decision != api.DecisionGranted {
		auditEntry(ctx, actor, api.OpUserOverride, subject, api.AuditDenied,
			"user_override requires authority level 255", level)
		return nil, api.NewPermissionDeniedError("user_override requires authority level %d", api.LevelUser)
	}

	seq, err := store.UserOverride(ctx, api.UserOverrideRequest{
		Actor:          actor,
		Subject:        subject,
		Action:         api.OverrideAction(action),
		TargetState:    optString(args, "target_state"),
		Reason:         reason,
		AuthorityLevel: level,
	})
	if err != nil {
		auditEntry(ctx, actor, api.OpUserOverride, subject, api.AuditError, err.Error(), level)
		return nil, err
	}

	// The override is committed; flip the in-memory surfaces it governs.
	switch api.OverrideAction(action) {
	case api.OverrideEmergencyHalt:
		api.GetAuthority().Halt(reason)
		if fabric := api.GetFabric(); fabric != nil {
			fabric.Flush(api.PriorityEmergency)
		}
	case api.OverrideResume:
		api.GetAuthority().Resume()
	case api.OverrideClearIdentity:
		if identity := api.GetIdentity(); identity != nil {
			name := subject
			if id.HasPrefix(subject, id.PrefixAgent) {
				if agent, err := store.GetAgent(ctx, subject); err == nil {
					name = agent.AgentName
				}
			}
			if err := identity.Clear(ctx, name); err != nil {
				return nil, err
			}
		}
	}

	auditEntry(ctx, actor, api.OpUserOverride, subject, api.AuditGranted, reason, level)
	return jsonResult(map[string]interface{}{
		"action":          action,
		"subject":         subject,
		"commit_sequence": seq,
	})
}
