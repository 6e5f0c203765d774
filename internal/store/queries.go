package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"agora/internal/api"
	"agora/pkg/logging"
)

// querier is satisfied by both *sql.DB (concurrent snapshot reads) and
// *sql.Tx (reads inside a reducer).
type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

const agentColumns = `agent_id, agent_name, project_directory, role, status, service_tier, registered_at, last_seen_at`

func scanAgentRow(row *sql.Row) (*api.Agent, error) {
	var a api.Agent
	var registered, lastSeen int64
	err := row.Scan(&a.AgentID, &a.AgentName, &a.ProjectDirectory, &a.Role,
		&a.Status, &a.ServiceTier, &registered, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapInternal(err)
	}
	a.RegisteredAt = fromMillis(registered)
	a.LastSeenAt = fromMillis(lastSeen)
	return &a, nil
}

// scanAgentBy fetches one agent by an identifying column. Returns
// (nil, nil) when absent; the caller decides whether that is an error.
func scanAgentBy(q querier, column, value string) (*api.Agent, error) {
	return scanAgentRow(q.QueryRow(
		fmt.Sprintf(`SELECT %s FROM agents WHERE %s = ?`, agentColumns, column), value))
}

const taskColumns = `task_id, workflow_id, step_id, assignee, task_type, payload_json, priority, deadline, status, progress, result_json, retries, created_at, updated_at`

func scanTaskRow(scan func(dest ...interface{}) error) (*api.Task, string, error) {
	var t api.Task
	var workflowID, stepID, payloadJSON, resultJSON sql.NullString
	var deadline sql.NullInt64
	var created, updated int64
	err := scan(&t.TaskID, &workflowID, &stepID, &t.Assignee, &t.TaskType, &payloadJSON,
		&t.Priority, &deadline, &t.Status, &t.Progress, &resultJSON, &t.Retries, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", wrapInternal(err)
	}
	t.WorkflowID = workflowID.String
	if payloadJSON.Valid {
		if err := json.Unmarshal([]byte(payloadJSON.String), &t.Payload); err != nil {
			return nil, "", wrapInternal(err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &t.Result); err != nil {
			return nil, "", wrapInternal(err)
		}
	}
	if deadline.Valid {
		d := fromMillis(deadline.Int64)
		t.Deadline = &d
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, stepID.String, nil
}

func scanTask(q querier, taskID string) (*api.Task, error) {
	t, _, err := scanTaskWithStep(q, taskID)
	return t, err
}

func scanTaskWithStep(q querier, taskID string) (*api.Task, string, error) {
	row := q.QueryRow(fmt.Sprintf(`SELECT %s FROM tasks WHERE task_id = ?`, taskColumns), taskID)
	return scanTaskRow(row.Scan)
}

func scanWorkflowRow(row *sql.Row) (*api.Workflow, error) {
	var w api.Workflow
	var metadataJSON sql.NullString
	var created int64
	var completed sql.NullInt64
	err := row.Scan(&w.WorkflowID, &w.WorkflowName, &w.InitiatorAgent, &w.Status,
		&metadataJSON, &created, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapInternal(err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &w.Metadata); err != nil {
			return nil, wrapInternal(err)
		}
	}
	w.CreatedAt = fromMillis(created)
	if completed.Valid {
		c := fromMillis(completed.Int64)
		w.CompletedAt = &c
	}
	return &w, nil
}

const workflowColumns = `workflow_id, workflow_name, initiator_agent, status, metadata_json, created_at, completed_at`

func scanWorkflow(q querier, workflowID string) (*api.Workflow, error) {
	return scanWorkflowRow(q.QueryRow(
		fmt.Sprintf(`SELECT %s FROM workflows WHERE workflow_id = ?`, workflowColumns), workflowID))
}

func scanSteps(q querier, workflowID string) ([]api.WorkflowStep, error) {
	rows, err := q.Query(
		`SELECT step_id, workflow_id, ordinal, name, required_capability, assigned_task_id, status, depends_on_json
		 FROM steps WHERE workflow_id = ? ORDER BY ordinal`, workflowID)
	if err != nil {
		return nil, wrapInternal(err)
	}
	defer rows.Close()

	var steps []api.WorkflowStep
	for rows.Next() {
		var s api.WorkflowStep
		var taskID, dependsJSON sql.NullString
		if err := rows.Scan(&s.StepID, &s.WorkflowID, &s.Ordinal, &s.Name,
			&s.RequiredCapability, &taskID, &s.Status, &dependsJSON); err != nil {
			return nil, wrapInternal(err)
		}
		s.AssignedTaskID = taskID.String
		if dependsJSON.Valid && dependsJSON.String != "" {
			if err := json.Unmarshal([]byte(dependsJSON.String), &s.DependsOn); err != nil {
				return nil, wrapInternal(err)
			}
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func scanWorkflowWithSteps(q querier, workflowID string) (*api.Workflow, []api.WorkflowStep, error) {
	wf, err := scanWorkflow(q, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if wf == nil {
		return nil, nil, api.NewNotFoundError("workflow", workflowID)
	}
	steps, err := scanSteps(q, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return wf, steps, nil
}

// --- StoreHandler reads ---

func (s *Store) GetAgent(ctx context.Context, agentID string) (*api.Agent, error) {
	a, err := scanAgentBy(s.db, "agent_id", agentID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, api.NewNotFoundError("agent", agentID)
	}
	return a, nil
}

func (s *Store) GetAgentByName(ctx context.Context, agentName string) (*api.Agent, error) {
	a, err := scanAgentBy(s.db, "agent_name", agentName)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, api.NewNotFoundError("agent", agentName)
	}
	return a, nil
}

// ListAgents returns agents, optionally filtered to one status. An
// empty status lists everything.
func (s *Store) ListAgents(ctx context.Context, status api.AgentStatus) ([]api.Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM agents ORDER BY agent_name`, agentColumns)
	args := []interface{}{}
	if status != "" {
		query = fmt.Sprintf(`SELECT %s FROM agents WHERE status = ? ORDER BY agent_name`, agentColumns)
		args = append(args, status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapInternal(err)
	}
	defer rows.Close()

	var agents []api.Agent
	for rows.Next() {
		var a api.Agent
		var registered, lastSeen int64
		if err := rows.Scan(&a.AgentID, &a.AgentName, &a.ProjectDirectory, &a.Role,
			&a.Status, &a.ServiceTier, &registered, &lastSeen); err != nil {
			return nil, wrapInternal(err)
		}
		a.RegisteredAt = fromMillis(registered)
		a.LastSeenAt = fromMillis(lastSeen)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*api.Task, error) {
	t, err := scanTask(s.db, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, api.NewNotFoundError("task", taskID)
	}
	return t, nil
}

// ListTasks returns tasks in one status, oldest first.
func (s *Store) ListTasks(ctx context.Context, status api.TaskStatus) ([]api.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks WHERE status = ? ORDER BY created_at, task_id`, taskColumns),
		status)
	if err != nil {
		return nil, wrapInternal(err)
	}
	defer rows.Close()

	var tasks []api.Task
	for rows.Next() {
		t, _, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// ListCapableAgents returns active agents holding an active capability
// of the given type, best candidate first: highest proficiency, then
// fewest in-flight tasks, then oldest last-seen (spreading load), then
// agent id.
func (s *Store) ListCapableAgents(ctx context.Context, capabilityType string) ([]api.CapableAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.agent_id, a.agent_name, a.project_directory, a.role, a.status, a.service_tier, a.registered_at, a.last_seen_at,
		        c.capability_id, c.proficiency_level, c.max_concurrent_tasks,
		        (SELECT COUNT(*) FROM tasks t
		         WHERE t.assignee = a.agent_id AND t.task_type = c.capability_type
		           AND t.status IN (?, ?, ?)) AS in_flight
		 FROM agents a
		 JOIN capabilities c ON c.agent_id = a.agent_id
		 WHERE c.capability_type = ? AND c.active = 1 AND a.status = ?
		 ORDER BY c.proficiency_level DESC, in_flight ASC, a.last_seen_at ASC, a.agent_id ASC`,
		api.TaskPending, api.TaskAccepted, api.TaskInProgress,
		capabilityType, api.AgentActive)
	if err != nil {
		return nil, wrapInternal(err)
	}
	defer rows.Close()

	var candidates []api.CapableAgent
	for rows.Next() {
		var ca api.CapableAgent
		var registered, lastSeen int64
		if err := rows.Scan(&ca.Agent.AgentID, &ca.Agent.AgentName, &ca.Agent.ProjectDirectory,
			&ca.Agent.Role, &ca.Agent.Status, &ca.Agent.ServiceTier, &registered, &lastSeen,
			&ca.Capability.CapabilityID, &ca.Capability.ProficiencyLevel,
			&ca.Capability.MaxConcurrentTasks, &ca.InFlight); err != nil {
			return nil, wrapInternal(err)
		}
		ca.Agent.RegisteredAt = fromMillis(registered)
		ca.Agent.LastSeenAt = fromMillis(lastSeen)
		ca.Capability.AgentID = ca.Agent.AgentID
		ca.Capability.CapabilityType = capabilityType
		ca.Capability.Active = true
		candidates = append(candidates, ca)
	}
	return candidates, rows.Err()
}

func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (*api.Workflow, error) {
	w, err := scanWorkflow(s.db, workflowID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, api.NewNotFoundError("workflow", workflowID)
	}
	return w, nil
}

func (s *Store) GetWorkflowSteps(ctx context.Context, workflowID string) ([]api.WorkflowStep, error) {
	w, err := scanWorkflow(s.db, workflowID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, api.NewNotFoundError("workflow", workflowID)
	}
	return scanSteps(s.db, workflowID)
}

func (s *Store) ListWorkflows(ctx context.Context, status api.WorkflowStatus) ([]api.Workflow, error) {
	query := fmt.Sprintf(`SELECT %s FROM workflows ORDER BY created_at`, workflowColumns)
	args := []interface{}{}
	if status != "" {
		query = fmt.Sprintf(`SELECT %s FROM workflows WHERE status = ? ORDER BY created_at`, workflowColumns)
		args = append(args, status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapInternal(err)
	}
	defer rows.Close()

	var workflows []api.Workflow
	for rows.Next() {
		var w api.Workflow
		var metadataJSON sql.NullString
		var created int64
		var completed sql.NullInt64
		if err := rows.Scan(&w.WorkflowID, &w.WorkflowName, &w.InitiatorAgent, &w.Status,
			&metadataJSON, &created, &completed); err != nil {
			return nil, wrapInternal(err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &w.Metadata); err != nil {
				return nil, wrapInternal(err)
			}
		}
		w.CreatedAt = fromMillis(created)
		if completed.Valid {
			c := fromMillis(completed.Int64)
			w.CompletedAt = &c
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// queryEntities maps each queryable entity to its filterable columns.
// Filters outside the whitelist are rejected rather than ignored.
var queryEntities = map[string]map[string]bool{
	"agents":       {"agent_id": true, "agent_name": true, "role": true, "status": true, "service_tier": true},
	"capabilities": {"agent_id": true, "capability_type": true, "active": true},
	"messages":     {"from_agent": true, "to_agent": true, "message_type": true, "thread_id": true},
	"tasks":        {"assignee": true, "workflow_id": true, "task_type": true, "status": true},
	"workflows":    {"workflow_name": true, "initiator_agent": true, "status": true},
	"steps":        {"workflow_id": true, "status": true, "required_capability": true},
	"events":       {"target_agent": true, "source_agent": true, "event_type": true},
	"audit":        {"actor": true, "operation": true, "subject": true, "outcome": true},
}

var entityTables = map[string]string{
	"agents":       "agents",
	"capabilities": "capabilities",
	"messages":     "messages",
	"tasks":        "tasks",
	"workflows":    "workflows",
	"steps":        "steps",
	"events":       "events",
	"audit":        "audit_log",
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 500
)

// Query is the generic read projection behind agora.query.data. Pages
// by rowid: NextCursor resumes after the last returned row.
func (s *Store) Query(ctx context.Context, req api.QueryRequest) (*api.QueryResult, error) {
	allowed, ok := queryEntities[req.Entity]
	if !ok {
		return nil, api.NewInvalidArgumentError("unknown query entity %q", req.Entity)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	query := fmt.Sprintf(`SELECT rowid, * FROM %s WHERE rowid > ?`, entityTables[req.Entity])
	args := []interface{}{req.Cursor}
	for column, value := range req.Filter {
		if !allowed[column] {
			return nil, api.NewInvalidArgumentError("entity %s cannot be filtered by %q", req.Entity, column)
		}
		query += fmt.Sprintf(` AND %s = ?`, column)
		args = append(args, value)
	}
	query += ` ORDER BY rowid LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapInternal(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, wrapInternal(err)
	}

	result := &api.QueryResult{Entity: req.Entity, Items: []interface{}{}}
	var lastRowID int64
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrapInternal(err)
		}

		item := make(map[string]interface{}, len(columns)-1)
		for i, col := range columns {
			if col == "rowid" {
				lastRowID = values[i].(int64)
				continue
			}
			switch v := values[i].(type) {
			case []byte:
				item[col] = string(v)
			default:
				item[col] = v
			}
		}
		result.Items = append(result.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapInternal(err)
	}
	if len(result.Items) == limit {
		result.NextCursor = uint64(lastRowID)
	}
	return result, nil
}

// --- event persistence used by the fabric ---

// ListEventsAfter reads an agent's events above a delivery cursor. A
// cursor below the prune watermark has expired and the subscriber must
// resynchronize.
func (s *Store) ListEventsAfter(ctx context.Context, targetAgent string, afterSequence uint64, limit int) ([]api.Event, error) {
	var watermark uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(max_pruned_sequence), 0) FROM prune_watermarks WHERE target_agent = ?`,
		targetAgent).Scan(&watermark)
	if err != nil {
		return nil, wrapInternal(err)
	}
	if afterSequence < watermark {
		return nil, api.NewCursorExpiredError(afterSequence)
	}

	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event_type, source_agent, target_agent, payload_json, priority, sequence, commit_seq, created_at
		 FROM events WHERE target_agent = ? AND sequence > ?
		 ORDER BY sequence LIMIT ?`,
		targetAgent, afterSequence, limit)
	if err != nil {
		return nil, wrapInternal(err)
	}
	defer rows.Close()

	var events []api.Event
	for rows.Next() {
		var ev api.Event
		var payloadJSON sql.NullString
		var created int64
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.SourceAgent, &ev.TargetAgent,
			&payloadJSON, &ev.Priority, &ev.Sequence, &ev.CommitSequence, &created); err != nil {
			return nil, wrapInternal(err)
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &ev.Payload); err != nil {
				return nil, wrapInternal(err)
			}
		}
		ev.CreatedAt = fromMillis(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadCursor returns an agent's durable delivery cursor, zero when the
// agent has never committed one.
func (s *Store) LoadCursor(ctx context.Context, agentID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence FROM cursors WHERE agent_id = ?`, agentID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, wrapInternal(err)
	}
	return seq, nil
}

// SaveCursor durably advances an agent's delivery cursor. Cursors never
// move backwards; a stale save is a no-op, not an error.
func (s *Store) SaveCursor(ctx context.Context, agentID string, sequence uint64) error {
	_, _, err := s.submit(ctx, "save_cursor", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		if _, err := tx.Exec(
			`INSERT INTO cursors (agent_id, sequence) VALUES (?, ?)
			 ON CONFLICT(agent_id) DO UPDATE SET sequence = excluded.sequence
			 WHERE excluded.sequence > cursors.sequence`,
			agentID, sequence); err != nil {
			return nil, nil, wrapInternal(err)
		}
		return nil, nil, nil
	})
	return err
}

// CountDeliveries marks an agent's events up to a sequence as
// acknowledged and bumps delivered_count on the referenced messages.
// The acked flag makes repeated acknowledgments idempotent.
func (s *Store) CountDeliveries(ctx context.Context, agentID string, upToSequence uint64) error {
	_, _, err := s.submit(ctx, "count_deliveries", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		if _, err := tx.Exec(
			`UPDATE messages SET delivered_count = delivered_count + 1
			 WHERE message_id IN (
			   SELECT message_id FROM events
			   WHERE target_agent = ? AND sequence <= ? AND acked = 0 AND message_id IS NOT NULL
			 )`,
			agentID, upToSequence); err != nil {
			return nil, nil, wrapInternal(err)
		}
		if _, err := tx.Exec(
			`UPDATE events SET acked = 1 WHERE target_agent = ? AND sequence <= ? AND acked = 0`,
			agentID, upToSequence); err != nil {
			return nil, nil, wrapInternal(err)
		}
		return nil, nil, nil
	})
	return err
}

// PruneEvents deletes events older than the retention horizon and
// records per-target watermarks so later reads can distinguish an
// expired cursor from an empty log. Returns the number of pruned rows
// and the commit sequence of the prune.
func (s *Store) PruneEvents(ctx context.Context, olderThan time.Time) (int64, uint64, error) {
	result, seq, err := s.submit(ctx, "prune_events", func(tx *sql.Tx, commitSeq uint64, now time.Time) (interface{}, []api.Event, error) {
		cutoff := millis(olderThan.UTC())

		rows, err := tx.Query(
			`SELECT target_agent, MAX(sequence) FROM events
			 WHERE created_at < ? GROUP BY target_agent`, cutoff)
		if err != nil {
			return nil, nil, wrapInternal(err)
		}
		type mark struct {
			target string
			seq    uint64
		}
		var marks []mark
		for rows.Next() {
			var m mark
			if err := rows.Scan(&m.target, &m.seq); err != nil {
				rows.Close()
				return nil, nil, wrapInternal(err)
			}
			marks = append(marks, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, nil, wrapInternal(err)
		}

		for _, m := range marks {
			if _, err := tx.Exec(
				`INSERT INTO prune_watermarks (target_agent, max_pruned_sequence) VALUES (?, ?)
				 ON CONFLICT(target_agent) DO UPDATE SET max_pruned_sequence = excluded.max_pruned_sequence
				 WHERE excluded.max_pruned_sequence > prune_watermarks.max_pruned_sequence`,
				m.target, m.seq); err != nil {
				return nil, nil, wrapInternal(err)
			}
		}

		res, err := tx.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff)
		if err != nil {
			return nil, nil, wrapInternal(err)
		}
		pruned, err := res.RowsAffected()
		if err != nil {
			return nil, nil, wrapInternal(err)
		}
		if pruned > 0 {
			logging.Info("Store", "pruned %d events older than %s", pruned, olderThan.UTC().Format(time.RFC3339))
		}
		return pruned, nil, nil
	})
	if err != nil {
		return 0, 0, err
	}
	return result.(int64), seq, nil
}

// Status assembles the aggregate health snapshot.
func (s *Store) Status(ctx context.Context) (*api.SystemStatus, error) {
	st := &api.SystemStatus{
		Healthy:           true,
		ReducerQueueDepth: len(s.writeCh),
		CommitSequence:    s.CommitSequence(),
	}

	halted, _, err := s.HaltedReason(ctx)
	if err != nil {
		return nil, err
	}
	st.Halted = halted

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE status = ?`, api.AgentActive).Scan(&st.ActiveAgents); err != nil {
		return nil, wrapInternal(err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE status IN (?, ?, ?)`,
		api.TaskPending, api.TaskAccepted, api.TaskInProgress).Scan(&st.PendingTasks); err != nil {
		return nil, wrapInternal(err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflows WHERE status = ?`, api.WorkflowRunning).Scan(&st.RunningWorkflows); err != nil {
		return nil, wrapInternal(err)
	}
	if fabric := api.GetFabric(); fabric != nil {
		st.SubscriberQueues = fabric.SubscriberCount()
	}
	return st, nil
}
