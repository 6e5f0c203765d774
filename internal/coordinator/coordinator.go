// Package coordinator drives workflows from pending to terminal
// states. It assigns ready steps to the best capable agent, retries
// failed workflow tasks with exponential backoff, and fails tasks whose
// deadline has passed.
//
// The coordinator owns no state of record: everything it knows it reads
// from the store, and every change it makes goes through the same
// reducers agents use. A crashed coordinator resumes from the store
// alone; only the in-memory retry schedule is rebuilt, which at worst
// delays a retry by one backoff window.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"agora/internal/api"
	"agora/internal/config"
	"agora/pkg/logging"
)

// Coordinator is the workflow scheduling loop.
type Coordinator struct {
	cfg config.CoordinatorConfig

	kick chan struct{}

	mu        sync.Mutex
	nextRetry map[string]time.Time // task id -> earliest retry attempt
	assigned  map[string]bool      // task ids assigned here, not yet terminal

	assignments prometheus.Counter
	retries     prometheus.Counter
	expiries    prometheus.Counter
}

// New creates a coordinator. Start must be called to run it.
func New(cfg config.CoordinatorConfig, reg prometheus.Registerer) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		kick:      make(chan struct{}, 1),
		nextRetry: make(map[string]time.Time),
		assigned:  make(map[string]bool),
		assignments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_coordinator_assignments_total",
			Help: "Step tasks assigned by the coordinator.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_coordinator_retries_total",
			Help: "Failed workflow tasks returned to pending.",
		}),
		expiries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agora_coordinator_deadline_failures_total",
			Help: "Tasks failed because their deadline passed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.assignments, c.retries, c.expiries)
	}
	return c
}

// Start runs the scheduling loop until ctx is cancelled. The tick
// interval bounds how stale a deadline expiry can be; a live fabric
// subscription wakes the loop as soon as a task update or workflow
// start commits, so reactions do not wait for the next tick.
func (c *Coordinator) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	if fabric := api.GetFabric(); fabric != nil {
		sub, err := fabric.Subscribe(api.BroadcastTarget,
			[]string{api.EventTaskUpdated, api.EventWorkflowStarted})
		if err != nil {
			logging.Error("Coordinator", err, "failed to attach live event feed")
		} else {
			defer fabric.Unsubscribe(api.BroadcastTarget)
			go func() {
				for range sub.C {
					c.Kick()
				}
			}()
		}
	}

	logging.Info("Coordinator", "scheduling loop started (tick %s, retry max %d, backoff %s)",
		c.cfg.TickInterval, c.cfg.TaskRetryMax, c.cfg.TaskRetryBackoff)

	for {
		select {
		case <-ctx.Done():
			logging.Info("Coordinator", "scheduling loop stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-c.kick:
		}
		c.tick(ctx)
	}
}

// Kick wakes the loop immediately. Safe to call from any goroutine;
// a pending kick coalesces with later ones.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// InFlight returns the number of assignments made by the coordinator
// whose tasks it has not yet observed in a terminal state.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.assigned)
}

// tick runs one scheduling pass. Each concern tolerates the others
// failing; an error in one workflow never stalls the rest.
func (c *Coordinator) tick(ctx context.Context) {
	authority := api.GetAuthority()
	if authority != nil && authority.Halted() {
		return
	}
	store := api.GetStore()
	if store == nil {
		return
	}

	c.expireDeadlines(ctx, store)
	c.retryFailed(ctx, store)
	c.scheduleReadySteps(ctx, store)
	c.pruneAssigned(ctx, store)
}

// pruneAssigned drops terminal tasks from the in-flight set.
func (c *Coordinator) pruneAssigned(ctx context.Context, store api.StoreHandler) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.assigned))
	for id := range c.assigned {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, taskID := range ids {
		task, err := store.GetTask(ctx, taskID)
		if err != nil || task.Status.Terminal() {
			c.mu.Lock()
			delete(c.assigned, taskID)
			c.mu.Unlock()
		}
	}
}

// expireDeadlines fails every non-terminal task whose deadline has
// passed. The reducer rejects concurrent completion races; losing the
// race to the assignee is the desired outcome.
func (c *Coordinator) expireDeadlines(ctx context.Context, store api.StoreHandler) {
	now := time.Now()
	failed := api.TaskFailed
	for _, status := range []api.TaskStatus{api.TaskPending, api.TaskAccepted, api.TaskInProgress} {
		tasks, err := store.ListTasks(ctx, status)
		if err != nil {
			logging.Error("Coordinator", err, "deadline sweep failed listing %s tasks", status)
			continue
		}
		for _, task := range tasks {
			if task.Deadline == nil || task.Deadline.After(now) {
				continue
			}
			_, _, err := store.UpdateTask(ctx, api.UpdateTaskRequest{
				TaskID: task.TaskID,
				Status: &failed,
				Reason: "deadline_exceeded",
			})
			if err != nil {
				if !api.IsKind(err, api.KindInvalidTransition) {
					logging.Error("Coordinator", err, "failed to expire task %s", task.TaskID)
				}
				continue
			}
			c.expiries.Inc()
			logging.Warn("Coordinator", "task %s failed: deadline %s passed",
				task.TaskID, task.Deadline.UTC().Format(time.RFC3339))
		}
	}
}

// retryFailed returns failed workflow tasks to pending with exponential
// backoff, or declares their retries exhausted, which fails the owning
// workflow.
func (c *Coordinator) retryFailed(ctx context.Context, store api.StoreHandler) {
	tasks, err := store.ListTasks(ctx, api.TaskFailed)
	if err != nil {
		logging.Error("Coordinator", err, "retry pass failed listing failed tasks")
		return
	}
	now := time.Now()

	for _, task := range tasks {
		if task.WorkflowID == "" {
			// Standalone tasks are the assigner's to retry.
			continue
		}

		if task.Retries >= c.cfg.TaskRetryMax {
			wf, err := store.GetWorkflow(ctx, task.WorkflowID)
			if err != nil {
				logging.Error("Coordinator", err, "failed to read workflow of exhausted task %s", task.TaskID)
				continue
			}
			if wf.Status != api.WorkflowRunning {
				// Exhaustion already propagated to the workflow.
				c.forget(task.TaskID)
				continue
			}
			failed := api.TaskFailed
			_, _, err = store.UpdateTask(ctx, api.UpdateTaskRequest{
				TaskID: task.TaskID,
				Status: &failed,
				Reason: "retries_exhausted",
			})
			if err != nil {
				logging.Error("Coordinator", err, "failed to mark task %s retries exhausted", task.TaskID)
			}
			c.forget(task.TaskID)
			continue
		}

		c.mu.Lock()
		at, scheduled := c.nextRetry[task.TaskID]
		if !scheduled {
			// Exponential: backoff doubles per prior attempt.
			delay := c.cfg.TaskRetryBackoff << uint(task.Retries)
			at = task.UpdatedAt.Add(delay)
			c.nextRetry[task.TaskID] = at
		}
		c.mu.Unlock()
		if now.Before(at) {
			continue
		}

		pending := api.TaskPending
		_, _, err := store.UpdateTask(ctx, api.UpdateTaskRequest{
			TaskID: task.TaskID,
			Status: &pending,
			Reason: "retry",
		})
		if err != nil {
			logging.Error("Coordinator", err, "failed to retry task %s", task.TaskID)
			continue
		}
		c.forget(task.TaskID)
		c.retries.Inc()
		logging.Info("Coordinator", "task %s returned to pending (attempt %d of %d)",
			task.TaskID, task.Retries+1, c.cfg.TaskRetryMax)
	}
}

// scheduleReadySteps promotes pending workflows to running, then
// assigns a task for every unassigned step whose dependencies are
// complete, picking the best capable agent.
func (c *Coordinator) scheduleReadySteps(ctx context.Context, store api.StoreHandler) {
	pending, err := store.ListWorkflows(ctx, api.WorkflowPending)
	if err != nil {
		logging.Error("Coordinator", err, "scheduling pass failed listing pending workflows")
		return
	}
	for _, wf := range pending {
		if _, err := store.ActivateWorkflow(ctx, wf.WorkflowID); err != nil {
			logging.Error("Coordinator", err, "failed to activate workflow %s", wf.WorkflowID)
		}
	}

	workflows, err := store.ListWorkflows(ctx, api.WorkflowRunning)
	if err != nil {
		logging.Error("Coordinator", err, "scheduling pass failed listing workflows")
		return
	}

	for _, wf := range workflows {
		steps, err := store.GetWorkflowSteps(ctx, wf.WorkflowID)
		if err != nil {
			logging.Error("Coordinator", err, "failed to read steps of workflow %s", wf.WorkflowID)
			continue
		}

		completed := make(map[string]bool, len(steps))
		for _, step := range steps {
			if step.Status == api.TaskCompleted {
				completed[step.Name] = true
			}
		}

		for _, step := range steps {
			if step.AssignedTaskID != "" || step.Status != api.TaskPending {
				continue
			}
			ready := true
			for _, dep := range step.DependsOn {
				if !completed[dep] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			c.assignStep(ctx, store, wf, step)
		}
	}
}

// assignStep picks the best candidate for one ready step and assigns
// the task. Candidates arrive best-first from the store; the first one
// with a free slot wins.
func (c *Coordinator) assignStep(ctx context.Context, store api.StoreHandler, wf api.Workflow, step api.WorkflowStep) {
	candidates, err := store.ListCapableAgents(ctx, step.RequiredCapability)
	if err != nil {
		logging.Error("Coordinator", err, "failed to list candidates for capability %s", step.RequiredCapability)
		return
	}

	for _, candidate := range candidates {
		if candidate.InFlight >= candidate.Capability.MaxConcurrentTasks {
			continue
		}
		task, _, err := store.AssignTask(ctx, api.AssignTaskRequest{
			WorkflowID:     wf.WorkflowID,
			StepID:         step.StepID,
			Assignee:       candidate.Agent.AgentID,
			TaskType:       step.RequiredCapability,
			Payload:        map[string]interface{}{"workflow": wf.WorkflowName, "step": step.Name},
			Priority:       api.PriorityDefault,
			IdempotencyKey: "sched:" + step.StepID,
		})
		if err != nil {
			if api.IsKind(err, api.KindConflict) {
				// Slot raced away; try the next candidate.
				continue
			}
			logging.Error("Coordinator", err, "failed to assign step %s of workflow %s", step.Name, wf.WorkflowID)
			return
		}
		c.mu.Lock()
		c.assigned[task.TaskID] = true
		c.mu.Unlock()
		c.assignments.Inc()
		logging.Info("Coordinator", "step %s of workflow %s assigned to %s as task %s",
			step.Name, wf.WorkflowID, candidate.Agent.AgentID, task.TaskID)
		return
	}
	logging.Debug("Coordinator", "no capable agent free for step %s (capability %s)",
		step.Name, step.RequiredCapability)
}

func (c *Coordinator) forget(taskID string) {
	c.mu.Lock()
	delete(c.nextRetry, taskID)
	c.mu.Unlock()
}
