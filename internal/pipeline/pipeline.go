// Package pipeline executes tasks end to end: LEAD selection by load,
// self-execute versus delegation, the pre/post task rituals, and the
// ordered critic gauntlet with retry and escalation semantics.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"agentium/internal/adapter"
	"agentium/internal/config"
	"agentium/internal/constitution"
	"agentium/internal/critic"
	"agentium/internal/lifecycle"
	"agentium/internal/logging"
	"agentium/internal/store"
	"agentium/internal/types"
)

// Generator is the slice of the model adapter the pipeline needs.
type Generator interface {
	Generate(ctx context.Context, kind types.ProviderKind, systemPrompt, userMessage string, opts adapter.Options) (*adapter.Result, error)
}

// Reviewer is the slice of the critic engine the pipeline needs.
type Reviewer interface {
	Review(ctx context.Context, criticAgent *types.Agent, task *types.Task, output string) (*types.CritiqueReview, error)
}

// Broadcaster receives pipeline events for the sovereign feed. Nil
// disables broadcasting.
type Broadcaster interface {
	BroadcastEvent(kind, message string, payload map[string]interface{})
}

// Pipeline drives tasks through execution and review.
type Pipeline struct {
	store     *store.Store
	lifecycle *lifecycle.Manager
	ethos     *constitution.EthosService
	consts    *constitution.Service
	critics   Reviewer
	gen       Generator
	cfg       config.PipelineConfig
	events    Broadcaster
}

// New builds a pipeline.
func New(st *store.Store, lm *lifecycle.Manager, ethos *constitution.EthosService, consts *constitution.Service, critics Reviewer, gen Generator, cfg config.PipelineConfig, events Broadcaster) *Pipeline {
	return &Pipeline{
		store:     st,
		lifecycle: lm,
		ethos:     ethos,
		consts:    consts,
		critics:   critics,
		gen:       gen,
		cfg:       cfg,
		events:    events,
	}
}

// reviewOrder is the fixed critic sequence.
var reviewOrder = []types.Tier{types.TierCriticPlan, types.TierCriticCode, types.TierCriticOutput}

// Submit creates a task and assigns it to the least-busy LEAD.
func (p *Pipeline) Submit(createdBy, title, description string, priority int, criteria []types.AcceptanceCriterion) (*types.Task, error) {
	task := &types.Task{
		Title:              title,
		Description:        description,
		Priority:           priority,
		CreatedBy:          createdBy,
		AcceptanceCriteria: criteria,
	}
	if err := p.store.CreateTask(task); err != nil {
		return nil, err
	}

	lead, err := p.leastBusy(types.TierLead)
	if err != nil {
		return nil, err
	}
	task.AssignedAgents = []string{lead.TierID}
	task.Status = types.TaskAssigned
	if err := p.store.UpdateTask(task); err != nil {
		return nil, err
	}
	p.store.Audit("pipeline", "principal", createdBy, "task_submitted", "task", task.ID,
		fmt.Sprintf("assigned to LEAD %s", lead.TierID))
	logging.Pipeline("Task %s (%q) assigned to LEAD %s", task.ID, title, lead.TierID)
	return task, nil
}

// Execute runs one attempt of a task: pick the executor, run the
// rituals around generation, then the critic gauntlet. REJECT leaves
// the task IN_PROGRESS for the caller to retry; ESCALATE parks it in
// DELIBERATING for the COUNCIL.
func (p *Pipeline) Execute(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := p.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case types.TaskAssigned, types.TaskInProgress:
	default:
		return nil, &types.InvariantError{Rule: "task-executable",
			Detail: fmt.Sprintf("task %s is %s", task.ID, task.Status)}
	}
	if len(task.AssignedAgents) == 0 {
		return nil, &types.InvariantError{Rule: "task-assigned", Detail: "task has no assigned agent"}
	}
	lead, err := p.store.GetAgent(task.AssignedAgents[0])
	if err != nil {
		return nil, err
	}

	task.Status = types.TaskInProgress
	if err := p.store.UpdateTask(task); err != nil {
		return nil, err
	}

	executor := lead
	if lead.Tier == types.TierLead && !p.selfExecute(task) {
		executor, err = p.delegate(ctx, lead, task)
		if err != nil {
			return nil, err
		}
	}

	if err := p.preTaskRitual(executor); err != nil {
		return nil, err
	}

	output, err := p.produce(ctx, executor, task)
	if err != nil {
		if ctx.Err() != nil {
			return task, p.Cancel(task.ID, "execution cancelled")
		}
		return nil, err
	}
	task.Output = output

	if err := p.postTaskRitual(executor, task); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("post-task ritual failed for %s: %v", executor.TierID, err)
	}

	return p.review(ctx, task, executor, output)
}

// review runs the critic gauntlet in PLAN, CODE, OUTPUT order.
func (p *Pipeline) review(ctx context.Context, task *types.Task, executor *types.Agent, output string) (*types.Task, error) {
	hash := critic.HashOutput(output)

	for _, specialty := range reviewOrder {
		if !p.specialtyApplies(specialty, task) {
			continue
		}
		// A specialty that already passed this exact output is not
		// re-invoked on retries of a later specialty.
		passed, err := p.store.PassedOnHash(task.ID, hash, specialty)
		if err != nil {
			return nil, err
		}
		if passed {
			continue
		}
		criticAgent, err := p.activeCritic(specialty)
		if err != nil {
			logging.Get(logging.CategoryPipeline).Warn("no active %s critic, skipping", specialty)
			continue
		}

		review, err := p.critics.Review(ctx, criticAgent, task, output)
		if err != nil {
			return nil, err
		}
		switch review.Verdict {
		case types.VerdictReject:
			task.RetryCount++
			task.LastSuggestions = review.Suggestions
			if task.LastSuggestions == "" {
				task.LastSuggestions = review.RejectionReason
			}
			task.Status = types.TaskInProgress
			if err := p.store.UpdateTask(task); err != nil {
				return nil, err
			}
			logging.Pipeline("Task %s rejected by %s (retry %d): %s",
				task.ID, specialty, task.RetryCount, review.RejectionReason)
			return task, nil
		case types.VerdictEscalate:
			return p.escalate(task, review)
		}
	}

	task.Status = types.TaskCompleted
	task.ProgressPercent = 100
	if err := p.store.UpdateTask(task); err != nil {
		return nil, err
	}
	executor.TasksCompleted++
	if err := p.store.UpdateAgent(executor); err != nil {
		return nil, err
	}
	p.embedPattern(task)
	p.store.Audit("pipeline", "agent", executor.TierID, "task_completed", "task", task.ID, "")
	logging.Pipeline("Task %s completed by %s", task.ID, executor.TierID)
	return task, nil
}

// escalate parks a task for COUNCIL deliberation with its full review
// history attached to the audit trail.
func (p *Pipeline) escalate(task *types.Task, review *types.CritiqueReview) (*types.Task, error) {
	task.Status = types.TaskDeliberating
	if err := p.store.UpdateTask(task); err != nil {
		return nil, err
	}
	reviews, err := p.store.ListReviews(task.ID)
	if err != nil {
		return nil, err
	}
	p.store.Audit("pipeline", "agent", review.CriticTierID, "task_escalated", "task", task.ID,
		fmt.Sprintf("%d reviews on record, last rejection: %s", len(reviews), review.RejectionReason))
	if p.events != nil {
		p.events.BroadcastEvent("TASK_ESCALATED",
			fmt.Sprintf("task %s escalated to COUNCIL", task.ID),
			map[string]interface{}{
				"task_id":   task.ID,
				"critic":    review.CriticTierID,
				"rejection": review.RejectionReason,
			})
	}
	logging.Pipeline("Task %s escalated to COUNCIL after %d reviews", task.ID, len(reviews))
	return task, nil
}

// Resume returns a DELIBERATING task to execution after a COUNCIL
// ruling, optionally with fresh guidance.
func (p *Pipeline) Resume(taskID string, council *types.Agent, guidance string) (*types.Task, error) {
	if council.Tier != types.TierCouncil && council.Tier != types.TierHead {
		return nil, types.NewPermissionError(council.TierID, types.CapDelegateTask)
	}
	task, err := p.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskDeliberating {
		return nil, &types.InvariantError{Rule: "task-resume",
			Detail: fmt.Sprintf("task %s is %s, not DELIBERATING", task.ID, task.Status)}
	}
	task.Status = types.TaskInProgress
	task.RetryCount = 0
	if guidance != "" {
		task.LastSuggestions = guidance
	}
	if err := p.store.UpdateTask(task); err != nil {
		return nil, err
	}
	p.store.Audit("pipeline", "agent", council.TierID, "task_resumed", "task", task.ID, guidance)
	return task, nil
}

// Cancel aborts a task and recursively cancels its open subtasks.
func (p *Pipeline) Cancel(taskID, reason string) error {
	task, err := p.store.GetTask(taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case types.TaskCompleted, types.TaskFailed, types.TaskCancelled:
		return nil
	}
	task.Status = types.TaskCancelled
	if err := p.store.UpdateTask(task); err != nil {
		return err
	}
	p.store.Audit("pipeline", "system", "system", "task_cancelled", "task", task.ID, reason)
	logging.Pipeline("Task %s cancelled: %s", task.ID, reason)

	subtasks, err := p.subtasksOf(task.ID)
	if err != nil {
		return err
	}
	for _, sub := range subtasks {
		if err := p.Cancel(sub.ID, "parent task cancelled"); err != nil {
			return err
		}
	}
	return nil
}

// RunPending executes every ASSIGNED task with bounded parallelism.
func (p *Pipeline) RunPending(ctx context.Context) error {
	tasks, err := p.store.ListTasks(types.TaskAssigned)
	if err != nil {
		return err
	}
	limit := p.cfg.MaxParallelTasks
	if limit <= 0 {
		limit = 8
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, task := range tasks {
		id := task.ID
		g.Go(func() error {
			_, err := p.Execute(ctx, id)
			return err
		})
	}
	return g.Wait()
}

// ===== EXECUTION INTERNALS =====

// selfExecute reports whether a LEAD handles the task itself rather
// than delegating.
func (p *Pipeline) selfExecute(task *types.Task) bool {
	limit := p.cfg.SelfExecuteUnder
	if limit <= 0 {
		limit = 280
	}
	return len(task.Description) < limit
}

// delegate assigns the task to the LEAD's least-busy TASK child,
// spawning one when the pool is empty.
func (p *Pipeline) delegate(ctx context.Context, lead *types.Agent, task *types.Task) (*types.Agent, error) {
	children, err := p.store.ListChildren(lead.TierID)
	if err != nil {
		return nil, err
	}
	var pool []*types.Agent
	for _, c := range children {
		if c.Tier == types.TierTask && c.Status != types.AgentTerminated && c.Status != types.AgentSuspended {
			pool = append(pool, c)
		}
	}
	var executor *types.Agent
	if len(pool) == 0 {
		executor, err = p.lifecycle.Spawn(lead, types.TierTask,
			"worker-"+task.ID[:8], "execute delegated tasks for "+lead.Name, nil)
		if err != nil {
			return nil, err
		}
	} else {
		sort.Slice(pool, func(i, j int) bool {
			return openLoad(pool[i]) < openLoad(pool[j])
		})
		executor = pool[0]
	}

	task.AssignedAgents = append([]string{executor.TierID}, task.AssignedAgents...)
	if err := p.store.UpdateTask(task); err != nil {
		return nil, err
	}
	logging.PipelineDebug("Task %s delegated by %s to %s", task.ID, lead.TierID, executor.TierID)
	return executor, nil
}

// leastBusy picks the executive agent of a tier with the lowest open
// load, tie-broken by completed-task count.
func (p *Pipeline) leastBusy(tier types.Tier) (*types.Agent, error) {
	agents, err := p.store.ListAgents(tier, types.AgentActive)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("no active %s agent available: %w", tier, types.ErrPoolExhausted)
	}
	best := agents[0]
	bestLoad, err := p.openTaskCount(best.TierID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents[1:] {
		load, err := p.openTaskCount(a.TierID)
		if err != nil {
			return nil, err
		}
		if load < bestLoad || (load == bestLoad && a.TasksCompleted < best.TasksCompleted) {
			best, bestLoad = a, load
		}
	}
	return best, nil
}

func (p *Pipeline) openTaskCount(tierID string) (int, error) {
	tasks, err := p.store.TasksAssignedTo(tierID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		switch t.Status {
		case types.TaskAssigned, types.TaskInProgress, types.TaskDeliberating:
			n++
		}
	}
	return n, nil
}

// openLoad approximates load from the persisted counters when a task
// query per candidate would be wasteful.
func openLoad(a *types.Agent) int {
	return a.TasksCompleted + a.TasksFailed + a.IdleCycles
}

// preTaskRitual refreshes constitution awareness before execution.
func (p *Pipeline) preTaskRitual(executor *types.Agent) error {
	return p.consts.VerifyAlignment(executor)
}

// postTaskRitual records the outcome and compresses the ethos.
func (p *Pipeline) postTaskRitual(executor *types.Agent, task *types.Task) error {
	if err := p.ethos.Compress(executor, executor); err != nil {
		return err
	}
	return p.consts.VerifyAlignment(executor)
}

// produce calls the executor's model with the task prompt, injecting
// prior critic suggestions on retries.
func (p *Pipeline) produce(ctx context.Context, executor *types.Agent, task *types.Task) (string, error) {
	e, err := p.ethos.Read(executor)
	if err != nil {
		return "", err
	}
	var system strings.Builder
	system.WriteString("Mission: " + e.MissionStatement + "\n")
	for _, rule := range e.BehavioralRules {
		system.WriteString("Rule: " + rule + "\n")
	}
	for _, restr := range e.Restrictions {
		system.WriteString("Never: " + restr + "\n")
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Task: %s\n\n%s", task.Title, task.Description)
	if task.LastSuggestions != "" {
		fmt.Fprintf(&user, "\n\nA previous attempt was rejected. Address this feedback:\n%s", task.LastSuggestions)
	}

	kind := types.ProviderKind(executor.PreferredProvider)
	if kind == "" {
		kind = types.ProviderOpenAI
	}
	res, err := p.gen.Generate(ctx, kind, system.String(), user.String(), adapter.Options{})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// specialtyApplies reports whether a critic specialty has criteria on
// the task. PLAN review additionally runs whenever the task carries a
// plan.
func (p *Pipeline) specialtyApplies(specialty types.Tier, task *types.Task) bool {
	for _, c := range task.AcceptanceCriteria {
		if tier, err := types.CriticSpecialty(c.Validator); err == nil && tier == specialty {
			return true
		}
	}
	return specialty == types.TierCriticPlan && task.Plan != ""
}

// activeCritic finds an active critic agent of a specialty.
func (p *Pipeline) activeCritic(specialty types.Tier) (*types.Agent, error) {
	agents, err := p.store.ListAgents(specialty, types.AgentActive)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("no active %s critic: %w", specialty, types.ErrNotFound)
	}
	return agents[0], nil
}

// Decompose splits a task into subtasks under a LEAD, each assigned to
// a TASK agent. Subtasks carry the parent id so cancellation cascades.
func (p *Pipeline) Decompose(ctx context.Context, lead *types.Agent, task *types.Task, parts []string) ([]*types.Task, error) {
	if lead.Tier != types.TierLead {
		return nil, types.NewPermissionError(lead.TierID, types.CapDelegateTask)
	}
	var out []*types.Task
	for i, part := range parts {
		sub := &types.Task{
			Title:       fmt.Sprintf("%s (%d/%d)", task.Title, i+1, len(parts)),
			Description: subtaskPrefix(task.ID) + part,
			Priority:    task.Priority,
			CreatedBy:   lead.TierID,
		}
		if err := p.store.CreateTask(sub); err != nil {
			return nil, err
		}
		executor, err := p.delegate(ctx, lead, sub)
		if err != nil {
			return nil, err
		}
		sub.AssignedAgents = []string{executor.TierID}
		sub.Status = types.TaskAssigned
		if err := p.store.UpdateTask(sub); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	task.Plan = fmt.Sprintf("decomposed into %d subtasks", len(parts))
	if err := p.store.UpdateTask(task); err != nil {
		return nil, err
	}
	return out, nil
}

func subtaskPrefix(parentID string) string {
	return "subtask of " + parentID + ": "
}

// subtasksOf finds the subtasks carrying this task's parent marker.
func (p *Pipeline) subtasksOf(taskID string) ([]*types.Task, error) {
	all, err := p.store.ListTasks("")
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if strings.HasPrefix(t.Description, subtaskPrefix(taskID)) {
			out = append(out, t)
		}
	}
	return out, nil
}

// embedPattern banks a completed task for future retrieval.
func (p *Pipeline) embedPattern(task *types.Task) {
	content := task.Title + "\n" + task.Description
	if task.Plan != "" {
		content += "\n" + task.Plan
	}
	err := p.store.UpsertVector(store.CollectionTaskPatterns, task.ID, content,
		map[string]interface{}{"task": task.ID})
	if err != nil {
		logging.Get(logging.CategoryPipeline).Warn("failed to embed task pattern: %v", err)
	}
}
