package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentium/internal/adapter"
	"agentium/internal/config"
	"agentium/internal/constitution"
	"agentium/internal/critic"
	"agentium/internal/identity"
	"agentium/internal/lifecycle"
	"agentium/internal/store"
	"agentium/internal/types"
)

// fakeGenerator records prompts and replies with a fixed output.
type fakeGenerator struct {
	mu         sync.Mutex
	lastSystem string
	lastUser   string
	reply      string
}

func (g *fakeGenerator) Generate(ctx context.Context, kind types.ProviderKind, system, user string, opts adapter.Options) (*adapter.Result, error) {
	g.mu.Lock()
	g.lastSystem, g.lastUser = system, user
	g.mu.Unlock()
	return &adapter.Result{Content: g.reply, Model: "m", TokensUsed: 20, FinishReason: "stop"}, nil
}

// scriptedReviewer plays back verdicts per specialty and persists each
// review, matching the engine's contract.
type scriptedReviewer struct {
	mu       sync.Mutex
	st       *store.Store
	verdicts map[types.Tier][]types.Verdict
	calls    map[types.Tier]int
}

func newScriptedReviewer(st *store.Store) *scriptedReviewer {
	return &scriptedReviewer{st: st, verdicts: map[types.Tier][]types.Verdict{}, calls: map[types.Tier]int{}}
}

func (r *scriptedReviewer) script(tier types.Tier, verdicts ...types.Verdict) {
	r.verdicts[tier] = verdicts
}

func (r *scriptedReviewer) callCount(tier types.Tier) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[tier]
}

func (r *scriptedReviewer) Review(ctx context.Context, criticAgent *types.Agent, task *types.Task, output string) (*types.CritiqueReview, error) {
	tier := criticAgent.Tier
	r.mu.Lock()
	i := r.calls[tier]
	r.calls[tier]++
	verdict := types.VerdictPass
	if vs := r.verdicts[tier]; i < len(vs) {
		verdict = vs[i]
	}
	r.mu.Unlock()
	review := &types.CritiqueReview{
		TaskID: task.ID, CriticTier: tier, CriticTierID: criticAgent.TierID,
		Verdict: verdict, OutputHash: critic.HashOutput(output),
	}
	if verdict == types.VerdictReject {
		review.RejectionReason = "not good enough"
		review.Suggestions = "add totals"
	}
	if err := r.st.InsertReview(review); err != nil {
		return nil, err
	}
	return review, nil
}

type fixture struct {
	p       *Pipeline
	st      *store.Store
	gen     *fakeGenerator
	rev     *scriptedReviewer
	head    *types.Agent
	council *types.Agent
	lead    *types.Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	consts := constitution.NewService(st)
	_, err = consts.Bootstrap("We the agents", nil)
	require.NoError(t, err)
	ethos := constitution.NewEthosService(st)
	reg := identity.NewRegistry(st)
	lm := lifecycle.NewManager(st, reg, ethos, consts)

	head := &types.Agent{
		TierID: types.HeadTierID, Tier: types.TierHead, Name: "head",
		Status: types.AgentActive, ConstitutionVersion: "v0001",
		Granted: types.NewCapabilitySet(), Revoked: types.NewCapabilitySet(),
		IncarnationNumber: 1,
	}
	require.NoError(t, st.CreateAgent(head))

	f := &fixture{st: st, gen: &fakeGenerator{reply: "the answer"}, rev: newScriptedReviewer(st), head: head}
	f.council, err = lm.Spawn(head, types.TierCouncil, "council-1", "govern", nil)
	require.NoError(t, err)
	f.lead, err = lm.Spawn(f.council, types.TierLead, "lead-1", "coordinate", nil)
	require.NoError(t, err)
	for _, tier := range []types.Tier{types.TierCriticPlan, types.TierCriticCode, types.TierCriticOutput} {
		_, err = lm.Spawn(head, tier, "critic-"+string(tier), "judge", nil)
		require.NoError(t, err)
	}

	f.p = New(st, lm, ethos, consts, f.rev, f.gen, config.Default().Pipeline, nil)
	return f
}

func outputCriterion() types.AcceptanceCriterion {
	return types.AcceptanceCriterion{Metric: "result_not_empty", Validator: "OUTPUT", IsMandatory: true}
}

func TestSubmitAssignsLeastBusyLead(t *testing.T) {
	f := newFixture(t)
	// Two open tasks land on the only LEAD.
	for i := 0; i < 2; i++ {
		_, err := f.p.Submit("principal", "busywork", "d", 1, nil)
		require.NoError(t, err)
	}

	// A second, idle LEAD should win the next assignment.
	consts := constitution.NewService(f.st)
	ethos := constitution.NewEthosService(f.st)
	lm := lifecycle.NewManager(f.st, identity.NewRegistry(f.st), ethos, consts)
	idle, err := lm.Spawn(f.council, types.TierLead, "lead-2", "coordinate", nil)
	require.NoError(t, err)

	task, err := f.p.Submit("principal", "new work", "short description", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, types.TaskAssigned, task.Status)
	assert.Equal(t, []string{idle.TierID}, task.AssignedAgents)
}

func TestExecuteSelfExecutePassCompletes(t *testing.T) {
	f := newFixture(t)
	task, err := f.p.Submit("principal", "sum", "add the numbers", 1,
		[]types.AcceptanceCriterion{outputCriterion()})
	require.NoError(t, err)

	got, err := f.p.Execute(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Equal(t, "the answer", got.Output)
	assert.Equal(t, 100, got.ProgressPercent)

	// Only the OUTPUT specialty had criteria.
	assert.Equal(t, 1, f.rev.callCount(types.TierCriticOutput))
	assert.Zero(t, f.rev.callCount(types.TierCriticCode))

	lead, err := f.st.GetAgent(f.lead.TierID)
	require.NoError(t, err)
	assert.Equal(t, 1, lead.TasksCompleted)

	// Executor prompt carried the ethos rules.
	assert.Contains(t, f.gen.lastSystem, "Mission:")
	assert.Contains(t, f.gen.lastUser, "add the numbers")
}

func TestExecuteRejectInjectsSuggestionsOnRetry(t *testing.T) {
	f := newFixture(t)
	f.rev.script(types.TierCriticOutput, types.VerdictReject, types.VerdictPass)

	task, err := f.p.Submit("principal", "sum", "add the numbers", 1,
		[]types.AcceptanceCriterion{outputCriterion()})
	require.NoError(t, err)

	got, err := f.p.Execute(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "add totals", got.LastSuggestions)

	got, err = f.p.Execute(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Contains(t, f.gen.lastUser, "add totals", "retry prompt must carry the critic feedback")
}

func TestExecuteEscalateParksForCouncilAndResume(t *testing.T) {
	f := newFixture(t)
	f.rev.script(types.TierCriticOutput, types.VerdictEscalate)

	task, err := f.p.Submit("principal", "sum", "add the numbers", 1,
		[]types.AcceptanceCriterion{outputCriterion()})
	require.NoError(t, err)

	got, err := f.p.Execute(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDeliberating, got.Status)

	// A LEAD cannot resume; the COUNCIL can.
	_, err = f.p.Resume(got.ID, f.lead, "try columns")
	require.Error(t, err)
	resumed, err := f.p.Resume(got.ID, f.council, "try columns")
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, resumed.Status)
	assert.Zero(t, resumed.RetryCount)
	assert.Equal(t, "try columns", resumed.LastSuggestions)
}

func TestExecuteDelegatesLargeTasks(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("analyse the quarterly ledger in depth ", 12)
	task, err := f.p.Submit("principal", "big", long, 1,
		[]types.AcceptanceCriterion{outputCriterion()})
	require.NoError(t, err)

	got, err := f.p.Execute(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, got.Status)

	// A TASK agent was spawned under the LEAD and assigned first.
	require.NotEmpty(t, got.AssignedAgents)
	executor, err := f.st.GetAgent(got.AssignedAgents[0])
	require.NoError(t, err)
	assert.Equal(t, types.TierTask, executor.Tier)
	assert.Equal(t, f.lead.TierID, executor.ParentID)
	assert.Equal(t, 1, executor.TasksCompleted)
}

func TestPlanCriticSkippedOncePassedOnSameOutput(t *testing.T) {
	f := newFixture(t)
	// PLAN passes, then OUTPUT rejects; the retry must not re-invoke
	// the PLAN critic on the identical output.
	f.rev.script(types.TierCriticOutput, types.VerdictReject, types.VerdictPass)

	task, err := f.p.Submit("principal", "plan work", "make a plan", 1,
		[]types.AcceptanceCriterion{
			{Metric: "result_not_empty", Validator: "PLAN", IsMandatory: true},
			outputCriterion(),
		})
	require.NoError(t, err)

	got, err := f.p.Execute(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, got.Status)
	assert.Equal(t, 1, f.rev.callCount(types.TierCriticPlan))

	_, err = f.p.Execute(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.rev.callCount(types.TierCriticPlan), "PLAN already passed this output hash")
	assert.Equal(t, 2, f.rev.callCount(types.TierCriticOutput))
}

func TestDecomposeAndCancelCascades(t *testing.T) {
	f := newFixture(t)
	task, err := f.p.Submit("principal", "big", "decompose me", 1, nil)
	require.NoError(t, err)

	subs, err := f.p.Decompose(context.Background(), f.lead, task, []string{"part one", "part two"})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, sub := range subs {
		assert.Equal(t, types.TaskAssigned, sub.Status)
		assert.True(t, strings.HasPrefix(sub.Description, "subtask of "+task.ID))
	}

	require.NoError(t, f.p.Cancel(task.ID, "principal changed their mind"))

	got, err := f.st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, got.Status)
	for _, sub := range subs {
		gotSub, err := f.st.GetTask(sub.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskCancelled, gotSub.Status)
	}

	// Cancelling again is a no-op.
	require.NoError(t, f.p.Cancel(task.ID, "again"))
}

func TestRunPendingExecutesAllAssigned(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.p.Submit("principal", "t", "small task", 1,
			[]types.AcceptanceCriterion{outputCriterion()})
		require.NoError(t, err)
	}
	require.NoError(t, f.p.RunPending(context.Background()))

	done, err := f.st.ListTasks(types.TaskCompleted)
	require.NoError(t, err)
	assert.Len(t, done, 3)
}
