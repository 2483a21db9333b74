package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentium/internal/adapter"
	"agentium/internal/config"
	"agentium/internal/constitution"
	"agentium/internal/identity"
	"agentium/internal/store"
	"agentium/internal/types"
)

type fixture struct {
	m      *Manager
	st     *store.Store
	ethos  *constitution.EthosService
	head   *types.Agent
	consts *constitution.Service
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
	m := NewManager(st, reg, ethos, consts)

	head := &types.Agent{
		TierID: types.HeadTierID, Tier: types.TierHead, Name: "head",
		Status: types.AgentActive, ConstitutionVersion: "v0001",
		Granted: types.NewCapabilitySet(), Revoked: types.NewCapabilitySet(),
		IncarnationNumber: 1,
	}
	require.NoError(t, st.CreateAgent(head))
	return &fixture{m: m, st: st, ethos: ethos, head: head, consts: consts}
}

func TestSpawnHierarchy(t *testing.T) {
	f := newFixture(t)

	council, err := f.m.Spawn(f.head, types.TierCouncil, "council-1", "govern", nil)
	require.NoError(t, err)
	assert.Equal(t, byte('1'), council.TierID[0])
	assert.Equal(t, types.HeadTierID, council.ParentID)
	assert.Equal(t, 1, council.IncarnationNumber)
	assert.Equal(t, "v0001", council.ConstitutionVersion)
	assert.NotEmpty(t, council.EthosID)

	lead, err := f.m.Spawn(council, types.TierLead, "lead-1", "coordinate", nil)
	require.NoError(t, err)
	assert.Equal(t, byte('2'), lead.TierID[0])

	worker, err := f.m.Spawn(lead, types.TierTask, "worker-1", "execute", nil)
	require.NoError(t, err)
	assert.Equal(t, byte('3'), worker.TierID[0])

	critic, err := f.m.Spawn(f.head, types.TierCriticOutput, "critic-1", "judge", nil)
	require.NoError(t, err)
	assert.Equal(t, byte('8'), critic.TierID[0])
}

func TestSpawnPermissions(t *testing.T) {
	f := newFixture(t)
	council, err := f.m.Spawn(f.head, types.TierCouncil, "council-1", "govern", nil)
	require.NoError(t, err)
	lead, err := f.m.Spawn(council, types.TierLead, "lead-1", "coordinate", nil)
	require.NoError(t, err)
	worker, err := f.m.Spawn(lead, types.TierTask, "worker-1", "execute", nil)
	require.NoError(t, err)

	// A TASK agent spawns nothing.
	_, err = f.m.Spawn(worker, types.TierTask, "x", "y", nil)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))

	// Only HEAD spawns critics.
	_, err = f.m.Spawn(council, types.TierCriticCode, "c", "judge", nil)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))

	// Only HEAD seats new COUNCIL members.
	_, err = f.m.Spawn(council, types.TierCouncil, "c2", "govern", nil)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))
}

func TestPromoteTransfersTasksAndRetiresOldIdentity(t *testing.T) {
	f := newFixture(t)
	council, err := f.m.Spawn(f.head, types.TierCouncil, "council-1", "govern", nil)
	require.NoError(t, err)
	lead, err := f.m.Spawn(council, types.TierLead, "lead-1", "coordinate", nil)
	require.NoError(t, err)
	worker, err := f.m.Spawn(lead, types.TierTask, "worker-1", "execute", nil)
	require.NoError(t, err)

	require.NoError(t, f.ethos.AddLessonLearned(worker, "measure twice", worker))

	task := &types.Task{Title: "t", Description: "d", CreatedBy: council.TierID,
		Status: types.TaskAssigned, AssignedAgents: []string{worker.TierID}}
	require.NoError(t, f.st.CreateTask(task))

	promoted, err := f.m.Promote(worker, council, "consistent quality")
	require.NoError(t, err)
	assert.Equal(t, types.TierLead, promoted.Tier)
	assert.Equal(t, byte('2'), promoted.TierID[0])

	got, err := f.st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{promoted.TierID}, got.AssignedAgents)

	old, err := f.st.GetAgent(worker.TierID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentTerminated, old.Status)
	assert.Contains(t, old.TerminationReason, promoted.TierID)

	e, err := f.ethos.Read(promoted)
	require.NoError(t, err)
	assert.Contains(t, e.LessonsLearned, "measure twice")
}

func TestPromoteOnlyTaskAgents(t *testing.T) {
	f := newFixture(t)
	council, err := f.m.Spawn(f.head, types.TierCouncil, "council-1", "govern", nil)
	require.NoError(t, err)
	lead, err := f.m.Spawn(council, types.TierLead, "lead-1", "coordinate", nil)
	require.NoError(t, err)

	_, err = f.m.Promote(lead, council, "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvariantViolation))
}

func TestLiquidateGuards(t *testing.T) {
	f := newFixture(t)
	council, err := f.m.Spawn(f.head, types.TierCouncil, "council-1", "govern", nil)
	require.NoError(t, err)

	// HEAD survives without force.
	err = f.m.Liquidate(f.head, f.head, "coup", false, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvariantViolation))

	// Persistent agents need the violation flag.
	lead, err := f.m.Spawn(council, types.TierLead, "lead-1", "coordinate", nil)
	require.NoError(t, err)
	lead.IsPersistent = true
	require.NoError(t, f.st.UpdateAgent(lead))
	err = f.m.Liquidate(lead, f.head, "cleanup", false, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvariantViolation))
	require.NoError(t, f.m.Liquidate(lead, f.head, "constitution breach", false, true))

	// A LEAD cannot liquidate outside the TASK tier.
	lead2, err := f.m.Spawn(council, types.TierLead, "lead-2", "coordinate", nil)
	require.NoError(t, err)
	err = f.m.Liquidate(council, lead2, "mutiny", false, false)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))
}

func TestLiquidateReassignsOrCancelsTasks(t *testing.T) {
	f := newFixture(t)
	council, err := f.m.Spawn(f.head, types.TierCouncil, "council-1", "govern", nil)
	require.NoError(t, err)
	lead, err := f.m.Spawn(council, types.TierLead, "lead-1", "coordinate", nil)
	require.NoError(t, err)
	worker, err := f.m.Spawn(lead, types.TierTask, "worker-1", "execute", nil)
	require.NoError(t, err)

	solo := &types.Task{Title: "solo", Description: "d", CreatedBy: lead.TierID,
		Status: types.TaskInProgress, AssignedAgents: []string{worker.TierID}}
	require.NoError(t, f.st.CreateTask(solo))
	shared := &types.Task{Title: "shared", Description: "d", CreatedBy: lead.TierID,
		Status: types.TaskInProgress, AssignedAgents: []string{worker.TierID, lead.TierID}}
	require.NoError(t, f.st.CreateTask(shared))

	require.NoError(t, f.m.Liquidate(worker, lead, "idle too long", false, false))

	gotSolo, err := f.st.GetTask(solo.ID)
	require.NoError(t, err)
	// Sole assignee gone: the task falls back to the parent LEAD.
	assert.Equal(t, []string{lead.TierID}, gotSolo.AssignedAgents)

	gotShared, err := f.st.GetTask(shared.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{lead.TierID}, gotShared.AssignedAgents)
	assert.Equal(t, types.TaskInProgress, gotShared.Status)

	gone, err := f.st.GetAgent(worker.TierID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentTerminated, gone.Status)
	assert.Equal(t, "idle too long", gone.TerminationReason)

	// Liquidating again is a no-op.
	require.NoError(t, f.m.Liquidate(gone, lead, "again", false, false))
}

// fixedGenerator returns one canned summary, or an error.
type fixedGenerator struct {
	reply string
	err   error
}

func (g *fixedGenerator) Generate(ctx context.Context, kind types.ProviderKind, system, user string, opts adapter.Options) (*adapter.Result, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &adapter.Result{Content: g.reply, Model: "m", TokensUsed: 50, FinishReason: "stop"}, nil
}

func TestShouldReincarnate(t *testing.T) {
	r := NewReincarnator(nil, nil, config.Default().Reincarnation)
	assert.False(t, r.ShouldReincarnate(100))
	assert.False(t, r.ShouldReincarnate(102399))
	assert.True(t, r.ShouldReincarnate(102400))
}

func TestReincarnateHandsOffWisdomAndTasks(t *testing.T) {
	f := newFixture(t)
	council, err := f.m.Spawn(f.head, types.TierCouncil, "council-1", "govern", nil)
	require.NoError(t, err)
	lead, err := f.m.Spawn(council, types.TierLead, "lead-1", "coordinate", nil)
	require.NoError(t, err)
	worker, err := f.m.Spawn(lead, types.TierTask, "worker-1", "summarize reports", nil)
	require.NoError(t, err)
	require.NoError(t, f.ethos.AddLessonLearned(worker, "check the appendix", worker))
	worker, err = f.st.GetAgent(worker.TierID)
	require.NoError(t, err)

	task := &types.Task{Title: "t", Description: "d", CreatedBy: lead.TierID,
		Status: types.TaskInProgress, AssignedAgents: []string{worker.TierID}}
	require.NoError(t, f.st.CreateTask(task))

	r := NewReincarnator(f.m, &fixedGenerator{reply: "finish section 3; avoid double counting"},
		config.Default().Reincarnation)

	successor, err := r.Reincarnate(context.Background(), worker, "long working context")
	require.NoError(t, err)
	assert.NotEqual(t, worker.TierID, successor.TierID)
	assert.Equal(t, 2, successor.IncarnationNumber)

	old, err := f.st.GetAgent(worker.TierID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentTerminated, old.Status)
	assert.Equal(t, "context limit reached", old.TerminationReason)

	got, err := f.st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{successor.TierID}, got.AssignedAgents)

	e, err := f.ethos.Read(successor)
	require.NoError(t, err)
	assert.Contains(t, e.MissionStatement, "[INCARNATION 1 COMPLETE]")
	assert.Contains(t, e.LessonsLearned, "check the appendix")

	wisdom, err := r.PredecessorContext(successor)
	require.NoError(t, err)
	assert.Contains(t, wisdom, "[LIFE_1_WISDOM]")
	assert.Contains(t, wisdom, "avoid double counting")
}

func TestReincarnateDegradesWhenSummaryFails(t *testing.T) {
	f := newFixture(t)
	council, err := f.m.Spawn(f.head, types.TierCouncil, "council-1", "govern", nil)
	require.NoError(t, err)
	lead, err := f.m.Spawn(council, types.TierLead, "lead-1", "coordinate", nil)
	require.NoError(t, err)
	worker, err := f.m.Spawn(lead, types.TierTask, "worker-1", "execute", nil)
	require.NoError(t, err)

	r := NewReincarnator(f.m, &fixedGenerator{err: fmt.Errorf("provider down")},
		config.Default().Reincarnation)

	successor, err := r.Reincarnate(context.Background(), worker, "raw notes about progress")
	require.NoError(t, err)

	e, err := f.ethos.Read(successor)
	require.NoError(t, err)
	found := false
	for _, rule := range e.BehavioralRules {
		if strings.HasPrefix(rule, "[LIFE_1_WISDOM]") && strings.Contains(rule, "raw notes about progress") {
			found = true
		}
	}
	assert.True(t, found, "truncated raw context must survive as wisdom")
}

func TestCapacityReporting(t *testing.T) {
	f := newFixture(t)
	caps, err := f.m.Capacity()
	require.NoError(t, err)
	assert.NotEmpty(t, caps)
}
