package critic

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentium/internal/adapter"
	"agentium/internal/config"
	"agentium/internal/store"
	"agentium/internal/types"
)

// scriptedGenerator replays canned replies in order.
type scriptedGenerator struct {
	replies []string
	calls   int
}

func (g *scriptedGenerator) Generate(ctx context.Context, kind types.ProviderKind, system, user string, opts adapter.Options) (*adapter.Result, error) {
	reply := `{"verdict":"pass","reason":null,"suggestions":null}`
	if g.calls < len(g.replies) {
		reply = g.replies[g.calls]
	}
	g.calls++
	return &adapter.Result{Content: reply, Model: "critic-model", TokensUsed: 10, FinishReason: "stop"}, nil
}

func newEngine(t *testing.T, replies ...string) (*Engine, *store.Store, *scriptedGenerator) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	gen := &scriptedGenerator{replies: replies}
	cfg := config.Default().Critic
	return NewEngine(st, gen, cfg), st, gen
}

func seedCritic(t *testing.T, st *store.Store, tierID string, tier types.Tier) *types.Agent {
	t.Helper()
	a := &types.Agent{
		TierID: tierID, Tier: tier, Name: "critic-" + tierID, Status: types.AgentActive,
		Granted: types.NewCapabilitySet(), Revoked: types.NewCapabilitySet(),
		IncarnationNumber: 1,
	}
	require.NoError(t, st.CreateAgent(a))
	return a
}

func seedTask(t *testing.T, st *store.Store, criteria ...types.AcceptanceCriterion) *types.Task {
	t.Helper()
	task := &types.Task{
		Title:              "summarize report",
		Description:        "Summarize the quarterly revenue report highlighting anomalies",
		CreatedBy:          "principal",
		AcceptanceCriteria: criteria,
	}
	require.NoError(t, st.CreateTask(task))
	return task
}

func TestReviewRejectsNonCritic(t *testing.T) {
	e, st, _ := newEngine(t)
	worker := seedCritic(t, st, "30001", types.TierTask)
	task := seedTask(t, st)

	_, err := e.Review(context.Background(), worker, task, "output")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
}

func TestPreflightRejectsWithoutModelCall(t *testing.T) {
	e, st, gen := newEngine(t)
	critic := seedCritic(t, st, "80001", types.TierCriticOutput)
	task := seedTask(t, st)

	cases := []struct {
		name   string
		output string
		want   string
	}{
		{"empty", "   ", "empty"},
		{"deny list", "run this: rm -rf / now", "prohibited"},
		{"traceback", "Traceback (most recent call last):\n  File ...", "traceback"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := e.Review(context.Background(), critic, task, tc.output)
			require.NoError(t, err)
			assert.Equal(t, types.VerdictReject, r.Verdict)
			assert.Contains(t, strings.ToLower(r.RejectionReason), tc.want)
		})
	}
	assert.Zero(t, gen.calls, "preflight rejections never reach the model")
}

func TestMandatoryCriterionShortCircuits(t *testing.T) {
	e, st, gen := newEngine(t)
	critic := seedCritic(t, st, "80001", types.TierCriticOutput)
	task := seedTask(t, st, types.AcceptanceCriterion{
		Metric: "length_min", Threshold: 500, Validator: "OUTPUT", IsMandatory: true,
	})

	r, err := e.Review(context.Background(), critic, task, "too short but mentions revenue report anomalies")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictReject, r.Verdict)
	require.Len(t, r.CriteriaResults, 1)
	assert.False(t, r.CriteriaResults[0].Passed)
	assert.Zero(t, gen.calls)
}

func TestNonMandatoryFailureStillReachesModel(t *testing.T) {
	e, st, gen := newEngine(t, `{"verdict":"pass"}`)
	critic := seedCritic(t, st, "80001", types.TierCriticOutput)
	task := seedTask(t, st, types.AcceptanceCriterion{
		Metric: "contains_chart", Threshold: "chart", Validator: "OUTPUT", IsMandatory: false,
	})

	r, err := e.Review(context.Background(), critic, task,
		"The quarterly revenue report shows two anomalies in Q3 spending.")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPass, r.Verdict)
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, "critic-model", r.ModelUsed)
}

func TestNonJSONVerdictDefaultsToPass(t *testing.T) {
	e, st, _ := newEngine(t, "Looks good to me!")
	critic := seedCritic(t, st, "80001", types.TierCriticOutput)
	task := seedTask(t, st)

	r, err := e.Review(context.Background(), critic, task,
		"Summary of the quarterly revenue report: anomalies found in Q3.")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPass, r.Verdict)
}

func TestDedupReturnsCachedVerdict(t *testing.T) {
	e, st, gen := newEngine(t, `{"verdict":"pass"}`)
	critic := seedCritic(t, st, "80001", types.TierCriticOutput)
	task := seedTask(t, st)
	output := "Summary of the quarterly revenue report: anomalies found in Q3."

	first, err := e.Review(context.Background(), critic, task, output)
	require.NoError(t, err)
	second, err := e.Review(context.Background(), critic, task, output)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, gen.calls, "second review must be a cache hit")
}

func TestConsensusDisagreementPassesConditionally(t *testing.T) {
	// Primary rejects, secondary passes: conditional PASS with the flag.
	e, st, gen := newEngine(t,
		`{"verdict":"reject","reason":"weak analysis","suggestions":"add figures"}`,
		`{"verdict":"pass"}`)
	critic := seedCritic(t, st, "80001", types.TierCriticOutput)
	task := seedTask(t, st)

	r, err := e.Review(context.Background(), critic, task,
		"Summary of the quarterly revenue report: anomalies found in Q3.")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictPass, r.Verdict)
	assert.True(t, r.ConsensusFailed)
	assert.Equal(t, 2, gen.calls)
}

func TestConsensusAgreementKeepsReject(t *testing.T) {
	e, st, _ := newEngine(t,
		`{"verdict":"reject","reason":"weak analysis","suggestions":"add figures"}`,
		`{"verdict":"reject","reason":"agreed"}`)
	critic := seedCritic(t, st, "80001", types.TierCriticOutput)
	task := seedTask(t, st)

	r, err := e.Review(context.Background(), critic, task,
		"Summary of the quarterly revenue report: anomalies found in Q3.")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictReject, r.Verdict)
	assert.False(t, r.ConsensusFailed)
	assert.Equal(t, "weak analysis", r.RejectionReason)

	// Hard rejections land in case law.
	hits, err := e.PrecedentsFor(task, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestRetryExhaustionEscalates(t *testing.T) {
	e, st, _ := newEngine(t, `{"verdict":"reject","reason":"still wrong"}`)
	critic := seedCritic(t, st, "80001", types.TierCriticOutput)
	task := seedTask(t, st)
	task.RetryCount = types.MaxTaskRetries
	task.Status = types.TaskAssigned
	require.NoError(t, st.UpdateTask(task))

	r, err := e.Review(context.Background(), critic, task,
		"Summary of the quarterly revenue report: anomalies found in Q3.")
	require.NoError(t, err)
	assert.Equal(t, types.VerdictEscalate, r.Verdict)
}

func TestCheckCriterionDispatch(t *testing.T) {
	cases := []struct {
		name   string
		c      types.AcceptanceCriterion
		output string
		want   bool
	}{
		{"sql ok", types.AcceptanceCriterion{Metric: "sql_syntax_valid"}, "SELECT a, b FROM t WHERE x = 'y'", true},
		{"sql unbalanced", types.AcceptanceCriterion{Metric: "sql_syntax_valid"}, "SELECT count( FROM t", false},
		{"sql not sql", types.AcceptanceCriterion{Metric: "sql_syntax_valid"}, "hello world", false},
		{"not empty", types.AcceptanceCriterion{Metric: "result_not_empty"}, "x", true},
		{"empty", types.AcceptanceCriterion{Metric: "result_not_empty"}, "  ", false},
		{"length min", types.AcceptanceCriterion{Metric: "length_min", Threshold: float64(5)}, "abcdef", true},
		{"length max", types.AcceptanceCriterion{Metric: "length_max", Threshold: float64(3)}, "abcdef", false},
		{"contains hit", types.AcceptanceCriterion{Metric: "contains_total", Threshold: "Total"}, "the total is 7", true},
		{"contains miss", types.AcceptanceCriterion{Metric: "contains_total"}, "nothing here", false},
		{"generic true", types.AcceptanceCriterion{Metric: "has_result", Threshold: true}, "value", true},
		{"generic false", types.AcceptanceCriterion{Metric: "must_be_empty", Threshold: false}, "value", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := checkCriterion(tc.c, tc.output)
			assert.Equal(t, tc.want, res.Passed, res.Detail)
		})
	}
}

func TestDuplicatePlanStepDetection(t *testing.T) {
	plan := "1. gather requirements\n2. write the parser\n3. gather requirements"
	assert.NotEmpty(t, duplicatePlanStep(plan))
	assert.Empty(t, duplicatePlanStep("1. gather requirements\n2. write the parser"))
}
