package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"agentium/internal/adapter"
	"agentium/internal/amendment"
	"agentium/internal/config"
	"agentium/internal/constitution"
	"agentium/internal/identity"
	"agentium/internal/lifecycle"
	"agentium/internal/notify"
	"agentium/internal/pipeline"
	"agentium/internal/provider"
	"agentium/internal/store"
	"agentium/internal/types"
)

const testHexKey = "8f2a1c4e6b9d0f3a5c7e9b1d3f5a7c9e2b4d6f8a0c2e4b6d8f0a2c4e6b8d0e7f"

type cannedGen struct {
	reply string
	fail  bool
}

func (g *cannedGen) Generate(ctx context.Context, kind types.ProviderKind, system, user string, opts adapter.Options) (*adapter.Result, error) {
	if g.fail {
		return nil, types.ErrProvidersExhausted
	}
	return &adapter.Result{Content: g.reply, Model: "m", TokensUsed: 3, FinishReason: "stop"}, nil
}

type passReviewer struct{ st *store.Store }

func (r *passReviewer) Review(ctx context.Context, criticAgent *types.Agent, task *types.Task, output string) (*types.CritiqueReview, error) {
	review := &types.CritiqueReview{
		TaskID: task.ID, CriticTier: criticAgent.Tier, CriticTierID: criticAgent.TierID,
		Verdict: types.VerdictPass,
	}
	return review, r.st.InsertReview(review)
}

type apiFixture struct {
	srv     *Server
	st      *store.Store
	gen     *cannedGen
	token   string
	head    *types.Agent
	council *types.Agent
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Auth.TokenSecret = "test-secret"
	cfg.Auth.Principals = []config.Principal{
		{Username: "sovereign", PasswordHash: string(hash), Role: "sovereign"},
	}
	cfg.Providers.EncryptionKey = testHexKey

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
	council, err := lm.Spawn(head, types.TierCouncil, "council-1", "govern", nil)
	require.NoError(t, err)
	_, err = lm.Spawn(council, types.TierLead, "lead-1", "coordinate", nil)
	require.NoError(t, err)

	enc, err := provider.NewEncryptor(testHexKey)
	require.NoError(t, err)
	keys := provider.NewManager(st, enc, cfg.Providers, nil)

	gen := &cannedGen{reply: "pong"}
	pl := pipeline.New(st, lm, ethos, consts, &passReviewer{st: st}, gen, cfg.Pipeline, nil)
	am := amendment.NewMachine(st, reg, consts, cfg.Amendment, nil)

	srv, err := New(cfg, st, pl, am, lm, keys, gen, NewHub())
	require.NoError(t, err)

	f := &apiFixture{srv: srv, st: st, gen: gen, head: head, council: council}
	f.token = srv.tokens.Issue("sovereign", "sovereign")
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestLoginIssuesToken(t *testing.T) {
	f := newAPIFixture(t)
	f.token = ""

	rec := f.do(t, http.MethodPost, "/auth/login",
		map[string]string{"username": "sovereign", "password": "hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Token string `json:"token"`
		Role  string `json:"role"`
	}
	decodeBody(t, rec, &resp)
	assert.Equal(t, "sovereign", resp.Role)

	tok, err := f.srv.tokens.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "sovereign", tok.Subject)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newAPIFixture(t)
	f.token = ""
	rec := f.do(t, http.MethodPost, "/auth/login",
		map[string]string{"username": "sovereign", "password": "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthMiddlewareRejectsMissingAndForgedTokens(t *testing.T) {
	f := newAPIFixture(t)

	f.token = ""
	rec := f.do(t, http.MethodGet, "/agents/lifecycle/capacity", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f.token = "claims.deadbeef"
	rec = f.do(t, http.MethodGet, "/agents/lifecycle/capacity", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTokenExpiry(t *testing.T) {
	f := newAPIFixture(t)
	f.srv.tokens.now = func() time.Time { return time.Now().Add(-13 * time.Hour) }
	expired := f.srv.tokens.Issue("sovereign", "sovereign")
	f.srv.tokens.now = time.Now

	_, err := f.srv.tokens.Verify(expired)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
}

func TestCreateAndGetTask(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/tasks/", map[string]interface{}{
		"title":       "summarise file X",
		"description": "summarise it",
		"criteria": []map[string]interface{}{
			{"metric": "result_not_empty", "validator": "OUTPUT", "is_mandatory": true},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var task types.Task
	decodeBody(t, rec, &task)
	assert.Equal(t, types.TaskAssigned, task.Status)
	assert.Equal(t, "sovereign", task.CreatedBy)
	require.NotEmpty(t, task.AssignedAgents)

	rec = f.do(t, http.MethodGet, "/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTaskRejectsUnknownValidator(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/tasks/", map[string]interface{}{
		"title": "t",
		"criteria": []map[string]interface{}{
			{"metric": "result_not_empty", "validator": "VIBES"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownTaskIs404(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/tasks/", map[string]interface{}{"title": "t", "description": "d"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var task types.Task
	decodeBody(t, rec, &task)

	rec = f.do(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", map[string]string{"reason": "mind changed"})
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := f.st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, got.Status)
}

func TestCapacityEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/agents/lifecycle/capacity", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var caps []identity.TierCapacity
	decodeBody(t, rec, &caps)
	assert.NotEmpty(t, caps)
}

func TestSpawnEndpointEnforcesPermissions(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/agents/lifecycle/spawn", map[string]interface{}{
		"parent_tier_id": f.council.TierID, "tier": string(types.TierLead),
		"name": "lead-2", "mission": "coordinate",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	// A COUNCIL member cannot spawn critics.
	rec = f.do(t, http.MethodPost, "/agents/lifecycle/spawn", map[string]interface{}{
		"parent_tier_id": f.council.TierID, "tier": string(types.TierCriticCode),
		"name": "critic", "mission": "judge",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAmendmentFlowOverAPI(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/amendments/", map[string]string{
		"actor_tier_id": f.council.TierID, "diff_document": "add article: be kind",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var a types.Amendment
	decodeBody(t, rec, &a)
	assert.Equal(t, types.AmendmentProposed, a.Status)

	rec = f.do(t, http.MethodPost, "/amendments/"+a.ID+"/vote", map[string]string{
		"actor_tier_id": f.council.TierID, "choice": "MAYBE",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/amendments/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []types.Amendment
	decodeBody(t, rec, &list)
	assert.Len(t, list, 1)

	rec = f.do(t, http.MethodPost, "/amendments/"+a.ID+"/withdraw", map[string]string{
		"actor_tier_id": f.council.TierID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &a)
	assert.Equal(t, types.AmendmentWithdrawn, a.Status)
}

func TestKeyCRUDMasksMaterial(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/models/configs/", map[string]interface{}{
		"kind": "openai", "material": "sk-verysecretmaterial1234", "priority": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created keyView
	decodeBody(t, rec, &created)
	assert.NotContains(t, created.MaskedMaterial, "verysecret")
	assert.True(t, strings.HasSuffix(created.MaskedMaterial, "1234"))

	rec = f.do(t, http.MethodGet, "/models/configs/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-verysecretmaterial1234")

	rec = f.do(t, http.MethodPost, "/models/configs/"+created.ID+"/test", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var test struct {
		OK bool `json:"ok"`
	}
	decodeBody(t, rec, &test)
	assert.True(t, test.OK)

	rec = f.do(t, http.MethodDelete, "/models/configs/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExperimentLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/ab-testing/experiments/", map[string]interface{}{
		"name": "one-armed", "prompt": "p",
		"arms": []map[string]string{{"provider": "openai"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "one arm is not an experiment")

	rec = f.do(t, http.MethodPost, "/ab-testing/experiments/", map[string]interface{}{
		"name": "openai vs local", "prompt": "say pong",
		"criteria": []map[string]interface{}{
			{"metric": "contains_pong", "validator": "OUTPUT"},
		},
		"arms": []map[string]string{{"provider": "openai"}, {"provider": "local"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var exp types.Experiment
	decodeBody(t, rec, &exp)

	rec = f.do(t, http.MethodPost, "/ab-testing/experiments/"+exp.ID+"/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &exp)
	assert.Equal(t, types.ExperimentCompleted, exp.Status)
	assert.NotEmpty(t, exp.Winner)
	for _, arm := range exp.Arms {
		assert.Equal(t, 1, arm.CriteriaPassed)
	}

	// A completed experiment cannot be re-run.
	rec = f.do(t, http.MethodPost, "/ab-testing/experiments/"+exp.ID+"/run", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExperimentArmFailureScoresZero(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/ab-testing/experiments/", map[string]interface{}{
		"name": "doomed", "prompt": "p",
		"arms": []map[string]string{{"provider": "openai"}, {"provider": "local"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var exp types.Experiment
	decodeBody(t, rec, &exp)

	f.gen.fail = true
	rec = f.do(t, http.MethodPost, "/ab-testing/experiments/"+exp.ID+"/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &exp)
	assert.Equal(t, types.ExperimentCompleted, exp.Status)
	assert.Empty(t, exp.Winner)
	for _, arm := range exp.Arms {
		assert.NotEmpty(t, arm.Error)
	}
}

func TestHubPushesProviderAndNotifyEvents(t *testing.T) {
	hub := NewHub()
	wsServer := httptest.NewServer(http.HandlerFunc(hub.handleWS))
	defer wsServer.Close()

	url := "ws" + strings.TrimPrefix(wsServer.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	providerEvents := make(chan provider.Event, 1)
	notifyEvents := make(chan notify.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, providerEvents, notifyEvents)

	providerEvents <- provider.Event{Kind: "api_key_alert", Severity: "critical", Message: "all keys down"}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev wsEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "api_key_alert", ev.Kind)

	notifyEvents <- notify.Event{Kind: "constitution_amended", Body: "v2 active", At: time.Now()}
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "constitution_amended", ev.Kind)
}
