package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentium/internal/config"
	"agentium/internal/provider"
	"agentium/internal/store"
	"agentium/internal/types"
)

const testHexKey = "8f2a1b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8"

func newFixture(t *testing.T) (*Adapter, *provider.Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	enc, err := provider.NewEncryptor(testHexKey)
	require.NoError(t, err)

	cfg := config.Default().Providers
	cfg.TimeoutSeconds = 5
	keys := provider.NewManager(st, enc, cfg, nil)
	return New(keys, cfg), keys, st
}

func seedKey(t *testing.T, keys *provider.Manager, kind types.ProviderKind, baseURL string) *types.ProviderKey {
	t.Helper()
	k, err := keys.AddKey(kind, "sk-test-material", baseURL, "test-model", 1, 0)
	require.NoError(t, err)
	return k
}

func TestGenerateOpenAICompatible(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{"model":"test-model","choices":[{"message":{"content":"  hello  "},"finish_reason":"stop"}],"usage":{"total_tokens":42}}`)
	}))
	defer srv.Close()

	a, keys, st := newFixture(t)
	seeded := seedKey(t, keys, types.ProviderOpenAI, srv.URL)

	res, err := a.Generate(context.Background(), types.ProviderOpenAI, "be terse", "say hello", Options{CostPer1K: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, 42, res.TokensUsed)
	assert.Equal(t, "test-model", res.Model)
	assert.Equal(t, "stop", res.FinishReason)
	assert.GreaterOrEqual(t, res.LatencyMS, int64(0))

	assert.Equal(t, "Bearer sk-test-material", gotAuth)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "be terse", gotReq.Messages[0].Content)

	// 42 tokens at $0.5/1k recorded against the key.
	got, err := st.GetProviderKey(seeded.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.021, got.CurrentSpend, 1e-9)
}

func TestGenerateAnthropicNative(t *testing.T) {
	var gotKey, gotVersion string
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{"model":"test-model","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer srv.Close()

	a, keys, _ := newFixture(t)
	seedKey(t, keys, types.ProviderAnthropic, srv.URL)

	res, err := a.Generate(context.Background(), types.ProviderAnthropic, "sys", "user", Options{})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Content)
	assert.Equal(t, 15, res.TokensUsed)
	assert.Equal(t, "end_turn", res.FinishReason)

	assert.Equal(t, "sk-test-material", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)
	// System prompt travels as a top-level field, not a message.
	assert.Equal(t, "sys", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
}

func TestGenerateLocalConcatenatesPrompts(t *testing.T) {
	var gotReq localRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		fmt.Fprint(w, `{"choices":[{"text":"local reply","finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	a, keys, _ := newFixture(t)
	seedKey(t, keys, types.ProviderLocal, srv.URL)

	res, err := a.Generate(context.Background(), types.ProviderLocal, "rules here", "do the thing", Options{})
	require.NoError(t, err)
	assert.Equal(t, "local reply", res.Content)
	assert.Equal(t, "rules here\n\ndo the thing", gotReq.Prompt)
}

func TestGenerateServerErrorRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	a, keys, st := newFixture(t)
	seeded := seedKey(t, keys, types.ProviderOpenAI, srv.URL)

	_, err := a.Generate(context.Background(), types.ProviderOpenAI, "s", "u", Options{})
	require.Error(t, err)

	got, err := st.GetProviderKey(seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)
	assert.NotNil(t, got.LastFailureAt)
}

func TestGenerateCancelledReleasesKeyWithoutAccounting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	a, keys, st := newFixture(t)
	seeded := seedKey(t, keys, types.ProviderOpenAI, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := a.Generate(ctx, types.ProviderOpenAI, "s", "u", Options{CostPer1K: 1})
	require.Error(t, err)

	// Neither spend nor a failure lands on the key.
	got, err := st.GetProviderKey(seeded.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailureCount)
	assert.Zero(t, got.CurrentSpend)
}

func TestIsRateLimited(t *testing.T) {
	assert.True(t, isRateLimited(&statusError{code: http.StatusTooManyRequests}))
	assert.False(t, isRateLimited(&statusError{code: http.StatusInternalServerError}))
	assert.False(t, isRateLimited(fmt.Errorf("plain error")))
	assert.True(t, isRateLimited(fmt.Errorf("wrapped: %w", &statusError{code: 429})))
}

func TestStreamGenerateDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a, keys, _ := newFixture(t)
	seedKey(t, keys, types.ProviderOpenAI, srv.URL)

	out, errs := a.StreamGenerate(context.Background(), types.ProviderOpenAI, "s", "u", Options{})
	var got string
	for d := range out {
		got += d
	}
	for e := range errs {
		require.NoError(t, e)
	}
	assert.Equal(t, "hello", got)
}

func TestStreamGenerateNoKeysFailsFast(t *testing.T) {
	a, _, _ := newFixture(t)
	out, errs := a.StreamGenerate(context.Background(), types.ProviderZAI, "s", "u", Options{})
	for range out {
		t.Fatal("no deltas expected")
	}
	err := <-errs
	require.Error(t, err)
}
