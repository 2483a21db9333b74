package provider

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentium/internal/config"
	"agentium/internal/store"
	"agentium/internal/types"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Broadcast(severity, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, severity+": "+subject)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *recordingNotifier) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	enc, err := NewEncryptor(testHexKey)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	m := NewManager(st, enc, config.Default().Providers, notifier)
	return m, st, notifier
}

func addKey(t *testing.T, m *Manager, kind types.ProviderKind, priority int, budget float64) *types.ProviderKey {
	t.Helper()
	k, err := m.AddKey(kind, "sk-material-"+string(kind), "", "default-model", priority, budget)
	require.NoError(t, err)
	return k
}

func TestSelectKeyPrefersLowestPriority(t *testing.T) {
	m, _, _ := newTestManager(t)
	addKey(t, m, types.ProviderOpenAI, 2, 0)
	primary := addKey(t, m, types.ProviderOpenAI, 1, 0)

	k, err := m.SelectKey(types.ProviderOpenAI, 0.01, nil)
	require.NoError(t, err)
	assert.Equal(t, primary.ID, k.ID)
}

func TestSelectKeySkipsCooldownAndRecovers(t *testing.T) {
	m, st, _ := newTestManager(t)
	primary := addKey(t, m, types.ProviderOpenAI, 1, 0)
	secondary := addKey(t, m, types.ProviderOpenAI, 2, 0)

	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	until := base.Add(5 * time.Minute)
	primary.CooldownUntil = &until
	primary.Status = types.KeyCooldown
	primary.FailureCount = 3
	require.NoError(t, st.UpdateProviderKey(primary))

	k, err := m.SelectKey(types.ProviderOpenAI, 0.01, nil)
	require.NoError(t, err)
	assert.Equal(t, secondary.ID, k.ID)

	// After the cooldown elapses the primary recovers with a decayed
	// failure count and wins again.
	m.now = func() time.Time { return base.Add(6 * time.Minute) }
	k, err = m.SelectKey(types.ProviderOpenAI, 0.01, nil)
	require.NoError(t, err)
	assert.Equal(t, primary.ID, k.ID)

	got, err := st.GetProviderKey(primary.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KeyActive, got.Status)
	assert.Nil(t, got.CooldownUntil)
	assert.Equal(t, 2, got.FailureCount)
}

func TestSelectKeyMarksOverBudgetExhausted(t *testing.T) {
	m, st, _ := newTestManager(t)
	capped := addKey(t, m, types.ProviderOpenAI, 1, 10.0)
	capped.CurrentSpend = 9.99
	require.NoError(t, st.UpdateProviderKey(capped))
	fallback := addKey(t, m, types.ProviderOpenAI, 2, 0)

	k, err := m.SelectKey(types.ProviderOpenAI, 0.05, nil)
	require.NoError(t, err)
	assert.Equal(t, fallback.ID, k.ID)

	got, err := st.GetProviderKey(capped.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KeyExhausted, got.Status)
}

func TestSelectKeyFallsBackAcrossProviders(t *testing.T) {
	m, _, _ := newTestManager(t)
	local := addKey(t, m, types.ProviderLocal, 1, 0)

	k, err := m.SelectKey(types.ProviderOpenAI, 0.01, []types.ProviderKind{types.ProviderAnthropic, types.ProviderLocal})
	require.NoError(t, err)
	assert.Equal(t, local.ID, k.ID)
}

func TestSelectKeyExhaustionNotifiesWithDebounce(t *testing.T) {
	m, _, notifier := newTestManager(t)
	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	_, err := m.SelectKey(types.ProviderOpenAI, 0.01, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrProvidersExhausted))
	assert.Equal(t, 1, notifier.count())

	// Inside the debounce window nothing fires again.
	m.now = func() time.Time { return base.Add(60 * time.Second) }
	_, err = m.SelectKey(types.ProviderOpenAI, 0.01, nil)
	require.Error(t, err)
	assert.Equal(t, 1, notifier.count())

	// After the window the alert repeats.
	m.now = func() time.Time { return base.Add(301 * time.Second) }
	_, err = m.SelectKey(types.ProviderOpenAI, 0.01, nil)
	require.Error(t, err)
	assert.Equal(t, 2, notifier.count())
}

func TestSelectKeyExhaustionPublishesEvent(t *testing.T) {
	m, _, _ := newTestManager(t)
	events := m.Subscribe()

	_, err := m.SelectKey(types.ProviderAnthropic, 0.01, nil)
	require.Error(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "api_key_alert", ev.Kind)
		assert.Equal(t, "critical", ev.Severity)
		assert.Equal(t, "anthropic", ev.Payload["provider"])
	default:
		t.Fatal("expected an outage event")
	}
}

func TestRecordFailureEntersCooldownAtThreshold(t *testing.T) {
	m, st, _ := newTestManager(t)
	k := addKey(t, m, types.ProviderOpenAI, 1, 0)
	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	require.NoError(t, m.RecordFailure(k, false))
	require.NoError(t, m.RecordFailure(k, false))
	got, err := st.GetProviderKey(k.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KeyActive, got.Status)

	require.NoError(t, m.RecordFailure(k, false))
	got, err = st.GetProviderKey(k.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KeyCooldown, got.Status)
	require.NotNil(t, got.CooldownUntil)
	assert.WithinDuration(t, base.Add(5*time.Minute), *got.CooldownUntil, time.Second)
}

func TestRecordFailureRateLimitUsesLongerCooldown(t *testing.T) {
	m, st, _ := newTestManager(t)
	k := addKey(t, m, types.ProviderOpenAI, 1, 0)
	base := time.Now().UTC()
	m.now = func() time.Time { return base }

	k.FailureCount = 2
	require.NoError(t, st.UpdateProviderKey(k))
	require.NoError(t, m.RecordFailure(k, true))

	got, err := st.GetProviderKey(k.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CooldownUntil)
	assert.WithinDuration(t, base.Add(15*time.Minute), *got.CooldownUntil, time.Second)
}

func TestRecordSuccessResetsFailureStateAndAddsSpend(t *testing.T) {
	m, st, _ := newTestManager(t)
	k := addKey(t, m, types.ProviderOpenAI, 1, 100)
	now := time.Now().UTC()
	k.FailureCount = 2
	k.LastFailureAt = &now
	k.CurrentSpend = 1.50
	require.NoError(t, st.UpdateProviderKey(k))

	require.NoError(t, m.RecordSuccess(k, 0.25))

	got, err := st.GetProviderKey(k.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailureCount)
	assert.Nil(t, got.LastFailureAt)
	assert.Equal(t, types.KeyActive, got.Status)
	assert.InDelta(t, 1.75, got.CurrentSpend, 1e-9)
}

func TestRecordSuccessResetsSpendOnMonthRoll(t *testing.T) {
	m, st, _ := newTestManager(t)
	k := addKey(t, m, types.ProviderOpenAI, 1, 100)
	k.CurrentSpend = 42.0
	k.SpendResetAt = time.Date(2026, time.July, 3, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpdateProviderKey(k))

	m.now = func() time.Time { return time.Date(2026, time.August, 1, 9, 0, 0, 0, time.UTC) }
	require.NoError(t, m.RecordSuccess(k, 0.10))

	got, err := st.GetProviderKey(k.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.10, got.CurrentSpend, 1e-9)
	assert.Equal(t, time.August, got.SpendResetAt.Month())
}

func TestRotateKeySwapsPrioritiesAndCoolsOldKey(t *testing.T) {
	m, st, _ := newTestManager(t)
	old := addKey(t, m, types.ProviderAnthropic, 1, 50)

	var checked string
	err := m.RotateKey(old.ID, "sk-new-material", func(k *types.ProviderKey, material string) error {
		checked = material
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "sk-new-material", checked)

	keys, err := st.ListProviderKeys(types.ProviderAnthropic)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	// Priority order: the replacement now sits at the old slot.
	assert.NotEqual(t, old.ID, keys[0].ID)
	assert.Equal(t, 1, keys[0].Priority)
	assert.Equal(t, types.KeyActive, keys[0].Status)

	material, err := m.Material(keys[0])
	require.NoError(t, err)
	assert.Equal(t, "sk-new-material", material)

	assert.Equal(t, old.ID, keys[1].ID)
	assert.Equal(t, types.KeyCooldown, keys[1].Status)
	require.NotNil(t, keys[1].CooldownUntil)
	assert.True(t, keys[1].CooldownUntil.After(time.Now().Add(50*time.Minute)))
}

func TestRotateKeyRollsBackOnFailedHealthCheck(t *testing.T) {
	m, st, _ := newTestManager(t)
	old := addKey(t, m, types.ProviderAnthropic, 1, 50)

	err := m.RotateKey(old.ID, "sk-bad", func(k *types.ProviderKey, material string) error {
		return errors.New("401 unauthorized")
	})
	require.Error(t, err)

	keys, err := st.ListProviderKeys(types.ProviderAnthropic)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, old.ID, keys[0].ID)
	assert.Equal(t, 1, keys[0].Priority)
	assert.Equal(t, types.KeyActive, keys[0].Status)
}

func TestRecoverCooldownsSweep(t *testing.T) {
	m, st, _ := newTestManager(t)
	k := addKey(t, m, types.ProviderOpenAI, 1, 0)
	past := time.Now().UTC().Add(-time.Minute)
	k.CooldownUntil = &past
	k.Status = types.KeyCooldown
	k.FailureCount = 3
	require.NoError(t, st.UpdateProviderKey(k))

	m.RecoverCooldowns()

	got, err := st.GetProviderKey(k.ID)
	require.NoError(t, err)
	assert.Equal(t, types.KeyActive, got.Status)
	assert.Nil(t, got.CooldownUntil)
	assert.Equal(t, 2, got.FailureCount)
}

func TestResetMonthlySpendRevivesExhaustedKeys(t *testing.T) {
	m, st, _ := newTestManager(t)
	k := addKey(t, m, types.ProviderOpenAI, 1, 10)
	k.CurrentSpend = 10
	k.Status = types.KeyExhausted
	k.SpendResetAt = time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpdateProviderKey(k))

	m.now = func() time.Time { return time.Date(2026, time.August, 1, 0, 0, 1, 0, time.UTC) }
	m.ResetMonthlySpend()

	got, err := st.GetProviderKey(k.ID)
	require.NoError(t, err)
	assert.Zero(t, got.CurrentSpend)
	assert.Equal(t, types.KeyActive, got.Status)
}
