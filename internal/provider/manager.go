package provider

import (
	"fmt"
	"sync"
	"time"

	"agentium/internal/config"
	"agentium/internal/logging"
	"agentium/internal/store"
	"agentium/internal/types"
)

// Notifier delivers structured alerts on external channels. The notify
// package implements it; tests use a recorder.
type Notifier interface {
	Broadcast(severity, subject, body string) error
}

// Event is a live in-process notification published to subscribers
// (the WebSocket hub, primarily).
type Event struct {
	Kind     string                 `json:"kind"`
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// Manager selects healthy provider keys, tracks failures and budgets,
// and raises the outage protocol when every provider is down.
// Operations on a single key are serialised by the manager lock; key
// selection reads an atomic snapshot from the store.
type Manager struct {
	store *store.Store
	enc   *Encryptor
	cfg   config.ProvidersConfig

	notifier Notifier

	mu           sync.Mutex
	lastNotified map[types.ProviderKind]time.Time

	subMu       sync.RWMutex
	subscribers []chan Event

	// now is replaceable in tests.
	now func() time.Time
}

// NewManager builds a key manager. notifier may be nil (alerts are
// then only published in-process).
func NewManager(st *store.Store, enc *Encryptor, cfg config.ProvidersConfig, notifier Notifier) *Manager {
	return &Manager{
		store:        st,
		enc:          enc,
		cfg:          cfg,
		notifier:     notifier,
		lastNotified: make(map[types.ProviderKind]time.Time),
		now:          time.Now,
	}
}

// Subscribe returns a channel receiving live events. Slow subscribers
// drop events rather than blocking the manager.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.subMu.Unlock()
	return ch
}

func (m *Manager) publish(ev Event) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// AddKey encrypts and stores a new provider key.
func (m *Manager) AddKey(kind types.ProviderKind, material, baseURL, model string, priority int, monthlyBudget float64) (*types.ProviderKey, error) {
	sealed, err := m.enc.Seal(material)
	if err != nil {
		return nil, fmt.Errorf("failed to seal key material: %w", err)
	}
	k := &types.ProviderKey{
		Kind:              kind,
		EncryptedMaterial: sealed,
		BaseURL:           baseURL,
		DefaultModel:      model,
		Priority:          priority,
		Status:            types.KeyActive,
		MonthlyBudget:     monthlyBudget,
	}
	if err := m.store.CreateProviderKey(k); err != nil {
		return nil, err
	}
	logging.Provider("Added %s key priority %d (budget %.2f)", kind, priority, monthlyBudget)
	return k, nil
}

// Material decrypts a key's credential for use by the model adapter.
func (m *Manager) Material(k *types.ProviderKey) (string, error) {
	return m.enc.Open(k.EncryptedMaterial)
}

// SelectKey returns the first healthy key for the provider kind,
// falling back across the caller-provided ordered list of other kinds.
// When every provider is exhausted the notification protocol fires and
// ProvidersExhausted is returned.
func (m *Manager) SelectKey(kind types.ProviderKind, estimatedCost float64, fallbacks []types.ProviderKind) (*types.ProviderKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order := append([]types.ProviderKind{kind}, fallbacks...)
	for _, p := range order {
		k, err := m.selectForKind(p, estimatedCost)
		if err != nil {
			return nil, err
		}
		if k != nil {
			logging.ProviderDebug("Selected %s key priority %d", k.Kind, k.Priority)
			return k, nil
		}
	}

	m.notifyOutageLocked(kind)
	return nil, fmt.Errorf("no healthy key for %s or fallbacks: %w", kind, types.ErrProvidersExhausted)
}

// selectForKind walks a kind's keys by priority. Caller holds m.mu.
func (m *Manager) selectForKind(kind types.ProviderKind, estimatedCost float64) (*types.ProviderKey, error) {
	keys, err := m.store.ListProviderKeys(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for %s: %w", kind, err)
	}
	now := m.now()
	for _, k := range keys {
		if k.InCooldown(now) {
			continue
		}
		if k.CooldownUntil != nil && !k.CooldownUntil.After(now) {
			// Cooldown elapsed: auto-recover.
			m.recoverKey(k)
		}
		if k.Status == types.KeyError {
			continue
		}
		if k.OverBudget(estimatedCost) {
			if k.Status != types.KeyExhausted {
				k.Status = types.KeyExhausted
				_ = m.store.UpdateProviderKey(k)
				logging.Provider("Key %s/%d over budget (%.2f/%.2f), marked EXHAUSTED",
					k.Kind, k.Priority, k.CurrentSpend, k.MonthlyBudget)
			}
			continue
		}
		return k, nil
	}
	return nil, nil
}

// recoverKey clears cooldown state and decays the failure count.
func (m *Manager) recoverKey(k *types.ProviderKey) {
	k.Status = types.KeyActive
	k.CooldownUntil = nil
	if k.FailureCount > 0 {
		k.FailureCount--
	}
	if err := m.store.UpdateProviderKey(k); err != nil {
		logging.Get(logging.CategoryProvider).Error("failed to persist key recovery: %v", err)
		return
	}
	m.store.Audit("provider", "system", "key-manager", "key_cooldown_exit",
		"provider_key", k.ID, fmt.Sprintf("%s priority %d recovered", k.Kind, k.Priority))
	logging.Provider("Key %s priority %d recovered from cooldown", k.Kind, k.Priority)
}

// RecordSuccess clears failure state and records spend, resetting the
// monthly counter when the calendar month has rolled.
func (m *Manager) RecordSuccess(k *types.ProviderKey, actualCost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if monthRolled(k.SpendResetAt, now) {
		k.CurrentSpend = 0
		k.SpendResetAt = now
	}
	k.FailureCount = 0
	k.LastFailureAt = nil
	k.CooldownUntil = nil
	k.Status = types.KeyActive
	k.CurrentSpend += actualCost
	return m.store.UpdateProviderKey(k)
}

// RecordFailure increments the failure count; at the threshold the key
// enters cooldown (15 min for rate limits, 5 min otherwise).
func (m *Manager) RecordFailure(k *types.ProviderKey, rateLimited bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k.FailureCount++
	k.LastFailureAt = &now

	maxFailures := m.cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if k.FailureCount >= maxFailures {
		minutes := m.cfg.CooldownMinutes
		if minutes <= 0 {
			minutes = 5
		}
		if rateLimited {
			minutes = m.cfg.RateLimitCooldown
			if minutes <= 0 {
				minutes = 15
			}
		}
		until := now.Add(time.Duration(minutes) * time.Minute)
		k.CooldownUntil = &until
		k.Status = types.KeyCooldown
		m.store.Audit("provider", "system", "key-manager", "key_cooldown_enter",
			"provider_key", k.ID,
			fmt.Sprintf("%s priority %d cooling down %dm after %d failures", k.Kind, k.Priority, minutes, k.FailureCount))
		logging.Provider("Key %s priority %d entering %dm cooldown (failures=%d, rate_limited=%v)",
			k.Kind, k.Priority, minutes, k.FailureCount, rateLimited)
	}
	return m.store.UpdateProviderKey(k)
}

// notifyOutageLocked fires the outage protocol with a per-provider
// debounce. Caller holds m.mu.
func (m *Manager) notifyOutageLocked(kind types.ProviderKind) {
	debounce := time.Duration(m.cfg.NotifyDebounceSecs) * time.Second
	if debounce <= 0 {
		debounce = 300 * time.Second
	}
	now := m.now()
	if last, ok := m.lastNotified[kind]; ok && now.Sub(last) < debounce {
		return
	}
	m.lastNotified[kind] = now

	subject := fmt.Sprintf("All provider keys exhausted for %s", kind)
	body := fmt.Sprintf("Every key for provider %s (and its fallbacks) is unhealthy or over budget as of %s.",
		kind, now.Format(time.RFC3339))
	if m.notifier != nil {
		if err := m.notifier.Broadcast("critical", subject, body); err != nil {
			logging.Get(logging.CategoryProvider).Error("outage broadcast failed: %v", err)
		}
	}
	m.publish(Event{
		Kind:     "api_key_alert",
		Severity: "critical",
		Message:  subject,
		Payload:  map[string]interface{}{"provider": string(kind)},
	})
	logging.Get(logging.CategoryProvider).Error("%s", subject)
}

// RotateKey installs a replacement for oldID: the new key is added one
// priority below, health-checked, and on success atomically swapped
// into the old key's slot while the old key cools down for an hour.
// On health-check failure the new key is removed.
func (m *Manager) RotateKey(oldID, newMaterial string, healthCheck func(k *types.ProviderKey, material string) error) error {
	old, err := m.store.GetProviderKey(oldID)
	if err != nil {
		return err
	}
	sealed, err := m.enc.Seal(newMaterial)
	if err != nil {
		return fmt.Errorf("failed to seal replacement material: %w", err)
	}
	replacement := &types.ProviderKey{
		Kind:              old.Kind,
		EncryptedMaterial: sealed,
		BaseURL:           old.BaseURL,
		DefaultModel:      old.DefaultModel,
		Priority:          old.Priority + 1,
		Status:            types.KeyTesting,
		MonthlyBudget:     old.MonthlyBudget,
	}
	if err := m.store.CreateProviderKey(replacement); err != nil {
		return err
	}

	if healthCheck != nil {
		if err := healthCheck(replacement, newMaterial); err != nil {
			// Roll back.
			if delErr := m.store.DeleteProviderKey(replacement.ID); delErr != nil {
				logging.Get(logging.CategoryProvider).Error("rotation rollback failed: %v", delErr)
			}
			return fmt.Errorf("replacement key failed health check: %w", err)
		}
	}

	if err := m.store.SwapKeyPriorities(old.ID, replacement.ID); err != nil {
		return err
	}
	replacement.Priority, old.Priority = old.Priority, replacement.Priority
	replacement.Status = types.KeyActive
	if err := m.store.UpdateProviderKey(replacement); err != nil {
		return err
	}

	now := m.now()
	until := now.Add(time.Hour)
	old.CooldownUntil = &until
	old.Status = types.KeyCooldown
	if err := m.store.UpdateProviderKey(old); err != nil {
		return err
	}
	m.store.Audit("provider", "system", "key-manager", "key_rotated",
		"provider_key", old.ID, fmt.Sprintf("replaced by %s at priority %d", replacement.ID, replacement.Priority))
	logging.Provider("Rotated %s key %s -> %s", old.Kind, old.ID, replacement.ID)
	return nil
}

// RecoverCooldowns is the background sweep: any key whose cooldown has
// elapsed is returned to ACTIVE.
func (m *Manager) RecoverCooldowns() {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.store.ListProviderKeys("")
	if err != nil {
		logging.Get(logging.CategoryProvider).Error("cooldown sweep failed: %v", err)
		return
	}
	now := m.now()
	for _, k := range keys {
		if k.CooldownUntil != nil && !k.CooldownUntil.After(now) {
			m.recoverKey(k)
		}
	}
}

// ResetMonthlySpend is the background sweep that zeroes spend counters
// when the calendar month rolls, reviving EXHAUSTED keys.
func (m *Manager) ResetMonthlySpend() {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.store.ListProviderKeys("")
	if err != nil {
		logging.Get(logging.CategoryProvider).Error("spend sweep failed: %v", err)
		return
	}
	now := m.now()
	for _, k := range keys {
		if !monthRolled(k.SpendResetAt, now) {
			continue
		}
		k.CurrentSpend = 0
		k.SpendResetAt = now
		if k.Status == types.KeyExhausted {
			k.Status = types.KeyActive
		}
		if err := m.store.UpdateProviderKey(k); err != nil {
			logging.Get(logging.CategoryProvider).Error("failed to reset spend for %s: %v", k.ID, err)
		}
	}
}

func monthRolled(last, now time.Time) bool {
	return last.Year() != now.Year() || last.Month() != now.Month()
}
