// Package identity implements tier-prefixed id allocation and the
// capability registry: base sets per tier plus per-agent grants and
// revocations, with audited changes.
package identity

import (
	"fmt"
	"sync"

	"agentium/internal/logging"
	"agentium/internal/store"
	"agentium/internal/types"
)

// idsPerPrefix is the pool size under one prefix digit: 0001-9999.
// The all-zero suffix is never issued.
const idsPerPrefix = 9999

// Capacity thresholds.
const (
	warningRatio  = 0.80
	criticalRatio = 0.95
)

// Registry allocates tier ids and answers capability checks. Allocation
// state is loaded from the store once and kept under the registry lock;
// ids are never recycled, terminated agents included.
type Registry struct {
	store *store.Store
	mu    sync.Mutex
	used  map[byte]map[string]bool // prefix -> used tier ids
}

// NewRegistry builds a registry over the store.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st, used: make(map[byte]map[string]bool)}
}

func (r *Registry) usedFor(prefix byte) (map[string]bool, error) {
	if m, ok := r.used[prefix]; ok {
		return m, nil
	}
	m, err := r.store.UsedTierIDs(prefix)
	if err != nil {
		return nil, err
	}
	r.used[prefix] = m
	return m, nil
}

// AllocateTierID reserves the next unused 5-digit id whose first digit
// matches the tier prefix, probing fallback prefixes in order. Fails
// with PoolExhausted when every prefix in the tier's fallback list is
// full.
func (r *Registry) AllocateTierID(tier types.Tier) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, prefix := range tier.Prefixes() {
		used, err := r.usedFor(prefix)
		if err != nil {
			return "", fmt.Errorf("failed to load id pool for prefix %c: %w", prefix, err)
		}
		if len(used) >= idsPerPrefix {
			continue
		}
		for n := 1; n <= idsPerPrefix; n++ {
			id := fmt.Sprintf("%c%04d", prefix, n)
			if !used[id] {
				used[id] = true
				logging.Identity("Allocated tier id %s for %s", id, tier)
				return id, nil
			}
		}
	}
	logging.Get(logging.CategoryIdentity).Error("id pool exhausted for tier %s", tier)
	return "", fmt.Errorf("tier %s: %w", tier, types.ErrPoolExhausted)
}

// Release returns an id to the in-memory pool. Only used when a spawn
// fails after allocation but before the agent row exists.
func (r *Registry) Release(tierID string) {
	if len(tierID) != 5 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.used[tierID[0]]; ok {
		delete(m, tierID)
	}
}

// EffectiveCapabilities returns base(tier) ∪ granted − revoked.
func EffectiveCapabilities(a *types.Agent) types.CapabilitySet {
	return types.BaseCapabilities(a.Tier).Union(a.Granted).Difference(a.Revoked)
}

// Check reports whether the agent holds the capability.
func (r *Registry) Check(a *types.Agent, cap types.Capability) bool {
	return EffectiveCapabilities(a).Has(cap)
}

// Require fails with a PermissionDenied error carrying the minimum-tier
// hint when the agent lacks the capability. The denial is audited at
// WARNING.
func (r *Registry) Require(a *types.Agent, cap types.Capability) error {
	if r.Check(a, cap) {
		return nil
	}
	perr := types.NewPermissionError(a.TierID, cap)
	_ = r.store.AppendAudit(&types.AuditEntry{
		Level: types.AuditWarning, Category: "identity",
		ActorType: "agent", ActorID: a.TierID,
		Action: "capability_denied", TargetType: "capability", TargetID: string(cap),
		Description: perr.Error(),
	})
	return perr
}

// Grant adds a capability to the target. The grantor must hold
// GRANT_CAPABILITY.
func (r *Registry) Grant(target *types.Agent, cap types.Capability, grantor *types.Agent, reason string) error {
	if err := r.Require(grantor, types.CapGrantCapability); err != nil {
		return err
	}
	target.Granted.Add(cap)
	target.Revoked.Remove(cap)
	if err := r.store.UpdateAgent(target); err != nil {
		return err
	}
	r.store.Audit("identity", "agent", grantor.TierID, "capability_granted",
		"agent", target.TierID, fmt.Sprintf("granted %s: %s", cap, reason))
	logging.Identity("%s granted %s to %s (%s)", grantor.TierID, cap, target.TierID, reason)
	return nil
}

// Revoke removes a capability from the target. The revoker must hold
// REVOKE_CAPABILITY.
func (r *Registry) Revoke(target *types.Agent, cap types.Capability, revoker *types.Agent, reason string) error {
	if err := r.Require(revoker, types.CapRevokeCapability); err != nil {
		return err
	}
	target.Revoked.Add(cap)
	target.Granted.Remove(cap)
	if err := r.store.UpdateAgent(target); err != nil {
		return err
	}
	r.store.Audit("identity", "agent", revoker.TierID, "capability_revoked",
		"agent", target.TierID, fmt.Sprintf("revoked %s: %s", cap, reason))
	logging.Identity("%s revoked %s from %s (%s)", revoker.TierID, cap, target.TierID, reason)
	return nil
}

// RevokeAll empties the target's effective set during liquidation: the
// whole base set is moved into revoked and grants are cleared.
func (r *Registry) RevokeAll(target *types.Agent, actorTierID, reason string) error {
	target.Granted = types.NewCapabilitySet()
	target.Revoked = types.BaseCapabilities(target.Tier)
	if err := r.store.UpdateAgent(target); err != nil {
		return err
	}
	r.store.Audit("identity", "agent", actorTierID, "capabilities_emptied",
		"agent", target.TierID, reason)
	return nil
}

// TierCapacity is the free-id report for one tier.
type TierCapacity struct {
	Tier     types.Tier `json:"tier"`
	Total    int        `json:"total"`
	Used     int        `json:"used"`
	Free     int        `json:"free"`
	Warning  bool       `json:"warning"`
	Critical bool       `json:"critical"`
}

// Capacity returns per-tier pool usage with warning (>80%) and
// critical (>95%) flags.
func (r *Registry) Capacity() ([]TierCapacity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tiers := []types.Tier{
		types.TierHead, types.TierCouncil, types.TierLead, types.TierTask,
		types.TierCriticCode, types.TierCriticOutput, types.TierCriticPlan,
	}
	out := make([]TierCapacity, 0, len(tiers))
	for _, tier := range tiers {
		total, used := 0, 0
		for _, prefix := range tier.Prefixes() {
			m, err := r.usedFor(prefix)
			if err != nil {
				return nil, err
			}
			total += idsPerPrefix
			used += len(m)
		}
		ratio := float64(used) / float64(total)
		out = append(out, TierCapacity{
			Tier: tier, Total: total, Used: used, Free: total - used,
			Warning:  ratio > warningRatio,
			Critical: ratio > criticalRatio,
		})
	}
	return out, nil
}
