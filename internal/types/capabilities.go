package types

// Capability is a symbolic permission checked before every significant
// action. An agent's effective set is base(tier) ∪ granted − revoked.
type Capability string

const (
	// Shared by executors and critics.
	CapReportStatus   Capability = "REPORT_STATUS"
	CapQueryKnowledge Capability = "QUERY_KNOWLEDGE"

	// Executor chain.
	CapExecuteTask      Capability = "EXECUTE_TASK"
	CapUseModel         Capability = "USE_MODEL"
	CapEditOwnEthos     Capability = "EDIT_OWN_ETHOS"
	CapDelegateTask     Capability = "DELEGATE_TASK"
	CapSpawnTaskAgent   Capability = "SPAWN_TASK_AGENT"
	CapSpawnLeadAgent   Capability = "SPAWN_LEAD_AGENT"
	CapSpawnCritic      Capability = "SPAWN_CRITIC"
	CapLiquidateTask    Capability = "LIQUIDATE_TASK_AGENT"
	CapLiquidateAny     Capability = "LIQUIDATE_ANY"
	CapPromoteAgent     Capability = "PROMOTE_AGENT"
	CapGrantCapability  Capability = "GRANT_CAPABILITY"
	CapRevokeCapability Capability = "REVOKE_CAPABILITY"

	// Governance.
	CapProposeAmendment Capability = "PROPOSE_AMENDMENT"
	CapSponsorAmendment Capability = "SPONSOR_AMENDMENT"
	CapVoteOnAmendment  Capability = "VOTE_ON_AMENDMENT"
	CapAdvanceAmendment Capability = "ADVANCE_AMENDMENT"
	CapManageProviders  Capability = "MANAGE_PROVIDER_KEYS"

	// Critic chain.
	CapVetoOutput   Capability = "VETO_OUTPUT"
	CapReviewCode   Capability = "REVIEW_CODE"
	CapReviewOutput Capability = "REVIEW_OUTPUT"
	CapReviewPlan   Capability = "REVIEW_PLAN"
)

// CapabilitySet is a small set of capabilities with value semantics.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from its members.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Add inserts a capability.
func (s CapabilitySet) Add(c Capability) { s[c] = struct{}{} }

// Remove deletes a capability.
func (s CapabilitySet) Remove(c Capability) { delete(s, c) }

// Clone returns an independent copy.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Union returns s ∪ other without mutating either.
func (s CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	out := s.Clone()
	for c := range other {
		out[c] = struct{}{}
	}
	return out
}

// Difference returns s − other without mutating either.
func (s CapabilitySet) Difference(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		if !other.Has(c) {
			out[c] = struct{}{}
		}
	}
	return out
}

// List returns the members in unspecified order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

// taskBase is the floor of the executive chain; each tier above adds to
// the union of everything below it.
var taskBase = NewCapabilitySet(
	CapReportStatus, CapQueryKnowledge,
	CapExecuteTask, CapUseModel, CapEditOwnEthos,
)

var leadBase = taskBase.Union(NewCapabilitySet(
	CapDelegateTask, CapSpawnTaskAgent, CapLiquidateTask,
))

var councilBase = leadBase.Union(NewCapabilitySet(
	CapSpawnLeadAgent, CapPromoteAgent,
	CapGrantCapability, CapRevokeCapability,
	CapProposeAmendment, CapSponsorAmendment, CapVoteOnAmendment,
))

var headBase = councilBase.Union(NewCapabilitySet(
	CapSpawnCritic, CapLiquidateAny,
	CapAdvanceAmendment, CapManageProviders,
))

// criticShared is the only overlap critics have with the executive
// chain. Critics never hold VOTE_ON_AMENDMENT.
var criticShared = NewCapabilitySet(CapReportStatus, CapQueryKnowledge, CapVetoOutput, CapUseModel)

// BaseCapabilities returns the immutable base set for a tier. Callers
// receive a copy and may mutate it freely.
func BaseCapabilities(t Tier) CapabilitySet {
	switch t {
	case TierHead:
		return headBase.Clone()
	case TierCouncil:
		return councilBase.Clone()
	case TierLead:
		return leadBase.Clone()
	case TierTask:
		return taskBase.Clone()
	case TierCriticCode:
		return criticShared.Union(NewCapabilitySet(CapReviewCode))
	case TierCriticOutput:
		return criticShared.Union(NewCapabilitySet(CapReviewOutput))
	case TierCriticPlan:
		return criticShared.Union(NewCapabilitySet(CapReviewPlan))
	}
	return NewCapabilitySet()
}

// MinimumTier returns the lowest executive tier whose base set carries
// the capability, for PermissionDenied hints. Critic-only capabilities
// report their owning critic tier.
func MinimumTier(c Capability) (Tier, bool) {
	switch {
	case taskBase.Has(c):
		return TierTask, true
	case leadBase.Has(c):
		return TierLead, true
	case councilBase.Has(c):
		return TierCouncil, true
	case headBase.Has(c):
		return TierHead, true
	case c == CapReviewCode:
		return TierCriticCode, true
	case c == CapReviewOutput:
		return TierCriticOutput, true
	case c == CapReviewPlan:
		return TierCriticPlan, true
	case c == CapVetoOutput:
		return TierCriticCode, true
	}
	return "", false
}
