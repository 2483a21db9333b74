// Package types defines the shared domain model for Agentium: tiers,
// capabilities, agent/task/amendment records, and the stable error kinds
// surfaced across package boundaries.
package types

import "fmt"

// Tier identifies an agent's place in the four-tier hierarchy.
// HEAD, COUNCIL, LEAD and TASK form the executive chain; the three
// critic tiers sit outside it and carry veto power only.
type Tier string

const (
	TierHead         Tier = "HEAD"
	TierCouncil      Tier = "COUNCIL"
	TierLead         Tier = "LEAD"
	TierTask         Tier = "TASK"
	TierCriticCode   Tier = "CRITIC_CODE"
	TierCriticOutput Tier = "CRITIC_OUTPUT"
	TierCriticPlan   Tier = "CRITIC_PLAN"
)

// tierPrefixes maps each tier to its allowed id prefixes, primary first.
// TASK agents overflow into prefixes 4-6 when 3 is exhausted.
var tierPrefixes = map[Tier][]byte{
	TierHead:         {'0'},
	TierCouncil:      {'1'},
	TierLead:         {'2'},
	TierTask:         {'3', '4', '5', '6'},
	TierCriticCode:   {'7'},
	TierCriticOutput: {'8'},
	TierCriticPlan:   {'9'},
}

// tierRank orders executive tiers for dominance checks. Critics share a
// rank outside the chain; they never dominate an executive agent.
var tierRank = map[Tier]int{
	TierHead:         4,
	TierCouncil:      3,
	TierLead:         2,
	TierTask:         1,
	TierCriticCode:   0,
	TierCriticOutput: 0,
	TierCriticPlan:   0,
}

// HeadTierID is the reserved id of the singleton HEAD agent.
const HeadTierID = "00001"

// Prefixes returns the id prefixes a tier may allocate from, in
// fallback order.
func (t Tier) Prefixes() []byte {
	return tierPrefixes[t]
}

// PrimaryPrefix returns the canonical first digit for a tier's ids.
func (t Tier) PrimaryPrefix() byte {
	return tierPrefixes[t][0]
}

// MatchesPrefix reports whether the first digit of tierID is legal for
// the tier.
func (t Tier) MatchesPrefix(tierID string) bool {
	if len(tierID) != 5 {
		return false
	}
	for _, p := range tierPrefixes[t] {
		if tierID[0] == p {
			return true
		}
	}
	return false
}

// IsCritic reports whether the tier is one of the three critic
// specialties.
func (t Tier) IsCritic() bool {
	return t == TierCriticCode || t == TierCriticOutput || t == TierCriticPlan
}

// IsExecutive reports whether the tier sits in the HEAD..TASK chain.
func (t Tier) IsExecutive() bool {
	return !t.IsCritic()
}

// Outranks reports whether t is strictly higher than other in the
// executive chain. Critics outrank nobody and are outranked by every
// executive tier for the purpose of ethos edits.
func (t Tier) Outranks(other Tier) bool {
	return tierRank[t] > tierRank[other]
}

// TierForPrefix returns the tier owning an id prefix digit.
func TierForPrefix(prefix byte) (Tier, error) {
	switch prefix {
	case '0':
		return TierHead, nil
	case '1':
		return TierCouncil, nil
	case '2':
		return TierLead, nil
	case '3', '4', '5', '6':
		return TierTask, nil
	case '7':
		return TierCriticCode, nil
	case '8':
		return TierCriticOutput, nil
	case '9':
		return TierCriticPlan, nil
	}
	return "", fmt.Errorf("no tier owns id prefix %q", string(prefix))
}

// ValidTier reports whether s names a known tier.
func ValidTier(s string) bool {
	_, ok := tierPrefixes[Tier(s)]
	return ok
}

// CriticSpecialty maps a validator kind (CODE, OUTPUT, PLAN) to the
// critic tier that evaluates it.
func CriticSpecialty(validator string) (Tier, error) {
	switch validator {
	case "CODE":
		return TierCriticCode, nil
	case "OUTPUT":
		return TierCriticOutput, nil
	case "PLAN":
		return TierCriticPlan, nil
	}
	return "", fmt.Errorf("unknown validator kind %q", validator)
}
