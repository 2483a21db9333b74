package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierPrefixes(t *testing.T) {
	cases := []struct {
		tier    Tier
		primary byte
		count   int
	}{
		{TierHead, '0', 1},
		{TierCouncil, '1', 1},
		{TierLead, '2', 1},
		{TierTask, '3', 4},
		{TierCriticCode, '7', 1},
		{TierCriticOutput, '8', 1},
		{TierCriticPlan, '9', 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.primary, tc.tier.PrimaryPrefix(), "tier %s", tc.tier)
		assert.Len(t, tc.tier.Prefixes(), tc.count, "tier %s", tc.tier)
	}
}

func TestTierMatchesPrefix(t *testing.T) {
	assert.True(t, TierTask.MatchesPrefix("39001"))
	assert.True(t, TierTask.MatchesPrefix("60042"))
	assert.False(t, TierTask.MatchesPrefix("29001"))
	assert.False(t, TierTask.MatchesPrefix("390"))
	assert.True(t, TierHead.MatchesPrefix(HeadTierID))
}

func TestTierForPrefix(t *testing.T) {
	for _, p := range []byte{'3', '4', '5', '6'} {
		tier, err := TierForPrefix(p)
		require.NoError(t, err)
		assert.Equal(t, TierTask, tier)
	}
	_, err := TierForPrefix('x')
	assert.Error(t, err)
}

func TestOutranks(t *testing.T) {
	assert.True(t, TierHead.Outranks(TierCouncil))
	assert.True(t, TierCouncil.Outranks(TierTask))
	assert.False(t, TierTask.Outranks(TierTask))
	assert.False(t, TierCriticCode.Outranks(TierTask))
	assert.True(t, TierTask.Outranks(TierCriticPlan))
}

func TestBaseCapabilitiesMonotone(t *testing.T) {
	// Each executive tier's base set must contain every capability of
	// the tier below it.
	chain := []Tier{TierTask, TierLead, TierCouncil, TierHead}
	for i := 1; i < len(chain); i++ {
		lower := BaseCapabilities(chain[i-1])
		higher := BaseCapabilities(chain[i])
		for c := range lower {
			assert.True(t, higher.Has(c), "%s should inherit %s from %s", chain[i], c, chain[i-1])
		}
	}
}

func TestCriticBaseIsOrthogonal(t *testing.T) {
	executors := NewCapabilitySet()
	for _, tier := range []Tier{TierTask, TierLead, TierCouncil, TierHead} {
		executors = executors.Union(BaseCapabilities(tier))
	}
	for _, tier := range []Tier{TierCriticCode, TierCriticOutput, TierCriticPlan} {
		base := BaseCapabilities(tier)
		assert.False(t, base.Has(CapVoteOnAmendment), "%s must never vote", tier)
		for c := range base {
			if c == CapReportStatus || c == CapQueryKnowledge || c == CapUseModel {
				continue
			}
			assert.False(t, executors.Has(c),
				"%s shares %s with executors beyond the allowed overlap", tier, c)
		}
	}
}

func TestCapabilitySetOps(t *testing.T) {
	a := NewCapabilitySet(CapExecuteTask, CapReportStatus)
	b := NewCapabilitySet(CapReportStatus)
	union := a.Union(NewCapabilitySet(CapDelegateTask))
	assert.True(t, union.Has(CapDelegateTask))
	assert.False(t, a.Has(CapDelegateTask), "Union must not mutate receiver")
	diff := a.Difference(b)
	assert.True(t, diff.Has(CapExecuteTask))
	assert.False(t, diff.Has(CapReportStatus))
}

func TestPermissionErrorClassification(t *testing.T) {
	err := NewPermissionError("39001", CapSpawnTaskAgent)
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Equal(t, TierLead, err.RequiredTier)
	assert.Equal(t, FailurePermissionDenied, Classify(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FailureResourceUnavailable, Classify(ErrPoolExhausted))
	assert.Equal(t, FailureResourceUnavailable, Classify(ErrProvidersExhausted))
	assert.Equal(t, FailureValidationFailed, Classify(ErrCriticRejection))
	assert.Equal(t, FailureValidationFailed, Classify(&InvariantError{Rule: "r", Detail: "d"}))
	assert.Equal(t, FailureInternal, Classify(errors.New("boom")))
}

func TestProviderKeyHealthHelpers(t *testing.T) {
	k := &ProviderKey{MonthlyBudget: 10, CurrentSpend: 9.5}
	assert.True(t, k.OverBudget(0.6))
	assert.False(t, k.OverBudget(0.4))
	k.MonthlyBudget = 0
	assert.False(t, k.OverBudget(1e9), "zero budget means unlimited")
}
