// Package amendment drives the constitutional change process: proposal,
// sponsorship, deliberation, voting and ratification. Every transition
// is audit-logged and idempotent under replay.
package amendment

import (
	"fmt"
	"math"
	"time"

	"agentium/internal/config"
	"agentium/internal/constitution"
	"agentium/internal/identity"
	"agentium/internal/logging"
	"agentium/internal/store"
	"agentium/internal/types"
)

// Broadcaster delivers collective-wide notifications after terminal
// transitions.
type Broadcaster interface {
	BroadcastEvent(kind, message string, payload map[string]interface{})
}

// Machine is the amendment state machine.
type Machine struct {
	store    *store.Store
	registry *identity.Registry
	consts   *constitution.Service
	cfg      config.AmendmentConfig
	events   Broadcaster

	now func() time.Time
}

// NewMachine builds the state machine. events may be nil.
func NewMachine(st *store.Store, reg *identity.Registry, consts *constitution.Service, cfg config.AmendmentConfig, events Broadcaster) *Machine {
	return &Machine{
		store:    st,
		registry: reg,
		consts:   consts,
		cfg:      cfg,
		events:   events,
		now:      time.Now,
	}
}

// Propose opens a new amendment. The proposer becomes the first
// sponsor; eligible voters are fixed at proposal time to the active
// COUNCIL plus HEAD.
func (m *Machine) Propose(proposer *types.Agent, diffDocument string) (*types.Amendment, error) {
	if err := m.registry.Require(proposer, types.CapProposeAmendment); err != nil {
		return nil, err
	}
	eligible, err := m.eligibleVoters()
	if err != nil {
		return nil, err
	}
	quorum := m.cfg.QuorumPct
	if quorum <= 0 {
		quorum = 0.60
	}
	super := m.cfg.SupermajorityPct
	if super <= 0 {
		super = 0.66
	}

	a := &types.Amendment{
		Status:           types.AmendmentProposed,
		ProposerTierID:   proposer.TierID,
		SponsorTierIDs:   []string{proposer.TierID},
		EligibleVoters:   eligible,
		RequiredVotes:    int(math.Ceil(quorum * float64(len(eligible)))),
		SupermajorityPct: super,
		DiffDocument:     diffDocument,
		StartedAt:        m.now().UTC(),
	}
	if err := m.store.CreateAmendment(a); err != nil {
		return nil, err
	}
	m.store.Audit("amendment", "agent", proposer.TierID, "amendment_proposed", "amendment", a.ID,
		fmt.Sprintf("%d eligible voters, %d votes required", len(eligible), a.RequiredVotes))
	logging.Amendment("Amendment %s proposed by %s", a.ID, proposer.TierID)

	if m.sponsorsReached(a) {
		if err := m.enterDeliberation(a, proposer.TierID); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Sponsor adds a co-sponsor. Reaching the sponsor threshold moves the
// amendment to DELIBERATING and starts the debate window. Sponsoring
// twice is a no-op.
func (m *Machine) Sponsor(amendmentID string, sponsor *types.Agent) (*types.Amendment, error) {
	if err := m.registry.Require(sponsor, types.CapSponsorAmendment); err != nil {
		return nil, err
	}
	a, err := m.store.GetAmendment(amendmentID)
	if err != nil {
		return nil, err
	}
	if a.Status != types.AmendmentProposed {
		return a, nil
	}
	for _, id := range a.SponsorTierIDs {
		if id == sponsor.TierID {
			return a, nil
		}
	}
	a.SponsorTierIDs = append(a.SponsorTierIDs, sponsor.TierID)
	if err := m.store.UpdateAmendment(a); err != nil {
		return nil, err
	}
	m.store.Audit("amendment", "agent", sponsor.TierID, "amendment_sponsored", "amendment", a.ID,
		fmt.Sprintf("%d/%d sponsors", len(a.SponsorTierIDs), m.requiredSponsors()))

	if m.sponsorsReached(a) {
		if err := m.enterDeliberation(a, sponsor.TierID); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Withdraw retires an amendment before voting. Only the proposer or
// HEAD may withdraw.
func (m *Machine) Withdraw(amendmentID string, actor *types.Agent) (*types.Amendment, error) {
	a, err := m.store.GetAmendment(amendmentID)
	if err != nil {
		return nil, err
	}
	if a.Status == types.AmendmentWithdrawn {
		return a, nil
	}
	if a.Status != types.AmendmentProposed && a.Status != types.AmendmentDeliberating {
		return nil, &types.InvariantError{Rule: "amendment-withdraw",
			Detail: fmt.Sprintf("cannot withdraw from %s", a.Status)}
	}
	if actor.TierID != a.ProposerTierID && actor.Tier != types.TierHead {
		return nil, types.NewPermissionError(actor.TierID, types.CapProposeAmendment)
	}
	a.Status = types.AmendmentWithdrawn
	a.EndsAt = nil
	if err := m.store.UpdateAmendment(a); err != nil {
		return nil, err
	}
	m.store.Audit("amendment", "agent", actor.TierID, "amendment_withdrawn", "amendment", a.ID, "")
	logging.Amendment("Amendment %s withdrawn by %s", a.ID, actor.TierID)
	return a, nil
}

// AddDebateEntry appends to the deliberation thread.
func (m *Machine) AddDebateEntry(amendmentID string, author *types.Agent, entry string) error {
	a, err := m.store.GetAmendment(amendmentID)
	if err != nil {
		return err
	}
	if a.Status != types.AmendmentDeliberating {
		return &types.InvariantError{Rule: "amendment-debate",
			Detail: fmt.Sprintf("debate is closed in state %s", a.Status)}
	}
	a.DebateThread = append(a.DebateThread, author.TierID+": "+entry)
	return m.store.UpdateAmendment(a)
}

// AdvanceToVoting moves a DELIBERATING amendment to VOTING ahead of the
// debate window. Only HEAD may advance manually.
func (m *Machine) AdvanceToVoting(amendmentID string, actor *types.Agent) (*types.Amendment, error) {
	if err := m.registry.Require(actor, types.CapAdvanceAmendment); err != nil {
		return nil, err
	}
	a, err := m.store.GetAmendment(amendmentID)
	if err != nil {
		return nil, err
	}
	if a.Status == types.AmendmentVoting {
		return a, nil
	}
	if a.Status != types.AmendmentDeliberating {
		return nil, &types.InvariantError{Rule: "amendment-advance",
			Detail: fmt.Sprintf("cannot open voting from %s", a.Status)}
	}
	return a, m.openVoting(a, actor.TierID)
}

// Vote casts or replaces a ballot. Only fixed-at-proposal eligible
// voters may vote, and only while voting is open.
func (m *Machine) Vote(amendmentID string, voter *types.Agent, choice types.VoteChoice) error {
	if err := m.registry.Require(voter, types.CapVoteOnAmendment); err != nil {
		return err
	}
	a, err := m.store.GetAmendment(amendmentID)
	if err != nil {
		return err
	}
	if a.Status != types.AmendmentVoting {
		return &types.InvariantError{Rule: "amendment-vote",
			Detail: fmt.Sprintf("voting is not open (state %s)", a.Status)}
	}
	if !contains(a.EligibleVoters, voter.TierID) {
		return types.NewPermissionError(voter.TierID, types.CapVoteOnAmendment)
	}
	if err := m.store.CastVote(&types.Vote{
		AmendmentID: a.ID, VoterTierID: voter.TierID, Choice: choice,
	}); err != nil {
		return err
	}
	m.store.Audit("amendment", "agent", voter.TierID, "vote_cast", "amendment", a.ID, string(choice))
	logging.Amendment("Vote %s by %s on amendment %s", choice, voter.TierID, a.ID)
	return nil
}

// Tick advances every time-gated amendment: expired debate windows open
// voting, expired voting windows close with a final tally. Safe to run
// from a scheduler at any frequency.
func (m *Machine) Tick() error {
	now := m.now().UTC()

	deliberating, err := m.store.ListAmendments(types.AmendmentDeliberating)
	if err != nil {
		return err
	}
	for _, a := range deliberating {
		if a.EndsAt != nil && !a.EndsAt.After(now) {
			if err := m.openVoting(a, "system"); err != nil {
				return err
			}
		}
	}

	voting, err := m.store.ListAmendments(types.AmendmentVoting)
	if err != nil {
		return err
	}
	for _, a := range voting {
		if a.EndsAt != nil && !a.EndsAt.After(now) {
			if err := m.CloseVoting(a.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloseVoting finalises the tally: RATIFIED iff quorum and
// supermajority both hold, otherwise REJECTED.
func (m *Machine) CloseVoting(amendmentID string) error {
	a, err := m.store.GetAmendment(amendmentID)
	if err != nil {
		return err
	}
	if a.Status != types.AmendmentVoting {
		return nil
	}

	decided := a.VotesFor + a.VotesAgainst
	ratified := a.VotesFor >= a.RequiredVotes &&
		decided > 0 && float64(a.VotesFor)/float64(decided) >= a.SupermajorityPct

	if !ratified {
		a.Status = types.AmendmentRejected
		a.EndsAt = nil
		if err := m.store.UpdateAmendment(a); err != nil {
			return err
		}
		m.store.Audit("amendment", "system", "system", "amendment_rejected", "amendment", a.ID,
			fmt.Sprintf("for=%d against=%d abstain=%d required=%d",
				a.VotesFor, a.VotesAgainst, a.VotesAbstain, a.RequiredVotes))
		m.broadcast("AMENDMENT_REJECTED", a)
		logging.Amendment("Amendment %s rejected (%d for, %d against)", a.ID, a.VotesFor, a.VotesAgainst)
		return nil
	}

	return m.ratify(a)
}

// ratify installs the amended constitution and archives the old one.
func (m *Machine) ratify(a *types.Amendment) error {
	active, err := m.consts.LoadActive()
	if err != nil {
		return fmt.Errorf("no active constitution to amend: %w", err)
	}
	version, number, err := m.consts.NextVersion()
	if err != nil {
		return err
	}

	next := &types.Constitution{
		Version:             version,
		VersionNumber:       number,
		Preamble:            active.Preamble,
		Articles:            applyDiff(active.Articles, a.DiffDocument),
		Prohibitions:        active.Prohibitions,
		SovereignPrefs:      active.SovereignPrefs,
		EffectiveDate:       m.now().UTC(),
		ReplacesVersionID:   active.ID,
		RatifiedByAmendment: a.ID,
	}
	if err := m.consts.Activate(next, a.ProposerTierID); err != nil {
		return err
	}

	a.Status = types.AmendmentRatified
	a.RatifiedConstID = next.ID
	a.EndsAt = nil
	if err := m.store.UpdateAmendment(a); err != nil {
		return err
	}
	m.store.Audit("amendment", "system", "system", "amendment_ratified", "amendment", a.ID,
		fmt.Sprintf("constitution %s effective (for=%d against=%d)", version, a.VotesFor, a.VotesAgainst))
	m.broadcast("CONSTITUTION_AMENDED", a)
	logging.Amendment("Amendment %s ratified as constitution %s", a.ID, version)
	return nil
}

// applyDiff folds the amendment's diff document into the article set.
// The diff is kept verbatim as a new trailing article so the full text
// of the change is always recoverable from the constitution itself.
func applyDiff(articles map[int]types.Article, diff string) map[int]types.Article {
	next := make(map[int]types.Article, len(articles)+1)
	maxN := 0
	for n, art := range articles {
		next[n] = art
		if n > maxN {
			maxN = n
		}
	}
	next[maxN+1] = types.Article{Title: "Amendment", Content: diff}
	return next
}

// ===== INTERNAL TRANSITIONS =====

func (m *Machine) requiredSponsors() int {
	if m.cfg.RequiredSponsors > 0 {
		return m.cfg.RequiredSponsors
	}
	return 2
}

func (m *Machine) sponsorsReached(a *types.Amendment) bool {
	return len(a.SponsorTierIDs) >= m.requiredSponsors()
}

func (m *Machine) enterDeliberation(a *types.Amendment, actorTierID string) error {
	ends := m.now().UTC().Add(m.cfg.DebateWindowDuration())
	a.Status = types.AmendmentDeliberating
	a.EndsAt = &ends
	if err := m.store.UpdateAmendment(a); err != nil {
		return err
	}
	m.store.Audit("amendment", "agent", actorTierID, "amendment_deliberating", "amendment", a.ID,
		fmt.Sprintf("debate window ends %s", ends.Format(time.RFC3339)))
	logging.Amendment("Amendment %s entered deliberation until %s", a.ID, ends.Format(time.RFC3339))
	return nil
}

func (m *Machine) openVoting(a *types.Amendment, actorTierID string) error {
	ends := m.now().UTC().Add(m.cfg.VotingWindowDuration())
	a.Status = types.AmendmentVoting
	a.EndsAt = &ends
	if err := m.store.UpdateAmendment(a); err != nil {
		return err
	}
	actorType := "agent"
	if actorTierID == "system" {
		actorType = "system"
	}
	m.store.Audit("amendment", actorType, actorTierID, "amendment_voting", "amendment", a.ID,
		fmt.Sprintf("voting window ends %s", ends.Format(time.RFC3339)))
	logging.Amendment("Amendment %s open for voting until %s", a.ID, ends.Format(time.RFC3339))
	return nil
}

// eligibleVoters snapshots the active COUNCIL and HEAD tier ids.
func (m *Machine) eligibleVoters() ([]string, error) {
	agents, err := m.store.ListAgents("", "")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ag := range agents {
		if ag.Status == types.AgentTerminated || ag.Status == types.AgentSuspended {
			continue
		}
		if ag.Tier == types.TierHead || ag.Tier == types.TierCouncil {
			out = append(out, ag.TierID)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no eligible voters: %w", types.ErrInvariantViolation)
	}
	return out, nil
}

func (m *Machine) broadcast(kind string, a *types.Amendment) {
	if m.events == nil {
		return
	}
	m.events.BroadcastEvent(kind, fmt.Sprintf("amendment %s: %s", a.ID, kind),
		map[string]interface{}{
			"amendment_id": a.ID,
			"votes_for":    a.VotesFor,
			"against":      a.VotesAgainst,
		})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
