package constitution

import (
	"agentium/internal/identity"
	"agentium/internal/logging"
	"agentium/internal/store"
	"agentium/internal/types"
)

// EthosService mediates ethos reads and writes. An ethos is editable by
// its owning agent and by any strictly-higher-tier agent.
type EthosService struct {
	store *store.Store
}

// NewEthosService builds an ethos service over the store.
func NewEthosService(st *store.Store) *EthosService {
	return &EthosService{store: st}
}

// Read loads an agent's ethos.
func (s *EthosService) Read(agent *types.Agent) (*types.Ethos, error) {
	return s.store.GetEthos(agent.EthosID)
}

// canEdit enforces the ownership rule.
func canEdit(owner, actor *types.Agent) bool {
	if actor.TierID == owner.TierID {
		return true
	}
	return actor.Tier.Outranks(owner.Tier)
}

// Update writes a mutated ethos on behalf of actor, bumping the
// version and recording authorship.
func (s *EthosService) Update(owner *types.Agent, e *types.Ethos, actor *types.Agent) error {
	if !canEdit(owner, actor) {
		return types.NewPermissionError(actor.TierID, types.CapEditOwnEthos)
	}
	if err := s.store.UpdateEthos(e, actor.TierID); err != nil {
		return err
	}
	logging.Get(logging.CategoryEthos).Debug("ethos %s updated to v%d by %s", e.ID, e.Version, actor.TierID)
	return nil
}

// Compress runs the post-task ethos ritual: working state and completed
// plan steps are dropped. Rules and restrictions are never touched.
func (s *EthosService) Compress(owner *types.Agent, actor *types.Agent) error {
	e, err := s.Read(owner)
	if err != nil {
		return err
	}
	e.WorkingState = ""
	var remaining []types.PlanStep
	for _, step := range e.ActivePlan {
		if !step.Done {
			remaining = append(remaining, step)
		}
	}
	e.ActivePlan = remaining
	return s.Update(owner, e, actor)
}

// SetActivePlan replaces the agent's active plan.
func (s *EthosService) SetActivePlan(owner *types.Agent, steps []types.PlanStep, actor *types.Agent) error {
	e, err := s.Read(owner)
	if err != nil {
		return err
	}
	e.ActivePlan = steps
	return s.Update(owner, e, actor)
}

// SetConstitutionalReferences replaces the article references the agent
// keeps in working awareness.
func (s *EthosService) SetConstitutionalReferences(owner *types.Agent, refs []string, actor *types.Agent) error {
	e, err := s.Read(owner)
	if err != nil {
		return err
	}
	e.ConstitutionalReferences = refs
	return s.Update(owner, e, actor)
}

// AddLessonLearned appends a lesson to the ethos.
func (s *EthosService) AddLessonLearned(owner *types.Agent, lesson string, actor *types.Agent) error {
	e, err := s.Read(owner)
	if err != nil {
		return err
	}
	e.LessonsLearned = append(e.LessonsLearned, lesson)
	return s.Update(owner, e, actor)
}

// CreateDefault builds the spawn-time ethos from the tier template and
// personalises the mission statement.
func (s *EthosService) CreateDefault(tierID string, tier types.Tier, name, mission string) (*types.Ethos, error) {
	tmpl := tierTemplate(tier)
	e := &types.Ethos{
		AgentTierID:      tierID,
		MissionStatement: mission,
		BehavioralRules:  tmpl.rules,
		Restrictions:     tmpl.restrictions,
	}
	agent := &types.Agent{Tier: tier}
	for _, c := range identity.EffectiveCapabilities(agent).List() {
		e.Capabilities = append(e.Capabilities, string(c))
	}
	if err := s.store.CreateEthos(e); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryEthos).Info("Created default ethos for %s (%s, %q)", tierID, tier, name)
	return e, nil
}

type ethosTemplate struct {
	rules        []string
	restrictions []string
}

// tierTemplate returns the baseline rules per tier.
func tierTemplate(tier types.Tier) ethosTemplate {
	switch {
	case tier == types.TierHead:
		return ethosTemplate{
			rules: []string{
				"Preserve the constitution and the chain of delegation.",
				"Act only through COUNCIL deliberation except in emergencies.",
			},
			restrictions: []string{"Never liquidate yourself."},
		}
	case tier == types.TierCouncil:
		return ethosTemplate{
			rules: []string{
				"Deliberate before voting; record your reasoning.",
				"Escalated tasks take precedence over new work.",
			},
			restrictions: []string{"Do not execute tasks directly."},
		}
	case tier == types.TierLead:
		return ethosTemplate{
			rules: []string{
				"Decompose before delegating; keep subtasks independent.",
				"Balance load across your task agents.",
			},
			restrictions: []string{"Do not vote on amendments."},
		}
	case tier.IsCritic():
		return ethosTemplate{
			rules: []string{
				"Judge only the output in front of you.",
				"A rejection without a concrete reason is itself a failure.",
			},
			restrictions: []string{
				"Never use the model family under review.",
				"Never participate in votes.",
			},
		}
	default:
		return ethosTemplate{
			rules: []string{
				"Complete the assigned task; report honestly.",
				"Re-read the constitution before and after each task.",
			},
			restrictions: []string{"Do not spawn agents."},
		}
	}
}

// EmbedEthos mirrors an ethos snapshot into the vector store for
// retrieval by council memory queries.
func (s *EthosService) EmbedEthos(e *types.Ethos) error {
	content := e.MissionStatement
	for _, r := range e.BehavioralRules {
		content += "\n" + r
	}
	return s.store.UpsertVector(store.CollectionAgentEthos, e.AgentTierID, content,
		map[string]interface{}{"agent": e.AgentTierID, "version": e.Version})
}
