package lifecycle

import (
	"context"
	"fmt"

	"agentium/internal/adapter"
	"agentium/internal/config"
	"agentium/internal/logging"
	"agentium/internal/types"
)

// Generator is the slice of the model adapter reincarnation needs for
// the life summary.
type Generator interface {
	Generate(ctx context.Context, kind types.ProviderKind, systemPrompt, userMessage string, opts adapter.Options) (*adapter.Result, error)
}

// Reincarnator hands an agent's accumulated wisdom to a fresh
// incarnation when its context budget runs out.
type Reincarnator struct {
	lifecycle *Manager
	gen       Generator
	cfg       config.ReincarnationConfig
}

// NewReincarnator builds the controller.
func NewReincarnator(lm *Manager, gen Generator, cfg config.ReincarnationConfig) *Reincarnator {
	return &Reincarnator{lifecycle: lm, gen: gen, cfg: cfg}
}

// ShouldReincarnate reports whether an agent's running token count has
// crossed the trigger ratio of its context budget.
func (r *Reincarnator) ShouldReincarnate(usedTokens int) bool {
	budget := r.cfg.ContextBudgetTokens
	if budget <= 0 {
		budget = 128000
	}
	ratio := r.cfg.TriggerRatio
	if ratio <= 0 {
		ratio = 0.8
	}
	return float64(usedTokens) >= ratio*float64(budget)
}

const summarySystemPrompt = `You are closing out one incarnation of a long-lived agent.
Write a life summary in at most %d tokens covering: lessons learned, remaining work, and errors the successor must avoid.
Plain text only.`

// Reincarnate runs the full handoff: summarise, bank wisdom in the
// ethos, terminate the predecessor, spawn the successor and transfer
// open tasks. A summarisation failure degrades to a truncated raw
// working state; a spawn failure leaves the predecessor terminated
// with a flagged audit entry.
func (r *Reincarnator) Reincarnate(ctx context.Context, agent *types.Agent, workingContext string) (*types.Agent, error) {
	n := agent.IncarnationNumber
	logging.Reincarnation("Agent %s incarnation %d reached context limit", agent.TierID, n)

	summary := r.summarise(ctx, agent, workingContext)

	e, err := r.lifecycle.ethos.Read(agent)
	if err != nil {
		return nil, err
	}
	e.BehavioralRules = append(e.BehavioralRules, fmt.Sprintf("[LIFE_%d_WISDOM] %s", n, summary))
	mission := e.MissionStatement + fmt.Sprintf(" [INCARNATION %d COMPLETE]", n)
	e.MissionStatement = mission
	if err := r.lifecycle.ethos.Update(agent, e, agent); err != nil {
		return nil, err
	}

	parent, err := r.parentOf(agent)
	if err != nil {
		return nil, err
	}

	// Terminate the predecessor before the successor claims its tasks.
	agent.Status = types.AgentTerminated
	agent.TerminationReason = "context limit reached"
	if err := r.lifecycle.store.UpdateAgent(agent); err != nil {
		return nil, err
	}
	r.lifecycle.store.Audit("reincarnation", "system", "system", "incarnation_closed",
		"agent", agent.TierID, fmt.Sprintf("incarnation %d complete", n))

	successor, err := r.lifecycle.Spawn(parent, agent.Tier, agent.Name, mission, nil)
	if err != nil {
		err2 := r.lifecycle.store.AppendAudit(&types.AuditEntry{
			Level: types.AuditCritical, Category: "reincarnation",
			ActorType: "system", ActorID: "system",
			Action: "reincarnation_spawn_failed", TargetType: "agent", TargetID: agent.TierID,
			Description: fmt.Sprintf("successor spawn failed after termination: %v", err),
		})
		if err2 != nil {
			logging.Get(logging.CategoryReincarnation).Error("failed to flag spawn failure: %v", err2)
		}
		return nil, fmt.Errorf("successor spawn failed for %s: %w", agent.TierID, err)
	}

	successor.IncarnationNumber = n + 1
	successor.IsPersistent = agent.IsPersistent
	successor.PreferredProvider = agent.PreferredProvider
	if err := r.lifecycle.store.UpdateAgent(successor); err != nil {
		return nil, err
	}

	// Merge the predecessor's wisdom into the successor's ethos.
	se, err := r.lifecycle.ethos.Read(successor)
	if err != nil {
		return nil, err
	}
	se.BehavioralRules = append(se.BehavioralRules, fmt.Sprintf("[LIFE_%d_WISDOM] %s", n, summary))
	se.LessonsLearned = append(se.LessonsLearned, e.LessonsLearned...)
	if err := r.lifecycle.ethos.Update(successor, se, successor); err != nil {
		return nil, err
	}

	if err := r.lifecycle.transferTasks(agent.TierID, successor.TierID); err != nil {
		return nil, err
	}

	r.lifecycle.store.Audit("reincarnation", "system", "system", "agent_reincarnated",
		"agent", successor.TierID,
		fmt.Sprintf("incarnation %d of %s, predecessor %s", n+1, agent.Name, agent.TierID))
	logging.Reincarnation("Agent %s reborn as %s (incarnation %d)", agent.TierID, successor.TierID, n+1)
	return successor, nil
}

// PredecessorContext recovers the closing state of the previous
// incarnation for a successor's first run.
func (r *Reincarnator) PredecessorContext(successor *types.Agent) (string, error) {
	e, err := r.lifecycle.ethos.Read(successor)
	if err != nil {
		return "", err
	}
	wisdomTag := fmt.Sprintf("[LIFE_%d_WISDOM]", successor.IncarnationNumber-1)
	for _, rule := range e.BehavioralRules {
		if len(rule) >= len(wisdomTag) && rule[:len(wisdomTag)] == wisdomTag {
			return rule, nil
		}
	}
	return "", fmt.Errorf("no predecessor wisdom for %s: %w", successor.TierID, types.ErrNotFound)
}

// summarise produces the life summary, degrading to a truncated raw
// context when the model is unavailable.
func (r *Reincarnator) summarise(ctx context.Context, agent *types.Agent, workingContext string) string {
	maxTokens := r.cfg.SummaryMaxTokens
	if maxTokens <= 0 {
		maxTokens = 300
	}
	kind := types.ProviderKind(agent.PreferredProvider)
	if kind == "" {
		kind = types.ProviderOpenAI
	}
	res, err := r.gen.Generate(ctx, kind,
		fmt.Sprintf(summarySystemPrompt, maxTokens), workingContext,
		adapter.Options{MaxTokens: maxTokens})
	if err == nil && res.Content != "" {
		return res.Content
	}
	logging.Get(logging.CategoryReincarnation).Warn(
		"summary generation failed for %s, using truncated context: %v", agent.TierID, err)
	maxChars := maxTokens * 4
	if len(workingContext) > maxChars {
		return workingContext[:maxChars]
	}
	return workingContext
}

// parentOf resolves the agent's parent, falling back to HEAD for
// orphans so a successor can always be spawned.
func (r *Reincarnator) parentOf(agent *types.Agent) (*types.Agent, error) {
	if agent.ParentID != "" {
		if p, err := r.lifecycle.store.GetAgent(agent.ParentID); err == nil && p.Status != types.AgentTerminated {
			return p, nil
		}
	}
	return r.lifecycle.store.GetAgent(types.HeadTierID)
}
