// Package lifecycle manages agent creation, promotion, liquidation and
// context-exhaustion reincarnation. Identity allocation defers to the
// identity registry; every transition is audit-logged.
package lifecycle

import (
	"fmt"

	"agentium/internal/constitution"
	"agentium/internal/identity"
	"agentium/internal/logging"
	"agentium/internal/store"
	"agentium/internal/types"
)

// Manager performs agent lifecycle transitions.
type Manager struct {
	store    *store.Store
	registry *identity.Registry
	ethos    *constitution.EthosService
	consts   *constitution.Service
}

// NewManager builds the lifecycle manager.
func NewManager(st *store.Store, reg *identity.Registry, ethos *constitution.EthosService, consts *constitution.Service) *Manager {
	return &Manager{store: st, registry: reg, ethos: ethos, consts: consts}
}

// spawnCapability maps a target tier to the capability its spawner
// must hold.
func spawnCapability(tier types.Tier) (types.Capability, error) {
	switch {
	case tier == types.TierTask:
		return types.CapSpawnTaskAgent, nil
	case tier == types.TierLead, tier == types.TierCouncil:
		return types.CapSpawnLeadAgent, nil
	case tier.IsCritic():
		return types.CapSpawnCritic, nil
	}
	return "", fmt.Errorf("tier %s cannot be spawned", tier)
}

// Spawn creates a new agent under parent. COUNCIL members may only be
// spawned by HEAD.
func (m *Manager) Spawn(parent *types.Agent, tier types.Tier, name, mission string, extraCaps []types.Capability) (*types.Agent, error) {
	cap, err := spawnCapability(tier)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Require(parent, cap); err != nil {
		return nil, err
	}
	if tier == types.TierCouncil && parent.Tier != types.TierHead {
		return nil, types.NewPermissionError(parent.TierID, types.CapSpawnLeadAgent)
	}

	tierID, err := m.registry.AllocateTierID(tier)
	if err != nil {
		return nil, err
	}

	e, err := m.ethos.CreateDefault(tierID, tier, name, mission)
	if err != nil {
		m.registry.Release(tierID)
		return nil, err
	}

	constitutionVersion := ""
	if active, err := m.consts.LoadActive(); err == nil {
		constitutionVersion = active.Version
	}

	agent := &types.Agent{
		TierID:              tierID,
		Tier:                tier,
		Name:                name,
		Status:              types.AgentActive,
		ParentID:            parent.TierID,
		EthosID:             e.ID,
		IncarnationNumber:   1,
		ConstitutionVersion: constitutionVersion,
		Granted:             types.NewCapabilitySet(extraCaps...),
		Revoked:             types.NewCapabilitySet(),
	}
	if err := m.store.CreateAgent(agent); err != nil {
		m.registry.Release(tierID)
		return nil, err
	}

	m.store.Audit("lifecycle", "agent", parent.TierID, "agent_spawned", "agent", tierID,
		fmt.Sprintf("%s %q under %s", tier, name, parent.TierID))
	logging.Lifecycle("Spawned %s agent %s (%q) under %s", tier, tierID, name, parent.TierID)
	return agent, nil
}

// Promote lifts a TASK agent to LEAD under a new identity: in-flight
// tasks transfer, the old identity is retired.
func (m *Manager) Promote(target *types.Agent, promoter *types.Agent, reason string) (*types.Agent, error) {
	if err := m.registry.Require(promoter, types.CapPromoteAgent); err != nil {
		return nil, err
	}
	if target.Tier != types.TierTask {
		return nil, &types.InvariantError{Rule: "promote-tier",
			Detail: fmt.Sprintf("only TASK agents can be promoted, %s is %s", target.TierID, target.Tier)}
	}
	if target.Status == types.AgentTerminated {
		return nil, &types.InvariantError{Rule: "promote-terminated",
			Detail: fmt.Sprintf("agent %s is terminated", target.TierID)}
	}

	leadID, err := m.registry.AllocateTierID(types.TierLead)
	if err != nil {
		return nil, err
	}

	oldEthos, err := m.ethos.Read(target)
	if err != nil {
		m.registry.Release(leadID)
		return nil, err
	}
	e, err := m.ethos.CreateDefault(leadID, types.TierLead, target.Name, oldEthos.MissionStatement)
	if err != nil {
		m.registry.Release(leadID)
		return nil, err
	}

	promoted := &types.Agent{
		TierID:              leadID,
		Tier:                types.TierLead,
		Name:                target.Name,
		Status:              types.AgentActive,
		ParentID:            promoter.TierID,
		EthosID:             e.ID,
		PreferredProvider:   target.PreferredProvider,
		IsPersistent:        target.IsPersistent,
		IncarnationNumber:   target.IncarnationNumber,
		ConstitutionVersion: target.ConstitutionVersion,
		Granted:             types.NewCapabilitySet(),
		Revoked:             types.NewCapabilitySet(),
		TasksCompleted:      target.TasksCompleted,
		TasksFailed:         target.TasksFailed,
	}
	if err := m.store.CreateAgent(promoted); err != nil {
		m.registry.Release(leadID)
		return nil, err
	}

	// Lessons carry over across the promotion.
	for _, lesson := range oldEthos.LessonsLearned {
		if err := m.ethos.AddLessonLearned(promoted, lesson, promoted); err != nil {
			logging.Get(logging.CategoryLifecycle).Warn("failed to carry lesson to %s: %v", leadID, err)
			break
		}
	}

	if err := m.transferTasks(target.TierID, leadID); err != nil {
		return nil, err
	}

	// Retire the old identity; TASK-only capabilities die with it.
	if err := m.registry.RevokeAll(target, promoter.TierID, "promoted"); err != nil {
		return nil, err
	}
	target.Status = types.AgentTerminated
	target.TerminationReason = fmt.Sprintf("promoted to LEAD %s: %s", leadID, reason)
	if err := m.store.UpdateAgent(target); err != nil {
		return nil, err
	}

	m.store.Audit("lifecycle", "agent", promoter.TierID, "agent_promoted", "agent", target.TierID,
		fmt.Sprintf("now LEAD %s: %s", leadID, reason))
	logging.Lifecycle("Promoted %s to LEAD %s (%s)", target.TierID, leadID, reason)
	return promoted, nil
}

// Liquidate terminates an agent. The HEAD singleton survives anything
// short of force; persistent agents require the violation flag.
func (m *Manager) Liquidate(target *types.Agent, liquidator *types.Agent, reason string, force, violation bool) error {
	cap := types.CapLiquidateAny
	if target.Tier == types.TierTask {
		cap = types.CapLiquidateTask
	}
	if err := m.registry.Require(liquidator, cap); err != nil {
		return err
	}
	if target.TierID == types.HeadTierID && !force {
		return &types.InvariantError{Rule: "liquidate-head",
			Detail: "the HEAD agent cannot be liquidated without force"}
	}
	if target.IsPersistent && !violation {
		return &types.InvariantError{Rule: "liquidate-persistent",
			Detail: fmt.Sprintf("persistent agent %s requires a violation flag", target.TierID)}
	}
	if target.Status == types.AgentTerminated {
		return nil
	}

	// In-flight tasks move to the liquidator's chain or are cancelled.
	tasks, err := m.store.TasksAssignedTo(target.TierID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status == types.TaskCompleted || task.Status == types.TaskCancelled || task.Status == types.TaskFailed {
			continue
		}
		remaining := removeString(task.AssignedAgents, target.TierID)
		if len(remaining) > 0 {
			task.AssignedAgents = remaining
		} else if target.ParentID != "" && target.ParentID != target.TierID {
			task.AssignedAgents = []string{target.ParentID}
			m.store.Audit("lifecycle", "agent", liquidator.TierID, "task_reassigned", "task", task.ID,
				fmt.Sprintf("from %s to %s", target.TierID, target.ParentID))
		} else {
			task.AssignedAgents = nil
			task.Status = types.TaskCancelled
		}
		if err := m.store.UpdateTask(task); err != nil {
			return err
		}
	}

	// Children learn their parent is gone.
	children, err := m.store.ListChildren(target.TierID)
	if err != nil {
		return err
	}
	for _, child := range children {
		m.store.Audit("lifecycle", "system", "system", "parent_terminated", "agent", child.TierID,
			fmt.Sprintf("parent %s liquidated: %s", target.TierID, reason))
	}

	if err := m.registry.RevokeAll(target, liquidator.TierID, reason); err != nil {
		return err
	}
	target.Status = types.AgentTerminated
	target.TerminationReason = reason
	if err := m.store.UpdateAgent(target); err != nil {
		return err
	}

	m.store.Audit("lifecycle", "agent", liquidator.TierID, "agent_liquidated", "agent", target.TierID, reason)
	logging.Lifecycle("Liquidated %s (%s): %s", target.TierID, target.Tier, reason)
	return nil
}

// Capacity reports per-tier id pool usage.
func (m *Manager) Capacity() ([]identity.TierCapacity, error) {
	return m.registry.Capacity()
}

// transferTasks swaps fromID for toID in every open task's assignment.
func (m *Manager) transferTasks(fromID, toID string) error {
	tasks, err := m.store.TasksAssignedTo(fromID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status == types.TaskCompleted || task.Status == types.TaskCancelled || task.Status == types.TaskFailed {
			continue
		}
		for i, id := range task.AssignedAgents {
			if id == fromID {
				task.AssignedAgents[i] = toID
			}
		}
		if err := m.store.UpdateTask(task); err != nil {
			return err
		}
		m.store.Audit("lifecycle", "system", "system", "task_transferred", "task", task.ID,
			fmt.Sprintf("from %s to %s", fromID, toID))
	}
	return nil
}

func removeString(list []string, s string) []string {
	var out []string
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
