package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentium/internal/types"
)

const ethosColumns = `id, agent_tier_id, mission_statement, behavioral_rules, restrictions,
	capabilities, constitutional_refs, active_plan, working_state, lessons_learned,
	version, updated_by, updated_at`

// CreateEthos persists a new ethos at version 1.
func (s *Store) CreateEthos(e *types.Ethos) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	e.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO ethos
		(id, agent_tier_id, mission_statement, behavioral_rules, restrictions, capabilities,
		 constitutional_refs, active_plan, working_state, lessons_learned, version, updated_by, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.AgentTierID, e.MissionStatement,
		marshalJSON(e.BehavioralRules), marshalJSON(e.Restrictions), marshalJSON(e.Capabilities),
		marshalJSON(e.ConstitutionalReferences), marshalJSON(e.ActivePlan),
		e.WorkingState, marshalJSON(e.LessonsLearned), e.Version, e.UpdatedBy, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert ethos for %s: %w", e.AgentTierID, err)
	}
	return nil
}

func scanEthos(row interface{ Scan(...interface{}) error }) (*types.Ethos, error) {
	e := &types.Ethos{}
	var rules, restrictions, caps, refs, plan, lessons string
	err := row.Scan(&e.ID, &e.AgentTierID, &e.MissionStatement, &rules, &restrictions,
		&caps, &refs, &plan, &e.WorkingState, &lessons, &e.Version, &e.UpdatedBy, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.BehavioralRules = unmarshalStrings(rules)
	e.Restrictions = unmarshalStrings(restrictions)
	e.Capabilities = unmarshalStrings(caps)
	e.ConstitutionalReferences = unmarshalStrings(refs)
	e.LessonsLearned = unmarshalStrings(lessons)
	e.ActivePlan = unmarshalPlan(plan)
	return e, nil
}

// GetEthos loads an ethos by id.
func (s *Store) GetEthos(id string) (*types.Ethos, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+ethosColumns+" FROM ethos WHERE id = ?", id)
	e, err := scanEthos(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ethos %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ethos %s: %w", id, err)
	}
	return e, nil
}

// UpdateEthos rewrites an ethos, bumping its version. The caller's
// in-memory version must match the stored one; a mismatch means a
// concurrent writer won and the update is rejected.
func (s *Store) UpdateEthos(e *types.Ethos, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored int
	err := s.db.QueryRow("SELECT version FROM ethos WHERE id = ?", e.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ethos %s: %w", e.ID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read ethos version: %w", err)
	}
	if stored != e.Version {
		return &types.InvariantError{
			Rule:   "ethos-version",
			Detail: fmt.Sprintf("ethos %s version %d stale (stored %d)", e.ID, e.Version, stored),
		}
	}

	e.Version++
	e.UpdatedBy = actor
	e.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(`UPDATE ethos SET mission_statement=?, behavioral_rules=?, restrictions=?,
		capabilities=?, constitutional_refs=?, active_plan=?, working_state=?, lessons_learned=?,
		version=?, updated_by=?, updated_at=? WHERE id=?`,
		e.MissionStatement, marshalJSON(e.BehavioralRules), marshalJSON(e.Restrictions),
		marshalJSON(e.Capabilities), marshalJSON(e.ConstitutionalReferences),
		marshalJSON(e.ActivePlan), e.WorkingState, marshalJSON(e.LessonsLearned),
		e.Version, e.UpdatedBy, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update ethos %s: %w", e.ID, err)
	}
	return nil
}

func unmarshalPlan(s string) []types.PlanStep {
	var out []types.PlanStep
	if err := jsonUnmarshal(s, &out); err != nil {
		return nil
	}
	return out
}
