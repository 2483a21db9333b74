package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentium/internal/types"
)

const agentColumns = `id, tier_id, tier, name, status, COALESCE(parent_id,''), COALESCE(ethos_id,''),
	preferred_provider, is_persistent, incarnation_number, constitution_version,
	granted, revoked, tasks_completed, tasks_failed, idle_cycles, mismatch_streak,
	termination_reason, created_at, updated_at`

// CreateAgent persists a new agent record. The tier prefix invariant is
// enforced here so a bad id can never reach the table.
func (s *Store) CreateAgent(a *types.Agent) error {
	if !a.Tier.MatchesPrefix(a.TierID) {
		return &types.InvariantError{
			Rule:   "tier-prefix",
			Detail: fmt.Sprintf("tier id %s does not match tier %s", a.TierID, a.Tier),
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	var parent interface{}
	if a.ParentID != "" {
		parent = a.ParentID
	}
	var ethos interface{}
	if a.EthosID != "" {
		ethos = a.EthosID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO agents
		(id, tier_id, tier, name, status, parent_id, ethos_id, preferred_provider,
		 is_persistent, incarnation_number, constitution_version, granted, revoked,
		 tasks_completed, tasks_failed, idle_cycles, mismatch_streak, termination_reason,
		 created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TierID, string(a.Tier), a.Name, string(a.Status), parent, ethos,
		a.PreferredProvider, a.IsPersistent, a.IncarnationNumber, a.ConstitutionVersion,
		marshalCapSet(a.Granted), marshalCapSet(a.Revoked),
		a.TasksCompleted, a.TasksFailed, a.IdleCycles, a.MismatchStreak,
		a.TerminationReason, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert agent %s: %w", a.TierID, err)
	}
	return nil
}

func scanAgent(row interface{ Scan(...interface{}) error }) (*types.Agent, error) {
	a := &types.Agent{}
	var tier, status, granted, revoked string
	err := row.Scan(&a.ID, &a.TierID, &tier, &a.Name, &status, &a.ParentID, &a.EthosID,
		&a.PreferredProvider, &a.IsPersistent, &a.IncarnationNumber, &a.ConstitutionVersion,
		&granted, &revoked, &a.TasksCompleted, &a.TasksFailed, &a.IdleCycles,
		&a.MismatchStreak, &a.TerminationReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Tier = types.Tier(tier)
	a.Status = types.AgentStatus(status)
	a.Granted = unmarshalCapSet(granted)
	a.Revoked = unmarshalCapSet(revoked)
	return a, nil
}

// GetAgent loads an agent by tier id.
func (s *Store) GetAgent(tierID string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+agentColumns+" FROM agents WHERE tier_id = ?", tierID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", tierID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %s: %w", tierID, err)
	}
	return a, nil
}

// ListAgents returns agents filtered by tier and/or status; empty
// filters match everything.
func (s *Store) ListAgents(tier types.Tier, status types.AgentStatus) ([]*types.Agent, error) {
	query := "SELECT " + agentColumns + " FROM agents WHERE 1=1"
	args := []interface{}{}
	if tier != "" {
		query += " AND tier = ?"
		args = append(args, string(tier))
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY tier_id"

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListChildren returns the direct children of a parent, any status.
func (s *Store) ListChildren(parentTierID string) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		"SELECT "+agentColumns+" FROM agents WHERE parent_id = ? ORDER BY tier_id", parentTierID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", parentTierID, err)
	}
	defer rows.Close()

	var out []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgent rewrites an agent's mutable fields. A TERMINATED agent's
// parent link is frozen: updates keep whatever parent_id is stored.
func (s *Store) UpdateAgent(a *types.Agent) error {
	a.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var currentStatus string
	err := s.db.QueryRow("SELECT status FROM agents WHERE tier_id = ?", a.TierID).Scan(&currentStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("agent %s: %w", a.TierID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read agent %s: %w", a.TierID, err)
	}

	query := `UPDATE agents SET name=?, status=?, ethos_id=?, preferred_provider=?,
		is_persistent=?, incarnation_number=?, constitution_version=?, granted=?, revoked=?,
		tasks_completed=?, tasks_failed=?, idle_cycles=?, mismatch_streak=?,
		termination_reason=?, updated_at=?`
	args := []interface{}{
		a.Name, string(a.Status), a.EthosID, a.PreferredProvider,
		a.IsPersistent, a.IncarnationNumber, a.ConstitutionVersion,
		marshalCapSet(a.Granted), marshalCapSet(a.Revoked),
		a.TasksCompleted, a.TasksFailed, a.IdleCycles, a.MismatchStreak,
		a.TerminationReason, a.UpdatedAt,
	}
	if types.AgentStatus(currentStatus) != types.AgentTerminated {
		query += ", parent_id=?"
		var parent interface{}
		if a.ParentID != "" {
			parent = a.ParentID
		}
		args = append(args, parent)
	}
	query += " WHERE tier_id=?"
	args = append(args, a.TierID)

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update agent %s: %w", a.TierID, err)
	}
	return nil
}

// UsedTierIDs returns all allocated 5-digit ids beginning with prefix,
// terminated agents included: tier ids are never recycled.
func (s *Store) UsedTierIDs(prefix byte) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query("SELECT tier_id FROM agents WHERE tier_id LIKE ?", string(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query used tier ids: %w", err)
	}
	defer rows.Close()

	used := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		used[id] = true
	}
	return used, rows.Err()
}

// CountByPrefix returns the number of allocated ids under a prefix.
func (s *Store) CountByPrefix(prefix byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM agents WHERE tier_id LIKE ?", string(prefix)+"%").Scan(&n)
	return n, err
}
