package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentium/internal/types"
)

const experimentColumns = `id, name, prompt, criteria, status, arms, winner, created_by,
	created_at, updated_at`

// CreateExperiment persists a new A/B comparison in PENDING.
func (s *Store) CreateExperiment(e *types.Experiment) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = types.ExperimentPending
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO experiments
		(id, name, prompt, criteria, status, arms, winner, created_by, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Name, e.Prompt, marshalJSON(e.Criteria), string(e.Status),
		marshalJSON(e.Arms), e.Winner, e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert experiment %s: %w", e.ID, err)
	}
	return nil
}

func scanExperiment(row interface{ Scan(...interface{}) error }) (*types.Experiment, error) {
	e := &types.Experiment{}
	var status, criteria, arms string
	err := row.Scan(&e.ID, &e.Name, &e.Prompt, &criteria, &status, &arms, &e.Winner,
		&e.CreatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = types.ExperimentStatus(status)
	_ = jsonUnmarshal(criteria, &e.Criteria)
	_ = jsonUnmarshal(arms, &e.Arms)
	return e, nil
}

// GetExperiment loads an experiment by id.
func (s *Store) GetExperiment(id string) (*types.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+experimentColumns+" FROM experiments WHERE id = ?", id)
	e, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment %s: %w", id, err)
	}
	return e, nil
}

// ListExperiments returns experiments, newest first; empty status
// matches all.
func (s *Store) ListExperiments(status types.ExperimentStatus) ([]*types.Experiment, error) {
	query := "SELECT " + experimentColumns + " FROM experiments"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var out []*types.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateExperiment rewrites an experiment's run state and results.
func (s *Store) UpdateExperiment(e *types.Experiment) error {
	e.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE experiments SET name=?, prompt=?, criteria=?, status=?,
		arms=?, winner=?, updated_at=? WHERE id=?`,
		e.Name, e.Prompt, marshalJSON(e.Criteria), string(e.Status),
		marshalJSON(e.Arms), e.Winner, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update experiment %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("experiment %s: %w", e.ID, types.ErrNotFound)
	}
	return nil
}
