package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentium/internal/types"
)

const taskColumns = `id, title, description, status, priority, created_by, assigned_agents,
	plan, output, acceptance_criteria, retry_count, progress_percent, last_suggestions,
	created_at, updated_at`

// taskTransitions is the legal task state machine. DELIBERATING tasks
// return to IN_PROGRESS when the COUNCIL reassigns them.
var taskTransitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskDraft:        {types.TaskAssigned, types.TaskCancelled},
	types.TaskAssigned:     {types.TaskInProgress, types.TaskCancelled},
	types.TaskInProgress:   {types.TaskDeliberating, types.TaskCompleted, types.TaskFailed, types.TaskCancelled, types.TaskInProgress},
	types.TaskDeliberating: {types.TaskInProgress, types.TaskCancelled, types.TaskFailed},
	types.TaskCompleted:    {},
	types.TaskFailed:       {},
	types.TaskCancelled:    {},
}

func legalTaskTransition(from, to types.TaskStatus) bool {
	if from == to {
		return true
	}
	for _, s := range taskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CreateTask persists a task in DRAFT.
func (s *Store) CreateTask(t *types.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = types.TaskDraft
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO tasks
		(id, title, description, status, priority, created_by, assigned_agents, plan, output,
		 acceptance_criteria, retry_count, progress_percent, last_suggestions, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.Priority, t.CreatedBy,
		marshalJSON(t.AssignedAgents), t.Plan, t.Output, marshalJSON(t.AcceptanceCriteria),
		t.RetryCount, t.ProgressPercent, t.LastSuggestions, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

func scanTask(row interface{ Scan(...interface{}) error }) (*types.Task, error) {
	t := &types.Task{}
	var status, assigned, criteria string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &t.Priority, &t.CreatedBy,
		&assigned, &t.Plan, &t.Output, &criteria, &t.RetryCount, &t.ProgressPercent,
		&t.LastSuggestions, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = types.TaskStatus(status)
	t.AssignedAgents = unmarshalStrings(assigned)
	_ = jsonUnmarshal(criteria, &t.AcceptanceCriteria)
	return t, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTask rewrites a task, enforcing the state machine and the
// immutability of completed outputs.
func (s *Store) UpdateTask(t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	err := s.db.QueryRow("SELECT status FROM tasks WHERE id = ?", t.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", t.ID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read task %s: %w", t.ID, err)
	}

	from := types.TaskStatus(current)
	if from == types.TaskCompleted {
		return &types.InvariantError{
			Rule:   "task-completed-immutable",
			Detail: fmt.Sprintf("task %s is COMPLETED and cannot change", t.ID),
		}
	}
	if !legalTaskTransition(from, t.Status) {
		return &types.InvariantError{
			Rule:   "task-transition",
			Detail: fmt.Sprintf("task %s: illegal transition %s -> %s", t.ID, from, t.Status),
		}
	}
	if t.RetryCount > types.MaxTaskRetries {
		return &types.InvariantError{
			Rule:   "task-retry-cap",
			Detail: fmt.Sprintf("task %s retry_count %d exceeds cap %d", t.ID, t.RetryCount, types.MaxTaskRetries),
		}
	}

	t.UpdatedAt = time.Now().UTC()
	_, err = s.db.Exec(`UPDATE tasks SET title=?, description=?, status=?, priority=?,
		assigned_agents=?, plan=?, output=?, acceptance_criteria=?, retry_count=?,
		progress_percent=?, last_suggestions=?, updated_at=? WHERE id=?`,
		t.Title, t.Description, string(t.Status), t.Priority,
		marshalJSON(t.AssignedAgents), t.Plan, t.Output, marshalJSON(t.AcceptanceCriteria),
		t.RetryCount, t.ProgressPercent, t.LastSuggestions, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns tasks filtered by status; empty matches all.
func (s *Store) ListTasks(status types.TaskStatus) ([]*types.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at"

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TasksAssignedTo returns non-terminal tasks whose assigned_agents
// contains the tier id.
func (s *Store) TasksAssignedTo(tierID string) ([]*types.Task, error) {
	all, err := s.ListTasks("")
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if t.Status == types.TaskCompleted || t.Status == types.TaskFailed || t.Status == types.TaskCancelled {
			continue
		}
		for _, a := range t.AssignedAgents {
			if a == tierID {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}
