package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"agentium/internal/logging"
	"agentium/internal/types"
)

// AppendAudit writes one append-only audit record. Timestamps are
// clamped to be monotonically non-decreasing per actor; there is no
// update or delete path for this table.
func (s *Store) AppendAudit(e *types.AuditEntry) error {
	if e.ActorID == "" {
		return &types.InvariantError{Rule: "audit-actor", Detail: "audit entry requires a non-empty actor_id"}
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var last sql.NullTime
	err := s.db.QueryRow(
		"SELECT MAX(ts) FROM audit_logs WHERE actor_id = ?", e.ActorID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read last audit ts: %w", err)
	}
	if last.Valid && e.TS.Before(last.Time) {
		e.TS = last.Time
	}

	res, err := s.db.Exec(`INSERT INTO audit_logs
		(ts, level, category, actor_type, actor_id, action, target_type, target_id, description, metadata)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.TS, string(e.Level), e.Category, e.ActorType, e.ActorID, e.Action,
		e.TargetType, e.TargetID, e.Description, marshalJSON(e.Metadata))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	e.ID, _ = res.LastInsertId()

	if e.Level == types.AuditCritical {
		logging.Get(logging.CategoryStore).Error("CRITICAL audit: %s %s by %s: %s",
			e.Action, e.TargetID, e.ActorID, e.Description)
	}
	return nil
}

// ListAudit returns entries, newest first, optionally filtered by
// actor and capped at limit.
func (s *Store) ListAudit(actorID string, limit int) ([]*types.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, ts, level, category, actor_type, actor_id, action, target_type,
		target_id, description, metadata FROM audit_logs`
	args := []interface{}{}
	if actorID != "" {
		query += " WHERE actor_id = ?"
		args = append(args, actorID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*types.AuditEntry
	for rows.Next() {
		e := &types.AuditEntry{}
		var level, metadata string
		if err := rows.Scan(&e.ID, &e.TS, &level, &e.Category, &e.ActorType, &e.ActorID,
			&e.Action, &e.TargetType, &e.TargetID, &e.Description, &metadata); err != nil {
			return nil, err
		}
		e.Level = types.AuditLevel(level)
		_ = jsonUnmarshal(metadata, &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Audit is a convenience for the common INFO case.
func (s *Store) Audit(category, actorType, actorID, action, targetType, targetID, description string) {
	err := s.AppendAudit(&types.AuditEntry{
		Level: types.AuditInfo, Category: category,
		ActorType: actorType, ActorID: actorID, Action: action,
		TargetType: targetType, TargetID: targetID, Description: description,
	})
	if err != nil {
		logging.Get(logging.CategoryStore).Error("audit append failed: %v", err)
	}
}
