package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentium/internal/types"
)

const keyColumns = `id, kind, encrypted_material, base_url, default_model, priority, status,
	failure_count, last_failure_at, cooldown_until, monthly_budget, current_spend,
	spend_reset_at, created_at, updated_at`

// CreateProviderKey persists a new key. Priority must be unique among
// non-terminated keys of the same kind.
func (s *Store) CreateProviderKey(k *types.ProviderKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.Status == "" {
		k.Status = types.KeyActive
	}
	now := time.Now().UTC()
	k.CreatedAt, k.UpdatedAt = now, now
	if k.SpendResetAt.IsZero() {
		k.SpendResetAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM provider_keys WHERE kind = ? AND priority = ? AND status != ?",
		string(k.Kind), k.Priority, string(types.KeyExhausted)).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check key priority: %w", err)
	}
	if n > 0 {
		return &types.InvariantError{
			Rule:   "key-priority-unique",
			Detail: fmt.Sprintf("priority %d already in use for provider %s", k.Priority, k.Kind),
		}
	}

	_, err = s.db.Exec(`INSERT INTO provider_keys
		(id, kind, encrypted_material, base_url, default_model, priority, status,
		 failure_count, last_failure_at, cooldown_until, monthly_budget, current_spend,
		 spend_reset_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		k.ID, string(k.Kind), k.EncryptedMaterial, k.BaseURL, k.DefaultModel, k.Priority,
		string(k.Status), k.FailureCount, nullableTime(k.LastFailureAt),
		nullableTime(k.CooldownUntil), k.MonthlyBudget, k.CurrentSpend, k.SpendResetAt,
		k.CreatedAt, k.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert provider key: %w", err)
	}
	return nil
}

func scanKey(row interface{ Scan(...interface{}) error }) (*types.ProviderKey, error) {
	k := &types.ProviderKey{}
	var kind, status string
	var lastFailure, cooldown sql.NullTime
	err := row.Scan(&k.ID, &kind, &k.EncryptedMaterial, &k.BaseURL, &k.DefaultModel,
		&k.Priority, &status, &k.FailureCount, &lastFailure, &cooldown,
		&k.MonthlyBudget, &k.CurrentSpend, &k.SpendResetAt, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	k.Kind = types.ProviderKind(kind)
	k.Status = types.KeyStatus(status)
	if lastFailure.Valid {
		t := lastFailure.Time
		k.LastFailureAt = &t
	}
	if cooldown.Valid {
		t := cooldown.Time
		k.CooldownUntil = &t
	}
	return k, nil
}

// GetProviderKey loads a key by id.
func (s *Store) GetProviderKey(id string) (*types.ProviderKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+keyColumns+" FROM provider_keys WHERE id = ?", id)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider key %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load provider key %s: %w", id, err)
	}
	return k, nil
}

// ListProviderKeys returns keys for a kind ordered by priority; empty
// kind matches every provider.
func (s *Store) ListProviderKeys(kind types.ProviderKind) ([]*types.ProviderKey, error) {
	query := "SELECT " + keyColumns + " FROM provider_keys"
	args := []interface{}{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY kind, priority"

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider keys: %w", err)
	}
	defer rows.Close()

	var out []*types.ProviderKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateProviderKey rewrites a key's health and budget fields.
func (s *Store) UpdateProviderKey(k *types.ProviderKey) error {
	k.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE provider_keys SET encrypted_material=?, base_url=?,
		default_model=?, priority=?, status=?, failure_count=?, last_failure_at=?,
		cooldown_until=?, monthly_budget=?, current_spend=?, spend_reset_at=?, updated_at=?
		WHERE id=?`,
		k.EncryptedMaterial, k.BaseURL, k.DefaultModel, k.Priority, string(k.Status),
		k.FailureCount, nullableTime(k.LastFailureAt), nullableTime(k.CooldownUntil),
		k.MonthlyBudget, k.CurrentSpend, k.SpendResetAt, k.UpdatedAt, k.ID)
	if err != nil {
		return fmt.Errorf("failed to update provider key %s: %w", k.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("provider key %s: %w", k.ID, types.ErrNotFound)
	}
	return nil
}

// DeleteProviderKey removes a key permanently.
func (s *Store) DeleteProviderKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM provider_keys WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete provider key %s: %w", id, err)
	}
	return nil
}

// SwapKeyPriorities atomically exchanges the priorities of two keys,
// used by rotation.
func (s *Store) SwapKeyPriorities(idA, idB string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		var prioA, prioB int
		if err := tx.QueryRow("SELECT priority FROM provider_keys WHERE id = ?", idA).Scan(&prioA); err != nil {
			return fmt.Errorf("failed to read key %s: %w", idA, err)
		}
		if err := tx.QueryRow("SELECT priority FROM provider_keys WHERE id = ?", idB).Scan(&prioB); err != nil {
			return fmt.Errorf("failed to read key %s: %w", idB, err)
		}
		// Park A on a sentinel priority to dodge the unique pair during the swap.
		if _, err := tx.Exec("UPDATE provider_keys SET priority = -1 WHERE id = ?", idA); err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE provider_keys SET priority = ? WHERE id = ?", prioA, idB); err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE provider_keys SET priority = ? WHERE id = ?", prioB, idA); err != nil {
			return err
		}
		return nil
	})
}
