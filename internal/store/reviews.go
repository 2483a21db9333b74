package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentium/internal/types"
)

const reviewColumns = `id, task_id, critic_tier, critic_tier_id, verdict, rejection_reason,
	suggestions, retry_count, review_duration_ms, model_used, output_hash, criteria_results,
	consensus_failed, created_at`

// InsertReview appends one critic ruling.
func (s *Store) InsertReview(r *types.CritiqueReview) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO critique_reviews
		(id, task_id, critic_tier, critic_tier_id, verdict, rejection_reason, suggestions,
		 retry_count, review_duration_ms, model_used, output_hash, criteria_results,
		 consensus_failed, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskID, string(r.CriticTier), r.CriticTierID, string(r.Verdict),
		r.RejectionReason, r.Suggestions, r.RetryCount, r.ReviewDurationMS, r.ModelUsed,
		r.OutputHash, marshalJSON(r.CriteriaResults), r.ConsensusFailed, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert review for task %s: %w", r.TaskID, err)
	}
	return nil
}

func scanReview(row interface{ Scan(...interface{}) error }) (*types.CritiqueReview, error) {
	r := &types.CritiqueReview{}
	var tier, verdict, results string
	err := row.Scan(&r.ID, &r.TaskID, &tier, &r.CriticTierID, &verdict, &r.RejectionReason,
		&r.Suggestions, &r.RetryCount, &r.ReviewDurationMS, &r.ModelUsed, &r.OutputHash,
		&results, &r.ConsensusFailed, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.CriticTier = types.Tier(tier)
	r.Verdict = types.Verdict(verdict)
	_ = jsonUnmarshal(results, &r.CriteriaResults)
	return r, nil
}

// FindCachedReview returns the prior primary review for the same
// (task, output hash, critic tier), if any. Consensus re-reviews by a
// secondary critic are not cache hits.
func (s *Store) FindCachedReview(taskID, outputHash string, criticTier types.Tier) (*types.CritiqueReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+reviewColumns+` FROM critique_reviews
		WHERE task_id = ? AND output_hash = ? AND critic_tier = ?
		ORDER BY created_at LIMIT 1`,
		taskID, outputHash, string(criticTier))
	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up cached review: %w", err)
	}
	return r, nil
}

// ListReviews returns all reviews for a task in arrival order.
func (s *Store) ListReviews(taskID string) ([]*types.CritiqueReview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query("SELECT "+reviewColumns+` FROM critique_reviews
		WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var out []*types.CritiqueReview
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRejects returns the number of REJECT verdicts recorded for a
// task, which drives the retry cap.
func (s *Store) CountRejects(taskID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM critique_reviews WHERE task_id = ? AND verdict = ?",
		taskID, string(types.VerdictReject)).Scan(&n)
	return n, err
}

// PassedOnHash reports whether the critic tier already PASSed this
// exact output, so retries on a later specialty skip re-review.
func (s *Store) PassedOnHash(taskID, outputHash string, criticTier types.Tier) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM critique_reviews
		WHERE task_id = ? AND output_hash = ? AND critic_tier = ? AND verdict = ?`,
		taskID, outputHash, string(criticTier), string(types.VerdictPass)).Scan(&n)
	return n > 0, err
}
