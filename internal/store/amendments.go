package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentium/internal/types"
)

const amendmentColumns = `id, status, proposer_tier_id, sponsor_tier_ids, debate_thread,
	eligible_voters, required_votes, supermajority_pct, diff_document, started_at, ends_at,
	ratified_constitution_id, created_at, updated_at`

// CreateAmendment persists a new proposal.
func (s *Store) CreateAmendment(a *types.Amendment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.StartedAt.IsZero() {
		a.StartedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO amendments
		(id, status, proposer_tier_id, sponsor_tier_ids, debate_thread, eligible_voters,
		 required_votes, supermajority_pct, diff_document, started_at, ends_at,
		 ratified_constitution_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Status), a.ProposerTierID, marshalJSON(a.SponsorTierIDs),
		marshalJSON(a.DebateThread), marshalJSON(a.EligibleVoters), a.RequiredVotes,
		a.SupermajorityPct, a.DiffDocument, a.StartedAt, nullableTime(a.EndsAt),
		a.RatifiedConstID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert amendment: %w", err)
	}
	return nil
}

func scanAmendment(row interface{ Scan(...interface{}) error }) (*types.Amendment, error) {
	a := &types.Amendment{}
	var status, sponsors, thread, voters string
	var ends sql.NullTime
	err := row.Scan(&a.ID, &status, &a.ProposerTierID, &sponsors, &thread, &voters,
		&a.RequiredVotes, &a.SupermajorityPct, &a.DiffDocument, &a.StartedAt, &ends,
		&a.RatifiedConstID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = types.AmendmentStatus(status)
	a.SponsorTierIDs = unmarshalStrings(sponsors)
	a.DebateThread = unmarshalStrings(thread)
	a.EligibleVoters = unmarshalStrings(voters)
	if ends.Valid {
		t := ends.Time
		a.EndsAt = &t
	}
	return a, nil
}

// GetAmendment loads an amendment with its current tally.
func (s *Store) GetAmendment(id string) (*types.Amendment, error) {
	s.mu.RLock()
	row := s.db.QueryRow("SELECT "+amendmentColumns+" FROM amendments WHERE id = ?", id)
	a, err := scanAmendment(row)
	s.mu.RUnlock()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("amendment %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load amendment %s: %w", id, err)
	}
	if err := s.loadTally(a); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAmendment rewrites an amendment's mutable fields.
func (s *Store) UpdateAmendment(a *types.Amendment) error {
	a.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE amendments SET status=?, sponsor_tier_ids=?, debate_thread=?,
		eligible_voters=?, required_votes=?, supermajority_pct=?, diff_document=?, ends_at=?,
		ratified_constitution_id=?, updated_at=? WHERE id=?`,
		string(a.Status), marshalJSON(a.SponsorTierIDs), marshalJSON(a.DebateThread),
		marshalJSON(a.EligibleVoters), a.RequiredVotes, a.SupermajorityPct, a.DiffDocument,
		nullableTime(a.EndsAt), a.RatifiedConstID, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update amendment %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("amendment %s: %w", a.ID, types.ErrNotFound)
	}
	return nil
}

// ListAmendments returns amendments filtered by status; empty matches
// all.
func (s *Store) ListAmendments(status types.AmendmentStatus) ([]*types.Amendment, error) {
	query := "SELECT " + amendmentColumns + " FROM amendments"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at"

	s.mu.RLock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("failed to list amendments: %w", err)
	}
	var out []*types.Amendment
	for rows.Next() {
		a, err := scanAmendment(rows)
		if err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		out = append(out, a)
	}
	rows.Close()
	s.mu.RUnlock()

	for _, a := range out {
		if err := s.loadTally(a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CastVote records or replaces one voter's ballot. Replacement has
// cancel-then-apply semantics in a single upsert.
func (s *Store) CastVote(v *types.Vote) error {
	v.CastAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO votes (amendment_id, voter_tier_id, vote, cast_at)
		VALUES (?,?,?,?)
		ON CONFLICT(amendment_id, voter_tier_id) DO UPDATE SET vote=excluded.vote, cast_at=excluded.cast_at`,
		v.AmendmentID, v.VoterTierID, string(v.Choice), v.CastAt)
	if err != nil {
		return fmt.Errorf("failed to cast vote on %s: %w", v.AmendmentID, err)
	}
	return nil
}

// ListVotes returns the latest ballot per voter.
func (s *Store) ListVotes(amendmentID string) ([]*types.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		"SELECT amendment_id, voter_tier_id, vote, cast_at FROM votes WHERE amendment_id = ? ORDER BY cast_at",
		amendmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	var out []*types.Vote
	for rows.Next() {
		v := &types.Vote{}
		var choice string
		if err := rows.Scan(&v.AmendmentID, &v.VoterTierID, &choice, &v.CastAt); err != nil {
			return nil, err
		}
		v.Choice = types.VoteChoice(choice)
		out = append(out, v)
	}
	return out, rows.Err()
}

// loadTally fills the vote counters from the votes table.
func (s *Store) loadTally(a *types.Amendment) error {
	votes, err := s.ListVotes(a.ID)
	if err != nil {
		return err
	}
	a.VotesFor, a.VotesAgainst, a.VotesAbstain = 0, 0, 0
	for _, v := range votes {
		switch v.Choice {
		case types.VoteFor:
			a.VotesFor++
		case types.VoteAgainst:
			a.VotesAgainst++
		case types.VoteAbstain:
			a.VotesAbstain++
		}
	}
	return nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
