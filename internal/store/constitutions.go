package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"agentium/internal/types"
)

const constitutionColumns = `id, version, version_number, preamble, articles, prohibitions,
	sovereign_prefs, is_active, effective_date, COALESCE(replaces_version_id,''),
	archived_date, ratified_by_amendment`

func scanConstitution(row interface{ Scan(...interface{}) error }) (*types.Constitution, error) {
	c := &types.Constitution{}
	var articles, prohibitions, prefs string
	var archived sql.NullTime
	err := row.Scan(&c.ID, &c.Version, &c.VersionNumber, &c.Preamble, &articles,
		&prohibitions, &prefs, &c.IsActive, &c.EffectiveDate, &c.ReplacesVersionID,
		&archived, &c.RatifiedByAmendment)
	if err != nil {
		return nil, err
	}
	if archived.Valid {
		t := archived.Time
		c.ArchivedDate = &t
	}
	c.Articles = unmarshalArticles(articles)
	c.Prohibitions = unmarshalStrings(prohibitions)
	_ = jsonUnmarshal(prefs, &c.SovereignPrefs)
	return c, nil
}

// ActivateConstitution inserts a new constitution version and archives
// the previously active one in a single transaction, so there is never
// an instant with zero or two active versions.
func (s *Store) ActivateConstitution(c *types.Constitution) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.EffectiveDate.IsZero() {
		c.EffectiveDate = now
	}

	return s.WithTx(func(tx *sql.Tx) error {
		var prevID string
		var prevNumber int
		err := tx.QueryRow("SELECT id, version_number FROM constitutions WHERE is_active = 1").
			Scan(&prevID, &prevNumber)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// First version.
		case err != nil:
			return fmt.Errorf("failed to read active constitution: %w", err)
		default:
			if c.VersionNumber <= prevNumber {
				return &types.InvariantError{
					Rule:   "constitution-version-monotone",
					Detail: fmt.Sprintf("version_number %d not above active %d", c.VersionNumber, prevNumber),
				}
			}
			c.ReplacesVersionID = prevID
			if _, err := tx.Exec(
				"UPDATE constitutions SET is_active = 0, archived_date = ? WHERE id = ?", now, prevID); err != nil {
				return fmt.Errorf("failed to archive constitution %s: %w", prevID, err)
			}
		}

		c.IsActive = true
		var replaces interface{}
		if c.ReplacesVersionID != "" {
			replaces = c.ReplacesVersionID
		}
		_, err = tx.Exec(`INSERT INTO constitutions
			(id, version, version_number, preamble, articles, prohibitions, sovereign_prefs,
			 is_active, effective_date, replaces_version_id, archived_date, ratified_by_amendment)
			VALUES (?,?,?,?,?,?,?,?,?,?,NULL,?)`,
			c.ID, c.Version, c.VersionNumber, c.Preamble,
			marshalArticles(c.Articles), marshalJSON(c.Prohibitions), marshalJSON(c.SovereignPrefs),
			true, c.EffectiveDate, replaces, c.RatifiedByAmendment)
		if err != nil {
			return fmt.Errorf("failed to insert constitution %s: %w", c.Version, err)
		}
		return nil
	})
}

// LoadActiveConstitution returns the unique currently-effective
// version.
func (s *Store) LoadActiveConstitution() (*types.Constitution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT " + constitutionColumns + " FROM constitutions WHERE is_active = 1")
	c, err := scanConstitution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active constitution: %w", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active constitution: %w", err)
	}
	return c, nil
}

// GetConstitution loads a constitution by version tag.
func (s *Store) GetConstitution(version string) (*types.Constitution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow("SELECT "+constitutionColumns+" FROM constitutions WHERE version = ?", version)
	c, err := scanConstitution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("constitution %s: %w", version, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load constitution %s: %w", version, err)
	}
	return c, nil
}

// MaxConstitutionNumber returns the highest version_number, 0 when the
// table is empty.
func (s *Store) MaxConstitutionNumber() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(version_number) FROM constitutions").Scan(&n); err != nil {
		return 0, err
	}
	return int(n.Int64), nil
}

// ConstitutionChangelog returns version tags with effective dates in
// ratification order.
func (s *Store) ConstitutionChangelog() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		"SELECT version, version_number, effective_date FROM constitutions ORDER BY version_number")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var version string
		var number int
		var effective time.Time
		if err := rows.Scan(&version, &number, &effective); err != nil {
			return nil, err
		}
		out = append(out, version+" ("+effective.Format("2006-01-02")+")")
	}
	return out, rows.Err()
}

// Articles are persisted as a JSON object keyed by article number so
// the blob stays human-inspectable.

func marshalArticles(articles map[int]types.Article) string {
	m := make(map[string]types.Article, len(articles))
	for n, a := range articles {
		m[strconv.Itoa(n)] = a
	}
	return marshalJSON(m)
}

func unmarshalArticles(s string) map[int]types.Article {
	var m map[string]types.Article
	if err := jsonUnmarshal(s, &m); err != nil {
		return nil
	}
	out := make(map[int]types.Article, len(m))
	for k, a := range m {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[n] = a
	}
	return out
}
