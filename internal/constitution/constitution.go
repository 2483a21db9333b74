// Package constitution manages the immutable-versioned constitution and
// per-agent mutable ethos records. Constitution writes are append-only;
// a new version archives its predecessor in the same transaction.
package constitution

import (
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"agentium/internal/logging"
	"agentium/internal/store"
	"agentium/internal/types"
)

// Service exposes the constitution store with per-version parse caches.
type Service struct {
	store *store.Store
	// Parsed article/prohibition views keyed by version tag. Versions
	// are immutable, so entries never need invalidation.
	cache *gocache.Cache
}

// NewService builds a constitution service over the store.
func NewService(st *store.Store) *Service {
	return &Service{
		store: st,
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

// Activate installs a new constitution version, archiving the previous
// active one in the same transaction, then embeds the new articles
// into the vector store for retrieval.
func (s *Service) Activate(c *types.Constitution, actorTierID string) error {
	if err := s.store.ActivateConstitution(c); err != nil {
		return err
	}
	s.store.Audit("constitution", "agent", actorTierID, "constitution_activated",
		"constitution", c.Version, fmt.Sprintf("version %d effective", c.VersionNumber))
	logging.Get(logging.CategoryConstitution).Info("Activated constitution %s (number %d)", c.Version, c.VersionNumber)

	for n, article := range c.Articles {
		id := c.Version + ":" + strconv.Itoa(n)
		err := s.store.UpsertVector(store.CollectionConstitution, id,
			article.Title+"\n"+article.Content,
			map[string]interface{}{"version": c.Version, "article": n})
		if err != nil {
			logging.Get(logging.CategoryConstitution).Warn("failed to embed article %d: %v", n, err)
		}
	}
	return nil
}

// LoadActive returns the unique currently-effective version.
func (s *Service) LoadActive() (*types.Constitution, error) {
	return s.store.LoadActiveConstitution()
}

// ArticlesAsDict returns the parsed articles of a version, cached.
func (s *Service) ArticlesAsDict(version string) (map[int]types.Article, error) {
	key := "articles:" + version
	if v, ok := s.cache.Get(key); ok {
		return v.(map[int]types.Article), nil
	}
	c, err := s.store.GetConstitution(version)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, c.Articles, gocache.NoExpiration)
	return c.Articles, nil
}

// ProhibitedActions returns a version's prohibitions, cached.
func (s *Service) ProhibitedActions(version string) ([]string, error) {
	key := "prohibitions:" + version
	if v, ok := s.cache.Get(key); ok {
		return v.([]string), nil
	}
	c, err := s.store.GetConstitution(version)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, c.Prohibitions, gocache.NoExpiration)
	return c.Prohibitions, nil
}

// Changelog returns version tags with effective dates in ratification
// order.
func (s *Service) Changelog() ([]string, error) {
	return s.store.ConstitutionChangelog()
}

// VerifyAlignment checks an agent against the active constitution.
// A stale agent accumulates a mismatch streak; after three consecutive
// mismatches it is suspended instead of realigned.
func (s *Service) VerifyAlignment(agent *types.Agent) error {
	active, err := s.LoadActive()
	if err != nil {
		return err
	}
	if agent.ConstitutionVersion == active.Version {
		if agent.MismatchStreak != 0 {
			agent.MismatchStreak = 0
			return s.store.UpdateAgent(agent)
		}
		return nil
	}

	agent.MismatchStreak++
	if agent.MismatchStreak >= 3 {
		agent.Status = types.AgentSuspended
		if err := s.store.UpdateAgent(agent); err != nil {
			return err
		}
		s.store.Audit("constitution", "system", "system", "agent_suspended",
			"agent", agent.TierID,
			fmt.Sprintf("suspended after %d consecutive constitution mismatches", agent.MismatchStreak))
		return fmt.Errorf("agent %s suspended after repeated mismatches: %w",
			agent.TierID, types.ErrConstitutionMismatch)
	}

	// Automatic realignment.
	agent.ConstitutionVersion = active.Version
	if err := s.store.UpdateAgent(agent); err != nil {
		return err
	}
	logging.Get(logging.CategoryConstitution).Info(
		"Realigned agent %s to constitution %s (streak %d)", agent.TierID, active.Version, agent.MismatchStreak)
	return nil
}

// NextVersion returns the tag and number for the version following the
// current maximum.
func (s *Service) NextVersion() (string, int, error) {
	max, err := s.store.MaxConstitutionNumber()
	if err != nil {
		return "", 0, err
	}
	n := max + 1
	return fmt.Sprintf("v%04d", n), n, nil
}

// Bootstrap installs an initial constitution when none exists.
func (s *Service) Bootstrap(preamble string, articles map[int]types.Article) (*types.Constitution, error) {
	if c, err := s.LoadActive(); err == nil {
		return c, nil
	}
	c := &types.Constitution{
		Version:       "v0001",
		VersionNumber: 1,
		Preamble:      preamble,
		Articles:      articles,
		EffectiveDate: time.Now().UTC(),
	}
	if err := s.Activate(c, "system"); err != nil {
		return nil, err
	}
	return c, nil
}
