package store

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"agentium/internal/logging"
)

// Vector collections by role.
const (
	CollectionConstitution  = "constitution_articles"
	CollectionAgentEthos    = "agent_ethos"
	CollectionTaskPatterns  = "task_patterns"
	CollectionCouncilMemory = "council_memory"
	CollectionCriticCaseLaw = "critic_case_law"
	CollectionSovereign     = "sovereign_prefs"
	CollectionStaging       = "staging"
	CollectionArchive       = "archive"
)

const embeddingDim = 256

// VectorHit is one similarity-query result.
type VectorHit struct {
	ID       string
	Distance float64
	Content  string
	Metadata map[string]interface{}
}

// embedText produces a deterministic local embedding by hashing token
// trigrams into a fixed-dimension projection and L2-normalising. Not a
// semantic model, but stable, dependency-free, and good enough for
// case-law and article retrieval.
func embedText(text string) []float64 {
	vec := make([]float64, embeddingDim)
	tokens := strings.Fields(strings.ToLower(text))
	add := func(s string, weight float64) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(s))
		idx := int(h.Sum32()) % embeddingDim
		if idx < 0 {
			idx += embeddingDim
		}
		vec[idx] += weight
	}
	for i, tok := range tokens {
		add(tok, 1.0)
		if i+1 < len(tokens) {
			add(tok+" "+tokens[i+1], 0.5)
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func cosineDistance(a, b []float64) float64 {
	if len(a) != len(b) {
		return 1.0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	// Inputs are unit vectors.
	return 1.0 - dot
}

// UpsertVector stores (or replaces) one entry in a collection.
func (s *Store) UpsertVector(collection, id, content string, metadata map[string]interface{}) error {
	emb := embedText(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO vectors (id, collection, content, embedding, metadata)
		VALUES (?,?,?,?,?)
		ON CONFLICT(collection, id) DO UPDATE SET
			content=excluded.content, embedding=excluded.embedding, metadata=excluded.metadata`,
		id, collection, content, marshalJSON(emb), marshalJSON(metadata))
	if err != nil {
		return fmt.Errorf("failed to upsert vector %s/%s: %w", collection, id, err)
	}
	if s.vectorExt {
		if err := s.indexVectorLocked(collection, id, emb); err != nil {
			return fmt.Errorf("failed to index vector %s/%s: %w", collection, id, err)
		}
	}
	logging.StoreDebug("Upserted vector %s/%s (%d bytes)", collection, id, len(content))
	return nil
}

// indexVectorLocked mirrors one vectors row into the vec0 index table,
// keyed by the row's rowid. Caller holds the write lock.
func (s *Store) indexVectorLocked(collection, id string, emb []float64) error {
	var rowid int64
	if err := s.db.QueryRow(
		"SELECT rowid FROM vectors WHERE collection = ? AND id = ?", collection, id).Scan(&rowid); err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM vectors_vec WHERE rowid = ?", rowid); err != nil {
		return err
	}
	_, err := s.db.Exec("INSERT INTO vectors_vec (rowid, embedding) VALUES (?, ?)",
		rowid, marshalJSON(emb))
	return err
}

// QueryVectors returns the k nearest entries to text in a collection,
// closest first.
func (s *Store) QueryVectors(collection, text string, k int) ([]VectorHit, error) {
	if k <= 0 {
		k = 5
	}
	queryEmb := embedText(text)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		hits, err := s.knnQueryLocked(collection, queryEmb, k)
		if err == nil {
			return hits, nil
		}
		logging.Get(logging.CategoryStore).Warn("vec0 query failed, falling back to cosine scan: %v", err)
	}

	rows, err := s.db.Query(
		"SELECT id, content, embedding, metadata FROM vectors WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query vectors: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var id, content, embJSON, metaJSON string
		if err := rows.Scan(&id, &content, &embJSON, &metaJSON); err != nil {
			return nil, err
		}
		var emb []float64
		if err := jsonUnmarshal(embJSON, &emb); err != nil {
			continue
		}
		hit := VectorHit{ID: id, Content: content, Distance: cosineDistance(queryEmb, emb)}
		_ = jsonUnmarshal(metaJSON, &hit.Metadata)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// knnQueryLocked runs the KNN search through the vec0 index. The
// collection filter applies after the nearest-neighbour scan, so the
// index is over-fetched before trimming to k. Caller holds the read
// lock.
func (s *Store) knnQueryLocked(collection string, queryEmb []float64, k int) ([]VectorHit, error) {
	rows, err := s.db.Query(`
		SELECT v.id, v.content, v.metadata, vv.distance
		FROM vectors_vec vv
		JOIN vectors v ON v.rowid = vv.rowid
		WHERE vv.embedding MATCH ? AND vv.k = ? AND v.collection = ?
		ORDER BY vv.distance`,
		marshalJSON(queryEmb), k*4, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var hit VectorHit
		var metaJSON string
		if err := rows.Scan(&hit.ID, &hit.Content, &metaJSON, &hit.Distance); err != nil {
			return nil, err
		}
		_ = jsonUnmarshal(metaJSON, &hit.Metadata)
		hits = append(hits, hit)
		if len(hits) == k {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hits, nil
}

// DeleteVectors removes entries by id from a collection.
func (s *Store) DeleteVectors(collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if s.vectorExt {
			if _, err := s.db.Exec(
				`DELETE FROM vectors_vec WHERE rowid IN
					(SELECT rowid FROM vectors WHERE collection = ? AND id = ?)`,
				collection, id); err != nil {
				return fmt.Errorf("failed to deindex vector %s/%s: %w", collection, id, err)
			}
		}
		if _, err := s.db.Exec(
			"DELETE FROM vectors WHERE collection = ? AND id = ?", collection, id); err != nil {
			return fmt.Errorf("failed to delete vector %s/%s: %w", collection, id, err)
		}
	}
	return nil
}
