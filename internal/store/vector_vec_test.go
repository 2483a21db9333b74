//go:build sqlite_vec && cgo

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVecIndexEnabled(t *testing.T) {
	s := newTestStore(t)
	assert.True(t, s.vectorExt, "sqlite-vec extension should be detected under this build")

	var n int
	err := s.db.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE name = 'vectors_vec'").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVecIndexQueryOrdering(t *testing.T) {
	s := newTestStore(t)
	require.True(t, s.vectorExt)

	require.NoError(t, s.UpsertVector(CollectionCriticCaseLaw, "r1",
		"empty output string must be rejected", nil))
	require.NoError(t, s.UpsertVector(CollectionCriticCaseLaw, "r2",
		"unrelated note about provider budgets", nil))
	require.NoError(t, s.UpsertVector(CollectionConstitution, "a1",
		"empty output string must be rejected", nil))

	var indexed int
	require.NoError(t, s.db.QueryRow("SELECT count(*) FROM vectors_vec").Scan(&indexed))
	assert.Equal(t, 3, indexed)

	hits, err := s.QueryVectors(CollectionCriticCaseLaw, "empty output string rejection", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "r1", hits[0].ID, "nearest case-law entry wins")

	// Constitution entries never bleed into case-law queries even when
	// their content matches exactly.
	hits, err = s.QueryVectors(CollectionCriticCaseLaw, "empty output string rejection", 5)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "a1", h.ID)
	}
}

func TestVecIndexUpsertReplacesEntry(t *testing.T) {
	s := newTestStore(t)
	require.True(t, s.vectorExt)

	require.NoError(t, s.UpsertVector(CollectionTaskPatterns, "t1", "summarise a report", nil))
	require.NoError(t, s.UpsertVector(CollectionTaskPatterns, "t1", "translate a document", nil))

	var indexed int
	require.NoError(t, s.db.QueryRow("SELECT count(*) FROM vectors_vec").Scan(&indexed))
	assert.Equal(t, 1, indexed, "re-upsert must replace the index entry, not duplicate it")

	hits, err := s.QueryVectors(CollectionTaskPatterns, "translate a document", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "translate a document", hits[0].Content)
}

func TestVecIndexDeleteRemovesEntry(t *testing.T) {
	s := newTestStore(t)
	require.True(t, s.vectorExt)

	require.NoError(t, s.UpsertVector(CollectionStaging, "v1", "first", nil))
	require.NoError(t, s.UpsertVector(CollectionStaging, "v2", "second", nil))
	require.NoError(t, s.DeleteVectors(CollectionStaging, []string{"v1"}))

	var indexed int
	require.NoError(t, s.db.QueryRow("SELECT count(*) FROM vectors_vec").Scan(&indexed))
	assert.Equal(t, 1, indexed)

	hits, err := s.QueryVectors(CollectionStaging, "first", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "v2", hits[0].ID)
}
