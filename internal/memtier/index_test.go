package memtier

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/driftwatch/alignd/internal/journal"
	"github.com/driftwatch/alignd/internal/patch"
)

// hashEmbedding is a deterministic bag-of-words embedder for tests.
// Texts sharing words get higher cosine similarity.
func hashEmbedding(_ context.Context, text string) ([]float32, error) {
	const dims = 256
	vec := make([]float32, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%dims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func newTestIndex(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(ChromemIndexConfig{}, hashEmbedding, zaptest.NewLogger(t))
	require.NoError(t, err)
	return idx
}

func indexedPatch(t *testing.T, idx *ChromemIndex, text string) *patch.Patch {
	t.Helper()
	p, err := patch.New(text, patch.DecayTypeB, "outcome-x")
	require.NoError(t, err)
	p.Tier = patch.TierCache
	require.NoError(t, idx.Index(context.Background(), p))
	return p
}

func TestChromemIndex_QueryRanksByRelevance(t *testing.T) {
	idx := newTestIndex(t)
	tablePatch := indexedPatch(t, idx, "the customers table was renamed to clients")
	csvPatch := indexedPatch(t, idx, "escape commas when producing csv output")

	matches, err := idx.Query(context.Background(), "which table holds clients", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, tablePatch.ID, matches[0].PatchID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
	assert.Equal(t, csvPatch.ID, matches[1].PatchID)
}

func TestChromemIndex_QueryCapsAtCollectionSize(t *testing.T) {
	idx := newTestIndex(t)
	indexedPatch(t, idx, "broaden the search before concluding")

	matches, err := idx.Query(context.Background(), "search guidance", 10)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestChromemIndex_QueryEmptyIndex(t *testing.T) {
	idx := newTestIndex(t)
	matches, err := idx.Query(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestChromemIndex_Remove(t *testing.T) {
	idx := newTestIndex(t)
	p := indexedPatch(t, idx, "use the search_db tool for account lookups")

	require.NoError(t, idx.Remove(context.Background(), p.ID))

	matches, err := idx.Query(context.Background(), "account lookups", 1)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestChromemIndex_RequiresEmbedder(t *testing.T) {
	_, err := NewChromemIndex(ChromemIndexConfig{}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestStore_RetrieveWithIndex(t *testing.T) {
	jrn, err := journal.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	idx := newTestIndex(t)
	s, err := NewStore(Config{}, jrn, idx, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	tablePatch, err := patch.New("the customers table was renamed to clients", patch.DecayTypeA, "o1")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, tablePatch))

	csvPatch, err := patch.New("escape commas when producing csv output", patch.DecayTypeA, "o2")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, csvPatch))

	got, err := s.Retrieve(ctx, "which table holds clients", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tablePatch.ID, got[0].ID)
}

func TestStore_RetrieveIgnoresKernelPatches(t *testing.T) {
	jrn, err := journal.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	idx := newTestIndex(t)
	s, err := NewStore(Config{}, jrn, idx, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()

	// A verified durable patch enters the kernel tier directly and must
	// not occupy the cache query slots, even when it matches the prompt
	// exactly.
	kernelPatch, err := patch.New("which table holds clients", patch.DecayTypeB, "o1")
	require.NoError(t, err)
	kernelPatch.Verified = true
	require.NoError(t, s.Add(ctx, kernelPatch))
	require.Equal(t, patch.TierKernel, kernelPatch.Tier)

	cachePatch, err := patch.New("the customers table was renamed to clients", patch.DecayTypeA, "o2")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, cachePatch))

	got, err := s.Retrieve(ctx, "which table holds clients", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cachePatch.ID, got[0].ID)
}

func TestStore_PromotionDeindexesPatch(t *testing.T) {
	jrn, err := journal.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	idx := newTestIndex(t)
	s, err := NewStore(Config{}, jrn, idx, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	promoted, err := patch.New("broaden searches before reporting no data", patch.DecayTypeA, "o1")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, promoted))

	stays, err := patch.New("broaden date ranges when a quarter looks empty", patch.DecayTypeA, "o2")
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, stays))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordUse(ctx, promoted.ID))
	}
	got, err := s.Get(promoted.ID)
	require.NoError(t, err)
	require.Equal(t, patch.TierKernel, got.Tier)

	retrieved, err := s.Retrieve(ctx, "broaden searches before reporting no data", 1)
	require.NoError(t, err)
	require.Len(t, retrieved, 1)
	assert.Equal(t, stays.ID, retrieved[0].ID, "the promoted patch left the index")
}
