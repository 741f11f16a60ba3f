package patterns

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// keywordEmbedder produces deterministic vectors from keyword counts so
// similarity ordering is predictable without a real model.
type keywordEmbedder struct {
	keywords []string
}

func newKeywordEmbedder() *keywordEmbedder {
	return &keywordEmbedder{keywords: []string{"memory", "network", "disk", "dns"}}
}

func (e *keywordEmbedder) embed(text string) []float32 {
	lower := strings.ToLower(text)
	vec := make([]float32, len(e.keywords)+1)
	vec[len(e.keywords)] = 0.1
	for i, kw := range e.keywords {
		vec[i] = float32(strings.Count(lower, kw))
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func (e *keywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{}, newKeywordEmbedder(), zap.NewNop())
	require.NoError(t, err)
	return svc
}

func oomPattern() Pattern {
	return Pattern{
		ID:          "pat-oom",
		Name:        "Pod OOMKilled",
		Description: "Container killed for exceeding its memory limit",
		Triggers:    []string{"OOMKilled", "memory limit exceeded"},
		Expansion:   "Check memory usage, raise limits or fix the leak",
		Rationale:   "restarts mask the underlying memory pressure",
	}
}

func dnsPattern() Pattern {
	return Pattern{
		ID:          "pat-dns",
		Name:        "DNS resolution failures",
		Description: "Pods cannot resolve cluster or external names",
		Triggers:    []string{"dns timeout", "no such host"},
		Expansion:   "Check CoreDNS pods and network policies for the dns service",
	}
}

func TestUpsertAndGet(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, oomPattern()))

	got, err := svc.Get(ctx, "pat-oom")
	require.NoError(t, err)
	assert.Equal(t, "Pod OOMKilled", got.Name)
	assert.False(t, got.UpdatedAt.IsZero())

	_, err = svc.Get(ctx, "pat-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Upsert(ctx, Pattern{Name: "x", Expansion: "y"}), ErrInvalidPattern)
	assert.ErrorIs(t, svc.Upsert(ctx, Pattern{ID: "a", Expansion: "y"}), ErrInvalidPattern)
	assert.ErrorIs(t, svc.Upsert(ctx, Pattern{ID: "a", Name: "x"}), ErrInvalidPattern)
}

func TestSearchRanksByRelevance(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, oomPattern()))
	require.NoError(t, svc.Upsert(ctx, dnsPattern()))

	matches, err := svc.Search(ctx, "pod killed over memory limit", 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "pat-oom", matches[0].Pattern.ID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
}

func TestSearchClampsKToCollectionSize(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	matches, err := svc.Search(ctx, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, svc.Upsert(ctx, oomPattern()))
	matches, err = svc.Search(ctx, "memory", 5)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, oomPattern()))
	require.NoError(t, svc.Delete(ctx, "pat-oom"))
	assert.ErrorIs(t, svc.Delete(ctx, "pat-oom"), ErrNotFound)

	matches, err := svc.Search(ctx, "memory", 1)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestResyncDiff(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a := oomPattern()
	c := dnsPattern()
	_, err := svc.Resync(ctx, []Pattern{a, c})
	require.NoError(t, err)

	// A changes, B is new, C disappears.
	aPrime := a
	aPrime.Expansion = "Check memory usage and recent deploys, then raise limits"
	b := Pattern{
		ID:        "pat-disk",
		Name:      "Node disk pressure",
		Expansion: "Free disk space or cordon the node",
	}

	stats, err := svc.Resync(ctx, []Pattern{aPrime, b})
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Inserted: 1, Updated: 1, Deleted: 1}, stats)

	list := svc.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "pat-disk", list[0].ID)
	assert.Equal(t, "pat-oom", list[1].ID)

	got, err := svc.Get(ctx, "pat-oom")
	require.NoError(t, err)
	assert.Contains(t, got.Expansion, "recent deploys")
}

func TestResyncUnchangedIsNoOp(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p := oomPattern()
	_, err := svc.Resync(ctx, []Pattern{p})
	require.NoError(t, err)

	stats, err := svc.Resync(ctx, []Pattern{p})
	require.NoError(t, err)
	assert.Equal(t, SyncStats{}, stats)
}

func TestResyncTriggerOrderInsensitive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p := oomPattern()
	_, err := svc.Resync(ctx, []Pattern{p})
	require.NoError(t, err)

	reordered := p
	reordered.Triggers = []string{"memory limit exceeded", "OOMKilled"}
	stats, err := svc.Resync(ctx, []Pattern{reordered})
	require.NoError(t, err)
	assert.Equal(t, SyncStats{}, stats)
}

func TestPersistentCatalogSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	embedder := newKeywordEmbedder()

	svc, err := NewService(Config{Path: dir}, embedder, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Upsert(context.Background(), oomPattern()))

	reopened, err := NewService(Config{Path: dir}, embedder, zap.NewNop())
	require.NoError(t, err)

	got, err := reopened.Get(context.Background(), "pat-oom")
	require.NoError(t, err)
	assert.Equal(t, "Pod OOMKilled", got.Name)

	matches, err := reopened.Search(context.Background(), "memory limit", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "pat-oom", matches[0].Pattern.ID)
}
