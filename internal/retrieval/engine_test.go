package retrieval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neurolm/engram/internal/links"
	"github.com/neurolm/engram/internal/memory"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

type fixedProvider struct {
	vectors map[string][]float32
	dims    int
}

func (p *fixedProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if vec, ok := p.vectors[text]; ok {
		return vec, nil
	}
	return nil, fmt.Errorf("no vector for %q", text)
}

func (p *fixedProvider) Dimensions() int { return p.dims }
func (p *fixedProvider) Model() string   { return "fixed" }

type fakeLinks struct {
	links []*links.Link
}

func (f *fakeLinks) RecentForTopic(_ context.Context, topic, userID string, limit int) ([]*links.Link, error) {
	var out []*links.Link
	for _, l := range f.links {
		if l.LinkedTopic == topic && l.UserID == userID {
			out = append(out, l)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestEngine(repo memory.Repository, provider *fixedProvider, linkSource LinkSource) *Engine {
	e := NewEngine(repo, provider, linkSource, zap.NewNop())
	e.now = func() time.Time { return testNow }
	return e
}

func seedMemory(t *testing.T, repo memory.Repository, id, userID, content, topic string, vec []float32, age time.Duration) *memory.Memory {
	t.Helper()
	m := &memory.Memory{
		ID:         id,
		UserID:     userID,
		Content:    content,
		Confidence: 0.5,
		Category:   memory.CategoryGeneralKnowledge,
		Topic:      topic,
		Embedding:  vec,
		Timestamp:  testNow.Add(-age),
	}
	require.NoError(t, repo.CreateMemory(context.Background(), m))
	return m
}

func TestConversationScopeAlwaysEmpty(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "m1", "u1", "something", "", []float32{1, 0}, time.Hour)
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, nil)

	got, err := e.Retrieve(context.Background(), Request{
		Query: "q", UserID: "u1", Scope: ScopeConversation,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMissingUserIDReturnsEmpty(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "m1", "u1", "something", "", []float32{1, 0}, time.Hour)
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, nil)

	got, err := e.Retrieve(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDepthLimitsResults(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	for i := 0; i < 10; i++ {
		seedMemory(t, repo, fmt.Sprintf("m%02d", i), "u1", "fact", "", []float32{1, 0}, time.Duration(i+48)*time.Hour)
	}
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, nil)

	got, err := e.Retrieve(context.Background(), Request{Query: "q", UserID: "u1", Depth: 3})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestScoreClampedAtOne(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	// Identical to the query and created this instant: similarity 1.0 plus
	// the full boost must still clamp to 1.0.
	seedMemory(t, repo, "m1", "u1", "fresh", "", []float32{1, 0}, 0)
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, nil)

	got, err := e.Retrieve(context.Background(), Request{Query: "q", UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Score)
}

func TestRecencyBoostFadesOverWindow(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	// Orthogonal embedding keeps similarity at 0 so the score is pure boost.
	seedMemory(t, repo, "halfway", "u1", "12h old", "", []float32{0, 1}, 12*time.Hour)
	seedMemory(t, repo, "expired", "u1", "25h old", "", []float32{0, 1}, 25*time.Hour)
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, nil)

	got, err := e.Retrieve(context.Background(), Request{Query: "q", UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "halfway", got[0].Memory.ID)
	assert.InDelta(t, 0.05, got[0].Score, 1e-9, "half the window leaves half the boost")
	assert.Equal(t, "expired", got[1].Memory.ID)
	assert.Equal(t, 0.0, got[1].Score, "no boost past 24 hours")
}

func TestTopicScopeFiltersCandidates(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "c1", "u1", "carbonara", "cooking", []float32{1, 0}, 48*time.Hour)
	seedMemory(t, repo, "c2", "u1", "ragu", "Cooking", []float32{1, 0}, 48*time.Hour)
	seedMemory(t, repo, "f1", "u1", "index funds", "finance", []float32{1, 0}, 48*time.Hour)
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, nil)

	got, err := e.Retrieve(context.Background(), Request{
		Query: "q", UserID: "u1", Scope: ScopeTopic, CurrentTopic: "COOKING",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, res := range got {
		assert.NotEqual(t, "f1", res.Memory.ID)
	}
}

func TestDefaultScopeResolution(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "c1", "u1", "carbonara", "cooking", []float32{1, 0}, 48*time.Hour)
	seedMemory(t, repo, "f1", "u1", "index funds", "finance", []float32{1, 0}, 48*time.Hour)
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, nil)
	ctx := context.Background()

	// Unset scope with a current topic behaves as topic scope.
	got, err := e.Retrieve(ctx, Request{Query: "q", UserID: "u1", CurrentTopic: "cooking"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].Memory.ID)

	// Unset scope without a topic searches everything.
	got, err = e.Retrieve(ctx, Request{Query: "q", UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestTieBreakIsDeterministic(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	// Same embedding, both past the boost window, so scores are equal.
	older := seedMemory(t, repo, "b-older", "u1", "fact", "", []float32{1, 0}, 72*time.Hour)
	newer := seedMemory(t, repo, "a-newer", "u1", "fact", "", []float32{1, 0}, 48*time.Hour)
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, nil)

	for i := 0; i < 5; i++ {
		got, err := e.Retrieve(context.Background(), Request{Query: "q", UserID: "u1"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, newer.ID, got[0].Memory.ID, "newest wins the tie")
		assert.Equal(t, older.ID, got[1].Memory.ID)
	}
}

func TestSupplementalCrossTopicMemories(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "c1", "u1", "carbonara", "cooking", []float32{1, 0}, 48*time.Hour)
	seedMemory(t, repo, "t1", "u1", "rome trip", "travel", []float32{0, 1}, 48*time.Hour)
	seedMemory(t, repo, "t2", "u1", "tokyo trip", "travel", []float32{0, 1}, 48*time.Hour)
	seedMemory(t, repo, "t3", "u1", "lisbon trip", "travel", []float32{0, 1}, 48*time.Hour)

	linkSource := &fakeLinks{links: []*links.Link{
		{SourceMemoryID: "t1", LinkedTopic: "cooking", UserID: "u1"},
		{SourceMemoryID: "t2", LinkedTopic: "cooking", UserID: "u1"},
		{SourceMemoryID: "t3", LinkedTopic: "cooking", UserID: "u1"},
	}}
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, linkSource)

	got, err := e.Retrieve(context.Background(), Request{
		Query: "q", UserID: "u1", Scope: ScopeTopic, CurrentTopic: "cooking",
	})
	require.NoError(t, err)
	require.Len(t, got, 3, "one primary plus two supplements")

	assert.Equal(t, "c1", got[0].Memory.ID)
	assert.False(t, got[0].Supplemental)
	assert.Equal(t, "t1", got[1].Memory.ID)
	assert.True(t, got[1].Supplemental)
	assert.Equal(t, "t2", got[2].Memory.ID)
	assert.True(t, got[2].Supplemental)
}

func TestSupplementalSkipsPrimaryDuplicates(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "c1", "u1", "carbonara", "cooking", []float32{1, 0}, 48*time.Hour)
	seedMemory(t, repo, "t1", "u1", "rome trip", "travel", []float32{0, 1}, 48*time.Hour)

	linkSource := &fakeLinks{links: []*links.Link{
		{SourceMemoryID: "c1", LinkedTopic: "cooking", UserID: "u1"},
		{SourceMemoryID: "t1", LinkedTopic: "cooking", UserID: "u1"},
	}}
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, linkSource)

	got, err := e.Retrieve(context.Background(), Request{
		Query: "q", UserID: "u1", Scope: ScopeTopic, CurrentTopic: "cooking",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].Memory.ID)
	assert.Equal(t, "t1", got[1].Memory.ID, "duplicate link is skipped")
}

func TestNoSupplementsOutsideTopicScope(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "c1", "u1", "carbonara", "cooking", []float32{1, 0}, 48*time.Hour)
	seedMemory(t, repo, "t1", "u1", "rome trip", "travel", []float32{0, 1}, 48*time.Hour)

	linkSource := &fakeLinks{links: []*links.Link{
		{SourceMemoryID: "t1", LinkedTopic: "cooking", UserID: "u1"},
	}}
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, linkSource)

	got, err := e.Retrieve(context.Background(), Request{
		Query: "q", UserID: "u1", Scope: ScopeExplicitAll,
	})
	require.NoError(t, err)
	for _, res := range got {
		assert.False(t, res.Supplemental)
	}
}

func TestRetrievalReinforcesPrimaryHits(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	m := seedMemory(t, repo, "m1", "u1", "fact", "", []float32{1, 0}, 48*time.Hour)
	e := newTestEngine(repo, &fixedProvider{dims: 2, vectors: map[string][]float32{"q": {1, 0}}}, nil)

	_, err := e.Retrieve(context.Background(), Request{Query: "q", UserID: "u1"})
	require.NoError(t, err)

	stored, err := repo.GetMemory(context.Background(), m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, stored.Confidence, 1e-9, "retrieval counts as use")
	assert.InDelta(t, 0.1, stored.Reinforcement, 1e-9)
}

func TestQueryEmbedFailureDegradesToZeroSignal(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "m1", "u1", "fact", "", []float32{1, 0}, 48*time.Hour)
	// Provider has no vector for this query, so Embed errors.
	e := newTestEngine(repo, &fixedProvider{dims: 2}, nil)

	got, err := e.Retrieve(context.Background(), Request{Query: "unknown", UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].Score)
}
