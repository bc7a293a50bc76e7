package decay

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neurolm/engram/internal/memory"
)

func newTestEngine(repo memory.Repository, seed int64, at time.Time) *Engine {
	e := NewEngine(repo, zap.NewNop())
	e.rng = rand.New(rand.NewSource(seed))
	e.now = func() time.Time { return at }
	return e
}

func seedMemory(t *testing.T, repo memory.Repository, id string, confidence float64) {
	t.Helper()
	require.NoError(t, repo.CreateMemory(context.Background(), &memory.Memory{
		ID:         id,
		UserID:     "u1",
		Content:    "content of " + id,
		Confidence: confidence,
		Category:   memory.CategoryGeneralKnowledge,
		Embedding:  []float32{1, 0},
		Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func TestRunSkippedOutsideMaintenanceHour(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "m1", 0.5)

	noon := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	e := newTestEngine(repo, 1, noon)

	report, err := e.Run(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, report.Ran)

	stored, err := repo.GetMemory(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, stored.Confidence, "nothing changes outside hour 3")
}

func TestRunExecutesDuringMaintenanceHour(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "m1", 0.5)

	threeAM := time.Date(2026, 6, 1, 3, 15, 0, 0, time.UTC)
	e := newTestEngine(repo, 1, threeAM)

	report, err := e.Run(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, report.Ran)
	assert.Equal(t, 1, report.Lowered)
}

func TestForceRunsAnytime(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "m1", 0.5)

	noon := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	e := newTestEngine(repo, 1, noon)

	report, err := e.Run(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, report.Ran)
}

func TestDecayAmountMatchesJitteredRate(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "m1", 0.5)

	e := newTestEngine(repo, 42, time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC))

	report, err := e.Run(context.Background(), false)
	require.NoError(t, err)
	require.True(t, report.Ran)

	assert.GreaterOrEqual(t, report.Rate, BaseRate*0.8)
	assert.LessOrEqual(t, report.Rate, BaseRate*1.2)

	stored, err := repo.GetMemory(context.Background(), "m1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5-report.Rate, stored.Confidence, 1e-12,
		"confidence drops by exactly the jittered rate")
}

func TestSameSeedSameRate(t *testing.T) {
	at := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)

	repoA := memory.NewInMemoryRepository()
	seedMemory(t, repoA, "m1", 0.5)
	reportA, err := newTestEngine(repoA, 7, at).Run(context.Background(), false)
	require.NoError(t, err)

	repoB := memory.NewInMemoryRepository()
	seedMemory(t, repoB, "m1", 0.5)
	reportB, err := newTestEngine(repoB, 7, at).Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, reportA.Rate, reportB.Rate)
}

func TestDecayConvergesToFloor(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	seedMemory(t, repo, "m1", memory.ConfidenceFloor+0.0001)

	at := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	e := newTestEngine(repo, 42, at)
	ctx := context.Background()

	_, err := e.Run(ctx, true)
	require.NoError(t, err)

	stored, err := repo.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, memory.ConfidenceFloor, stored.Confidence, "first run hits the floor")
	require.NotNil(t, stored.DecayedAt, "floor-bound memory gets flagged")
	assert.Equal(t, at, *stored.DecayedAt)

	// Second run must not push below the floor.
	report, err := e.Run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Lowered, "already at the floor, nothing to lower")

	stored, err = repo.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, memory.ConfidenceFloor, stored.Confidence)
	assert.NotNil(t, stored.DecayedAt, "flagged memory stays retrievable by id")
}

func TestDecayTargetsLowestConfidenceFirst(t *testing.T) {
	repo := memory.NewInMemoryRepository()
	// More memories than the batch touches in one run.
	for i := 0; i < BatchSize; i++ {
		seedMemory(t, repo, idWithIndex("weak", i), 0.2)
	}
	seedMemory(t, repo, "strong", 0.9)

	e := newTestEngine(repo, 42, time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC))

	report, err := e.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, BatchSize, report.Examined)

	stored, err := repo.GetMemory(context.Background(), "strong")
	require.NoError(t, err)
	assert.Equal(t, 0.9, stored.Confidence, "the strongest memory is outside the batch")
}

func idWithIndex(prefix string, i int) string {
	return prefix + string(rune('a'+i/26)) + string(rune('a'+i%26))
}
