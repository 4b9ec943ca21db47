// Package storetest holds the behaviour every ledger.Store must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superpaes/exercise-gateway/internal/ledger"
)

// Run exercises a fresh store returned by open for every subtest.
func Run(t *testing.T, open func(t *testing.T) ledger.Store) {
	t.Run("UsageQueryAndSum", func(t *testing.T) { testUsage(t, open(t)) })
	t.Run("CostLimits", func(t *testing.T) { testLimits(t, open(t)) })
	t.Run("Alerts", func(t *testing.T) { testAlerts(t, open(t)) })
}

var base = time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

func testUsage(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	score := 0.82
	records := []ledger.UsageRecord{
		{ID: "u-1", UserID: "alice", Model: "m1", Action: "generate_exercise", TokenCount: 400, EstimatedCost: 0.25,
			ResponseTimeMs: 1200, Success: true, ModuleSource: "lectura", QualityScore: &score,
			Metadata: map[string]any{"attempt": float64(1)}, CreatedAt: base},
		{ID: "u-2", UserID: "alice", Model: "m1", Action: "quality_validation", TokenCount: 10, EstimatedCost: 0.5,
			Success: true, ModuleSource: "matematica", CreatedAt: base.Add(time.Hour)},
		{ID: "u-3", UserID: "bob", Model: "m2", Action: "generate_exercise", EstimatedCost: 1,
			Success: false, ModuleSource: "lectura", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "u-4", Model: "m2", Action: "generate_exercise", EstimatedCost: 2, CreatedAt: base.Add(-24 * time.Hour)},
	}
	for _, rec := range records {
		require.NoError(t, store.InsertUsage(ctx, rec))
	}

	all, err := store.QueryUsage(ctx, ledger.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "u-4", all[0].ID, "oldest first")

	got, err := store.QueryUsage(ctx, ledger.UsageFilter{Start: base, End: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	first := got[0]
	assert.Equal(t, "u-1", first.ID)
	assert.Equal(t, "alice", first.UserID)
	assert.Equal(t, int64(400), first.TokenCount)
	assert.Equal(t, int64(1200), first.ResponseTimeMs)
	assert.True(t, first.Success)
	require.NotNil(t, first.QualityScore)
	assert.InDelta(t, 0.82, *first.QualityScore, 1e-9)
	assert.Equal(t, float64(1), first.Metadata["attempt"])
	assert.True(t, first.CreatedAt.Equal(base))
	assert.Nil(t, got[1].QualityScore)

	sum, err := store.SumCost(ctx, ledger.UsageFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, sum, 1e-9)

	sum, err = store.SumCost(ctx, ledger.UsageFilter{ModuleSource: "lectura", Start: base})
	require.NoError(t, err)
	assert.InDelta(t, 1.25, sum, 1e-9)

	sum, err = store.SumCost(ctx, ledger.UsageFilter{UserID: "nobody"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, sum)
}

func testLimits(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	_, err := store.CostLimit(ctx, "alice")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))

	limit := ledger.CostLimit{
		UserID:       "alice",
		DailyLimit:   1,
		WeeklyLimit:  5,
		ModuleLimits: map[string]float64{"lectura": 0.5},
		Active:       true,
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	require.NoError(t, store.PutCostLimit(ctx, limit))

	limit.DailyLimit = 2
	limit.Active = false
	limit.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, store.PutCostLimit(ctx, limit))

	got, err := store.CostLimit(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.DailyLimit)
	assert.Equal(t, 5.0, got.WeeklyLimit)
	assert.False(t, got.Active)
	assert.Equal(t, 0.5, got.ModuleLimits["lectura"])
	assert.True(t, got.CreatedAt.Equal(base))
	assert.True(t, got.UpdatedAt.Equal(base.Add(time.Hour)))
}

func testAlerts(t *testing.T, store ledger.Store) {
	ctx := context.Background()
	alerts := []ledger.CostAlert{
		{ID: "a-1", Type: ledger.AlertDailyLimit, ThresholdValue: 1, CurrentValue: 1.2, UserID: "alice",
			Severity: ledger.SeverityHigh, Message: "daily", Active: true, TriggeredAt: base},
		{ID: "a-2", Type: ledger.AlertModuleLimit, ThresholdValue: 0.5, CurrentValue: 0.7, UserID: "alice",
			ModuleSource: "lectura", Severity: ledger.SeverityMedium, Message: "module", Active: true, TriggeredAt: base.Add(time.Hour)},
		{ID: "a-3", Type: ledger.AlertDailyLimit, ThresholdValue: 1, CurrentValue: 3, UserID: "bob",
			Severity: ledger.SeverityHigh, Message: "daily", Active: true, TriggeredAt: base.Add(-48 * time.Hour)},
	}
	for _, a := range alerts {
		require.NoError(t, store.InsertAlert(ctx, a))
	}

	got, err := store.QueryAlerts(ctx, ledger.AlertFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a-2", got[0].ID, "newest first")
	assert.Equal(t, "lectura", got[0].ModuleSource)

	got, err = store.QueryAlerts(ctx, ledger.AlertFilter{Type: ledger.AlertDailyLimit, Since: base.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a-1", got[0].ID)

	got, err = store.QueryAlerts(ctx, ledger.AlertFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	at := base.Add(3 * time.Hour)
	resolved, err := store.ResolveAlert(ctx, "a-1", "ops", at)
	require.NoError(t, err)
	assert.False(t, resolved.Active)
	assert.Equal(t, "ops", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
	assert.True(t, resolved.ResolvedAt.Equal(at))

	_, err = store.ResolveAlert(ctx, "a-1", "ops", at)
	assert.True(t, errors.Is(err, ledger.ErrAlreadyResolved))
	_, err = store.ResolveAlert(ctx, "missing", "ops", at)
	assert.True(t, errors.Is(err, ledger.ErrNotFound))

	got, err = store.QueryAlerts(ctx, ledger.AlertFilter{UserID: "alice", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a-2", got[0].ID)
}
