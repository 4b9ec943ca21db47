package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superpaes/exercise-gateway/internal/ledger"
	"github.com/superpaes/exercise-gateway/internal/ledger/memory"
)

// Wednesday afternoon, UTC.
var now = time.Date(2024, 3, 13, 15, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, store ledger.Store) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(ledger.Config{Store: store, Clock: func() time.Time { return now }})
	require.NoError(t, err)
	return l
}

func seed(t *testing.T, store ledger.Store, userID, module string, cost float64, at time.Time) {
	t.Helper()
	require.NoError(t, store.InsertUsage(context.Background(), ledger.UsageRecord{
		ID:            fmt.Sprintf("seed-%d", at.UnixNano()),
		UserID:        userID,
		Model:         "m",
		Action:        "generate_exercise",
		EstimatedCost: cost,
		Success:       true,
		ModuleSource:  module,
		CreatedAt:     at,
	}))
}

func TestEstimateCost(t *testing.T) {
	assert.InDelta(t, 0.1425, ledger.EstimateCost(1_000_000), 1e-12)
	assert.Equal(t, 0.0, ledger.EstimateCost(0))
	assert.Equal(t, 0.0, ledger.EstimateCost(-5))
	assert.InDelta(t, 0.1425/1_000_000, ledger.EstimateCost(1), 1e-18)
}

func TestEstimateTokens(t *testing.T) {
	cases := map[string]int64{
		"":      0,
		"abcd":  1,
		"abcde": 2,
		"ñ":     1,
		"ñññ":   2,
	}
	for text, want := range cases {
		assert.Equal(t, want, ledger.EstimateTokens(text), "text %q", text)
	}
}

func TestRecordPricesAndStores(t *testing.T) {
	store := memory.New()
	l := newLedger(t, store)
	ctx := context.Background()

	l.Record(ctx, ledger.UsageRecord{Model: "m", Action: "generate_exercise", TokenCount: 1_000_000, EstimatedCost: 99, Success: true})
	records, err := store.QueryUsage(ctx, ledger.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEmpty(t, records[0].ID)
	assert.Equal(t, now, records[0].CreatedAt)
	assert.InDelta(t, 0.1425, records[0].EstimatedCost, 1e-12)
}

func TestDailyLimitRaisesOneHighAlert(t *testing.T) {
	store := memory.New()
	l := newLedger(t, store)
	ctx := context.Background()
	_, err := l.SetLimit(ctx, ledger.CostLimit{UserID: "u1", DailyLimit: 1.00, Active: true})
	require.NoError(t, err)
	seed(t, store, "u1", "lectura", 0.60, now.Add(-3*time.Hour))
	seed(t, store, "u1", "lectura", 0.41, now.Add(-time.Hour))
	// Yesterday does not count towards today.
	seed(t, store, "u1", "lectura", 5.00, now.Add(-24*time.Hour))

	l.Record(ctx, ledger.UsageRecord{UserID: "u1", Model: "m", Action: "generate_exercise", TokenCount: 100, Success: true})

	alerts, err := l.Alerts(ctx, ledger.AlertFilter{UserID: "u1", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	alert := alerts[0]
	assert.Equal(t, ledger.AlertDailyLimit, alert.Type)
	assert.Equal(t, ledger.SeverityHigh, alert.Severity)
	assert.InDelta(t, 1.01, alert.CurrentValue, 1e-3)
	assert.Equal(t, 1.00, alert.ThresholdValue)
	assert.True(t, alert.Active)
	assert.NotEmpty(t, alert.Message)

	// A second call the same day does not duplicate the active alert.
	l.Record(ctx, ledger.UsageRecord{UserID: "u1", Model: "m", Action: "generate_exercise", TokenCount: 100, Success: true})
	alerts, err = l.Alerts(ctx, ledger.AlertFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestSpendEqualToLimitDoesNotAlert(t *testing.T) {
	store := memory.New()
	l := newLedger(t, store)
	ctx := context.Background()
	_, err := l.SetLimit(ctx, ledger.CostLimit{UserID: "u1", DailyLimit: 1.00, Active: true})
	require.NoError(t, err)
	seed(t, store, "u1", "", 1.00, now.Add(-time.Minute))

	alerts, err := l.CheckLimits(ctx, "u1", 0, "")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestNoLimitOrInactiveLimitIsNoop(t *testing.T) {
	store := memory.New()
	l := newLedger(t, store)
	ctx := context.Background()
	seed(t, store, "u1", "", 50, now.Add(-time.Minute))

	alerts, err := l.CheckLimits(ctx, "u1", 0, "")
	require.NoError(t, err)
	assert.Empty(t, alerts)

	_, err = l.SetLimit(ctx, ledger.CostLimit{UserID: "u1", DailyLimit: 1, Active: false})
	require.NoError(t, err)
	alerts, err = l.CheckLimits(ctx, "u1", 0, "")
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestWeeklyMonthlyAndModuleLimits(t *testing.T) {
	store := memory.New()
	l := newLedger(t, store)
	ctx := context.Background()
	_, err := l.SetLimit(ctx, ledger.CostLimit{
		UserID:       "u2",
		WeeklyLimit:  2,
		MonthlyLimit: 2.5,
		ModuleLimits: map[string]float64{"matematica": 0.5},
		Active:       true,
	})
	require.NoError(t, err)
	seed(t, store, "u2", "historia", 2.2, now.Add(-48*time.Hour)) // Monday
	seed(t, store, "u2", "historia", 0.4, now.Add(-9*24*time.Hour))
	seed(t, store, "u2", "matematica", 0.6, now.Add(-time.Hour))

	alerts, err := l.CheckLimits(ctx, "u2", 0.01, "matematica")
	require.NoError(t, err)
	require.Len(t, alerts, 3)

	byType := make(map[ledger.AlertType]ledger.CostAlert)
	for _, a := range alerts {
		byType[a.Type] = a
	}
	assert.Equal(t, ledger.SeverityMedium, byType[ledger.AlertWeeklyLimit].Severity)
	assert.InDelta(t, 2.8, byType[ledger.AlertWeeklyLimit].CurrentValue, 1e-9)
	assert.Equal(t, ledger.SeverityHigh, byType[ledger.AlertMonthlyLimit].Severity)
	assert.InDelta(t, 3.2, byType[ledger.AlertMonthlyLimit].CurrentValue, 1e-9)
	assert.Equal(t, ledger.SeverityMedium, byType[ledger.AlertModuleLimit].Severity)
	assert.Equal(t, "matematica", byType[ledger.AlertModuleLimit].ModuleSource)
}

type failingStore struct {
	*memory.Store
}

func (failingStore) InsertUsage(context.Context, ledger.UsageRecord) error {
	return errors.New("disk full")
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	l := newLedger(t, failingStore{memory.New()})
	assert.NotPanics(t, func() {
		l.Record(context.Background(), ledger.UsageRecord{UserID: "u1", TokenCount: 10})
	})
}

func TestMetricsAggregates(t *testing.T) {
	store := memory.New()
	l := newLedger(t, store)
	ctx := context.Background()
	score := 0.8
	records := []ledger.UsageRecord{
		{ID: "a", UserID: "u1", ModuleSource: "lectura", EstimatedCost: 0.3, TokenCount: 10, ResponseTimeMs: 100, Success: true, QualityScore: &score, CreatedAt: now.Add(-time.Hour)},
		{ID: "b", UserID: "u2", ModuleSource: "lectura", EstimatedCost: 0.1, TokenCount: 20, ResponseTimeMs: 300, Success: false, CreatedAt: now.Add(-time.Hour)},
		{ID: "c", UserID: "u2", ModuleSource: "historia", EstimatedCost: 0.5, TokenCount: 30, ResponseTimeMs: 200, Success: true, CreatedAt: now.Add(-time.Hour)},
		{ID: "d", ModuleSource: "", EstimatedCost: 0.1, TokenCount: 40, ResponseTimeMs: 400, Success: true, CreatedAt: now.Add(-time.Hour)},
		{ID: "old", UserID: "u1", ModuleSource: "lectura", EstimatedCost: 9, CreatedAt: now.Add(-72 * time.Hour)},
	}
	for _, rec := range records {
		require.NoError(t, store.InsertUsage(ctx, rec))
	}

	m, err := l.Metrics(ctx, now.Add(-24*time.Hour), now, "")
	require.NoError(t, err)
	assert.Equal(t, 4, m.TotalRequests)
	assert.InDelta(t, 1.0, m.TotalCost, 1e-9)
	assert.Equal(t, int64(100), m.TotalTokens)
	assert.InDelta(t, 250, m.AverageLatencyMs, 1e-9)
	assert.InDelta(t, 0.75, m.SuccessRate, 1e-9)
	assert.InDelta(t, 0.8, m.AverageQuality, 1e-9)
	require.Len(t, m.TopUsers, 2)
	assert.Equal(t, "u2", m.TopUsers[0].UserID)
	assert.InDelta(t, 0.6, m.TopUsers[0].Cost, 1e-9)
	require.Len(t, m.Modules, 3)
	assert.Equal(t, "historia", m.Modules[0].Module)

	m, err = l.Metrics(ctx, now.Add(-24*time.Hour), now, "lectura")
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalRequests)

	m, err = l.Metrics(ctx, now.Add(time.Hour), now.Add(2*time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, 0, m.TotalRequests)
	assert.NotNil(t, m.TopUsers)
}

func TestMetricsTopUsersCappedAtTen(t *testing.T) {
	store := memory.New()
	l := newLedger(t, store)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		require.NoError(t, store.InsertUsage(ctx, ledger.UsageRecord{
			ID: fmt.Sprintf("r%d", i), UserID: fmt.Sprintf("u%02d", i), EstimatedCost: float64(i), CreatedAt: now.Add(-time.Minute),
		}))
	}
	m, err := l.Metrics(ctx, time.Time{}, time.Time{}, "")
	require.NoError(t, err)
	require.Len(t, m.TopUsers, 10)
	assert.Equal(t, "u14", m.TopUsers[0].UserID)
}

func TestResolveAlert(t *testing.T) {
	store := memory.New()
	l := newLedger(t, store)
	ctx := context.Background()
	_, err := l.SetLimit(ctx, ledger.CostLimit{UserID: "u1", DailyLimit: 0.1, Active: true})
	require.NoError(t, err)
	seed(t, store, "u1", "", 0.2, now.Add(-time.Minute))
	raised, err := l.CheckLimits(ctx, "u1", 0, "")
	require.NoError(t, err)
	require.Len(t, raised, 1)

	resolved, err := l.ResolveAlert(ctx, raised[0].ID, "admin@superpaes")
	require.NoError(t, err)
	assert.False(t, resolved.Active)
	assert.Equal(t, "admin@superpaes", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, now, *resolved.ResolvedAt)

	_, err = l.ResolveAlert(ctx, raised[0].ID, "admin@superpaes")
	assert.True(t, errors.Is(err, ledger.ErrAlreadyResolved))
	_, err = l.ResolveAlert(ctx, "missing", "admin@superpaes")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
	_, err = l.ResolveAlert(ctx, raised[0].ID, "")
	assert.Error(t, err)

	// Once resolved, a new breach may raise a fresh alert.
	raised, err = l.CheckLimits(ctx, "u1", 0, "")
	require.NoError(t, err)
	assert.Len(t, raised, 1)
}

func TestSetLimitKeepsCreatedAt(t *testing.T) {
	store := memory.New()
	l := newLedger(t, store)
	ctx := context.Background()

	first, err := l.SetLimit(ctx, ledger.CostLimit{UserID: " u1 ", DailyLimit: 1, Active: true})
	require.NoError(t, err)
	assert.Equal(t, "u1", first.UserID)

	second, err := l.SetLimit(ctx, ledger.CostLimit{UserID: "u1", DailyLimit: 2, Active: true})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	got, err := l.Limit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.DailyLimit)

	_, err = l.SetLimit(ctx, ledger.CostLimit{UserID: "u1", DailyLimit: -1})
	assert.Error(t, err)
	_, err = l.Limit(ctx, "nobody")
	assert.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestParseAndImportLimits(t *testing.T) {
	limits, err := ledger.ParseLimits([]byte(`
limits:
  - user_id: student-1
    daily: 1.5
    weekly: 5
    modules:
      lectura: 0.5
  - user_id: student-2
    monthly: 20
    active: false
`))
	require.NoError(t, err)
	require.Len(t, limits, 2)
	assert.True(t, limits[0].Active)
	assert.False(t, limits[1].Active)
	assert.Equal(t, 0.5, limits[0].ModuleLimits["lectura"])

	l := newLedger(t, memory.New())
	require.NoError(t, l.ImportLimits(context.Background(), limits))
	got, err := l.Limit(context.Background(), "student-2")
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.MonthlyLimit)
}

func TestParseLimitsRejectsBadInput(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field": "limits:\n  - user_id: a\n    yearly: 3\n",
		"missing user":  "limits:\n  - daily: 1\n",
		"duplicate":     "limits:\n  - user_id: a\n  - user_id: a\n",
		"negative":      "limits:\n  - user_id: a\n    daily: -1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ledger.ParseLimits([]byte(doc))
			assert.Error(t, err)
		})
	}
}
