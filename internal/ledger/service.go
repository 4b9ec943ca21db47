package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/superpaes/exercise-gateway/internal/logging"
	"github.com/superpaes/exercise-gateway/internal/metrics"
)

// Recorder accepts usage records. Implementations never fail the caller.
type Recorder interface {
	Record(ctx context.Context, rec UsageRecord)
}

// Config configures a Ledger.
type Config struct {
	Store   Store
	Logger  *logrus.Entry
	Clock   func() time.Time
	Metrics *metrics.Collector
}

// Ledger records usage, checks cost limits and aggregates spend.
type Ledger struct {
	store   Store
	logger  *logrus.Entry
	now     func() time.Time
	metrics *metrics.Collector
}

var _ Recorder = (*Ledger)(nil)

// New creates a Ledger over store.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger: store required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Ledger{
		store:   cfg.Store,
		logger:  logging.OrDiscard(cfg.Logger).WithField("component", "ledger"),
		now:     cfg.Clock,
		metrics: cfg.Metrics,
	}, nil
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// Record prices rec from its token count, persists it and, for identified
// users, checks their limits. Failures are logged and swallowed.
func (l *Ledger) Record(ctx context.Context, rec UsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	if rec.TokenCount < 0 {
		rec.TokenCount = 0
	}
	rec.EstimatedCost = EstimateCost(rec.TokenCount)

	log := l.logger.WithFields(logrus.Fields{
		"action":  rec.Action,
		"user_id": rec.UserID,
		"module":  rec.ModuleSource,
		"tokens":  rec.TokenCount,
	})
	if err := l.store.InsertUsage(ctx, rec); err != nil {
		log.WithError(err).Error("failed to persist usage record")
		return
	}
	l.metrics.RecordUsage(rec.ModuleSource, rec.TokenCount, rec.EstimatedCost)
	log.WithField("cost", rec.EstimatedCost).Debug("usage recorded")

	if rec.UserID == "" {
		return
	}
	if _, err := l.CheckLimits(ctx, rec.UserID, rec.EstimatedCost, rec.ModuleSource); err != nil {
		log.WithError(err).Warn("cost limit check failed")
	}
}

// CheckLimits compares the user's spend with their configured ceilings and
// raises an alert for each ceiling strictly exceeded. It never blocks usage.
// At most one active alert per user, type and module is raised per UTC day.
func (l *Ledger) CheckLimits(ctx context.Context, userID string, callCost float64, moduleSource string) ([]CostAlert, error) {
	limit, err := l.store.CostLimit(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cost limit: %w", err)
	}
	if !limit.Active {
		return nil, nil
	}

	now := l.now().UTC()
	day := startOfDay(now)
	checks := []limitCheck{
		{AlertDailyLimit, SeverityHigh, limit.DailyLimit, day, ""},
		{AlertWeeklyLimit, SeverityMedium, limit.WeeklyLimit, startOfWeek(now), ""},
		{AlertMonthlyLimit, SeverityHigh, limit.MonthlyLimit, startOfMonth(now), ""},
	}
	if moduleSource != "" {
		checks = append(checks, limitCheck{AlertModuleLimit, SeverityMedium, limit.ModuleLimits[moduleSource], day, moduleSource})
	}

	var raised []CostAlert
	for _, c := range checks {
		if c.ceiling <= 0 {
			continue
		}
		spent, err := l.store.SumCost(ctx, UsageFilter{Start: c.since, UserID: userID, ModuleSource: c.module})
		if err != nil {
			return raised, fmt.Errorf("sum %s spend: %w", c.kind, err)
		}
		if spent <= c.ceiling {
			continue
		}
		open, err := l.store.QueryAlerts(ctx, AlertFilter{
			UserID: userID, Type: c.kind, ModuleSource: c.module, ActiveOnly: true, Since: day, Limit: 1,
		})
		if err != nil {
			return raised, fmt.Errorf("query open alerts: %w", err)
		}
		if len(open) > 0 {
			continue
		}
		alert := CostAlert{
			ID:             uuid.NewString(),
			Type:           c.kind,
			ThresholdValue: c.ceiling,
			CurrentValue:   spent,
			UserID:         userID,
			ModuleSource:   c.module,
			Severity:       c.severity,
			Message:        alertMessage(c.kind, c.module, spent, c.ceiling),
			Active:         true,
			TriggeredAt:    now,
		}
		if err := l.store.InsertAlert(ctx, alert); err != nil {
			return raised, fmt.Errorf("insert alert: %w", err)
		}
		l.metrics.RecordAlert(string(c.kind))
		l.logger.WithFields(logrus.Fields{
			"user_id":   userID,
			"type":      c.kind,
			"spent":     spent,
			"ceiling":   c.ceiling,
			"call_cost": callCost,
		}).Warn("cost limit exceeded")
		raised = append(raised, alert)
	}
	return raised, nil
}

type limitCheck struct {
	kind     AlertType
	severity Severity
	ceiling  float64
	since    time.Time
	module   string
}

func alertMessage(kind AlertType, module string, spent, ceiling float64) string {
	label := strings.TrimSuffix(string(kind), "_limit")
	if module != "" {
		return fmt.Sprintf("%s cost limit for module %s exceeded: %.4f USD spent of %.4f USD", label, module, spent, ceiling)
	}
	return fmt.Sprintf("%s cost limit exceeded: %.4f USD spent of %.4f USD", label, spent, ceiling)
}

// UserCost is one row of the per-user ranking.
type UserCost struct {
	UserID   string  `json:"userId"`
	Cost     float64 `json:"cost"`
	Requests int     `json:"requests"`
}

// ModuleUsage is one row of the per-module breakdown.
type ModuleUsage struct {
	Module   string  `json:"module"`
	Cost     float64 `json:"cost"`
	Requests int     `json:"requests"`
}

// UsageMetrics aggregates usage over a window.
type UsageMetrics struct {
	Start            time.Time     `json:"start"`
	End              time.Time     `json:"end"`
	TotalCost        float64       `json:"totalCost"`
	TotalRequests    int           `json:"totalRequests"`
	TotalTokens      int64         `json:"totalTokens"`
	AverageLatencyMs float64       `json:"averageLatencyMs"`
	SuccessRate      float64       `json:"successRate"`
	AverageQuality   float64       `json:"averageQuality"`
	TopUsers         []UserCost    `json:"topUsers"`
	Modules          []ModuleUsage `json:"modules"`
}

const topUsersLimit = 10

// Metrics aggregates usage between start (inclusive) and end (exclusive),
// optionally restricted to one module.
func (l *Ledger) Metrics(ctx context.Context, start, end time.Time, moduleSource string) (UsageMetrics, error) {
	records, err := l.store.QueryUsage(ctx, UsageFilter{Start: start, End: end, ModuleSource: moduleSource})
	if err != nil {
		return UsageMetrics{}, fmt.Errorf("query usage: %w", err)
	}
	out := UsageMetrics{Start: start, End: end, TopUsers: []UserCost{}, Modules: []ModuleUsage{}}
	if len(records) == 0 {
		return out, nil
	}

	users := make(map[string]*UserCost)
	modules := make(map[string]*ModuleUsage)
	var latency int64
	var successes, scored int
	var quality float64
	for _, rec := range records {
		out.TotalCost += rec.EstimatedCost
		out.TotalTokens += rec.TokenCount
		latency += rec.ResponseTimeMs
		if rec.Success {
			successes++
		}
		if rec.QualityScore != nil {
			quality += *rec.QualityScore
			scored++
		}
		if rec.UserID != "" {
			u, ok := users[rec.UserID]
			if !ok {
				u = &UserCost{UserID: rec.UserID}
				users[rec.UserID] = u
			}
			u.Cost += rec.EstimatedCost
			u.Requests++
		}
		name := rec.ModuleSource
		if name == "" {
			name = "unknown"
		}
		m, ok := modules[name]
		if !ok {
			m = &ModuleUsage{Module: name}
			modules[name] = m
		}
		m.Cost += rec.EstimatedCost
		m.Requests++
	}
	out.TotalRequests = len(records)
	out.AverageLatencyMs = float64(latency) / float64(len(records))
	out.SuccessRate = float64(successes) / float64(len(records))
	if scored > 0 {
		out.AverageQuality = quality / float64(scored)
	}

	for _, u := range users {
		out.TopUsers = append(out.TopUsers, *u)
	}
	sort.Slice(out.TopUsers, func(i, j int) bool {
		if out.TopUsers[i].Cost != out.TopUsers[j].Cost {
			return out.TopUsers[i].Cost > out.TopUsers[j].Cost
		}
		return out.TopUsers[i].UserID < out.TopUsers[j].UserID
	})
	if len(out.TopUsers) > topUsersLimit {
		out.TopUsers = out.TopUsers[:topUsersLimit]
	}
	for _, m := range modules {
		out.Modules = append(out.Modules, *m)
	}
	sort.Slice(out.Modules, func(i, j int) bool {
		if out.Modules[i].Cost != out.Modules[j].Cost {
			return out.Modules[i].Cost > out.Modules[j].Cost
		}
		return out.Modules[i].Module < out.Modules[j].Module
	})
	return out, nil
}

// ResolveAlert marks an alert inactive and stamps who resolved it.
func (l *Ledger) ResolveAlert(ctx context.Context, alertID, resolvedBy string) (CostAlert, error) {
	if strings.TrimSpace(alertID) == "" {
		return CostAlert{}, errors.New("ledger: alert id required")
	}
	if strings.TrimSpace(resolvedBy) == "" {
		return CostAlert{}, errors.New("ledger: resolvedBy required")
	}
	alert, err := l.store.ResolveAlert(ctx, alertID, resolvedBy, l.now().UTC())
	if err != nil {
		return CostAlert{}, err
	}
	l.logger.WithFields(logrus.Fields{"alert_id": alertID, "resolved_by": resolvedBy}).Info("cost alert resolved")
	return alert, nil
}

// Alerts lists alerts matching filter, newest first.
func (l *Ledger) Alerts(ctx context.Context, filter AlertFilter) ([]CostAlert, error) {
	return l.store.QueryAlerts(ctx, filter)
}

// Limit returns the user's cost limit or ErrNotFound.
func (l *Ledger) Limit(ctx context.Context, userID string) (CostLimit, error) {
	return l.store.CostLimit(ctx, userID)
}

// SetLimit validates and upserts a cost limit.
func (l *Ledger) SetLimit(ctx context.Context, limit CostLimit) (CostLimit, error) {
	limit.UserID = strings.TrimSpace(limit.UserID)
	if err := ValidateLimit(limit); err != nil {
		return CostLimit{}, fmt.Errorf("ledger: %w: %v", ErrInvalidLimit, err)
	}
	now := l.now().UTC()
	if existing, err := l.store.CostLimit(ctx, limit.UserID); err == nil {
		limit.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return CostLimit{}, err
	}
	if limit.CreatedAt.IsZero() {
		limit.CreatedAt = now
	}
	limit.UpdatedAt = now
	if err := l.store.PutCostLimit(ctx, limit); err != nil {
		return CostLimit{}, fmt.Errorf("ledger: store limit: %w", err)
	}
	return limit, nil
}

// ImportLimits upserts every limit, stopping at the first failure.
func (l *Ledger) ImportLimits(ctx context.Context, limits []CostLimit) error {
	for _, limit := range limits {
		if _, err := l.SetLimit(ctx, limit); err != nil {
			return fmt.Errorf("import limit for %s: %w", limit.UserID, err)
		}
	}
	l.logger.WithField("count", len(limits)).Info("cost limits imported")
	return nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// startOfWeek returns the preceding Monday.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
