package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a cost limit or alert does not exist.
var ErrNotFound = errors.New("ledger: not found")

// ErrAlreadyResolved is returned when resolving an alert that is no longer active.
var ErrAlreadyResolved = errors.New("ledger: alert already resolved")

// UsageRecord is one ledger entry per provider call attempt.
type UsageRecord struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId,omitempty"`
	Model          string         `json:"model"`
	Action         string         `json:"action"`
	TokenCount     int64          `json:"tokenCount"`
	EstimatedCost  float64        `json:"estimatedCost"`
	ResponseTimeMs int64          `json:"responseTimeMs"`
	Success        bool           `json:"success"`
	ModuleSource   string         `json:"moduleSource"`
	QualityScore   *float64       `json:"qualityScore,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// CostLimit holds a user's spending ceilings in USD. A zero ceiling is not
// configured.
type CostLimit struct {
	UserID       string             `json:"userId"`
	DailyLimit   float64            `json:"dailyLimit"`
	WeeklyLimit  float64            `json:"weeklyLimit"`
	MonthlyLimit float64            `json:"monthlyLimit"`
	ModuleLimits map[string]float64 `json:"moduleLimits,omitempty"`
	Active       bool               `json:"active"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// AlertType names the ceiling an alert refers to.
type AlertType string

const (
	AlertDailyLimit   AlertType = "daily_limit"
	AlertWeeklyLimit  AlertType = "weekly_limit"
	AlertMonthlyLimit AlertType = "monthly_limit"
	AlertModuleLimit  AlertType = "module_limit"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CostAlert is raised when observed spend strictly exceeds a ceiling.
type CostAlert struct {
	ID             string     `json:"id"`
	Type           AlertType  `json:"alertType"`
	ThresholdValue float64    `json:"thresholdValue"`
	CurrentValue   float64    `json:"currentValue"`
	UserID         string     `json:"userId"`
	ModuleSource   string     `json:"moduleSource,omitempty"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	Active         bool       `json:"isActive"`
	TriggeredAt    time.Time  `json:"triggeredAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
}

// UsageFilter selects usage records. Start is inclusive, End exclusive; zero
// bounds are open.
type UsageFilter struct {
	Start        time.Time
	End          time.Time
	UserID       string
	ModuleSource string
}

// AlertFilter selects alerts. Zero fields match everything.
type AlertFilter struct {
	UserID       string
	Type         AlertType
	ModuleSource string
	ActiveOnly   bool
	Since        time.Time
	Limit        int
}

// Store is the persistence sink for the ledger.
type Store interface {
	InsertUsage(ctx context.Context, rec UsageRecord) error
	QueryUsage(ctx context.Context, filter UsageFilter) ([]UsageRecord, error)
	SumCost(ctx context.Context, filter UsageFilter) (float64, error)

	CostLimit(ctx context.Context, userID string) (CostLimit, error)
	PutCostLimit(ctx context.Context, limit CostLimit) error

	InsertAlert(ctx context.Context, alert CostAlert) error
	QueryAlerts(ctx context.Context, filter AlertFilter) ([]CostAlert, error)
	ResolveAlert(ctx context.Context, id, resolvedBy string, at time.Time) (CostAlert, error)

	Close() error
}

// MatchUsage reports whether rec passes filter. Stores that filter in memory
// share it.
func MatchUsage(rec UsageRecord, filter UsageFilter) bool {
	if !filter.Start.IsZero() && rec.CreatedAt.Before(filter.Start) {
		return false
	}
	if !filter.End.IsZero() && !rec.CreatedAt.Before(filter.End) {
		return false
	}
	if filter.UserID != "" && rec.UserID != filter.UserID {
		return false
	}
	if filter.ModuleSource != "" && rec.ModuleSource != filter.ModuleSource {
		return false
	}
	return true
}

// MatchAlert reports whether alert passes filter.
func MatchAlert(alert CostAlert, filter AlertFilter) bool {
	if filter.UserID != "" && alert.UserID != filter.UserID {
		return false
	}
	if filter.Type != "" && alert.Type != filter.Type {
		return false
	}
	if filter.ModuleSource != "" && alert.ModuleSource != filter.ModuleSource {
		return false
	}
	if filter.ActiveOnly && !alert.Active {
		return false
	}
	if !filter.Since.IsZero() && alert.TriggeredAt.Before(filter.Since) {
		return false
	}
	return true
}
