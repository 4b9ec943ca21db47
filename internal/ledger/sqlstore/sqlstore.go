// Package sqlstore implements ledger.Store over database/sql. The sqlite and
// postgres packages supply the driver, schema and placeholder style.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/superpaes/exercise-gateway/internal/ledger"
)

var _ ledger.Store = (*Store)(nil)

// Dialect describes one SQL backend.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of "?".
	Numbered bool
	Schema   string
}

// Store is a ledger.Store on a *sql.DB. Timestamps are stored as unix
// milliseconds.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New applies the dialect schema and returns the store. The store owns db.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	if _, err := db.Exec(dialect.Schema); err != nil {
		return nil, fmt.Errorf("apply %s schema: %w", dialect.Name, err)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// PingContext checks the database connection.
func (s *Store) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases underlying database resources.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// InsertUsage appends a usage record.
func (s *Store) InsertUsage(ctx context.Context, rec ledger.UsageRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("usage record requires id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("encode usage metadata: %w", err)
		}
	}
	var quality sql.NullFloat64
	if rec.QualityScore != nil {
		quality = sql.NullFloat64{Float64: *rec.QualityScore, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO ai_model_usage(id, user_id, model_name, action_type, token_count, estimated_cost,
	response_time_ms, success, module_source, quality_score, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.UserID,
		rec.Model,
		rec.Action,
		rec.TokenCount,
		rec.EstimatedCost,
		rec.ResponseTimeMs,
		rec.Success,
		rec.ModuleSource,
		quality,
		string(meta),
		toMillis(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func usageWhere(filter ledger.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if !filter.Start.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, toMillis(filter.Start))
	}
	if !filter.End.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, toMillis(filter.End))
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ModuleSource != "" {
		clauses = append(clauses, "module_source = ?")
		args = append(args, filter.ModuleSource)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryUsage returns matching records, oldest first.
func (s *Store) QueryUsage(ctx context.Context, filter ledger.UsageFilter) ([]ledger.UsageRecord, error) {
	where, args := usageWhere(filter)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, user_id, model_name, action_type, token_count, estimated_cost, response_time_ms,
	success, module_source, quality_score, metadata, created_at
FROM ai_model_usage`+where+`
ORDER BY created_at ASC, id ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []ledger.UsageRecord
	for rows.Next() {
		var rec ledger.UsageRecord
		var userID, module, meta sql.NullString
		var quality sql.NullFloat64
		var created int64
		if err := rows.Scan(&rec.ID, &userID, &rec.Model, &rec.Action, &rec.TokenCount, &rec.EstimatedCost,
			&rec.ResponseTimeMs, &rec.Success, &module, &quality, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		rec.UserID = userID.String
		rec.ModuleSource = module.String
		if quality.Valid {
			q := quality.Float64
			rec.QualityScore = &q
		}
		if meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode usage metadata %s: %w", rec.ID, err)
			}
		}
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SumCost totals estimated cost of matching records.
func (s *Store) SumCost(ctx context.Context, filter ledger.UsageFilter) (float64, error) {
	where, args := usageWhere(filter)
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT SUM(estimated_cost) FROM ai_model_usage`+where), args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum cost: %w", err)
	}
	return total.Float64, nil
}

// CostLimit loads one user's limit.
func (s *Store) CostLimit(ctx context.Context, userID string) (ledger.CostLimit, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT user_id, daily_limit, weekly_limit, monthly_limit, module_limits, is_active, created_at, updated_at
FROM user_cost_limits
WHERE user_id = ?`), userID)

	var limit ledger.CostLimit
	var modules sql.NullString
	var created, updated int64
	err := row.Scan(&limit.UserID, &limit.DailyLimit, &limit.WeeklyLimit, &limit.MonthlyLimit,
		&modules, &limit.Active, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CostLimit{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.CostLimit{}, fmt.Errorf("load cost limit: %w", err)
	}
	if modules.String != "" {
		if err := json.Unmarshal([]byte(modules.String), &limit.ModuleLimits); err != nil {
			return ledger.CostLimit{}, fmt.Errorf("decode module limits: %w", err)
		}
	}
	limit.CreatedAt = fromMillis(created)
	limit.UpdatedAt = fromMillis(updated)
	return limit, nil
}

// PutCostLimit inserts or replaces a user's limit.
func (s *Store) PutCostLimit(ctx context.Context, limit ledger.CostLimit) error {
	var modules []byte
	if len(limit.ModuleLimits) > 0 {
		var err error
		if modules, err = json.Marshal(limit.ModuleLimits); err != nil {
			return fmt.Errorf("encode module limits: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO user_cost_limits(user_id, daily_limit, weekly_limit, monthly_limit, module_limits, is_active, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	daily_limit = excluded.daily_limit,
	weekly_limit = excluded.weekly_limit,
	monthly_limit = excluded.monthly_limit,
	module_limits = excluded.module_limits,
	is_active = excluded.is_active,
	updated_at = excluded.updated_at`),
		limit.UserID,
		limit.DailyLimit,
		limit.WeeklyLimit,
		limit.MonthlyLimit,
		string(modules),
		limit.Active,
		toMillis(limit.CreatedAt),
		toMillis(limit.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert cost limit: %w", err)
	}
	return nil
}

// InsertAlert stores a new alert.
func (s *Store) InsertAlert(ctx context.Context, alert ledger.CostAlert) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO admin_cost_alerts(id, alert_type, threshold_value, current_value, user_id, module_source,
	severity, message, is_active, triggered_at, resolved_at, resolved_by)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		alert.ID,
		string(alert.Type),
		alert.ThresholdValue,
		alert.CurrentValue,
		alert.UserID,
		alert.ModuleSource,
		string(alert.Severity),
		alert.Message,
		alert.Active,
		toMillis(alert.TriggeredAt),
		nullMillis(alert.ResolvedAt),
		alert.ResolvedBy,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

const alertColumns = `id, alert_type, threshold_value, current_value, user_id, module_source,
	severity, message, is_active, triggered_at, resolved_at, resolved_by`

// QueryAlerts returns matching alerts, newest first.
func (s *Store) QueryAlerts(ctx context.Context, filter ledger.AlertFilter) ([]ledger.CostAlert, error) {
	var clauses []string
	var args []any
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Type != "" {
		clauses = append(clauses, "alert_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.ModuleSource != "" {
		clauses = append(clauses, "module_source = ?")
		args = append(args, filter.ModuleSource)
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "is_active = ?")
		args = append(args, true)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "triggered_at >= ?")
		args = append(args, toMillis(filter.Since))
	}
	query := `SELECT ` + alertColumns + ` FROM admin_cost_alerts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY triggered_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	var out []ledger.CostAlert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}

// ResolveAlert deactivates an active alert.
func (s *Store) ResolveAlert(ctx context.Context, id, resolvedBy string, at time.Time) (ledger.CostAlert, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE admin_cost_alerts SET is_active = ?, resolved_at = ?, resolved_by = ?
WHERE id = ? AND is_active = ?`), false, toMillis(at), resolvedBy, id, true)
	if err != nil {
		return ledger.CostAlert{}, fmt.Errorf("resolve alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.CostAlert{}, fmt.Errorf("resolve alert: %w", err)
	}

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+alertColumns+` FROM admin_cost_alerts WHERE id = ?`), id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CostAlert{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.CostAlert{}, err
	}
	if n == 0 {
		return alert, ledger.ErrAlreadyResolved
	}
	return alert, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (ledger.CostAlert, error) {
	var alert ledger.CostAlert
	var alertType, severity string
	var userID, module, message, resolvedBy sql.NullString
	var triggered int64
	var resolved sql.NullInt64
	err := row.Scan(&alert.ID, &alertType, &alert.ThresholdValue, &alert.CurrentValue, &userID, &module,
		&severity, &message, &alert.Active, &triggered, &resolved, &resolvedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CostAlert{}, err
	}
	if err != nil {
		return ledger.CostAlert{}, fmt.Errorf("scan alert: %w", err)
	}
	alert.Type = ledger.AlertType(alertType)
	alert.Severity = ledger.Severity(severity)
	alert.UserID = userID.String
	alert.ModuleSource = module.String
	alert.Message = message.String
	alert.ResolvedBy = resolvedBy.String
	alert.TriggeredAt = fromMillis(triggered)
	if resolved.Valid {
		t := fromMillis(resolved.Int64)
		alert.ResolvedAt = &t
	}
	return alert, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}
