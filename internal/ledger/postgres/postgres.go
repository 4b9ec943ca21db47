package postgres

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/superpaes/exercise-gateway/internal/ledger/sqlstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS ai_model_usage (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	model_name TEXT NOT NULL,
	action_type TEXT NOT NULL,
	token_count BIGINT NOT NULL DEFAULT 0,
	estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	response_time_ms BIGINT NOT NULL DEFAULT 0,
	success BOOLEAN NOT NULL DEFAULT FALSE,
	module_source TEXT,
	quality_score DOUBLE PRECISION,
	metadata TEXT,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_model_usage_user_created ON ai_model_usage(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ai_model_usage_module_created ON ai_model_usage(module_source, created_at);

CREATE TABLE IF NOT EXISTS user_cost_limits (
	user_id TEXT PRIMARY KEY,
	daily_limit DOUBLE PRECISION NOT NULL DEFAULT 0,
	weekly_limit DOUBLE PRECISION NOT NULL DEFAULT 0,
	monthly_limit DOUBLE PRECISION NOT NULL DEFAULT 0,
	module_limits TEXT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS admin_cost_alerts (
	id TEXT PRIMARY KEY,
	alert_type TEXT NOT NULL,
	threshold_value DOUBLE PRECISION NOT NULL,
	current_value DOUBLE PRECISION NOT NULL,
	user_id TEXT,
	module_source TEXT,
	severity TEXT NOT NULL,
	message TEXT,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	triggered_at BIGINT NOT NULL,
	resolved_at BIGINT,
	resolved_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_admin_cost_alerts_user_active ON admin_cost_alerts(user_id, is_active, triggered_at);
`

// PoolConfig sizes the connection pool. Zero values keep database/sql defaults.
type PoolConfig struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// Store is the PostgreSQL-backed ledger store.
type Store struct {
	*sqlstore.Store
}

// New opens a PostgreSQL ledger using dsn.
func New(dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if pool.MaxOpen > 0 {
		db.SetMaxOpenConns(pool.MaxOpen)
	}
	if pool.MaxIdle > 0 {
		db.SetMaxIdleConns(pool.MaxIdle)
	}
	if pool.MaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.MaxLifetime)
	}
	if pool.MaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.MaxIdleTime)
	}

	inner, err := sqlstore.New(db, sqlstore.Dialect{Name: "postgres", Numbered: true, Schema: schema})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner}, nil
}
