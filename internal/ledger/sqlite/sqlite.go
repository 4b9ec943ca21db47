package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/superpaes/exercise-gateway/internal/ledger/sqlstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS ai_model_usage (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	model_name TEXT NOT NULL,
	action_type TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0,
	estimated_cost REAL NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL DEFAULT 0,
	module_source TEXT,
	quality_score REAL,
	metadata TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_model_usage_user_created ON ai_model_usage(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ai_model_usage_module_created ON ai_model_usage(module_source, created_at);

CREATE TABLE IF NOT EXISTS user_cost_limits (
	user_id TEXT PRIMARY KEY,
	daily_limit REAL NOT NULL DEFAULT 0,
	weekly_limit REAL NOT NULL DEFAULT 0,
	monthly_limit REAL NOT NULL DEFAULT 0,
	module_limits TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS admin_cost_alerts (
	id TEXT PRIMARY KEY,
	alert_type TEXT NOT NULL,
	threshold_value REAL NOT NULL,
	current_value REAL NOT NULL,
	user_id TEXT,
	module_source TEXT,
	severity TEXT NOT NULL,
	message TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	triggered_at INTEGER NOT NULL,
	resolved_at INTEGER,
	resolved_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_admin_cost_alerts_user_active ON admin_cost_alerts(user_id, is_active, triggered_at);
`

// Store is the SQLite-backed ledger store.
type Store struct {
	*sqlstore.Store
}

// New opens (or creates) a SQLite ledger at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer; pragmas then hold for every statement.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	inner, err := sqlstore.New(db, sqlstore.Dialect{Name: "sqlite", Schema: schema})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: inner}, nil
}
