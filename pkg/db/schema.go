package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS master_profiles (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    strategy_type TEXT NOT NULL,
    risk_level TEXT NOT NULL DEFAULT 'medium',
    account_size REAL NOT NULL DEFAULT 0,
    performance_fee REAL DEFAULT 0,
    verified INTEGER DEFAULT 0,
    is_accepting_followers INTEGER DEFAULT 1,
    max_followers INTEGER DEFAULT 0,
    min_investment REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trade_signals (
    master_trade_id TEXT PRIMARY KEY,
    master_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    price REAL DEFAULT 0,
    order_type TEXT NOT NULL DEFAULT 'MARKET',
    stop_loss REAL DEFAULT 0,
    take_profit REAL DEFAULT 0,
    leverage REAL DEFAULT 0,
    platform TEXT NOT NULL,
    signal_time DATETIME NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(master_id) REFERENCES master_profiles(id)
);

CREATE TABLE IF NOT EXISTS relationships (
    id TEXT PRIMARY KEY,
    follower_id TEXT NOT NULL,
    master_id TEXT NOT NULL,
    platform TEXT NOT NULL,
    allocated_capital REAL NOT NULL,
    position_sizing TEXT NOT NULL,
    fixed_unit_size REAL DEFAULT 0,
    kelly_fraction REAL DEFAULT 0,
    max_position_size REAL DEFAULT 0,
    -- risk limits
    max_daily_loss REAL DEFAULT 0,
    max_drawdown REAL DEFAULT 0,
    limit_max_position_size REAL DEFAULT 0,
    max_leverage REAL DEFAULT 0,
    correlation_limit REAL DEFAULT 0,
    volatility_limit REAL DEFAULT 0,
    circuit_breaker_enabled INTEGER DEFAULT 1,
    emergency_stop_loss REAL DEFAULT 0,
    limit_max_slippage REAL DEFAULT 0,
    limit_max_latency_ms INTEGER DEFAULT 0,
    -- replication settings
    repl_max_latency_ms INTEGER DEFAULT 0,
    allow_partial_fills INTEGER DEFAULT 1,
    repl_max_slippage REAL DEFAULT 0,
    excluded_platforms TEXT DEFAULT '',
    -- lifecycle + counters
    status TEXT NOT NULL DEFAULT 'active',
    total_trades INTEGER DEFAULT 0,
    successful_trades INTEGER DEFAULT 0,
    failed_trades INTEGER DEFAULT 0,
    total_pnl REAL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(master_id) REFERENCES master_profiles(id)
);

CREATE INDEX IF NOT EXISTS idx_relationships_master ON relationships(master_id, status);

CREATE TABLE IF NOT EXISTS copy_sessions (
    id TEXT PRIMARY KEY,
    master_trade_id TEXT NOT NULL,
    relationship_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    replication_delay_ms INTEGER DEFAULT 0,
    slippage REAL DEFAULT 0,
    fill_quality REAL DEFAULT 0,
    retry_count INTEGER DEFAULT 0,
    error_message TEXT DEFAULT '',
    deadline_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(master_trade_id) REFERENCES trade_signals(master_trade_id),
    FOREIGN KEY(relationship_id) REFERENCES relationships(id)
);

-- Exactly one session per (signal, relationship) pair; re-delivery of a
-- signal must hit this constraint instead of creating a duplicate.
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_natural_key
    ON copy_sessions(master_trade_id, relationship_id);

CREATE INDEX IF NOT EXISTS idx_sessions_relationship ON copy_sessions(relationship_id, created_at);

CREATE TABLE IF NOT EXISTS execution_results (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    success INTEGER NOT NULL,
    order_id TEXT DEFAULT '',
    filled_qty REAL DEFAULT 0,
    fill_price REAL DEFAULT 0,
    remaining_qty REAL DEFAULT 0,
    fees REAL DEFAULT 0,
    replication_delay_ms INTEGER DEFAULT 0,
    slippage REAL DEFAULT 0,
    error_message TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(session_id) REFERENCES copy_sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_results_session ON execution_results(session_id, attempt);

CREATE TABLE IF NOT EXISTS daily_risk_metrics (
    relationship_id TEXT NOT NULL,
    date TEXT NOT NULL,
    daily_pnl REAL DEFAULT 0,
    daily_trades INTEGER DEFAULT 0,
    daily_losses REAL DEFAULT 0,
    breaker_tripped INTEGER DEFAULT 0,
    PRIMARY KEY (relationship_id, date)
);

-- Append-only operational journal of session transitions, relationship
-- lifecycle changes, and risk alerts. Written in batches; read by operators.
CREATE TABLE IF NOT EXISTS event_journal (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    topic TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_journal_entity ON event_journal(entity_id, seq);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "copy_sessions", "deadline_at", "DATETIME"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "relationships", "kelly_fraction", "REAL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "relationships", "excluded_platforms", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "daily_risk_metrics", "breaker_tripped", "INTEGER DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
