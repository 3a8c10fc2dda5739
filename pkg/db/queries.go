// Package db provides the typed persistence layer for the replication engine.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound               = errors.New("record not found")
	ErrRelationshipIDRequired = errors.New("relationship_id is required")
)

// Queries provides typed access to engine tables.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a new Queries instance.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Master profiles
// ----------------------------------------

// UpsertMasterProfile creates or updates a master trader profile.
func (q *Queries) UpsertMasterProfile(ctx context.Context, p MasterTraderProfile) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO master_profiles (
			id, display_name, strategy_type, risk_level, account_size,
			performance_fee, verified, is_accepting_followers, max_followers,
			min_investment, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			strategy_type = excluded.strategy_type,
			risk_level = excluded.risk_level,
			account_size = excluded.account_size,
			performance_fee = excluded.performance_fee,
			verified = excluded.verified,
			is_accepting_followers = excluded.is_accepting_followers,
			max_followers = excluded.max_followers,
			min_investment = excluded.min_investment,
			updated_at = CURRENT_TIMESTAMP
	`, p.ID, p.DisplayName, p.StrategyType, p.RiskLevel, p.AccountSize,
		p.PerformanceFee, boolToInt(p.Verified), boolToInt(p.IsAcceptingFollowers),
		p.MaxFollowers, p.MinInvestment)
	if err != nil {
		return fmt.Errorf("upsert master profile: %w", err)
	}
	return nil
}

// GetMasterProfile returns a master profile by id.
func (q *Queries) GetMasterProfile(ctx context.Context, id string) (*MasterTraderProfile, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, display_name, strategy_type, risk_level, account_size,
		       performance_fee, verified, is_accepting_followers, max_followers,
		       min_investment, created_at, updated_at
		FROM master_profiles WHERE id = ?
	`, id)

	var p MasterTraderProfile
	var verified, accepting int
	err := row.Scan(&p.ID, &p.DisplayName, &p.StrategyType, &p.RiskLevel,
		&p.AccountSize, &p.PerformanceFee, &verified, &accepting,
		&p.MaxFollowers, &p.MinInvestment, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get master profile: %w", err)
	}
	p.Verified = verified == 1
	p.IsAcceptingFollowers = accepting == 1
	return &p, nil
}

// ListMasterProfiles returns all master profiles.
func (q *Queries) ListMasterProfiles(ctx context.Context) ([]MasterTraderProfile, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, display_name, strategy_type, risk_level, account_size,
		       performance_fee, verified, is_accepting_followers, max_followers,
		       min_investment, created_at, updated_at
		FROM master_profiles ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list master profiles: %w", err)
	}
	defer rows.Close()

	var out []MasterTraderProfile
	for rows.Next() {
		var p MasterTraderProfile
		var verified, accepting int
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.StrategyType, &p.RiskLevel,
			&p.AccountSize, &p.PerformanceFee, &verified, &accepting,
			&p.MaxFollowers, &p.MinInvestment, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan master profile: %w", err)
		}
		p.Verified = verified == 1
		p.IsAcceptingFollowers = accepting == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Trade signals
// ----------------------------------------

// CreateSignal inserts the canonical signal. Re-inserting the same
// master_trade_id is a no-op; the returned bool reports whether a new row was
// written.
func (q *Queries) CreateSignal(ctx context.Context, s TradeSignal) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO trade_signals (
			master_trade_id, master_id, symbol, side, qty, price, order_type,
			stop_loss, take_profit, leverage, platform, signal_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(master_trade_id) DO NOTHING
	`, s.MasterTradeID, s.MasterID, s.Symbol, s.Side, s.Qty, s.Price,
		s.OrderType, s.StopLoss, s.TakeProfit, s.Leverage, s.Platform, s.SignalTime)
	if err != nil {
		return false, fmt.Errorf("create signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSignal returns the canonical signal for a master trade id.
func (q *Queries) GetSignal(ctx context.Context, masterTradeID string) (*TradeSignal, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT master_trade_id, master_id, symbol, side, qty, price, order_type,
		       stop_loss, take_profit, leverage, platform, signal_time, created_at
		FROM trade_signals WHERE master_trade_id = ?
	`, masterTradeID)

	var s TradeSignal
	err := row.Scan(&s.MasterTradeID, &s.MasterID, &s.Symbol, &s.Side, &s.Qty,
		&s.Price, &s.OrderType, &s.StopLoss, &s.TakeProfit, &s.Leverage,
		&s.Platform, &s.SignalTime, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	return &s, nil
}

// ----------------------------------------
// Relationships
// ----------------------------------------

const relationshipColumns = `
	id, follower_id, master_id, platform, allocated_capital, position_sizing,
	fixed_unit_size, kelly_fraction, max_position_size,
	max_daily_loss, max_drawdown, limit_max_position_size, max_leverage,
	correlation_limit, volatility_limit, circuit_breaker_enabled,
	emergency_stop_loss, limit_max_slippage, limit_max_latency_ms,
	repl_max_latency_ms, allow_partial_fills, repl_max_slippage, excluded_platforms,
	status, total_trades, successful_trades, failed_trades, total_pnl,
	created_at, updated_at`

func scanRelationship(scan func(dest ...any) error) (Relationship, error) {
	var r Relationship
	var breaker, partialFills int
	var excluded string
	err := scan(&r.ID, &r.FollowerID, &r.MasterID, &r.Platform,
		&r.AllocatedCapital, &r.PositionSizing, &r.FixedUnitSize,
		&r.KellyFraction, &r.MaxPositionSize,
		&r.Limits.MaxDailyLoss, &r.Limits.MaxDrawdown, &r.Limits.MaxPositionSize,
		&r.Limits.MaxLeverage, &r.Limits.CorrelationLimit, &r.Limits.VolatilityLimit,
		&breaker, &r.Limits.EmergencyStopLoss, &r.Limits.MaxSlippage,
		&r.Limits.MaxLatencyMs,
		&r.Settings.MaxLatencyMs, &partialFills, &r.Settings.MaxSlippage, &excluded,
		&r.Status, &r.TotalTrades, &r.SuccessfulTrades, &r.FailedTrades,
		&r.TotalPnl, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.Limits.CircuitBreakerEnabled = breaker == 1
	r.Settings.AllowPartialFills = partialFills == 1
	if excluded != "" {
		r.Settings.ExcludedPlatforms = strings.Split(excluded, ",")
	}
	return r, nil
}

// UpsertRelationship creates or replaces a follower relationship row.
func (q *Queries) UpsertRelationship(ctx context.Context, r Relationship) error {
	if r.ID == "" {
		return ErrRelationshipIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO relationships (
			id, follower_id, master_id, platform, allocated_capital,
			position_sizing, fixed_unit_size, kelly_fraction, max_position_size,
			max_daily_loss, max_drawdown, limit_max_position_size, max_leverage,
			correlation_limit, volatility_limit, circuit_breaker_enabled,
			emergency_stop_loss, limit_max_slippage, limit_max_latency_ms,
			repl_max_latency_ms, allow_partial_fills, repl_max_slippage,
			excluded_platforms, status, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			allocated_capital = excluded.allocated_capital,
			position_sizing = excluded.position_sizing,
			fixed_unit_size = excluded.fixed_unit_size,
			kelly_fraction = excluded.kelly_fraction,
			max_position_size = excluded.max_position_size,
			max_daily_loss = excluded.max_daily_loss,
			max_drawdown = excluded.max_drawdown,
			limit_max_position_size = excluded.limit_max_position_size,
			max_leverage = excluded.max_leverage,
			correlation_limit = excluded.correlation_limit,
			volatility_limit = excluded.volatility_limit,
			circuit_breaker_enabled = excluded.circuit_breaker_enabled,
			emergency_stop_loss = excluded.emergency_stop_loss,
			limit_max_slippage = excluded.limit_max_slippage,
			limit_max_latency_ms = excluded.limit_max_latency_ms,
			repl_max_latency_ms = excluded.repl_max_latency_ms,
			allow_partial_fills = excluded.allow_partial_fills,
			repl_max_slippage = excluded.repl_max_slippage,
			excluded_platforms = excluded.excluded_platforms,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`, r.ID, r.FollowerID, r.MasterID, r.Platform, r.AllocatedCapital,
		r.PositionSizing, r.FixedUnitSize, r.KellyFraction, r.MaxPositionSize,
		r.Limits.MaxDailyLoss, r.Limits.MaxDrawdown, r.Limits.MaxPositionSize,
		r.Limits.MaxLeverage, r.Limits.CorrelationLimit, r.Limits.VolatilityLimit,
		boolToInt(r.Limits.CircuitBreakerEnabled), r.Limits.EmergencyStopLoss,
		r.Limits.MaxSlippage, r.Limits.MaxLatencyMs,
		r.Settings.MaxLatencyMs, boolToInt(r.Settings.AllowPartialFills),
		r.Settings.MaxSlippage, strings.Join(r.Settings.ExcludedPlatforms, ","),
		r.Status)
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

// GetRelationship returns one relationship by id.
func (q *Queries) GetRelationship(ctx context.Context, id string) (*Relationship, error) {
	if id == "" {
		return nil, ErrRelationshipIDRequired
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE id = ?`, id)
	r, err := scanRelationship(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	return &r, nil
}

// ListRelationships returns all relationships, optionally filtered by status.
func (q *Queries) ListRelationships(ctx context.Context, status string) ([]Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		r, err := scanRelationship(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRelationshipsByMaster returns relationships for a master, optionally
// filtered by status.
func (q *Queries) ListRelationshipsByMaster(ctx context.Context, masterID, status string) ([]Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE master_id = ?`
	args := []any{masterID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships by master: %w", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		r, err := scanRelationship(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRelationshipsByFollower returns a follower's relationships.
func (q *Queries) ListRelationshipsByFollower(ctx context.Context, followerID string) ([]Relationship, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationships WHERE follower_id = ? ORDER BY created_at`,
		followerID)
	if err != nil {
		return nil, fmt.Errorf("list relationships by follower: %w", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		r, err := scanRelationship(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRelationshipStatus persists a lifecycle transition.
func (q *Queries) UpdateRelationshipStatus(ctx context.Context, id, status string) error {
	if id == "" {
		return ErrRelationshipIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE relationships SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("update relationship status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddRelationshipCounters folds one terminal session into the running
// counters. Callers must serialize per relationship id.
func (q *Queries) AddRelationshipCounters(ctx context.Context, id string, successful bool, pnl float64) error {
	if id == "" {
		return ErrRelationshipIDRequired
	}
	success, failed := 0, 0
	if successful {
		success = 1
	} else {
		failed = 1
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE relationships SET
			total_trades = total_trades + 1,
			successful_trades = successful_trades + ?,
			failed_trades = failed_trades + ?,
			total_pnl = total_pnl + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, success, failed, pnl, id)
	if err != nil {
		return fmt.Errorf("add relationship counters: %w", err)
	}
	return nil
}

// ----------------------------------------
// Copy sessions
// ----------------------------------------

// CreateSession inserts a session row. Inserting the same
// (master_trade_id, relationship_id) pair again is a no-op; the returned bool
// reports whether a new row was written.
func (q *Queries) CreateSession(ctx context.Context, s Session) (bool, error) {
	var deadline any
	if !s.DeadlineAt.IsZero() {
		deadline = s.DeadlineAt
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO copy_sessions (
			id, master_trade_id, relationship_id, status, retry_count,
			error_message, deadline_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(master_trade_id, relationship_id) DO NOTHING
	`, s.ID, s.MasterTradeID, s.RelationshipID, s.Status, s.RetryCount,
		s.ErrorMessage, deadline)
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateSession persists the session's mutable fields.
func (q *Queries) UpdateSession(ctx context.Context, s Session) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE copy_sessions SET
			status = ?, replication_delay_ms = ?, slippage = ?, fill_quality = ?,
			retry_count = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, s.Status, s.ReplicationDelay, s.Slippage, s.FillQuality, s.RetryCount,
		s.ErrorMessage, s.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func scanSession(scan func(dest ...any) error) (Session, error) {
	var s Session
	var deadline sql.NullTime
	err := scan(&s.ID, &s.MasterTradeID, &s.RelationshipID, &s.Status,
		&s.ReplicationDelay, &s.Slippage, &s.FillQuality, &s.RetryCount,
		&s.ErrorMessage, &deadline, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	if deadline.Valid {
		s.DeadlineAt = deadline.Time
	}
	return s, nil
}

const sessionColumns = `
	id, master_trade_id, relationship_id, status, replication_delay_ms,
	slippage, fill_quality, retry_count, error_message, deadline_at,
	created_at, updated_at`

// GetSession returns one session by id.
func (q *Queries) GetSession(ctx context.Context, id string) (*Session, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM copy_sessions WHERE id = ?`, id)
	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// GetSessionByNaturalKey returns the session for a (signal, relationship) pair.
func (q *Queries) GetSessionByNaturalKey(ctx context.Context, masterTradeID, relationshipID string) (*Session, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM copy_sessions WHERE master_trade_id = ? AND relationship_id = ?`,
		masterTradeID, relationshipID)
	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session by natural key: %w", err)
	}
	return &s, nil
}

// ListSessionsBySignal returns all sessions spawned by one signal.
func (q *Queries) ListSessionsBySignal(ctx context.Context, masterTradeID string) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM copy_sessions WHERE master_trade_id = ? ORDER BY created_at`,
		masterTradeID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by signal: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListSessionsByRelationship returns a relationship's sessions, newest last.
func (q *Queries) ListSessionsByRelationship(ctx context.Context, relationshipID string, limit int) ([]Session, error) {
	if relationshipID == "" {
		return nil, ErrRelationshipIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM copy_sessions WHERE relationship_id = ? ORDER BY created_at DESC LIMIT ?`,
		relationshipID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions by relationship: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListStaleSessions returns sessions left pending/executing past their
// deadline. Called on startup so a crash never silently drops in-flight
// work; the engine finalizes each one so counters and metrics see it.
func (q *Queries) ListStaleSessions(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM copy_sessions
		WHERE status IN (?, ?)
		  AND deadline_at IS NOT NULL AND deadline_at < ?
	`, SessionPending, SessionExecuting, now)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stale session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Execution results
// ----------------------------------------

// AppendResult appends one submission attempt outcome.
func (q *Queries) AppendResult(ctx context.Context, r ExecutionResult) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO execution_results (
			id, session_id, attempt, success, order_id, filled_qty, fill_price,
			remaining_qty, fees, replication_delay_ms, slippage, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.SessionID, r.Attempt, boolToInt(r.Success), r.OrderID,
		r.FilledQty, r.FillPrice, r.RemainingQty, r.Fees, r.ReplicationDelay,
		r.Slippage, r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("append execution result: %w", err)
	}
	return nil
}

// ListResultsBySession returns a session's attempts in order.
func (q *Queries) ListResultsBySession(ctx context.Context, sessionID string) ([]ExecutionResult, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, session_id, attempt, success, order_id, filled_qty,
		       fill_price, remaining_qty, fees, replication_delay_ms, slippage,
		       error_message, created_at
		FROM execution_results WHERE session_id = ? ORDER BY attempt
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list execution results: %w", err)
	}
	defer rows.Close()

	var out []ExecutionResult
	for rows.Next() {
		var r ExecutionResult
		var success int
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Attempt, &success,
			&r.OrderID, &r.FilledQty, &r.FillPrice, &r.RemainingQty, &r.Fees,
			&r.ReplicationDelay, &r.Slippage, &r.ErrorMessage, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution result: %w", err)
		}
		r.Success = success == 1
		out = append(out, r)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Daily risk metrics
// ----------------------------------------

// AddDailyRiskMetric folds one realized outcome into a relationship's daily
// aggregates. pnl is the session's realized PnL net of fees.
func (q *Queries) AddDailyRiskMetric(ctx context.Context, relationshipID, date string, pnl float64) error {
	if relationshipID == "" {
		return ErrRelationshipIDRequired
	}
	loss := 0.0
	if pnl < 0 {
		loss = -pnl
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO daily_risk_metrics (relationship_id, date, daily_pnl, daily_trades, daily_losses)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(relationship_id, date) DO UPDATE SET
			daily_pnl = daily_pnl + ?,
			daily_trades = daily_trades + 1,
			daily_losses = daily_losses + ?
	`, relationshipID, date, pnl, loss, pnl, loss)
	if err != nil {
		return fmt.Errorf("add daily risk metric: %w", err)
	}
	return nil
}

// GetDailyRiskMetric returns a relationship's aggregates for one UTC day.
func (q *Queries) GetDailyRiskMetric(ctx context.Context, relationshipID, date string) (*DailyRiskMetric, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT relationship_id, date, daily_pnl, daily_trades, daily_losses, breaker_tripped
		FROM daily_risk_metrics WHERE relationship_id = ? AND date = ?
	`, relationshipID, date)

	var m DailyRiskMetric
	var tripped int
	err := row.Scan(&m.RelationshipID, &m.Date, &m.DailyPnl, &m.DailyTrades,
		&m.DailyLosses, &tripped)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get daily risk metric: %w", err)
	}
	m.BreakerTripped = tripped == 1
	return &m, nil
}

// SetBreakerTripped records that the circuit breaker opened for a
// relationship on the given day. Sticky for the rest of that day.
func (q *Queries) SetBreakerTripped(ctx context.Context, relationshipID, date string) error {
	if relationshipID == "" {
		return ErrRelationshipIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO daily_risk_metrics (relationship_id, date, breaker_tripped)
		VALUES (?, ?, 1)
		ON CONFLICT(relationship_id, date) DO UPDATE SET breaker_tripped = 1
	`, relationshipID, date)
	if err != nil {
		return fmt.Errorf("set breaker tripped: %w", err)
	}
	return nil
}

// ----------------------------------------
// Users
// ----------------------------------------

// CreateUser inserts an application user.
func (q *Queries) CreateUser(ctx context.Context, u User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUserByEmail returns a user by email.
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email = ?
	`, email)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// GetUserByID returns a user by id.
func (q *Queries) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at FROM users WHERE id = ?
	`, id)
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
