package db

import "time"

// Relationship lifecycle statuses. A relationship is never deleted while
// sessions reference it; "stopped" is the terminal unfollow state.
const (
	RelationshipActive    = "active"
	RelationshipPaused    = "paused"
	RelationshipStopped   = "stopped"
	RelationshipSuspended = "suspended"
)

// Session lifecycle statuses.
const (
	SessionPending   = "pending"
	SessionExecuting = "executing"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// Position sizing modes.
const (
	SizingProportional = "proportional"
	SizingFixed        = "fixed"
	SizingKelly        = "kelly"
)

// MasterTraderProfile identifies a master trader whose trades are replicated.
// Performance statistics arrive from the master's own pipeline; the engine
// only reads them.
type MasterTraderProfile struct {
	ID                   string
	DisplayName          string
	StrategyType         string // scalping, swing, arbitrage, mean_reversion, trend_following
	RiskLevel            string
	AccountSize          float64 // nominal capital used for proportional sizing
	PerformanceFee       float64
	Verified             bool
	IsAcceptingFollowers bool
	MaxFollowers         int
	MinInvestment        float64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TradeSignal is the canonical, immutable record derived once per master
// trade. MasterTradeID is the idempotency key.
type TradeSignal struct {
	MasterTradeID string
	MasterID      string
	Symbol        string
	Side          string
	Qty           float64
	Price         float64
	OrderType     string
	StopLoss      float64
	TakeProfit    float64
	Leverage      float64
	Platform      string
	SignalTime    time.Time
	CreatedAt     time.Time
}

// RiskLimits is the follower's ceiling configuration. Read-only to the engine.
type RiskLimits struct {
	MaxDailyLoss          float64
	MaxDrawdown           float64 // fraction of allocated capital, (0,1]
	MaxPositionSize       float64 // notional ceiling per replica
	MaxLeverage           float64
	CorrelationLimit      float64
	VolatilityLimit       float64
	CircuitBreakerEnabled bool
	EmergencyStopLoss     float64
	MaxSlippage           float64 // fraction, e.g. 0.005
	MaxLatencyMs          int64
}

// ReplicationSettings tunes how faithfully a follower's replicas track the
// master's fills.
type ReplicationSettings struct {
	MaxLatencyMs      int64 // delay tolerance for a session, 0 = no bound
	AllowPartialFills bool
	MaxSlippage       float64
	ExcludedPlatforms []string
}

// Relationship links one follower to one master with its own capital
// allocation, sizing mode, and risk configuration.
type Relationship struct {
	ID         string
	FollowerID string
	MasterID   string
	Platform   string // venue the follower's replicas execute on

	AllocatedCapital float64
	PositionSizing   string  // proportional, fixed, kelly
	FixedUnitSize    float64 // absolute qty for fixed mode
	KellyFraction    float64 // externally derived, clamped to [0,1]
	MaxPositionSize  float64 // 0 = unset

	Limits   RiskLimits
	Settings ReplicationSettings

	Status string

	// Running counters, mutated only by the metrics aggregator and risk
	// monitor under per-relationship serialization.
	TotalTrades      int64
	SuccessfulTrades int64
	FailedTrades     int64
	TotalPnl         float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is the unit of replication work: one (signal, relationship) pair.
type Session struct {
	ID                string
	MasterTradeID     string
	RelationshipID    string
	Status            string
	ReplicationDelay  int64 // ms, submit time minus signal timestamp
	Slippage          float64
	FillQuality       float64
	RetryCount        int
	ErrorMessage      string
	DeadlineAt        time.Time // zero when the session has no latency bound
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Terminal reports whether the session reached a final state.
func (s *Session) Terminal() bool {
	switch s.Status {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// ExecutionResult records the outcome of one venue submission attempt for a
// session. A session accumulates one row per attempt; the last row is
// authoritative for the session's final fields.
type ExecutionResult struct {
	ID               string
	SessionID        string
	Attempt          int
	Success          bool
	OrderID          string
	FilledQty        float64
	FillPrice        float64
	RemainingQty     float64
	Fees             float64
	ReplicationDelay int64 // ms
	Slippage         float64
	ErrorMessage     string
	CreatedAt        time.Time
}

// DailyRiskMetric aggregates one relationship's realized risk state per UTC day.
type DailyRiskMetric struct {
	RelationshipID string
	Date           string // YYYY-MM-DD, UTC
	DailyPnl       float64
	DailyTrades    int
	DailyLosses    float64
	BreakerTripped bool
}

// User represents an application user (follower) for the command API.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
