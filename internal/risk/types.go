// Package risk provides the per-replica risk gate, per-relationship running
// risk state, and the background risk monitor.
package risk

import "time"

// Rejection reasons surfaced in session error messages. Policy rejections are
// never retried.
const (
	ReasonCircuitBreakerOpen       = "CircuitBreakerOpen"
	ReasonDailyLossLimitExceeded   = "DailyLossLimitExceeded"
	ReasonDrawdownLimitExceeded    = "DrawdownLimitExceeded"
	ReasonLeverageExceeded         = "LeverageExceeded"
	ReasonCorrelationLimitExceeded = "CorrelationLimitExceeded"
	ReasonVolatilityLimitExceeded  = "VolatilityLimitExceeded"
)

// Decision is the gate's verdict for one sized replica.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// TrippedBreaker reports that this evaluation opened the circuit breaker.
	TrippedBreaker bool `json:"tripped_breaker,omitempty"`
	// Suspended reports that the relationship was transitioned to suspended.
	Suspended bool `json:"suspended,omitempty"`
}

// Snapshot is a point-in-time view of one relationship's running risk state.
// Reads are snapshot-consistent, not globally linearizable; slightly stale
// state is acceptable because the next signal re-evaluates.
type Snapshot struct {
	Date        string  `json:"date"`
	DailyPnl    float64 `json:"daily_pnl"`
	DailyLoss   float64 `json:"daily_loss"`
	DailyTrades int     `json:"daily_trades"`
	TotalPnl    float64 `json:"total_pnl"`
	PeakPnl     float64 `json:"peak_pnl"`
	// Drawdown is (peak - current) total PnL; the gate normalizes it by
	// allocated capital before comparing to the MaxDrawdown fraction.
	Drawdown    float64 `json:"drawdown"`
	Correlation float64 `json:"correlation"`
	BreakerOpen bool    `json:"breaker_open"`
}

// Alert is published on the bus when the gate or monitor acts.
type Alert struct {
	RelationshipID string    `json:"relationship_id"`
	Reason         string    `json:"reason"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// UTCDay formats t as the engine's trading-day key.
func UTCDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
