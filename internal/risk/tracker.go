package risk

import (
	"context"
	"log"
	"sync"
	"time"

	"copytrade-core/pkg/db"
)

// state is the live running risk view for one relationship. Daily fields
// roll over when the UTC day changes.
type state struct {
	date        string
	dailyPnl    float64
	dailyLoss   float64
	dailyTrades int
	totalPnl    float64
	peakPnl     float64
	correlation float64
	breakerDate string // UTC day the breaker tripped; "" = closed
}

// Tracker holds per-relationship running risk state plus shared per-symbol
// volatility. Correlation and volatility are externally supplied numbers; the
// engine does not derive them.
type Tracker struct {
	mu         sync.RWMutex
	states     map[string]*state
	volatility map[string]float64 // symbol -> recent volatility

	queries *db.Queries
	now     func() time.Time
}

// NewTracker creates a tracker. queries may be nil for pure in-memory use.
func NewTracker(queries *db.Queries) *Tracker {
	return &Tracker{
		states:     make(map[string]*state),
		volatility: make(map[string]float64),
		queries:    queries,
		now:        time.Now,
	}
}

// SetClock overrides the time source; used by tests to cross day boundaries.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Load seeds today's state from persisted daily metrics and relationship
// totals so a restart does not forget an open breaker or the day's losses.
func (t *Tracker) Load(ctx context.Context, rels []db.Relationship) error {
	if t.queries == nil {
		return nil
	}
	today := UTCDay(t.now())
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rel := range rels {
		st := t.ensureLocked(rel.ID, today)
		st.totalPnl = rel.TotalPnl
		if rel.TotalPnl > st.peakPnl {
			st.peakPnl = rel.TotalPnl
		}
		m, err := t.queries.GetDailyRiskMetric(ctx, rel.ID, today)
		if err == db.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		st.dailyPnl = m.DailyPnl
		st.dailyLoss = m.DailyLosses
		st.dailyTrades = m.DailyTrades
		if m.BreakerTripped {
			st.breakerDate = today
		}
	}
	return nil
}

// ensureLocked returns the state for id, creating it or rolling the day over.
// Caller holds t.mu.
func (t *Tracker) ensureLocked(id, today string) *state {
	st, ok := t.states[id]
	if !ok {
		st = &state{date: today}
		t.states[id] = st
		return st
	}
	if st.date != today {
		log.Printf("risk: relationship %s daily reset (prev pnl=%.2f trades=%d)",
			id, st.dailyPnl, st.dailyTrades)
		st.date = today
		st.dailyPnl = 0
		st.dailyLoss = 0
		st.dailyTrades = 0
	}
	return st
}

// RecordOutcome folds one realized session outcome (pnl net of fees) into the
// relationship's running state and persists the daily aggregate.
func (t *Tracker) RecordOutcome(ctx context.Context, relationshipID string, pnl float64) error {
	today := UTCDay(t.now())

	t.mu.Lock()
	st := t.ensureLocked(relationshipID, today)
	st.dailyPnl += pnl
	st.dailyTrades++
	if pnl < 0 {
		st.dailyLoss += -pnl
	}
	st.totalPnl += pnl
	if st.totalPnl > st.peakPnl {
		st.peakPnl = st.totalPnl
	}
	t.mu.Unlock()

	if t.queries == nil {
		return nil
	}
	return t.queries.AddDailyRiskMetric(ctx, relationshipID, today, pnl)
}

// SetCorrelation stores the externally supplied portfolio correlation
// estimate for a relationship, already including the prospective position.
func (t *Tracker) SetCorrelation(relationshipID string, correlation float64) {
	today := UTCDay(t.now())
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.ensureLocked(relationshipID, today)
	st.correlation = correlation
}

// SetVolatility stores the externally supplied recent volatility for a symbol.
func (t *Tracker) SetVolatility(symbol string, vol float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.volatility[symbol] = vol
}

// Volatility returns the recent volatility for a symbol, 0 when unknown.
func (t *Tracker) Volatility(symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.volatility[symbol]
}

// TripBreaker opens the circuit breaker for the current trading day. Sticky
// until the day rolls over or a human resumes the relationship.
func (t *Tracker) TripBreaker(ctx context.Context, relationshipID string) error {
	today := UTCDay(t.now())
	t.mu.Lock()
	st := t.ensureLocked(relationshipID, today)
	st.breakerDate = today
	t.mu.Unlock()

	if t.queries == nil {
		return nil
	}
	return t.queries.SetBreakerTripped(ctx, relationshipID, today)
}

// ResetBreaker closes the breaker; called when a human resumes a suspended
// relationship.
func (t *Tracker) ResetBreaker(relationshipID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[relationshipID]; ok {
		st.breakerDate = ""
	}
}

// BreakerOpen reports whether the breaker tripped during the current day.
func (t *Tracker) BreakerOpen(relationshipID string) bool {
	today := UTCDay(t.now())
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[relationshipID]
	return ok && st.breakerDate == today
}

// Snapshot returns a copy of the relationship's current state.
func (t *Tracker) Snapshot(relationshipID string) Snapshot {
	today := UTCDay(t.now())
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.ensureLocked(relationshipID, today)
	return Snapshot{
		Date:        st.date,
		DailyPnl:    st.dailyPnl,
		DailyLoss:   st.dailyLoss,
		DailyTrades: st.dailyTrades,
		TotalPnl:    st.totalPnl,
		PeakPnl:     st.peakPnl,
		Drawdown:    st.peakPnl - st.totalPnl,
		Correlation: st.correlation,
		BreakerOpen: st.breakerDate == today,
	}
}
