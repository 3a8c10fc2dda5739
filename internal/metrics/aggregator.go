package metrics

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"copytrade-core/internal/dispatch"
	"copytrade-core/internal/relationship"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/db"
)

// PerformanceMetrics carries externally computed statistics the dashboard
// renders. The engine passes them through; it never derives them.
type PerformanceMetrics struct {
	WinRate      float64   `json:"win_rate"`
	ProfitFactor float64   `json:"profit_factor"`
	SharpeRatio  float64   `json:"sharpe_ratio"`
	SortinoRatio float64   `json:"sortino_ratio"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PlatformStats is the per-venue rollup exposed to the dashboard.
type PlatformStats struct {
	Sessions         int64        `json:"sessions"`
	Completed        int64        `json:"completed"`
	Failed           int64        `json:"failed"`
	Cancelled        int64        `json:"cancelled"`
	SuccessRate      float64      `json:"success_rate"`
	AverageLatencyMs float64      `json:"average_latency_ms"`
	Latency          LatencyStats `json:"latency"`
}

type platformAgg struct {
	sessions   int64
	completed  int64
	failed     int64
	cancelled  int64
	latencySum float64
	measured   int64
	hist       *LatencyHistogram
}

// Aggregator folds terminal sessions into per-relationship counters,
// per-platform latency and success rollups, and the running risk state.
// Folding is idempotent per session id.
type Aggregator struct {
	store   *relationship.Store
	tracker *risk.Tracker

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	seenLimit int
	platforms map[string]*platformAgg
	perf      PerformanceMetrics
}

// seenWindow bounds the dedupe set. Replays only happen within one fan-out,
// so a window of recent session ids is enough; the unique session index in
// the DB backstops anything older.
const seenWindow = 8192

func NewAggregator(store *relationship.Store, tracker *risk.Tracker) *Aggregator {
	return &Aggregator{
		store:     store,
		tracker:   tracker,
		seen:      make(map[string]struct{}),
		seenLimit: seenWindow,
		platforms: make(map[string]*platformAgg),
	}
}

// Fold consumes one terminal session. Re-folding the same session id is a
// no-op so replayed outcomes never double-count.
func (a *Aggregator) Fold(ctx context.Context, o dispatch.Outcome) {
	s := o.Session
	if !s.Terminal() {
		return
	}

	a.mu.Lock()
	if _, dup := a.seen[s.ID]; dup {
		a.mu.Unlock()
		return
	}
	a.seen[s.ID] = struct{}{}
	a.seenOrder = append(a.seenOrder, s.ID)
	if len(a.seenOrder) > a.seenLimit {
		delete(a.seen, a.seenOrder[0])
		a.seenOrder = a.seenOrder[1:]
	}
	a.foldPlatformLocked(o)
	a.mu.Unlock()

	// Execution cost is the realized pnl the engine can observe at fill
	// time: fees plus the slippage paid on the filled notional. Trade pnl
	// from position closes arrives through the master's own pipeline.
	var pnl float64
	if s.Status == db.SessionCompleted && o.Result != nil {
		pnl = -(o.Result.Fees + math.Abs(o.Result.Slippage)*o.Result.FilledQty*o.Result.FillPrice)
	}

	switch s.Status {
	case db.SessionCompleted:
		a.record(ctx, s.RelationshipID, true, pnl)
	case db.SessionFailed:
		a.record(ctx, s.RelationshipID, false, 0)
	}
	// Cancelled sessions never reached the venue and count as neither.
}

func (a *Aggregator) record(ctx context.Context, relationshipID string, successful bool, pnl float64) {
	if err := a.store.AddCounters(ctx, relationshipID, successful, pnl); err != nil {
		log.Printf("metrics: counters for %s: %v", relationshipID, err)
	}
	if a.tracker != nil && pnl != 0 {
		if err := a.tracker.RecordOutcome(ctx, relationshipID, pnl); err != nil {
			log.Printf("metrics: risk outcome for %s: %v", relationshipID, err)
		}
	}
}

func (a *Aggregator) foldPlatformLocked(o dispatch.Outcome) {
	if o.Platform == "" {
		return
	}
	agg, ok := a.platforms[o.Platform]
	if !ok {
		agg = &platformAgg{hist: NewLatencyHistogram(1000)}
		a.platforms[o.Platform] = agg
	}
	agg.sessions++
	switch o.Session.Status {
	case db.SessionCompleted:
		agg.completed++
	case db.SessionFailed:
		agg.failed++
	case db.SessionCancelled:
		agg.cancelled++
	}
	if o.Session.Status != db.SessionCancelled && o.Session.ReplicationDelay > 0 {
		ms := float64(o.Session.ReplicationDelay)
		agg.latencySum += ms
		agg.measured++
		agg.hist.Record(ms)
	}
}

// Platform returns the rollup for one venue.
func (a *Aggregator) Platform(platform string) (PlatformStats, bool) {
	a.mu.Lock()
	agg, ok := a.platforms[platform]
	a.mu.Unlock()
	if !ok {
		return PlatformStats{}, false
	}
	return a.statsFor(agg), true
}

// Platforms returns rollups for every venue seen so far.
func (a *Aggregator) Platforms() map[string]PlatformStats {
	a.mu.Lock()
	aggs := make(map[string]*platformAgg, len(a.platforms))
	for p, agg := range a.platforms {
		aggs[p] = agg
	}
	a.mu.Unlock()

	out := make(map[string]PlatformStats, len(aggs))
	for p, agg := range aggs {
		out[p] = a.statsFor(agg)
	}
	return out
}

func (a *Aggregator) statsFor(agg *platformAgg) PlatformStats {
	a.mu.Lock()
	st := PlatformStats{
		Sessions:  agg.sessions,
		Completed: agg.completed,
		Failed:    agg.failed,
		Cancelled: agg.cancelled,
	}
	decided := agg.completed + agg.failed
	if decided > 0 {
		st.SuccessRate = float64(agg.completed) / float64(decided)
	}
	if agg.measured > 0 {
		st.AverageLatencyMs = agg.latencySum / float64(agg.measured)
	}
	a.mu.Unlock()
	st.Latency = agg.hist.Stats()
	return st
}

// SetPerformance stores externally computed performance statistics.
func (a *Aggregator) SetPerformance(p PerformanceMetrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	a.perf = p
}

// Performance returns the pass-through performance statistics.
func (a *Aggregator) Performance() PerformanceMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.perf
}
