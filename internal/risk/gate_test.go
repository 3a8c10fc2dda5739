package risk

import (
	"context"
	"testing"
	"time"

	"copytrade-core/internal/events"
	"copytrade-core/internal/relationship"
	"copytrade-core/pkg/db"
)

func newTestStore(t *testing.T) (*relationship.Store, *db.Queries) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return relationship.NewStore(database.Queries(), events.NewBus()), database.Queries()
}

func testRelationship(limits db.RiskLimits) db.Relationship {
	return db.Relationship{
		FollowerID:       "f1",
		MasterID:         "m1",
		Platform:         "mock",
		AllocatedCapital: 10000,
		PositionSizing:   db.SizingProportional,
		Limits:           limits,
		Status:           db.RelationshipActive,
	}
}

func testSignal(symbol string, leverage float64) db.TradeSignal {
	return db.TradeSignal{
		MasterTradeID: "t1",
		MasterID:      "m1",
		Symbol:        symbol,
		Side:          "BUY",
		Qty:           100,
		Price:         50,
		OrderType:     "MARKET",
		Leverage:      leverage,
		SignalTime:    time.Now().UTC(),
	}
}

func TestGateAllowsWithinLimits(t *testing.T) {
	store, _ := newTestStore(t)
	tracker := NewTracker(nil)
	gate := NewGate(tracker, store, nil)

	rel, err := store.Follow(context.Background(), testRelationship(db.RiskLimits{
		MaxDailyLoss:          500,
		MaxDrawdown:           0.2,
		MaxLeverage:           5,
		CircuitBreakerEnabled: true,
	}))
	if err != nil {
		t.Fatalf("follow: %v", err)
	}

	dec := gate.Evaluate(context.Background(), rel, testSignal("AAPL", 2))
	if !dec.Allowed {
		t.Fatalf("expected admission, got rejection %q", dec.Reason)
	}
}

func TestGateDailyLossTripsBreakerAndSuspends(t *testing.T) {
	store, _ := newTestStore(t)
	tracker := NewTracker(nil)
	gate := NewGate(tracker, store, nil)
	ctx := context.Background()

	rel, err := store.Follow(ctx, testRelationship(db.RiskLimits{
		MaxDailyLoss:          500,
		CircuitBreakerEnabled: true,
	}))
	if err != nil {
		t.Fatalf("follow: %v", err)
	}

	if err := tracker.RecordOutcome(ctx, rel.ID, -600); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	dec := gate.Evaluate(ctx, rel, testSignal("AAPL", 1))
	if dec.Allowed {
		t.Fatal("expected rejection")
	}
	if dec.Reason != ReasonDailyLossLimitExceeded {
		t.Fatalf("reason = %q, want %q", dec.Reason, ReasonDailyLossLimitExceeded)
	}
	if !dec.TrippedBreaker {
		t.Fatal("expected breaker to trip")
	}
	if !dec.Suspended {
		t.Fatal("expected relationship to suspend")
	}
	if status, _ := store.Status(rel.ID); status != db.RelationshipSuspended {
		t.Fatalf("status = %q, want suspended", status)
	}

	// Breaker is now sticky: later evaluations short-circuit on it.
	dec = gate.Evaluate(ctx, rel, testSignal("AAPL", 1))
	if dec.Reason != ReasonCircuitBreakerOpen {
		t.Fatalf("reason = %q, want %q", dec.Reason, ReasonCircuitBreakerOpen)
	}
}

func TestGateDrawdownTripsBreaker(t *testing.T) {
	store, _ := newTestStore(t)
	tracker := NewTracker(nil)
	gate := NewGate(tracker, store, nil)
	ctx := context.Background()

	rel, err := store.Follow(ctx, testRelationship(db.RiskLimits{
		MaxDrawdown:           0.1, // 10% of 10000 allocated
		CircuitBreakerEnabled: true,
	}))
	if err != nil {
		t.Fatalf("follow: %v", err)
	}

	// Build a peak then give back more than 10% of allocated capital.
	tracker.RecordOutcome(ctx, rel.ID, 2000)
	tracker.RecordOutcome(ctx, rel.ID, -1200)

	dec := gate.Evaluate(ctx, rel, testSignal("AAPL", 1))
	if dec.Reason != ReasonDrawdownLimitExceeded {
		t.Fatalf("reason = %q, want %q", dec.Reason, ReasonDrawdownLimitExceeded)
	}
	if !dec.TrippedBreaker {
		t.Fatal("expected breaker to trip")
	}
}

func TestGateLeverageRejectsWithoutTrip(t *testing.T) {
	store, _ := newTestStore(t)
	tracker := NewTracker(nil)
	gate := NewGate(tracker, store, nil)
	ctx := context.Background()

	rel, err := store.Follow(ctx, testRelationship(db.RiskLimits{
		MaxLeverage:           3,
		CircuitBreakerEnabled: true,
	}))
	if err != nil {
		t.Fatalf("follow: %v", err)
	}

	dec := gate.Evaluate(ctx, rel, testSignal("AAPL", 10))
	if dec.Reason != ReasonLeverageExceeded {
		t.Fatalf("reason = %q, want %q", dec.Reason, ReasonLeverageExceeded)
	}
	if dec.TrippedBreaker || dec.Suspended {
		t.Fatal("leverage breach must not trip the breaker or suspend")
	}
	if status, _ := store.Status(rel.ID); status != db.RelationshipActive {
		t.Fatalf("status = %q, want active", status)
	}

	// A conforming order from the same relationship still goes through.
	dec = gate.Evaluate(ctx, rel, testSignal("AAPL", 2))
	if !dec.Allowed {
		t.Fatalf("expected admission after per-order rejection, got %q", dec.Reason)
	}
}

func TestGateCorrelationAndVolatility(t *testing.T) {
	store, _ := newTestStore(t)
	tracker := NewTracker(nil)
	gate := NewGate(tracker, store, nil)
	ctx := context.Background()

	rel, err := store.Follow(ctx, testRelationship(db.RiskLimits{
		CorrelationLimit: 0.7,
		VolatilityLimit:  0.05,
	}))
	if err != nil {
		t.Fatalf("follow: %v", err)
	}

	tracker.SetCorrelation(rel.ID, 0.9)
	dec := gate.Evaluate(ctx, rel, testSignal("AAPL", 1))
	if dec.Reason != ReasonCorrelationLimitExceeded {
		t.Fatalf("reason = %q, want %q", dec.Reason, ReasonCorrelationLimitExceeded)
	}

	tracker.SetCorrelation(rel.ID, 0.3)
	tracker.SetVolatility("AAPL", 0.08)
	dec = gate.Evaluate(ctx, rel, testSignal("AAPL", 1))
	if dec.Reason != ReasonVolatilityLimitExceeded {
		t.Fatalf("reason = %q, want %q", dec.Reason, ReasonVolatilityLimitExceeded)
	}

	// Other symbols keep their own volatility.
	dec = gate.Evaluate(ctx, rel, testSignal("MSFT", 1))
	if !dec.Allowed {
		t.Fatalf("expected admission for calm symbol, got %q", dec.Reason)
	}
}

func TestGateBreakerDisabledStillRejects(t *testing.T) {
	store, _ := newTestStore(t)
	tracker := NewTracker(nil)
	gate := NewGate(tracker, store, nil)
	ctx := context.Background()

	rel, err := store.Follow(ctx, testRelationship(db.RiskLimits{
		MaxDailyLoss: 100,
	}))
	if err != nil {
		t.Fatalf("follow: %v", err)
	}

	tracker.RecordOutcome(ctx, rel.ID, -150)

	dec := gate.Evaluate(ctx, rel, testSignal("AAPL", 1))
	if dec.Reason != ReasonDailyLossLimitExceeded {
		t.Fatalf("reason = %q, want %q", dec.Reason, ReasonDailyLossLimitExceeded)
	}
	if dec.TrippedBreaker || dec.Suspended {
		t.Fatal("disabled breaker must not trip or suspend")
	}
}

func TestBreakerResetsOnDayRollover(t *testing.T) {
	tracker := NewTracker(nil)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	tracker.SetClock(func() time.Time { return day1 })

	tracker.RecordOutcome(ctx, "r1", -900)
	tracker.TripBreaker(ctx, "r1")
	if !tracker.BreakerOpen("r1") {
		t.Fatal("expected breaker open on day 1")
	}

	day2 := day1.Add(20 * time.Minute)
	tracker.SetClock(func() time.Time { return day2 })

	if tracker.BreakerOpen("r1") {
		t.Fatal("breaker must close after the UTC day rolls over")
	}
	snap := tracker.Snapshot("r1")
	if snap.DailyLoss != 0 || snap.DailyTrades != 0 {
		t.Fatalf("daily fields must reset, got loss=%.2f trades=%d", snap.DailyLoss, snap.DailyTrades)
	}
	if snap.TotalPnl != -900 {
		t.Fatalf("total pnl must survive rollover, got %.2f", snap.TotalPnl)
	}
}

func TestTrackerPersistsAndReloads(t *testing.T) {
	_, queries := newTestStore(t)
	ctx := context.Background()

	rel := testRelationship(db.RiskLimits{CircuitBreakerEnabled: true})
	rel.ID = "r1"
	if err := queries.UpsertRelationship(ctx, rel); err != nil {
		t.Fatalf("upsert relationship: %v", err)
	}

	tracker := NewTracker(queries)
	if err := tracker.RecordOutcome(ctx, "r1", -250); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if err := tracker.RecordOutcome(ctx, "r1", 40); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if err := tracker.TripBreaker(ctx, "r1"); err != nil {
		t.Fatalf("trip breaker: %v", err)
	}

	// A fresh tracker over the same store sees the same day.
	reloaded := NewTracker(queries)
	if err := reloaded.Load(ctx, []db.Relationship{rel}); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := reloaded.Snapshot("r1")
	if snap.DailyLoss != 250 {
		t.Fatalf("daily loss = %.2f, want 250", snap.DailyLoss)
	}
	if snap.DailyPnl != -210 {
		t.Fatalf("daily pnl = %.2f, want -210", snap.DailyPnl)
	}
	if snap.DailyTrades != 2 {
		t.Fatalf("daily trades = %d, want 2", snap.DailyTrades)
	}
	if !snap.BreakerOpen {
		t.Fatal("expected breaker to survive restart")
	}
}

func TestMonitorSweepSuspendsBreached(t *testing.T) {
	store, _ := newTestStore(t)
	tracker := NewTracker(nil)
	ctx := context.Background()

	healthy, err := store.Follow(ctx, testRelationship(db.RiskLimits{
		MaxDailyLoss:          1000,
		CircuitBreakerEnabled: true,
	}))
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	breached, err := store.Follow(ctx, testRelationship(db.RiskLimits{
		MaxDailyLoss:          200,
		CircuitBreakerEnabled: true,
	}))
	if err != nil {
		t.Fatalf("follow: %v", err)
	}

	tracker.RecordOutcome(ctx, healthy.ID, -50)
	tracker.RecordOutcome(ctx, breached.ID, -300)

	mon := NewMonitor(tracker, store, nil, time.Second)
	mon.Sweep(ctx)

	if status, _ := store.Status(healthy.ID); status != db.RelationshipActive {
		t.Fatalf("healthy status = %q, want active", status)
	}
	if status, _ := store.Status(breached.ID); status != db.RelationshipSuspended {
		t.Fatalf("breached status = %q, want suspended", status)
	}
	if !tracker.BreakerOpen(breached.ID) {
		t.Fatal("expected breaker open for breached relationship")
	}

	// Sweeping again must not flap an already suspended relationship.
	mon.Sweep(ctx)
	if status, _ := store.Status(breached.ID); status != db.RelationshipSuspended {
		t.Fatalf("status after second sweep = %q, want suspended", status)
	}
}
