package engine

import (
	"context"
	"testing"
	"time"

	"copytrade-core/internal/dispatch"
	"copytrade-core/internal/events"
	"copytrade-core/internal/metrics"
	"copytrade-core/internal/relationship"
	"copytrade-core/internal/risk"
	"copytrade-core/internal/signal"
	"copytrade-core/internal/sizing"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/venue"
)

type fixture struct {
	engine     *Engine
	queries    *db.Queries
	store      *relationship.Store
	tracker    *risk.Tracker
	adapter    *venue.MockAdapter
	aggregator *metrics.Aggregator
	terminal   chan dispatch.Outcome
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	queries := database.Queries()

	bus := events.NewBus()
	store := relationship.NewStore(queries, bus)
	tracker := risk.NewTracker(queries)
	registry := venue.NewRegistry(0, 0)
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{FeeRate: 0.001})
	registry.Register(adapter)

	f := &fixture{
		queries:  queries,
		store:    store,
		tracker:  tracker,
		adapter:  adapter,
		terminal: make(chan dispatch.Outcome, 32),
	}
	f.aggregator = metrics.NewAggregator(store, tracker)
	dispatcher := dispatch.NewDispatcher(queries, store, registry, bus,
		dispatch.NewCoordinator(dispatch.RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}),
		4,
		func(ctx context.Context, o dispatch.Outcome) {
			f.aggregator.Fold(ctx, o)
			f.terminal <- o
		})
	t.Cleanup(dispatcher.Shutdown)

	f.engine = New(Deps{
		Queries:    queries,
		Bus:        bus,
		Ingester:   signal.NewIngester(queries, bus),
		Resolver:   relationship.NewResolver(store, queries),
		Sizer:      sizing.NewSizer(),
		Gate:       risk.NewGate(tracker, store, bus),
		Store:      store,
		Tracker:    tracker,
		Registry:   registry,
		Dispatcher: dispatcher,
	})
	return f
}

func (f *fixture) seedMaster(t *testing.T, accountSize float64) {
	t.Helper()
	err := f.queries.UpsertMasterProfile(context.Background(), db.MasterTraderProfile{
		ID:                   "m1",
		DisplayName:          "Master One",
		StrategyType:         "swing",
		AccountSize:          accountSize,
		Verified:             true,
		IsAcceptingFollowers: true,
	})
	if err != nil {
		t.Fatalf("seed master: %v", err)
	}
}

func (f *fixture) follow(t *testing.T, follower string, alloc float64, limits db.RiskLimits) db.Relationship {
	t.Helper()
	rel, err := f.engine.Follow(context.Background(), db.Relationship{
		FollowerID:       follower,
		MasterID:         "m1",
		Platform:         "mock",
		AllocatedCapital: alloc,
		PositionSizing:   db.SizingProportional,
		Limits:           limits,
		Status:           db.RelationshipActive,
	})
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	return rel
}

func (f *fixture) waitTerminal(t *testing.T, n int) map[string]dispatch.Outcome {
	t.Helper()
	out := make(map[string]dispatch.Outcome, n)
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case o := <-f.terminal:
			out[o.Session.ID] = o
		case <-deadline:
			t.Fatalf("timed out with %d/%d terminal sessions", len(out), n)
		}
	}
	return out
}

func aaplTrade(id string, qty float64) signal.RawTradeEvent {
	return signal.RawTradeEvent{
		MasterTradeID: id,
		MasterID:      "m1",
		Symbol:        "AAPL",
		Side:          "buy",
		Qty:           qty,
		Price:         100,
		Platform:      "mock",
		Timestamp:     time.Now().UTC(),
	}
}

func TestEndToEndProportionalReplication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMaster(t, 100000)

	relA := f.follow(t, "fA", 10000, db.RiskLimits{}) // 10% of master capital
	relB := f.follow(t, "fB", 5000, db.RiskLimits{})  // 5%

	n, err := f.engine.HandleMasterTrade(ctx, aaplTrade("m1-t1", 100))
	if err != nil {
		t.Fatalf("handle trade: %v", err)
	}
	if n != 2 {
		t.Fatalf("sessions created = %d, want 2", n)
	}

	byRel := make(map[string]dispatch.Outcome)
	for _, o := range f.waitTerminal(t, 2) {
		byRel[o.Session.RelationshipID] = o
	}

	wantQty := map[string]float64{relA.ID: 10, relB.ID: 5}
	for relID, want := range wantQty {
		o, ok := byRel[relID]
		if !ok {
			t.Fatalf("no outcome for relationship %s", relID)
		}
		if o.Session.Status != db.SessionCompleted {
			t.Fatalf("relationship %s status = %q (%s), want completed",
				relID, o.Session.Status, o.Session.ErrorMessage)
		}
		if o.Result == nil || o.Result.FilledQty != want {
			t.Fatalf("relationship %s filled %.4f, want %.4f", relID, o.Result.FilledQty, want)
		}
	}

	for _, relID := range []string{relA.ID, relB.ID} {
		rel, ok := f.store.Get(relID)
		if !ok {
			t.Fatalf("relationship %s missing", relID)
		}
		if rel.TotalTrades != 1 || rel.SuccessfulTrades != 1 {
			t.Fatalf("relationship %s counters total=%d success=%d, want 1/1",
				relID, rel.TotalTrades, rel.SuccessfulTrades)
		}
	}
}

func TestIdempotentRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMaster(t, 100000)
	rel := f.follow(t, "fA", 10000, db.RiskLimits{})

	if n, err := f.engine.HandleMasterTrade(ctx, aaplTrade("m1-t1", 100)); err != nil || n != 1 {
		t.Fatalf("first delivery: n=%d err=%v", n, err)
	}
	f.waitTerminal(t, 1)

	// Same master trade id again: no new session, no error.
	if n, err := f.engine.HandleMasterTrade(ctx, aaplTrade("m1-t1", 100)); err != nil || n != 0 {
		t.Fatalf("redelivery: n=%d err=%v, want 0 sessions", n, err)
	}

	sessions, err := f.queries.ListSessionsByRelationship(ctx, rel.ID, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want exactly 1", len(sessions))
	}
	if got := f.adapter.Submissions(); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
}

func TestDailyLossSuspendsNextSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMaster(t, 100000)
	rel := f.follow(t, "fA", 10000, db.RiskLimits{
		MaxDailyLoss:          100,
		CircuitBreakerEnabled: true,
	})

	if n, err := f.engine.HandleMasterTrade(ctx, aaplTrade("m1-t1", 100)); err != nil || n != 1 {
		t.Fatalf("trade 1: n=%d err=%v", n, err)
	}
	f.waitTerminal(t, 1)

	// Cumulative realized losses reach the daily limit.
	if err := f.tracker.RecordOutcome(ctx, rel.ID, -100); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	if n, err := f.engine.HandleMasterTrade(ctx, aaplTrade("m1-t2", 50)); err != nil || n != 1 {
		t.Fatalf("trade 2: n=%d err=%v", n, err)
	}
	outcomes := f.waitTerminal(t, 1)
	for _, o := range outcomes {
		if o.Session.Status != db.SessionFailed {
			t.Fatalf("status = %q, want failed", o.Session.Status)
		}
		if o.Session.ErrorMessage != risk.ReasonDailyLossLimitExceeded {
			t.Fatalf("error = %q, want %q", o.Session.ErrorMessage, risk.ReasonDailyLossLimitExceeded)
		}
	}

	if status, _ := f.store.Status(rel.ID); status != db.RelationshipSuspended {
		t.Fatalf("status = %q, want suspended without human input", status)
	}

	// A third trade no longer resolves the relationship at all.
	if n, err := f.engine.HandleMasterTrade(ctx, aaplTrade("m1-t3", 50)); err != nil || n != 0 {
		t.Fatalf("trade 3: n=%d err=%v, want no sessions", n, err)
	}

	// Human resume closes the breaker and replication continues.
	if err := f.engine.StartCopyTrading(ctx, rel.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if f.tracker.BreakerOpen(rel.ID) {
		t.Fatal("breaker must close on human resume")
	}
}

func TestPausedRelationshipGetsNoSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMaster(t, 100000)
	rel := f.follow(t, "fA", 10000, db.RiskLimits{})

	if err := f.engine.PauseCopyTrading(ctx, rel.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if n, err := f.engine.HandleMasterTrade(ctx, aaplTrade("m1-t1", 100)); err != nil || n != 0 {
		t.Fatalf("n=%d err=%v, want 0 sessions for paused relationship", n, err)
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMaster(t, 100000)
	rel := f.follow(t, "fA", 10000, db.RiskLimits{})

	if err := f.engine.UnfollowTrader(ctx, rel.ID); err != nil {
		t.Fatalf("unfollow: %v", err)
	}
	if err := f.engine.StartCopyTrading(ctx, rel.ID); err == nil {
		t.Fatal("restart after unfollow must fail")
	}
}

func TestRecoverFailsStaleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMaster(t, 100000)
	rel := f.follow(t, "fA", 10000, db.RiskLimits{})

	stale := db.Session{
		ID:             "stale-1",
		MasterTradeID:  "m1-old",
		RelationshipID: rel.ID,
		Status:         db.SessionExecuting,
		DeadlineAt:     time.Now().Add(-time.Minute),
		CreatedAt:      time.Now().Add(-time.Hour),
	}
	if ok, err := f.queries.CreateSession(ctx, stale); err != nil || !ok {
		t.Fatalf("create stale session: ok=%v err=%v", ok, err)
	}

	if err := f.engine.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	got, err := f.queries.GetSession(ctx, "stale-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != db.SessionFailed {
		t.Fatalf("status = %q, want failed after recovery", got.Status)
	}

	// Recovery goes through the outcome sink like any terminal session.
	f.waitTerminal(t, 1)
	updated, _ := f.store.Get(rel.ID)
	if updated.TotalTrades != 1 || updated.FailedTrades != 1 {
		t.Errorf("counters = %d total / %d failed, want 1/1", updated.TotalTrades, updated.FailedTrades)
	}
	stats, ok := f.aggregator.Platform("mock")
	if !ok || stats.Failed != 1 {
		t.Errorf("platform stats = %+v ok=%v, want failed 1", stats, ok)
	}
}

func TestAggregatorIdempotentFold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMaster(t, 100000)
	rel := f.follow(t, "fA", 10000, db.RiskLimits{})

	if _, err := f.engine.HandleMasterTrade(ctx, aaplTrade("m1-t1", 100)); err != nil {
		t.Fatalf("handle trade: %v", err)
	}
	var last dispatch.Outcome
	for _, o := range f.waitTerminal(t, 1) {
		last = o
	}

	// Replaying the same terminal outcome must not double-count.
	f.aggregator.Fold(ctx, last)
	f.aggregator.Fold(ctx, last)

	got, ok := f.store.Get(rel.ID)
	if !ok {
		t.Fatal("relationship missing")
	}
	if got.TotalTrades != 1 {
		t.Fatalf("total trades = %d, want 1 after replay", got.TotalTrades)
	}

	stats, ok := f.aggregator.Platform("mock")
	if !ok {
		t.Fatal("no platform stats for mock")
	}
	if stats.Sessions != 1 || stats.Completed != 1 {
		t.Fatalf("platform stats sessions=%d completed=%d, want 1/1", stats.Sessions, stats.Completed)
	}
	if stats.SuccessRate != 1 {
		t.Fatalf("success rate = %.2f, want 1", stats.SuccessRate)
	}
}
