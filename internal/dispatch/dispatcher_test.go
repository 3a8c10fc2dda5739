package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/events"
	"copytrade-core/internal/relationship"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/venue"
)

type harness struct {
	queries    *db.Queries
	store      *relationship.Store
	registry   *venue.Registry
	dispatcher *Dispatcher
	outcomes   chan Outcome
}

func newHarness(t *testing.T, policy RetryPolicy) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := &harness{
		queries:  database.Queries(),
		store:    relationship.NewStore(database.Queries(), events.NewBus()),
		registry: venue.NewRegistry(0, 0),
		outcomes: make(chan Outcome, 32),
	}
	h.dispatcher = NewDispatcher(h.queries, h.store, h.registry, nil, NewCoordinator(policy), 4,
		func(_ context.Context, o Outcome) { h.outcomes <- o })
	t.Cleanup(h.dispatcher.Shutdown)
	return h
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
}

func (h *harness) follow(t *testing.T, platform string, settings db.ReplicationSettings) db.Relationship {
	t.Helper()
	rel, err := h.store.Follow(context.Background(), db.Relationship{
		FollowerID:       "f1",
		MasterID:         "m1",
		Platform:         platform,
		AllocatedCapital: 10000,
		PositionSizing:   db.SizingProportional,
		Settings:         settings,
		Status:           db.RelationshipActive,
	})
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	return rel
}

func (h *harness) enqueue(t *testing.T, rel db.Relationship, tradeID string, qty float64, deadline time.Time) db.Session {
	t.Helper()
	s := db.Session{
		ID:             uuid.NewString(),
		MasterTradeID:  tradeID,
		RelationshipID: rel.ID,
		Status:         db.SessionPending,
		DeadlineAt:     deadline,
		CreatedAt:      time.Now().UTC(),
	}
	if ok, err := h.queries.CreateSession(context.Background(), s); err != nil || !ok {
		t.Fatalf("create session: ok=%v err=%v", ok, err)
	}
	err := h.dispatcher.Enqueue(Task{
		Session:      s,
		Relationship: rel,
		Signal: db.TradeSignal{
			MasterTradeID: tradeID,
			MasterID:      rel.MasterID,
			Symbol:        "AAPL",
			Side:          "BUY",
			Qty:           qty,
			Price:         100,
			OrderType:     "MARKET",
			SignalTime:    time.Now().UTC(),
		},
		Qty: qty,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return s
}

func (h *harness) wait(t *testing.T, sessionID string) Outcome {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case o := <-h.outcomes:
			if o.Session.ID == sessionID {
				return o
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session %s", sessionID)
		}
	}
}

func TestDispatchCompletesFullFill(t *testing.T) {
	h := newHarness(t, fastPolicy())
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{FeeRate: 0.001})
	h.registry.Register(adapter)
	rel := h.follow(t, "mock", db.ReplicationSettings{})

	s := h.enqueue(t, rel, "t1", 10, time.Time{})
	o := h.wait(t, s.ID)

	if o.Session.Status != db.SessionCompleted {
		t.Fatalf("status = %q (%s), want completed", o.Session.Status, o.Session.ErrorMessage)
	}
	if o.Session.FillQuality != 1 {
		t.Fatalf("fill quality = %.2f, want 1", o.Session.FillQuality)
	}
	if o.Result == nil || !o.Result.Success {
		t.Fatal("expected a successful last result")
	}
	if o.Session.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", o.Session.RetryCount)
	}
}

func TestRetryExhaustion(t *testing.T) {
	h := newHarness(t, fastPolicy())
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{})
	adapter.Script = func(int, venue.ReplicaRequest) error {
		return venue.Transient("submit", "venue timeout")
	}
	h.registry.Register(adapter)
	rel := h.follow(t, "mock", db.ReplicationSettings{})

	s := h.enqueue(t, rel, "t1", 10, time.Time{})
	o := h.wait(t, s.ID)

	if o.Session.Status != db.SessionFailed {
		t.Fatalf("status = %q, want failed", o.Session.Status)
	}
	if o.Session.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", o.Session.RetryCount)
	}
	if got := adapter.Submissions(); got != 3 {
		t.Fatalf("submissions = %d, want exactly 3", got)
	}

	results, err := h.queries.ListResultsBySession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("result rows = %d, want 3", len(results))
	}
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, fastPolicy())
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{})
	adapter.Script = func(int, venue.ReplicaRequest) error {
		return venue.Permanent("submit", "insufficient funds")
	}
	h.registry.Register(adapter)
	rel := h.follow(t, "mock", db.ReplicationSettings{})

	s := h.enqueue(t, rel, "t1", 10, time.Time{})
	o := h.wait(t, s.ID)

	if o.Session.Status != db.SessionFailed {
		t.Fatalf("status = %q, want failed", o.Session.Status)
	}
	if got := adapter.Submissions(); got != 1 {
		t.Fatalf("submissions = %d, want 1 (no retries on permanent errors)", got)
	}
}

func TestOrderingWithinRelationship(t *testing.T) {
	h := newHarness(t, fastPolicy())
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{})
	// The first trade needs two retries; the second fills immediately.
	// Completion order must still follow enqueue order.
	adapter.Script = func(call int, _ venue.ReplicaRequest) error {
		if call < 2 {
			return venue.Transient("submit", "rate limited")
		}
		return nil
	}
	h.registry.Register(adapter)
	rel := h.follow(t, "mock", db.ReplicationSettings{})

	s1 := h.enqueue(t, rel, "t1", 10, time.Time{})
	s2 := h.enqueue(t, rel, "t2", 5, time.Time{})

	first := <-h.outcomes
	second := <-h.outcomes
	if first.Session.ID != s1.ID || second.Session.ID != s2.ID {
		t.Fatalf("completion order = %s, %s; want %s, %s",
			first.Session.ID, second.Session.ID, s1.ID, s2.ID)
	}
	if first.Session.Status != db.SessionCompleted || second.Session.Status != db.SessionCompleted {
		t.Fatalf("statuses = %q, %q; want completed, completed",
			first.Session.Status, second.Session.Status)
	}
}

func TestIsolationAcrossRelationships(t *testing.T) {
	// One relationship's adapter fails forever with slow backoff; the other
	// must complete without waiting for it.
	policy := RetryPolicy{MaxAttempts: 3, BackoffBase: 200 * time.Millisecond, BackoffCap: 2 * time.Second}
	h := newHarness(t, policy)

	stuck := venue.NewMockAdapter("stuck", venue.MockConfig{})
	stuck.Script = func(int, venue.ReplicaRequest) error {
		return venue.Transient("submit", "venue down")
	}
	healthy := venue.NewMockAdapter("healthy", venue.MockConfig{})
	h.registry.Register(stuck)
	h.registry.Register(healthy)

	relStuck := h.follow(t, "stuck", db.ReplicationSettings{})
	relOK := h.follow(t, "healthy", db.ReplicationSettings{})

	sStuck := h.enqueue(t, relStuck, "t1", 10, time.Time{})
	sOK := h.enqueue(t, relOK, "t1", 5, time.Time{})

	first := <-h.outcomes
	if first.Session.ID != sOK.ID {
		t.Fatalf("first outcome = %s, want the healthy relationship %s", first.Session.ID, sOK.ID)
	}
	if first.Session.Status != db.SessionCompleted {
		t.Fatalf("healthy status = %q, want completed", first.Session.Status)
	}

	o := h.wait(t, sStuck.ID)
	if o.Session.Status != db.SessionFailed {
		t.Fatalf("stuck status = %q, want failed", o.Session.Status)
	}
}

func TestCancelledAtRetryBoundaryWhenPaused(t *testing.T) {
	h := newHarness(t, fastPolicy())
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{})
	adapter.Script = func(call int, _ venue.ReplicaRequest) error {
		if call == 0 {
			// Pause mid-flight; the retry boundary must observe it.
			if err := h.store.Transition(context.Background(), relID(h), db.RelationshipPaused, "test"); err != nil {
				t.Errorf("pause: %v", err)
			}
			return venue.Transient("submit", "venue timeout")
		}
		return nil
	}
	h.registry.Register(adapter)
	rel := h.follow(t, "mock", db.ReplicationSettings{})

	s := h.enqueue(t, rel, "t1", 10, time.Time{})
	o := h.wait(t, s.ID)

	if o.Session.Status != db.SessionCancelled {
		t.Fatalf("status = %q, want cancelled", o.Session.Status)
	}
	if got := adapter.Submissions(); got != 1 {
		t.Fatalf("submissions = %d, want 1 (no resubmission after pause)", got)
	}
}

// relID returns the sole relationship id in the store.
func relID(h *harness) string {
	rels := h.store.List()
	if len(rels) != 1 {
		return ""
	}
	return rels[0].ID
}

func TestCancelledWhenNotActiveAtDispatch(t *testing.T) {
	h := newHarness(t, fastPolicy())
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{})
	h.registry.Register(adapter)
	rel := h.follow(t, "mock", db.ReplicationSettings{})

	if err := h.store.Transition(context.Background(), rel.ID, db.RelationshipPaused, "test"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	s := h.enqueue(t, rel, "t1", 10, time.Time{})
	o := h.wait(t, s.ID)

	if o.Session.Status != db.SessionCancelled {
		t.Fatalf("status = %q, want cancelled", o.Session.Status)
	}
	if got := adapter.Submissions(); got != 0 {
		t.Fatalf("submissions = %d, want 0", got)
	}
}

func TestCancelledOnLatencyBoundBeforeSubmit(t *testing.T) {
	h := newHarness(t, fastPolicy())
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{})
	h.registry.Register(adapter)
	rel := h.follow(t, "mock", db.ReplicationSettings{})

	s := h.enqueue(t, rel, "t1", 10, time.Now().Add(-time.Second))
	o := h.wait(t, s.ID)

	if o.Session.Status != db.SessionCancelled {
		t.Fatalf("status = %q, want cancelled", o.Session.Status)
	}
	if got := adapter.Submissions(); got != 0 {
		t.Fatalf("submissions = %d, want 0", got)
	}
}

func TestCancelledOnQuoteSlippageBeforeSubmit(t *testing.T) {
	h := newHarness(t, fastPolicy())
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{})
	adapter.SetQuote("AAPL", 110) // 10% away from the 100 reference
	h.registry.Register(adapter)
	rel := h.follow(t, "mock", db.ReplicationSettings{MaxSlippage: 0.01})

	s := h.enqueue(t, rel, "t1", 10, time.Time{})
	o := h.wait(t, s.ID)

	if o.Session.Status != db.SessionCancelled {
		t.Fatalf("status = %q, want cancelled", o.Session.Status)
	}
	if got := adapter.Submissions(); got != 0 {
		t.Fatalf("submissions = %d, want 0", got)
	}
}

func TestPartialFillRejectedBySettings(t *testing.T) {
	h := newHarness(t, fastPolicy())
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{FillRatio: 0.5})
	h.registry.Register(adapter)
	rel := h.follow(t, "mock", db.ReplicationSettings{AllowPartialFills: false})

	s := h.enqueue(t, rel, "t1", 10, time.Time{})
	o := h.wait(t, s.ID)

	if o.Session.Status != db.SessionFailed {
		t.Fatalf("status = %q, want failed", o.Session.Status)
	}
}

func TestPartialFillAcceptedBySettings(t *testing.T) {
	h := newHarness(t, fastPolicy())
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{FillRatio: 0.5})
	h.registry.Register(adapter)
	rel := h.follow(t, "mock", db.ReplicationSettings{AllowPartialFills: true})

	s := h.enqueue(t, rel, "t1", 10, time.Time{})
	o := h.wait(t, s.ID)

	if o.Session.Status != db.SessionCompleted {
		t.Fatalf("status = %q (%s), want completed", o.Session.Status, o.Session.ErrorMessage)
	}
	if o.Session.FillQuality != 0.5 {
		t.Fatalf("fill quality = %.2f, want 0.5", o.Session.FillQuality)
	}
}

func TestBackoffSchedule(t *testing.T) {
	p := DefaultRetryPolicy()
	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1600 * time.Millisecond},
		{5, 2 * time.Second},
		{10, 2 * time.Second},
	}
	for _, c := range cases {
		if got := p.Backoff(c.n); got != c.want {
			t.Errorf("Backoff(%d) = %v, want %v", c.n, got, c.want)
		}
	}
}

func TestRetryStopsAtDeadline(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BackoffBase: 300 * time.Millisecond, BackoffCap: 2 * time.Second}
	h := newHarness(t, policy)
	adapter := venue.NewMockAdapter("mock", venue.MockConfig{})
	adapter.Script = func(int, venue.ReplicaRequest) error {
		return venue.Transient("submit", "venue timeout")
	}
	h.registry.Register(adapter)
	rel := h.follow(t, "mock", db.ReplicationSettings{})

	// Deadline expires before the first 300ms backoff completes, so only
	// the initial attempt runs.
	s := h.enqueue(t, rel, "t1", 10, time.Now().Add(100*time.Millisecond))
	o := h.wait(t, s.ID)

	if o.Session.Status != db.SessionFailed {
		t.Fatalf("status = %q, want failed", o.Session.Status)
	}
	if got := adapter.Submissions(); got != 1 {
		t.Fatalf("submissions = %d, want 1 (deadline forbids the retry)", got)
	}
	if o.Session.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", o.Session.RetryCount)
	}
}
