package metrics

import (
	"context"
	"fmt"
	"testing"

	"copytrade-core/internal/dispatch"
	"copytrade-core/internal/relationship"
	"copytrade-core/pkg/db"
)

func newTestAggregator(t *testing.T) (*Aggregator, db.Relationship) {
	t.Helper()
	store := relationship.NewStore(nil, nil)
	rel, err := store.Follow(context.Background(), db.Relationship{
		FollowerID:       "u1",
		MasterID:         "m1",
		Platform:         "mock",
		AllocatedCapital: 10000,
		PositionSizing:   db.SizingProportional,
	})
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	return NewAggregator(store, nil), rel
}

func outcome(id, relID, status string) dispatch.Outcome {
	return dispatch.Outcome{
		Session:  db.Session{ID: id, RelationshipID: relID, Status: status},
		Platform: "mock",
	}
}

func TestFoldDedupesBySessionID(t *testing.T) {
	agg, rel := newTestAggregator(t)
	ctx := context.Background()

	agg.Fold(ctx, outcome("s1", rel.ID, db.SessionFailed))
	agg.Fold(ctx, outcome("s1", rel.ID, db.SessionFailed))

	stats, ok := agg.Platform("mock")
	if !ok || stats.Sessions != 1 || stats.Failed != 1 {
		t.Fatalf("stats = %+v ok=%v, want 1 session 1 failed", stats, ok)
	}
}

func TestFoldIgnoresNonTerminal(t *testing.T) {
	agg, rel := newTestAggregator(t)

	agg.Fold(context.Background(), outcome("s1", rel.ID, db.SessionExecuting))
	if _, ok := agg.Platform("mock"); ok {
		t.Fatal("non-terminal session folded")
	}
}

func TestFoldDedupeWindowBounded(t *testing.T) {
	agg, rel := newTestAggregator(t)
	agg.seenLimit = 4
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		agg.Fold(ctx, outcome(fmt.Sprintf("s%d", i), rel.ID, db.SessionCancelled))
	}

	agg.mu.Lock()
	size := len(agg.seen)
	agg.mu.Unlock()
	if size != 4 {
		t.Errorf("dedupe set size = %d, want window 4", size)
	}

	// Recent ids still dedupe.
	agg.Fold(ctx, outcome("s19", rel.ID, db.SessionCancelled))
	stats, _ := agg.Platform("mock")
	if stats.Sessions != 20 {
		t.Errorf("sessions = %d, want 20 after replay of recent id", stats.Sessions)
	}
}
