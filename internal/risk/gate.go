package risk

import (
	"context"
	"fmt"
	"log"
	"time"

	"copytrade-core/internal/events"
	"copytrade-core/internal/relationship"
	"copytrade-core/pkg/db"
)

// Gate validates a sized replica against the follower's risk limits and live
// running state. Checks run in a fixed order; the first failure decides the
// rejection reason. Rejections are policy decisions and are never retried.
type Gate struct {
	tracker *Tracker
	store   *relationship.Store
	bus     *events.Bus
}

// NewGate creates a gate. store and bus may be nil in tests.
func NewGate(tracker *Tracker, store *relationship.Store, bus *events.Bus) *Gate {
	return &Gate{tracker: tracker, store: store, bus: bus}
}

// Evaluate runs the ordered checks for one sized replica. An admitted order
// passes through unchanged; the sizer already clamped it.
func (g *Gate) Evaluate(ctx context.Context, rel db.Relationship, sig db.TradeSignal) Decision {
	limits := rel.Limits
	snap := g.tracker.Snapshot(rel.ID)

	// 1. Circuit breaker: sticky for the trading day, no further checks.
	if limits.CircuitBreakerEnabled && snap.BreakerOpen {
		dec := Decision{Reason: ReasonCircuitBreakerOpen}
		dec.Suspended = g.suspend(ctx, rel.ID, ReasonCircuitBreakerOpen, "breaker already open")
		g.alert(rel.ID, ReasonCircuitBreakerOpen, "")
		return dec
	}

	// 2. Daily loss.
	if limits.MaxDailyLoss > 0 && snap.DailyLoss >= limits.MaxDailyLoss {
		detail := fmt.Sprintf("daily loss %.2f >= limit %.2f", snap.DailyLoss, limits.MaxDailyLoss)
		return g.reject(ctx, rel, ReasonDailyLossLimitExceeded, detail)
	}

	// 3. Drawdown, as a fraction of allocated capital.
	if limits.MaxDrawdown > 0 && rel.AllocatedCapital > 0 {
		frac := snap.Drawdown / rel.AllocatedCapital
		if frac >= limits.MaxDrawdown {
			detail := fmt.Sprintf("drawdown %.4f >= limit %.4f", frac, limits.MaxDrawdown)
			return g.reject(ctx, rel, ReasonDrawdownLimitExceeded, detail)
		}
	}

	// 4. Leverage: per-order rejection, does not trip the breaker.
	implied := sig.Leverage
	if implied == 0 {
		implied = 1
	}
	if limits.MaxLeverage > 0 && implied > limits.MaxLeverage {
		g.alert(rel.ID, ReasonLeverageExceeded,
			fmt.Sprintf("implied %.2f > limit %.2f", implied, limits.MaxLeverage))
		return Decision{Reason: ReasonLeverageExceeded}
	}

	// 5. Correlation: externally supplied estimate including this position.
	if limits.CorrelationLimit > 0 && snap.Correlation > limits.CorrelationLimit {
		g.alert(rel.ID, ReasonCorrelationLimitExceeded,
			fmt.Sprintf("correlation %.3f > limit %.3f", snap.Correlation, limits.CorrelationLimit))
		return Decision{Reason: ReasonCorrelationLimitExceeded}
	}

	// 6. Volatility: per-symbol recent volatility, externally supplied.
	if limits.VolatilityLimit > 0 {
		vol := g.tracker.Volatility(sig.Symbol)
		if vol > limits.VolatilityLimit {
			g.alert(rel.ID, ReasonVolatilityLimitExceeded,
				fmt.Sprintf("%s volatility %.4f > limit %.4f", sig.Symbol, vol, limits.VolatilityLimit))
			return Decision{Reason: ReasonVolatilityLimitExceeded}
		}
	}

	return Decision{Allowed: true}
}

// reject handles the breaker-tripping rejections (daily loss, drawdown).
func (g *Gate) reject(ctx context.Context, rel db.Relationship, reason, detail string) Decision {
	dec := Decision{Reason: reason}
	if rel.Limits.CircuitBreakerEnabled {
		if err := g.tracker.TripBreaker(ctx, rel.ID); err != nil {
			log.Printf("risk gate: trip breaker for %s: %v", rel.ID, err)
		}
		dec.TrippedBreaker = true
		dec.Suspended = g.suspend(ctx, rel.ID, reason, detail)
	}
	g.alert(rel.ID, reason, detail)
	return dec
}

// suspend moves the relationship out of active. Reported so callers can see
// whether this evaluation caused the transition.
func (g *Gate) suspend(ctx context.Context, relationshipID, reason, detail string) bool {
	if g.store == nil {
		return false
	}
	status, ok := g.store.Status(relationshipID)
	if !ok || status != db.RelationshipActive {
		return false
	}
	if err := g.store.Transition(ctx, relationshipID, db.RelationshipSuspended, reason); err != nil {
		log.Printf("risk gate: suspend %s: %v", relationshipID, err)
		return false
	}
	log.Printf("risk gate: suspended %s (%s): %s", relationshipID, reason, detail)
	return true
}

func (g *Gate) alert(relationshipID, reason, detail string) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(events.EventRiskAlert, Alert{
		RelationshipID: relationshipID,
		Reason:         reason,
		Detail:         detail,
		Timestamp:      time.Now(),
	})
}
