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

// Monitor sweeps active relationships on an interval and suspends the ones
// whose running loss or drawdown breached their limits between signals. The
// gate catches breaches at admission time; the monitor catches the ones that
// accrue while no new signals arrive.
type Monitor struct {
	tracker  *Tracker
	store    *relationship.Store
	bus      *events.Bus
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewMonitor(tracker *Tracker, store *relationship.Store, bus *events.Bus, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		tracker:  tracker,
		store:    store,
		bus:      bus,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. Call Stop to terminate it.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Sweep runs one pass over the active relationships. Exported so tests and
// operators can force an immediate check.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, rel := range m.store.List() {
		if rel.Status != db.RelationshipActive {
			continue
		}
		reason, detail := m.check(rel)
		if reason == "" {
			continue
		}
		if rel.Limits.CircuitBreakerEnabled {
			if err := m.tracker.TripBreaker(ctx, rel.ID); err != nil {
				log.Printf("risk monitor: trip breaker for %s: %v", rel.ID, err)
			}
		}
		if err := m.store.Transition(ctx, rel.ID, db.RelationshipSuspended, reason); err != nil {
			log.Printf("risk monitor: suspend %s: %v", rel.ID, err)
			continue
		}
		log.Printf("risk monitor: suspended %s (%s): %s", rel.ID, reason, detail)
		if m.bus != nil {
			m.bus.Publish(events.EventRiskAlert, Alert{
				RelationshipID: rel.ID,
				Reason:         reason,
				Detail:         detail,
				Timestamp:      time.Now(),
			})
		}
	}
}

func (m *Monitor) check(rel db.Relationship) (reason, detail string) {
	snap := m.tracker.Snapshot(rel.ID)
	limits := rel.Limits
	if limits.MaxDailyLoss > 0 && snap.DailyLoss >= limits.MaxDailyLoss {
		return ReasonDailyLossLimitExceeded,
			fmt.Sprintf("daily loss %.2f >= limit %.2f", snap.DailyLoss, limits.MaxDailyLoss)
	}
	if limits.MaxDrawdown > 0 && rel.AllocatedCapital > 0 {
		frac := snap.Drawdown / rel.AllocatedCapital
		if frac >= limits.MaxDrawdown {
			return ReasonDrawdownLimitExceeded,
				fmt.Sprintf("drawdown %.4f >= limit %.4f", frac, limits.MaxDrawdown)
		}
	}
	return "", ""
}
