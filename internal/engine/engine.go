// Package engine wires the replication pipeline: ingest, resolve, size,
// gate, dispatch. It owns signal fan-out and the user-facing relationship
// commands.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"copytrade-core/internal/dispatch"
	"copytrade-core/internal/events"
	"copytrade-core/internal/relationship"
	"copytrade-core/internal/risk"
	"copytrade-core/internal/signal"
	"copytrade-core/internal/sizing"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/venue"
)

// Engine drives replication for incoming master trades and exposes the
// relationship lifecycle commands the dashboard maps onto.
type Engine struct {
	queries    *db.Queries
	bus        *events.Bus
	ingester   *signal.Ingester
	resolver   *relationship.Resolver
	sizer      *sizing.Sizer
	gate       *risk.Gate
	store      *relationship.Store
	tracker    *risk.Tracker
	registry   *venue.Registry
	dispatcher *dispatch.Dispatcher

	// fanMu serializes signal fan-out so each relationship's lane sees
	// sessions in signal-arrival order.
	fanMu sync.Mutex
}

type Deps struct {
	Queries    *db.Queries
	Bus        *events.Bus
	Ingester   *signal.Ingester
	Resolver   *relationship.Resolver
	Sizer      *sizing.Sizer
	Gate       *risk.Gate
	Store      *relationship.Store
	Tracker    *risk.Tracker
	Registry   *venue.Registry
	Dispatcher *dispatch.Dispatcher
}

func New(d Deps) *Engine {
	return &Engine{
		queries:    d.Queries,
		bus:        d.Bus,
		ingester:   d.Ingester,
		resolver:   d.Resolver,
		sizer:      d.Sizer,
		gate:       d.Gate,
		store:      d.Store,
		tracker:    d.Tracker,
		registry:   d.Registry,
		dispatcher: d.Dispatcher,
	}
}

// Recover resolves sessions stranded by a previous crash: anything still
// pending or executing past its deadline fails rather than lingering. Each
// one goes through Finalize so relationship counters and platform stats
// count it like any other terminal session.
func (e *Engine) Recover(ctx context.Context) error {
	stale, err := e.queries.ListStaleSessions(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("list stale sessions: %w", err)
	}
	for _, s := range stale {
		platform := ""
		if rel, ok := e.store.Get(s.RelationshipID); ok {
			platform = rel.Platform
		}
		e.dispatcher.Finalize(ctx, s, db.SessionFailed,
			"resolved as failed on restart: deadline exceeded", nil, platform)
	}
	if len(stale) > 0 {
		log.Printf("engine: recovered %d stale sessions as failed", len(stale))
	}
	return nil
}

// HandleMasterTrade ingests one master-trade event and fans it out to every
// eligible relationship. Returns the number of sessions created. Re-delivery
// of an already-replicated trade creates nothing and is not an error.
func (e *Engine) HandleMasterTrade(ctx context.Context, ev signal.RawTradeEvent) (int, error) {
	sig, err := e.ingester.Ingest(ctx, ev)
	if err != nil {
		return 0, err
	}

	e.fanMu.Lock()
	defer e.fanMu.Unlock()

	rels, err := e.resolver.Resolve(ctx, *sig)
	if err != nil {
		return 0, err
	}
	if len(rels) == 0 {
		return 0, nil
	}

	masterSize := e.masterAccountSize(ctx, sig.MasterID)

	// Sizing and gating run per follower in parallel; the dispatcher lanes
	// take over ordering from the enqueue that ends each branch.
	var (
		wg      sync.WaitGroup
		created sync.Map
	)
	for _, rel := range rels {
		wg.Add(1)
		go func(rel db.Relationship) {
			defer wg.Done()
			if e.replicate(ctx, *sig, rel, masterSize) {
				created.Store(rel.ID, struct{}{})
			}
		}(rel)
	}
	wg.Wait()

	n := 0
	created.Range(func(_, _ any) bool { n++; return true })
	return n, nil
}

// replicate runs one (signal, relationship) branch up to dispatch. Reports
// whether a session was created.
func (e *Engine) replicate(ctx context.Context, sig db.TradeSignal, rel db.Relationship, masterSize float64) bool {
	s := db.Session{
		ID:             uuid.NewString(),
		MasterTradeID:  sig.MasterTradeID,
		RelationshipID: rel.ID,
		Status:         db.SessionPending,
		DeadlineAt:     sessionDeadline(rel, sig),
		CreatedAt:      time.Now().UTC(),
	}
	ok, err := e.queries.CreateSession(ctx, s)
	if err != nil {
		log.Printf("engine: create session for trade %s relationship %s: %v",
			sig.MasterTradeID, rel.ID, err)
		return false
	}
	if !ok {
		// Lost the natural-key race to a concurrent delivery.
		return false
	}
	if e.bus != nil {
		e.bus.Publish(events.EventSessionCreated, s)
	}

	sized, err := e.sizer.Size(rel, sig, masterSize, e.symbolMeta(rel.Platform, sig.Symbol))
	if err != nil {
		if !errors.Is(err, sizing.ErrSizingUnderflow) {
			log.Printf("engine: size trade %s for %s: %v", sig.MasterTradeID, rel.ID, err)
		}
		e.dispatcher.Finalize(ctx, s, db.SessionCancelled, err.Error(), nil, rel.Platform)
		return true
	}

	if dec := e.gate.Evaluate(ctx, rel, sig); !dec.Allowed {
		e.dispatcher.Finalize(ctx, s, db.SessionFailed, dec.Reason, nil, rel.Platform)
		return true
	}

	if err := e.dispatcher.Enqueue(dispatch.Task{
		Session:      s,
		Relationship: rel,
		Signal:       sig,
		Qty:          sized.Qty,
	}); err != nil {
		log.Printf("engine: enqueue session %s: %v", s.ID, err)
	}
	return true
}

func (e *Engine) masterAccountSize(ctx context.Context, masterID string) float64 {
	p, err := e.queries.GetMasterProfile(ctx, masterID)
	if err != nil {
		if err != db.ErrNotFound {
			log.Printf("engine: master profile %s: %v", masterID, err)
		}
		return 0
	}
	return p.AccountSize
}

func (e *Engine) symbolMeta(platform, symbol string) venue.SymbolMeta {
	adapter, err := e.registry.Get(platform)
	if err != nil {
		return venue.SymbolMeta{}
	}
	if mp, ok := adapter.(venue.MetaProvider); ok {
		return mp.SymbolMeta(symbol)
	}
	return venue.SymbolMeta{}
}

// sessionDeadline derives the hard latency bound: the stricter of the risk
// limit and the replication setting, measured from the signal timestamp.
// Zero means unbounded.
func sessionDeadline(rel db.Relationship, sig db.TradeSignal) time.Time {
	ms := rel.Limits.MaxLatencyMs
	if rel.Settings.MaxLatencyMs > 0 && (ms == 0 || rel.Settings.MaxLatencyMs < ms) {
		ms = rel.Settings.MaxLatencyMs
	}
	if ms <= 0 {
		return time.Time{}
	}
	return sig.SignalTime.Add(time.Duration(ms) * time.Millisecond)
}

// Follow validates and registers a new relationship.
func (e *Engine) Follow(ctx context.Context, rel db.Relationship) (db.Relationship, error) {
	return e.store.Follow(ctx, rel)
}

// StartCopyTrading resumes replication for a paused or suspended
// relationship. Resuming out of suspended closes the circuit breaker; that
// is the human override the risk path waits for.
func (e *Engine) StartCopyTrading(ctx context.Context, id string) error {
	status, ok := e.store.Status(id)
	if !ok {
		return db.ErrNotFound
	}
	if status == db.RelationshipActive {
		return nil
	}
	if err := e.store.Transition(ctx, id, db.RelationshipActive, "user start"); err != nil {
		return err
	}
	if status == db.RelationshipSuspended && e.tracker != nil {
		e.tracker.ResetBreaker(id)
	}
	return nil
}

// PauseCopyTrading halts replication without tearing the relationship down.
func (e *Engine) PauseCopyTrading(ctx context.Context, id string) error {
	return e.store.Transition(ctx, id, db.RelationshipPaused, "user pause")
}

// StopCopyTrading ends replication permanently; the relationship and its
// session history remain readable.
func (e *Engine) StopCopyTrading(ctx context.Context, id string) error {
	return e.store.Transition(ctx, id, db.RelationshipStopped, "user stop")
}

// UnfollowTrader is stop under its dashboard name.
func (e *Engine) UnfollowTrader(ctx context.Context, id string) error {
	return e.store.Transition(ctx, id, db.RelationshipStopped, "user unfollow")
}
