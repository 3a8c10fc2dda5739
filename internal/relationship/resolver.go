package relationship

import (
	"context"
	"log"

	"copytrade-core/pkg/db"
)

// Resolver enumerates the relationships eligible to replicate a signal.
// Master-level gating (isAcceptingFollowers, maxFollowers) happens at
// follow-time, not here.
type Resolver struct {
	store   *Store
	queries *db.Queries
}

// NewResolver creates a resolver over the relationship store.
func NewResolver(store *Store, queries *db.Queries) *Resolver {
	return &Resolver{store: store, queries: queries}
}

// Resolve returns the relationships that should receive a session for the
// signal: active, same master, platform not excluded, and without an existing
// session for this master trade. Order is not significant; dispatch treats
// entries independently.
func (r *Resolver) Resolve(ctx context.Context, sig db.TradeSignal) ([]db.Relationship, error) {
	candidates := r.store.ListByMaster(sig.MasterID, db.RelationshipActive)
	if len(candidates) == 0 {
		return nil, nil
	}

	// Second idempotency net behind the session unique index: skip
	// relationships already holding a session for this trade.
	existing := make(map[string]bool)
	if r.queries != nil {
		sessions, err := r.queries.ListSessionsBySignal(ctx, sig.MasterTradeID)
		if err != nil {
			return nil, err
		}
		for _, s := range sessions {
			existing[s.RelationshipID] = true
		}
	}

	eligible := make([]db.Relationship, 0, len(candidates))
	for _, rel := range candidates {
		if PlatformExcluded(rel, sig.Platform) {
			continue
		}
		if existing[rel.ID] {
			log.Printf("resolver: relationship %s already has a session for trade %s, skipping",
				rel.ID, sig.MasterTradeID)
			continue
		}
		eligible = append(eligible, rel)
	}
	return eligible, nil
}
