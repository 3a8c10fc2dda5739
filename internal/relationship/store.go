package relationship

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"copytrade-core/internal/events"
	"copytrade-core/pkg/db"
)

// Store keeps an in-memory view of relationships while persisting to the DB
// for durability. Counter updates are serialized per relationship id so
// concurrent session completions never lose increments.
type Store struct {
	mu      sync.RWMutex
	rels    map[string]db.Relationship
	keyLock map[string]*sync.Mutex

	queries *db.Queries
	bus     *events.Bus
}

// NewStore creates a store backed by the query layer. bus may be nil in tests.
func NewStore(queries *db.Queries, bus *events.Bus) *Store {
	return &Store{
		rels:    make(map[string]db.Relationship),
		keyLock: make(map[string]*sync.Mutex),
		queries: queries,
		bus:     bus,
	}
}

// Load seeds in-memory state from the DB on startup.
func (s *Store) Load(ctx context.Context) error {
	if s.queries == nil {
		return nil
	}
	rels, err := s.queries.ListRelationships(ctx, "")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rels {
		s.rels[r.ID] = r
	}
	return nil
}

// Follow validates and registers a new relationship in active status.
func (s *Store) Follow(ctx context.Context, r db.Relationship) (db.Relationship, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = db.RelationshipActive
	if err := ValidateConfig(r); err != nil {
		return db.Relationship{}, fmt.Errorf("validate relationship: %w", err)
	}
	if s.queries != nil {
		if err := s.queries.UpsertRelationship(ctx, r); err != nil {
			return db.Relationship{}, err
		}
	}
	s.mu.Lock()
	s.rels[r.ID] = r
	s.mu.Unlock()
	return r, nil
}

// Get returns the latest in-memory snapshot for a relationship.
func (s *Store) Get(id string) (db.Relationship, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rels[id]
	return r, ok
}

// List returns a snapshot of all relationships.
func (s *Store) List() []db.Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]db.Relationship, 0, len(s.rels))
	for _, r := range s.rels {
		out = append(out, r)
	}
	return out
}

// ListByMaster returns relationships for a master, optionally filtered by status.
func (s *Store) ListByMaster(masterID, status string) []db.Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []db.Relationship
	for _, r := range s.rels {
		if r.MasterID != masterID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ListByFollower returns a follower's relationships.
func (s *Store) ListByFollower(followerID string) []db.Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []db.Relationship
	for _, r := range s.rels {
		if r.FollowerID == followerID {
			out = append(out, r)
		}
	}
	return out
}

// Status returns the current status for a relationship id.
func (s *Store) Status(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rels[id]
	return r.Status, ok
}

// Transition moves a relationship to the target status after checking the
// state machine, persists the change, and announces it on the bus.
func (s *Store) Transition(ctx context.Context, id, to, reason string) error {
	s.mu.Lock()
	r, ok := s.rels[id]
	if !ok {
		s.mu.Unlock()
		return db.ErrNotFound
	}
	from := r.Status
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if err := CheckTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	r.Status = to
	s.rels[id] = r
	s.mu.Unlock()

	if s.queries != nil {
		if err := s.queries.UpdateRelationshipStatus(ctx, id, to); err != nil {
			// Roll back the cached status so memory and DB stay consistent.
			s.mu.Lock()
			r.Status = from
			s.rels[id] = r
			s.mu.Unlock()
			return err
		}
	}

	log.Printf("relationship %s: %s -> %s (%s)", id, from, to, reason)
	if s.bus != nil {
		s.bus.Publish(events.EventRelationshipStatus, StatusChange{
			RelationshipID: id,
			From:           from,
			To:             to,
			Reason:         reason,
		})
	}
	return nil
}

// StatusChange is published on the bus for every lifecycle transition.
type StatusChange struct {
	RelationshipID string `json:"relationship_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Reason         string `json:"reason"`
}

// lockFor returns the per-relationship mutex, creating it on first use.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLock[id]
	if !ok {
		l = &sync.Mutex{}
		s.keyLock[id] = l
	}
	return l
}

// AddCounters folds one terminal session into the relationship's running
// counters under the per-relationship lock.
func (s *Store) AddCounters(ctx context.Context, id string, successful bool, pnl float64) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	r, ok := s.rels[id]
	if !ok {
		s.mu.Unlock()
		return db.ErrNotFound
	}
	r.TotalTrades++
	if successful {
		r.SuccessfulTrades++
	} else {
		r.FailedTrades++
	}
	r.TotalPnl += pnl
	s.rels[id] = r
	s.mu.Unlock()

	if s.queries == nil {
		return nil
	}
	return s.queries.AddRelationshipCounters(ctx, id, successful, pnl)
}
