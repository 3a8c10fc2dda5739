package venue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Registry holds the venue adapters in use, keyed by platform name.
// Each adapter gets a rate limiter so fan-out cannot exceed a venue's
// submission budget regardless of follower count.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter

	defaultRate  rate.Limit
	defaultBurst int
}

// NewRegistry creates a registry. ratePerSec/burst bound submissions per venue;
// zero values fall back to 50 req/s with burst 100.
func NewRegistry(ratePerSec float64, burst int) *Registry {
	if ratePerSec <= 0 {
		ratePerSec = 50
	}
	if burst <= 0 {
		burst = 100
	}
	return &Registry{
		adapters:     make(map[string]Adapter),
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  rate.Limit(ratePerSec),
		defaultBurst: burst,
	}
}

// Register adds or replaces the adapter for its platform.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
	if _, ok := r.limiters[a.Platform()]; !ok {
		r.limiters[a.Platform()] = rate.NewLimiter(r.defaultRate, r.defaultBurst)
	}
}

// Get returns the adapter for a platform.
func (r *Registry) Get(platform string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", platform)
	}
	return a, nil
}

// Platforms returns the registered platform names.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}

// Count returns the number of distinct venues in use. The dispatcher sizes
// its worker pools from this.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// Wait blocks until the platform's rate limiter admits one submission.
// Cancelling ctx aborts the wait.
func (r *Registry) Wait(ctx context.Context, platform string) error {
	r.mu.RLock()
	lim := r.limiters[platform]
	r.mu.RUnlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}
