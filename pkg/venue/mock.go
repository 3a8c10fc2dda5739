package venue

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockConfig tunes the simulated venue.
type MockConfig struct {
	FeeRate      float64 // decimal, e.g. 0.0004 = 4 bps
	SlippageBps  float64 // basis points applied against the follower on fills
	LatencyMinMs int     // simulated submit latency lower bound
	LatencyMaxMs int     // simulated submit latency upper bound
	FillRatio    float64 // fraction of requested qty filled; 0 or >=1 means full fill
	StepSize     float64 // symbol step constraint exposed via SymbolMeta
}

// MockAdapter simulates a venue for tests and dry-run mode. Behavior can be
// scripted per call through Script; otherwise every submission fills per
// MockConfig.
type MockAdapter struct {
	platform string
	cfg      MockConfig
	rng      *rand.Rand

	mu      sync.Mutex
	submits int
	quotes  map[string]float64
	// Script, when non-nil, decides the outcome of each submission in order.
	// Returning a nil error falls through to the simulated fill.
	Script func(call int, req ReplicaRequest) error
}

// NewMockAdapter creates a simulated venue for the given platform name.
func NewMockAdapter(platform string, cfg MockConfig) *MockAdapter {
	if cfg.LatencyMaxMs > 0 && cfg.LatencyMinMs > cfg.LatencyMaxMs {
		cfg.LatencyMinMs, cfg.LatencyMaxMs = cfg.LatencyMaxMs, cfg.LatencyMinMs
	}
	return &MockAdapter{
		platform: platform,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockAdapter) Platform() string { return m.platform }

// SymbolMeta exposes the configured step constraint for every symbol.
func (m *MockAdapter) SymbolMeta(string) SymbolMeta {
	return SymbolMeta{StepSize: m.cfg.StepSize}
}

// SetQuote pins the current market price for a symbol.
func (m *MockAdapter) SetQuote(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quotes == nil {
		m.quotes = make(map[string]float64)
	}
	m.quotes[symbol] = price
}

// Quote returns the pinned market price for a symbol, 0 when unset.
func (m *MockAdapter) Quote(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotes[symbol]
}

// Submissions returns how many submit calls the mock has seen.
func (m *MockAdapter) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

func (m *MockAdapter) SubmitReplicaOrder(ctx context.Context, req ReplicaRequest) (SubmitResult, error) {
	m.mu.Lock()
	call := m.submits
	m.submits++
	script := m.Script
	m.mu.Unlock()

	if delay := m.latency(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return SubmitResult{}, &TransientError{Op: "submit", Err: ctx.Err()}
		}
	}

	if script != nil {
		if err := script(call, req); err != nil {
			return SubmitResult{}, err
		}
	}

	price := req.Price
	if price <= 0 {
		price = 1
	}
	slip := m.cfg.SlippageBps / 10000.0
	if slip > 0 {
		m.mu.Lock()
		noise := m.rng.Float64() * slip
		m.mu.Unlock()
		if strings.EqualFold(string(req.Side), string(SideBuy)) {
			price *= 1 + noise
		} else {
			price *= 1 - noise
		}
	}

	ratio := m.cfg.FillRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	filled := req.Qty * ratio

	return SubmitResult{
		OrderID:      uuid.NewString(),
		FilledQty:    filled,
		FillPrice:    price,
		RemainingQty: req.Qty - filled,
		Fees:         filled * price * m.cfg.FeeRate,
	}, nil
}

func (m *MockAdapter) latency() time.Duration {
	if m.cfg.LatencyMaxMs <= 0 {
		return 0
	}
	min := m.cfg.LatencyMinMs
	if min < 0 {
		min = 0
	}
	span := m.cfg.LatencyMaxMs - min
	ms := min
	if span > 0 {
		m.mu.Lock()
		ms += m.rng.Intn(span + 1)
		m.mu.Unlock()
	}
	return time.Duration(ms) * time.Millisecond
}
