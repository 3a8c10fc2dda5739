// Package signal turns raw master-trade executions into canonical,
// idempotent trade signals.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"copytrade-core/internal/events"
	"copytrade-core/pkg/db"
)

// ErrInvalidSignal marks a raw event that cannot become a canonical signal.
// Not retryable; the event is dropped without alerting.
var ErrInvalidSignal = errors.New("invalid signal")

// RawTradeEvent is a master-trade execution as delivered by the master's
// trading pipeline.
type RawTradeEvent struct {
	MasterTradeID string    `json:"master_trade_id"`
	MasterID      string    `json:"master_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price,omitempty"`
	OrderType     string    `json:"order_type,omitempty"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	Leverage      float64   `json:"leverage,omitempty"`
	Platform      string    `json:"platform"`
	Timestamp     time.Time `json:"timestamp"`
}

// Ingester validates, deduplicates, and persists trade signals before they
// are handed downstream, so a crash between ingestion and dispatch can be
// resumed from the stored canonical form.
type Ingester struct {
	queries *db.Queries
	bus     *events.Bus
}

// NewIngester creates an Ingester. bus may be nil in tests.
func NewIngester(queries *db.Queries, bus *events.Bus) *Ingester {
	return &Ingester{queries: queries, bus: bus}
}

// Ingest validates the raw event and returns the canonical signal for its
// master trade id. Re-delivery of an already-ingested trade returns the
// stored signal unchanged.
func (i *Ingester) Ingest(ctx context.Context, ev RawTradeEvent) (*db.TradeSignal, error) {
	if err := validate(ev); err != nil {
		return nil, err
	}

	sig := canonicalize(ev)

	inserted, err := i.queries.CreateSignal(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("persist signal: %w", err)
	}
	if !inserted {
		existing, err := i.queries.GetSignal(ctx, ev.MasterTradeID)
		if err != nil {
			return nil, fmt.Errorf("load existing signal: %w", err)
		}
		log.Printf("ingester: duplicate delivery for trade %s, returning canonical signal", ev.MasterTradeID)
		if i.bus != nil {
			i.bus.Publish(events.EventSignalDuplicate, *existing)
		}
		return existing, nil
	}

	stored, err := i.queries.GetSignal(ctx, ev.MasterTradeID)
	if err != nil {
		return nil, fmt.Errorf("load signal: %w", err)
	}
	if i.bus != nil {
		i.bus.Publish(events.EventSignalIngested, *stored)
	}
	return stored, nil
}

func validate(ev RawTradeEvent) error {
	if ev.MasterTradeID == "" {
		return fmt.Errorf("%w: missing master_trade_id", ErrInvalidSignal)
	}
	if ev.MasterID == "" {
		return fmt.Errorf("%w: missing master_id", ErrInvalidSignal)
	}
	if ev.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidSignal)
	}
	if ev.Platform == "" {
		return fmt.Errorf("%w: missing platform", ErrInvalidSignal)
	}
	side := strings.ToUpper(ev.Side)
	if side != "BUY" && side != "SELL" {
		return fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidSignal, ev.Side)
	}
	if !isFinite(ev.Qty) || ev.Qty <= 0 {
		return fmt.Errorf("%w: quantity must be finite and positive, got %v", ErrInvalidSignal, ev.Qty)
	}
	for name, v := range map[string]float64{
		"price":       ev.Price,
		"stop_loss":   ev.StopLoss,
		"take_profit": ev.TakeProfit,
		"leverage":    ev.Leverage,
	} {
		if !isFinite(v) || v < 0 {
			return fmt.Errorf("%w: %s must be finite and non-negative, got %v", ErrInvalidSignal, name, v)
		}
	}
	return nil
}

func canonicalize(ev RawTradeEvent) db.TradeSignal {
	orderType := strings.ToUpper(ev.OrderType)
	if orderType == "" {
		orderType = "MARKET"
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return db.TradeSignal{
		MasterTradeID: ev.MasterTradeID,
		MasterID:      ev.MasterID,
		Symbol:        strings.ToUpper(ev.Symbol),
		Side:          strings.ToUpper(ev.Side),
		Qty:           ev.Qty,
		Price:         ev.Price,
		OrderType:     orderType,
		StopLoss:      ev.StopLoss,
		TakeProfit:    ev.TakeProfit,
		Leverage:      ev.Leverage,
		Platform:      ev.Platform,
		SignalTime:    ts.UTC(),
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
