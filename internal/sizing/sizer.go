// Package sizing computes each follower's replica quantity from the
// relationship's sizing mode and capital allocation.
package sizing

import (
	"errors"
	"fmt"
	"log"
	"math"

	"copytrade-core/pkg/db"
	"copytrade-core/pkg/venue"
)

// ErrSizingUnderflow marks a replica that rounds to zero after clamping and
// step rounding. A benign no-op: the session is cancelled, not failed.
var ErrSizingUnderflow = errors.New("sizing underflow")

// Sized is the sizer's output for one follower.
type Sized struct {
	Qty     float64
	Mode    string // mode actually applied (fallbacks recorded here)
	Clamped bool
}

// Sizer translates a master's trade size into follower-appropriate sizes.
type Sizer struct{}

// NewSizer creates a Sizer.
func NewSizer() *Sizer {
	return &Sizer{}
}

// Size computes the replica quantity for one relationship.
// masterAccountSize comes from the master's profile; meta carries the venue's
// lot/step constraints for the symbol.
func (s *Sizer) Size(rel db.Relationship, sig db.TradeSignal, masterAccountSize float64, meta venue.SymbolMeta) (Sized, error) {
	mode := rel.PositionSizing
	var qty float64

	switch mode {
	case db.SizingProportional:
		if masterAccountSize <= 0 {
			// Master account size unavailable: fall back to fixed.
			mode = db.SizingFixed
			qty = rel.FixedUnitSize
		} else {
			qty = sig.Qty * (rel.AllocatedCapital / masterAccountSize)
		}
	case db.SizingFixed:
		qty = rel.FixedUnitSize
	case db.SizingKelly:
		if rel.KellyFraction <= 0 || sig.Price <= 0 {
			mode = db.SizingFixed
			qty = rel.FixedUnitSize
		} else {
			fraction := math.Min(rel.KellyFraction, 1)
			qty = rel.AllocatedCapital * fraction / sig.Price
		}
	default:
		return Sized{}, fmt.Errorf("unknown sizing mode %q", rel.PositionSizing)
	}

	out := Sized{Qty: qty, Mode: mode}

	// Clamp to max position size by notional. Clamping takes precedence over
	// rejection here; only the risk gate rejects.
	if rel.MaxPositionSize > 0 {
		ref := sig.Price
		if ref > 0 {
			if qty*ref > rel.MaxPositionSize {
				out.Qty = rel.MaxPositionSize / ref
				out.Clamped = true
				log.Printf("sizer: relationship %s clamped %.6f -> %.6f (max notional %.2f)",
					rel.ID, qty, out.Qty, rel.MaxPositionSize)
			}
		} else if qty > rel.MaxPositionSize {
			// No reference price: treat the limit as a quantity ceiling.
			out.Qty = rel.MaxPositionSize
			out.Clamped = true
		}
	}

	// Round down to the venue's step size.
	if meta.StepSize > 0 {
		out.Qty = math.Floor(out.Qty/meta.StepSize) * meta.StepSize
	}

	if out.Qty <= 0 || (meta.MinQty > 0 && out.Qty < meta.MinQty) {
		return Sized{}, fmt.Errorf("%w: relationship %s mode %s produced %v",
			ErrSizingUnderflow, rel.ID, mode, out.Qty)
	}
	return out, nil
}
