// Package relationship owns the follower-relationship lifecycle: follow-time
// validation, the status state machine, and eligibility resolution per signal.
package relationship

import (
	"errors"
	"fmt"

	"copytrade-core/pkg/db"
)

var (
	ErrInvalidTransition = errors.New("invalid relationship status transition")
	ErrTerminalStatus    = errors.New("relationship is stopped")
)

// Valid transitions. "stopped" is terminal: unfollow keeps the row for
// historical sessions instead of deleting it. Only the risk path may enter
// "suspended"; pause/stop are user commands.
var transitions = map[string][]string{
	db.RelationshipActive:    {db.RelationshipPaused, db.RelationshipStopped, db.RelationshipSuspended},
	db.RelationshipPaused:    {db.RelationshipActive, db.RelationshipStopped},
	db.RelationshipSuspended: {db.RelationshipActive, db.RelationshipStopped},
	db.RelationshipStopped:   {},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a descriptive error for an illegal move.
func CheckTransition(from, to string) error {
	if from == db.RelationshipStopped {
		return ErrTerminalStatus
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidateConfig checks follow-time configuration for sane ranges before a
// relationship is accepted.
func ValidateConfig(r db.Relationship) error {
	if r.FollowerID == "" || r.MasterID == "" {
		return errors.New("follower_id and master_id are required")
	}
	if r.Platform == "" {
		return errors.New("platform is required")
	}
	if r.AllocatedCapital <= 0 {
		return fmt.Errorf("allocated_capital must be positive, got %v", r.AllocatedCapital)
	}
	switch r.PositionSizing {
	case db.SizingProportional, db.SizingFixed, db.SizingKelly:
	default:
		return fmt.Errorf("unknown position sizing mode %q", r.PositionSizing)
	}
	if r.PositionSizing == db.SizingFixed && r.FixedUnitSize <= 0 {
		return errors.New("fixed sizing requires a positive fixed_unit_size")
	}
	if r.KellyFraction < 0 || r.KellyFraction > 1 {
		return fmt.Errorf("kelly_fraction must be in [0,1], got %v", r.KellyFraction)
	}
	if r.MaxPositionSize < 0 {
		return errors.New("max_position_size cannot be negative")
	}
	if r.Limits.MaxDrawdown < 0 || r.Limits.MaxDrawdown > 1 {
		return fmt.Errorf("max_drawdown must be in (0,1], got %v", r.Limits.MaxDrawdown)
	}
	if r.Limits.MaxLeverage != 0 && r.Limits.MaxLeverage < 1 {
		return fmt.Errorf("max_leverage must be >= 1 when set, got %v", r.Limits.MaxLeverage)
	}
	if r.Limits.MaxSlippage < 0 || r.Limits.MaxSlippage >= 1 {
		return fmt.Errorf("max_slippage must be in [0,1), got %v", r.Limits.MaxSlippage)
	}
	if r.Limits.MaxDailyLoss < 0 || r.Limits.MaxLatencyMs < 0 {
		return errors.New("risk limits cannot be negative")
	}
	if r.Settings.MaxSlippage < 0 || r.Settings.MaxSlippage >= 1 {
		return fmt.Errorf("replication max_slippage must be in [0,1), got %v", r.Settings.MaxSlippage)
	}
	if r.Settings.MaxLatencyMs < 0 {
		return errors.New("replication max_latency_ms cannot be negative")
	}
	return nil
}

// PlatformExcluded reports whether the signal's source platform is excluded by
// the relationship's replication settings.
func PlatformExcluded(r db.Relationship, platform string) bool {
	for _, p := range r.Settings.ExcludedPlatforms {
		if p == platform {
			return true
		}
	}
	return false
}
