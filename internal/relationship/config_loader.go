package relationship

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"copytrade-core/pkg/db"
)

// MasterConfig represents a master trader entry in the bootstrap YAML.
type MasterConfig struct {
	ID                   string  `yaml:"id"`
	DisplayName          string  `yaml:"display_name"`
	StrategyType         string  `yaml:"strategy_type"`
	RiskLevel            string  `yaml:"risk_level"`
	AccountSize          float64 `yaml:"account_size"`
	PerformanceFee       float64 `yaml:"performance_fee"`
	Verified             bool    `yaml:"verified"`
	IsAcceptingFollowers bool    `yaml:"is_accepting_followers"`
	MaxFollowers         int     `yaml:"max_followers"`
	MinInvestment        float64 `yaml:"min_investment"`
}

// RelationshipConfig represents a follower relationship entry in YAML.
type RelationshipConfig struct {
	ID               string   `yaml:"id"`
	FollowerID       string   `yaml:"follower_id"`
	MasterID         string   `yaml:"master_id"`
	Platform         string   `yaml:"platform"`
	AllocatedCapital float64  `yaml:"allocated_capital"`
	PositionSizing   string   `yaml:"position_sizing"`
	FixedUnitSize    float64  `yaml:"fixed_unit_size"`
	KellyFraction    float64  `yaml:"kelly_fraction"`
	MaxPositionSize  float64  `yaml:"max_position_size"`
	Status           string   `yaml:"status"`

	MaxDailyLoss          float64 `yaml:"max_daily_loss"`
	MaxDrawdown           float64 `yaml:"max_drawdown"`
	LimitMaxPositionSize  float64 `yaml:"limit_max_position_size"`
	MaxLeverage           float64 `yaml:"max_leverage"`
	CorrelationLimit      float64 `yaml:"correlation_limit"`
	VolatilityLimit       float64 `yaml:"volatility_limit"`
	CircuitBreakerEnabled bool    `yaml:"circuit_breaker_enabled"`
	EmergencyStopLoss     float64 `yaml:"emergency_stop_loss"`
	MaxSlippage           float64 `yaml:"max_slippage"`
	MaxLatencyMs          int64   `yaml:"max_latency_ms"`

	ReplMaxLatencyMs  int64    `yaml:"repl_max_latency_ms"`
	AllowPartialFills bool     `yaml:"allow_partial_fills"`
	ReplMaxSlippage   float64  `yaml:"repl_max_slippage"`
	ExcludedPlatforms []string `yaml:"excluded_platforms"`
}

// BootstrapFile represents the top-level YAML structure.
type BootstrapFile struct {
	Masters       []MasterConfig       `yaml:"masters"`
	Relationships []RelationshipConfig `yaml:"relationships"`
}

// LoadBootstrap reads masters and relationships from a YAML file.
func LoadBootstrap(path string) (*BootstrapFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file BootstrapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// SyncBootstrapToDB upserts bootstrap entries into the database. Relationship
// entries are validated with the same rules the follow command applies.
func SyncBootstrapToDB(ctx context.Context, queries *db.Queries, file *BootstrapFile) error {
	for _, m := range file.Masters {
		profile := db.MasterTraderProfile{
			ID:                   m.ID,
			DisplayName:          m.DisplayName,
			StrategyType:         m.StrategyType,
			RiskLevel:            m.RiskLevel,
			AccountSize:          m.AccountSize,
			PerformanceFee:       m.PerformanceFee,
			Verified:             m.Verified,
			IsAcceptingFollowers: m.IsAcceptingFollowers,
			MaxFollowers:         m.MaxFollowers,
			MinInvestment:        m.MinInvestment,
		}
		if err := queries.UpsertMasterProfile(ctx, profile); err != nil {
			return fmt.Errorf("sync master %s: %w", m.ID, err)
		}
	}

	for _, c := range file.Relationships {
		rel := relFromConfig(c)
		if err := ValidateConfig(rel); err != nil {
			return fmt.Errorf("relationship %s: %w", c.ID, err)
		}
		if err := queries.UpsertRelationship(ctx, rel); err != nil {
			return fmt.Errorf("sync relationship %s: %w", c.ID, err)
		}
	}
	return nil
}

func relFromConfig(c RelationshipConfig) db.Relationship {
	status := c.Status
	if status == "" {
		status = db.RelationshipActive
	}
	return db.Relationship{
		ID:               c.ID,
		FollowerID:       c.FollowerID,
		MasterID:         c.MasterID,
		Platform:         c.Platform,
		AllocatedCapital: c.AllocatedCapital,
		PositionSizing:   c.PositionSizing,
		FixedUnitSize:    c.FixedUnitSize,
		KellyFraction:    c.KellyFraction,
		MaxPositionSize:  c.MaxPositionSize,
		Status:           status,
		Limits: db.RiskLimits{
			MaxDailyLoss:          c.MaxDailyLoss,
			MaxDrawdown:           c.MaxDrawdown,
			MaxPositionSize:       c.LimitMaxPositionSize,
			MaxLeverage:           c.MaxLeverage,
			CorrelationLimit:      c.CorrelationLimit,
			VolatilityLimit:       c.VolatilityLimit,
			CircuitBreakerEnabled: c.CircuitBreakerEnabled,
			EmergencyStopLoss:     c.EmergencyStopLoss,
			MaxSlippage:           c.MaxSlippage,
			MaxLatencyMs:          c.MaxLatencyMs,
		},
		Settings: db.ReplicationSettings{
			MaxLatencyMs:      c.ReplMaxLatencyMs,
			AllowPartialFills: c.AllowPartialFills,
			MaxSlippage:       c.ReplMaxSlippage,
			ExcludedPlatforms: c.ExcludedPlatforms,
		},
	}
}
