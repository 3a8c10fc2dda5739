package relationship

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"copytrade-core/pkg/db"
)

const bootstrapYAML = `
masters:
  - id: m1
    display_name: Alpha Trend
    strategy_type: momentum
    risk_level: medium
    account_size: 250000
    performance_fee: 0.2
    verified: true
    is_accepting_followers: true
    max_followers: 100
    min_investment: 1000

relationships:
  - id: r1
    follower_id: u1
    master_id: m1
    platform: binance
    allocated_capital: 10000
    position_sizing: proportional
    max_drawdown: 0.2
    max_daily_loss: 500
    max_leverage: 5
    circuit_breaker_enabled: true
    allow_partial_fills: true
    excluded_platforms: [bybit]
`

func writeBootstrap(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write bootstrap file: %v", err)
	}
	return path
}

func TestLoadBootstrapParsesYAML(t *testing.T) {
	file, err := LoadBootstrap(writeBootstrap(t, bootstrapYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(file.Masters) != 1 || len(file.Relationships) != 1 {
		t.Fatalf("parsed %d masters, %d relationships, want 1/1", len(file.Masters), len(file.Relationships))
	}
	m := file.Masters[0]
	if m.ID != "m1" || m.AccountSize != 250000 || !m.IsAcceptingFollowers {
		t.Errorf("master = %+v", m)
	}
	r := file.Relationships[0]
	if r.MasterID != "m1" || r.MaxDrawdown != 0.2 || !r.AllowPartialFills {
		t.Errorf("relationship = %+v", r)
	}
	if len(r.ExcludedPlatforms) != 1 || r.ExcludedPlatforms[0] != "bybit" {
		t.Errorf("excluded platforms = %v", r.ExcludedPlatforms)
	}
}

func TestSyncBootstrapToDB(t *testing.T) {
	queries := newTestQueries(t)
	ctx := context.Background()

	file, err := LoadBootstrap(writeBootstrap(t, bootstrapYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := SyncBootstrapToDB(ctx, queries, file); err != nil {
		t.Fatalf("sync: %v", err)
	}

	master, err := queries.GetMasterProfile(ctx, "m1")
	if err != nil {
		t.Fatalf("get master: %v", err)
	}
	if master.DisplayName != "Alpha Trend" || master.MinInvestment != 1000 {
		t.Errorf("master = %+v", master)
	}

	rel, err := queries.GetRelationship(ctx, "r1")
	if err != nil {
		t.Fatalf("get relationship: %v", err)
	}
	if rel.Status != db.RelationshipActive {
		t.Errorf("status = %s, want active default", rel.Status)
	}
	if !rel.Limits.CircuitBreakerEnabled || rel.Limits.MaxDailyLoss != 500 {
		t.Errorf("limits = %+v", rel.Limits)
	}

	// Re-sync is an upsert, not a duplicate insert.
	if err := SyncBootstrapToDB(ctx, queries, file); err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	rels, err := queries.ListRelationships(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rels) != 1 {
		t.Errorf("relationships after re-sync = %d, want 1", len(rels))
	}
}

func TestSyncBootstrapRejectsInvalidRelationship(t *testing.T) {
	queries := newTestQueries(t)

	file := &BootstrapFile{Relationships: []RelationshipConfig{{
		ID:         "bad",
		FollowerID: "u1",
		MasterID:   "m1",
		Platform:   "binance",
		// allocated_capital missing
		PositionSizing: "proportional",
	}}}
	if err := SyncBootstrapToDB(context.Background(), queries, file); err == nil {
		t.Fatal("expected validation error")
	}
}
