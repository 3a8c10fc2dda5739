package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copytrade-core/internal/api"
	"copytrade-core/internal/dispatch"
	"copytrade-core/internal/engine"
	"copytrade-core/internal/events"
	"copytrade-core/internal/metrics"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/persistence"
	"copytrade-core/internal/relationship"
	"copytrade-core/internal/risk"
	sig "copytrade-core/internal/signal"
	"copytrade-core/internal/sizing"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/venue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("main: load config: %v", err)
	}

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	log.Printf("main: starting copytrade-core %s on port %s", buildVersion, cfg.Port)
	log.Printf("main: using database at %s", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("main: open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("main: apply migrations: %v", err)
	}
	queries := database.Queries()

	// Bootstrap masters and relationships from file before loading state.
	if cfg.BootstrapPath != "" {
		file, err := relationship.LoadBootstrap(cfg.BootstrapPath)
		if err != nil {
			log.Fatalf("main: load bootstrap %s: %v", cfg.BootstrapPath, err)
		}
		if err := relationship.SyncBootstrapToDB(ctx, queries, file); err != nil {
			log.Fatalf("main: sync bootstrap: %v", err)
		}
		log.Printf("main: bootstrap synced from %s", cfg.BootstrapPath)
	}

	// In-memory state seeded from DB
	store := relationship.NewStore(queries, bus)
	if err := store.Load(ctx); err != nil {
		log.Fatalf("main: load relationships: %v", err)
	}
	log.Printf("main: loaded %d relationships", len(store.List()))

	tracker := risk.NewTracker(queries)
	if err := tracker.Load(ctx, store.List()); err != nil {
		log.Fatalf("main: load risk state: %v", err)
	}

	// Venue adapters. Only mock adapters ship today; real connectors
	// register here once their gateways land.
	registry := venue.NewRegistry(cfg.VenueRatePerSec, cfg.VenueBurst)
	for _, platform := range cfg.Platforms {
		registry.Register(venue.NewMockAdapter(platform, venue.MockConfig{
			FeeRate:      cfg.MockFeeRate,
			SlippageBps:  cfg.MockSlippageBps,
			LatencyMinMs: cfg.MockLatencyMinMs,
			LatencyMaxMs: cfg.MockLatencyMaxMs,
		}))
	}
	if cfg.DryRun {
		log.Printf("main: DRY RUN mode, platforms: %v", cfg.Platforms)
	}

	aggregator := metrics.NewAggregator(store, tracker)

	retry := dispatch.NewCoordinator(dispatch.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BackoffBase: cfg.RetryBackoffBase,
		BackoffCap:  cfg.RetryBackoffCap,
	})
	dispatcher := dispatch.NewDispatcher(queries, store, registry, bus, retry, cfg.WorkersPerVenue, aggregator.Fold)

	eng := engine.New(engine.Deps{
		Queries:    queries,
		Bus:        bus,
		Ingester:   sig.NewIngester(queries, bus),
		Resolver:   relationship.NewResolver(store, queries),
		Sizer:      sizing.NewSizer(),
		Gate:       risk.NewGate(tracker, store, bus),
		Store:      store,
		Tracker:    tracker,
		Registry:   registry,
		Dispatcher: dispatcher,
	})
	if err := eng.Recover(ctx); err != nil {
		log.Fatalf("main: recover sessions: %v", err)
	}

	// Background risk sweep over active relationships.
	riskMonitor := risk.NewMonitor(tracker, store, bus, cfg.RiskMonitorInterval)
	riskMonitor.Start(ctx)
	defer riskMonitor.Stop()

	// Alert forwarding (log sink until a real notifier is configured).
	monitor.New(bus, nil).Start(ctx)

	// Durable event journal fed off the bus.
	journal := persistence.NewJournal(database.DB, 50, 500*time.Millisecond)
	journal.Attach(bus)

	server := api.NewServer(
		bus,
		queries,
		eng,
		store,
		tracker,
		aggregator,
		registry,
		api.SystemMeta{
			DryRun:    cfg.DryRun,
			Platforms: cfg.Platforms,
			Version:   buildVersion,
		},
		cfg.JWTSecret,
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("main: api server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("main: shutting down")

	cancel()
	dispatcher.Shutdown()
	if err := journal.Close(); err != nil {
		log.Printf("main: close journal: %v", err)
	}
}
