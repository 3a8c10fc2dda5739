// Package api exposes the dashboard surface: read-only projections of
// signals, sessions, results, and metrics, plus the relationship commands.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"copytrade-core/internal/engine"
	"copytrade-core/internal/events"
	"copytrade-core/internal/metrics"
	"copytrade-core/internal/relationship"
	"copytrade-core/internal/risk"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/venue"
)

// Server wires HTTP endpoints around the replication engine.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	Queries    *db.Queries
	Engine     *engine.Engine
	Store      *relationship.Store
	Tracker    *risk.Tracker
	Aggregator *metrics.Aggregator
	Registry   *venue.Registry
	JWTSecret  string
	Meta       SystemMeta
}

// SystemMeta describes runtime status exposed to the dashboard.
type SystemMeta struct {
	DryRun    bool
	Platforms []string
	Version   string
}

func NewServer(bus *events.Bus, queries *db.Queries, eng *engine.Engine, store *relationship.Store, tracker *risk.Tracker, aggregator *metrics.Aggregator, registry *venue.Registry, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		Bus:        bus,
		Queries:    queries,
		Engine:     eng,
		Store:      store,
		Tracker:    tracker,
		Aggregator: aggregator,
		Registry:   registry,
		JWTSecret:  jwtSecret,
		Meta:       meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/masters", s.listMasters)
			protected.POST("/signals", s.ingestSignal)
			protected.GET("/signals/:tradeId", s.getSignal)
			protected.GET("/signals/:tradeId/sessions", s.listSignalSessions)

			protected.GET("/relationships", s.listRelationships)
			protected.POST("/relationships", s.followMaster)
			protected.GET("/relationships/:id", s.getRelationship)
			protected.GET("/relationships/:id/sessions", s.listRelationshipSessions)
			protected.GET("/relationships/:id/risk", s.getRelationshipRisk)

			// Relationship commands, 1:1 with lifecycle transitions.
			protected.POST("/relationships/:id/start", s.startCopyTrading)
			protected.POST("/relationships/:id/pause", s.pauseCopyTrading)
			protected.POST("/relationships/:id/stop", s.stopCopyTrading)
			protected.POST("/relationships/:id/unfollow", s.unfollowTrader)

			protected.GET("/sessions/:id", s.getSession)
			protected.GET("/sessions/:id/results", s.listSessionResults)

			protected.GET("/metrics/platforms", s.getPlatformMetrics)
			protected.GET("/metrics/performance", s.getPerformance)
			protected.PUT("/metrics/performance", s.setPerformance)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
