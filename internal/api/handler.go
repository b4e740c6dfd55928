// Package api is the control surface: a gin HTTP server exposing
// engine state, strategy lifecycle actions, manual position close,
// auth, the Prometheus scrape endpoint and a websocket event push.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trading-engine/internal/balance"
	"trading-engine/internal/events"
	"trading-engine/internal/monitor"
	"trading-engine/internal/order"
	"trading-engine/internal/position"
	"trading-engine/internal/risk"
	"trading-engine/internal/strategy"
	"trading-engine/pkg/cache"
	"trading-engine/pkg/db"
)

// Server wires the HTTP endpoints around the engine's components.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Store     *db.Store
	Engine    *strategy.Engine
	Risk      *risk.Manager
	Balance   *balance.Manager
	Coord     *position.Coordinator
	Queue     *order.Queue
	Prices    *cache.PriceCache
	Metrics   *monitor.Metrics
	JWTSecret string
	Meta      SystemMeta

	started time.Time
}

// SystemMeta describes the runtime mode exposed on the status endpoint.
type SystemMeta struct {
	DryRun      bool
	Venue       string
	Symbols     []string
	Interval    string
	UseMockFeed bool
	Version     string
}

func NewServer(bus *events.Bus, store *db.Store, eng *strategy.Engine, riskMgr *risk.Manager, balanceMgr *balance.Manager, coord *position.Coordinator, queue *order.Queue, prices *cache.PriceCache, metrics *monitor.Metrics, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Store:     store,
		Engine:    eng,
		Risk:      riskMgr,
		Balance:   balanceMgr,
		Coord:     coord,
		Queue:     queue,
		Prices:    prices,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Meta:      meta,
		started:   time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(monitor.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	// The websocket and scrape endpoints live outside the request
	// deadline; only the REST surface gets the timeout.
	api.Use(TimeoutMiddleware(30 * time.Second))
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.register)
			auth.POST("/login", s.login)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/status", s.getStatus)

			protected.GET("/strategies", s.getStrategies)
			protected.GET("/strategies/:name", s.getStrategy)
			protected.POST("/strategies/:name/start", s.startStrategy)
			protected.POST("/strategies/:name/stop", s.stopStrategy)
			protected.POST("/strategies/:name/pause", s.pauseStrategy)
			protected.POST("/strategies/:name/resume", s.resumeStrategy)
			protected.PUT("/strategies/:name/params", s.updateStrategyParams)

			protected.GET("/positions", s.getPositions)
			protected.GET("/positions/history", s.getPositionHistory)
			protected.POST("/positions/:id/close", s.closePosition)

			protected.GET("/orders", s.getOrders)
			protected.GET("/orders/open", s.getOpenOrders)
			protected.GET("/trades", s.getTrades)

			protected.GET("/risk", s.getRisk)
			protected.GET("/balance", s.getBalance)
			protected.GET("/performance", s.getPerformance)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
