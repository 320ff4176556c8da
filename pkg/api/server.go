// Package api exposes the substrate over HTTP: a gin REST surface for
// event injection and component introspection, a Prometheus scrape
// endpoint, and a WebSocket live feed bridged from the broker.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/viablesystems/synapse/pkg/analytics"
	"github.com/viablesystems/synapse/pkg/attention"
	"github.com/viablesystems/synapse/pkg/config"
	"github.com/viablesystems/synapse/pkg/coordinator"
	"github.com/viablesystems/synapse/pkg/database"
	"github.com/viablesystems/synapse/pkg/eventstore"
	"github.com/viablesystems/synapse/pkg/lifecycle"
	"github.com/viablesystems/synapse/pkg/metrics"
	"github.com/viablesystems/synapse/pkg/patterns"
	"github.com/viablesystems/synapse/pkg/processor"
	"github.com/viablesystems/synapse/pkg/producer"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

// Deps collects the component handles the server reads from. Nil fields
// disable the corresponding endpoints.
type Deps struct {
	Store       *eventstore.Store
	Producer    *producer.Producer
	Processor   *processor.Processor
	Matcher     *patterns.Matcher
	Analytics   *analytics.Engine
	Attention   *attention.Engine
	Coordinator *coordinator.Coordinator
	Supervisor  *lifecycle.Supervisor
	DBClient    *database.Client
	ConnManager *ConnectionManager
	Metrics     *metrics.Metrics
}

// Server is the HTTP API server.
type Server struct {
	cfg  *config.HTTPConfig
	deps Deps

	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg *config.HTTPConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), securityHeaders())

	s := &Server{cfg: cfg, deps: deps, engine: engine}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/ws", s.wsHandler)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.deps.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := s.engine.Group("/api/v1")
	v1.POST("/events", s.injectEventHandler)
	v1.GET("/events", s.allEventsHandler)
	v1.GET("/streams/:id", s.streamMetaHandler)
	v1.GET("/streams/:id/events", s.streamEventsHandler)
	v1.GET("/dashboard", s.dashboardHandler)
	v1.GET("/analytics/dashboard", s.dashboardHandler)
	v1.GET("/analytics/anomalies", s.anomaliesHandler)
	v1.GET("/patterns/history", s.patternHistoryHandler)
	v1.GET("/attention", s.attentionHandler)
	v1.GET("/coordinator/stats", s.coordinatorStatsHandler)
	v1.GET("/coordinator/conflicts", s.coordinatorConflictsHandler)
	v1.GET("/system", s.systemHandler)
}

// Start listens on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.deps.DBClient != nil {
		pool, err := s.deps.DBClient.Health(reqCtx)
		switch {
		case err != nil:
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		case pool.Status == database.PoolDegraded:
			checks["database"] = HealthCheck{Status: pool.Status, Message: "connection pool under pressure"}
		default:
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.deps.Supervisor != nil {
		if s.deps.Supervisor.Stats().Escalated {
			status = healthStatusUnhealthy
			checks["supervisor"] = HealthCheck{Status: healthStatusUnhealthy, Message: "supervision group terminated"}
		} else {
			checks["supervisor"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{Status: status, Checks: checks})
}

func (s *Server) wsHandler(c *gin.Context) {
	if s.deps.ConnManager == nil {
		errorResponse(c, http.StatusServiceUnavailable, "WebSocket not available")
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		return
	}
	// HandleConnection blocks until the WebSocket closes.
	s.deps.ConnManager.HandleConnection(c.Request.Context(), conn)
}
