// Package api is the local control surface: a gin server bound to
// loopback that starts/stops the agent, triggers tuning runs and exposes
// status, trade history and tuning history. It never makes trading
// decisions itself.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"options-scalper-bot/internal/agent"
	"options-scalper-bot/internal/store"
	"options-scalper-bot/internal/tuner"
)

// Server is the HTTP control server.
type Server struct {
	log      zerolog.Logger
	registry *agent.Registry
	tuner    *tuner.Service
	store    *store.Store
	engine   *gin.Engine
	http     *http.Server
	baseCtx  context.Context
}

// NewServer wires the control routes. ctx is the process context new
// agents are started under.
func NewServer(ctx context.Context, registry *agent.Registry, tn *tuner.Service, st *store.Store, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	s := &Server{
		log:      log.With().Str("component", "api").Logger(),
		registry: registry,
		tuner:    tn,
		store:    st,
		engine:   engine,
		baseCtx:  ctx,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/agent/start", s.handleAgentStart)
	api.POST("/agent/stop", s.handleAgentStop)
	api.POST("/tuner/run", s.handleTunerRun)
	api.GET("/tuner/runs", s.handleTunerRuns)
	api.GET("/trades", s.handleTrades)
	api.GET("/events", s.handleEvents)
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	s.log.Info().Str("addr", addr).Msg("control API listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{"running": false}
	if a, ok := s.registry.Active(); ok {
		resp["running"] = true
		resp["agent"] = a.Status()
	}
	if s.tuner != nil {
		if run, ok := s.tuner.LastRun(); ok {
			resp["last_tuning_run"] = run
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAgentStart(c *gin.Context) {
	if err := s.registry.Start(s.baseCtx); err != nil {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "agent started"})
}

type stopRequest struct {
	Flatten bool `json:"flatten"`
}

func (s *Server) handleAgentStop(c *gin.Context) {
	var req stopRequest
	_ = c.ShouldBindJSON(&req)

	if !s.registry.Stop(req.Flatten) {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "no agent running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "agent stopped", "flattened": req.Flatten})
}

func (s *Server) handleTunerRun(c *gin.Context) {
	if s.tuner == nil || !s.tuner.RequestRun() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "tuner unavailable or busy"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "tuning run queued"})
}

func (s *Server) handleTunerRuns(c *gin.Context) {
	limit := intQuery(c, "limit", 20)
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "runs": runs})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	trades, err := s.store.ListTrades(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "trades": trades, "count": len(trades)})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	evts, err := s.store.ListEvents(c.Query("type"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "events": evts})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
