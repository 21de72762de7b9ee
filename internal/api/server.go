// Package api serves the read-only status surface of the engine. Trading is
// never driven over HTTP; the front end and its auth live elsewhere.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"trading-engine/internal/engine"
	"trading-engine/pkg/db"
)

// Server exposes engine introspection endpoints.
type Server struct {
	Router *gin.Engine
	Engine *engine.Engine
	DB     *db.Database
	Meta   SystemMeta
}

// SystemMeta describes the runtime configuration exposed on /health.
type SystemMeta struct {
	Venue   string   `json:"venue"`
	Symbols []string `json:"symbols"`
	Replay  bool     `json:"replay"`
	Version string   `json:"version"`
}

func NewServer(eng *engine.Engine, database *db.Database, meta SystemMeta) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())

	s := &Server{Router: r, Engine: eng, DB: database, Meta: meta}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/positions", s.getPositions)
		api.GET("/strategies", s.getStrategies)
		api.GET("/risk/exposure", s.getRiskExposure)
		api.GET("/risk/scopes", s.getRiskScopes)
		api.GET("/dispatcher/stats", s.getDispatcherStats)
		api.GET("/dropcopy/orders", s.getDropCopyOrders)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
		"meta":   s.Meta,
	})
}

func (s *Server) getPositions(c *gin.Context) {
	out := gin.H{}
	for _, st := range s.Engine.Runner().Strategies() {
		out[st.Name()] = st.Snapshots()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getStrategies(c *gin.Context) {
	type strategyInfo struct {
		Name        string `json:"name"`
		Blocked     bool   `json:"blocked"`
		BlockReason string `json:"block_reason,omitempty"`
		Positions   int    `json:"positions"`
	}
	strategies := s.Engine.Runner().Strategies()
	out := make([]strategyInfo, 0, len(strategies))
	for _, st := range strategies {
		out = append(out, strategyInfo{
			Name:        st.Name(),
			Blocked:     st.IsBlocked(),
			BlockReason: st.BlockReason(),
			Positions:   st.Book().Len(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getRiskExposure(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Gate().ExposureSnapshot())
}

func (s *Server) getRiskScopes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"enabled": s.Engine.Gate().Enabled(),
		"scopes":  s.Engine.Gate().ScopeNames(),
	})
}

func (s *Server) getDispatcherStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active": s.Engine.Dispatcher().IsActive(),
		"queues": s.Engine.Dispatcher().Stats(),
	})
}

func (s *Server) getDropCopyOrders(c *gin.Context) {
	if s.DB == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.ListDropCopyOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}
