// Package api serves a read-only HTTP view of the running positions.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/amirphl/phase-trader/internal/bot"
	"github.com/amirphl/phase-trader/internal/livetrading"
	"github.com/amirphl/phase-trader/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Positions is what the API reads. *livetrading.Supervisor implements it.
type Positions interface {
	Statuses() []livetrading.PositionStatus
	Bot(id string) (*bot.Bot, bool)
}

type Handler struct {
	positions Positions
	started   time.Time
}

type positionDetail struct {
	ID               string                  `json:"id"`
	Symbol           string                  `json:"symbol"`
	StrategyID       string                  `json:"strategy_id"`
	State            bot.State               `json:"state"`
	StateDuration    string                  `json:"state_duration"`
	CloseReason      string                  `json:"close_reason,omitempty"`
	Phases           any                     `json:"phases"`
	PendingOrders    any                     `json:"pending_orders"`
	Lifecycle        []bot.Transition        `json:"lifecycle"`
	LifecycleMetrics map[string]any          `json:"lifecycle_metrics"`
	Price            float64                 `json:"price,omitempty"`
	Performance      *bot.PerformanceSummary `json:"performance,omitempty"`
	Risk             *bot.RiskMetrics        `json:"risk,omitempty"`
}

func NewRouter(positions Positions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := &Handler{positions: positions, started: time.Now()}

	router.GET("/healthz", h.health)
	router.GET("/positions", h.listPositions)
	router.GET("/positions/:id", h.getPosition)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		utils.GetLogger().Debugf("API | %s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"time":      time.Now().UTC(),
		"uptime":    time.Since(h.started).String(),
		"positions": len(h.positions.Statuses()),
	})
}

func (h *Handler) listPositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": h.positions.Statuses()})
}

// getPosition reports the phase status and, given a price (the query
// parameter or else the last processed one), the performance and risk views.
func (h *Handler) getPosition(c *gin.Context) {
	b, ok := h.positions.Bot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}

	price := b.LastPrice()
	if v := c.Query("price"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil || !(p > 0) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "price must be a positive number"})
			return
		}
		price = p
	}

	d := positionDetail{
		ID:               b.ID(),
		Symbol:           b.Symbol(),
		StrategyID:       b.StrategyID(),
		State:            b.State(),
		StateDuration:    b.StateDuration().String(),
		CloseReason:      b.CloseReason(),
		Phases:           b.Executor().PhaseStatus(),
		PendingOrders:    b.PendingOrders(),
		Lifecycle:        b.History(),
		LifecycleMetrics: b.LifecycleMetrics(),
	}
	if price > 0 {
		perf, err := b.GetPerformanceSummary(price)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		risk, err := b.GetRiskMetrics(price)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d.Price = price
		d.Performance = &perf
		d.Risk = &risk
	}
	c.JSON(http.StatusOK, d)
}

// Server wraps the router in an http.Server.
type Server struct {
	srv *http.Server
}

func NewServer(addr string, positions Positions) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewRouter(positions),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		utils.GetLogger().Printf("API | listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.GetLogger().Errorf("API | server stopped: %v", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
