// Package api is the operator HTTP surface: health, status and the kill
// switch.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kpLEE-HYU/krader/internal/control"
	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const shutdownTimeout = 5 * time.Second

// Controller is the control surface the API drives.
type Controller interface {
	Status() control.Status
	ActivateKillSwitch(ctx context.Context, reason string) bool
	ResetKillSwitch(ctx context.Context) bool
	Pause(reason string)
	Resume()
}

type Portfolio interface {
	Snapshot() schema.Portfolio
}

type Orders interface {
	ActiveOrders() []schema.Order
}

type ErrorLog interface {
	RecentErrors(ctx context.Context, limit int) ([]schema.ErrorEvent, error)
}

// Config holds the collaborators; Metrics and Errors may be nil.
type Config struct {
	Control   Controller
	Portfolio Portfolio
	Orders    Orders
	Errors    ErrorLog
	Metrics   *obs.Metrics
	Universe  func() []string
	RunID     func() string
}

type handler struct {
	cfg Config
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	h := &handler{cfg: cfg}
	router.GET("/healthz", h.health)
	router.GET("/status", h.status)
	router.GET("/orders/active", h.activeOrders)
	router.GET("/errors", h.recentErrors)
	router.POST("/kill-switch", h.kill)
	router.DELETE("/kill-switch", h.resetKill)
	router.POST("/pause", h.pause)
	router.POST("/resume", h.resume)
	return router
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) status(c *gin.Context) {
	body := gin.H{
		"control":      h.cfg.Control.Status(),
		"portfolio":    h.cfg.Portfolio.Snapshot(),
		"activeOrders": len(h.cfg.Orders.ActiveOrders()),
		"metrics":      h.cfg.Metrics.Snapshot(),
	}
	if h.cfg.Universe != nil {
		body["universe"] = h.cfg.Universe()
	}
	if h.cfg.RunID != nil {
		body["runId"] = h.cfg.RunID()
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) activeOrders(c *gin.Context) {
	orders := h.cfg.Orders.ActiveOrders()
	if orders == nil {
		orders = []schema.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (h *handler) recentErrors(c *gin.Context) {
	if h.cfg.Errors == nil {
		c.JSON(http.StatusOK, []schema.ErrorEvent{})
		return
	}
	events, err := h.cfg.Errors.RecentErrors(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *handler) kill(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	activated := h.cfg.Control.ActivateKillSwitch(c.Request.Context(), "operator: "+req.Reason)
	c.JSON(http.StatusOK, gin.H{"activated": activated, "control": h.cfg.Control.Status()})
}

func (h *handler) resetKill(c *gin.Context) {
	reset := h.cfg.Control.ResetKillSwitch(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"reset": reset, "control": h.cfg.Control.Status()})
}

func (h *handler) pause(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator"
	}
	h.cfg.Control.Pause(req.Reason)
	c.JSON(http.StatusOK, h.cfg.Control.Status())
}

func (h *handler) resume(c *gin.Context) {
	h.cfg.Control.Resume()
	c.JSON(http.StatusOK, h.cfg.Control.Status())
}

// Serve runs the server on addr until ctx ends.
func Serve(ctx context.Context, addr string, router http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logs.Infof("api: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "serve %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown api")
		}
		return nil
	}
}
