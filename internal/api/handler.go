package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"funnel-service/internal/models"
	"funnel-service/internal/payment"
	"funnel-service/internal/service"
	"funnel-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// FunnelEngine runs post-purchase sessions
type FunnelEngine interface {
	StartSession(ctx context.Context, userID string, entryPurchaseID, productID int64) (*service.StartResult, error)
	GetSession(ctx context.Context, sessionID int64, userID string) (*service.SessionDetail, error)
	GetNextStep(ctx context.Context, sessionID int64, userID string) (*service.Progress, error)
	RespondToStep(ctx context.Context, sessionID int64, userID string, stepID int64, accepted bool) (*service.RespondResult, error)
	CompleteStep(ctx context.Context, sessionID int64, userID string, stepID int64, chargeID string) (*service.CompleteResult, error)
}

// Analytics reports funnel performance
type Analytics interface {
	GetFunnelAnalytics(ctx context.Context, funnelID int64) (*service.FunnelAnalytics, error)
	GetStepAnalytics(ctx context.Context, funnelID int64) ([]service.StepAnalytics, error)
	ListFunnelAnalytics(ctx context.Context) ([]service.FunnelAnalytics, error)
}

// Checkout records entry purchases
type Checkout interface {
	CreateCheckoutIntent(ctx context.Context, userID string, req *service.CheckoutRequest) (*service.CheckoutIntentResponse, error)
	CompleteCheckout(ctx context.Context, userID string, req *service.CompleteCheckoutRequest) (*service.CheckoutResult, error)
	ClaimFreeProduct(ctx context.Context, userID string, productID int64) (*models.Purchase, error)
}

// Delivery signs and resolves download links
type Delivery interface {
	IssueDownloadToken(ctx context.Context, userID string, purchaseID int64) (*service.DownloadTicket, error)
	ResolveDownload(ctx context.Context, token string) (*service.ResolvedDownload, error)
}

// ChargeConfirmer settles simulated charges
type ChargeConfirmer interface {
	RetrieveCharge(ctx context.Context, chargeID string) (*payment.Charge, error)
	Confirm(ctx context.Context, chargeID string) (*payment.Charge, error)
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	engine      FunnelEngine
	analytics   Analytics
	checkout    Checkout
	delivery    Delivery
	confirmer   ChargeConfirmer
	jwtSecret   string
	rateLimiter *RateLimiter
	readiness   map[string]Pinger
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(engine FunnelEngine, analytics Analytics, checkout Checkout, delivery Delivery, jwtSecret string) *Handler {
	return &Handler{
		engine:    engine,
		analytics: analytics,
		checkout:  checkout,
		delivery:  delivery,
		jwtSecret: jwtSecret,
		readiness: make(map[string]Pinger),
		logger:    util.GetLogger(),
	}
}

// WithReadinessCheck adds a dependency checked by /ready
func (h *Handler) WithReadinessCheck(name string, p Pinger) *Handler {
	h.readiness[name] = p
	return h
}

// WithRateLimiter throttles authenticated routes per client IP
func (h *Handler) WithRateLimiter(rl *RateLimiter) *Handler {
	h.rateLimiter = rl
	return h
}

// WithChargeConfirmer exposes the simulated gateway's confirm endpoint
func (h *Handler) WithChargeConfirmer(c ChargeConfirmer) *Handler {
	h.confirmer = c
	return h
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/downloads/:token", h.resolveDownload)

	authed := v1.Group("")
	if h.rateLimiter != nil {
		authed.Use(h.rateLimiter.Middleware())
	}
	authed.Use(jwtAuth(h.jwtSecret))
	{
		authed.POST("/funnel-sessions", h.startSession)
		authed.GET("/funnel-sessions/:id", h.getSession)
		authed.GET("/funnel-sessions/:id/next", h.getNextStep)
		authed.POST("/funnel-sessions/:id/respond", h.respondToStep)
		authed.POST("/funnel-sessions/:id/complete", h.completeStep)

		reports := authed.Group("/funnels", requireRole(RoleAdmin))
		reports.GET("/analytics", h.listFunnelAnalytics)
		reports.GET("/:id/analytics", h.getFunnelAnalytics)
		reports.GET("/:id/steps/analytics", h.getStepAnalytics)

		authed.POST("/checkout/intent", h.createCheckoutIntent)
		authed.POST("/checkout/complete", h.completeCheckout)
		authed.POST("/checkout/free", h.claimFreeProduct)

		authed.GET("/purchases/:id/download", h.issueDownload)

		if h.confirmer != nil {
			authed.POST("/simulated-charges/:id/confirm", h.confirmCharge)
		}
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(gin.H, len(h.readiness))
	ready := true
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

type startSessionRequest struct {
	EntryPurchaseID int64 `json:"entry_purchase_id" binding:"required"`
	ProductID       int64 `json:"product_id" binding:"required"`
}

type respondRequest struct {
	StepID   int64 `json:"step_id" binding:"required"`
	Accepted *bool `json:"accepted" binding:"required"`
}

type completeRequest struct {
	StepID   int64  `json:"step_id" binding:"required"`
	ChargeID string `json:"charge_id" binding:"required"`
}

type claimFreeRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
}

// startSession handles funnel session creation
func (h *Handler) startSession(c *gin.Context) {
	var req startSessionRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.engine.StartSession(c.Request.Context(), userID(c), req.EntryPurchaseID, req.ProductID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	code := http.StatusCreated
	if res.Session == nil || res.Resumed {
		code = http.StatusOK
	}
	c.JSON(code, res)
}

func (h *Handler) getSession(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	detail, err := h.engine.GetSession(c.Request.Context(), id, userID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) getNextStep(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	progress, err := h.engine.GetNextStep(c.Request.Context(), id, userID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *Handler) respondToStep(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req respondRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.engine.RespondToStep(c.Request.Context(), id, userID(c), req.StepID, *req.Accepted)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) completeStep(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req completeRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.engine.CompleteStep(c.Request.Context(), id, userID(c), req.StepID, req.ChargeID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) listFunnelAnalytics(c *gin.Context) {
	list, err := h.analytics.ListFunnelAnalytics(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"funnels": list})
}

func (h *Handler) getFunnelAnalytics(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	stats, err := h.analytics.GetFunnelAnalytics(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) getStepAnalytics(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	steps, err := h.analytics.GetStepAnalytics(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"funnel_id": id, "steps": steps})
}

func (h *Handler) createCheckoutIntent(c *gin.Context) {
	var req service.CheckoutRequest
	if !bindJSON(c, &req) {
		return
	}
	intent, err := h.checkout.CreateCheckoutIntent(c.Request.Context(), userID(c), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

func (h *Handler) completeCheckout(c *gin.Context) {
	var req service.CompleteCheckoutRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.checkout.CompleteCheckout(c.Request.Context(), userID(c), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	c.JSON(code, res)
}

func (h *Handler) claimFreeProduct(c *gin.Context) {
	var req claimFreeRequest
	if !bindJSON(c, &req) {
		return
	}
	purchase, err := h.checkout.ClaimFreeProduct(c.Request.Context(), userID(c), req.ProductID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"purchase": purchase})
}

func (h *Handler) issueDownload(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ticket, err := h.delivery.IssueDownloadToken(c.Request.Context(), userID(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// resolveDownload redirects a valid download token to the asset
func (h *Handler) resolveDownload(c *gin.Context) {
	resolved, err := h.delivery.ResolveDownload(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Redirect(http.StatusFound, resolved.DownloadURL)
}

// confirmCharge settles a simulated charge. Buyers may only settle charges
// minted for them.
func (h *Handler) confirmCharge(c *gin.Context) {
	ctx := c.Request.Context()
	chargeID := c.Param("id")

	existing, err := h.confirmer.RetrieveCharge(ctx, chargeID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !isAdmin(c) && existing.Metadata[payment.MetaUserID] != userID(c) {
		h.writeError(c, fmt.Errorf("%w: charge %s belongs to another user", service.ErrAccessDenied, chargeID))
		return
	}

	charge, err := h.confirmer.Confirm(ctx, chargeID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, charge)
}

func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + name,
		})
		return 0, false
	}
	return id, true
}
