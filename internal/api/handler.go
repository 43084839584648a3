package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"redemption-service/internal/models"
	"redemption-service/internal/service"
	"redemption-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	actorHeader       = "X-Actor-ID"
	idempotencyHeader = "Idempotency-Key"
	actorKey          = "actor_id"
)

// Dependency is a backing service checked by /ready
type Dependency struct {
	Name string
	Ping func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	redemptions *service.RedemptionService
	fulfillment *service.FulfillmentService
	ledger      *service.PointsLedger
	codes       *service.CodePool
	deps        []Dependency
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	redemptions *service.RedemptionService,
	fulfillment *service.FulfillmentService,
	ledger *service.PointsLedger,
	codes *service.CodePool,
	deps ...Dependency,
) *Handler {
	return &Handler{
		redemptions: redemptions,
		fulfillment: fulfillment,
		ledger:      ledger,
		codes:       codes,
		deps:        deps,
		logger:      util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(h.requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", actorMiddleware())
	{
		v1.POST("/redemptions", h.redeem)
		v1.POST("/redemptions/scan", h.scan)
		v1.GET("/redemptions/:id", h.getRedemption)
		v1.GET("/users/:id/redemptions", h.listRedemptions)
		v1.GET("/users/:id/points", h.pointHistory)
	}

	admin := v1.Group("/admin")
	{
		admin.POST("/redemptions/:id/cancel", h.cancelRedemption)
		admin.POST("/redemptions/bulk-status", h.bulkSetStatus)
		admin.POST("/users/:id/points", h.adjustPoints)
		admin.POST("/users/:id/award", h.awardPoints)
		admin.POST("/rewards/:id/codes", h.importCodes)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for _, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failing[dep.Name] = err.Error()
		}
	}

	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"failing": failing,
			"time":    time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type redeemBody struct {
	UserID         int64  `json:"user_id"`
	RewardID       int64  `json:"reward_id" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

// redeem handles a purchase. Users buy for themselves only.
func (h *Handler) redeem(c *gin.Context) {
	var body redeemBody
	if !bindJSON(c, &body) {
		return
	}

	actorID := actor(c)
	if body.UserID == 0 {
		body.UserID = actorID
	}
	if body.UserID != actorID {
		h.fail(c, service.ErrUnauthorized)
		return
	}

	if key := c.GetHeader(idempotencyHeader); key != "" {
		body.IdempotencyKey = key
	}

	receipt, err := h.redemptions.Redeem(c.Request.Context(), &service.RedeemRequest{
		UserID:         body.UserID,
		RewardID:       body.RewardID,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, receipt)
}

type scanBody struct {
	Payload string `json:"payload" binding:"required"`
}

type scanResponse struct {
	RedemptionID int64     `json:"redemption_id"`
	Status       string    `json:"status"`
	FulfilledAt  time.Time `json:"fulfilled_at"`
}

// scan fulfills a redemption from its code or QR payload
func (h *Handler) scan(c *gin.Context) {
	var body scanBody
	if !bindJSON(c, &body) {
		return
	}

	r, err := h.fulfillment.Scan(c.Request.Context(), actor(c), body.Payload)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, scanResponse{
		RedemptionID: r.ID,
		Status:       r.Status,
		FulfilledAt:  r.FulfilledAt.Time,
	})
}

// getRedemption handles get redemption by ID
func (h *Handler) getRedemption(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	r, err := h.redemptions.GetRedemption(c.Request.Context(), actor(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, redemptionView(r))
}

func (h *Handler) listRedemptions(c *gin.Context) {
	userID, ok := pathID(c)
	if !ok {
		return
	}

	list, err := h.redemptions.ListRedemptions(c.Request.Context(), actor(c), userID)
	if err != nil {
		h.fail(c, err)
		return
	}

	views := make([]gin.H, 0, len(list))
	for i := range list {
		views = append(views, redemptionView(&list[i]))
	}
	c.JSON(http.StatusOK, gin.H{"redemptions": views})
}

func (h *Handler) pointHistory(c *gin.Context) {
	userID, ok := pathID(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(c, service.ValidationError("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	history, err := h.ledger.History(c.Request.Context(), actor(c), userID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

type cancelBody struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) cancelRedemption(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body cancelBody
	if !bindJSON(c, &body) {
		return
	}

	result, err := h.fulfillment.Cancel(c.Request.Context(), actor(c), id, body.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"redemption_id":   result.Redemption.ID,
		"status":          result.Redemption.Status,
		"points_refunded": result.PointsRefunded,
		"new_balance":     result.NewBalance,
	})
}

type bulkStatusBody struct {
	IDs    []int64 `json:"ids" binding:"required"`
	Status string  `json:"status" binding:"required"`
}

func (h *Handler) bulkSetStatus(c *gin.Context) {
	var body bulkStatusBody
	if !bindJSON(c, &body) {
		return
	}

	n, err := h.fulfillment.BulkSetStatus(c.Request.Context(), actor(c), body.IDs, body.Status)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": n, "requested": len(body.IDs)})
}

type adjustBody struct {
	Delta int64  `json:"delta" binding:"required"`
	Note  string `json:"note"`
}

func (h *Handler) adjustPoints(c *gin.Context) {
	userID, ok := pathID(c)
	if !ok {
		return
	}
	var body adjustBody
	if !bindJSON(c, &body) {
		return
	}

	points, err := h.ledger.AdminAdjust(c.Request.Context(), actor(c), userID, body.Delta, body.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "points": points})
}

type awardBody struct {
	Amount int64 `json:"amount" binding:"required"`
}

func (h *Handler) awardPoints(c *gin.Context) {
	userID, ok := pathID(c)
	if !ok {
		return
	}
	var body awardBody
	if !bindJSON(c, &body) {
		return
	}

	points, err := h.ledger.Award(c.Request.Context(), actor(c), userID, body.Amount)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "points": points})
}

type importCodesBody struct {
	Codes []string `json:"codes" binding:"required"`
}

func (h *Handler) importCodes(c *gin.Context) {
	rewardID, ok := pathID(c)
	if !ok {
		return
	}
	var body importCodesBody
	if !bindJSON(c, &body) {
		return
	}

	n, err := h.codes.ImportCodes(c.Request.Context(), actor(c), rewardID, body.Codes)
	if err != nil {
		h.fail(c, err)
		return
	}
	available, err := h.codes.Available(c.Request.Context(), rewardID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"reward_id": rewardID,
		"imported":  n,
		"submitted": len(body.Codes),
		"available": available,
	})
}

// redemptionView hides nullable columns behind plain JSON fields
func redemptionView(r *models.Redemption) gin.H {
	view := gin.H{
		"id":           r.ID,
		"user_id":      r.UserID,
		"reward_id":    r.RewardID,
		"code":         r.Code,
		"points_spent": r.PointsSpent,
		"status":       r.Status,
		"created_at":   r.CreatedAt,
		"updated_at":   r.UpdatedAt,
	}
	if r.FulfilledAt.Valid {
		view["fulfilled_at"] = r.FulfilledAt.Time
		view["fulfilled_by"] = r.FulfilledBy.Int64
	}
	if r.CancelledAt.Valid {
		view["cancelled_at"] = r.CancelledAt.Time
		view["cancelled_by"] = r.CancelledBy.Int64
		view["cancel_reason"] = r.CancelReason.String
	}
	return view
}

// fail renders err with the HTTP status of its business code
func (h *Handler) fail(c *gin.Context, err error) {
	code := service.CodeOf(err)
	status := statusFor(err)

	message := "internal error"
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	} else {
		var e *service.Error
		if errors.As(err, &e) {
			message = e.Message
		}
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

func statusFor(err error) int {
	if service.IsNotFound(err) {
		return http.StatusNotFound
	}
	switch service.CodeOf(err) {
	case service.CodeValidation:
		return http.StatusBadRequest
	case service.CodeUnauthorized, service.CodeGuestNotAllowed, service.CodeUserBanned:
		return http.StatusForbidden
	case service.CodeInsufficientBalance, service.CodeOutOfStock, service.CodeNoCodeAvailable,
		service.CodeRewardInactive, service.CodeAlreadyProcessed, service.CodeInvalidStateTransition,
		service.CodeTransientConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    service.CodeValidation,
				"message": "invalid request body: " + err.Error(),
			},
		})
		return false
	}
	return true
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    service.CodeValidation,
				"message": "invalid id",
			},
		})
		return 0, false
	}
	return id, true
}

func actor(c *gin.Context) int64 {
	return c.GetInt64(actorKey)
}

// actorMiddleware reads the authenticated actor set by the gateway in front
// of this service
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(actorHeader), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    service.CodeUnauthorized,
					"message": "missing or invalid " + actorHeader + " header",
				},
			})
			return
		}
		c.Set(actorKey, id)
		c.Next()
	}
}

// requestLogger logs each request and wraps it in a span
func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, span := util.StartSpan(c.Request.Context(), c.Request.Method+" "+c.FullPath(),
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		h.logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.Int64("actor_id", actor(c)))
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
