package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/card"
	"rental-service/internal/models"
	"rental-service/internal/service"
	"rental-service/internal/util"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	catalog        *service.VehicleCatalog
	reservations   *service.ReservationService
	payments       *service.PaymentOrchestrator
	readiness      map[string]Pinger
	allowedOrigins []string
	logger         *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	catalog *service.VehicleCatalog,
	reservations *service.ReservationService,
	payments *service.PaymentOrchestrator,
) *Handler {
	return &Handler{
		catalog:      catalog,
		reservations: reservations,
		payments:     payments,
		readiness:    make(map[string]Pinger),
		logger:       util.GetLogger(),
	}
}

// AddReadinessCheck makes /ready fail while p does not answer.
func (h *Handler) AddReadinessCheck(name string, p Pinger) {
	h.readiness[name] = p
}

// SetAllowedOrigins configures CORS. "*" or an empty list allows any origin.
func (h *Handler) SetAllowedOrigins(origins []string) {
	h.allowedOrigins = origins
}

func (h *Handler) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}

	allowAll := len(h.allowedOrigins) == 0
	for _, o := range h.allowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = h.allowedOrigins
	}
	return cors.New(cfg)
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(h.corsMiddleware())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/vehicles", h.listVehicles)
		v1.GET("/vehicles/:id", h.getVehicle)
		v1.PUT("/vehicles/:id", h.upsertVehicle)
		v1.GET("/vehicles/:id/availability", h.vehicleAvailability)
		v1.GET("/vehicles/:id/reservations", h.listVehicleReservations)

		v1.POST("/reservations", h.createReservation)
		v1.GET("/reservations/:id", h.getReservation)
		v1.PATCH("/reservations/:id", h.rescheduleReservation)
		v1.POST("/reservations/:id/cancel", h.cancelReservation)
		v1.POST("/reservations/:id/confirm", h.confirmReservation)
		v1.POST("/reservations/:id/activate", h.activateReservation)
		v1.POST("/reservations/:id/complete", h.completeReservation)
		v1.GET("/reservations/:id/payments", h.listReservationPayments)

		v1.GET("/customers/:id/reservations", h.listCustomerReservations)
		v1.GET("/customers/:id/payments", h.listCustomerPayments)

		v1.POST("/payments", h.initiatePayment)
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/confirm", h.confirmPayment)
		v1.POST("/payments/:id/capture", h.capturePayment)
		v1.POST("/payments/:id/refund", h.refundPayment)
		v1.POST("/payments/:id/cancel", h.cancelPayment)
		v1.PUT("/payments/:id/status", h.updatePaymentStatus)

		v1.POST("/cards/validate", h.validateCard)
		v1.POST("/cards/format", h.formatCard)
	}
}

// statusFor maps an error kind onto an HTTP status code
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidRange, apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnavailable, apperr.KindConflict, apperr.KindAlreadyPaid:
		return http.StatusConflict
	case apperr.KindInvalidState:
		return http.StatusUnprocessableEntity
	case apperr.KindProviderRejected:
		return http.StatusPaymentRequired
	case apperr.KindProviderUnavailable:
		return http.StatusBadGateway
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	message := apperr.Message(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		message = "internal error"
	}

	c.JSON(status, gin.H{
		"error":     kind,
		"message":   message,
		"retryable": apperr.IsRetryable(err),
	})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":     apperr.KindInvalidInput,
		"message":   "Invalid request body: " + err.Error(),
		"retryable": false,
	})
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// windowQuery is a rental window given as RFC 3339 query parameters.
type windowQuery struct {
	From time.Time `form:"from"`
	To   time.Time `form:"to"`
}

func (q windowQuery) empty() bool { return q.From.IsZero() && q.To.IsZero() }

func (q windowQuery) complete() bool { return !q.From.IsZero() && !q.To.IsZero() }

// bindOptionalJSON binds a body that may be absent, including chunked
// requests with no declared length.
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// listVehicles returns the fleet, or with from and to only the vehicles
// free for that whole window
func (h *Handler) listVehicles(c *gin.Context) {
	var q windowQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, err)
		return
	}

	var vehicles []models.Vehicle
	var err error
	switch {
	case q.empty():
		vehicles, err = h.catalog.ListVehicles(c.Request.Context())
	case q.complete():
		vehicles, err = h.reservations.AvailableVehicles(c.Request.Context(), q.From, q.To)
	default:
		h.badRequest(c, errors.New("from and to must be given together"))
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vehicles": vehicles})
}

func (h *Handler) getVehicle(c *gin.Context) {
	v, err := h.catalog.GetVehicle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) upsertVehicle(c *gin.Context) {
	var req service.UpsertVehicleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	v, err := h.catalog.UpsertVehicle(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *Handler) vehicleAvailability(c *gin.Context) {
	var q windowQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, err)
		return
	}
	if !q.complete() {
		h.badRequest(c, errors.New("from and to are required"))
		return
	}

	a, err := h.reservations.CheckAvailability(c.Request.Context(), c.Param("id"), q.From, q.To)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) listVehicleReservations(c *gin.Context) {
	out, err := h.reservations.ListByVehicle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservations": out})
}

// createReservation handles reservation creation
func (h *Handler) createReservation(c *gin.Context) {
	var req service.CreateReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	r, err := h.reservations.Create(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) getReservation(c *gin.Context) {
	r, err := h.reservations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) rescheduleReservation(c *gin.Context) {
	var req service.RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	r, err := h.reservations.Reschedule(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelReservation(c *gin.Context) {
	var req cancelRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.badRequest(c, err)
		return
	}

	r, err := h.reservations.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) confirmReservation(c *gin.Context) {
	r, err := h.reservations.MarkConfirmed(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) activateReservation(c *gin.Context) {
	r, err := h.reservations.MarkActive(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) completeReservation(c *gin.Context) {
	r, err := h.reservations.MarkCompleted(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) listCustomerReservations(c *gin.Context) {
	out, err := h.reservations.ListByCustomer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservations": out})
}

func (h *Handler) initiatePayment(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	p, err := h.payments.Initiate(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) getPayment(c *gin.Context) {
	p, err := h.payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type confirmPaymentRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
}

func (h *Handler) confirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	p, err := h.payments.Confirm(c.Request.Context(), c.Param("id"), req.TransactionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type capturePaymentRequest struct {
	PayerID string `json:"payer_id" binding:"required"`
}

func (h *Handler) capturePayment(c *gin.Context) {
	var req capturePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	p, err := h.payments.Capture(c.Request.Context(), c.Param("id"), req.PayerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type refundPaymentRequest struct {
	// Amount in minor units; zero refunds the whole payment.
	Amount int64 `json:"amount"`
}

func (h *Handler) refundPayment(c *gin.Context) {
	var req refundPaymentRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.badRequest(c, err)
		return
	}

	p, err := h.payments.Refund(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) cancelPayment(c *gin.Context) {
	p, err := h.payments.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) updatePaymentStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	p, err := h.payments.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) listReservationPayments(c *gin.Context) {
	out, err := h.payments.ListByReservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": out})
}

func (h *Handler) listCustomerPayments(c *gin.Context) {
	out, err := h.payments.ListByCustomer(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": out})
}

func (h *Handler) validateCard(c *gin.Context) {
	var req card.Details
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	res := card.Validate(req)
	body := gin.H{"valid": res.Valid, "errors": res.Errors}
	if res.Valid {
		body["brand"] = card.Brand(req.Number)
		body["last4"] = card.Last4(req.Number)
	}
	c.JSON(http.StatusOK, body)
}

type formatCardRequest struct {
	CardNumber string `json:"card_number"`
	ExpiryDate string `json:"expiry_date"`
}

func (h *Handler) formatCard(c *gin.Context) {
	var req formatCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"card_number": card.FormatCardNumber(req.CardNumber),
		"expiry_date": card.FormatExpiry(req.ExpiryDate),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
