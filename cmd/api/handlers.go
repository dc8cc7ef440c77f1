package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/giovaniif/e-commerce/inventory/domain"
	"github.com/giovaniif/e-commerce/inventory/domain/stock"
	"github.com/giovaniif/e-commerce/inventory/infra/logging"
	"github.com/giovaniif/e-commerce/inventory/infra/metrics"
	"github.com/giovaniif/e-commerce/inventory/infra/requestid"
	"github.com/giovaniif/e-commerce/inventory/infra/tracing"
	"github.com/giovaniif/e-commerce/inventory/protocols"
	"github.com/giovaniif/e-commerce/inventory/use_cases/check"
	"github.com/giovaniif/e-commerce/inventory/use_cases/release"
	"github.com/giovaniif/e-commerce/inventory/use_cases/reserve"
)

const (
	serviceVersion        = "1.0.0"
	defaultRequestTimeout = 10 * time.Second
)

type StockItem struct {
	ProductId string `json:"productId"`
	Quantity  int32  `json:"quantity"`
}

type CheckStockRequest struct {
	Items []StockItem `json:"items"`
}

type ReserveStockRequest struct {
	Items      []StockItem `json:"items"`
	OrderId    string      `json:"orderId"`
	TTLSeconds int64       `json:"ttlSeconds,omitempty"`
}

type ReleaseStockRequest struct {
	OrderId string `json:"orderId"`
}

type ItemAvailabilityResponse struct {
	ProductId         string `json:"productId"`
	RequestedQuantity int32  `json:"requestedQuantity"`
	AvailableQuantity int32  `json:"availableQuantity"`
	InStock           bool   `json:"inStock"`
	Reserved          int32  `json:"reserved"`
}

type CheckStockResponse struct {
	Success    bool                       `json:"success"`
	AllInStock bool                       `json:"allInStock"`
	Items      []ItemAvailabilityResponse `json:"items"`
}

type ReserveStockResponse struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	Reservations []string `json:"reservations"`
}

type ReleaseStockResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Released int    `json:"released"`
	Error    string `json:"error,omitempty"`
}

type StockRecordResponse struct {
	ProductId    string    `json:"productId"`
	OnHand       int32     `json:"onHand"`
	Reserved     int32     `json:"reserved"`
	ReorderLevel int32     `json:"reorderLevel"`
	MaxStock     int32     `json:"maxStock"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// Handlers serves the inventory HTTP surface. Redis is nil when not configured.
type Handlers struct {
	Check          *check.Check
	Reserve        *reserve.Reserve
	Release        *release.Release
	Ledger         stock.Ledger
	Store          protocols.HealthChecker
	Redis          protocols.HealthChecker
	Service        string
	StartedAt      time.Time
	RequestTimeout time.Duration
}

func NewRouter(h *Handlers, logger zerolog.Logger) *gin.Engine {
	if h.RequestTimeout <= 0 {
		h.RequestTimeout = defaultRequestTimeout
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestid.Middleware, logging.Middleware(logger), tracing.Middleware(), metrics.Middleware)

	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/check-stock", h.checkStock)
	api.POST("/reserve-stock", h.reserveStock)
	api.POST("/release-stock", h.releaseStock)
	api.GET("/inventory/:productId", h.getStock)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Success: false, Message: "Endpoint not found"})
	})
	return r
}

func (h *Handlers) checkStock(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.RequestTimeout)
	defer cancel()

	var request CheckStockRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}

	input := check.Input{Items: make([]check.Item, 0, len(request.Items))}
	for _, item := range request.Items {
		input.Items = append(input.Items, check.Item{ProductId: item.ProductId, Quantity: item.Quantity})
	}
	output, err := h.Check.Check(ctx, input)
	if err != nil {
		h.fail(c, "Failed to check stock", err)
		return
	}

	response := CheckStockResponse{
		Success:    true,
		AllInStock: output.AllInStock,
		Items:      make([]ItemAvailabilityResponse, 0, len(output.Items)),
	}
	for _, item := range output.Items {
		response.Items = append(response.Items, ItemAvailabilityResponse{
			ProductId:         item.ProductId,
			RequestedQuantity: item.RequestedQuantity,
			AvailableQuantity: item.AvailableQuantity,
			InStock:           item.InStock,
			Reserved:          item.Reserved,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *Handlers) reserveStock(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.RequestTimeout)
	defer cancel()

	var request ReserveStockRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}

	if request.TTLSeconds < 0 || request.TTLSeconds > int64(reserve.MaxTTL/time.Second) {
		h.fail(c, "Failed to reserve stock", domain.NewInvalidArgumentError("ttlSeconds must be between 0 and "+strconv.FormatInt(int64(reserve.MaxTTL/time.Second), 10)))
		return
	}

	input := reserve.Input{
		Items:          make([]reserve.Item, 0, len(request.Items)),
		OrderId:        request.OrderId,
		TTL:            time.Duration(request.TTLSeconds) * time.Second,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	}
	for _, item := range request.Items {
		input.Items = append(input.Items, reserve.Item{ProductId: item.ProductId, Quantity: item.Quantity})
	}

	output, err := h.Reserve.Reserve(ctx, input)
	if err != nil {
		h.fail(c, "Failed to reserve stock", err)
		return
	}
	c.JSON(http.StatusCreated, ReserveStockResponse{
		Success:      true,
		Message:      "Stock reserved successfully",
		Reservations: output.ReservationIds,
	})
}

func (h *Handlers) releaseStock(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.RequestTimeout)
	defer cancel()

	var request ReleaseStockRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "Invalid request body", Error: err.Error()})
		return
	}

	output, err := h.Release.Release(ctx, release.Input{OrderId: request.OrderId})
	if errors.Is(err, domain.ErrInvalidArgument) {
		h.fail(c, "Failed to release stock", err)
		return
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("order_id", request.OrderId).Msg("release stock failed")
		c.JSON(http.StatusInternalServerError, ReleaseStockResponse{
			Success:  false,
			Message:  "Failed to release stock",
			Released: output.Released,
			Error:    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, ReleaseStockResponse{
		Success:  true,
		Message:  "Stock released successfully",
		Released: output.Released,
	})
}

func (h *Handlers) getStock(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.RequestTimeout)
	defer cancel()

	record, err := h.Ledger.GetStock(ctx, c.Param("productId"))
	if err != nil {
		h.fail(c, "Inventory not found", err)
		return
	}
	c.JSON(http.StatusOK, StockRecordResponse{
		ProductId:    record.ProductId,
		OnHand:       record.OnHand,
		Reserved:     record.Reserved,
		ReorderLevel: record.ReorderLevel,
		MaxStock:     record.MaxStock,
		LastUpdated:  record.LastUpdated,
	})
}

func (h *Handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	storeCheck := "connected"
	if err := h.Store.Ping(ctx); err != nil {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
		storeCheck = "disconnected"
		zerolog.Ctx(ctx).Warn().Err(err).Msg("store ping failed")
	}
	redisCheck := "n/a"
	if h.Redis != nil {
		redisCheck = "connected"
		if err := h.Redis.Ping(ctx); err != nil {
			redisCheck = "disconnected"
			if code == http.StatusOK {
				status = "degraded"
			}
		}
	}

	c.JSON(code, gin.H{
		"status":    status,
		"service":   h.Service,
		"version":   serviceVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.StartedAt).Seconds(),
		"checks":    gin.H{"store": storeCheck, "redis": redisCheck},
	})
}

func (h *Handlers) fail(c *gin.Context, message string, err error) {
	code := statusFor(err)
	logger := zerolog.Ctx(c.Request.Context())
	if code >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg(message)
	} else {
		logger.Info().Err(err).Msg(message)
	}
	c.JSON(code, ErrorResponse{Success: false, Message: message, Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIdempotencyKeyReused):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrIdempotencyKeyInFlight):
		return http.StatusConflict
	case errors.Is(err, domain.ErrReservationFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
