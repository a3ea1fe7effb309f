package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/interfaces"
	"stock-ledger/internal/models"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// LowStockPager pages through the low-stock scan
type LowStockPager interface {
	Page(ctx context.Context, threshold int64, afterProductID string, limit int) ([]models.StockRecord, string, error)
	DefaultThreshold() int64
}

// LedgerHandler handles HTTP requests for the stock ledger
type LedgerHandler struct {
	ledger       interfaces.StockLedger
	reservations interfaces.ReservationService
	supply       interfaces.SupplyService
	lowStock     LowStockPager
	serviceName  string
}

// NewLedgerHandler creates a new ledger API handler
func NewLedgerHandler(ledger interfaces.StockLedger, reservations interfaces.ReservationService, supply interfaces.SupplyService, lowStock LowStockPager, serviceName string) *LedgerHandler {
	return &LedgerHandler{
		ledger:       ledger,
		reservations: reservations,
		supply:       supply,
		lowStock:     lowStock,
		serviceName:  serviceName,
	}
}

// SetupRoutes sets up the HTTP routes of the ledger service
func (h *LedgerHandler) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(ErrorHandlerMiddleware())
	r.Use(CORSMiddleware("POST, GET, OPTIONS, PUT, DELETE"))

	r.GET("/health", healthCheck(h.serviceName))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		stock := api.Group("/stock")
		stock.GET("/low-stock", lowStockScan(h.lowStock))
		stock.POST("/bulk-adjust", h.bulkAdjust)
		stock.GET("/:productId", h.getStock)
		stock.PUT("/:productId", h.setTotal)
		stock.DELETE("/:productId", h.removeStock)
		stock.POST("/:productId/provision", h.provision)
		stock.POST("/:productId/restock", h.restock)
		stock.GET("/:productId/movements", h.movements)
		stock.GET("/:productId/verify", h.verify)

		reservations := api.Group("/reservations")
		reservations.POST("", h.reserve)
		reservations.GET("/:orderId", h.getReservation)
		reservations.POST("/:orderId/release", h.release)
		reservations.POST("/:orderId/commit", h.commit)
	}

	return r
}

func (h *LedgerHandler) getStock(c *gin.Context) {
	rec, err := h.ledger.Get(c.Request.Context(), c.Param("productId"))
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, models.NewStockResponse(rec))
}

func (h *LedgerHandler) setTotal(c *gin.Context) {
	var req models.SetTotalRequest
	if !bindJSON(c, &req) {
		return
	}

	rec, err := h.supply.SetTotal(c.Request.Context(), c.Param("productId"), *req.Total, idempotencyKey(c, req.IdempotencyKey))
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, models.NewStockResponse(rec))
}

func (h *LedgerHandler) provision(c *gin.Context) {
	var req models.SetTotalRequest
	if !bindJSON(c, &req) {
		return
	}

	rec, err := h.supply.Provision(c.Request.Context(), c.Param("productId"), *req.Total, idempotencyKey(c, req.IdempotencyKey))
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Created(c, models.NewStockResponse(rec))
}

func (h *LedgerHandler) removeStock(c *gin.Context) {
	productID := c.Param("productId")
	version, err := strconv.ParseInt(c.Query("version"), 10, 64)
	if err != nil || version < 1 {
		Response.ValidationError(c, "version", "A positive version query parameter is required")
		return
	}

	if err := h.ledger.Remove(c.Request.Context(), productID, version); err != nil {
		Response.Error(c, err)
		return
	}
	Response.NoContent(c)
}

func (h *LedgerHandler) restock(c *gin.Context) {
	var req models.RestockRequest
	if !bindJSON(c, &req) {
		return
	}

	rec, err := h.supply.Restock(c.Request.Context(), c.Param("productId"), req.Quantity, req.Supplier, idempotencyKey(c, req.IdempotencyKey))
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, models.NewStockResponse(rec))
}

func (h *LedgerHandler) bulkAdjust(c *gin.Context) {
	var req models.BulkAdjustRequest
	if !bindJSON(c, &req) {
		return
	}

	items := make([]models.BulkItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, models.BulkItem{ProductID: item.ProductID, NewTotal: item.Total})
	}

	result, err := h.supply.BulkAdjust(c.Request.Context(), items, idempotencyKey(c, req.IdempotencyKey))
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, result)
}

func (h *LedgerHandler) movements(c *gin.Context) {
	after, err := queryInt64(c, "after", 0)
	if err != nil || after < 0 {
		Response.ValidationError(c, "after", "after must be a non-negative sequence id")
		return
	}
	limit, ok := pageLimit(c)
	if !ok {
		return
	}

	items, err := h.ledger.Movements(c.Request.Context(), models.MovementFilter{
		ProductID:     c.Param("productId"),
		AfterSequence: after,
		Limit:         limit,
	})
	if err != nil {
		Response.Error(c, err)
		return
	}

	resp := models.MovementsResponse{Items: items, Count: len(items)}
	if len(items) == limit {
		resp.Next = items[len(items)-1].SequenceID
	}
	Response.Success(c, resp)
}

func (h *LedgerHandler) verify(c *gin.Context) {
	report, err := h.ledger.Verify(c.Request.Context(), c.Param("productId"))
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, report)
}

func (h *LedgerHandler) reserve(c *gin.Context) {
	var req models.ReserveRequest
	if !bindJSON(c, &req) {
		return
	}

	key := idempotencyKey(c, req.IdempotencyKey)
	if key == "" {
		Response.ValidationError(c, "idempotency_key", "Idempotency key is required")
		return
	}

	lines := make([]models.ReservationLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, models.ReservationLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	reservation, err := h.reservations.Reserve(c.Request.Context(), req.OrderID, key, lines)
	if err != nil {
		log.Warn().Err(err).Str("order_id", req.OrderID).Msg("Reserve failed")
		Response.Error(c, err)
		return
	}
	Response.Created(c, reservation)
}

func (h *LedgerHandler) getReservation(c *gin.Context) {
	reservation, err := h.reservations.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, reservation)
}

func (h *LedgerHandler) release(c *gin.Context) {
	reservation, err := h.reservations.Release(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, reservation)
}

func (h *LedgerHandler) commit(c *gin.Context) {
	reservation, err := h.reservations.Commit(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		Response.Error(c, err)
		return
	}
	Response.Success(c, reservation)
}

// lowStockScan serves one page of the low-stock scan. The threshold defaults
// to the configured one.
func lowStockScan(scanner LowStockPager) gin.HandlerFunc {
	return func(c *gin.Context) {
		threshold, err := queryInt64(c, "threshold", scanner.DefaultThreshold())
		if err != nil {
			Response.ValidationError(c, "threshold", "threshold must be an integer")
			return
		}
		limit, ok := pageLimit(c)
		if !ok {
			return
		}

		records, next, err := scanner.Page(c.Request.Context(), threshold, c.Query("after"), limit)
		if err != nil {
			Response.Error(c, err)
			return
		}

		items := make([]models.StockResponse, 0, len(records))
		for i := range records {
			items = append(items, *models.NewStockResponse(&records[i]))
		}
		Response.Success(c, models.LowStockResponse{
			Items:     items,
			Count:     len(items),
			Threshold: threshold,
			Next:      next,
		})
	}
}

func healthCheck(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": service,
		})
	}
}

func queryInt64(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func pageLimit(c *gin.Context) (int, bool) {
	limit, err := queryInt64(c, "limit", defaultPageLimit)
	if err != nil || limit < 1 || limit > maxPageLimit {
		Response.ValidationError(c, "limit", "limit must be between 1 and "+strconv.Itoa(maxPageLimit))
		return 0, false
	}
	return int(limit), true
}
