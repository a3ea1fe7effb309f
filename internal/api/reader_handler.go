package api

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"stock-ledger/internal/interfaces"
)

// ReaderHandler handles HTTP requests for read operations (Reader Service)
type ReaderHandler struct {
	reader      interfaces.StockReader
	lowStock    LowStockPager
	serviceName string
}

// NewReaderHandler creates a new Reader API handler
func NewReaderHandler(reader interfaces.StockReader, lowStock LowStockPager, serviceName string) *ReaderHandler {
	return &ReaderHandler{reader: reader, lowStock: lowStock, serviceName: serviceName}
}

// SetupReaderRoutes sets up the HTTP routes for Reader Service
func (h *ReaderHandler) SetupReaderRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(ErrorHandlerMiddleware())
	r.Use(CORSMiddleware("GET, OPTIONS"))

	r.GET("/health", healthCheck(h.serviceName))

	api := r.Group("/api/v1")
	{
		api.GET("/stock/low-stock", lowStockScan(h.lowStock))
		api.GET("/stock/:productId/availability", h.getAvailability)
	}

	return r
}

// getAvailability serves availability from the cache, falling back to the ledger
func (h *ReaderHandler) getAvailability(c *gin.Context) {
	productID := c.Param("productId")

	availability, err := h.reader.GetAvailability(c.Request.Context(), productID)
	if err != nil {
		log.Error().Err(err).Str("product_id", productID).Msg("Failed to get availability")
		Response.Error(c, err)
		return
	}

	Response.Success(c, availability)
}
