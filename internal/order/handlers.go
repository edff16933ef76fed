package order

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/winvest/trading-core/pkg/middleware"
	"github.com/winvest/trading-core/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to create new orders.
// Requires a valid JWT token and idempotency key in headers.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ord, err := h.service.Create(c.Request.Context(), userID, req, idempotencyKey)
		response.Handle(c, ord, err)
	}
}

// GetOrderHandler handles GET requests for a single order.
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		ord, err := h.service.GetOrder(orderID, userID)
		response.Handle(c, ord, err)
	}
}

// ListOrdersHandler handles GET requests for the caller's order history.
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		orders, err := h.service.ListOrders(userID, limit)
		response.Handle(c, orders, err)
	}
}

// CancelOrderHandler handles POST requests to cancel an open order.
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		ord, err := h.service.Cancel(c.Request.Context(), orderID, userID)
		response.Handle(c, ord, err)
	}
}
