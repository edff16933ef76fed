package trade

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/winvest/trading-core/pkg/middleware"
	"github.com/winvest/trading-core/pkg/response"
)

// GinHandlers contains HTTP handlers for trade endpoints. Trades are
// read-only over HTTP; their lifecycle is driven entirely by saga events.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListTradesHandler handles GET requests for the caller's trades.
func (h *GinHandlers) ListTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		trades, err := h.service.ListTrades(userID, limit)
		response.Handle(c, trades, err)
	}
}

// GetTradeHandler handles GET requests for one trade with its fills.
// URL parameter: trade_id
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		tradeID := c.Param("trade_id")
		trade, err := h.service.GetTrade(tradeID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		if trade.UserID != userID {
			response.NotFound(c, "Trade not found")
			return
		}

		fills, err := h.service.ListFills(tradeID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"trade": trade, "fills": fills})
	}
}
