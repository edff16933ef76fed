package wallet

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/winvest/trading-core/pkg/middleware"
	"github.com/winvest/trading-core/pkg/response"
)

// GinHandlers contains HTTP handlers for wallet endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type movementRequest struct {
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	ReferenceID string          `json:"reference_id"`
	Method      string          `json:"method" binding:"required"`
}

type confirmationRequest struct {
	ReferenceID string `json:"reference_id" binding:"required"`
	Reason      string `json:"reason"`
}

// GetWalletHandler handles GET requests for the caller's wallet.
func (h *GinHandlers) GetWalletHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		wallet, err := h.service.GetWallet(userID)
		response.Handle(c, wallet, err)
	}
}

// GetTransactionsHandler handles GET requests for the caller's transaction
// history. Query parameter: limit (default 50, max 200).
func (h *GinHandlers) GetTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		transactions, err := h.service.GetTransactions(userID, limit)
		response.Handle(c, transactions, err)
	}
}

// GetLocksHandler handles GET requests for the caller's active funds locks.
func (h *GinHandlers) GetLocksHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		locks, err := h.service.GetActiveLocks(userID)
		response.Handle(c, locks, err)
	}
}

// DepositHandler handles POST requests to start a deposit. The transaction
// stays PENDING until the gateway confirmation arrives; ReferenceID in the
// body deduplicates retried requests.
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var req movementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		record, err := h.service.InitiateDeposit(c.Request.Context(), userID, req.Amount, req.ReferenceID, req.Method)
		response.Handle(c, record, err)
	}
}

// ConfirmDepositHandler completes a pending deposit after the payment
// gateway reports success.
func (h *GinHandlers) ConfirmDepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req confirmationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		record, err := h.service.ConfirmDeposit(c.Request.Context(), req.ReferenceID)
		response.Handle(c, record, err)
	}
}

// WithdrawHandler handles POST requests to start a withdrawal. Locked funds
// are not withdrawable.
func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.UserID(c)
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		var req movementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		record, err := h.service.InitiateWithdrawal(c.Request.Context(), userID, req.Amount, req.ReferenceID, req.Method)
		response.Handle(c, record, err)
	}
}

// ConfirmWithdrawalHandler completes a pending withdrawal and debits the
// wallet.
func (h *GinHandlers) ConfirmWithdrawalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req confirmationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		record, err := h.service.CompleteWithdrawal(c.Request.Context(), req.ReferenceID)
		response.Handle(c, record, err)
	}
}

// CancelTransactionHandler cancels a pending deposit or withdrawal.
func (h *GinHandlers) CancelTransactionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req confirmationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		reason := req.Reason
		if reason == "" {
			reason = "CANCELLED_BY_USER"
		}
		record, err := h.service.CancelTransaction(c.Request.Context(), req.ReferenceID, reason)
		response.Handle(c, record, err)
	}
}
