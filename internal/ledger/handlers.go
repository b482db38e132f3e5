package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for ledger queries and admin deposits.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/parties/:address/balance", h.GetBalance)
	r.GET("/parties/:address/ledger", h.GetHistory)
	r.GET("/escrows/:id/custody", h.GetCustody)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/deposits", h.RecordDeposit)
	r.GET("/admin/reconcile", h.Reconcile)
}

// GetBalance handles GET /parties/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be 0x + 40 hex chars",
		})
		return
	}

	acct, err := h.ledger.GetBalance(c.Request.Context(), address)
	if errors.Is(err, ErrAccountNotFound) {
		// Unknown parties simply have a zero balance.
		c.JSON(http.StatusOK, gin.H{"balance": zeroAccount(validation.SanitizeAddress(address))})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": acct})
}

// GetHistory handles GET /parties/:address/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	address := c.Param("address")
	if !validation.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be 0x + 40 hex chars",
		})
		return
	}

	entries, err := h.ledger.History(c.Request.Context(), address, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetCustody handles GET /escrows/:id/custody — the funds currently held for
// a contract, or the retained fee once it has resolved.
func (h *Handler) GetCustody(c *gin.Context) {
	id := c.Param("id")

	acct, err := h.ledger.CustodyBalance(c.Request.Context(), id)
	if errors.Is(err, ErrAccountNotFound) {
		c.JSON(http.StatusOK, gin.H{"custody": zeroAccount(CustodyKey(id))})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve custody balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"custody": acct})
}

// DepositRequest credits a party's account (admin use — value enters the
// system here in place of external asset rails).
type DepositRequest struct {
	Address   string `json:"address" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// RecordDeposit handles POST /admin/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be 0x + 40 hex chars",
		})
		return
	}

	if err := h.ledger.Deposit(c.Request.Context(), req.Address, req.Amount, req.Reference); err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive decimal number",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_error",
			"message": "Failed to record deposit",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":  "credited",
		"message": "Deposit credited to party balance",
	})
}

// Reconcile handles GET /admin/reconcile — replays every account's journal
// and reports whether tracked balances match.
func (h *Handler) Reconcile(c *gin.Context) {
	if err := h.ledger.Reconcile(c.Request.Context()); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "reconciliation_mismatch",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "balanced"})
}

func zeroAccount(key string) *Account {
	return &Account{
		Key:       key,
		Available: "0.000000",
		TotalIn:   "0.000000",
		TotalOut:  "0.000000",
	}
}
