package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/feepolicy"
	"github.com/mbd888/escrowd/internal/validation"
)

// PartyHeader carries the caller's asserted party address. The platform's
// session auth is out of scope; handlers check the assertion against the
// contract's fixed parties.
const PartyHeader = "X-Party-Address"

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateContract)
	r.GET("/escrows/:id", h.GetContract)
	r.GET("/escrows/:id/milestones", h.ListMilestones)
	r.GET("/parties/:address/escrows", h.ListByParty)

	r.POST("/escrows/:id/deposit", h.Deposit)
	r.POST("/escrows/:id/milestones", h.CreateMilestone)
	r.POST("/escrows/:id/milestones/:index/complete", h.CompleteMilestone)
	r.POST("/escrows/:id/ship", h.MarkShipped)
	r.POST("/escrows/:id/confirm", h.ConfirmDelivery)
	r.POST("/escrows/:id/dispute", h.OpenDispute)
	r.POST("/escrows/:id/dispute/resolve", h.ResolveDispute)
	r.POST("/escrows/:id/refund", h.RefundBuyer)
	r.POST("/escrows/:id/refund/partial", h.PartialRefund)
	r.POST("/escrows/:id/timeout-release", h.TimeoutRelease)
}

func callerAddress(c *gin.Context) string {
	return validation.SanitizeAddress(c.GetHeader(PartyHeader))
}

// respondError maps domain errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrContractNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNotBuyer), errors.Is(err, ErrNotSeller), errors.Is(err, ErrNotArbiter):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrAlreadyFunded),
		errors.Is(err, ErrNotShipped), errors.Is(err, ErrAlreadyShipped),
		errors.Is(err, ErrMilestoneCompleted):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrTimeoutNotReached):
		status, code = http.StatusConflict, "timeout_not_reached"
	case errors.Is(err, ErrReentrantCall):
		status, code = http.StatusConflict, "reentrant_call"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrDepositOutOfRange),
		errors.Is(err, ErrEmptyDescription),
		errors.Is(err, ErrEmptyTracking), errors.Is(err, ErrInvalidParty),
		errors.Is(err, ErrMilestoneIndex), errors.Is(err, ErrTooManyMilestones),
		errors.Is(err, feepolicy.ErrInvalidRate):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrMilestoneOvercommit):
		status, code = http.StatusUnprocessableEntity, "insufficient_balance"
	case errors.Is(err, ErrTransferFailed):
		status, code = http.StatusBadGateway, "transfer_failed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateContract handles POST /v1/escrows
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "seller and arbiter are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("seller", req.Seller),
		validation.ValidAddress("arbiter", req.Arbiter),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	buyer := callerAddress(c)
	if !validation.IsValidAddress(buyer) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": PartyHeader + " header must be a valid address",
		})
		return
	}

	contract, err := h.service.Create(c.Request.Context(), buyer, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": contract})
}

// GetContract handles GET /v1/escrows/:id
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": contract})
}

// ListMilestones handles GET /v1/escrows/:id/milestones
func (h *Handler) ListMilestones(c *gin.Context) {
	milestones, err := h.service.Milestones(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if milestones == nil {
		milestones = []Milestone{}
	}
	c.JSON(http.StatusOK, gin.H{
		"milestones": milestones,
		"count":      len(milestones),
	})
}

// ListByParty handles GET /v1/parties/:address/escrows
func (h *Handler) ListByParty(c *gin.Context) {
	address := c.Param("address")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	contracts, err := h.service.ListByParty(c.Request.Context(), address, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": contracts,
		"count":   len(contracts),
	})
}

// DepositRequest contains the parameters for funding a contract.
type DepositRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Deposit handles POST /v1/escrows/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	contract, receipt, err := h.service.Deposit(c.Request.Context(), c.Param("id"), callerAddress(c), req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract, "receipt": receipt})
}

// MilestoneRequest contains the parameters for creating a milestone.
type MilestoneRequest struct {
	Description string `json:"description" binding:"required"`
	Payment     string `json:"payment" binding:"required"`
}

// CreateMilestone handles POST /v1/escrows/:id/milestones
func (h *Handler) CreateMilestone(c *gin.Context) {
	var req MilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "description and payment are required",
		})
		return
	}

	contract, err := h.service.CreateMilestone(c.Request.Context(), c.Param("id"), callerAddress(c), req.Description, req.Payment)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": contract})
}

// CompleteMilestone handles POST /v1/escrows/:id/milestones/:index/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "milestone index must be an integer",
		})
		return
	}

	contract, receipt, err := h.service.CompleteMilestone(c.Request.Context(), c.Param("id"), callerAddress(c), index)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract, "receipt": receipt})
}

// ShipRequest contains the seller's shipment attestation.
type ShipRequest struct {
	TrackingNumber string `json:"trackingNumber" binding:"required"`
}

// MarkShipped handles POST /v1/escrows/:id/ship
func (h *Handler) MarkShipped(c *gin.Context) {
	var req ShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "trackingNumber is required",
		})
		return
	}

	contract, err := h.service.MarkShipped(c.Request.Context(), c.Param("id"), callerAddress(c), req.TrackingNumber)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract})
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	contract, receipt, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), callerAddress(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract, "receipt": receipt})
}

// DisputeRequest contains the buyer's dispute reason.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// OpenDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	_ = c.ShouldBindJSON(&req) // reason is optional

	contract, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), callerAddress(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract})
}

// ResolveRequest contains an arbiter's award.
type ResolveRequest struct {
	ToBuyer bool   `json:"toBuyer"`
	Amount  string `json:"amount" binding:"required"`
}

// ResolveDispute handles POST /v1/escrows/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	contract, receipt, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), callerAddress(c), req.ToBuyer, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract, "receipt": receipt})
}

// RefundBuyer handles POST /v1/escrows/:id/refund
func (h *Handler) RefundBuyer(c *gin.Context) {
	contract, receipt, err := h.service.RefundBuyer(c.Request.Context(), c.Param("id"), callerAddress(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract, "receipt": receipt})
}

// PartialRefundRequest contains the parameters for a partial refund.
type PartialRefundRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// PartialRefund handles POST /v1/escrows/:id/refund/partial
func (h *Handler) PartialRefund(c *gin.Context) {
	var req PartialRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	contract, receipt, err := h.service.PartialRefund(c.Request.Context(), c.Param("id"), callerAddress(c), req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract, "receipt": receipt})
}

// TimeoutRelease handles POST /v1/escrows/:id/timeout-release
func (h *Handler) TimeoutRelease(c *gin.Context) {
	contract, receipt, err := h.service.TimeoutRelease(c.Request.Context(), c.Param("id"), callerAddress(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": contract, "receipt": receipt})
}
