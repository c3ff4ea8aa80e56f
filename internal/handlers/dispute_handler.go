package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/techvisa/expert-marketplace-backend/internal/middleware"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
	"github.com/techvisa/expert-marketplace-backend/internal/services"
	"github.com/techvisa/expert-marketplace-backend/internal/utils"
)

// DisputeHandler handles no-show dispute operations
type DisputeHandler struct {
	disputeService *services.DisputeService
	auditService   *services.AuditService
	logger         *logrus.Logger
}

// NewDisputeHandler creates a new DisputeHandler
func NewDisputeHandler(
	disputeService *services.DisputeService,
	auditService *services.AuditService,
	logger *logrus.Logger,
) *DisputeHandler {
	return &DisputeHandler{
		disputeService: disputeService,
		auditService:   auditService,
		logger:         logger,
	}
}

// FileDispute files a no-show claim against a booking
// @Summary File a no-show dispute
// @Description File a no-show claim after the session end; moves the booking to dispute
// @Tags Disputes
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.FileDisputeRequest true "Dispute claim"
// @Success 201 {object} models.NoShowDispute
// @Failure 400 {object} map[string]interface{} "Invalid claim"
// @Failure 404 {object} map[string]interface{} "Booking not found"
// @Router /api/v1/bookings/{id}/disputes [post]
func (h *DisputeHandler) FileDispute(c *gin.Context) {
	bookingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid booking ID"})
		return
	}

	var req models.FileDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	dispute, err := h.disputeService.FileDispute(bookingID, &req, time.Now())
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Booking not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, dispute)
}

// RespondToDispute records the accused party's response to an open dispute
// @Summary Respond to a dispute
// @Description Record the respondent's account; late replies are stored and flagged
// @Tags Disputes
// @Accept json
// @Produce json
// @Param id path string true "Dispute ID"
// @Param request body models.DisputeResponseRequest true "Response"
// @Success 200 {object} map[string]interface{} "Response recorded"
// @Failure 400 {object} map[string]interface{} "Dispute closed or already answered"
// @Router /api/v1/disputes/{id}/respond [post]
func (h *DisputeHandler) RespondToDispute(c *gin.Context) {
	disputeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid dispute ID"})
		return
	}

	var req models.DisputeResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.disputeService.RespondToDispute(disputeID, &req, time.Now()); err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Dispute not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Response recorded",
		"dispute_id": disputeID,
	})
}

// ResolveDispute closes a dispute with a staff decision
// @Summary Resolve a dispute (staff)
// @Description Resolve or reject an open dispute, optionally issuing a refund
// @Tags Disputes
// @Accept json
// @Produce json
// @Param id path string true "Dispute ID"
// @Param request body models.ResolveDisputeRequest true "Resolution decision"
// @Success 200 {object} map[string]interface{} "Dispute resolved"
// @Failure 400 {object} map[string]interface{} "Invalid decision"
// @Failure 404 {object} map[string]interface{} "Dispute not found"
// @Security BearerAuth
// @Router /api/v1/admin/disputes/{id}/resolve [post]
func (h *DisputeHandler) ResolveDispute(c *gin.Context) {
	disputeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid dispute ID"})
		return
	}

	var req models.ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	resolvedBy := "staff"
	if expertCtx, exists := middleware.GetExpertContext(c); exists {
		resolvedBy = expertCtx.Email
	}

	if err := h.disputeService.ResolveDispute(c.Request.Context(), disputeID, &req, resolvedBy); err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Dispute not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	refundAmount := 0.0
	if req.RefundAmount != nil {
		refundAmount = *req.RefundAmount
	}
	if auditErr := h.auditService.LogDisputeResolution(disputeID, resolvedBy, string(req.Outcome), refundAmount, utils.GetRealIP(c), utils.GetUserAgent(c)); auditErr != nil {
		h.logger.WithError(auditErr).Warn("Failed to audit dispute resolution")
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Dispute resolved",
		"dispute_id": disputeID,
		"outcome":    req.Outcome,
	})
}
