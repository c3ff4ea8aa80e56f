package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
	"github.com/techvisa/expert-marketplace-backend/internal/middleware"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
	"github.com/techvisa/expert-marketplace-backend/internal/services"
	"github.com/techvisa/expert-marketplace-backend/internal/utils"
)

// ExpertHandler handles expert portal operations
type ExpertHandler struct {
	authService     *services.ExpertAuthService
	bookingService  *services.BookingService
	earningsService *services.EarningsService
	auditService    *services.AuditService
	expertRepo      *database.ExpertRepository
	bookingRepo     *database.BookingRepository
	earningRepo     *database.EarningRepository
	location        *time.Location
	logger          *logrus.Logger
}

// NewExpertHandler creates a new ExpertHandler
func NewExpertHandler(
	authService *services.ExpertAuthService,
	bookingService *services.BookingService,
	earningsService *services.EarningsService,
	auditService *services.AuditService,
	expertRepo *database.ExpertRepository,
	bookingRepo *database.BookingRepository,
	earningRepo *database.EarningRepository,
	location *time.Location,
	logger *logrus.Logger,
) *ExpertHandler {
	return &ExpertHandler{
		authService:     authService,
		bookingService:  bookingService,
		earningsService: earningsService,
		auditService:    auditService,
		expertRepo:      expertRepo,
		bookingRepo:     bookingRepo,
		earningRepo:     earningRepo,
		location:        location,
		logger:          logger,
	}
}

// Login handles expert login requests
// @Summary Expert login
// @Description Authenticate an expert and return access and refresh tokens
// @Tags Experts
// @Accept json
// @Produce json
// @Param request body models.ExpertLoginRequest true "Login credentials"
// @Success 200 {object} models.ExpertLoginResponse
// @Failure 400 {object} map[string]interface{} "Invalid request"
// @Failure 401 {object} map[string]interface{} "Invalid credentials"
// @Router /api/v1/experts/login [post]
func (h *ExpertHandler) Login(c *gin.Context) {
	var req models.ExpertLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	response, err := h.authService.Login(req.Email, req.Password)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"email": req.Email,
			"error": err.Error(),
		}).Warn("Expert login failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	if auditErr := h.auditService.LogLogin(response.ExpertID, utils.GetRealIP(c), utils.GetUserAgent(c), true); auditErr != nil {
		h.logger.WithError(auditErr).Warn("Failed to audit expert login")
	}

	c.JSON(http.StatusOK, response)
}

// RefreshToken issues a new token pair
// @Summary Refresh expert tokens
// @Tags Experts
// @Accept json
// @Produce json
// @Param request body map[string]string true "refresh_token"
// @Success 200 {object} models.ExpertLoginResponse
// @Failure 401 {object} map[string]interface{} "Invalid refresh token"
// @Router /api/v1/experts/refresh [post]
func (h *ExpertHandler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	response, err := h.authService.RefreshToken(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, response)
}

// GetProfile returns the authenticated expert's profile
// @Summary Get expert profile
// @Tags Experts
// @Produce json
// @Success 200 {object} models.Expert
// @Failure 401 {object} map[string]interface{} "Unauthorized"
// @Security BearerAuth
// @Router /api/v1/experts/me [get]
func (h *ExpertHandler) GetProfile(c *gin.Context) {
	expertCtx, exists := middleware.GetExpertContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	expert, err := h.expertRepo.GetByID(expertCtx.ExpertID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Expert not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get profile"})
		return
	}

	c.JSON(http.StatusOK, expert)
}

// GetAvailability returns the expert's weekly availability
// @Summary Get availability
// @Tags Experts
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /api/v1/experts/me/availability [get]
func (h *ExpertHandler) GetAvailability(c *gin.Context) {
	expertCtx, exists := middleware.GetExpertContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	expert, err := h.expertRepo.GetByID(expertCtx.ExpertID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get availability"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"slots": expert.Availability})
}

// UpdateAvailability replaces the expert's weekly availability
// @Summary Update availability
// @Tags Experts
// @Accept json
// @Produce json
// @Param request body models.UpdateAvailabilityRequest true "Weekly slots"
// @Success 200 {object} map[string]interface{} "Availability updated"
// @Failure 400 {object} map[string]interface{} "Invalid slots"
// @Security BearerAuth
// @Router /api/v1/experts/me/availability [put]
func (h *ExpertHandler) UpdateAvailability(c *gin.Context) {
	expertCtx, exists := middleware.GetExpertContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	var req models.UpdateAvailabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := models.ValidateAvailability(req.Slots, h.location); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.expertRepo.UpdateAvailability(expertCtx.ExpertID, req.Slots); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update availability"})
		return
	}

	if auditErr := h.auditService.LogAvailabilityUpdate(expertCtx.ExpertID, utils.GetRealIP(c), utils.GetUserAgent(c), len(req.Slots)); auditErr != nil {
		h.logger.WithError(auditErr).Warn("Failed to audit availability update")
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Availability updated",
		"slot_count": len(req.Slots),
	})
}

// ListBookings lists the expert's bookings
// @Summary List expert bookings
// @Tags Experts
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /api/v1/experts/me/bookings [get]
func (h *ExpertHandler) ListBookings(c *gin.Context) {
	expertCtx, exists := middleware.GetExpertContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	bookings, err := h.bookingRepo.ListForExpert(expertCtx.ExpertID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list bookings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"bookings": bookings, "count": len(bookings)})
}

// CancelBooking cancels one of the expert's held bookings and triggers reassignment
// @Summary Cancel a booking (expert)
// @Description Cancel a held booking; the platform reassigns or refunds the client
// @Tags Experts
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.CancelBookingRequest false "Cancellation reason"
// @Success 200 {object} map[string]interface{} "Outcome of the reassignment attempt"
// @Failure 400 {object} map[string]interface{} "Invalid state"
// @Failure 404 {object} map[string]interface{} "Booking not found"
// @Security BearerAuth
// @Router /api/v1/experts/me/bookings/{id}/cancel [post]
func (h *ExpertHandler) CancelBooking(c *gin.Context) {
	expertCtx, exists := middleware.GetExpertContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	bookingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid booking ID"})
		return
	}

	var req models.CancelBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	outcome, err := h.bookingService.ExpertCancel(c.Request.Context(), bookingID, expertCtx.ExpertID, req.Reason)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Booking not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Cancellation processed",
		"booking_id": bookingID,
		"outcome":    outcome,
	})
}

// CompleteBooking marks one of the expert's confirmed bookings as completed
// @Summary Complete a booking
// @Tags Experts
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.CompleteBookingRequest false "Completion notes"
// @Success 200 {object} map[string]interface{} "Booking completed"
// @Failure 400 {object} map[string]interface{} "Invalid state"
// @Security BearerAuth
// @Router /api/v1/experts/me/bookings/{id}/complete [post]
func (h *ExpertHandler) CompleteBooking(c *gin.Context) {
	expertCtx, exists := middleware.GetExpertContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	bookingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid booking ID"})
		return
	}

	var req models.CompleteBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.bookingService.MarkCompleted(c.Request.Context(), bookingID, expertCtx.ExpertID, req.Notes, time.Now()); err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Booking not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Booking completed",
		"booking_id": bookingID,
	})
}

// ListEarnings lists the expert's earnings ledger
// @Summary List expert earnings
// @Tags Experts
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Security BearerAuth
// @Router /api/v1/experts/me/earnings [get]
func (h *ExpertHandler) ListEarnings(c *gin.Context) {
	expertCtx, exists := middleware.GetExpertContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	earnings, err := h.earningRepo.ListForExpert(expertCtx.ExpertID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list earnings"})
		return
	}

	pending, err := h.earningRepo.SumPendingForExpert(expertCtx.ExpertID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sum pending earnings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"earnings":       earnings,
		"count":          len(earnings),
		"pending_amount": pending,
	})
}

// RequestInstantPayout pays out all pending earnings immediately for a flat fee
// @Summary Request an instant payout
// @Tags Experts
// @Produce json
// @Success 200 {object} models.PayoutResult
// @Failure 400 {object} map[string]interface{} "Nothing to pay out or payouts disabled"
// @Security BearerAuth
// @Router /api/v1/experts/me/payouts/instant [post]
func (h *ExpertHandler) RequestInstantPayout(c *gin.Context) {
	expertCtx, exists := middleware.GetExpertContext(c)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	result, err := h.earningsService.RequestInstantPayout(c.Request.Context(), expertCtx.ExpertID)
	if err != nil {
		if auditErr := h.auditService.LogInstantPayoutRequest(expertCtx.ExpertID, utils.GetRealIP(c), utils.GetUserAgent(c), false, 0); auditErr != nil {
			h.logger.WithError(auditErr).Warn("Failed to audit instant payout request")
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if auditErr := h.auditService.LogInstantPayoutRequest(expertCtx.ExpertID, utils.GetRealIP(c), utils.GetUserAgent(c), true, result.NetAmount); auditErr != nil {
		h.logger.WithError(auditErr).Warn("Failed to audit instant payout request")
	}

	c.JSON(http.StatusOK, result)
}
