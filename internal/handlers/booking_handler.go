package handlers

import (
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
	"github.com/techvisa/expert-marketplace-backend/internal/services"
)

// BookingHandler handles client-facing consultation booking operations
type BookingHandler struct {
	bookingService *services.BookingService
	bookingRepo    *database.BookingRepository
	logger         *logrus.Logger
}

// NewBookingHandler creates a new BookingHandler
func NewBookingHandler(
	bookingService *services.BookingService,
	bookingRepo *database.BookingRepository,
	logger *logrus.Logger,
) *BookingHandler {
	return &BookingHandler{
		bookingService: bookingService,
		bookingRepo:    bookingRepo,
		logger:         logger,
	}
}

// CreateBooking creates a new consultation booking
// @Summary Create a consultation booking
// @Description Create a booking, auto-assign an expert and open a payment intent
// @Tags Bookings
// @Accept json
// @Produce json
// @Param request body models.CreateBookingRequest true "Booking request"
// @Success 201 {object} services.CreateBookingResult "Booking created"
// @Failure 400 {object} map[string]interface{} "Invalid request"
// @Failure 409 {object} map[string]interface{} "No expert available"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /api/v1/bookings [post]
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	var req models.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.bookingService.CreateBooking(c.Request.Context(), &req)
	if err != nil {
		if err == services.ErrNoExpertForExpertise || err == services.ErrNoExpertAvailable {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Failed to create booking")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create booking"})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// GetBooking retrieves a booking by ID
// @Summary Get booking details
// @Tags Bookings
// @Produce json
// @Param id path string true "Booking ID"
// @Success 200 {object} models.Booking
// @Failure 404 {object} map[string]interface{} "Booking not found"
// @Router /api/v1/bookings/{id} [get]
func (h *BookingHandler) GetBooking(c *gin.Context) {
	bookingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid booking ID"})
		return
	}

	booking, err := h.bookingService.GetBooking(bookingID)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Booking not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get booking"})
		return
	}

	c.JSON(http.StatusOK, booking)
}

// ListClientBookings lists bookings for a client email
// @Summary List bookings for a client
// @Tags Bookings
// @Produce json
// @Param email query string true "Client email"
// @Success 200 {array} models.Booking
// @Failure 400 {object} map[string]interface{} "Missing email"
// @Router /api/v1/bookings [get]
func (h *BookingHandler) ListClientBookings(c *gin.Context) {
	email := c.Query("email")
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email query parameter is required"})
		return
	}

	bookings, err := h.bookingRepo.ListForClient(email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list bookings"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"bookings": bookings, "count": len(bookings)})
}

// CancelBooking cancels a booking on the client's behalf with a full refund
// @Summary Cancel a booking (client)
// @Tags Bookings
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.CancelBookingRequest false "Cancellation reason"
// @Success 200 {object} map[string]interface{} "Booking cancelled"
// @Failure 400 {object} map[string]interface{} "Invalid state"
// @Failure 404 {object} map[string]interface{} "Booking not found"
// @Router /api/v1/bookings/{id}/cancel [post]
func (h *BookingHandler) CancelBooking(c *gin.Context) {
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

	if err := h.bookingService.ClientCancel(c.Request.Context(), bookingID, req.Reason); err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Booking not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Booking cancelled successfully",
		"booking_id": bookingID,
	})
}

// RequestReschedule moves a confirmed booking to a new slot
// @Summary Reschedule a booking
// @Description Reschedule a confirmed booking; attempts past the limit cancel it with a partial refund
// @Tags Bookings
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.RescheduleRequest true "New date and time"
// @Success 200 {object} models.Booking "Rescheduled booking"
// @Failure 400 {object} map[string]interface{} "Invalid request or slot unavailable"
// @Failure 404 {object} map[string]interface{} "Booking not found"
// @Router /api/v1/bookings/{id}/reschedule [post]
func (h *BookingHandler) RequestReschedule(c *gin.Context) {
	bookingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid booking ID"})
		return
	}

	var req models.RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	booking, err := h.bookingService.RequestReschedule(c.Request.Context(), bookingID, &req)
	if err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": "Booking not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, booking)
}

// ConfirmReassignment accepts a proposed replacement slot after an expert cancellation
// @Summary Confirm a reassigned time slot
// @Tags Bookings
// @Produce json
// @Param id path string true "Booking ID"
// @Success 200 {object} map[string]interface{} "New time confirmed"
// @Failure 400 {object} map[string]interface{} "No pending confirmation"
// @Router /api/v1/bookings/{id}/confirm-time [post]
func (h *BookingHandler) ConfirmReassignment(c *gin.Context) {
	bookingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid booking ID"})
		return
	}

	if err := h.bookingService.ConfirmReassignment(bookingID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "New time confirmed",
		"booking_id": bookingID,
	})
}

// RateBooking records a client rating for a completed consultation
// @Summary Rate a completed booking
// @Tags Bookings
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.RateBookingRequest true "Rating 1-5"
// @Success 200 {object} map[string]interface{} "Rating recorded"
// @Failure 400 {object} map[string]interface{} "Invalid rating or state"
// @Router /api/v1/bookings/{id}/rate [post]
func (h *BookingHandler) RateBooking(c *gin.Context) {
	bookingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid booking ID"})
		return
	}

	var req models.RateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.bookingService.RateBooking(bookingID, req.Rating); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":    "Rating recorded",
		"booking_id": bookingID,
	})
}
