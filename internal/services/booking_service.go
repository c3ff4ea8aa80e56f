package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/techvisa/expert-marketplace-backend/internal/config"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
)

// BookingService orchestrates the booking lifecycle from request through
// assignment, payment, rescheduling, cancellation and completion
type BookingService struct {
	bookingRepo *database.BookingRepository
	expertRepo  *database.ExpertRepository
	assignment  *AssignmentService
	payments    *PaymentService
	earnings    *EarningsService
	notifier    Notifier
	cfg         *config.BookingConfig
	location    *time.Location
	logger      *logrus.Logger
}

// NewBookingService creates a new BookingService
func NewBookingService(
	bookingRepo *database.BookingRepository,
	expertRepo *database.ExpertRepository,
	assignment *AssignmentService,
	payments *PaymentService,
	earnings *EarningsService,
	notifier Notifier,
	cfg *config.BookingConfig,
	location *time.Location,
	logger *logrus.Logger,
) *BookingService {
	return &BookingService{
		bookingRepo: bookingRepo,
		expertRepo:  expertRepo,
		assignment:  assignment,
		payments:    payments,
		earnings:    earnings,
		notifier:    notifier,
		cfg:         cfg,
		location:    location,
		logger:      logger,
	}
}

// CreateBookingResult is returned to the client after a booking request
type CreateBookingResult struct {
	Booking      *models.Booking `json:"booking"`
	ExpertName   string          `json:"expert_name"`
	ClientSecret string          `json:"client_secret"`
}

// CreateBooking records a consultation request, assigns an expert and opens
// the payment intent the client must complete. The booking holds the slot in
// pending_payment until the charge succeeds.
func (s *BookingService) CreateBooking(ctx context.Context, req *models.CreateBookingRequest) (*CreateBookingResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	duration := req.DurationMinutes
	if duration == 0 {
		duration = s.cfg.DefaultDurationMinutes
	}

	booking := &models.Booking{
		ID:              uuid.New(),
		UserID:          req.UserID,
		ClientName:      req.ClientName,
		ClientEmail:     req.ClientEmail,
		ClientPhone:     req.ClientPhone,
		ExpertiseNeeded: req.ExpertiseNeeded,
		ScheduledDate:   req.ScheduledDate,
		ScheduledTime:   req.ScheduledTime,
		DurationMinutes: duration,
		ConsultationFee: s.cfg.DefaultFee,
		Status:          models.BookingStatusPendingAssignment,
	}

	if err := s.bookingRepo.Create(booking); err != nil {
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	expert, err := s.assignment.AssignExpert(booking)
	if err != nil {
		reason := err.Error()
		if cancelErr := s.bookingRepo.Cancel(booking.ID, "system", &reason); cancelErr != nil {
			s.logger.WithError(cancelErr).WithField("booking_id", booking.ID).
				Error("Failed to cancel unassignable booking")
		}
		return nil, err
	}

	// Price from the assigned expert's rate, falling back to the default fee
	if expert.HourlyRate > 0 {
		fee := models.RoundMoney(expert.HourlyRate * float64(duration) / 60)
		if fee > 0 && fee != booking.ConsultationFee {
			if err := s.bookingRepo.UpdateFee(booking.ID, fee); err != nil {
				s.logger.WithError(err).WithField("booking_id", booking.ID).
					Error("Failed to set consultation fee from expert rate")
			} else {
				booking.ConsultationFee = fee
			}
		}
	}

	intent, err := s.payments.CreateCharge(ctx, booking)
	if err != nil {
		reason := "payment setup failed"
		if cancelErr := s.bookingRepo.Cancel(booking.ID, "system", &reason); cancelErr != nil {
			s.logger.WithError(cancelErr).WithField("booking_id", booking.ID).
				Error("Failed to cancel unchargeable booking")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"expert_id":  expert.ID,
		"fee":        booking.ConsultationFee,
	}).Info("Booking created and awaiting payment")

	return &CreateBookingResult{
		Booking:      booking,
		ExpertName:   expert.FullName(),
		ClientSecret: intent.ClientSecret,
	}, nil
}

// GetBooking loads a booking by ID
func (s *BookingService) GetBooking(bookingID uuid.UUID) (*models.Booking, error) {
	return s.bookingRepo.GetByID(bookingID)
}

// HandlePaymentSucceeded confirms the booking tied to a succeeded intent.
// Idempotent: a booking already confirmed is left alone.
func (s *BookingService) HandlePaymentSucceeded(ctx context.Context, intentID string) error {
	booking, err := s.bookingRepo.GetByPaymentIntentID(intentID)
	if err != nil {
		return fmt.Errorf("no booking for payment intent %s: %w", intentID, err)
	}

	if booking.Status == models.BookingStatusConfirmed {
		return nil
	}
	if booking.Status != models.BookingStatusPendingPayment {
		return fmt.Errorf("booking %s is %s, cannot confirm payment", booking.ID, booking.Status)
	}

	if err := s.payments.ConfirmCharge(ctx, booking); err != nil {
		return err
	}

	s.notifier.BookingConfirmed(booking)
	return nil
}

// HandlePaymentFailed cancels the booking tied to a failed intent and frees
// the expert's slot
func (s *BookingService) HandlePaymentFailed(ctx context.Context, intentID string) error {
	booking, err := s.bookingRepo.GetByPaymentIntentID(intentID)
	if err != nil {
		return fmt.Errorf("no booking for payment intent %s: %w", intentID, err)
	}

	if booking.Status != models.BookingStatusPendingPayment {
		// Already resolved some other way
		return nil
	}

	reason := "payment failed"
	if err := s.bookingRepo.Cancel(booking.ID, "system", &reason); err != nil {
		return fmt.Errorf("failed to cancel booking after payment failure: %w", err)
	}
	booking.Status = models.BookingStatusCancelled

	s.notifier.BookingCancelled(booking, 0)
	return nil
}

// ExpertCancel handles the assigned expert dropping a booking. The engine
// first tries a replacement at the original time, then the earliest
// alternative slot; only when both fail is the client refunded in full.
func (s *BookingService) ExpertCancel(ctx context.Context, bookingID, expertID uuid.UUID, reason *string) (models.AssignmentOutcome, error) {
	booking, err := s.bookingRepo.GetByID(bookingID)
	if err != nil {
		return "", fmt.Errorf("failed to load booking: %w", err)
	}
	if booking.ExpertID == nil || *booking.ExpertID != expertID {
		return "", fmt.Errorf("booking is not assigned to this expert")
	}
	if booking.Status != models.BookingStatusConfirmed && booking.Status != models.BookingStatusPendingPayment {
		return "", fmt.Errorf("booking %s cannot be cancelled from status %s", booking.ID, booking.Status)
	}

	outcome, _, err := s.assignment.ReassignAfterCancellation(booking, expertID)
	if err != nil {
		return "", err
	}

	switch outcome {
	case models.ReassignedSameTime, models.ReassignedNewTime:
		s.notifier.BookingReassigned(booking, outcome)
		return outcome, nil
	}

	// No replacement anywhere. Cancel and give the full fee back.
	if err := s.bookingRepo.Cancel(booking.ID, "expert", reason); err != nil {
		return "", fmt.Errorf("failed to cancel booking: %w", err)
	}
	booking.Status = models.BookingStatusCancelled

	refunded := 0.0
	if booking.PaymentIntentID != nil && booking.RemainingRefundable() > 0 {
		result, err := s.payments.ProcessRefund(ctx, booking, booking.ConsultationFee, "requested_by_customer")
		if err != nil {
			s.logger.WithError(err).WithField("booking_id", booking.ID).
				Error("Failed to refund after expert cancellation")
		} else {
			refunded = result.Refunded
		}
	}

	s.notifier.BookingCancelled(booking, refunded)
	return models.RefundRequired, nil
}

// ClientCancel cancels a booking at the client's request with a full refund
func (s *BookingService) ClientCancel(ctx context.Context, bookingID uuid.UUID, reason *string) error {
	booking, err := s.bookingRepo.GetByID(bookingID)
	if err != nil {
		return fmt.Errorf("failed to load booking: %w", err)
	}
	if !models.CanTransition(booking.Status, models.BookingStatusCancelled) {
		return fmt.Errorf("booking %s cannot be cancelled from status %s", booking.ID, booking.Status)
	}

	if err := s.bookingRepo.Cancel(booking.ID, "client", reason); err != nil {
		return fmt.Errorf("failed to cancel booking: %w", err)
	}
	booking.Status = models.BookingStatusCancelled

	refunded := 0.0
	if booking.PaymentIntentID != nil && booking.RemainingRefundable() > 0 {
		result, err := s.payments.ProcessRefund(ctx, booking, booking.ConsultationFee, "requested_by_customer")
		if err != nil {
			s.logger.WithError(err).WithField("booking_id", booking.ID).
				Error("Failed to refund after client cancellation")
		} else {
			refunded = result.Refunded
		}
	}

	s.notifier.BookingCancelled(booking, refunded)
	return nil
}

// ConfirmReassignment acknowledges a reassigned time on the client's behalf
func (s *BookingService) ConfirmReassignment(bookingID uuid.UUID) error {
	return s.bookingRepo.ConfirmNewTime(bookingID)
}

// RequestReschedule moves a booking to a new time. The cap counts completed
// reschedules: once it is reached the next request cancels the booking and
// refunds half the fee.
func (s *BookingService) RequestReschedule(ctx context.Context, bookingID uuid.UUID, req *models.RescheduleRequest) (*models.Booking, error) {
	booking, err := s.bookingRepo.GetByID(bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	if booking.Status != models.BookingStatusConfirmed {
		return nil, fmt.Errorf("only confirmed bookings can be rescheduled")
	}
	if _, err := time.ParseInLocation("2006-01-02 15:04", req.ScheduledDate+" "+req.ScheduledTime, s.location); err != nil {
		return nil, fmt.Errorf("invalid reschedule date/time: %w", err)
	}

	if booking.RescheduleCount >= s.cfg.MaxReschedules {
		refundAmount := models.RoundMoney(booking.ConsultationFee * s.cfg.RescheduleRefundRate)
		reason := fmt.Sprintf("reschedule limit of %d exceeded", s.cfg.MaxReschedules)

		if err := s.bookingRepo.Cancel(booking.ID, "system", &reason); err != nil {
			return nil, fmt.Errorf("failed to cancel over-rescheduled booking: %w", err)
		}
		booking.Status = models.BookingStatusCancelled

		refunded := 0.0
		if booking.PaymentIntentID != nil && refundAmount > 0 {
			result, err := s.payments.ProcessRefund(ctx, booking, refundAmount, "requested_by_customer")
			if err != nil {
				s.logger.WithError(err).WithField("booking_id", booking.ID).
					Error("Failed to refund after reschedule limit cancellation")
			} else {
				refunded = result.Refunded
			}
		}

		s.notifier.BookingCancelled(booking, refunded)
		return booking, fmt.Errorf("reschedule limit reached, booking cancelled with %.0f%% refund",
			s.cfg.RescheduleRefundRate*100)
	}

	if booking.ExpertID == nil {
		return nil, fmt.Errorf("booking has no assigned expert")
	}
	expert, err := s.expertRepo.GetByID(*booking.ExpertID)
	if err != nil {
		return nil, fmt.Errorf("failed to load expert: %w", err)
	}

	available, err := s.assignment.IsExpertAvailable(expert, req.ScheduledDate, req.ScheduledTime, booking.DurationMinutes, &booking.ID)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, fmt.Errorf("expert is not available at the requested time")
	}

	if err := s.bookingRepo.Reschedule(booking.ID, req.ScheduledDate, req.ScheduledTime); err != nil {
		return nil, fmt.Errorf("failed to reschedule booking: %w", err)
	}
	booking.ScheduledDate = req.ScheduledDate
	booking.ScheduledTime = req.ScheduledTime
	booking.RescheduleCount++

	s.logger.WithFields(logrus.Fields{
		"booking_id":       booking.ID,
		"new_date":         req.ScheduledDate,
		"new_time":         req.ScheduledTime,
		"reschedule_count": booking.RescheduleCount,
	}).Info("Booking rescheduled")

	return booking, nil
}

// MarkCompleted finishes a session and accrues the expert's earning. The
// session must already have ended; a booking cannot be completed ahead of
// its scheduled slot.
func (s *BookingService) MarkCompleted(ctx context.Context, bookingID, expertID uuid.UUID, notes *string, now time.Time) error {
	booking, err := s.bookingRepo.GetByID(bookingID)
	if err != nil {
		return fmt.Errorf("failed to load booking: %w", err)
	}
	if booking.ExpertID == nil || *booking.ExpertID != expertID {
		return fmt.Errorf("booking is not assigned to this expert")
	}

	sessionEnd, err := booking.SessionEnd(s.location)
	if err != nil {
		return err
	}
	if now.Before(sessionEnd) {
		return fmt.Errorf("bookings can only be completed after the scheduled session has ended")
	}

	return s.complete(ctx, booking, notes)
}

// complete is the shared completion path for expert action and cron sweeps
func (s *BookingService) complete(ctx context.Context, booking *models.Booking, notes *string) error {
	if err := s.bookingRepo.Complete(booking.ID, notes); err != nil {
		return err
	}
	booking.Status = models.BookingStatusCompleted

	if _, err := s.earnings.AccrueForBooking(ctx, booking); err != nil {
		s.logger.WithError(err).WithField("booking_id", booking.ID).
			Error("Failed to accrue earning for completed booking")
	}

	s.notifier.BookingCompleted(booking)
	return nil
}

// AutoComplete completes a booking from the cron sweep
func (s *BookingService) AutoComplete(ctx context.Context, booking *models.Booking) error {
	return s.complete(ctx, booking, nil)
}

// RateBooking stores the client's rating and refreshes the expert's
// aggregate
func (s *BookingService) RateBooking(bookingID uuid.UUID, rating float64) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5")
	}

	booking, err := s.bookingRepo.GetByID(bookingID)
	if err != nil {
		return fmt.Errorf("failed to load booking: %w", err)
	}
	if booking.Status != models.BookingStatusCompleted {
		return fmt.Errorf("only completed bookings can be rated")
	}
	if booking.ExpertID == nil {
		return fmt.Errorf("booking has no assigned expert")
	}

	if err := s.bookingRepo.RateBooking(bookingID, rating); err != nil {
		return err
	}

	if err := s.earnings.RecalculateRating(*booking.ExpertID); err != nil {
		s.logger.WithError(err).WithField("expert_id", *booking.ExpertID).
			Error("Failed to recalculate expert rating")
	}

	return nil
}

// RecalculateEarnings re-derives the earning row for a booking after its
// refund state changed outside the normal refund path
func (s *BookingService) RecalculateEarnings(ctx context.Context, bookingID uuid.UUID) error {
	return s.earnings.RecalculateForBooking(ctx, bookingID)
}
