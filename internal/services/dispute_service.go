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

// DisputeService handles no-show claims: filing, responses, staff resolution
// and the automatic resolution of stale disputes
type DisputeService struct {
	disputeRepo *database.DisputeRepository
	bookingRepo *database.BookingRepository
	payments    *PaymentService
	earnings    *EarningsService
	notifier    Notifier
	cfg         *config.BookingConfig
	location    *time.Location
	logger      *logrus.Logger
}

// NewDisputeService creates a new DisputeService
func NewDisputeService(
	disputeRepo *database.DisputeRepository,
	bookingRepo *database.BookingRepository,
	payments *PaymentService,
	earnings *EarningsService,
	notifier Notifier,
	cfg *config.BookingConfig,
	location *time.Location,
	logger *logrus.Logger,
) *DisputeService {
	return &DisputeService{
		disputeRepo: disputeRepo,
		bookingRepo: bookingRepo,
		payments:    payments,
		earnings:    earnings,
		notifier:    notifier,
		cfg:         cfg,
		location:    location,
		logger:      logger,
	}
}

// FileDispute raises a no-show claim against a confirmed booking whose
// session has ended. Re-filing while a dispute of the same type is still
// open refreshes that dispute's claim instead of opening a second one.
func (s *DisputeService) FileDispute(bookingID uuid.UUID, req *models.FileDisputeRequest, now time.Time) (*models.NoShowDispute, error) {
	switch req.Type {
	case models.DisputeTypeExpertNoShow, models.DisputeTypeClientNoShow:
	default:
		return nil, fmt.Errorf("invalid dispute type: %s", req.Type)
	}
	switch req.FiledBy {
	case models.FiledByClient, models.FiledByExpert:
	default:
		return nil, fmt.Errorf("invalid filing party: %s", req.FiledBy)
	}

	booking, err := s.bookingRepo.GetByID(bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	if booking.Status != models.BookingStatusConfirmed && booking.Status != models.BookingStatusDispute {
		return nil, fmt.Errorf("disputes can only be filed against confirmed bookings")
	}

	sessionEnd, err := booking.SessionEnd(s.location)
	if err != nil {
		return nil, err
	}
	if now.Before(sessionEnd) {
		return nil, fmt.Errorf("disputes can only be filed after the scheduled session has ended")
	}

	existing, err := s.disputeRepo.GetOpenByBookingAndType(bookingID, req.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing disputes: %w", err)
	}
	if existing != nil {
		if err := s.disputeRepo.UpdateFiling(existing.ID, req.Description, req.EvidenceURL); err != nil {
			return nil, fmt.Errorf("failed to update dispute: %w", err)
		}
		if req.Description != nil {
			existing.Description = req.Description
		}
		if req.EvidenceURL != nil {
			existing.EvidenceURL = req.EvidenceURL
		}

		s.logger.WithFields(logrus.Fields{
			"dispute_id": existing.ID,
			"booking_id": bookingID,
			"type":       req.Type,
		}).Info("Open dispute re-filed with an updated claim")
		return existing, nil
	}

	dispute := &models.NoShowDispute{
		BookingID:     bookingID,
		Type:          req.Type,
		FiledBy:       req.FiledBy,
		Status:        models.DisputeStatusOpen,
		Description:   req.Description,
		EvidenceURL:   req.EvidenceURL,
		ReplyDeadline: now.Add(s.cfg.DisputeReplyWindow),
	}
	if err := s.disputeRepo.Create(dispute); err != nil {
		return nil, fmt.Errorf("failed to file dispute: %w", err)
	}

	if err := s.bookingRepo.UpdateStatus(bookingID, models.BookingStatusConfirmed, models.BookingStatusDispute); err != nil {
		s.logger.WithError(err).WithField("booking_id", bookingID).
			Error("Failed to move booking into dispute status")
	}

	s.logger.WithFields(logrus.Fields{
		"dispute_id": dispute.ID,
		"booking_id": bookingID,
		"type":       req.Type,
		"filed_by":   req.FiledBy,
	}).Info("No-show dispute filed")

	s.notifier.DisputeFiled(dispute)
	return dispute, nil
}

// RespondToDispute records the accused party's reply. A reply that arrives
// after the reply deadline is still stored but flagged late; only a closed
// dispute or a second reply is rejected.
func (s *DisputeService) RespondToDispute(disputeID uuid.UUID, req *models.DisputeResponseRequest, now time.Time) error {
	dispute, err := s.disputeRepo.GetByID(disputeID)
	if err != nil {
		return fmt.Errorf("failed to load dispute: %w", err)
	}
	if !dispute.CanRespond() {
		return fmt.Errorf("this dispute is no longer accepting a response")
	}

	late := dispute.ReplyIsLate(now)
	if err := s.disputeRepo.RecordResponse(disputeID, req.Response, req.EvidenceURL, late); err != nil {
		return err
	}

	if late {
		s.logger.WithFields(logrus.Fields{
			"dispute_id":     disputeID,
			"reply_deadline": dispute.ReplyDeadline,
		}).Warn("Dispute reply recorded after the deadline")
	}
	return nil
}

// ResolveDispute settles a dispute by staff decision. The booking's terminal
// state follows the decided refund: a full refund ends it refunded, a
// partial one partially_refunded, and no refund completes the session and
// accrues the expert's earning.
func (s *DisputeService) ResolveDispute(ctx context.Context, disputeID uuid.UUID, req *models.ResolveDisputeRequest, resolvedBy string) error {
	if req.Outcome != models.DisputeStatusResolved && req.Outcome != models.DisputeStatusRejected {
		return fmt.Errorf("outcome must be resolved or rejected")
	}

	dispute, err := s.disputeRepo.GetByID(disputeID)
	if err != nil {
		return fmt.Errorf("failed to load dispute: %w", err)
	}
	if dispute.Status != models.DisputeStatusOpen {
		return fmt.Errorf("dispute is already %s", dispute.Status)
	}

	booking, err := s.bookingRepo.GetByID(dispute.BookingID)
	if err != nil {
		return fmt.Errorf("failed to load booking: %w", err)
	}

	refundAmount := 0.0
	if req.Outcome == models.DisputeStatusResolved && req.RefundAmount != nil {
		refundAmount = models.RoundMoney(*req.RefundAmount)
		if refundAmount < 0 {
			return fmt.Errorf("refund amount cannot be negative")
		}
		if refundAmount > booking.RemainingRefundable() {
			return fmt.Errorf("refund amount exceeds the remaining refundable balance")
		}
	}

	if err := s.disputeRepo.Resolve(disputeID, req.Outcome, &refundAmount, resolvedBy, req.Notes); err != nil {
		return err
	}
	dispute.Status = req.Outcome
	dispute.RefundAmountDecided = &refundAmount

	return s.settle(ctx, dispute, booking, refundAmount)
}

// settle executes the decided outcome against the booking and ledger
func (s *DisputeService) settle(ctx context.Context, dispute *models.NoShowDispute, booking *models.Booking, refundAmount float64) error {
	if refundAmount > 0 {
		result, err := s.payments.ProcessRefund(ctx, booking, refundAmount, "requested_by_customer")
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"dispute_id": dispute.ID,
				"booking_id": booking.ID,
			}).Error("Failed to execute dispute refund")
			return fmt.Errorf("dispute resolved but refund failed: %w", err)
		}
		if err := s.disputeRepo.MarkRefundProcessed(dispute.ID); err != nil {
			s.logger.WithError(err).WithField("dispute_id", dispute.ID).
				Error("Failed to flag dispute refund as processed")
		}
		s.logger.WithFields(logrus.Fields{
			"dispute_id": dispute.ID,
			"booking_id": booking.ID,
			"refunded":   result.Refunded,
			"status":     result.Status,
		}).Info("Dispute settled with refund")
	} else {
		// No refund: the session stands, complete it and credit the expert
		if err := s.bookingRepo.Complete(booking.ID, nil); err != nil {
			s.logger.WithError(err).WithField("booking_id", booking.ID).
				Error("Failed to complete booking after dispute resolution")
		} else {
			booking.Status = models.BookingStatusCompleted
			if _, err := s.earnings.AccrueForBooking(ctx, booking); err != nil {
				s.logger.WithError(err).WithField("booking_id", booking.ID).
					Error("Failed to accrue earning after dispute resolution")
			}
		}
		s.logger.WithFields(logrus.Fields{
			"dispute_id": dispute.ID,
			"booking_id": booking.ID,
		}).Info("Dispute settled without refund")
	}

	s.notifier.DisputeResolved(dispute)
	return nil
}

// AutoResolveStale settles open disputes that have waited longer than three
// business days. Client-filed disputes resolve in the client's favor with a
// full refund; expert-filed client no-shows resolve for the expert.
func (s *DisputeService) AutoResolveStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := subtractBusinessDays(now, 3)

	disputes, err := s.disputeRepo.ListOpenCreatedBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale disputes: %w", err)
	}

	resolved := 0
	for i := range disputes {
		dispute := &disputes[i]

		booking, err := s.bookingRepo.GetByID(dispute.BookingID)
		if err != nil {
			s.logger.WithError(err).WithField("dispute_id", dispute.ID).
				Warn("Skipping stale dispute with unloadable booking")
			continue
		}

		refundAmount := 0.0
		if dispute.FiledBy == models.FiledByClient {
			refundAmount = booking.RemainingRefundable()
		}

		if err := s.disputeRepo.Resolve(dispute.ID, models.DisputeStatusResolved, &refundAmount, "system", nil); err != nil {
			s.logger.WithError(err).WithField("dispute_id", dispute.ID).
				Warn("Failed to auto-resolve dispute")
			continue
		}
		dispute.Status = models.DisputeStatusResolved
		dispute.RefundAmountDecided = &refundAmount

		if err := s.settle(ctx, dispute, booking, refundAmount); err != nil {
			s.logger.WithError(err).WithField("dispute_id", dispute.ID).
				Error("Failed to settle auto-resolved dispute")
			continue
		}
		resolved++
	}

	return resolved, nil
}

// subtractBusinessDays walks back n weekdays from t, skipping weekends
func subtractBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, -1)
		if t.Weekday() != time.Saturday && t.Weekday() != time.Sunday {
			n--
		}
	}
	return t
}
