package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
)

// StripeAPI is the gateway surface the payment service depends on
type StripeAPI interface {
	CreatePaymentIntent(params *CreatePaymentIntentParams) (*StripePaymentIntent, error)
	RetrievePaymentIntent(intentID string) (*StripePaymentIntent, error)
	CreateRefund(params *CreateRefundParams) (*StripeRefund, error)
	CreateTransfer(params *CreateTransferParams) (*StripeTransfer, error)
	GetAccount(accountID string) (*StripeAccount, error)
}

// EarningsRecalculator recomputes the expert's earning for a booking after
// its refund state changes
type EarningsRecalculator interface {
	RecalculateForBooking(ctx context.Context, bookingID uuid.UUID) error
}

// PaymentService owns the money side of the booking lifecycle: charging
// clients, refunding them, and keeping the local ledger reconciled with the
// provider
type PaymentService struct {
	bookingRepo *database.BookingRepository
	auditRepo   *database.PaymentAuditRepository
	stripe      StripeAPI
	earnings    EarningsRecalculator
	logger      *logrus.Logger
}

// NewPaymentService creates a new PaymentService
func NewPaymentService(
	bookingRepo *database.BookingRepository,
	auditRepo *database.PaymentAuditRepository,
	stripe StripeAPI,
	earnings EarningsRecalculator,
	logger *logrus.Logger,
) *PaymentService {
	return &PaymentService{
		bookingRepo: bookingRepo,
		auditRepo:   auditRepo,
		stripe:      stripe,
		earnings:    earnings,
		logger:      logger,
	}
}

// CreateCharge opens a payment intent for the booking fee and attaches it to
// the booking. The booking stays in pending_payment until the provider
// confirms the charge.
func (s *PaymentService) CreateCharge(ctx context.Context, booking *models.Booking) (*StripePaymentIntent, error) {
	if booking.Status != models.BookingStatusPendingPayment {
		return nil, fmt.Errorf("booking %s is not awaiting payment", booking.ID)
	}
	if booking.PaymentIntentID != nil {
		// Reuse the existing intent rather than double charging
		return s.stripe.RetrievePaymentIntent(*booking.PaymentIntentID)
	}

	audit := models.NewPaymentAudit(models.PaymentEventChargeInitiated, models.PaymentSourceBackend).
		SetBooking(booking.ID)
	audit.SetAmounts(booking.ConsultationFee, booking.ConsultationFee, "gbp")

	intent, err := s.stripe.CreatePaymentIntent(&CreatePaymentIntentParams{
		AmountPence:    models.ToPence(booking.ConsultationFee),
		Description:    fmt.Sprintf("Consultation %s", booking.ID),
		ReceiptEmail:   booking.ClientEmail,
		BookingID:      booking.ID.String(),
		IdempotencyKey: fmt.Sprintf("charge-%s", booking.ID),
	})
	if err != nil {
		audit.SetError(err.Error(), nil)
		if logErr := s.auditRepo.Log(ctx, audit); logErr != nil {
			s.logger.WithError(logErr).Error("Failed to audit charge failure")
		}
		return nil, fmt.Errorf("failed to create charge: %w", err)
	}

	if err := s.bookingRepo.SetPaymentIntent(booking.ID, intent.ID); err != nil {
		return nil, fmt.Errorf("failed to attach payment intent: %w", err)
	}
	booking.PaymentIntentID = &intent.ID

	audit.SetPaymentIntent(intent.ID).SetPaymentStatus(intent.Status)
	if err := s.auditRepo.Log(ctx, audit); err != nil {
		s.logger.WithError(err).Error("Failed to audit charge creation")
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":        booking.ID,
		"payment_intent_id": intent.ID,
	}).Info("Payment intent created for booking")

	return intent, nil
}

// ConfirmCharge verifies against the provider that the intent succeeded and
// for the right amount, then moves the booking to confirmed
func (s *PaymentService) ConfirmCharge(ctx context.Context, booking *models.Booking) error {
	if booking.PaymentIntentID == nil {
		return fmt.Errorf("booking %s has no payment intent", booking.ID)
	}

	intent, err := s.stripe.RetrievePaymentIntent(*booking.PaymentIntentID)
	if err != nil {
		return fmt.Errorf("failed to verify payment: %w", err)
	}

	audit := models.NewPaymentAudit(models.PaymentEventSuccess, models.PaymentSourceStripeAPI).
		SetBooking(booking.ID).
		SetPaymentIntent(intent.ID).
		SetPaymentStatus(intent.Status)

	if intent.Status != "succeeded" {
		audit.EventType = models.PaymentEventFailed
		if logErr := s.auditRepo.Log(ctx, audit); logErr != nil {
			s.logger.WithError(logErr).Error("Failed to audit payment verification")
		}
		return fmt.Errorf("payment intent %s is %s, not succeeded", intent.ID, intent.Status)
	}

	if !audit.SetAmounts(booking.ConsultationFee, models.FromPence(intent.AmountReceived), "gbp") {
		audit.EventType = models.PaymentEventError
		if logErr := s.auditRepo.Log(ctx, audit); logErr != nil {
			s.logger.WithError(logErr).Error("Failed to audit amount mismatch")
		}
		return fmt.Errorf("payment amount mismatch: expected %.2f, received %.2f",
			booking.ConsultationFee, models.FromPence(intent.AmountReceived))
	}

	if err := s.bookingRepo.ConfirmPayment(booking.ID, intent.LatestCharge); err != nil {
		return fmt.Errorf("failed to confirm booking: %w", err)
	}
	booking.Status = models.BookingStatusConfirmed
	booking.ChargeID = &intent.LatestCharge

	if err := s.auditRepo.Log(ctx, audit); err != nil {
		s.logger.WithError(err).Error("Failed to audit payment confirmation")
	}

	return nil
}

// RefundResult summarizes the outcome of a refund request
type RefundResult struct {
	RefundID      string               `json:"refund_id,omitempty"`
	Refunded      float64              `json:"refunded"`
	TotalRefunded float64              `json:"total_refunded"`
	Status        models.BookingStatus `json:"status"`
	Reconciled    bool                 `json:"reconciled"`
	NoOp          bool                 `json:"no_op"`
}

// ProcessRefund refunds up to the booking's remaining refundable amount.
// The requested amount is clamped against what has already been refunded, a
// fully refunded booking is a successful no-op, and a provider report that
// the charge was already refunded is reconciled locally rather than treated
// as a failure. Every path that changes refund state recomputes the expert's
// earning.
func (s *PaymentService) ProcessRefund(ctx context.Context, booking *models.Booking, requested float64, reason string) (*RefundResult, error) {
	if booking.PaymentIntentID == nil {
		return nil, fmt.Errorf("booking %s has no payment to refund", booking.ID)
	}
	if requested <= 0 {
		return nil, fmt.Errorf("refund amount must be positive")
	}
	if reason != "" && !ValidRefundReasons[reason] {
		return nil, fmt.Errorf("invalid refund reason: %s", reason)
	}

	amount := models.RoundMoney(requested)
	if remaining := booking.RemainingRefundable(); amount > remaining {
		amount = remaining
	}

	// Everything already refunded. Confirm locally and succeed without a
	// provider call.
	if amount <= 0 {
		s.logger.WithFields(logrus.Fields{
			"booking_id": booking.ID,
			"requested":  requested,
		}).Info("Refund request against fully refunded booking, no-op")
		return &RefundResult{
			TotalRefunded: booking.RefundAmount,
			Status:        booking.StatusAfterRefund(),
			NoOp:          true,
		}, nil
	}

	audit := models.NewPaymentAudit(models.PaymentEventRefundInitiated, models.PaymentSourceBackend).
		SetBooking(booking.ID).
		SetPaymentIntent(*booking.PaymentIntentID)
	audit.SetAmounts(amount, amount, "gbp")
	if err := s.auditRepo.Log(ctx, audit); err != nil {
		s.logger.WithError(err).Error("Failed to audit refund initiation")
	}

	refund, err := s.stripe.CreateRefund(&CreateRefundParams{
		PaymentIntentID: *booking.PaymentIntentID,
		AmountPence:     models.ToPence(amount),
		Reason:          reason,
		IdempotencyKey:  fmt.Sprintf("refund-%s-%d", booking.ID, models.ToPence(booking.RefundAmount+amount)),
	})

	if err != nil {
		if IsChargeAlreadyRefunded(err) {
			// The provider is the source of truth: it holds the charge as
			// fully refunded, so bring the local record up to match.
			return s.reconcileFullRefund(ctx, booking)
		}

		failAudit := models.NewPaymentAudit(models.PaymentEventError, models.PaymentSourceStripeAPI).
			SetBooking(booking.ID).
			SetPaymentIntent(*booking.PaymentIntentID).
			SetError(err.Error(), nil)
		if logErr := s.auditRepo.Log(ctx, failAudit); logErr != nil {
			s.logger.WithError(logErr).Error("Failed to audit refund failure")
		}
		return nil, fmt.Errorf("failed to process refund: %w", err)
	}

	total := models.RoundMoney(booking.RefundAmount + amount)
	booking.RefundAmount = total
	booking.RefundID = &refund.ID
	status := booking.StatusAfterRefund()

	if err := s.bookingRepo.RecordRefund(booking.ID, refund.ID, total, status); err != nil {
		return nil, fmt.Errorf("refund succeeded at provider but failed to record locally: %w", err)
	}
	booking.Status = status

	doneAudit := models.NewPaymentAudit(models.PaymentEventRefundCompleted, models.PaymentSourceStripeAPI).
		SetBooking(booking.ID).
		SetPaymentIntent(*booking.PaymentIntentID).
		SetGatewayRef(refund.ID)
	doneAudit.SetAmounts(amount, models.FromPence(refund.Amount), "gbp")
	if err := s.auditRepo.Log(ctx, doneAudit); err != nil {
		s.logger.WithError(err).Error("Failed to audit refund completion")
	}

	if err := s.earnings.RecalculateForBooking(ctx, booking.ID); err != nil {
		s.logger.WithError(err).WithField("booking_id", booking.ID).
			Error("Failed to recompute earning after refund")
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":     booking.ID,
		"refund_id":      refund.ID,
		"refunded":       amount,
		"total_refunded": total,
		"status":         status,
	}).Info("Refund processed")

	return &RefundResult{
		RefundID:      refund.ID,
		Refunded:      amount,
		TotalRefunded: total,
		Status:        status,
	}, nil
}

// reconcileFullRefund updates the local record to match a provider that has
// already refunded the full charge
func (s *PaymentService) reconcileFullRefund(ctx context.Context, booking *models.Booking) (*RefundResult, error) {
	total := booking.ConsultationFee
	refundID := "reconciled"
	if booking.RefundID != nil {
		refundID = *booking.RefundID
	}

	booking.RefundAmount = total
	status := booking.StatusAfterRefund()

	if err := s.bookingRepo.RecordRefund(booking.ID, refundID, total, status); err != nil {
		return nil, fmt.Errorf("failed to reconcile refund state: %w", err)
	}
	booking.Status = status

	audit := models.NewPaymentAudit(models.PaymentEventRefundReconciled, models.PaymentSourceStripeAPI).
		SetBooking(booking.ID).
		SetGatewayRef(refundID)
	if booking.PaymentIntentID != nil {
		audit.SetPaymentIntent(*booking.PaymentIntentID)
	}
	audit.SetAmounts(total, total, "gbp")
	if err := s.auditRepo.Log(ctx, audit); err != nil {
		s.logger.WithError(err).Error("Failed to audit refund reconciliation")
	}

	if err := s.earnings.RecalculateForBooking(ctx, booking.ID); err != nil {
		s.logger.WithError(err).WithField("booking_id", booking.ID).
			Error("Failed to recompute earning after reconciliation")
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"total":      total,
	}).Warn("Charge already refunded at provider, local state reconciled")

	return &RefundResult{
		RefundID:      refundID,
		TotalRefunded: total,
		Status:        status,
		Reconciled:    true,
	}, nil
}
