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

// EarningsService owns the expert earnings ledger and payout batching
type EarningsService struct {
	earningRepo *database.EarningRepository
	expertRepo  *database.ExpertRepository
	bookingRepo *database.BookingRepository
	auditRepo   *database.PaymentAuditRepository
	stripe      StripeAPI
	payoutCfg   *config.PayoutConfig
	logger      *logrus.Logger
}

// NewEarningsService creates a new EarningsService
func NewEarningsService(
	earningRepo *database.EarningRepository,
	expertRepo *database.ExpertRepository,
	bookingRepo *database.BookingRepository,
	auditRepo *database.PaymentAuditRepository,
	stripe StripeAPI,
	payoutCfg *config.PayoutConfig,
	logger *logrus.Logger,
) *EarningsService {
	return &EarningsService{
		earningRepo: earningRepo,
		expertRepo:  expertRepo,
		bookingRepo: bookingRepo,
		auditRepo:   auditRepo,
		stripe:      stripe,
		payoutCfg:   payoutCfg,
		logger:      logger,
	}
}

// AccrueForBooking creates or refreshes the earning for a completed booking.
// The amount always derives from the booking's current fee and refund state.
func (s *EarningsService) AccrueForBooking(ctx context.Context, booking *models.Booking) (*models.ExpertEarning, error) {
	if booking.ExpertID == nil {
		return nil, fmt.Errorf("booking %s has no expert to credit", booking.ID)
	}

	expert, err := s.expertRepo.GetByID(*booking.ExpertID)
	if err != nil {
		return nil, fmt.Errorf("failed to load expert: %w", err)
	}

	amount := models.ComputeEarning(booking.ConsultationFee, booking.RefundAmount, expert.CommissionRate)

	existing, err := s.earningRepo.GetByBookingID(booking.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing earning: %w", err)
	}

	status := models.EarningStatusPending
	if amount <= 0 {
		status = models.EarningStatusCancelled
	}

	earning := &models.ExpertEarning{
		ExpertID:       expert.ID,
		BookingID:      booking.ID,
		GrossAmount:    booking.ConsultationFee,
		CommissionRate: expert.CommissionRate,
		Amount:         amount,
		Status:         status,
		CalculatedAt:   time.Now(),
	}
	if existing != nil {
		earning.ID = existing.ID
	}

	if err := s.earningRepo.Upsert(earning); err != nil {
		return nil, fmt.Errorf("failed to save earning: %w", err)
	}

	// Aggregate deltas relative to what was previously on the books
	var prevAmount float64
	if existing != nil && existing.Status == models.EarningStatusPending {
		prevAmount = existing.Amount
	}
	pendingDelta := 0.0
	if status == models.EarningStatusPending {
		pendingDelta = amount - prevAmount
	} else {
		pendingDelta = -prevAmount
	}
	totalDelta := amount
	if existing != nil {
		totalDelta = amount - existing.Amount
	}

	if totalDelta != 0 || pendingDelta != 0 {
		if err := s.expertRepo.AdjustAggregates(expert.ID, totalDelta, pendingDelta); err != nil {
			s.logger.WithError(err).WithField("expert_id", expert.ID).
				Error("Failed to adjust earning aggregates")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": booking.ID,
		"expert_id":  expert.ID,
		"amount":     amount,
		"status":     status,
	}).Info("Earning accrued for booking")

	return earning, nil
}

// RecalculateForBooking recomputes the earning after a refund mutation.
// A fully refunded booking zeroes and cancels its earning; a partial refund
// shrinks it; a restored fee revives a cancelled earning back to pending.
// Paid earnings are never touched retroactively.
func (s *EarningsService) RecalculateForBooking(ctx context.Context, bookingID uuid.UUID) error {
	booking, err := s.bookingRepo.GetByID(bookingID)
	if err != nil {
		return fmt.Errorf("failed to load booking: %w", err)
	}

	existing, err := s.earningRepo.GetByBookingID(bookingID)
	if err != nil {
		return fmt.Errorf("failed to load earning: %w", err)
	}
	if existing == nil {
		// Nothing accrued yet, nothing to recompute
		return nil
	}
	if existing.Status == models.EarningStatusPaid {
		s.logger.WithFields(logrus.Fields{
			"booking_id": bookingID,
			"earning_id": existing.ID,
		}).Warn("Refund against booking whose earning was already paid out, leaving earning untouched")
		return nil
	}

	newAmount := models.ComputeEarning(booking.ConsultationFee, booking.RefundAmount, existing.CommissionRate)

	newStatus := models.EarningStatusPending
	if newAmount <= 0 {
		newStatus = models.EarningStatusCancelled
	}

	if newAmount == existing.Amount && newStatus == existing.Status {
		return nil
	}

	var prevPending float64
	if existing.Status == models.EarningStatusPending {
		prevPending = existing.Amount
	}
	newPending := 0.0
	if newStatus == models.EarningStatusPending {
		newPending = newAmount
	}

	earning := *existing
	earning.Amount = newAmount
	earning.Status = newStatus
	earning.CalculatedAt = time.Now()

	if err := s.earningRepo.Upsert(&earning); err != nil {
		return fmt.Errorf("failed to update earning: %w", err)
	}

	totalDelta := newAmount - existing.Amount
	pendingDelta := newPending - prevPending
	if totalDelta != 0 || pendingDelta != 0 {
		if err := s.expertRepo.AdjustAggregates(existing.ExpertID, totalDelta, pendingDelta); err != nil {
			s.logger.WithError(err).WithField("expert_id", existing.ExpertID).
				Error("Failed to adjust earning aggregates")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"earning_id": existing.ID,
		"old_amount": existing.Amount,
		"new_amount": newAmount,
		"status":     newStatus,
	}).Info("Earning recomputed after refund mutation")

	return nil
}

// RecalculateRating refreshes the expert's aggregate rating from their rated
// completed sessions. The single authority for rating mutations.
func (s *EarningsService) RecalculateRating(expertID uuid.UUID) error {
	avg, count, err := s.bookingRepo.AverageRatingForExpert(expertID)
	if err != nil {
		return fmt.Errorf("failed to compute rating: %w", err)
	}
	if count == 0 {
		return nil
	}

	if err := s.expertRepo.UpdateRating(expertID, models.RoundMoney(avg)); err != nil {
		return fmt.Errorf("failed to store rating: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"expert_id": expertID,
		"rating":    avg,
		"samples":   count,
	}).Info("Expert rating recalculated")

	return nil
}

// ProcessExpertPayout pays out an expert's pending earnings and bonuses in
// one transfer. Instant payouts take every pending earning and charge the
// flat fee; scheduled payouts take the earnings calculated inside
// [windowFrom, windowTo). Nothing moves unless the connected account can
// receive payouts and the net is positive, and all rows flip to paid with
// the shared transfer ID or none do.
func (s *EarningsService) ProcessExpertPayout(ctx context.Context, expert *models.Expert, instant bool, windowFrom, windowTo time.Time) (*models.PayoutResult, error) {
	if expert.StripeAccountID == nil || *expert.StripeAccountID == "" {
		return nil, fmt.Errorf("expert %s has no connected account", expert.ID)
	}

	account, err := s.stripe.GetAccount(*expert.StripeAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to check connected account: %w", err)
	}
	if !account.PayoutsEnabled {
		return nil, fmt.Errorf("payouts are not enabled on connected account %s", account.ID)
	}

	var earnings []models.ExpertEarning
	if instant {
		earnings, err = s.earningRepo.ListAllPendingForExpert(expert.ID)
	} else {
		earnings, err = s.earningRepo.ListPendingForExpert(expert.ID, windowFrom, windowTo)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending earnings: %w", err)
	}

	bonuses, err := s.earningRepo.ListPendingBonusesForExpert(expert.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending bonuses: %w", err)
	}

	gross := 0.0
	earningIDs := make([]uuid.UUID, 0, len(earnings))
	for _, e := range earnings {
		gross += e.Amount
		earningIDs = append(earningIDs, e.ID)
	}
	bonusIDs := make([]uuid.UUID, 0, len(bonuses))
	for _, b := range bonuses {
		gross += b.Amount
		bonusIDs = append(bonusIDs, b.ID)
	}
	gross = models.RoundMoney(gross)

	fee := 0.0
	if instant {
		fee = s.payoutCfg.InstantFee
	}
	net := models.RoundMoney(gross - fee)

	// The net must clear before any provider call is made
	if net <= 0 {
		return nil, fmt.Errorf("nothing to pay out: gross %.2f, fee %.2f", gross, fee)
	}

	kind := "weekly"
	if instant {
		kind = "instant"
	}

	transfer, err := s.stripe.CreateTransfer(&CreateTransferParams{
		AmountPence:    models.ToPence(net),
		Destination:    *expert.StripeAccountID,
		Description:    fmt.Sprintf("%s payout for expert %s", kind, expert.ID),
		IdempotencyKey: fmt.Sprintf("payout-%s-%s-%d", kind, expert.ID, models.ToPence(gross)),
	})
	if err != nil {
		failAudit := models.NewPaymentAudit(models.PaymentEventTransferFailed, models.PaymentSourceStripeAPI).
			SetError(err.Error(), nil)
		failAudit.SetAmounts(net, 0, "gbp")
		if logErr := s.auditRepo.Log(ctx, failAudit); logErr != nil {
			s.logger.WithError(logErr).Error("Failed to audit transfer failure")
		}
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}

	if err := s.earningRepo.MarkPaidBatch(earningIDs, bonusIDs, transfer.ID); err != nil {
		// Money moved but the ledger did not. Surface loudly so the batch
		// can be repaired by hand against the transfer ID.
		s.logger.WithError(err).WithFields(logrus.Fields{
			"expert_id":   expert.ID,
			"transfer_id": transfer.ID,
		}).Error("CRITICAL: Transfer created but ledger update failed")
		return nil, fmt.Errorf("transfer %s created but ledger update failed: %w", transfer.ID, err)
	}

	if err := s.expertRepo.AdjustAggregates(expert.ID, 0, -gross); err != nil {
		s.logger.WithError(err).WithField("expert_id", expert.ID).
			Error("Failed to reduce pending payout aggregate")
	}

	audit := models.NewPaymentAudit(models.PaymentEventTransferCreated, models.PaymentSourceStripeAPI).
		SetGatewayRef(transfer.ID)
	audit.SetAmounts(net, models.FromPence(transfer.Amount), "gbp")
	if err := s.auditRepo.Log(ctx, audit); err != nil {
		s.logger.WithError(err).Error("Failed to audit transfer")
	}

	s.logger.WithFields(logrus.Fields{
		"expert_id":   expert.ID,
		"transfer_id": transfer.ID,
		"gross":       gross,
		"fee":         fee,
		"net":         net,
		"earnings":    len(earningIDs),
		"bonuses":     len(bonusIDs),
		"instant":     instant,
	}).Info("Expert payout processed")

	return &models.PayoutResult{
		ExpertID:     expert.ID,
		TransferID:   transfer.ID,
		GrossAmount:  gross,
		Fee:          fee,
		NetAmount:    net,
		EarningCount: len(earningIDs),
		BonusCount:   len(bonusIDs),
		Instant:      instant,
	}, nil
}

// RequestInstantPayout pays out everything pending for one expert now,
// charging the flat instant fee
func (s *EarningsService) RequestInstantPayout(ctx context.Context, expertID uuid.UUID) (*models.PayoutResult, error) {
	expert, err := s.expertRepo.GetByID(expertID)
	if err != nil {
		return nil, fmt.Errorf("failed to load expert: %w", err)
	}
	return s.ProcessExpertPayout(ctx, expert, true, time.Time{}, time.Time{})
}

// RunWeeklyPayouts pays every expert with pending earnings calculated in the
// Monday-to-run-time window. Failures for one expert do not stop the rest.
func (s *EarningsService) RunWeeklyPayouts(ctx context.Context, now time.Time) ([]models.PayoutResult, error) {
	weekStart := startOfWeek(now)

	experts, err := s.expertRepo.ListWithPendingEarnings(now)
	if err != nil {
		return nil, fmt.Errorf("failed to list experts with pending earnings: %w", err)
	}

	results := []models.PayoutResult{}
	for i := range experts {
		result, err := s.ProcessExpertPayout(ctx, &experts[i], false, weekStart, now)
		if err != nil {
			s.logger.WithError(err).WithField("expert_id", experts[i].ID).
				Warn("Weekly payout skipped for expert")
			continue
		}
		results = append(results, *result)
	}

	s.logger.WithFields(logrus.Fields{
		"window_from": weekStart,
		"window_to":   now,
		"paid":        len(results),
		"candidates":  len(experts),
	}).Info("Weekly payout run finished")

	return results, nil
}

// GrantBonus records a discretionary bonus that joins the next payout batch
func (s *EarningsService) GrantBonus(expertID uuid.UUID, bonusType models.BonusType, amount float64, reason *string) (*models.ExpertBonus, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("bonus amount must be positive")
	}

	bonus := &models.ExpertBonus{
		ExpertID: expertID,
		Type:     bonusType,
		Amount:   models.RoundMoney(amount),
		Reason:   reason,
		Status:   models.EarningStatusPending,
	}
	if err := s.earningRepo.CreateBonus(bonus); err != nil {
		return nil, fmt.Errorf("failed to record bonus: %w", err)
	}

	if err := s.expertRepo.AdjustAggregates(expertID, bonus.Amount, bonus.Amount); err != nil {
		s.logger.WithError(err).WithField("expert_id", expertID).
			Error("Failed to adjust aggregates for bonus")
	}

	s.logger.WithFields(logrus.Fields{
		"expert_id": expertID,
		"type":      bonusType,
		"amount":    bonus.Amount,
	}).Info("Expert bonus granted")

	return bonus, nil
}

// startOfWeek returns Monday 00:00 of the week containing t, in t's location
func startOfWeek(t time.Time) time.Time {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday belongs to the week that started the prior Monday
	}
	day := t.AddDate(0, 0, -(weekday - 1))
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, t.Location())
}
