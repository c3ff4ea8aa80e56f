package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techvisa/expert-marketplace-backend/internal/config"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
)

func newTestBookingService(t *testing.T, stripe StripeAPI) (*BookingService, sqlmock.Sqlmock, func()) {
	db, mock := setupTestDB(t)
	mock.MatchExpectationsInOrder(false)
	logger := testLogger()
	location := testLocation(t)

	bookingRepo := database.NewBookingRepository(db)
	expertRepo := database.NewExpertRepository(db)
	earningRepo := database.NewEarningRepository(db)
	auditRepo := database.NewPaymentAuditRepository(db, logger)

	earnings := NewEarningsService(earningRepo, expertRepo, bookingRepo, auditRepo, stripe, &config.PayoutConfig{}, logger)
	payments := NewPaymentService(bookingRepo, auditRepo, stripe, earnings, logger)
	assignment := NewAssignmentService(expertRepo, bookingRepo, location, logger)

	cfg := &config.BookingConfig{
		DefaultDurationMinutes: 60,
		DefaultFee:             150.00,
		MaxReschedules:         2,
		RescheduleRefundRate:   0.5,
		DisputeReplyWindow:     48 * time.Hour,
		Timezone:               "Europe/London",
	}

	svc := NewBookingService(bookingRepo, expertRepo, assignment, payments, earnings, NewLogNotifier(logger), cfg, location, logger)
	return svc, mock, func() { db.Close() }
}

// bookingRowFor builds a bookings row carrying payment intent pi_1
func bookingRowFor(id, expertID uuid.UUID, status string, rescheduleCount int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(bookingTestColumns).AddRow(
		id, nil, "Client", "client@example.com", nil,
		"tech_nation", "2026-03-10", "10:00", 60,
		expertID, now, 150.00, status,
		"pi_1", "ch_1", nil, nil,
		0.0, nil,
		nil, nil, nil,
		rescheduleCount, nil, nil, nil,
		false, now, now,
	)
}

func TestHandlePaymentSucceeded(t *testing.T) {
	t.Run("already confirmed booking is left alone", func(t *testing.T) {
		stripe := &fakeStripe{
			retrievePayment: func(intentID string) (*StripePaymentIntent, error) {
				t.Fatal("a confirmed booking must not hit the gateway again")
				return nil, nil
			},
		}
		svc, mock, cleanup := newTestBookingService(t, stripe)
		defer cleanup()

		bookingID := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs("pi_1").
			WillReturnRows(bookingRowFor(bookingID, uuid.New(), "confirmed", 0))

		err := svc.HandlePaymentSucceeded(context.Background(), "pi_1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancelled booking cannot be confirmed", func(t *testing.T) {
		svc, mock, cleanup := newTestBookingService(t, &fakeStripe{})
		defer cleanup()

		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs("pi_1").
			WillReturnRows(bookingRowFor(uuid.New(), uuid.New(), "cancelled", 0))

		err := svc.HandlePaymentSucceeded(context.Background(), "pi_1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot confirm payment")
	})

	t.Run("unknown intent", func(t *testing.T) {
		svc, mock, cleanup := newTestBookingService(t, &fakeStripe{})
		defer cleanup()

		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs("pi_missing").
			WillReturnError(sql.ErrNoRows)

		err := svc.HandlePaymentSucceeded(context.Background(), "pi_missing")
		assert.Error(t, err)
	})
}

func TestHandlePaymentFailed(t *testing.T) {
	t.Run("pending booking is cancelled", func(t *testing.T) {
		svc, mock, cleanup := newTestBookingService(t, &fakeStripe{})
		defer cleanup()

		bookingID := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs("pi_1").
			WillReturnRows(bookingRowFor(bookingID, uuid.New(), "pending_payment", 0))
		mock.ExpectExec(`UPDATE bookings`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := svc.HandlePaymentFailed(context.Background(), "pi_1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already resolved booking is a no-op", func(t *testing.T) {
		svc, mock, cleanup := newTestBookingService(t, &fakeStripe{})
		defer cleanup()

		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs("pi_1").
			WillReturnRows(bookingRowFor(uuid.New(), uuid.New(), "confirmed", 0))

		err := svc.HandlePaymentFailed(context.Background(), "pi_1")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRateBookingValidation(t *testing.T) {
	svc, mock, cleanup := newTestBookingService(t, &fakeStripe{})
	defer cleanup()

	t.Run("rating out of range", func(t *testing.T) {
		assert.Error(t, svc.RateBooking(uuid.New(), 0.5))
		assert.Error(t, svc.RateBooking(uuid.New(), 5.5))
	})

	t.Run("only completed bookings can be rated", func(t *testing.T) {
		bookingID := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(bookingID).
			WillReturnRows(bookingRowFor(bookingID, uuid.New(), "confirmed", 0))

		err := svc.RateBooking(bookingID, 4.5)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "completed bookings")
	})
}

func TestRequestRescheduleLimit(t *testing.T) {
	var refundParams *CreateRefundParams
	stripe := &fakeStripe{
		createRefund: func(params *CreateRefundParams) (*StripeRefund, error) {
			refundParams = params
			return &StripeRefund{ID: "re_limit", Status: "succeeded", Amount: params.AmountPence}, nil
		},
	}
	svc, mock, cleanup := newTestBookingService(t, stripe)
	defer cleanup()

	bookingID := uuid.New()

	// Load at the cap
	mock.ExpectQuery(`SELECT (.+) FROM bookings`).
		WithArgs(bookingID).
		WillReturnRows(bookingRowFor(bookingID, uuid.New(), "confirmed", 2))

	// Forced cancellation, then the half refund
	mock.ExpectExec(`UPDATE bookings`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO payment_audits`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO payment_audits`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bookings`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Earning recomputation after the refund finds nothing accrued
	mock.ExpectQuery(`SELECT (.+) FROM bookings`).
		WithArgs(bookingID).
		WillReturnRows(bookingRowFor(bookingID, uuid.New(), "cancelled", 2))
	mock.ExpectQuery(`SELECT (.+) FROM expert_earnings`).
		WillReturnError(sql.ErrNoRows)

	booking, err := svc.RequestReschedule(context.Background(), bookingID, &models.RescheduleRequest{
		ScheduledDate: "2026-03-20",
		ScheduledTime: "11:00",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reschedule limit reached")
	require.NotNil(t, booking)
	assert.Equal(t, models.BookingStatusPartiallyRefunded, booking.Status)
	assert.Equal(t, 75.00, booking.RefundAmount)

	require.NotNil(t, refundParams)
	assert.Equal(t, int64(7500), refundParams.AmountPence)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestRescheduleValidation(t *testing.T) {
	svc, mock, cleanup := newTestBookingService(t, &fakeStripe{})
	defer cleanup()

	t.Run("only confirmed bookings", func(t *testing.T) {
		bookingID := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(bookingID).
			WillReturnRows(bookingRowFor(bookingID, uuid.New(), "pending_payment", 0))

		_, err := svc.RequestReschedule(context.Background(), bookingID, &models.RescheduleRequest{
			ScheduledDate: "2026-03-20",
			ScheduledTime: "11:00",
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "confirmed bookings")
	})

	t.Run("malformed target time", func(t *testing.T) {
		bookingID := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(bookingID).
			WillReturnRows(bookingRowFor(bookingID, uuid.New(), "confirmed", 0))

		_, err := svc.RequestReschedule(context.Background(), bookingID, &models.RescheduleRequest{
			ScheduledDate: "2026-03-20",
			ScheduledTime: "25:99",
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid reschedule")
	})
}

// bookingRowAt is bookingRowFor with an explicit session date and time
func bookingRowAt(id, expertID uuid.UUID, status, date, timeOfDay string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(bookingTestColumns).AddRow(
		id, nil, "Client", "client@example.com", nil,
		"tech_nation", date, timeOfDay, 60,
		expertID, now, 150.00, status,
		"pi_1", "ch_1", nil, nil,
		0.0, nil,
		nil, nil, nil,
		0, nil, nil, nil,
		false, now, now,
	)
}

func TestMarkCompletedRequiresSessionEnd(t *testing.T) {
	now := time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC)

	t.Run("session still ahead is rejected", func(t *testing.T) {
		svc, mock, cleanup := newTestBookingService(t, &fakeStripe{})
		defer cleanup()

		bookingID := uuid.New()
		expertID := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(bookingID).
			WillReturnRows(bookingRowAt(bookingID, expertID, "confirmed", "2026-03-13", "10:00"))

		err := svc.MarkCompleted(context.Background(), bookingID, expertID, nil, now)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "after the scheduled session")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mid-session is still too early", func(t *testing.T) {
		svc, mock, cleanup := newTestBookingService(t, &fakeStripe{})
		defer cleanup()

		bookingID := uuid.New()
		expertID := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(bookingID).
			WillReturnRows(bookingRowAt(bookingID, expertID, "confirmed", "2026-03-12", "08:30"))

		err := svc.MarkCompleted(context.Background(), bookingID, expertID, nil, now)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ended session completes", func(t *testing.T) {
		svc, mock, cleanup := newTestBookingService(t, &fakeStripe{})
		defer cleanup()

		bookingID := uuid.New()
		expertID := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(bookingID).
			WillReturnRows(bookingRowAt(bookingID, expertID, "confirmed", "2026-03-10", "10:00"))
		mock.ExpectExec(`UPDATE bookings`).
			WithArgs(bookingID, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		// accrual failure is logged, not surfaced
		mock.ExpectQuery(`SELECT (.+) FROM experts`).
			WillReturnError(sql.ErrNoRows)

		err := svc.MarkCompleted(context.Background(), bookingID, expertID, nil, now)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestExpertCancelRefundFallThrough(t *testing.T) {
	var refundParams *CreateRefundParams
	stripe := &fakeStripe{
		createRefund: func(params *CreateRefundParams) (*StripeRefund, error) {
			refundParams = params
			return &StripeRefund{ID: "re_9", Amount: 15000, Status: "succeeded"}, nil
		},
	}
	svc, mock, cleanup := newTestBookingService(t, stripe)
	defer cleanup()

	bookingID := uuid.New()
	expertID := uuid.New()
	earningID := uuid.New()
	reason := "family emergency"

	mock.ExpectQuery(`SELECT (.+) FROM bookings`).
		WithArgs(bookingID).
		WillReturnRows(bookingRowAt(bookingID, expertID, "confirmed", "2030-03-10", "10:00"))

	// Nobody else covers the expertise, so reassignment falls through
	mock.ExpectQuery(`SELECT (.+) FROM experts`).
		WithArgs(models.ExpertiseTechNation).
		WillReturnRows(sqlmock.NewRows(expertTestColumns))

	mock.ExpectExec(`UPDATE bookings`).
		WithArgs(bookingID, "expert", reason).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`INSERT INTO payment_audits`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO payment_audits`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`UPDATE bookings`).
		WithArgs(bookingID, "re_9", 150.00, models.BookingStatusRefunded).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Recalculation sees the fully refunded booking and cancels the earning
	mock.ExpectQuery(`SELECT (.+) FROM bookings`).
		WithArgs(bookingID).
		WillReturnRows(bookingRowWithRefund(bookingID, "2030-03-10", "10:00", "refunded", 150.00))

	now := time.Now()
	earning := sqlmock.NewRows(earningTestColumns).AddRow(
		earningID, expertID, bookingID, 150.00, 0.20,
		120.00, "pending", nil, nil, now, now, now,
	)
	mock.ExpectQuery(`SELECT (.+) FROM expert_earnings`).
		WithArgs(bookingID).
		WillReturnRows(earning)

	mock.ExpectQuery(`INSERT INTO expert_earnings`).
		WithArgs(earningID, expertID, bookingID, 150.00, 0.20, 0.0, models.EarningStatusCancelled, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(earningID, now, now))

	mock.ExpectExec(`UPDATE experts`).
		WithArgs(expertID, -120.00, -120.00).
		WillReturnResult(sqlmock.NewResult(0, 1))

	outcome, err := svc.ExpertCancel(context.Background(), bookingID, expertID, &reason)
	require.NoError(t, err)
	assert.Equal(t, models.RefundRequired, outcome)

	require.NotNil(t, refundParams)
	assert.Equal(t, int64(15000), refundParams.AmountPence)
	assert.Equal(t, "pi_1", refundParams.PaymentIntentID)

	assert.NoError(t, mock.ExpectationsWereMet())
}
