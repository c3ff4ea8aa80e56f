package services

import (
	"context"
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

func newTestDisputeService(t *testing.T) (*DisputeService, sqlmock.Sqlmock, func()) {
	db, mock := setupTestDB(t)
	mock.MatchExpectationsInOrder(false)
	logger := testLogger()

	bookingRepo := database.NewBookingRepository(db)
	earningRepo := database.NewEarningRepository(db)
	expertRepo := database.NewExpertRepository(db)
	auditRepo := database.NewPaymentAuditRepository(db, logger)

	earnings := NewEarningsService(earningRepo, expertRepo, bookingRepo, auditRepo, &fakeStripe{}, &config.PayoutConfig{}, logger)
	payments := NewPaymentService(bookingRepo, auditRepo, &fakeStripe{}, earnings, logger)

	svc := NewDisputeService(
		database.NewDisputeRepository(db),
		bookingRepo,
		payments,
		earnings,
		NewLogNotifier(logger),
		&config.BookingConfig{DisputeReplyWindow: 48 * time.Hour},
		testLocation(t),
		logger,
	)
	return svc, mock, func() { db.Close() }
}

// confirmedBookingRow returns a scannable bookings row in the given status
func confirmedBookingRow(id uuid.UUID, date, timeOfDay string, status string) *sqlmock.Rows {
	return bookingRowWithRefund(id, date, timeOfDay, status, 0.0)
}

// bookingRowWithRefund is confirmedBookingRow with a prior refund recorded
func bookingRowWithRefund(id uuid.UUID, date, timeOfDay, status string, refunded float64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(bookingTestColumns).AddRow(
		id, nil, "Client", "client@example.com", nil,
		"tech_nation", date, timeOfDay, 60,
		uuid.New(), now, 150.00, status,
		"pi_1", "ch_1", nil, nil,
		refunded, nil,
		nil, nil, nil,
		0, nil, nil, nil,
		false, now, now,
	)
}

var disputeTestColumns = []string{
	"id", "booking_id", "type", "filed_by", "status", "description", "evidence_url",
	"response", "response_evidence_url", "responded_at", "responded_late", "reply_deadline",
	"refund_amount_decided", "refund_processed",
	"resolved_by", "resolution_notes", "resolved_at", "created_at", "updated_at",
}

// openDisputeRow returns a scannable open dispute row with the given deadline
func openDisputeRow(id, bookingID uuid.UUID, disputeType string, deadline time.Time) *sqlmock.Rows {
	now := deadline.Add(-48 * time.Hour)
	return sqlmock.NewRows(disputeTestColumns).AddRow(
		id, bookingID, disputeType, "client", "open", nil, nil,
		nil, nil, nil, false, deadline,
		nil, false,
		nil, nil, nil, now, now,
	)
}

func TestSubtractBusinessDays(t *testing.T) {
	loc := testLocation(t)
	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 10, 0, 0, 0, loc)
	}

	tests := []struct {
		name string
		from time.Time
		n    int
		want time.Time
	}{
		{"thursday minus three is monday", day(2026, 3, 12), 3, day(2026, 3, 9)},
		{"monday minus one skips the weekend", day(2026, 3, 9), 1, day(2026, 3, 6)},
		{"tuesday minus three crosses the weekend", day(2026, 3, 10), 3, day(2026, 3, 5)},
		{"sunday minus one lands on friday", day(2026, 3, 8), 1, day(2026, 3, 6)},
		{"zero days is identity", day(2026, 3, 12), 0, day(2026, 3, 12)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, subtractBusinessDays(tt.from, tt.n).Equal(tt.want),
				"got %v", subtractBusinessDays(tt.from, tt.n))
		})
	}
}

func TestFileDisputeValidation(t *testing.T) {
	now := time.Date(2026, 3, 12, 18, 0, 0, 0, time.UTC)

	t.Run("invalid dispute type", func(t *testing.T) {
		svc, _, cleanup := newTestDisputeService(t)
		defer cleanup()

		_, err := svc.FileDispute(uuid.New(), &models.FileDisputeRequest{
			Type:    "late_arrival",
			FiledBy: models.FiledByClient,
		}, now)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid dispute type")
	})

	t.Run("invalid filing party", func(t *testing.T) {
		svc, _, cleanup := newTestDisputeService(t)
		defer cleanup()

		_, err := svc.FileDispute(uuid.New(), &models.FileDisputeRequest{
			Type:    models.DisputeTypeExpertNoShow,
			FiledBy: "staff",
		}, now)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid filing party")
	})

	t.Run("booking not confirmed", func(t *testing.T) {
		svc, mock, cleanup := newTestDisputeService(t)
		defer cleanup()

		bookingID := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(bookingID).
			WillReturnRows(confirmedBookingRow(bookingID, "2026-03-10", "10:00", "pending_payment"))

		_, err := svc.FileDispute(bookingID, &models.FileDisputeRequest{
			Type:    models.DisputeTypeExpertNoShow,
			FiledBy: models.FiledByClient,
		}, now)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "confirmed bookings")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("session has not ended yet", func(t *testing.T) {
		svc, mock, cleanup := newTestDisputeService(t)
		defer cleanup()

		bookingID := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(bookingID).
			WillReturnRows(confirmedBookingRow(bookingID, "2026-03-20", "10:00", "confirmed"))

		_, err := svc.FileDispute(bookingID, &models.FileDisputeRequest{
			Type:    models.DisputeTypeExpertNoShow,
			FiledBy: models.FiledByClient,
		}, now)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "after the scheduled session")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestFileDisputeUpdatesOpenDispute(t *testing.T) {
	svc, mock, cleanup := newTestDisputeService(t)
	defer cleanup()

	bookingID := uuid.New()
	disputeID := uuid.New()
	now := time.Date(2026, 3, 12, 18, 0, 0, 0, time.UTC)
	description := "expert never joined the call"
	evidence := "https://files.example.com/evidence/call-log.png"

	mock.ExpectQuery(`SELECT (.+) FROM bookings`).
		WithArgs(bookingID).
		WillReturnRows(confirmedBookingRow(bookingID, "2026-03-10", "10:00", "dispute"))

	mock.ExpectQuery(`SELECT (.+) FROM no_show_disputes`).
		WithArgs(bookingID, models.DisputeTypeExpertNoShow).
		WillReturnRows(openDisputeRow(disputeID, bookingID, "expert_no_show", now.Add(24*time.Hour)))

	mock.ExpectExec(`UPDATE no_show_disputes`).
		WithArgs(disputeID, description, evidence).
		WillReturnResult(sqlmock.NewResult(0, 1))

	dispute, err := svc.FileDispute(bookingID, &models.FileDisputeRequest{
		Type:        models.DisputeTypeExpertNoShow,
		FiledBy:     models.FiledByClient,
		Description: &description,
		EvidenceURL: &evidence,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, disputeID, dispute.ID)
	require.NotNil(t, dispute.Description)
	assert.Equal(t, description, *dispute.Description)
	require.NotNil(t, dispute.EvidenceURL)
	assert.Equal(t, evidence, *dispute.EvidenceURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFileDisputeStoresEvidence(t *testing.T) {
	svc, mock, cleanup := newTestDisputeService(t)
	defer cleanup()

	bookingID := uuid.New()
	now := time.Date(2026, 3, 12, 18, 0, 0, 0, time.UTC)
	evidence := "https://files.example.com/evidence/screenshot.png"

	mock.ExpectQuery(`SELECT (.+) FROM bookings`).
		WithArgs(bookingID).
		WillReturnRows(confirmedBookingRow(bookingID, "2026-03-10", "10:00", "confirmed"))

	mock.ExpectQuery(`SELECT (.+) FROM no_show_disputes`).
		WithArgs(bookingID, models.DisputeTypeExpertNoShow).
		WillReturnRows(sqlmock.NewRows(disputeTestColumns))

	mock.ExpectQuery(`INSERT INTO no_show_disputes`).
		WithArgs(sqlmock.AnyArg(), bookingID, models.DisputeTypeExpertNoShow, models.FiledByClient,
			models.DisputeStatusOpen, nil, evidence, now.Add(48*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	mock.ExpectExec(`UPDATE bookings`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	dispute, err := svc.FileDispute(bookingID, &models.FileDisputeRequest{
		Type:        models.DisputeTypeExpertNoShow,
		FiledBy:     models.FiledByClient,
		EvidenceURL: &evidence,
	}, now)
	require.NoError(t, err)
	require.NotNil(t, dispute.EvidenceURL)
	assert.Equal(t, evidence, *dispute.EvidenceURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRespondToDispute(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("late reply is still recorded and flagged", func(t *testing.T) {
		svc, mock, cleanup := newTestDisputeService(t)
		defer cleanup()

		disputeID := uuid.New()
		evidence := "https://files.example.com/evidence/reply.pdf"

		mock.ExpectQuery(`SELECT (.+) FROM no_show_disputes`).
			WithArgs(disputeID).
			WillReturnRows(openDisputeRow(disputeID, uuid.New(), "expert_no_show", now.Add(-2*time.Hour)))

		mock.ExpectExec(`UPDATE no_show_disputes`).
			WithArgs(disputeID, "I was on the call the whole time", evidence, true).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := svc.RespondToDispute(disputeID, &models.DisputeResponseRequest{
			Response:    "I was on the call the whole time",
			EvidenceURL: &evidence,
		}, now)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reply inside the window is not flagged", func(t *testing.T) {
		svc, mock, cleanup := newTestDisputeService(t)
		defer cleanup()

		disputeID := uuid.New()

		mock.ExpectQuery(`SELECT (.+) FROM no_show_disputes`).
			WithArgs(disputeID).
			WillReturnRows(openDisputeRow(disputeID, uuid.New(), "expert_no_show", now.Add(24*time.Hour)))

		mock.ExpectExec(`UPDATE no_show_disputes`).
			WithArgs(disputeID, "the client gave me the wrong link", nil, false).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := svc.RespondToDispute(disputeID, &models.DisputeResponseRequest{
			Response: "the client gave me the wrong link",
		}, now)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("resolved dispute rejects a reply", func(t *testing.T) {
		svc, mock, cleanup := newTestDisputeService(t)
		defer cleanup()

		disputeID := uuid.New()
		rows := sqlmock.NewRows(disputeTestColumns).AddRow(
			disputeID, uuid.New(), "expert_no_show", "client", "resolved", nil, nil,
			nil, nil, nil, false, now.Add(-time.Hour),
			nil, false,
			nil, nil, nil, now, now,
		)
		mock.ExpectQuery(`SELECT (.+) FROM no_show_disputes`).
			WithArgs(disputeID).
			WillReturnRows(rows)

		err := svc.RespondToDispute(disputeID, &models.DisputeResponseRequest{Response: "too late"}, now)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no longer accepting")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestResolveDisputeValidation(t *testing.T) {
	svc, _, cleanup := newTestDisputeService(t)
	defer cleanup()

	err := svc.ResolveDispute(context.Background(), uuid.New(), &models.ResolveDisputeRequest{
		Outcome: models.DisputeStatusOpen,
	}, "staff@example.com")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "resolved or rejected")
}

func TestResolveDisputeRefundBoundedByRemaining(t *testing.T) {
	svc, mock, cleanup := newTestDisputeService(t)
	defer cleanup()

	disputeID := uuid.New()
	bookingID := uuid.New()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT (.+) FROM no_show_disputes`).
		WithArgs(disputeID).
		WillReturnRows(openDisputeRow(disputeID, bookingID, "expert_no_show", now.Add(24*time.Hour)))

	// 100 of the 150 fee is already refunded, so only 50 remains
	mock.ExpectQuery(`SELECT (.+) FROM bookings`).
		WithArgs(bookingID).
		WillReturnRows(bookingRowWithRefund(bookingID, "2026-03-10", "10:00", "dispute", 100.00))

	refund := 100.0
	err := svc.ResolveDispute(context.Background(), disputeID, &models.ResolveDisputeRequest{
		Outcome:      models.DisputeStatusResolved,
		RefundAmount: &refund,
	}, "staff@example.com")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "remaining refundable balance")
	assert.NoError(t, mock.ExpectationsWereMet())
}
