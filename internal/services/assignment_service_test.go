package services

import (
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/techvisa/expert-marketplace-backend/internal/database"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testLocation(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)
	return loc
}

// setupTestDB creates a mock database for testing
func setupTestDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(mockDB, "sqlmock")
	return sqlxDB, mock
}

var bookingTestColumns = []string{
	"id", "user_id", "client_name", "client_email", "client_phone",
	"expertise_needed", "scheduled_date", "scheduled_time", "duration_minutes",
	"expert_id", "assigned_at", "consultation_fee", "status",
	"payment_intent_id", "charge_id", "refund_id", "transfer_id",
	"refund_amount", "refund_processed_at",
	"cancelled_by", "cancelled_at", "cancellation_reason",
	"reschedule_count", "completed_at", "completion_notes", "client_rating",
	"pending_client_confirmation", "created_at", "updated_at",
}

// holdingBookingRow builds a minimal confirmed booking row for conflict queries
func holdingBookingRow(rows *sqlmock.Rows, expertID uuid.UUID, date, timeOfDay string, durationMinutes int) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		uuid.New(), nil, "Client", "client@example.com", nil,
		"tech_nation", date, timeOfDay, durationMinutes,
		expertID, now, 150.00, "confirmed",
		nil, nil, nil, nil,
		0.0, nil,
		nil, nil, nil,
		0, nil, nil, nil,
		false, now, now,
	)
}

func newTestAssignmentService(t *testing.T) (*AssignmentService, sqlmock.Sqlmock, func()) {
	db, mock := setupTestDB(t)
	expertRepo := database.NewExpertRepository(db)
	bookingRepo := database.NewBookingRepository(db)
	svc := NewAssignmentService(expertRepo, bookingRepo, testLocation(t), testLogger())
	return svc, mock, func() { db.Close() }
}

func TestIntervalsOverlap(t *testing.T) {
	loc := time.UTC
	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 10, h, m, 0, 0, loc)
	}

	tests := []struct {
		name           string
		s1, e1, s2, e2 time.Time
		want           bool
	}{
		{"disjoint", at(9, 0), at(10, 0), at(11, 0), at(12, 0), false},
		{"back to back", at(9, 0), at(10, 0), at(10, 0), at(11, 0), false},
		{"partial overlap", at(9, 0), at(10, 30), at(10, 0), at(11, 0), true},
		{"containment", at(9, 0), at(12, 0), at(10, 0), at(11, 0), true},
		{"contained by", at(10, 0), at(11, 0), at(9, 0), at(12, 0), true},
		{"identical", at(9, 0), at(10, 0), at(9, 0), at(10, 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, intervalsOverlap(tt.s1, tt.e1, tt.s2, tt.e2))
			// Overlap is symmetric
			assert.Equal(t, tt.want, intervalsOverlap(tt.s2, tt.e2, tt.s1, tt.e1))
		})
	}
}

func TestSessionFits(t *testing.T) {
	svc, _, cleanup := newTestAssignmentService(t)
	defer cleanup()
	loc := testLocation(t)

	expert := &models.Expert{
		ID: uuid.New(),
		Availability: []models.AvailabilitySlot{
			{Date: "2026-03-10", StartTime: "09:00", EndTime: "12:00"},
			{Date: "2026-03-10", StartTime: "14:00", EndTime: "17:00"},
		},
	}

	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 10, h, m, 0, 0, loc)
	}

	t.Run("inside a window", func(t *testing.T) {
		assert.True(t, svc.sessionFits(expert, "2026-03-10", at(9, 30), at(10, 30), nil))
	})

	t.Run("exactly filling a window", func(t *testing.T) {
		assert.True(t, svc.sessionFits(expert, "2026-03-10", at(14, 0), at(17, 0), nil))
	})

	t.Run("straddling a window edge", func(t *testing.T) {
		assert.False(t, svc.sessionFits(expert, "2026-03-10", at(11, 30), at(12, 30), nil))
	})

	t.Run("in the gap between windows", func(t *testing.T) {
		assert.False(t, svc.sessionFits(expert, "2026-03-10", at(12, 30), at(13, 30), nil))
	})

	t.Run("wrong date", func(t *testing.T) {
		other := time.Date(2026, 3, 11, 9, 30, 0, 0, loc)
		assert.False(t, svc.sessionFits(expert, "2026-03-11", other, other.Add(time.Hour), nil))
	})

	t.Run("busy interval blocks the session", func(t *testing.T) {
		busy := []busyInterval{{start: at(10, 0), end: at(11, 0)}}
		assert.False(t, svc.sessionFits(expert, "2026-03-10", at(10, 30), at(11, 30), busy))
	})

	t.Run("session after the busy interval fits", func(t *testing.T) {
		busy := []busyInterval{{start: at(9, 0), end: at(10, 0)}}
		assert.True(t, svc.sessionFits(expert, "2026-03-10", at(10, 0), at(11, 0), busy))
	})

	t.Run("malformed slot is skipped, later slot still matches", func(t *testing.T) {
		broken := &models.Expert{
			ID: uuid.New(),
			Availability: []models.AvailabilitySlot{
				{Date: "2026-03-10", StartTime: "bad", EndTime: "12:00"},
				{Date: "2026-03-10", StartTime: "14:00", EndTime: "17:00"},
			},
		}
		assert.True(t, svc.sessionFits(broken, "2026-03-10", at(14, 0), at(15, 0), nil))
		assert.False(t, svc.sessionFits(broken, "2026-03-10", at(9, 0), at(10, 0), nil))
	})
}

func TestIsExpertAvailable(t *testing.T) {
	svc, mock, cleanup := newTestAssignmentService(t)
	defer cleanup()

	expert := &models.Expert{
		ID: uuid.New(),
		Availability: []models.AvailabilitySlot{
			{Date: "2026-03-10", StartTime: "09:00", EndTime: "17:00"},
		},
	}

	t.Run("conflicting booking blocks the slot", func(t *testing.T) {
		rows := sqlmock.NewRows(bookingTestColumns)
		holdingBookingRow(rows, expert.ID, "2026-03-10", "10:00", 60)
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(expert.ID, "2026-03-10", nil).
			WillReturnRows(rows)

		available, err := svc.IsExpertAvailable(expert, "2026-03-10", "10:30", 60, nil)
		require.NoError(t, err)
		assert.False(t, available)
	})

	t.Run("slot after the conflict is free", func(t *testing.T) {
		rows := sqlmock.NewRows(bookingTestColumns)
		holdingBookingRow(rows, expert.ID, "2026-03-10", "10:00", 60)
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(expert.ID, "2026-03-10", nil).
			WillReturnRows(rows)

		available, err := svc.IsExpertAvailable(expert, "2026-03-10", "11:00", 60, nil)
		require.NoError(t, err)
		assert.True(t, available)
	})

	t.Run("invalid request time", func(t *testing.T) {
		_, err := svc.IsExpertAvailable(expert, "2026-03-10", "25:99", 60, nil)
		assert.Error(t, err)
	})

	t.Run("database error propagates", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WillReturnError(sql.ErrConnDone)

		_, err := svc.IsExpertAvailable(expert, "2026-03-10", "10:00", 60, nil)
		assert.Error(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindAlternativeSlot(t *testing.T) {
	loc, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)
	searchFrom := time.Date(2026, 3, 9, 0, 0, 0, 0, loc)

	t.Run("skips past a conflicted window to a later one", func(t *testing.T) {
		svc, mock, cleanup := newTestAssignmentService(t)
		defer cleanup()

		expert := &models.Expert{
			ID: uuid.New(),
			Availability: []models.AvailabilitySlot{
				{Date: "2026-03-10", StartTime: "09:00", EndTime: "10:00"},
				{Date: "2026-03-10", StartTime: "13:00", EndTime: "15:00"},
			},
		}

		// 09:00-10:00 fully booked, 13:00-14:00 booked; the hour after is free
		rows := sqlmock.NewRows(bookingTestColumns)
		holdingBookingRow(rows, expert.ID, "2026-03-10", "09:00", 60)
		holdingBookingRow(rows, expert.ID, "2026-03-10", "13:00", 60)
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(expert.ID, "2026-03-10", nil).
			WillReturnRows(rows)

		date, timeOfDay, ok := svc.FindAlternativeSlot(expert, "2026-03-10", 60, nil, searchFrom)
		require.True(t, ok)
		assert.Equal(t, "2026-03-10", date)
		assert.Equal(t, "14:00", timeOfDay)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("moves to a later date when the first is full", func(t *testing.T) {
		svc, mock, cleanup := newTestAssignmentService(t)
		defer cleanup()

		expert := &models.Expert{
			ID: uuid.New(),
			Availability: []models.AvailabilitySlot{
				{Date: "2026-03-10", StartTime: "09:00", EndTime: "10:00"},
				{Date: "2026-03-11", StartTime: "09:00", EndTime: "12:00"},
			},
		}

		day1 := sqlmock.NewRows(bookingTestColumns)
		holdingBookingRow(day1, expert.ID, "2026-03-10", "09:00", 60)
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(expert.ID, "2026-03-10", nil).
			WillReturnRows(day1)

		day2 := sqlmock.NewRows(bookingTestColumns)
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(expert.ID, "2026-03-11", nil).
			WillReturnRows(day2)

		date, timeOfDay, ok := svc.FindAlternativeSlot(expert, "2026-03-10", 60, nil, searchFrom)
		require.True(t, ok)
		assert.Equal(t, "2026-03-11", date)
		assert.Equal(t, "09:00", timeOfDay)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ignores windows before the search date", func(t *testing.T) {
		svc, mock, cleanup := newTestAssignmentService(t)
		defer cleanup()

		expert := &models.Expert{
			ID: uuid.New(),
			Availability: []models.AvailabilitySlot{
				{Date: "2026-03-09", StartTime: "09:00", EndTime: "17:00"},
			},
		}

		_, _, ok := svc.FindAlternativeSlot(expert, "2026-03-10", 60, nil, searchFrom)
		assert.False(t, ok)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("session longer than every window", func(t *testing.T) {
		svc, mock, cleanup := newTestAssignmentService(t)
		defer cleanup()

		expert := &models.Expert{
			ID: uuid.New(),
			Availability: []models.AvailabilitySlot{
				{Date: "2026-03-10", StartTime: "09:00", EndTime: "10:00"},
			},
		}

		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(expert.ID, "2026-03-10", nil).
			WillReturnRows(sqlmock.NewRows(bookingTestColumns))

		_, _, ok := svc.FindAlternativeSlot(expert, "2026-03-10", 120, nil, searchFrom)
		assert.False(t, ok)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("starts already in the past are skipped", func(t *testing.T) {
		svc, mock, cleanup := newTestAssignmentService(t)
		defer cleanup()

		expert := &models.Expert{
			ID: uuid.New(),
			Availability: []models.AvailabilitySlot{
				{Date: "2026-03-10", StartTime: "09:00", EndTime: "17:00"},
			},
		}

		// 12:00-13:00 is booked; with the clock at 12:30 the window opening
		// has elapsed and only the slot after the booking qualifies
		rows := sqlmock.NewRows(bookingTestColumns)
		holdingBookingRow(rows, expert.ID, "2026-03-10", "12:00", 60)
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(expert.ID, "2026-03-10", nil).
			WillReturnRows(rows)

		now := time.Date(2026, 3, 10, 12, 30, 0, 0, loc)
		date, timeOfDay, ok := svc.FindAlternativeSlot(expert, "2026-03-10", 60, nil, now)
		require.True(t, ok)
		assert.Equal(t, "2026-03-10", date)
		assert.Equal(t, "13:00", timeOfDay)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fully elapsed windows yield nothing", func(t *testing.T) {
		svc, mock, cleanup := newTestAssignmentService(t)
		defer cleanup()

		expert := &models.Expert{
			ID: uuid.New(),
			Availability: []models.AvailabilitySlot{
				{Date: "2026-03-10", StartTime: "09:00", EndTime: "10:00"},
			},
		}

		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(expert.ID, "2026-03-10", nil).
			WillReturnRows(sqlmock.NewRows(bookingTestColumns))

		now := time.Date(2026, 3, 10, 11, 0, 0, 0, loc)
		_, _, ok := svc.FindAlternativeSlot(expert, "2026-03-10", 60, nil, now)
		assert.False(t, ok)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

var expertTestColumns = []string{
	"id", "first_name", "last_name", "email", "password_hash", "is_active",
	"expertise", "hourly_rate", "commission_rate", "rating",
	"availability", "stripe_account_id", "total_earnings", "pending_payout",
	"last_assigned_at", "created_at", "updated_at",
}

// candidateExpertRow builds an active expert row with the given availability
// calendar JSON
func candidateExpertRow(rows *sqlmock.Rows, expertID uuid.UUID, availability string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		expertID, "Ada", "Lovelace", "ada@example.com", "hash", true,
		"tech_nation", 150.00, 0.20, 4.8,
		[]byte(availability), nil, 0.0, 0.0,
		nil, now, now,
	)
}

func TestReassignAfterCancellation(t *testing.T) {
	newBooking := func(expertID uuid.UUID) *models.Booking {
		eid := expertID
		return &models.Booking{
			ID:              uuid.New(),
			ExpertiseNeeded: models.ExpertiseTechNation,
			ScheduledDate:   "2030-03-10",
			ScheduledTime:   "10:00",
			DurationMinutes: 60,
			ConsultationFee: 150.00,
			Status:          models.BookingStatusConfirmed,
			ExpertID:        &eid,
		}
	}

	t.Run("replacement free at the original time", func(t *testing.T) {
		svc, mock, cleanup := newTestAssignmentService(t)
		defer cleanup()

		cancelled := uuid.New()
		replacement := uuid.New()
		booking := newBooking(cancelled)

		candidates := sqlmock.NewRows(expertTestColumns)
		candidateExpertRow(candidates, cancelled, `[]`)
		candidateExpertRow(candidates, replacement, `[{"date":"2030-03-10","start_time":"09:00","end_time":"17:00"}]`)
		mock.ExpectQuery(`SELECT (.+) FROM experts`).
			WithArgs(models.ExpertiseTechNation).
			WillReturnRows(candidates)

		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(replacement, "2030-03-10", booking.ID).
			WillReturnRows(sqlmock.NewRows(bookingTestColumns))

		mock.ExpectExec(`UPDATE bookings`).
			WithArgs(booking.ID, replacement, sqlmock.AnyArg(), "2030-03-10", "10:00", false).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE experts`).
			WithArgs(replacement, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		outcome, expert, err := svc.ReassignAfterCancellation(booking, cancelled)
		require.NoError(t, err)
		assert.Equal(t, models.ReassignedSameTime, outcome)
		require.NotNil(t, expert)
		assert.Equal(t, replacement, expert.ID)
		require.NotNil(t, booking.ExpertID)
		assert.Equal(t, replacement, *booking.ExpertID)
		assert.False(t, booking.PendingClientConfirmation)
		assert.Equal(t, "2030-03-10", booking.ScheduledDate)
		assert.Equal(t, "10:00", booking.ScheduledTime)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("alternative slot is committed awaiting client confirmation", func(t *testing.T) {
		svc, mock, cleanup := newTestAssignmentService(t)
		defer cleanup()

		cancelled := uuid.New()
		replacement := uuid.New()
		booking := newBooking(cancelled)

		candidates := sqlmock.NewRows(expertTestColumns)
		candidateExpertRow(candidates, replacement, `[{"date":"2030-03-11","start_time":"09:00","end_time":"12:00"}]`)
		mock.ExpectQuery(`SELECT (.+) FROM experts`).
			WithArgs(models.ExpertiseTechNation).
			WillReturnRows(candidates)

		// Same-time pass probes the original date, the slot search the next
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(replacement, "2030-03-10", booking.ID).
			WillReturnRows(sqlmock.NewRows(bookingTestColumns))
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(replacement, "2030-03-11", booking.ID).
			WillReturnRows(sqlmock.NewRows(bookingTestColumns))

		mock.ExpectExec(`UPDATE bookings`).
			WithArgs(booking.ID, replacement, sqlmock.AnyArg(), "2030-03-11", "09:00", true).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE experts`).
			WithArgs(replacement, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		outcome, expert, err := svc.ReassignAfterCancellation(booking, cancelled)
		require.NoError(t, err)
		assert.Equal(t, models.ReassignedNewTime, outcome)
		require.NotNil(t, expert)
		assert.Equal(t, replacement, expert.ID)
		assert.Equal(t, "2030-03-11", booking.ScheduledDate)
		assert.Equal(t, "09:00", booking.ScheduledTime)
		assert.True(t, booking.PendingClientConfirmation)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no replacement anywhere requires a refund", func(t *testing.T) {
		svc, mock, cleanup := newTestAssignmentService(t)
		defer cleanup()

		cancelled := uuid.New()
		booking := newBooking(cancelled)

		candidates := sqlmock.NewRows(expertTestColumns)
		candidateExpertRow(candidates, cancelled, `[{"date":"2030-03-10","start_time":"09:00","end_time":"17:00"}]`)
		mock.ExpectQuery(`SELECT (.+) FROM experts`).
			WithArgs(models.ExpertiseTechNation).
			WillReturnRows(candidates)

		outcome, expert, err := svc.ReassignAfterCancellation(booking, cancelled)
		require.NoError(t, err)
		assert.Equal(t, models.RefundRequired, outcome)
		assert.Nil(t, expert)
		require.NotNil(t, booking.ExpertID)
		assert.Equal(t, cancelled, *booking.ExpertID)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
