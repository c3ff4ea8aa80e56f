package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
)

// BookingRepository handles database operations for bookings table
type BookingRepository struct {
	db DB
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db DB) *BookingRepository {
	return &BookingRepository{db: db}
}

const bookingColumns = `id, user_id, client_name, client_email, client_phone,
	   expertise_needed, scheduled_date, scheduled_time, duration_minutes,
	   expert_id, assigned_at, consultation_fee, status,
	   payment_intent_id, charge_id, refund_id, transfer_id,
	   refund_amount, refund_processed_at,
	   cancelled_by, cancelled_at, cancellation_reason,
	   reschedule_count, completed_at, completion_notes, client_rating,
	   pending_client_confirmation, created_at, updated_at`

// Create creates a new booking
func (r *BookingRepository) Create(booking *models.Booking) error {
	query := `
		INSERT INTO bookings (
			id, user_id, client_name, client_email, client_phone,
			expertise_needed, scheduled_date, scheduled_time, duration_minutes,
			expert_id, assigned_at, consultation_fee, status, payment_intent_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING created_at, updated_at
	`

	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}

	return r.db.QueryRow(
		query,
		booking.ID, booking.UserID, booking.ClientName, booking.ClientEmail, booking.ClientPhone,
		booking.ExpertiseNeeded, booking.ScheduledDate, booking.ScheduledTime, booking.DurationMinutes,
		booking.ExpertID, booking.AssignedAt, booking.ConsultationFee, booking.Status, booking.PaymentIntentID,
	).Scan(&booking.CreatedAt, &booking.UpdatedAt)
}

// GetByID retrieves a booking by ID
func (r *BookingRepository) GetByID(bookingID uuid.UUID) (*models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE id = $1
	`

	return r.scanBooking(r.db.QueryRow(query, bookingID))
}

// GetByPaymentIntentID retrieves the booking tied to a payment intent
func (r *BookingRepository) GetByPaymentIntentID(intentID string) (*models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE payment_intent_id = $1
	`

	return r.scanBooking(r.db.QueryRow(query, intentID))
}

// ListForClient retrieves all bookings for a client email
func (r *BookingRepository) ListForClient(email string) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE client_email = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(query, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanBookings(rows)
}

// ListForExpert retrieves all bookings assigned to an expert
func (r *BookingRepository) ListForExpert(expertID uuid.UUID) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE expert_id = $1
		ORDER BY scheduled_date DESC, scheduled_time DESC
	`

	rows, err := r.db.Query(query, expertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanBookings(rows)
}

// ListHoldingForExpertOn returns the expert's bookings on a date whose status
// still holds the time slot. excludeID skips the booking being rescheduled or
// reassigned so it does not conflict with itself.
func (r *BookingRepository) ListHoldingForExpertOn(expertID uuid.UUID, date string, excludeID *uuid.UUID) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE expert_id = $1
		  AND scheduled_date = $2
		  AND status IN ('confirmed', 'pending_payment', 'pending_assignment')
		  AND ($3::uuid IS NULL OR id != $3)
		ORDER BY scheduled_time
	`

	rows, err := r.db.Query(query, expertID, date, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanBookings(rows)
}

// ListConfirmedEndedBefore returns confirmed bookings whose session ended on
// or before the given date, for auto-completion sweeps
func (r *BookingRepository) ListConfirmedEndedBefore(date string) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = 'confirmed'
		  AND scheduled_date <= $1
		ORDER BY scheduled_date, scheduled_time
	`

	rows, err := r.db.Query(query, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanBookings(rows)
}

// ListPendingPaymentOlderThan returns bookings stuck in pending_payment
// since before the cutoff, for the reconciliation sweep
func (r *BookingRepository) ListPendingPaymentOlderThan(cutoff time.Time) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = 'pending_payment'
		  AND payment_intent_id IS NOT NULL
		  AND updated_at < $1
		ORDER BY updated_at
	`

	rows, err := r.db.Query(query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanBookings(rows)
}

// UpdateStatus moves a booking to a new status after checking the transition
// table. The WHERE clause re-checks the expected current status so two
// concurrent writers cannot both win.
func (r *BookingRepository) UpdateStatus(bookingID uuid.UUID, from, to models.BookingStatus) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("illegal booking transition from %s to %s", from, to)
	}

	query := `
		UPDATE bookings
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	result, err := r.db.Exec(query, bookingID, from, to)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found or status changed concurrently")
	}

	return nil
}

// AssignExpert records the expert assignment and moves the booking to
// pending_payment in one statement
func (r *BookingRepository) AssignExpert(bookingID, expertID uuid.UUID, at time.Time) error {
	query := `
		UPDATE bookings
		SET expert_id = $2, assigned_at = $3, status = 'pending_payment', updated_at = NOW()
		WHERE id = $1 AND status = 'pending_assignment'
	`

	result, err := r.db.Exec(query, bookingID, expertID, at)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found or not awaiting assignment")
	}

	return nil
}

// Reassign replaces the expert on a booking, optionally moving it to a new
// time and flagging it for client confirmation
func (r *BookingRepository) Reassign(bookingID, expertID uuid.UUID, date, timeOfDay string, pendingConfirmation bool, at time.Time) error {
	query := `
		UPDATE bookings
		SET expert_id = $2, assigned_at = $3,
			scheduled_date = $4, scheduled_time = $5,
			pending_client_confirmation = $6,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(query, bookingID, expertID, at, date, timeOfDay, pendingConfirmation)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found")
	}

	return nil
}

// ConfirmNewTime clears the pending client confirmation flag
func (r *BookingRepository) ConfirmNewTime(bookingID uuid.UUID) error {
	query := `
		UPDATE bookings
		SET pending_client_confirmation = false, updated_at = NOW()
		WHERE id = $1 AND pending_client_confirmation = true
	`

	result, err := r.db.Exec(query, bookingID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found or nothing to confirm")
	}

	return nil
}

// UpdateFee sets the consultation fee before the charge is created
func (r *BookingRepository) UpdateFee(bookingID uuid.UUID, fee float64) error {
	query := `
		UPDATE bookings
		SET consultation_fee = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending_assignment', 'pending_payment')
	`

	result, err := r.db.Exec(query, bookingID, fee)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found or already charged")
	}

	return nil
}

// SetPaymentIntent attaches the Stripe payment intent reference
func (r *BookingRepository) SetPaymentIntent(bookingID uuid.UUID, intentID string) error {
	query := `
		UPDATE bookings
		SET payment_intent_id = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(query, bookingID, intentID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found")
	}

	return nil
}

// ConfirmPayment records the charge and moves the booking to confirmed
func (r *BookingRepository) ConfirmPayment(bookingID uuid.UUID, chargeID string) error {
	query := `
		UPDATE bookings
		SET status = 'confirmed', charge_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending_payment'
	`

	result, err := r.db.Exec(query, bookingID, chargeID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found or not awaiting payment")
	}

	return nil
}

// RecordRefund updates the cumulative refund bookkeeping and derives the
// booking's refund status from the new total
func (r *BookingRepository) RecordRefund(bookingID uuid.UUID, refundID string, totalRefunded float64, status models.BookingStatus) error {
	query := `
		UPDATE bookings
		SET refund_id = $2, refund_amount = $3, status = $4,
			refund_processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(query, bookingID, refundID, totalRefunded, status)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found")
	}

	return nil
}

// Cancel cancels a booking and records who initiated it
func (r *BookingRepository) Cancel(bookingID uuid.UUID, cancelledBy string, reason *string) error {
	query := `
		UPDATE bookings
		SET status = 'cancelled',
			cancelled_by = $2,
			cancellation_reason = $3,
			cancelled_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(query, bookingID, cancelledBy, reason)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found")
	}

	return nil
}

// Complete marks a booking as completed
func (r *BookingRepository) Complete(bookingID uuid.UUID, notes *string) error {
	query := `
		UPDATE bookings
		SET status = 'completed', completed_at = NOW(),
			completion_notes = COALESCE($2, completion_notes),
			updated_at = NOW()
		WHERE id = $1 AND status IN ('confirmed', 'dispute')
	`

	result, err := r.db.Exec(query, bookingID, notes)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found or not completable")
	}

	return nil
}

// Reschedule moves the booking to a new date/time and bumps the attempt count
func (r *BookingRepository) Reschedule(bookingID uuid.UUID, date, timeOfDay string) error {
	query := `
		UPDATE bookings
		SET scheduled_date = $2, scheduled_time = $3,
			reschedule_count = reschedule_count + 1,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(query, bookingID, date, timeOfDay)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found")
	}

	return nil
}

// RateBooking records the client's rating of a completed session
func (r *BookingRepository) RateBooking(bookingID uuid.UUID, rating float64) error {
	query := `
		UPDATE bookings
		SET client_rating = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'completed'
	`

	result, err := r.db.Exec(query, bookingID, rating)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("booking not found or not completed")
	}

	return nil
}

// AverageRatingForExpert returns the mean client rating over the expert's
// rated completed sessions, with the number of ratings counted
func (r *BookingRepository) AverageRatingForExpert(expertID uuid.UUID) (float64, int, error) {
	query := `
		SELECT COALESCE(AVG(client_rating), 0), COUNT(client_rating)
		FROM bookings
		WHERE expert_id = $1
		  AND status = 'completed'
		  AND client_rating IS NOT NULL
	`

	var avg float64
	var count int
	err := r.db.QueryRow(query, expertID).Scan(&avg, &count)
	return avg, count, err
}

// CountHoldingForExpert counts bookings currently holding an expert's time
func (r *BookingRepository) CountHoldingForExpert(expertID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM bookings
		WHERE expert_id = $1
		  AND status IN ('confirmed', 'pending_payment', 'pending_assignment')
	`

	var count int
	err := r.db.QueryRow(query, expertID).Scan(&count)
	return count, err
}

// scanBooking scans a single booking
func (r *BookingRepository) scanBooking(row scanner) (*models.Booking, error) {
	booking := &models.Booking{}
	var userID sql.NullString
	var clientPhone sql.NullString
	var expertID sql.NullString
	var assignedAt sql.NullTime
	var paymentIntentID sql.NullString
	var chargeID sql.NullString
	var refundID sql.NullString
	var transferID sql.NullString
	var refundProcessedAt sql.NullTime
	var cancelledBy sql.NullString
	var cancelledAt sql.NullTime
	var cancellationReason sql.NullString
	var completedAt sql.NullTime
	var completionNotes sql.NullString
	var clientRating sql.NullFloat64

	err := row.Scan(
		&booking.ID, &userID, &booking.ClientName, &booking.ClientEmail, &clientPhone,
		&booking.ExpertiseNeeded, &booking.ScheduledDate, &booking.ScheduledTime, &booking.DurationMinutes,
		&expertID, &assignedAt, &booking.ConsultationFee, &booking.Status,
		&paymentIntentID, &chargeID, &refundID, &transferID,
		&booking.RefundAmount, &refundProcessedAt,
		&cancelledBy, &cancelledAt, &cancellationReason,
		&booking.RescheduleCount, &completedAt, &completionNotes, &clientRating,
		&booking.PendingClientConfirmation, &booking.CreatedAt, &booking.UpdatedAt,
	)

	if err != nil {
		return nil, err
	}

	applyBookingNulls(booking, userID, clientPhone, expertID, assignedAt,
		paymentIntentID, chargeID, refundID, transferID, refundProcessedAt,
		cancelledBy, cancelledAt, cancellationReason, completedAt, completionNotes, clientRating)

	return booking, nil
}

// scanBookings scans multiple bookings from rows
func (r *BookingRepository) scanBookings(rows *sql.Rows) ([]models.Booking, error) {
	bookings := []models.Booking{}

	for rows.Next() {
		var booking models.Booking
		var userID sql.NullString
		var clientPhone sql.NullString
		var expertID sql.NullString
		var assignedAt sql.NullTime
		var paymentIntentID sql.NullString
		var chargeID sql.NullString
		var refundID sql.NullString
		var transferID sql.NullString
		var refundProcessedAt sql.NullTime
		var cancelledBy sql.NullString
		var cancelledAt sql.NullTime
		var cancellationReason sql.NullString
		var completedAt sql.NullTime
		var completionNotes sql.NullString
		var clientRating sql.NullFloat64

		err := rows.Scan(
			&booking.ID, &userID, &booking.ClientName, &booking.ClientEmail, &clientPhone,
			&booking.ExpertiseNeeded, &booking.ScheduledDate, &booking.ScheduledTime, &booking.DurationMinutes,
			&expertID, &assignedAt, &booking.ConsultationFee, &booking.Status,
			&paymentIntentID, &chargeID, &refundID, &transferID,
			&booking.RefundAmount, &refundProcessedAt,
			&cancelledBy, &cancelledAt, &cancellationReason,
			&booking.RescheduleCount, &completedAt, &completionNotes, &clientRating,
			&booking.PendingClientConfirmation, &booking.CreatedAt, &booking.UpdatedAt,
		)

		if err != nil {
			return nil, err
		}

		applyBookingNulls(&booking, userID, clientPhone, expertID, assignedAt,
			paymentIntentID, chargeID, refundID, transferID, refundProcessedAt,
			cancelledBy, cancelledAt, cancellationReason, completedAt, completionNotes, clientRating)

		bookings = append(bookings, booking)
	}

	return bookings, rows.Err()
}

// applyBookingNulls converts sql.Null* values onto the booking's pointer fields
func applyBookingNulls(booking *models.Booking,
	userID, clientPhone, expertID sql.NullString, assignedAt sql.NullTime,
	paymentIntentID, chargeID, refundID, transferID sql.NullString, refundProcessedAt sql.NullTime,
	cancelledBy sql.NullString, cancelledAt sql.NullTime, cancellationReason sql.NullString,
	completedAt sql.NullTime, completionNotes sql.NullString, clientRating sql.NullFloat64,
) {
	if userID.Valid {
		if id, err := uuid.Parse(userID.String); err == nil {
			booking.UserID = &id
		}
	}
	if clientPhone.Valid {
		booking.ClientPhone = &clientPhone.String
	}
	if expertID.Valid {
		if id, err := uuid.Parse(expertID.String); err == nil {
			booking.ExpertID = &id
		}
	}
	if assignedAt.Valid {
		booking.AssignedAt = &assignedAt.Time
	}
	if paymentIntentID.Valid {
		booking.PaymentIntentID = &paymentIntentID.String
	}
	if chargeID.Valid {
		booking.ChargeID = &chargeID.String
	}
	if refundID.Valid {
		booking.RefundID = &refundID.String
	}
	if transferID.Valid {
		booking.TransferID = &transferID.String
	}
	if refundProcessedAt.Valid {
		booking.RefundProcessedAt = &refundProcessedAt.Time
	}
	if cancelledBy.Valid {
		booking.CancelledBy = &cancelledBy.String
	}
	if cancelledAt.Valid {
		booking.CancelledAt = &cancelledAt.Time
	}
	if cancellationReason.Valid {
		booking.CancellationReason = &cancellationReason.String
	}
	if completedAt.Valid {
		booking.CompletedAt = &completedAt.Time
	}
	if completionNotes.Valid {
		booking.CompletionNotes = &completionNotes.String
	}
	if clientRating.Valid {
		booking.ClientRating = &clientRating.Float64
	}
}
