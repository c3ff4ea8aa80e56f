package models

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// BookingStatus represents the lifecycle state of a booking
type BookingStatus string

const (
	BookingStatusPendingAssignment BookingStatus = "pending_assignment"
	BookingStatusPendingPayment    BookingStatus = "pending_payment"
	BookingStatusConfirmed         BookingStatus = "confirmed"
	BookingStatusCompleted         BookingStatus = "completed"
	BookingStatusCancelled         BookingStatus = "cancelled"
	BookingStatusDispute           BookingStatus = "dispute"
	BookingStatusRefunded          BookingStatus = "refunded"
	BookingStatusPartiallyRefunded BookingStatus = "partially_refunded"
)

// bookingTransitions is the closed set of legal status moves. Anything
// not listed here is rejected before any row is touched.
var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPendingAssignment: {BookingStatusPendingPayment, BookingStatusCancelled},
	BookingStatusPendingPayment:    {BookingStatusConfirmed, BookingStatusCancelled},
	BookingStatusConfirmed: {
		BookingStatusCompleted, BookingStatusCancelled, BookingStatusDispute,
		BookingStatusRefunded, BookingStatusPartiallyRefunded,
	},
	BookingStatusDispute: {
		BookingStatusCompleted, BookingStatusRefunded, BookingStatusPartiallyRefunded,
	},
	BookingStatusCancelled: {BookingStatusRefunded, BookingStatusPartiallyRefunded},
	// completed / refunded / partially_refunded are terminal
}

// CanTransition reports whether moving from one status to another is legal
func CanTransition(from, to BookingStatus) bool {
	for _, next := range bookingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HoldingStatuses are the statuses that occupy an expert's time slot for
// conflict detection purposes.
var HoldingStatuses = []BookingStatus{
	BookingStatusConfirmed,
	BookingStatusPendingPayment,
	BookingStatusPendingAssignment,
}

// Booking represents a client's consultation request and its outcome
type Booking struct {
	ID                 uuid.UUID         `json:"id" db:"id"`
	UserID             *uuid.UUID        `json:"user_id,omitempty" db:"user_id"`
	ClientName         string            `json:"client_name" db:"client_name"`
	ClientEmail        string            `json:"client_email" db:"client_email"`
	ClientPhone        *string           `json:"client_phone,omitempty" db:"client_phone"`
	ExpertiseNeeded    ExpertiseCategory `json:"expertise_needed" db:"expertise_needed"`
	ScheduledDate      string            `json:"scheduled_date" db:"scheduled_date"` // "2006-01-02"
	ScheduledTime      string            `json:"scheduled_time" db:"scheduled_time"` // "15:04"
	DurationMinutes    int               `json:"duration_minutes" db:"duration_minutes"`
	ExpertID           *uuid.UUID        `json:"expert_id,omitempty" db:"expert_id"`
	AssignedAt         *time.Time        `json:"assigned_at,omitempty" db:"assigned_at"`
	ConsultationFee    float64           `json:"consultation_fee" db:"consultation_fee"`
	Status             BookingStatus     `json:"status" db:"status"`
	PaymentIntentID    *string           `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	ChargeID           *string           `json:"charge_id,omitempty" db:"charge_id"`
	RefundID           *string           `json:"refund_id,omitempty" db:"refund_id"`
	TransferID         *string           `json:"transfer_id,omitempty" db:"transfer_id"`
	RefundAmount       float64           `json:"refund_amount" db:"refund_amount"`
	RefundProcessedAt  *time.Time        `json:"refund_processed_at,omitempty" db:"refund_processed_at"`
	CancelledBy        *string           `json:"cancelled_by,omitempty" db:"cancelled_by"` // client, expert, staff, system
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancellationReason *string           `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	RescheduleCount    int               `json:"reschedule_count" db:"reschedule_count"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	CompletionNotes    *string           `json:"completion_notes,omitempty" db:"completion_notes"`
	ClientRating       *float64          `json:"client_rating,omitempty" db:"client_rating"`
	// PendingClientConfirmation is set when an alternate-slot reassignment
	// committed a new time that the client has not yet acknowledged.
	PendingClientConfirmation bool      `json:"pending_client_confirmation" db:"pending_client_confirmation"`
	CreatedAt                 time.Time `json:"created_at" db:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at" db:"updated_at"`
}

// ScheduledStart resolves the booking's start instant in loc
func (b *Booking) ScheduledStart(loc *time.Location) (time.Time, error) {
	if b.ScheduledDate == "" || b.ScheduledTime == "" {
		return time.Time{}, errors.New("booking has no scheduled date or time")
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", b.ScheduledDate+" "+b.ScheduledTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid scheduled date/time: %w", err)
	}
	return t, nil
}

// SessionEnd resolves the booking's end instant in loc
func (b *Booking) SessionEnd(loc *time.Location) (time.Time, error) {
	start, err := b.ScheduledStart(loc)
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(time.Duration(b.DurationMinutes) * time.Minute), nil
}

// RemainingRefundable returns how much of the fee can still be refunded
func (b *Booking) RemainingRefundable() float64 {
	remaining := RoundMoney(b.ConsultationFee - b.RefundAmount)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// StatusAfterRefund derives the terminal status implied by the booking's
// cumulative refund relative to its fee. Returns the current status when
// nothing has been refunded.
func (b *Booking) StatusAfterRefund() BookingStatus {
	switch {
	case b.RefundAmount >= b.ConsultationFee && b.ConsultationFee > 0:
		return BookingStatusRefunded
	case b.RefundAmount > 0:
		return BookingStatusPartiallyRefunded
	default:
		return b.Status
	}
}

// RoundMoney rounds to pence; all monetary comparisons go through this
// so clamping logic cannot drift on float error.
func RoundMoney(amount float64) float64 {
	return math.Round(amount*100) / 100
}

// ToPence converts a pounds amount to integer pence for provider calls
func ToPence(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// FromPence converts integer pence from the provider to pounds
func FromPence(pence int64) float64 {
	return float64(pence) / 100
}

// CreateBookingRequest represents a client's consultation request
type CreateBookingRequest struct {
	ClientName      string            `json:"client_name" binding:"required"`
	ClientEmail     string            `json:"client_email" binding:"required,email"`
	ClientPhone     *string           `json:"client_phone,omitempty"`
	ExpertiseNeeded ExpertiseCategory `json:"expertise_needed" binding:"required"`
	ScheduledDate   string            `json:"scheduled_date" binding:"required"`
	ScheduledTime   string            `json:"scheduled_time" binding:"required"`
	DurationMinutes int               `json:"duration_minutes,omitempty"`
	UserID          *uuid.UUID        `json:"user_id,omitempty"`
}

// Validate validates the create booking request
func (r *CreateBookingRequest) Validate() error {
	if _, err := time.Parse("2006-01-02", r.ScheduledDate); err != nil {
		return errors.New("scheduled_date must be in YYYY-MM-DD format")
	}
	if _, err := time.Parse("15:04", r.ScheduledTime); err != nil {
		return errors.New("scheduled_time must be in HH:MM format")
	}
	if r.DurationMinutes < 0 {
		return errors.New("duration_minutes cannot be negative")
	}
	if r.DurationMinutes > 240 {
		return errors.New("consultations longer than 4 hours are not supported")
	}
	return nil
}

// RescheduleRequest asks to move a booking to a new date/time
type RescheduleRequest struct {
	ScheduledDate string `json:"scheduled_date" binding:"required"`
	ScheduledTime string `json:"scheduled_time" binding:"required"`
}

// CancelBookingRequest carries the expert's cancellation reason
type CancelBookingRequest struct {
	Reason *string `json:"reason,omitempty"`
}

// CompleteBookingRequest marks a booking as done
type CompleteBookingRequest struct {
	Notes *string `json:"notes,omitempty"`
}

// RateBookingRequest records the client's rating of a completed session
type RateBookingRequest struct {
	Rating float64 `json:"rating" binding:"required,min=1,max=5"`
}

// AssignmentOutcome describes the result of a reassignment attempt
type AssignmentOutcome string

const (
	ReassignedSameTime AssignmentOutcome = "reassigned_same_time"
	ReassignedNewTime  AssignmentOutcome = "reassigned_new_time"
	RefundRequired     AssignmentOutcome = "refund_required"
)
