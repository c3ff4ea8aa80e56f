package models

import (
	"time"

	"github.com/google/uuid"
)

// DisputeType identifies who failed to show up
type DisputeType string

const (
	DisputeTypeExpertNoShow DisputeType = "expert_no_show"
	DisputeTypeClientNoShow DisputeType = "client_no_show"
)

// DisputeStatus represents the lifecycle of a no-show dispute
type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "open"
	DisputeStatusResolved DisputeStatus = "resolved"
	DisputeStatusRejected DisputeStatus = "rejected"
)

// FiledBy identifies which party raised the dispute
type FiledBy string

const (
	FiledByClient FiledBy = "client"
	FiledByExpert FiledBy = "expert"
)

// NoShowDispute records a claim that one party missed the session.
// The accused party has until ReplyDeadline to respond before the
// dispute becomes eligible for automatic resolution.
type NoShowDispute struct {
	ID                  uuid.UUID     `json:"id" db:"id"`
	BookingID           uuid.UUID     `json:"booking_id" db:"booking_id"`
	Type                DisputeType   `json:"type" db:"type"`
	FiledBy             FiledBy       `json:"filed_by" db:"filed_by"`
	Status              DisputeStatus `json:"status" db:"status"`
	Description         *string       `json:"description,omitempty" db:"description"`
	EvidenceURL         *string       `json:"evidence_url,omitempty" db:"evidence_url"`
	Response            *string       `json:"response,omitempty" db:"response"`
	ResponseEvidenceURL *string       `json:"response_evidence_url,omitempty" db:"response_evidence_url"`
	RespondedAt         *time.Time    `json:"responded_at,omitempty" db:"responded_at"`
	RespondedLate       bool          `json:"responded_late" db:"responded_late"`
	ReplyDeadline       time.Time     `json:"reply_deadline" db:"reply_deadline"`
	RefundAmountDecided *float64      `json:"refund_amount_decided,omitempty" db:"refund_amount_decided"`
	RefundProcessed     bool          `json:"refund_processed" db:"refund_processed"`
	ResolvedBy          *string       `json:"resolved_by,omitempty" db:"resolved_by"` // staff, system
	ResolutionNotes     *string       `json:"resolution_notes,omitempty" db:"resolution_notes"`
	ResolvedAt          *time.Time    `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
}

// CanRespond reports whether the accused party can still file a response.
// A reply is accepted as long as the dispute is open and no reply has been
// recorded yet; past the deadline it is merely flagged late.
func (d *NoShowDispute) CanRespond() bool {
	return d.Status == DisputeStatusOpen && d.RespondedAt == nil
}

// ReplyIsLate reports whether a reply recorded at now misses the deadline
func (d *NoShowDispute) ReplyIsLate(now time.Time) bool {
	return !now.Before(d.ReplyDeadline)
}

// FileDisputeRequest raises a no-show claim against a booking
type FileDisputeRequest struct {
	Type        DisputeType `json:"type" binding:"required"`
	FiledBy     FiledBy     `json:"filed_by" binding:"required"`
	Description *string     `json:"description,omitempty"`
	EvidenceURL *string     `json:"evidence_url,omitempty"`
}

// DisputeResponseRequest is the accused party's reply
type DisputeResponseRequest struct {
	Response    string  `json:"response" binding:"required"`
	EvidenceURL *string `json:"evidence_url,omitempty"`
}

// ResolveDisputeRequest is the staff resolution decision
type ResolveDisputeRequest struct {
	Outcome      DisputeStatus `json:"outcome" binding:"required"` // resolved or rejected
	RefundAmount *float64      `json:"refund_amount,omitempty"`
	Notes        *string       `json:"notes,omitempty"`
}
