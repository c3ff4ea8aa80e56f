package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
)

// DisputeRepository handles database operations for no_show_disputes table
type DisputeRepository struct {
	db DB
}

// NewDisputeRepository creates a new DisputeRepository
func NewDisputeRepository(db DB) *DisputeRepository {
	return &DisputeRepository{db: db}
}

const disputeColumns = `id, booking_id, type, filed_by, status, description, evidence_url,
	   response, response_evidence_url, responded_at, responded_late, reply_deadline,
	   refund_amount_decided, refund_processed,
	   resolved_by, resolution_notes, resolved_at, created_at, updated_at`

// Create files a new dispute
func (r *DisputeRepository) Create(dispute *models.NoShowDispute) error {
	query := `
		INSERT INTO no_show_disputes (
			id, booking_id, type, filed_by, status, description, evidence_url, reply_deadline
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING created_at, updated_at
	`

	if dispute.ID == uuid.Nil {
		dispute.ID = uuid.New()
	}
	if dispute.Status == "" {
		dispute.Status = models.DisputeStatusOpen
	}

	return r.db.QueryRow(
		query,
		dispute.ID, dispute.BookingID, dispute.Type, dispute.FiledBy,
		dispute.Status, dispute.Description, dispute.EvidenceURL, dispute.ReplyDeadline,
	).Scan(&dispute.CreatedAt, &dispute.UpdatedAt)
}

// UpdateFiling refreshes the claim on an open dispute that is re-filed
func (r *DisputeRepository) UpdateFiling(disputeID uuid.UUID, description, evidenceURL *string) error {
	query := `
		UPDATE no_show_disputes
		SET description = COALESCE($2, description),
			evidence_url = COALESCE($3, evidence_url),
			updated_at = NOW()
		WHERE id = $1 AND status = 'open'
	`

	result, err := r.db.Exec(query, disputeID, description, evidenceURL)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("dispute not found or already resolved")
	}

	return nil
}

// GetByID retrieves a dispute by ID
func (r *DisputeRepository) GetByID(disputeID uuid.UUID) (*models.NoShowDispute, error) {
	query := `
		SELECT ` + disputeColumns + `
		FROM no_show_disputes
		WHERE id = $1
	`

	return r.scanDispute(r.db.QueryRow(query, disputeID))
}

// GetOpenByBookingAndType returns the open dispute of one type on a booking,
// nil when none exists
func (r *DisputeRepository) GetOpenByBookingAndType(bookingID uuid.UUID, disputeType models.DisputeType) (*models.NoShowDispute, error) {
	query := `
		SELECT ` + disputeColumns + `
		FROM no_show_disputes
		WHERE booking_id = $1 AND type = $2 AND status = 'open'
	`

	dispute, err := r.scanDispute(r.db.QueryRow(query, bookingID, disputeType))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return dispute, err
}

// GetOpenByBookingID returns any open dispute on a booking, nil when none
func (r *DisputeRepository) GetOpenByBookingID(bookingID uuid.UUID) (*models.NoShowDispute, error) {
	query := `
		SELECT ` + disputeColumns + `
		FROM no_show_disputes
		WHERE booking_id = $1 AND status = 'open'
		LIMIT 1
	`

	dispute, err := r.scanDispute(r.db.QueryRow(query, bookingID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return dispute, err
}

// ListOpenCreatedBefore returns open disputes filed before the cutoff, for
// the auto-resolution sweep
func (r *DisputeRepository) ListOpenCreatedBefore(cutoff time.Time) ([]models.NoShowDispute, error) {
	query := `
		SELECT ` + disputeColumns + `
		FROM no_show_disputes
		WHERE status = 'open'
		  AND created_at < $1
		ORDER BY created_at
	`

	rows, err := r.db.Query(query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanDisputes(rows)
}

// RecordResponse stores the accused party's reply, flagging it when it
// arrived past the reply deadline
func (r *DisputeRepository) RecordResponse(disputeID uuid.UUID, response string, evidenceURL *string, late bool) error {
	query := `
		UPDATE no_show_disputes
		SET response = $2, response_evidence_url = $3, responded_late = $4,
			responded_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'open' AND responded_at IS NULL
	`

	result, err := r.db.Exec(query, disputeID, response, evidenceURL, late)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("dispute not found or already responded")
	}

	return nil
}

// Resolve moves the dispute to a terminal outcome and records the decision
func (r *DisputeRepository) Resolve(disputeID uuid.UUID, outcome models.DisputeStatus, refundAmount *float64, resolvedBy string, notes *string) error {
	query := `
		UPDATE no_show_disputes
		SET status = $2, refund_amount_decided = $3,
			resolved_by = $4, resolution_notes = $5,
			resolved_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'open'
	`

	result, err := r.db.Exec(query, disputeID, outcome, refundAmount, resolvedBy, notes)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("dispute not found or already resolved")
	}

	return nil
}

// MarkRefundProcessed flags the decided refund as executed
func (r *DisputeRepository) MarkRefundProcessed(disputeID uuid.UUID) error {
	query := `
		UPDATE no_show_disputes
		SET refund_processed = true, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(query, disputeID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("dispute not found")
	}

	return nil
}

// scanDispute scans a single dispute
func (r *DisputeRepository) scanDispute(row scanner) (*models.NoShowDispute, error) {
	dispute := &models.NoShowDispute{}
	var description sql.NullString
	var evidenceURL sql.NullString
	var response sql.NullString
	var responseEvidence sql.NullString
	var respondedAt sql.NullTime
	var refundDecided sql.NullFloat64
	var resolvedBy sql.NullString
	var resolutionNotes sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&dispute.ID, &dispute.BookingID, &dispute.Type, &dispute.FiledBy, &dispute.Status,
		&description, &evidenceURL, &response, &responseEvidence, &respondedAt,
		&dispute.RespondedLate, &dispute.ReplyDeadline,
		&refundDecided, &dispute.RefundProcessed,
		&resolvedBy, &resolutionNotes, &resolvedAt,
		&dispute.CreatedAt, &dispute.UpdatedAt,
	)

	if err != nil {
		return nil, err
	}

	if description.Valid {
		dispute.Description = &description.String
	}
	if evidenceURL.Valid {
		dispute.EvidenceURL = &evidenceURL.String
	}
	if response.Valid {
		dispute.Response = &response.String
	}
	if responseEvidence.Valid {
		dispute.ResponseEvidenceURL = &responseEvidence.String
	}
	if respondedAt.Valid {
		dispute.RespondedAt = &respondedAt.Time
	}
	if refundDecided.Valid {
		dispute.RefundAmountDecided = &refundDecided.Float64
	}
	if resolvedBy.Valid {
		dispute.ResolvedBy = &resolvedBy.String
	}
	if resolutionNotes.Valid {
		dispute.ResolutionNotes = &resolutionNotes.String
	}
	if resolvedAt.Valid {
		dispute.ResolvedAt = &resolvedAt.Time
	}

	return dispute, nil
}

// scanDisputes scans multiple disputes from rows
func (r *DisputeRepository) scanDisputes(rows *sql.Rows) ([]models.NoShowDispute, error) {
	disputes := []models.NoShowDispute{}

	for rows.Next() {
		var dispute models.NoShowDispute
		var description sql.NullString
		var evidenceURL sql.NullString
		var response sql.NullString
		var responseEvidence sql.NullString
		var respondedAt sql.NullTime
		var refundDecided sql.NullFloat64
		var resolvedBy sql.NullString
		var resolutionNotes sql.NullString
		var resolvedAt sql.NullTime

		err := rows.Scan(
			&dispute.ID, &dispute.BookingID, &dispute.Type, &dispute.FiledBy, &dispute.Status,
			&description, &evidenceURL, &response, &responseEvidence, &respondedAt,
			&dispute.RespondedLate, &dispute.ReplyDeadline,
			&refundDecided, &dispute.RefundProcessed,
			&resolvedBy, &resolutionNotes, &resolvedAt,
			&dispute.CreatedAt, &dispute.UpdatedAt,
		)

		if err != nil {
			return nil, err
		}

		if description.Valid {
			dispute.Description = &description.String
		}
		if evidenceURL.Valid {
			dispute.EvidenceURL = &evidenceURL.String
		}
		if response.Valid {
			dispute.Response = &response.String
		}
		if responseEvidence.Valid {
			dispute.ResponseEvidenceURL = &responseEvidence.String
		}
		if respondedAt.Valid {
			dispute.RespondedAt = &respondedAt.Time
		}
		if refundDecided.Valid {
			dispute.RefundAmountDecided = &refundDecided.Float64
		}
		if resolvedBy.Valid {
			dispute.ResolvedBy = &resolvedBy.String
		}
		if resolutionNotes.Valid {
			dispute.ResolutionNotes = &resolutionNotes.String
		}
		if resolvedAt.Valid {
			dispute.ResolvedAt = &resolvedAt.Time
		}

		disputes = append(disputes, dispute)
	}

	return disputes, rows.Err()
}
