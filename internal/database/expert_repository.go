package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
)

// ExpertRepository handles database operations for experts table
type ExpertRepository struct {
	db DB
}

// NewExpertRepository creates a new ExpertRepository
func NewExpertRepository(db DB) *ExpertRepository {
	return &ExpertRepository{db: db}
}

const expertColumns = `id, first_name, last_name, email, password_hash, is_active,
	   expertise, hourly_rate, commission_rate, rating,
	   availability, stripe_account_id, total_earnings, pending_payout,
	   last_assigned_at, created_at, updated_at`

// Create creates a new expert
func (r *ExpertRepository) Create(expert *models.Expert) error {
	query := `
		INSERT INTO experts (
			id, first_name, last_name, email, password_hash, is_active,
			expertise, hourly_rate, commission_rate, rating,
			availability, stripe_account_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		RETURNING created_at, updated_at
	`

	if expert.ID == uuid.Nil {
		expert.ID = uuid.New()
	}

	availability, err := models.MarshalAvailability(expert.Availability)
	if err != nil {
		return fmt.Errorf("failed to encode availability: %w", err)
	}

	return r.db.QueryRow(
		query,
		expert.ID, expert.FirstName, expert.LastName, expert.Email, expert.PasswordHash, expert.IsActive,
		expert.Expertise, expert.HourlyRate, expert.CommissionRate, expert.Rating,
		availability, expert.StripeAccountID,
	).Scan(&expert.CreatedAt, &expert.UpdatedAt)
}

// GetByID retrieves an expert by ID
func (r *ExpertRepository) GetByID(expertID uuid.UUID) (*models.Expert, error) {
	query := `
		SELECT ` + expertColumns + `
		FROM experts
		WHERE id = $1
	`

	return r.scanExpert(r.db.QueryRow(query, expertID))
}

// GetByEmail retrieves an expert by email
func (r *ExpertRepository) GetByEmail(email string) (*models.Expert, error) {
	query := `
		SELECT ` + expertColumns + `
		FROM experts
		WHERE email = $1
	`

	return r.scanExpert(r.db.QueryRow(query, email))
}

// ListCandidates returns active experts covering the expertise category,
// ordered by fairness: least recently assigned first (never assigned at the
// very front), then highest rated, then the fewest bookings currently
// holding their time.
func (r *ExpertRepository) ListCandidates(expertise models.ExpertiseCategory) ([]models.Expert, error) {
	query := `
		SELECT ` + expertColumns + `
		FROM experts e
		WHERE e.is_active = true
		  AND e.expertise = $1
		ORDER BY e.last_assigned_at ASC NULLS FIRST,
				 e.rating DESC,
				 (SELECT COUNT(*) FROM bookings b
				  WHERE b.expert_id = e.id
					AND b.status IN ('confirmed', 'completed')) ASC,
				 e.id ASC
	`

	rows, err := r.db.Query(query, expertise)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanExperts(rows)
}

// UpdateAvailability replaces the expert's availability calendar
func (r *ExpertRepository) UpdateAvailability(expertID uuid.UUID, slots []models.AvailabilitySlot) error {
	availability, err := models.MarshalAvailability(slots)
	if err != nil {
		return fmt.Errorf("failed to encode availability: %w", err)
	}

	query := `
		UPDATE experts
		SET availability = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(query, expertID, availability)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("expert not found")
	}

	return nil
}

// TouchLastAssigned records the moment an expert was assigned a booking
func (r *ExpertRepository) TouchLastAssigned(expertID uuid.UUID, at time.Time) error {
	query := `
		UPDATE experts
		SET last_assigned_at = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(query, expertID, at)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("expert not found")
	}

	return nil
}

// UpdateRating sets the expert's aggregate rating
func (r *ExpertRepository) UpdateRating(expertID uuid.UUID, rating float64) error {
	query := `
		UPDATE experts
		SET rating = $2, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(query, expertID, rating)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("expert not found")
	}

	return nil
}

// AdjustAggregates applies deltas to the expert's lifetime earnings and
// pending payout totals. Deltas may be negative when earnings are reversed.
func (r *ExpertRepository) AdjustAggregates(expertID uuid.UUID, totalDelta, pendingDelta float64) error {
	query := `
		UPDATE experts
		SET total_earnings = ROUND((total_earnings + $2)::numeric, 2),
			pending_payout = GREATEST(ROUND((pending_payout + $3)::numeric, 2), 0),
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Exec(query, expertID, totalDelta, pendingDelta)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return fmt.Errorf("expert not found")
	}

	return nil
}

// ResetPendingPayout zeroes the pending payout aggregate after a batch clears
func (r *ExpertRepository) ResetPendingPayout(expertID uuid.UUID) error {
	query := `
		UPDATE experts
		SET pending_payout = 0, updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Exec(query, expertID)
	return err
}

// ListWithPendingEarnings returns the distinct experts that have at least one
// pending earning calculated before the cutoff
func (r *ExpertRepository) ListWithPendingEarnings(cutoff time.Time) ([]models.Expert, error) {
	query := `
		SELECT ` + expertColumns + `
		FROM experts e
		WHERE EXISTS (
			SELECT 1 FROM expert_earnings ee
			WHERE ee.expert_id = e.id
			  AND ee.status = 'pending'
			  AND ee.calculated_at < $1
		)
		ORDER BY e.id
	`

	rows, err := r.db.Query(query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanExperts(rows)
}

// scanExpert scans a single expert
func (r *ExpertRepository) scanExpert(row scanner) (*models.Expert, error) {
	expert := &models.Expert{}
	var availability []byte
	var stripeAccountID sql.NullString
	var lastAssignedAt sql.NullTime

	err := row.Scan(
		&expert.ID, &expert.FirstName, &expert.LastName, &expert.Email, &expert.PasswordHash, &expert.IsActive,
		&expert.Expertise, &expert.HourlyRate, &expert.CommissionRate, &expert.Rating,
		&availability, &stripeAccountID, &expert.TotalEarnings, &expert.PendingPayout,
		&lastAssignedAt, &expert.CreatedAt, &expert.UpdatedAt,
	)

	if err != nil {
		return nil, err
	}

	if stripeAccountID.Valid {
		expert.StripeAccountID = &stripeAccountID.String
	}
	if lastAssignedAt.Valid {
		expert.LastAssignedAt = &lastAssignedAt.Time
	}
	expert.Availability = models.ParseAvailability(availability)

	return expert, nil
}

// scanExperts scans multiple experts from rows
func (r *ExpertRepository) scanExperts(rows *sql.Rows) ([]models.Expert, error) {
	experts := []models.Expert{}

	for rows.Next() {
		var expert models.Expert
		var availability []byte
		var stripeAccountID sql.NullString
		var lastAssignedAt sql.NullTime

		err := rows.Scan(
			&expert.ID, &expert.FirstName, &expert.LastName, &expert.Email, &expert.PasswordHash, &expert.IsActive,
			&expert.Expertise, &expert.HourlyRate, &expert.CommissionRate, &expert.Rating,
			&availability, &stripeAccountID, &expert.TotalEarnings, &expert.PendingPayout,
			&lastAssignedAt, &expert.CreatedAt, &expert.UpdatedAt,
		)

		if err != nil {
			return nil, err
		}

		if stripeAccountID.Valid {
			expert.StripeAccountID = &stripeAccountID.String
		}
		if lastAssignedAt.Valid {
			expert.LastAssignedAt = &lastAssignedAt.Time
		}
		expert.Availability = models.ParseAvailability(availability)

		experts = append(experts, expert)
	}

	return experts, rows.Err()
}
