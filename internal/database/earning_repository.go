package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/techvisa/expert-marketplace-backend/internal/models"
)

// EarningRepository handles database operations for expert_earnings and
// expert_bonuses tables
type EarningRepository struct {
	db DB
}

// NewEarningRepository creates a new EarningRepository
func NewEarningRepository(db DB) *EarningRepository {
	return &EarningRepository{db: db}
}

const earningColumns = `id, expert_id, booking_id, gross_amount, commission_rate,
	   amount, status, transfer_id, paid_at, calculated_at, created_at, updated_at`

// Upsert creates or replaces the single earning row for a booking. The
// booking_id unique constraint makes recalculation idempotent.
func (r *EarningRepository) Upsert(earning *models.ExpertEarning) error {
	query := `
		INSERT INTO expert_earnings (
			id, expert_id, booking_id, gross_amount, commission_rate,
			amount, status, calculated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (booking_id) DO UPDATE
		SET gross_amount = EXCLUDED.gross_amount,
			commission_rate = EXCLUDED.commission_rate,
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			calculated_at = EXCLUDED.calculated_at,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	if earning.ID == uuid.Nil {
		earning.ID = uuid.New()
	}
	if earning.CalculatedAt.IsZero() {
		earning.CalculatedAt = time.Now()
	}

	return r.db.QueryRow(
		query,
		earning.ID, earning.ExpertID, earning.BookingID, earning.GrossAmount, earning.CommissionRate,
		earning.Amount, earning.Status, earning.CalculatedAt,
	).Scan(&earning.ID, &earning.CreatedAt, &earning.UpdatedAt)
}

// GetByBookingID retrieves the earning for a booking, nil when none exists
func (r *EarningRepository) GetByBookingID(bookingID uuid.UUID) (*models.ExpertEarning, error) {
	query := `
		SELECT ` + earningColumns + `
		FROM expert_earnings
		WHERE booking_id = $1
	`

	earning, err := r.scanEarning(r.db.QueryRow(query, bookingID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return earning, err
}

// ListForExpert returns an expert's earnings, newest first
func (r *EarningRepository) ListForExpert(expertID uuid.UUID) ([]models.ExpertEarning, error) {
	query := `
		SELECT ` + earningColumns + `
		FROM expert_earnings
		WHERE expert_id = $1
		ORDER BY calculated_at DESC
	`

	rows, err := r.db.Query(query, expertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanEarnings(rows)
}

// ListPendingForExpert returns the expert's pending earnings calculated
// within [from, to)
func (r *EarningRepository) ListPendingForExpert(expertID uuid.UUID, from, to time.Time) ([]models.ExpertEarning, error) {
	query := `
		SELECT ` + earningColumns + `
		FROM expert_earnings
		WHERE expert_id = $1
		  AND status = 'pending'
		  AND calculated_at >= $2
		  AND calculated_at < $3
		ORDER BY calculated_at
	`

	rows, err := r.db.Query(query, expertID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanEarnings(rows)
}

// ListAllPendingForExpert returns every pending earning regardless of window,
// used for instant payouts
func (r *EarningRepository) ListAllPendingForExpert(expertID uuid.UUID) ([]models.ExpertEarning, error) {
	query := `
		SELECT ` + earningColumns + `
		FROM expert_earnings
		WHERE expert_id = $1
		  AND status = 'pending'
		ORDER BY calculated_at
	`

	rows, err := r.db.Query(query, expertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanEarnings(rows)
}

// MarkPaidBatch stamps every earning and bonus in the batch with the shared
// transfer ID inside one transaction. Either all rows flip to paid or none do.
func (r *EarningRepository) MarkPaidBatch(earningIDs, bonusIDs []uuid.UUID, transferID string) error {
	if len(earningIDs) == 0 && len(bonusIDs) == 0 {
		return nil
	}

	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin payout transaction: %w", err)
	}
	defer tx.Rollback()

	if len(earningIDs) > 0 {
		query := `
			UPDATE expert_earnings
			SET status = 'paid', transfer_id = $1, paid_at = NOW(), updated_at = NOW()
			WHERE id = ANY($2) AND status = 'pending'
		`
		result, err := tx.Exec(query, transferID, pq.Array(earningIDs))
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if int(rows) != len(earningIDs) {
			return fmt.Errorf("payout batch mismatch: expected %d earnings, updated %d", len(earningIDs), rows)
		}
	}

	if len(bonusIDs) > 0 {
		query := `
			UPDATE expert_bonuses
			SET status = 'paid', transfer_id = $1, paid_at = NOW(), updated_at = NOW()
			WHERE id = ANY($2) AND status = 'pending'
		`
		result, err := tx.Exec(query, transferID, pq.Array(bonusIDs))
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if int(rows) != len(bonusIDs) {
			return fmt.Errorf("payout batch mismatch: expected %d bonuses, updated %d", len(bonusIDs), rows)
		}
	}

	return tx.Commit()
}

// CreateBonus records a staff-granted bonus
func (r *EarningRepository) CreateBonus(bonus *models.ExpertBonus) error {
	query := `
		INSERT INTO expert_bonuses (
			id, expert_id, type, amount, reason, status
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		RETURNING created_at, updated_at
	`

	if bonus.ID == uuid.Nil {
		bonus.ID = uuid.New()
	}
	if bonus.Status == "" {
		bonus.Status = models.EarningStatusPending
	}

	return r.db.QueryRow(
		query,
		bonus.ID, bonus.ExpertID, bonus.Type, bonus.Amount, bonus.Reason, bonus.Status,
	).Scan(&bonus.CreatedAt, &bonus.UpdatedAt)
}

// ListPendingBonusesForExpert returns the expert's unpaid bonuses
func (r *EarningRepository) ListPendingBonusesForExpert(expertID uuid.UUID) ([]models.ExpertBonus, error) {
	query := `
		SELECT id, expert_id, type, amount, reason, status, transfer_id, paid_at, created_at, updated_at
		FROM expert_bonuses
		WHERE expert_id = $1
		  AND status = 'pending'
		ORDER BY created_at
	`

	rows, err := r.db.Query(query, expertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bonuses := []models.ExpertBonus{}
	for rows.Next() {
		var bonus models.ExpertBonus
		var reason sql.NullString
		var transferID sql.NullString
		var paidAt sql.NullTime

		err := rows.Scan(
			&bonus.ID, &bonus.ExpertID, &bonus.Type, &bonus.Amount, &reason,
			&bonus.Status, &transferID, &paidAt, &bonus.CreatedAt, &bonus.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		if reason.Valid {
			bonus.Reason = &reason.String
		}
		if transferID.Valid {
			bonus.TransferID = &transferID.String
		}
		if paidAt.Valid {
			bonus.PaidAt = &paidAt.Time
		}

		bonuses = append(bonuses, bonus)
	}

	return bonuses, rows.Err()
}

// SumPendingForExpert returns the total pending amount (earnings + bonuses)
func (r *EarningRepository) SumPendingForExpert(expertID uuid.UUID) (float64, error) {
	query := `
		SELECT COALESCE((
			SELECT SUM(amount) FROM expert_earnings
			WHERE expert_id = $1 AND status = 'pending'
		), 0) + COALESCE((
			SELECT SUM(amount) FROM expert_bonuses
			WHERE expert_id = $1 AND status = 'pending'
		), 0)
	`

	var total float64
	err := r.db.QueryRow(query, expertID).Scan(&total)
	return total, err
}

// scanEarning scans a single earning
func (r *EarningRepository) scanEarning(row scanner) (*models.ExpertEarning, error) {
	earning := &models.ExpertEarning{}
	var transferID sql.NullString
	var paidAt sql.NullTime

	err := row.Scan(
		&earning.ID, &earning.ExpertID, &earning.BookingID, &earning.GrossAmount, &earning.CommissionRate,
		&earning.Amount, &earning.Status, &transferID, &paidAt,
		&earning.CalculatedAt, &earning.CreatedAt, &earning.UpdatedAt,
	)

	if err != nil {
		return nil, err
	}

	if transferID.Valid {
		earning.TransferID = &transferID.String
	}
	if paidAt.Valid {
		earning.PaidAt = &paidAt.Time
	}

	return earning, nil
}

// scanEarnings scans multiple earnings from rows
func (r *EarningRepository) scanEarnings(rows *sql.Rows) ([]models.ExpertEarning, error) {
	earnings := []models.ExpertEarning{}

	for rows.Next() {
		var earning models.ExpertEarning
		var transferID sql.NullString
		var paidAt sql.NullTime

		err := rows.Scan(
			&earning.ID, &earning.ExpertID, &earning.BookingID, &earning.GrossAmount, &earning.CommissionRate,
			&earning.Amount, &earning.Status, &transferID, &paidAt,
			&earning.CalculatedAt, &earning.CreatedAt, &earning.UpdatedAt,
		)

		if err != nil {
			return nil, err
		}

		if transferID.Valid {
			earning.TransferID = &transferID.String
		}
		if paidAt.Valid {
			earning.PaidAt = &paidAt.Time
		}

		earnings = append(earnings, earning)
	}

	return earnings, rows.Err()
}
