package models

import (
	"time"

	"github.com/google/uuid"
)

// EarningStatus represents the payout state of an expert earning
type EarningStatus string

const (
	EarningStatusPending   EarningStatus = "pending"
	EarningStatusPaid      EarningStatus = "paid"
	EarningStatusCancelled EarningStatus = "cancelled"
	EarningStatusFailed    EarningStatus = "failed"
)

// ExpertEarning is the per-booking ledger entry for an expert's share.
// Amount is always recomputed from the booking's fee and cumulative refund,
// never adjusted incrementally.
type ExpertEarning struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	ExpertID       uuid.UUID     `json:"expert_id" db:"expert_id"`
	BookingID      uuid.UUID     `json:"booking_id" db:"booking_id"`
	GrossAmount    float64       `json:"gross_amount" db:"gross_amount"`
	CommissionRate float64       `json:"commission_rate" db:"commission_rate"`
	Amount         float64       `json:"amount" db:"amount"`
	Status         EarningStatus `json:"status" db:"status"`
	TransferID     *string       `json:"transfer_id,omitempty" db:"transfer_id"`
	PaidAt         *time.Time    `json:"paid_at,omitempty" db:"paid_at"`
	CalculatedAt   time.Time     `json:"calculated_at" db:"calculated_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// ComputeEarning derives an expert's net share from a fee, the cumulative
// refund against it, and the expert's commission rate. Never negative.
func ComputeEarning(fee, refunded, commissionRate float64) float64 {
	base := fee - refunded
	if base < 0 {
		base = 0
	}
	return RoundMoney(base * (1 - commissionRate))
}

// BonusType categorizes manual expert bonuses
type BonusType string

const (
	BonusTypeReferral    BonusType = "referral"
	BonusTypePerformance BonusType = "performance"
	BonusTypeAdjustment  BonusType = "adjustment"
)

// ExpertBonus is a staff-granted addition to an expert's payout
type ExpertBonus struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	ExpertID   uuid.UUID     `json:"expert_id" db:"expert_id"`
	Type       BonusType     `json:"type" db:"type"`
	Amount     float64       `json:"amount" db:"amount"`
	Reason     *string       `json:"reason,omitempty" db:"reason"`
	Status     EarningStatus `json:"status" db:"status"`
	TransferID *string       `json:"transfer_id,omitempty" db:"transfer_id"`
	PaidAt     *time.Time    `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" db:"updated_at"`
}

// PayoutResult summarizes a completed payout batch
type PayoutResult struct {
	ExpertID     uuid.UUID `json:"expert_id"`
	TransferID   string    `json:"transfer_id"`
	GrossAmount  float64   `json:"gross_amount"`
	Fee          float64   `json:"fee"`
	NetAmount    float64   `json:"net_amount"`
	EarningCount int       `json:"earning_count"`
	BonusCount   int       `json:"bonus_count"`
	Instant      bool      `json:"instant"`
}
