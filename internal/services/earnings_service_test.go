package services

import (
	"context"
	"fmt"
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

func newTestEarningsService(t *testing.T, stripe StripeAPI, instantFee float64) (*EarningsService, sqlmock.Sqlmock, func()) {
	db, mock := setupTestDB(t)
	mock.MatchExpectationsInOrder(false)
	svc := NewEarningsService(
		database.NewEarningRepository(db),
		database.NewExpertRepository(db),
		database.NewBookingRepository(db),
		database.NewPaymentAuditRepository(db, testLogger()),
		stripe,
		&config.PayoutConfig{InstantFee: instantFee},
		testLogger(),
	)
	return svc, mock, func() { db.Close() }
}

func payableExpert() *models.Expert {
	acct := "acct_test_1"
	return &models.Expert{
		ID:              uuid.New(),
		Email:           "expert@example.com",
		CommissionRate:  0.20,
		StripeAccountID: &acct,
	}
}

var earningTestColumns = []string{
	"id", "expert_id", "booking_id", "gross_amount", "commission_rate",
	"amount", "status", "transfer_id", "paid_at", "calculated_at", "created_at", "updated_at",
}

var bonusTestColumns = []string{
	"id", "expert_id", "type", "amount", "reason", "status", "transfer_id", "paid_at", "created_at", "updated_at",
}

func pendingEarningRow(rows *sqlmock.Rows, id, expertID uuid.UUID, amount float64) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		id, expertID, uuid.New(), amount/0.8, 0.20,
		amount, "pending", nil, nil, now, now, now,
	)
}

func TestStartOfWeek(t *testing.T) {
	loc := testLocation(t)

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{
			"midweek",
			time.Date(2026, 3, 12, 15, 30, 0, 0, loc), // Thursday
			time.Date(2026, 3, 9, 0, 0, 0, 0, loc),
		},
		{
			"monday maps to itself",
			time.Date(2026, 3, 9, 8, 0, 0, 0, loc),
			time.Date(2026, 3, 9, 0, 0, 0, 0, loc),
		},
		{
			"sunday belongs to the prior monday",
			time.Date(2026, 3, 15, 23, 59, 0, 0, loc),
			time.Date(2026, 3, 9, 0, 0, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, startOfWeek(tt.in).Equal(tt.want), "got %v", startOfWeek(tt.in))
		})
	}
}

func TestProcessExpertPayoutGates(t *testing.T) {
	t.Run("no connected account", func(t *testing.T) {
		svc, _, cleanup := newTestEarningsService(t, &fakeStripe{}, 0)
		defer cleanup()

		expert := payableExpert()
		expert.StripeAccountID = nil

		_, err := svc.ProcessExpertPayout(context.Background(), expert, true, time.Time{}, time.Time{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no connected account")
	})

	t.Run("payouts disabled on account", func(t *testing.T) {
		stripe := &fakeStripe{
			getAccount: func(accountID string) (*StripeAccount, error) {
				return &StripeAccount{ID: accountID, PayoutsEnabled: false}, nil
			},
		}
		svc, _, cleanup := newTestEarningsService(t, stripe, 0)
		defer cleanup()

		_, err := svc.ProcessExpertPayout(context.Background(), payableExpert(), true, time.Time{}, time.Time{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "payouts are not enabled")
	})

	t.Run("instant fee swallowing the batch blocks the transfer", func(t *testing.T) {
		stripe := &fakeStripe{
			getAccount: func(accountID string) (*StripeAccount, error) {
				return &StripeAccount{ID: accountID, PayoutsEnabled: true}, nil
			},
			createTransfer: func(params *CreateTransferParams) (*StripeTransfer, error) {
				t.Fatal("transfer must not be created when the net is not positive")
				return nil, nil
			},
		}
		svc, mock, cleanup := newTestEarningsService(t, stripe, 10.00)
		defer cleanup()

		expert := payableExpert()

		earnings := sqlmock.NewRows(earningTestColumns)
		pendingEarningRow(earnings, uuid.New(), expert.ID, 5.00)
		mock.ExpectQuery(`SELECT (.+) FROM expert_earnings`).
			WithArgs(expert.ID).
			WillReturnRows(earnings)
		mock.ExpectQuery(`SELECT (.+) FROM expert_bonuses`).
			WithArgs(expert.ID).
			WillReturnRows(sqlmock.NewRows(bonusTestColumns))

		_, err := svc.ProcessExpertPayout(context.Background(), expert, true, time.Time{}, time.Time{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "nothing to pay out")

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestProcessExpertPayoutInstant(t *testing.T) {
	var captured *CreateTransferParams
	stripe := &fakeStripe{
		getAccount: func(accountID string) (*StripeAccount, error) {
			return &StripeAccount{ID: accountID, PayoutsEnabled: true}, nil
		},
		createTransfer: func(params *CreateTransferParams) (*StripeTransfer, error) {
			captured = params
			return &StripeTransfer{ID: "tr_1", Amount: params.AmountPence, Destination: params.Destination}, nil
		},
	}
	svc, mock, cleanup := newTestEarningsService(t, stripe, 5.00)
	defer cleanup()

	expert := payableExpert()
	now := time.Now()

	earnings := sqlmock.NewRows(earningTestColumns)
	pendingEarningRow(earnings, uuid.New(), expert.ID, 80.00)
	pendingEarningRow(earnings, uuid.New(), expert.ID, 40.00)
	mock.ExpectQuery(`SELECT (.+) FROM expert_earnings`).
		WithArgs(expert.ID).
		WillReturnRows(earnings)

	bonuses := sqlmock.NewRows(bonusTestColumns).
		AddRow(uuid.New(), expert.ID, "referral", 10.00, nil, "pending", nil, nil, now, now)
	mock.ExpectQuery(`SELECT (.+) FROM expert_bonuses`).
		WithArgs(expert.ID).
		WillReturnRows(bonuses)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE expert_earnings`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE expert_bonuses`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec(`UPDATE experts`).
		WithArgs(expert.ID, 0.0, -130.00).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO payment_audits`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := svc.ProcessExpertPayout(context.Background(), expert, true, time.Time{}, time.Time{})
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.Equal(t, int64(12500), captured.AmountPence)
	assert.Equal(t, "acct_test_1", captured.Destination)

	assert.Equal(t, 130.00, result.GrossAmount)
	assert.Equal(t, 5.00, result.Fee)
	assert.Equal(t, 125.00, result.NetAmount)
	assert.Equal(t, "tr_1", result.TransferID)
	assert.Equal(t, 2, result.EarningCount)
	assert.Equal(t, 1, result.BonusCount)
	assert.True(t, result.Instant)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessExpertPayoutLedgerFailureSurfaces(t *testing.T) {
	stripe := &fakeStripe{
		getAccount: func(accountID string) (*StripeAccount, error) {
			return &StripeAccount{ID: accountID, PayoutsEnabled: true}, nil
		},
		createTransfer: func(params *CreateTransferParams) (*StripeTransfer, error) {
			return &StripeTransfer{ID: "tr_2", Amount: params.AmountPence}, nil
		},
	}
	svc, mock, cleanup := newTestEarningsService(t, stripe, 0)
	defer cleanup()

	expert := payableExpert()

	earnings := sqlmock.NewRows(earningTestColumns)
	pendingEarningRow(earnings, uuid.New(), expert.ID, 50.00)
	mock.ExpectQuery(`SELECT (.+) FROM expert_earnings`).
		WithArgs(expert.ID).
		WillReturnRows(earnings)
	mock.ExpectQuery(`SELECT (.+) FROM expert_bonuses`).
		WithArgs(expert.ID).
		WillReturnRows(sqlmock.NewRows(bonusTestColumns))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE expert_earnings`).
		WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	_, err := svc.ProcessExpertPayout(context.Background(), expert, true, time.Time{}, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tr_2 created but ledger update failed")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantBonus(t *testing.T) {
	t.Run("rejects non positive amounts", func(t *testing.T) {
		svc, _, cleanup := newTestEarningsService(t, &fakeStripe{}, 0)
		defer cleanup()

		_, err := svc.GrantBonus(uuid.New(), models.BonusTypeReferral, 0, nil)
		assert.Error(t, err)

		_, err = svc.GrantBonus(uuid.New(), models.BonusTypeReferral, -5, nil)
		assert.Error(t, err)
	})

	t.Run("records the bonus and bumps aggregates", func(t *testing.T) {
		svc, mock, cleanup := newTestEarningsService(t, &fakeStripe{}, 0)
		defer cleanup()

		expertID := uuid.New()
		now := time.Now()

		mock.ExpectQuery(`INSERT INTO expert_bonuses`).
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
		mock.ExpectExec(`UPDATE experts`).
			WithArgs(expertID, 25.00, 25.00).
			WillReturnResult(sqlmock.NewResult(0, 1))

		bonus, err := svc.GrantBonus(expertID, models.BonusTypeReferral, 25.004, nil)
		require.NoError(t, err)
		assert.Equal(t, 25.00, bonus.Amount)
		assert.Equal(t, models.EarningStatusPending, bonus.Status)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
