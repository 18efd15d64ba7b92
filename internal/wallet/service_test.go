package wallet

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/dispatch/pkg/models"
)

// MockLedger implements Ledger for testing
type MockLedger struct {
	ApplyFunc func(ctx context.Context, txn *models.WalletTransaction) error

	Applied []*models.WalletTransaction
}

func (m *MockLedger) Apply(ctx context.Context, txn *models.WalletTransaction) error {
	m.Applied = append(m.Applied, txn)
	if m.ApplyFunc != nil {
		return m.ApplyFunc(ctx, txn)
	}
	return nil
}

func (m *MockLedger) Balance(ctx context.Context, userID uuid.UUID) (float64, error) {
	return 100, nil
}

func (m *MockLedger) RidePaymentExists(ctx context.Context, rideID uuid.UUID) (bool, error) {
	return false, nil
}

func TestChargeRide_BuildsDebitEntry(t *testing.T) {
	ledger := &MockLedger{}
	svc := NewService(ledger)
	userID, rideID := uuid.New(), uuid.New()

	txn, err := svc.ChargeRide(context.Background(), userID, rideID, 42.505, true)

	require.NoError(t, err)
	assert.Equal(t, models.WalletRidePayment, txn.Type)
	assert.Equal(t, 42.51, txn.Amount)
	assert.True(t, txn.HybridPayment)
	require.NotNil(t, txn.RideID)
	assert.Equal(t, rideID, *txn.RideID)
	require.Len(t, ledger.Applied, 1)
}

func TestChargeRide_RejectsNonPositiveAmount(t *testing.T) {
	svc := NewService(&MockLedger{})

	_, err := svc.ChargeRide(context.Background(), uuid.New(), uuid.New(), 0, false)
	require.Error(t, err)

	_, err = svc.ChargeRide(context.Background(), uuid.New(), uuid.New(), -5, false)
	require.Error(t, err)
}

func TestChargeRide_DuplicateSurfaces(t *testing.T) {
	ledger := &MockLedger{
		ApplyFunc: func(ctx context.Context, txn *models.WalletTransaction) error {
			return ErrDuplicateRidePayment
		},
	}
	svc := NewService(ledger)

	_, err := svc.ChargeRide(context.Background(), uuid.New(), uuid.New(), 10, true)
	require.ErrorIs(t, err, ErrDuplicateRidePayment)
}

func TestRefundRide_BuildsCreditEntry(t *testing.T) {
	ledger := &MockLedger{}
	svc := NewService(ledger)

	txn, err := svc.RefundRide(context.Background(), uuid.New(), uuid.New(), 20)

	require.NoError(t, err)
	assert.Equal(t, models.WalletRefund, txn.Type)
	assert.False(t, txn.Type.IsDebit())
	assert.Equal(t, 20.0, txn.Amount)
}
