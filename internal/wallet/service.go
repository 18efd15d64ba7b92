package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/models"
)

// Ledger is the persistence surface the wallet service depends on.
type Ledger interface {
	Apply(ctx context.Context, txn *models.WalletTransaction) error
	Balance(ctx context.Context, userID uuid.UUID) (float64, error)
	RidePaymentExists(ctx context.Context, rideID uuid.UUID) (bool, error)
}

// Service owns wallet balance mutations. Every change goes through the
// ledger; there is no direct balance write anywhere else.
type Service struct {
	ledger Ledger
}

// NewService creates the wallet service.
func NewService(ledger Ledger) *Service {
	return &Service{ledger: ledger}
}

// ChargeRide debits a ride payment from the rider's wallet. hybrid marks
// the debit as the wallet leg of a wallet+gateway payment, of which at
// most one may exist per ride.
func (s *Service) ChargeRide(ctx context.Context, userID, rideID uuid.UUID, amount float64, hybrid bool) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("charge amount must be positive, got %.2f", amount)
	}
	txn := &models.WalletTransaction{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          models.WalletRidePayment,
		Amount:        models.Round2(amount),
		Status:        models.PaymentStatusCompleted,
		RideID:        &rideID,
		HybridPayment: hybrid,
		Description:   fmt.Sprintf("Ride payment for %s", rideID),
	}
	if err := s.ledger.Apply(ctx, txn); err != nil {
		return nil, err
	}
	logger.Info("wallet charged for ride",
		zap.String("user_id", userID.String()),
		zap.String("ride_id", rideID.String()),
		zap.Float64("amount", txn.Amount),
		zap.Bool("hybrid", hybrid))
	return txn, nil
}

// RefundRide credits a fare-delta refund back to the rider.
func (s *Service) RefundRide(ctx context.Context, userID, rideID uuid.UUID, amount float64) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("refund amount must be positive, got %.2f", amount)
	}
	txn := &models.WalletTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        models.WalletRefund,
		Amount:      models.Round2(amount),
		Status:      models.PaymentStatusCompleted,
		RideID:      &rideID,
		Description: fmt.Sprintf("Fare adjustment refund for %s", rideID),
	}
	if err := s.ledger.Apply(ctx, txn); err != nil {
		return nil, err
	}
	logger.Info("wallet refunded for ride",
		zap.String("user_id", userID.String()),
		zap.String("ride_id", rideID.String()),
		zap.Float64("amount", txn.Amount))
	return txn, nil
}

// TopUp credits an external deposit.
func (s *Service) TopUp(ctx context.Context, userID uuid.UUID, amount float64, description string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("top-up amount must be positive, got %.2f", amount)
	}
	txn := &models.WalletTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        models.WalletTopUp,
		Amount:      models.Round2(amount),
		Status:      models.PaymentStatusCompleted,
		Description: description,
	}
	if err := s.ledger.Apply(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// Balance returns the user's current balance.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (float64, error) {
	return s.ledger.Balance(ctx, userID)
}

// HasRidePayment reports whether the ride's hybrid wallet leg exists.
func (s *Service) HasRidePayment(ctx context.Context, rideID uuid.UUID) (bool, error) {
	return s.ledger.RidePaymentExists(ctx, rideID)
}
