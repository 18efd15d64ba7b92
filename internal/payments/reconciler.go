package payments

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velora/dispatch/pkg/common"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/models"
)

// amountTolerance is the largest acceptable gap between the expected and
// captured amounts, in major units.
const amountTolerance = 0.01

// gatewayTimeout bounds every remote verification call. Verification
// failures are surfaced, never retried inline.
const gatewayTimeout = 10 * time.Second

// WalletLedger is the wallet surface the reconciler captures fares and
// adjusts deltas through.
type WalletLedger interface {
	Balance(ctx context.Context, userID uuid.UUID) (float64, error)
	HasRidePayment(ctx context.Context, rideID uuid.UUID) (bool, error)
	ChargeRide(ctx context.Context, userID, rideID uuid.UUID, amount float64, hybrid bool) (*models.WalletTransaction, error)
	RefundRide(ctx context.Context, userID, rideID uuid.UUID, amount float64) (*models.WalletTransaction, error)
}

// Reconciler verifies gateway captures against rides and settles fare
// deltas across the wallet and the gateway.
type Reconciler struct {
	gateway Gateway
	wallet  WalletLedger
}

// NewReconciler creates a payment reconciler.
func NewReconciler(gateway Gateway, wallet WalletLedger) *Reconciler {
	return &Reconciler{gateway: gateway, wallet: wallet}
}

// VerifyRidePayment checks that the gateway leg of a ride's payment is
// captured and matches the expected amount: fare minus whatever the
// wallet covered.
func (r *Reconciler) VerifyRidePayment(ctx context.Context, ride *models.Ride) error {
	if ride.GatewayPaymentID == nil || *ride.GatewayPaymentID == "" {
		return common.NewBadRequestError("ride has no gateway payment", nil).
			WithCode(common.CodePaymentNotVerified)
	}

	expected := models.Round2(ride.Fare - ride.WalletAmountUsed)
	if expected <= 0 {
		return common.NewBadRequestError("gateway amount must be positive", nil).
			WithCode(common.CodePaymentAmountInvalid)
	}

	ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()

	payment, err := r.gateway.FetchPayment(ctx, *ride.GatewayPaymentID)
	if err != nil {
		return common.NewInternalErrorWithError("gateway verification failed", err).
			WithCode(common.CodePaymentVerificationFailed)
	}
	if payment.Status != GatewayPaymentCaptured {
		return common.NewBadRequestError("payment is not captured", nil).
			WithCode(common.CodePaymentNotVerified)
	}
	if math.Abs(MajorUnits(payment.AmountMinorUnits)-expected) > amountTolerance {
		logger.Warn("gateway amount mismatch",
			zap.String("ride_id", ride.ID.String()),
			zap.Float64("expected", expected),
			zap.Float64("captured", MajorUnits(payment.AmountMinorUnits)))
		return common.NewBadRequestError("captured amount does not match fare", nil).
			WithCode(common.CodePaymentAmountMismatch)
	}
	return nil
}

// DeltaOutcome describes how a fare delta was settled.
type DeltaOutcome struct {
	WalletTransaction *models.WalletTransaction
	GatewayRefund     *Refund
	// PaymentStatus is the status the ride should carry after settlement,
	// or "" when unchanged.
	PaymentStatus models.PaymentStatus
}

// SettleFareDelta reconciles a recomputed fare against what was already
// collected. delta is newFare minus oldFare. Cash rides settle in the
// car and are never touched.
func (r *Reconciler) SettleFareDelta(ctx context.Context, ride *models.Ride, delta float64) (*DeltaOutcome, error) {
	outcome := &DeltaOutcome{}
	if ride.PaymentMethod == models.PaymentMethodCash || delta == 0 {
		return outcome, nil
	}

	amount := models.Round2(math.Abs(delta))

	switch ride.PaymentMethod {
	case models.PaymentMethodWallet:
		if delta > 0 {
			txn, err := r.wallet.ChargeRide(ctx, ride.RiderID, ride.ID, amount, false)
			if err != nil {
				return nil, err
			}
			outcome.WalletTransaction = txn
		} else {
			txn, err := r.wallet.RefundRide(ctx, ride.RiderID, ride.ID, amount)
			if err != nil {
				return nil, err
			}
			outcome.WalletTransaction = txn
		}
		outcome.PaymentStatus = models.PaymentStatusCompleted

	case models.PaymentMethodGateway:
		if delta > 0 {
			// More money owed than captured; flag for collection rather
			// than charging unseen.
			outcome.PaymentStatus = models.PaymentStatusPartial
			logger.Info("fare increased beyond capture, marking partial",
				zap.String("ride_id", ride.ID.String()),
				zap.Float64("delta", delta))
			return outcome, nil
		}
		// A hybrid ride returns decreases from the wallet leg first; the
		// gateway capture is touched only once the wallet-used amount is
		// exhausted.
		walletShare := math.Min(amount, models.Round2(ride.WalletAmountUsed))
		if walletShare > 0 {
			txn, err := r.wallet.RefundRide(ctx, ride.RiderID, ride.ID, walletShare)
			if err != nil {
				return nil, err
			}
			outcome.WalletTransaction = txn
		}
		if gatewayShare := models.Round2(amount - walletShare); gatewayShare > 0 {
			if ride.GatewayPaymentID == nil {
				return nil, common.NewBadRequestError("refund requires a gateway payment", nil).
					WithCode(common.CodePaymentVerificationFailed)
			}
			ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
			defer cancel()
			refund, err := r.gateway.Refund(ctx, *ride.GatewayPaymentID, MinorUnits(gatewayShare))
			if err != nil {
				return nil, common.NewInternalErrorWithError("gateway refund failed", err).
					WithCode(common.CodePaymentVerificationFailed)
			}
			outcome.GatewayRefund = refund
		}
		outcome.PaymentStatus = models.PaymentStatusCompleted
	}

	logger.Info("fare delta settled",
		zap.String("ride_id", ride.ID.String()),
		zap.String("method", string(ride.PaymentMethod)),
		zap.Float64("delta", delta))
	return outcome, nil
}

// CaptureResult describes how a ride's fare was collected at booking.
type CaptureResult struct {
	WalletAmountUsed float64
	GatewayAmount    float64
	GatewayOrderID   *string
	PaymentStatus    models.PaymentStatus
}

// CapturePayment collects the fare when a ride is booked. Wallet rides must
// be fully covered by balance. Gateway rides drain the wallet first (the
// hybrid leg) and open a gateway order for the remainder; the capture
// itself is confirmed later by webhook. Cash rides settle in the car.
func (r *Reconciler) CapturePayment(ctx context.Context, ride *models.Ride) (*CaptureResult, error) {
	result := &CaptureResult{PaymentStatus: models.PaymentStatusPending}
	if ride.PaymentMethod == models.PaymentMethodCash || ride.Fare <= 0 {
		return result, nil
	}

	balance, err := r.wallet.Balance(ctx, ride.RiderID)
	if err != nil {
		return nil, common.NewInternalErrorWithError("failed to read wallet balance", err)
	}

	switch ride.PaymentMethod {
	case models.PaymentMethodWallet:
		if balance < ride.Fare {
			return nil, common.NewBadRequestError("wallet balance does not cover the fare", nil).
				WithCode(common.CodePaymentAmountInvalid)
		}
		if _, err := r.wallet.ChargeRide(ctx, ride.RiderID, ride.ID, ride.Fare, false); err != nil {
			return nil, err
		}
		result.WalletAmountUsed = ride.Fare
		result.PaymentStatus = models.PaymentStatusCompleted

	case models.PaymentMethodGateway:
		walletShare := models.Round2(math.Min(balance, ride.Fare))
		if walletShare > 0 {
			// At most one hybrid wallet leg per ride; a re-capture after a
			// partial failure must not debit twice.
			exists, err := r.wallet.HasRidePayment(ctx, ride.ID)
			if err != nil {
				return nil, common.NewInternalErrorWithError("failed to check ride payment", err)
			}
			if exists {
				walletShare = models.Round2(ride.WalletAmountUsed)
			} else if _, err := r.wallet.ChargeRide(ctx, ride.RiderID, ride.ID, walletShare, true); err != nil {
				return nil, err
			}
			result.WalletAmountUsed = walletShare
		}
		remainder := models.Round2(ride.Fare - walletShare)
		if remainder > 0 {
			ctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
			defer cancel()
			order, err := r.gateway.CreateOrder(ctx, MinorUnits(remainder),
				map[string]string{"ride_id": ride.ID.String()})
			if err != nil {
				return nil, common.NewInternalErrorWithError("failed to open gateway order", err)
			}
			result.GatewayAmount = remainder
			result.GatewayOrderID = &order.ID
		} else {
			result.PaymentStatus = models.PaymentStatusCompleted
		}
	}

	logger.Info("ride fare captured",
		zap.String("ride_id", ride.ID.String()),
		zap.String("method", string(ride.PaymentMethod)),
		zap.Float64("wallet_amount", result.WalletAmountUsed),
		zap.Float64("gateway_amount", result.GatewayAmount))
	return result, nil
}
