package models

import (
	"time"

	"github.com/google/uuid"
)

// WalletTransactionType classifies ledger entries.
type WalletTransactionType string

const (
	WalletTopUp           WalletTransactionType = "TOP_UP"
	WalletRidePayment     WalletTransactionType = "RIDE_PAYMENT"
	WalletRefund          WalletTransactionType = "REFUND"
	WalletBonus           WalletTransactionType = "BONUS"
	WalletReferralReward  WalletTransactionType = "REFERRAL_REWARD"
	WalletWithdrawal      WalletTransactionType = "WITHDRAWAL"
	WalletAdminAdjustment WalletTransactionType = "ADMIN_ADJUSTMENT"
	WalletCancellationFee WalletTransactionType = "CANCELLATION_FEE"
)

// IsDebit reports whether the type reduces the wallet balance. Admin
// adjustments carry their own sign and are handled by the caller.
func (t WalletTransactionType) IsDebit() bool {
	switch t {
	case WalletRidePayment, WalletWithdrawal, WalletCancellationFee:
		return true
	}
	return false
}

// WalletTransaction is one entry of the monotonic wallet ledger.
// BalanceAfter must equal BalanceBefore plus or minus Amount per the
// credit/debit sign of Type.
type WalletTransaction struct {
	ID            uuid.UUID             `json:"id" db:"id"`
	UserID        uuid.UUID             `json:"user_id" db:"user_id"`
	Type          WalletTransactionType `json:"type" db:"type"`
	Amount        float64               `json:"amount" db:"amount"`
	BalanceBefore float64               `json:"balance_before" db:"balance_before"`
	BalanceAfter  float64               `json:"balance_after" db:"balance_after"`
	Status        PaymentStatus         `json:"status" db:"status"`
	RideID        *uuid.UUID            `json:"ride_id,omitempty" db:"ride_id"`
	HybridPayment bool                  `json:"hybrid_payment" db:"hybrid_payment"`
	Description   string                `json:"description" db:"description"`
	CreatedAt     time.Time             `json:"created_at" db:"created_at"`
}
