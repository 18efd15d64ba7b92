package models

import (
	"time"

	"github.com/google/uuid"
)

// AdminEarnings is the financial record of a completed ride, keyed uniquely
// by ride. GrossFare must equal PlatformFee plus DriverEarning within 0.01.
type AdminEarnings struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	RideID        uuid.UUID     `json:"ride_id" db:"ride_id"`
	DriverID      uuid.UUID     `json:"driver_id" db:"driver_id"`
	RiderID       uuid.UUID     `json:"rider_id" db:"rider_id"`
	GrossFare     float64       `json:"gross_fare" db:"gross_fare"`
	PlatformFee   float64       `json:"platform_fee" db:"platform_fee"`
	DriverEarning float64       `json:"driver_earning" db:"driver_earning"`
	RideDate      time.Time     `json:"ride_date" db:"ride_date"`
	PaymentStatus PaymentStatus `json:"payment_status" db:"payment_status"`
	PayoutID      *uuid.UUID    `json:"payout_id,omitempty" db:"payout_id"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// PayoutStatus represents the state of a driver disbursement batch.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "PENDING"
	PayoutStatusProcessing PayoutStatus = "PROCESSING"
	PayoutStatusCompleted  PayoutStatus = "COMPLETED"
	PayoutStatusFailed     PayoutStatus = "FAILED"
	PayoutStatusCancelled  PayoutStatus = "CANCELLED"
)

// Payout is a batched driver disbursement over a set of earnings rows.
// An earning joins at most one non-failed payout.
type Payout struct {
	ID              uuid.UUID    `json:"id" db:"id"`
	DriverID        uuid.UUID    `json:"driver_id" db:"driver_id"`
	Amount          float64      `json:"amount" db:"amount"`
	Status          PayoutStatus `json:"status" db:"status"`
	RelatedEarnings []uuid.UUID  `json:"related_earnings"`
	Reference       string       `json:"reference" db:"reference"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// Settings is the process-wide pricing configuration singleton. The dispatch
// core only ever reads it.
type Settings struct {
	ID                  uuid.UUID `json:"id" db:"id"`
	BaseFare            float64   `json:"base_fare" db:"base_fare"`
	PerKmRate           float64   `json:"per_km_rate" db:"per_km_rate"`
	PerMinuteRate       float64   `json:"per_minute_rate" db:"per_minute_rate"`
	MinimumFare         float64   `json:"minimum_fare" db:"minimum_fare"`
	PlatformFeePct      float64   `json:"platform_fee_pct" db:"platform_fee_pct"`
	DriverCommissionPct float64   `json:"driver_commission_pct" db:"driver_commission_pct"`
	MinPayoutThreshold  float64   `json:"min_payout_threshold" db:"min_payout_threshold"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// Valid checks the percentage bounds on the pricing split.
func (s *Settings) Valid() bool {
	return s.PlatformFeePct >= 0 && s.PlatformFeePct <= 100 &&
		s.DriverCommissionPct >= 0 && s.DriverCommissionPct <= 100
}
