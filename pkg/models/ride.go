package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// RideStatus represents the status of a ride
type RideStatus string

const (
	RideStatusRequested  RideStatus = "requested"
	RideStatusAccepted   RideStatus = "accepted"
	RideStatusArrived    RideStatus = "arrived"
	RideStatusInProgress RideStatus = "in_progress"
	RideStatusCompleted  RideStatus = "completed"
	RideStatusCancelled  RideStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s RideStatus) IsTerminal() bool {
	return s == RideStatusCompleted || s == RideStatusCancelled
}

// ActiveStatuses are the statuses during which a driver is bound to the ride.
var ActiveStatuses = []RideStatus{RideStatusAccepted, RideStatusArrived, RideStatusInProgress}

// BookingType distinguishes how a ride was booked.
type BookingType string

const (
	BookingInstant  BookingType = "INSTANT"
	BookingFullDay  BookingType = "FULL_DAY"
	BookingRental   BookingType = "RENTAL"
	BookingDateWise BookingType = "DATE_WISE"
)

// PaymentMethod represents how the rider pays for a ride.
type PaymentMethod string

const (
	PaymentMethodCash    PaymentMethod = "CASH"
	PaymentMethodGateway PaymentMethod = "GATEWAY"
	PaymentMethodWallet  PaymentMethod = "WALLET"
)

// PaymentStatus represents payment state on a ride.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusPartial   PaymentStatus = "partial"
)

// CancelledBy identifies which party cancelled a ride.
type CancelledBy string

const (
	CancelledByRider  CancelledBy = "rider"
	CancelledByDriver CancelledBy = "driver"
	CancelledBySystem CancelledBy = "system"
)

// Location is a WGS84 coordinate pair.
type Location struct {
	Longitude float64 `json:"lng" db:"longitude"`
	Latitude  float64 `json:"lat" db:"latitude"`
}

// Ride represents the dispatched unit.
//
// Once a ride reaches a terminal status every field is immutable except
// PaymentStatus, which remains under admin control.
type Ride struct {
	ID                 uuid.UUID     `json:"id" db:"id"`
	RiderID            uuid.UUID     `json:"rider_id" db:"rider_id"`
	DriverID           *uuid.UUID    `json:"driver_id,omitempty" db:"driver_id"`
	Status             RideStatus    `json:"status" db:"status"`
	BookingType        BookingType   `json:"booking_type" db:"booking_type"`
	BookingMeta        BookingMeta   `json:"booking_meta" db:"booking_meta"`
	Pickup             Location      `json:"pickup"`
	Dropoff            Location      `json:"dropoff"`
	PickupAddress      string        `json:"pickup_address" db:"pickup_address"`
	DropoffAddress     string        `json:"dropoff_address" db:"dropoff_address"`
	PaymentMethod      PaymentMethod `json:"payment_method" db:"payment_method"`
	PaymentStatus      PaymentStatus `json:"payment_status" db:"payment_status"`
	Fare               float64       `json:"fare" db:"fare"`
	DistanceKm         float64       `json:"distance_km" db:"distance_km"`
	StartOTP           string        `json:"-" db:"start_otp"`
	StopOTP            string        `json:"-" db:"stop_otp"`
	DriverArrivedAt    *time.Time    `json:"driver_arrived_at,omitempty" db:"driver_arrived_at"`
	ActualStartTime    *time.Time    `json:"actual_start_time,omitempty" db:"actual_start_time"`
	ActualEndTime      *time.Time    `json:"actual_end_time,omitempty" db:"actual_end_time"`
	NotifiedDrivers    []uuid.UUID   `json:"notified_drivers" db:"notified_drivers"`
	RejectedDrivers    []uuid.UUID   `json:"rejected_drivers" db:"rejected_drivers"`
	CancelledBy        *CancelledBy  `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancellationReason *string       `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	WalletAmountUsed   float64       `json:"wallet_amount_used" db:"wallet_amount_used"`
	GatewayAmountPaid  float64       `json:"gateway_amount_paid" db:"gateway_amount_paid"`
	GatewayPaymentID   *string       `json:"gateway_payment_id,omitempty" db:"gateway_payment_id"`
	TransactionID      *string       `json:"transaction_id,omitempty" db:"transaction_id"`
	UserSocketID       *string       `json:"user_socket_id,omitempty" db:"user_socket_id"`
	DriverSocketID     *string       `json:"driver_socket_id,omitempty" db:"driver_socket_id"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
}

// WasNotified reports whether driverID already received a request for this ride.
func (r *Ride) WasNotified(driverID uuid.UUID) bool {
	for _, id := range r.NotifiedDrivers {
		if id == driverID {
			return true
		}
	}
	return false
}

// WasRejected reports whether driverID already rejected this ride.
func (r *Ride) WasRejected(driverID uuid.UUID) bool {
	for _, id := range r.RejectedDrivers {
		if id == driverID {
			return true
		}
	}
	return false
}

// BookingMeta is the booking-type specific payload. Exactly one of the
// variant pointers is set, matching the ride's BookingType.
type BookingMeta struct {
	Instant  *InstantMeta  `json:"instant,omitempty"`
	FullDay  *FullDayMeta  `json:"full_day,omitempty"`
	Rental   *RentalMeta   `json:"rental,omitempty"`
	DateWise *DateWiseMeta `json:"date_wise,omitempty"`
}

// InstantMeta carries no extra fields; the ride starts immediately.
type InstantMeta struct{}

// FullDayMeta bounds a full-day booking.
type FullDayMeta struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// RentalMeta is a multi-day rental booking.
type RentalMeta struct {
	Days int `json:"days"`
}

// DateWiseMeta books a recurring set of dates.
type DateWiseMeta struct {
	Dates []time.Time `json:"dates"`
}

// Validate checks that the meta variant matches the booking type.
func (m BookingMeta) Validate(bt BookingType) error {
	switch bt {
	case BookingInstant:
		if m.FullDay != nil || m.Rental != nil || m.DateWise != nil {
			return fmt.Errorf("instant booking carries no schedule meta")
		}
	case BookingFullDay:
		if m.FullDay == nil {
			return fmt.Errorf("full-day booking requires start and end times")
		}
		if !m.FullDay.EndTime.After(m.FullDay.StartTime) {
			return fmt.Errorf("full-day booking end must follow start")
		}
	case BookingRental:
		if m.Rental == nil || m.Rental.Days < 1 {
			return fmt.Errorf("rental booking requires a positive day count")
		}
	case BookingDateWise:
		if m.DateWise == nil || len(m.DateWise.Dates) == 0 {
			return fmt.Errorf("date-wise booking requires at least one date")
		}
	default:
		return fmt.Errorf("unknown booking type %q", bt)
	}
	return nil
}

// Value serializes the meta for storage in a jsonb column.
func (m BookingMeta) Value() ([]byte, error) {
	return json.Marshal(m)
}

// FareBreakdown holds the truth inputs the finalizer recomputes fare from.
type FareBreakdown struct {
	RideID       uuid.UUID `json:"ride_id" db:"ride_id"`
	BaseFare     float64   `json:"base_fare" db:"base_fare"`
	DistanceFare float64   `json:"distance_fare" db:"distance_fare"`
	TimeFare     float64   `json:"time_fare" db:"time_fare"`
	Discount     float64   `json:"discount" db:"discount"`
	MinimumFare  float64   `json:"minimum_fare" db:"minimum_fare"`
}

// Total applies the minimum-fare floor after discounts.
func (f FareBreakdown) Total() float64 {
	total := f.BaseFare + f.DistanceFare + f.TimeFare - f.Discount
	if total < f.MinimumFare {
		total = f.MinimumFare
	}
	return Round2(total)
}

// Round2 rounds a monetary amount to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// RideRequest is the inbound payload for a new ride.
type RideRequest struct {
	Pickup         Location      `json:"pickup" binding:"required"`
	Dropoff        Location      `json:"dropoff" binding:"required"`
	PickupAddress  string        `json:"pickup_address"`
	DropoffAddress string        `json:"dropoff_address"`
	BookingType    BookingType   `json:"booking_type" binding:"required"`
	BookingMeta    BookingMeta   `json:"booking_meta"`
	PaymentMethod  PaymentMethod `json:"payment_method" binding:"required"`
}
