package eventbus

import (
	"time"

	"github.com/google/uuid"
	"github.com/velora/dispatch/pkg/models"
)

// DispatchJobData is the payload of a dispatch queue job. The deterministic
// message ID "ride:{ride_id}" deduplicates re-enqueues.
type DispatchJobData struct {
	RideID     uuid.UUID `json:"ride_id"`
	Retry      bool      `json:"retry"` // true when re-dispatched after unanimous rejection
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// JobMsgID builds the deterministic job id for a ride.
func JobMsgID(rideID uuid.UUID) string {
	return "ride:" + rideID.String()
}

// RideRequestedData is emitted when a rider requests a ride.
type RideRequestedData struct {
	RideID      uuid.UUID          `json:"ride_id"`
	RiderID     uuid.UUID          `json:"rider_id"`
	Pickup      models.Location    `json:"pickup"`
	Dropoff     models.Location    `json:"dropoff"`
	BookingType models.BookingType `json:"booking_type"`
	Fare        float64            `json:"fare"`
	DistanceKm  float64            `json:"distance_km"`
	RequestedAt time.Time          `json:"requested_at"`
}

// RideAcceptedData is emitted when a driver wins the acceptance arbitration.
type RideAcceptedData struct {
	RideID     uuid.UUID `json:"ride_id"`
	RiderID    uuid.UUID `json:"rider_id"`
	DriverID   uuid.UUID `json:"driver_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// RideArrivedData is emitted when the driver reaches the pickup point.
type RideArrivedData struct {
	RideID    uuid.UUID `json:"ride_id"`
	RiderID   uuid.UUID `json:"rider_id"`
	DriverID  uuid.UUID `json:"driver_id"`
	ArrivedAt time.Time `json:"arrived_at"`
}

// RideStartedData is emitted when the trip begins after start-code
// verification.
type RideStartedData struct {
	RideID    uuid.UUID `json:"ride_id"`
	RiderID   uuid.UUID `json:"rider_id"`
	DriverID  uuid.UUID `json:"driver_id"`
	StartedAt time.Time `json:"started_at"`
}

// RideCompletedData is emitted when a ride finishes; the earnings finalizer
// consumes it.
type RideCompletedData struct {
	RideID      uuid.UUID `json:"ride_id"`
	RiderID     uuid.UUID `json:"rider_id"`
	DriverID    uuid.UUID `json:"driver_id"`
	Fare        float64   `json:"fare"`
	DistanceKm  float64   `json:"distance_km"`
	CompletedAt time.Time `json:"completed_at"`
}

// RideCancelledData is emitted when a ride is cancelled.
type RideCancelledData struct {
	RideID      uuid.UUID          `json:"ride_id"`
	RiderID     uuid.UUID          `json:"rider_id"`
	DriverID    *uuid.UUID         `json:"driver_id,omitempty"`
	CancelledBy models.CancelledBy `json:"cancelled_by"`
	Reason      string             `json:"reason"`
	CancelledAt time.Time          `json:"cancelled_at"`
}

// DriverStatusData is emitted on driver connect/disconnect.
type DriverStatusData struct {
	DriverID uuid.UUID `json:"driver_id"`
	IsOnline bool      `json:"is_online"`
	SocketID string    `json:"socket_id,omitempty"`
	At       time.Time `json:"at"`
}
