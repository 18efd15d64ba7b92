package models

import (
	"time"

	"github.com/google/uuid"
)

// Driver is the durable presence and capability record for a driver.
//
// IsBusy must hold exactly when one ride referencing this driver is in
// accepted, arrived or in_progress; the presence registry repairs drift.
type Driver struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	Location     Location      `json:"location"`
	IsOnline     bool          `json:"is_online" db:"is_online"`
	IsActive     bool          `json:"is_active" db:"is_active"`
	IsBusy       bool          `json:"is_busy" db:"is_busy"`
	BusyUntil    *time.Time    `json:"busy_until,omitempty" db:"busy_until"`
	SocketID     *string       `json:"socket_id,omitempty" db:"socket_id"`
	LastSeen     time.Time     `json:"last_seen" db:"last_seen"`
	Rating       float64       `json:"rating" db:"rating"`
	VehicleInfo  VehicleInfo   `json:"vehicle_info"`
	BankAccount  *string       `json:"bank_account,omitempty" db:"bank_account"`
	BookingTypes []BookingType `json:"booking_types"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// VehicleInfo describes the driver's vehicle.
type VehicleInfo struct {
	Model string `json:"model" db:"vehicle_model"`
	Plate string `json:"plate" db:"vehicle_plate"`
	Color string `json:"color" db:"vehicle_color"`
	Year  int    `json:"year" db:"vehicle_year"`
}

// Dispatchable reports whether the driver may receive ride requests.
// A driver without a live socket is never eligible, even when online.
func (d *Driver) Dispatchable() bool {
	return d.IsOnline && d.IsActive && !d.IsBusy && d.SocketID != nil && *d.SocketID != ""
}

// ServesBookingType reports booking-type eligibility. An empty list means
// the driver takes any booking type.
func (d *Driver) ServesBookingType(bt BookingType) bool {
	if len(d.BookingTypes) == 0 {
		return true
	}
	for _, t := range d.BookingTypes {
		if t == bt {
			return true
		}
	}
	return false
}

// DriverPresence is the hot-cache projection of a driver, stored under
// driver:{id} with a short TTL and refreshed on every heartbeat.
type DriverPresence struct {
	DriverID  uuid.UUID `json:"driver_id"`
	SocketID  string    `json:"socket_id"`
	IsOnline  bool      `json:"is_online"`
	IsActive  bool      `json:"is_active"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	H3Cell    string    `json:"h3_cell,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}
