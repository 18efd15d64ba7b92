package websocket

import (
	"encoding/json"
	"time"
)

// Message is one socket frame in either direction. Event names follow the
// wire contract (newRideRequest, rideAccepted, ...).
type Message struct {
	Event     string                 `json:"event"`
	RideID    string                 `json:"ride_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewMessage builds an outbound message stamped with the current time.
func NewMessage(event string, data map[string]interface{}) *Message {
	return &Message{Event: event, Timestamp: time.Now().UTC(), Data: data}
}

// RelayEnvelope is the cross-instance form of a room emission. Origin is the
// emitting node; consumers skip envelopes they produced themselves.
type RelayEnvelope struct {
	Origin  string   `json:"origin"`
	Room    string   `json:"room,omitempty"`
	Socket  string   `json:"socket,omitempty"`
	Message *Message `json:"message"`
}

// Encode serializes the envelope for the backplane.
func (e *RelayEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Room name builders; rooms are the unit of fan-out.
const AdminRoom = "admin"

// UserRoom returns the rider room for a user id.
func UserRoom(userID string) string { return "user_" + userID }

// DriverRoom returns the driver room for a driver id.
func DriverRoom(driverID string) string { return "driver_" + driverID }

// RideRoom returns the shared ride room for a ride id.
func RideRoom(rideID string) string { return "ride_" + rideID }
