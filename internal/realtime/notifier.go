package realtime

import (
	"context"
	"fmt"

	"github.com/velora/dispatch/pkg/models"
	ws "github.com/velora/dispatch/pkg/websocket"
)

// Notifier delivers dispatch outcomes to sockets. It is the worker's and
// sweeper's outbound edge.
type Notifier struct {
	hub *ws.Hub
}

// NewNotifier creates a socket notifier for the dispatch pipeline.
func NewNotifier(hub *ws.Hub) *Notifier {
	return &Notifier{hub: hub}
}

// NotifyDriver offers a ride to one candidate's current socket. The payload
// never carries the OTPs; the ride's JSON shape excludes them.
func (n *Notifier) NotifyDriver(ctx context.Context, driver *models.Driver, ride *models.Ride) error {
	if driver.SocketID == nil || *driver.SocketID == "" {
		return fmt.Errorf("driver %s has no socket", driver.ID)
	}
	n.hub.EmitToSocket(*driver.SocketID, ws.NewMessage("newRideRequest", map[string]interface{}{
		"ride": ride,
	}))
	return nil
}

// NotifyNoDriverFound tells the rider the search is over, on both the last
// known socket and the user room.
func (n *Notifier) NotifyNoDriverFound(ctx context.Context, ride *models.Ride, reason string) {
	noDriver := ws.NewMessage("noDriverFound", map[string]interface{}{
		"rideId": ride.ID.String(),
		"reason": reason,
	})
	cancelled := ws.NewMessage("rideCancelled", map[string]interface{}{
		"rideId":      ride.ID.String(),
		"cancelledBy": string(models.CancelledBySystem),
		"reason":      reason,
	})

	room := ws.UserRoom(ride.RiderID.String())
	n.hub.EmitToRoom(room, noDriver)
	n.hub.EmitToRoom(room, cancelled)
	if ride.UserSocketID != nil && *ride.UserSocketID != "" {
		n.hub.EmitToSocket(*ride.UserSocketID, noDriver)
		n.hub.EmitToSocket(*ride.UserSocketID, cancelled)
	}

	// Failed dispatches are surfaced to connected operators.
	n.hub.EmitToRoom(ws.AdminRoom, noDriver)
}
