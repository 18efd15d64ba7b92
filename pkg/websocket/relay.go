package websocket

import (
	"encoding/json"

	"github.com/velora/dispatch/pkg/eventbus"
	"github.com/velora/dispatch/pkg/logger"
	"go.uber.org/zap"
)

// BusRelay bridges the hub to the NATS backplane so a message emitted on
// node A reaches room members connected to node B.
type BusRelay struct {
	bus *eventbus.Bus
}

// NewBusRelay wires a hub relay over the event bus.
func NewBusRelay(bus *eventbus.Bus) *BusRelay {
	return &BusRelay{bus: bus}
}

// PublishRoom implements Relay.
func (r *BusRelay) PublishRoom(env *RelayEnvelope) error {
	subject := eventbus.RoomSubject(env.Room)
	if env.Room == "" {
		subject = eventbus.RoomSubject("direct")
	}
	return r.bus.PublishRelay(subject, env)
}

// Attach subscribes the hub to all room traffic on the backplane.
func (r *BusRelay) Attach(hub *Hub) error {
	return r.bus.SubscribeRelay(eventbus.SubjectRoomAll, func(_ string, data []byte) {
		var env RelayEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("malformed relay envelope", zap.Error(err))
			return
		}
		hub.DeliverRelayed(&env)
	})
}
