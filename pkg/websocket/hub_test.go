package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(socketID string) *Client {
	return NewClient(socketID, "user-1", "rider", nil, nil)
}

func TestSendMessage_AfterUnregisterDoesNotPanic(t *testing.T) {
	h := NewHub("node-1")
	client := newTestClient("sock-1")
	h.registerClient(client)

	// A handler can hold this pointer across the unregister.
	held, ok := h.GetClient("sock-1")
	require.True(t, ok)

	h.unregisterClient(client)

	assert.NotPanics(t, func() {
		held.SendMessage(NewMessage("rideUpdate", nil))
	})
	// Nothing was queued on the closed socket.
	assert.Empty(t, held.Send)
}

func TestRegister_ReplacingStaleSocketClosesIt(t *testing.T) {
	h := NewHub("node-1")
	stale := newTestClient("sock-1")
	h.registerClient(stale)

	fresh := newTestClient("sock-1")
	h.registerClient(fresh)

	got, ok := h.GetClient("sock-1")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	// The stale side is fully retired: sends are dropped, not panicking.
	assert.NotPanics(t, func() {
		stale.SendMessage(NewMessage("rideUpdate", nil))
	})
	_, open := <-stale.Send
	assert.False(t, open)

	fresh.SendMessage(NewMessage("rideUpdate", nil))
	assert.Len(t, fresh.Send, 1)
}

func TestUnregister_RemovesRoomMembership(t *testing.T) {
	h := NewHub("node-1")
	client := newTestClient("sock-1")
	h.registerClient(client)
	h.JoinRoom("sock-1", "ride_abc")
	require.Contains(t, h.RoomMembers("ride_abc"), "sock-1")

	h.unregisterClient(client)

	assert.Empty(t, h.RoomMembers("ride_abc"))
	assert.Zero(t, h.ClientCount())
}

func TestCloseSend_Idempotent(t *testing.T) {
	client := newTestClient("sock-1")

	assert.NotPanics(t, func() {
		client.closeSend()
		client.closeSend()
	})
}
