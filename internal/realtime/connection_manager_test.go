package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richiexuetang/ritcher-map-sub000/internal/config"
	"github.com/richiexuetang/ritcher-map-sub000/internal/models"
)

func testWebSocketConfig(maxConnections int) *config.WebSocketConfig {
	return &config.WebSocketConfig{
		PingPeriod:     54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 4096,
		MaxConnections: maxConnections,
		SendBufferSize: 8,
	}
}

func newTestConnectionManager(t *testing.T, maxConnections int) (*ConnectionManager, *RoomManager, *PresenceManager, *fakeTransport) {
	t.Helper()

	transport := newFakeTransport()
	rooms := newTestRoomManager(t)
	presence := newTestPresenceManager(t)
	broker := NewMessageBroker(transport, rooms)
	cm := NewConnectionManager(testWebSocketConfig(maxConnections), rooms, presence, broker)
	broker.AttachLocalDelivery(cm)
	t.Cleanup(func() { cm.Shutdown(context.Background()) })

	return cm, rooms, presence, transport
}

func TestAddConnectionRegistersEverywhere(t *testing.T) {
	cm, rooms, presence, _ := newTestConnectionManager(t, 10)
	conn := newRealtimeTestConnection("user-1", "game-1")

	require.NoError(t, cm.AddConnection(conn))

	assert.Equal(t, 1, cm.Count())
	assert.Equal(t, models.StatusConnected, conn.Status())
	assert.True(t, conn.IsInRoom("game:game-1"))

	room, ok := rooms.Room("game:game-1")
	require.True(t, ok)
	assert.Equal(t, 1, room.ConnectionCount())

	assert.True(t, presence.GetUserPresence("user-1").Online)
}

func TestAddConnectionCapacityGate(t *testing.T) {
	cm, _, _, _ := newTestConnectionManager(t, 2)

	require.NoError(t, cm.AddConnection(newRealtimeTestConnection("user-1", "game-1")))
	require.NoError(t, cm.AddConnection(newRealtimeTestConnection("user-2", "game-1")))
	assert.True(t, cm.AtCapacity())

	err := cm.AddConnection(newRealtimeTestConnection("user-3", "game-1"))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, cm.Count())
}

func TestRemoveConnectionIdempotent(t *testing.T) {
	cm, rooms, presence, _ := newTestConnectionManager(t, 10)
	conn := newRealtimeTestConnection("user-1", "game-1")
	require.NoError(t, cm.AddConnection(conn))

	cm.RemoveConnection(conn.ID)
	cm.RemoveConnection(conn.ID)

	assert.Equal(t, 0, cm.Count())
	assert.False(t, presence.GetUserPresence("user-1").Online)

	room, ok := rooms.Room("game:game-1")
	require.True(t, ok)
	assert.True(t, room.IsEmpty())

	// Capacity freed by removal is reusable.
	assert.NoError(t, cm.AddConnection(newRealtimeTestConnection("user-1", "game-1")))
}

func TestMultiDevicePresence(t *testing.T) {
	cm, _, presence, _ := newTestConnectionManager(t, 10)

	phone := newRealtimeTestConnection("user-1", "game-1")
	laptop := newRealtimeTestConnection("user-1", "game-1")
	require.NoError(t, cm.AddConnection(phone))
	require.NoError(t, cm.AddConnection(laptop))

	cm.RemoveConnection(phone.ID)
	assert.True(t, presence.GetUserPresence("user-1").Online)

	cm.RemoveConnection(laptop.ID)
	assert.False(t, presence.GetUserPresence("user-1").Online)
}

func TestSendToUserAndAll(t *testing.T) {
	cm, _, _, _ := newTestConnectionManager(t, 10)

	a := newRealtimeTestConnection("user-1", "game-1")
	b := newRealtimeTestConnection("user-1", "game-1")
	c := newRealtimeTestConnection("user-2", "game-1")
	require.NoError(t, cm.AddConnection(a))
	require.NoError(t, cm.AddConnection(b))
	require.NoError(t, cm.AddConnection(c))

	cm.SendToUser("user-1", []byte("dm"))
	assert.Equal(t, 1, a.Pending())
	assert.Equal(t, 1, b.Pending())
	assert.Equal(t, 0, c.Pending())

	cm.SendToAll([]byte("announcement"))
	assert.Equal(t, 2, a.Pending())
	assert.Equal(t, 2, b.Pending())
	assert.Equal(t, 1, c.Pending())
}

func TestCountsByGame(t *testing.T) {
	cm, _, _, _ := newTestConnectionManager(t, 10)

	require.NoError(t, cm.AddConnection(newRealtimeTestConnection("user-1", "game-a")))
	require.NoError(t, cm.AddConnection(newRealtimeTestConnection("user-2", "game-a")))
	require.NoError(t, cm.AddConnection(newRealtimeTestConnection("user-3", "game-b")))

	counts := cm.CountsByGame()
	assert.Equal(t, 2, counts["game-a"])
	assert.Equal(t, 1, counts["game-b"])
}

func TestCloseStaleConnections(t *testing.T) {
	cm, _, _, _ := newTestConnectionManager(t, 10)

	stale := newRealtimeTestConnection("user-1", "game-1")
	fresh := newRealtimeTestConnection("user-2", "game-1")
	require.NoError(t, cm.AddConnection(stale))
	require.NoError(t, cm.AddConnection(fresh))

	fresh.UpdateLastPing()

	// Just past the pong window for the stale one, inside it for the fresh
	// one.
	cm.closeStaleConnections(stale.LastPing().Add(61 * time.Second))
	assert.Equal(t, 1, cm.Count())

	cm.closeStaleConnections(fresh.LastPing().Add(59 * time.Second))
	assert.Equal(t, 1, cm.Count())

	_, staleExists := cm.Connection(stale.ID)
	_, freshExists := cm.Connection(fresh.ID)
	assert.False(t, staleExists)
	assert.True(t, freshExists)
}

func TestDispatchRoomJoinAndLeave(t *testing.T) {
	cm, rooms, _, _ := newTestConnectionManager(t, 10)
	conn := newRealtimeTestConnection("user-1", "game-1")
	require.NoError(t, cm.AddConnection(conn))

	join := &models.IncomingMessage{
		Type:   models.TypeRoomJoin,
		GameID: "game-1",
		Data:   json.RawMessage(`{"room_id":"marker:42"}`),
	}
	cm.dispatch(conn, join)

	assert.True(t, conn.IsInRoom("marker:42"))
	room, ok := rooms.Room("marker:42")
	require.True(t, ok)
	assert.Equal(t, models.RoomTypeMarker, room.Type)

	leave := &models.IncomingMessage{
		Type:   models.TypeRoomLeave,
		GameID: "game-1",
		Data:   json.RawMessage(`{"room_id":"marker:42"}`),
	}
	cm.dispatch(conn, leave)

	assert.False(t, conn.IsInRoom("marker:42"))
	assert.True(t, room.IsEmpty())
}

func TestDispatchUserLocation(t *testing.T) {
	cm, _, presence, transport := newTestConnectionManager(t, 10)
	conn := newRealtimeTestConnection("user-1", "game-1")
	require.NoError(t, cm.AddConnection(conn))

	msg := &models.IncomingMessage{
		Type:   models.TypeUserLocation,
		GameID: "game-1",
		Data:   json.RawMessage(`{"latitude":12.5,"longitude":-70.25}`),
	}
	cm.dispatch(conn, msg)

	snap := presence.GetUserPresence("user-1")
	require.NotNil(t, snap.Location)
	assert.Equal(t, 12.5, snap.Location.Latitude)

	published := transport.publishedMessages()
	require.Len(t, published, 1)
	assert.Equal(t, "room:game:game-1", published[0].Channel)

	var envelope models.OutgoingMessage
	require.NoError(t, json.Unmarshal(published[0].Payload, &envelope))
	assert.Equal(t, models.TypeUserLocation, envelope.Type)
	assert.Equal(t, "user-1", envelope.UserID)
}

func TestDispatchUserLocationRejectsInvalid(t *testing.T) {
	cm, _, presence, transport := newTestConnectionManager(t, 10)
	conn := newRealtimeTestConnection("user-1", "game-1")
	require.NoError(t, cm.AddConnection(conn))

	msg := &models.IncomingMessage{
		Type:   models.TypeUserLocation,
		GameID: "game-1",
		Data:   json.RawMessage(`{"latitude":95,"longitude":0}`),
	}
	cm.dispatch(conn, msg)

	assert.Nil(t, presence.GetUserPresence("user-1").Location)
	assert.Empty(t, transport.publishedMessages())

	// The sender got an error envelope instead.
	require.Equal(t, 1, conn.Pending())
	var envelope models.OutgoingMessage
	require.NoError(t, json.Unmarshal(<-conn.Outbound(), &envelope))
	assert.Equal(t, models.TypeError, envelope.Type)
}

func TestDispatchMarkerCreate(t *testing.T) {
	cm, _, _, transport := newTestConnectionManager(t, 10)
	conn := newRealtimeTestConnection("user-1", "game-1")
	require.NoError(t, cm.AddConnection(conn))

	msg := &models.IncomingMessage{
		Type:   models.TypeMarkerCreate,
		GameID: "game-1",
		Data:   json.RawMessage(`{"marker_id":"m-1","title":"hidden chest","position":{"latitude":1,"longitude":2}}`),
	}
	cm.dispatch(conn, msg)

	published := transport.publishedMessages()
	require.Len(t, published, 1)

	var envelope models.OutgoingMessage
	require.NoError(t, json.Unmarshal(published[0].Payload, &envelope))
	assert.Equal(t, models.TypeMarkerCreated, envelope.Type)
}

func TestDispatchCollaborationSyncDerivesRoom(t *testing.T) {
	cm, _, _, transport := newTestConnectionManager(t, 10)
	conn := newRealtimeTestConnection("user-1", "game-1")
	require.NoError(t, cm.AddConnection(conn))

	msg := &models.IncomingMessage{
		Type:   models.TypeCollaborationSync,
		GameID: "game-1",
		RoomID: "game:somewhere-else",
		Data:   json.RawMessage(`{"resource_type":"map","resource_id":"456","operation":"update"}`),
	}
	cm.dispatch(conn, msg)

	published := transport.publishedMessages()
	require.Len(t, published, 1)
	assert.Equal(t, "room:collab:map:456", published[0].Channel)
}

func TestDispatchUnknownType(t *testing.T) {
	cm, _, _, _ := newTestConnectionManager(t, 10)
	conn := newRealtimeTestConnection("user-1", "game-1")
	require.NoError(t, cm.AddConnection(conn))

	cm.dispatch(conn, &models.IncomingMessage{Type: "no.such.type", GameID: "game-1"})

	require.Equal(t, 1, conn.Pending())
	var envelope models.OutgoingMessage
	require.NoError(t, json.Unmarshal(<-conn.Outbound(), &envelope))
	assert.Equal(t, models.TypeError, envelope.Type)

	// The connection survives the unknown type.
	_, exists := cm.Connection(conn.ID)
	assert.True(t, exists)
}

func TestDispatchPong(t *testing.T) {
	cm, _, _, _ := newTestConnectionManager(t, 10)
	conn := newRealtimeTestConnection("user-1", "game-1")
	require.NoError(t, cm.AddConnection(conn))

	before := conn.LastPing()
	time.Sleep(5 * time.Millisecond)
	cm.dispatch(conn, &models.IncomingMessage{Type: models.TypePong, GameID: "game-1"})

	assert.True(t, conn.LastPing().After(before))
}
