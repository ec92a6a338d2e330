package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncomingMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     IncomingMessage
		wantErr bool
	}{
		{
			name: "valid message",
			msg:  IncomingMessage{Type: TypeUserLocation, GameID: "game-1"},
		},
		{
			name:    "missing type",
			msg:     IncomingMessage{GameID: "game-1"},
			wantErr: true,
		},
		{
			name:    "missing game id",
			msg:     IncomingMessage{Type: TypeUserLocation},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewOutgoingMessage(t *testing.T) {
	msg := NewOutgoingMessage(TypeUserLocation, "game-1", "user-1", map[string]string{"k": "v"})

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, TypeUserLocation, msg.Type)
	assert.Equal(t, "game-1", msg.GameID)
	assert.Equal(t, "user-1", msg.UserID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.NotNil(t, msg.Metadata)

	other := NewOutgoingMessage(TypeUserLocation, "game-1", "user-1", nil)
	assert.NotEqual(t, msg.ID, other.ID)
}

func TestLocationUpdateValidate(t *testing.T) {
	valid := LocationUpdate{Latitude: 45.0, Longitude: -120.5}
	assert.NoError(t, valid.Validate())

	badLat := LocationUpdate{Latitude: 91.0, Longitude: 0}
	assert.Error(t, badLat.Validate())

	badLon := LocationUpdate{Latitude: 0, Longitude: -181.0}
	assert.Error(t, badLon.Validate())
}

func TestCollaborationDataValidate(t *testing.T) {
	valid := CollaborationData{ResourceType: "map", ResourceID: "abc"}
	assert.NoError(t, valid.Validate())

	assert.Error(t, (&CollaborationData{ResourceType: "map"}).Validate())
	assert.Error(t, (&CollaborationData{ResourceID: "abc"}).Validate())
}

func TestRoomRequestValidate(t *testing.T) {
	assert.NoError(t, (&RoomRequest{RoomID: "game:1"}).Validate())
	assert.Error(t, (&RoomRequest{}).Validate())

	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, (&RoomRequest{RoomID: string(long)}).Validate())
}

func TestExternalEventDecode(t *testing.T) {
	payload := []byte(`{"eventType":"marker.created","gameId":"game-1","userId":"user-1","data":{"title":"cave"}}`)

	var event ExternalEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	require.NoError(t, event.Validate())

	assert.Equal(t, "marker.created", event.EventType)
	assert.Equal(t, "game-1", event.GameID)
	assert.Equal(t, "user-1", event.UserID)

	var empty ExternalEvent
	assert.Error(t, empty.Validate())
}
