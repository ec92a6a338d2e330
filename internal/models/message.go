package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types accepted from clients. The dispatch table in the connection
// manager is closed over this set.
const (
	TypeUserLocation      = "user.location"
	TypeUserStatus        = "user.status"
	TypeMarkerCreate      = "marker.create"
	TypeCollaborationSync = "collaboration.sync"
	TypeRoomJoin          = "room.join"
	TypeRoomLeave         = "room.leave"
	TypePong              = "pong"

	// Types emitted by the gateway.
	TypeMarkerCreated = "marker.created"
	TypeError         = "error"
)

// IncomingMessage is the client → gateway envelope. Data stays opaque until
// the type-specific handler decodes it.
type IncomingMessage struct {
	Type     string            `json:"type"`
	GameID   string            `json:"game_id"`
	RoomID   string            `json:"room_id,omitempty"`
	Data     json.RawMessage   `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (m *IncomingMessage) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if m.GameID == "" {
		return fmt.Errorf("game_id is required")
	}
	return nil
}

// OutgoingMessage is the gateway → client and gateway → distributed-channel
// envelope. Messages are immutable once constructed.
type OutgoingMessage struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	GameID    string            `json:"game_id"`
	UserID    string            `json:"user_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      interface{}       `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func NewOutgoingMessage(msgType, gameID, userID string, data interface{}) *OutgoingMessage {
	return &OutgoingMessage{
		ID:        uuid.New().String(),
		Type:      msgType,
		GameID:    gameID,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Metadata:  make(map[string]string),
	}
}

// LocationUpdate is the payload of user.location messages and the last-known
// location stored on a user's presence record.
type LocationUpdate struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (l *LocationUpdate) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90")
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180")
	}
	return nil
}

// PresenceData is the payload of user.status messages.
type PresenceData struct {
	Status       string `json:"status"`
	CustomStatus string `json:"custom_status,omitempty"`
}

// MarkerData is the payload of marker.create messages; the gateway forwards
// it as a marker.created event without persisting anything.
type MarkerData struct {
	MarkerID        string                 `json:"marker_id"`
	CategoryID      string                 `json:"category_id,omitempty"`
	Position        LocationUpdate         `json:"position"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	VisibilityLevel int32                  `json:"visibility_level"`
}

// CollaborationData is the payload of collaboration.sync messages. The target
// room is derived from the resource, not supplied by the client.
type CollaborationData struct {
	SessionID    string      `json:"session_id"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id"`
	Operation    string      `json:"operation"`
	Data         interface{} `json:"data"`
	Revision     int64       `json:"revision"`
}

func (c *CollaborationData) Validate() error {
	if c.ResourceType == "" || c.ResourceID == "" {
		return fmt.Errorf("resource_type and resource_id are required")
	}
	return nil
}

// RoomRequest is the payload of room.join and room.leave messages.
type RoomRequest struct {
	RoomID string `json:"room_id"`
}

func (r *RoomRequest) Validate() error {
	if r.RoomID == "" {
		return fmt.Errorf("room ID is required")
	}
	if len(r.RoomID) > 100 {
		return fmt.Errorf("room ID too long")
	}
	return nil
}

// ErrorData is the payload of error envelopes sent back to clients on
// protocol failures.
type ErrorData struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Details     string `json:"details,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// ExternalEvent is the shape carried by the external ingress topics
// (marker-events, user-events, community-events, system-events).
type ExternalEvent struct {
	EventType string          `json:"eventType"`
	GameID    string          `json:"gameId"`
	UserID    string          `json:"userId"`
	Data      json.RawMessage `json:"data"`
}

func (e *ExternalEvent) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("eventType is required")
	}
	return nil
}
