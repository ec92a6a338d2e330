package models

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type RoomType string

const (
	RoomTypeGame          RoomType = "game"
	RoomTypeMarker        RoomType = "marker"
	RoomTypeCollaboration RoomType = "collaboration"
	RoomTypePrivate       RoomType = "private"
	RoomTypeGeneric       RoomType = "generic"
)

// ClassifyRoomID maps a room identifier namespace to its type. It is only
// consulted when a room is created on demand; existing rooms keep the type
// they were created with.
func ClassifyRoomID(roomID string) RoomType {
	switch {
	case strings.HasPrefix(roomID, "game:"):
		return RoomTypeGame
	case strings.HasPrefix(roomID, "marker:"):
		return RoomTypeMarker
	case strings.HasPrefix(roomID, "collab:"):
		return RoomTypeCollaboration
	case strings.HasPrefix(roomID, "private:"):
		return RoomTypePrivate
	default:
		return RoomTypeGeneric
	}
}

// Room is a named broadcast group. The membership map holds lookup references
// only; the connection manager owns the connections themselves and rooms
// never close or mutate them.
type Room struct {
	ID        string
	GameID    string
	Type      RoomType
	CreatedAt time.Time

	connections map[string]*Connection
	metadata    map[string]string
	updatedAt   time.Time

	mu     sync.RWMutex
	logger *logrus.Entry
}

func NewRoom(id, gameID string, roomType RoomType) *Room {
	now := time.Now()
	return &Room{
		ID:          id,
		GameID:      gameID,
		Type:        roomType,
		CreatedAt:   now,
		connections: make(map[string]*Connection),
		metadata:    make(map[string]string),
		updatedAt:   now,
		logger: logrus.WithFields(logrus.Fields{
			"room_id": id,
			"game_id": gameID,
			"type":    roomType,
		}),
	}
}

func (r *Room) AddConnection(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[conn.ID] = conn
	r.updatedAt = time.Now()
}

func (r *Room) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[connectionID]; ok {
		delete(r.connections, connectionID)
		r.updatedAt = time.Now()
	}
}

func (r *Room) Connection(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connectionID]
	return conn, ok
}

func (r *Room) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	return conns
}

func (r *Room) ConnectionsByUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []*Connection
	for _, conn := range r.connections {
		if conn.UserID == userID {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (r *Room) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

func (r *Room) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make(map[string]struct{}, len(r.connections))
	for _, conn := range r.connections {
		users[conn.UserID] = struct{}{}
	}
	return len(users)
}

func (r *Room) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.connections))
	users := make([]string, 0, len(r.connections))
	for _, conn := range r.connections {
		if _, ok := seen[conn.UserID]; !ok {
			seen[conn.UserID] = struct{}{}
			users = append(users, conn.UserID)
		}
	}
	return users
}

// BroadcastToAll fans a payload out to every member except the excluded
// connection ids. Each send is independent and non-blocking, so one full
// queue never delays delivery to the rest.
func (r *Room) BroadcastToAll(payload []byte, excludeIDs ...string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var exclude map[string]struct{}
	if len(excludeIDs) > 0 {
		exclude = make(map[string]struct{}, len(excludeIDs))
		for _, id := range excludeIDs {
			exclude[id] = struct{}{}
		}
	}

	for id, conn := range r.connections {
		if _, skip := exclude[id]; skip {
			continue
		}
		if err := conn.Send(payload); err != nil {
			r.logger.WithError(err).WithField("connection_id", id).Warn("Dropped room broadcast")
		}
	}
}

// BroadcastToUser delivers a payload to every connection in this room that
// belongs to the given user (multi-device delivery).
func (r *Room) BroadcastToUser(userID string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, conn := range r.connections {
		if conn.UserID != userID {
			continue
		}
		if err := conn.Send(payload); err != nil {
			r.logger.WithError(err).WithField("connection_id", id).Warn("Dropped user broadcast")
		}
	}
}

func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections) == 0
}

func (r *Room) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt
}

func (r *Room) SetMetadata(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
	r.updatedAt = time.Now()
}

func (r *Room) Metadata(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.metadata[key]
	return value, ok
}
