package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/richiexuetang/ritcher-map-sub000/internal/config"
	"github.com/richiexuetang/ritcher-map-sub000/internal/models"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/logger"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/metrics"
)

// RoomInfo is a point-in-time view of one room, used by the stats endpoint.
type RoomInfo struct {
	ID              string          `json:"id"`
	GameID          string          `json:"game_id"`
	Type            models.RoomType `json:"type"`
	ConnectionCount int             `json:"connection_count"`
	UserCount       int             `json:"user_count"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Users           []string        `json:"users"`
}

// RoomManager owns every Room on this instance. Rooms are created lazily on
// first join and reaped once empty and idle; nothing ever pre-provisions
// them.
type RoomManager struct {
	rooms  map[string]*models.Room
	mu     sync.RWMutex
	logger *logrus.Entry

	sweepInterval time.Duration
	idleGrace     time.Duration
	done          chan struct{}
	stopOnce      sync.Once
}

func NewRoomManager(cfg *config.CleanupConfig) *RoomManager {
	rm := &RoomManager{
		rooms:         make(map[string]*models.Room),
		logger:        logger.Component("room_manager"),
		sweepInterval: cfg.RoomSweepInterval,
		idleGrace:     cfg.RoomIdleGrace,
		done:          make(chan struct{}),
	}

	go rm.sweepLoop()

	return rm
}

// GetOrCreateRoom is idempotent: an existing room is returned unchanged
// regardless of the requested game id and type.
func (rm *RoomManager) GetOrCreateRoom(roomID, gameID string, roomType models.RoomType) *models.Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if room, ok := rm.rooms[roomID]; ok {
		return room
	}

	room := models.NewRoom(roomID, gameID, roomType)
	rm.rooms[roomID] = room
	metrics.ActiveRooms.Set(float64(len(rm.rooms)))

	rm.logger.WithFields(logrus.Fields{
		"room_id": roomID,
		"game_id": gameID,
		"type":    roomType,
	}).Debug("Room created")

	return room
}

func (rm *RoomManager) Room(roomID string) (*models.Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	room, ok := rm.rooms[roomID]
	return room, ok
}

// JoinRoom adds the connection to the room and records the membership on the
// connection in the same call, so the two sides can never disagree. The room
// type is classified from the identifier only when the room is created here.
func (rm *RoomManager) JoinRoom(roomID string, conn *models.Connection) *models.Room {
	room := rm.GetOrCreateRoom(roomID, conn.GameID, models.ClassifyRoomID(roomID))
	room.AddConnection(conn)
	conn.JoinRoom(roomID)

	rm.logger.WithFields(logrus.Fields{
		"room_id":       roomID,
		"connection_id": conn.ID,
		"user_id":       conn.UserID,
	}).Debug("Connection joined room")

	return room
}

func (rm *RoomManager) LeaveRoom(roomID string, conn *models.Connection) {
	room, ok := rm.Room(roomID)
	if !ok {
		// Keep the connection's own set consistent even if the room was
		// already reaped.
		conn.LeaveRoom(roomID)
		return
	}

	room.RemoveConnection(conn.ID)
	conn.LeaveRoom(roomID)

	rm.logger.WithFields(logrus.Fields{
		"room_id":       roomID,
		"connection_id": conn.ID,
		"user_id":       conn.UserID,
	}).Debug("Connection left room")
}

// BroadcastToAll fans out to every member of the room, best effort.
func (rm *RoomManager) BroadcastToAll(roomID string, payload []byte, excludeIDs ...string) error {
	room, ok := rm.Room(roomID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	room.BroadcastToAll(payload, excludeIDs...)
	return nil
}

// BroadcastToUser fans out to the subset of room members belonging to one
// user.
func (rm *RoomManager) BroadcastToUser(roomID, userID string, payload []byte) error {
	room, ok := rm.Room(roomID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	room.BroadcastToUser(userID, payload)
	return nil
}

func (rm *RoomManager) Rooms() []*models.Room {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	rooms := make([]*models.Room, 0, len(rm.rooms))
	for _, room := range rm.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (rm *RoomManager) RoomsByGame(gameID string) []*models.Room {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var rooms []*models.Room
	for _, room := range rm.rooms {
		if room.GameID == gameID {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

func (rm *RoomManager) RoomInfo(roomID string) (RoomInfo, bool) {
	room, ok := rm.Room(roomID)
	if !ok {
		return RoomInfo{}, false
	}
	return roomInfo(room), true
}

func (rm *RoomManager) AllRoomInfo() map[string]RoomInfo {
	rooms := rm.Rooms()
	infos := make(map[string]RoomInfo, len(rooms))
	for _, room := range rooms {
		infos[room.ID] = roomInfo(room)
	}
	return infos
}

func roomInfo(room *models.Room) RoomInfo {
	return RoomInfo{
		ID:              room.ID,
		GameID:          room.GameID,
		Type:            room.Type,
		ConnectionCount: room.ConnectionCount(),
		UserCount:       room.UserCount(),
		CreatedAt:       room.CreatedAt,
		UpdatedAt:       room.UpdatedAt(),
		Users:           room.Users(),
	}
}

func (rm *RoomManager) Count() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.rooms)
}

func (rm *RoomManager) sweepLoop() {
	ticker := time.NewTicker(rm.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.done:
			return
		case <-ticker.C:
			rm.removeIdleRooms(time.Now())
		}
	}
}

// removeIdleRooms deletes rooms that are empty and have not been touched for
// the idle grace period.
func (rm *RoomManager) removeIdleRooms(now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for roomID, room := range rm.rooms {
		if room.IsEmpty() && now.Sub(room.UpdatedAt()) > rm.idleGrace {
			delete(rm.rooms, roomID)
			rm.logger.WithField("room_id", roomID).Debug("Reaped idle room")
		}
	}
	metrics.ActiveRooms.Set(float64(len(rm.rooms)))
}

func (rm *RoomManager) Shutdown() {
	rm.stopOnce.Do(func() {
		rm.logger.Info("Shutting down room manager")
		close(rm.done)
	})
}
