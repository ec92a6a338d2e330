package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/richiexuetang/ritcher-map-sub000/internal/config"
	"github.com/richiexuetang/ritcher-map-sub000/internal/models"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/logger"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/metrics"
)

var newline = []byte{'\n'}

type messageHandler func(conn *models.Connection, msg *models.IncomingMessage)

// ConnectionManager owns every live connection on this instance: admission,
// the read and write pumps, inbound dispatch and teardown. The handler table
// is fixed at construction; anything outside it gets an error envelope and
// the connection stays up.
type ConnectionManager struct {
	cfg      *config.WebSocketConfig
	rooms    *RoomManager
	presence *PresenceManager
	broker   *MessageBroker
	logger   *logrus.Entry

	connections map[string]*models.Connection
	byUser      map[string]map[string]*models.Connection
	mu          sync.RWMutex

	handlers map[string]messageHandler

	done     chan struct{}
	stopOnce sync.Once
}

func NewConnectionManager(cfg *config.WebSocketConfig, rooms *RoomManager, presence *PresenceManager, broker *MessageBroker) *ConnectionManager {
	cm := &ConnectionManager{
		cfg:         cfg,
		rooms:       rooms,
		presence:    presence,
		broker:      broker,
		logger:      logger.Component("connection_manager"),
		connections: make(map[string]*models.Connection),
		byUser:      make(map[string]map[string]*models.Connection),
		done:        make(chan struct{}),
	}

	cm.handlers = map[string]messageHandler{
		models.TypeUserLocation:      cm.handleUserLocation,
		models.TypeUserStatus:        cm.handleUserStatus,
		models.TypeMarkerCreate:      cm.handleMarkerCreate,
		models.TypeCollaborationSync: cm.handleCollaborationSync,
		models.TypeRoomJoin:          cm.handleRoomJoin,
		models.TypeRoomLeave:         cm.handleRoomLeave,
		models.TypePong:              cm.handlePong,
	}

	go cm.livenessLoop()

	return cm
}

// AtCapacity is checked before the upgrade so rejected clients get a plain
// HTTP response instead of a doomed socket.
func (cm *ConnectionManager) AtCapacity() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections) >= cm.cfg.MaxConnections
}

// AddConnection admits a connection, registers it in the lookup maps, joins
// it to its game room and records presence. The capacity gate is re-checked
// under the lock because the pre-upgrade check races with other admissions.
func (cm *ConnectionManager) AddConnection(conn *models.Connection) error {
	cm.mu.Lock()
	if len(cm.connections) >= cm.cfg.MaxConnections {
		cm.mu.Unlock()
		metrics.ConnectionsRejected.Inc()
		return ErrCapacityExceeded
	}

	cm.connections[conn.ID] = conn
	if cm.byUser[conn.UserID] == nil {
		cm.byUser[conn.UserID] = make(map[string]*models.Connection)
	}
	cm.byUser[conn.UserID][conn.ID] = conn
	total := len(cm.connections)
	cm.mu.Unlock()

	conn.SetStatus(models.StatusConnected)
	metrics.ConnectedClients.Set(float64(total))
	metrics.TotalConnections.Inc()

	cm.rooms.JoinRoom("game:"+conn.GameID, conn)
	cm.presence.UserJoined(conn.UserID, conn.GameID, conn.Username, conn.ID)

	conn.Logger().WithField("total_connections", total).Info("Connection established")
	return nil
}

// RemoveConnection tears a connection down: membership, presence, lookup maps
// and the socket itself. Safe to call more than once and from any goroutine.
func (cm *ConnectionManager) RemoveConnection(connectionID string) {
	cm.mu.Lock()
	conn, ok := cm.connections[connectionID]
	if !ok {
		cm.mu.Unlock()
		return
	}
	delete(cm.connections, connectionID)
	if userConns, ok := cm.byUser[conn.UserID]; ok {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(cm.byUser, conn.UserID)
		}
	}
	total := len(cm.connections)
	cm.mu.Unlock()

	for _, roomID := range conn.Rooms() {
		cm.rooms.LeaveRoom(roomID, conn)
	}
	cm.presence.UserLeft(conn.UserID, conn.GameID, conn.ID)

	if err := conn.Close(); err != nil {
		conn.Logger().WithError(err).Debug("Error closing connection")
	}

	metrics.ConnectedClients.Set(float64(total))
	conn.Logger().WithFields(logrus.Fields{
		"total_connections": total,
		"dropped_messages":  conn.Dropped(),
	}).Info("Connection removed")
}

// HandleConnection runs both pumps and blocks until the read pump exits, then
// tears the connection down.
func (cm *ConnectionManager) HandleConnection(conn *models.Connection) {
	go cm.writePump(conn)
	cm.readPump(conn)
	cm.RemoveConnection(conn.ID)
}

func (cm *ConnectionManager) readPump(conn *models.Connection) {
	conn.Conn.SetReadLimit(cm.cfg.MaxMessageSize)
	conn.Conn.SetReadDeadline(time.Now().Add(cm.cfg.PongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.UpdateLastPing()
		return conn.Conn.SetReadDeadline(time.Now().Add(cm.cfg.PongWait))
	})

	for {
		_, payload, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.Logger().WithError(err).Warn("Unexpected close")
			}
			return
		}

		metrics.MessagesReceived.Inc()

		var msg models.IncomingMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			metrics.RecordError("decode", "connection_manager")
			conn.SendError("INVALID_MESSAGE", "Failed to parse message", err.Error())
			continue
		}
		if err := msg.Validate(); err != nil {
			metrics.RecordError("validate", "connection_manager")
			conn.SendError("INVALID_MESSAGE", "Invalid message", err.Error())
			continue
		}

		cm.dispatch(conn, &msg)
	}
}

func (cm *ConnectionManager) dispatch(conn *models.Connection, msg *models.IncomingMessage) {
	handler, ok := cm.handlers[msg.Type]
	if !ok {
		metrics.RecordError("unknown_type", "connection_manager")
		conn.SendError("UNKNOWN_TYPE", ErrUnknownMessageType.Error(), msg.Type)
		return
	}
	handler(conn, msg)
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with pings. Queued payloads are coalesced into one frame
// as newline-delimited JSON.
func (cm *ConnectionManager) writePump(conn *models.Connection) {
	ticker := time.NewTicker(cm.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-conn.Context().Done():
			return

		case payload := <-conn.Outbound():
			conn.Conn.SetWriteDeadline(time.Now().Add(cm.cfg.WriteWait))
			w, err := conn.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(payload)
			metrics.MessagesSent.Inc()

			pending := conn.Pending()
			for i := 0; i < pending; i++ {
				w.Write(newline)
				w.Write(<-conn.Outbound())
				metrics.MessagesSent.Inc()
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(cm.cfg.WriteWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (cm *ConnectionManager) handleUserLocation(conn *models.Connection, msg *models.IncomingMessage) {
	var location models.LocationUpdate
	if err := json.Unmarshal(msg.Data, &location); err != nil {
		conn.SendError("INVALID_PAYLOAD", "Failed to parse location", err.Error())
		return
	}
	if err := location.Validate(); err != nil {
		conn.SendError("INVALID_PAYLOAD", "Invalid location", err.Error())
		return
	}
	if location.Timestamp.IsZero() {
		location.Timestamp = time.Now().UTC()
	}

	cm.presence.UpdateUserLocation(conn.UserID, &location)

	out := models.NewOutgoingMessage(models.TypeUserLocation, conn.GameID, conn.UserID, &location)
	if err := cm.broker.PublishToRoom(conn.Context(), "game:"+conn.GameID, out); err != nil {
		conn.Logger().WithError(err).Warn("Failed to publish location update")
	}
}

func (cm *ConnectionManager) handleUserStatus(conn *models.Connection, msg *models.IncomingMessage) {
	var presence models.PresenceData
	if err := json.Unmarshal(msg.Data, &presence); err != nil {
		conn.SendError("INVALID_PAYLOAD", "Failed to parse status", err.Error())
		return
	}

	status := models.ParsePresenceStatus(presence.Status)
	cm.presence.UpdateUserStatus(conn.UserID, status, presence.CustomStatus)

	out := models.NewOutgoingMessage(models.TypeUserStatus, conn.GameID, conn.UserID, &models.PresenceData{
		Status:       string(status),
		CustomStatus: presence.CustomStatus,
	})
	if err := cm.broker.PublishToRoom(conn.Context(), "game:"+conn.GameID, out); err != nil {
		conn.Logger().WithError(err).Warn("Failed to publish status update")
	}
}

// handleMarkerCreate forwards the marker to the game room as a marker.created
// event. The gateway persists nothing; the owning service does that on its
// own ingest path.
func (cm *ConnectionManager) handleMarkerCreate(conn *models.Connection, msg *models.IncomingMessage) {
	var marker models.MarkerData
	if err := json.Unmarshal(msg.Data, &marker); err != nil {
		conn.SendError("INVALID_PAYLOAD", "Failed to parse marker", err.Error())
		return
	}

	out := models.NewOutgoingMessage(models.TypeMarkerCreated, conn.GameID, conn.UserID, &marker)
	if err := cm.broker.PublishToRoom(conn.Context(), "game:"+conn.GameID, out); err != nil {
		conn.Logger().WithError(err).Warn("Failed to publish marker")
	}
}

// handleCollaborationSync targets the room derived from the resource, never a
// client-supplied room id.
func (cm *ConnectionManager) handleCollaborationSync(conn *models.Connection, msg *models.IncomingMessage) {
	var collab models.CollaborationData
	if err := json.Unmarshal(msg.Data, &collab); err != nil {
		conn.SendError("INVALID_PAYLOAD", "Failed to parse collaboration data", err.Error())
		return
	}
	if err := collab.Validate(); err != nil {
		conn.SendError("INVALID_PAYLOAD", "Invalid collaboration data", err.Error())
		return
	}

	roomID := "collab:" + collab.ResourceType + ":" + collab.ResourceID
	out := models.NewOutgoingMessage(models.TypeCollaborationSync, conn.GameID, conn.UserID, &collab)
	if err := cm.broker.PublishToRoom(conn.Context(), roomID, out); err != nil {
		conn.Logger().WithError(err).Warn("Failed to publish collaboration sync")
	}
}

func (cm *ConnectionManager) handleRoomJoin(conn *models.Connection, msg *models.IncomingMessage) {
	var req models.RoomRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		conn.SendError("INVALID_PAYLOAD", "Failed to parse room request", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		conn.SendError("INVALID_PAYLOAD", "Invalid room request", err.Error())
		return
	}

	cm.rooms.JoinRoom(req.RoomID, conn)
}

func (cm *ConnectionManager) handleRoomLeave(conn *models.Connection, msg *models.IncomingMessage) {
	var req models.RoomRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		conn.SendError("INVALID_PAYLOAD", "Failed to parse room request", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		conn.SendError("INVALID_PAYLOAD", "Invalid room request", err.Error())
		return
	}

	cm.rooms.LeaveRoom(req.RoomID, conn)
}

// handlePong covers clients that answer liveness at the application level
// instead of with protocol pong frames.
func (cm *ConnectionManager) handlePong(conn *models.Connection, msg *models.IncomingMessage) {
	conn.UpdateLastPing()
}

// SendToUser delivers a payload to every connection of one user on this
// instance.
func (cm *ConnectionManager) SendToUser(userID string, payload []byte) {
	cm.mu.RLock()
	conns := make([]*models.Connection, 0, len(cm.byUser[userID]))
	for _, conn := range cm.byUser[userID] {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Send(payload); err != nil {
			conn.Logger().WithError(err).Warn("Dropped user delivery")
		}
	}
}

// SendToAll delivers a payload to every connection on this instance.
func (cm *ConnectionManager) SendToAll(payload []byte) {
	cm.mu.RLock()
	conns := make([]*models.Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Send(payload); err != nil {
			conn.Logger().WithError(err).Warn("Dropped broadcast delivery")
		}
	}
}

func (cm *ConnectionManager) Connection(connectionID string) (*models.Connection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conn, ok := cm.connections[connectionID]
	return conn, ok
}

func (cm *ConnectionManager) ConnectionsForUser(userID string) []*models.Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conns := make([]*models.Connection, 0, len(cm.byUser[userID]))
	for _, conn := range cm.byUser[userID] {
		conns = append(conns, conn)
	}
	return conns
}

func (cm *ConnectionManager) ConnectionsByGame(gameID string) []*models.Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var conns []*models.Connection
	for _, conn := range cm.connections {
		if conn.GameID == gameID {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

func (cm *ConnectionManager) CountsByGame() map[string]int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	counts := make(map[string]int)
	for _, conn := range cm.connections {
		counts[conn.GameID]++
	}
	return counts
}

func (cm *ConnectionManager) livenessLoop() {
	ticker := time.NewTicker(cm.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-cm.done:
			return
		case <-ticker.C:
			cm.closeStaleConnections(time.Now())
		}
	}
}

// closeStaleConnections removes connections that have not answered liveness
// within the pong window. The read deadline catches most of these; this
// sweep covers sockets whose read pump is wedged.
func (cm *ConnectionManager) closeStaleConnections(now time.Time) {
	cm.mu.RLock()
	var stale []string
	for id, conn := range cm.connections {
		if now.Sub(conn.LastPing()) > cm.cfg.PongWait {
			stale = append(stale, id)
		}
	}
	cm.mu.RUnlock()

	for _, id := range stale {
		cm.logger.WithField("connection_id", id).Info("Closing stale connection")
		cm.RemoveConnection(id)
	}
}

// Shutdown closes every connection, bounded by the context deadline.
func (cm *ConnectionManager) Shutdown(ctx context.Context) {
	cm.stopOnce.Do(func() {
		close(cm.done)
	})

	cm.mu.RLock()
	ids := make([]string, 0, len(cm.connections))
	for id := range cm.connections {
		ids = append(ids, id)
	}
	cm.mu.RUnlock()

	cm.logger.WithField("connections", len(ids)).Info("Shutting down connection manager")

	for _, id := range ids {
		select {
		case <-ctx.Done():
			cm.logger.Warn("Shutdown deadline reached before all connections closed")
			return
		default:
		}
		cm.RemoveConnection(id)
	}
}
