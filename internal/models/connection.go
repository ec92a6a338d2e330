package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/richiexuetang/ritcher-map-sub000/pkg/metrics"
)

var (
	// ErrConnectionClosed is returned by Send once the connection has been
	// closed; late senders must treat it as a normal race, not a failure.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned when the outbound queue is saturated and
	// the message was dropped. The connection stays up.
	ErrSendBufferFull = errors.New("send buffer full")
)

type ConnectionStatus int

const (
	StatusConnecting ConnectionStatus = iota
	StatusConnected
	StatusDisconnecting
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Connection is the per-socket state: identity, transport handle, bounded
// outbound queue and room membership. A connection belongs to exactly one
// game for its lifetime. The connection manager is the sole owner; rooms and
// users only hold lookup references.
type Connection struct {
	ID          string
	UserID      string
	GameID      string
	Username    string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	ClientIP    string
	UserAgent   string

	send     chan []byte
	rooms    map[string]struct{}
	metadata map[string]string
	lastPing time.Time
	status   ConnectionStatus
	dropped  atomic.Int64

	mu        sync.RWMutex
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *logrus.Entry
}

func NewConnection(conn *websocket.Conn, userID, gameID, username, clientIP, userAgent string, sendBuffer int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	return &Connection{
		ID:          id,
		UserID:      userID,
		GameID:      gameID,
		Username:    username,
		Conn:        conn,
		ConnectedAt: time.Now(),
		ClientIP:    clientIP,
		UserAgent:   userAgent,
		send:        make(chan []byte, sendBuffer),
		rooms:       make(map[string]struct{}),
		metadata:    make(map[string]string),
		lastPing:    time.Now(),
		status:      StatusConnecting,
		ctx:         ctx,
		cancel:      cancel,
		logger: logrus.WithFields(logrus.Fields{
			"connection_id": id,
			"user_id":       userID,
			"game_id":       gameID,
		}),
	}
}

func (c *Connection) SetStatus(status ConnectionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *Connection) Status() ConnectionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// JoinRoom and LeaveRoom are idempotent set mutations. They are only called
// from the room manager so the room's membership map and this set never
// disagree.
func (c *Connection) JoinRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = struct{}{}
}

func (c *Connection) LeaveRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

func (c *Connection) IsInRoom(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (c *Connection) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Send enqueues a payload on the outbound queue without ever blocking the
// caller. A full queue drops the message and records the drop.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.dropped.Add(1)
		metrics.MessagesDropped.Inc()
		c.logger.Warn("Send queue full, dropping message")
		return ErrSendBufferFull
	}
}

// SendEnvelope marshals and enqueues an outgoing envelope.
func (c *Connection) SendEnvelope(msg *OutgoingMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.Send(payload)
}

// SendError reports a protocol failure back to this client. The connection
// stays open; the client decides whether to retry.
func (c *Connection) SendError(code, message, details string) error {
	msg := NewOutgoingMessage(TypeError, c.GameID, c.UserID, &ErrorData{
		Code:        code,
		Message:     message,
		Details:     details,
		Recoverable: true,
	})
	return c.SendEnvelope(msg)
}

// Outbound exposes the queue to the write pump.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Pending reports how many payloads are queued, used by the write pump to
// coalesce into a single frame.
func (c *Connection) Pending() int {
	return len(c.send)
}

// Dropped returns how many outbound messages were discarded on a full queue.
func (c *Connection) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Connection) UpdateLastPing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = time.Now()
}

func (c *Connection) LastPing() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPing
}

func (c *Connection) SetMetadata(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

func (c *Connection) Metadata(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.metadata[key]
	return value, ok
}

// Close is idempotent. Cancelling the context unblocks both pumps; pending
// sends are discarded rather than drained. The send channel itself is never
// closed because broadcast paths may still be racing a send.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.SetStatus(StatusDisconnecting)
		c.cancel()
		if c.Conn != nil {
			err = c.Conn.Close()
		}
		c.SetStatus(StatusDisconnected)
	})
	return err
}

// Context is the connection's cancellation scope; it ends when the
// connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) Logger() *logrus.Entry {
	return c.logger
}
