package models

import (
	"fmt"
	"sync"
	"time"
)

const maxUsernameLength = 50

// ValidateUsername bounds client-supplied display names at the connection
// boundary. Empty is allowed; the user id stands in for it.
func ValidateUsername(username string) error {
	if len(username) > maxUsernameLength {
		return fmt.Errorf("username exceeds %d characters", maxUsernameLength)
	}
	return nil
}

type UserPresenceStatus string

const (
	UserStatusOnline    UserPresenceStatus = "online"
	UserStatusAway      UserPresenceStatus = "away"
	UserStatusBusy      UserPresenceStatus = "busy"
	UserStatusInvisible UserPresenceStatus = "invisible"
	UserStatusOffline   UserPresenceStatus = "offline"
)

// ParsePresenceStatus validates a client-supplied status string. Unknown
// values fall back to online rather than failing the update. Offline is
// derived from the connection count and can never be set directly; a client
// asking for it gets invisible, which reads the same to other users without
// desynchronizing the online bookkeeping.
func ParsePresenceStatus(status string) UserPresenceStatus {
	switch UserPresenceStatus(status) {
	case UserStatusOnline, UserStatusAway, UserStatusBusy, UserStatusInvisible:
		return UserPresenceStatus(status)
	case UserStatusOffline:
		return UserStatusInvisible
	default:
		return UserStatusOnline
	}
}

// User aggregates presence across all of a user's simultaneous connections.
// It tracks connection ids only; the connection manager owns the connections.
type User struct {
	ID       string
	Username string

	status       UserPresenceStatus
	customStatus string
	lastLocation *LocationUpdate
	lastSeen     time.Time
	connections  map[string]struct{}

	mu sync.RWMutex
}

func NewUser(id, username string) *User {
	return &User{
		ID:          id,
		Username:    username,
		status:      UserStatusOffline,
		connections: make(map[string]struct{}),
		lastSeen:    time.Now(),
	}
}

func (u *User) AddConnection(connectionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.connections[connectionID] = struct{}{}
	u.status = UserStatusOnline
	u.lastSeen = time.Now()
}

// RemoveConnection drops a connection association. The user only goes
// offline when the last connection is gone; the record itself survives until
// the idle sweep purges it.
func (u *User) RemoveConnection(connectionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	delete(u.connections, connectionID)
	if len(u.connections) == 0 {
		u.status = UserStatusOffline
	}
	u.lastSeen = time.Now()
}

func (u *User) ConnectionCount() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.connections)
}

func (u *User) ConnectionIDs() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()

	ids := make([]string, 0, len(u.connections))
	for id := range u.connections {
		ids = append(ids, id)
	}
	return ids
}

func (u *User) IsOnline() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.connections) > 0 && u.status != UserStatusOffline
}

func (u *User) UpdateStatus(status UserPresenceStatus, customStatus string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.status = status
	u.customStatus = customStatus
	u.lastSeen = time.Now()
}

// UpdateLocation is last-write-wins; only the most recent location is kept.
func (u *User) UpdateLocation(location *LocationUpdate) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.lastLocation = location
	u.lastSeen = time.Now()
}

func (u *User) Status() (UserPresenceStatus, string) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.status, u.customStatus
}

func (u *User) LastLocation() *LocationUpdate {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastLocation
}

func (u *User) LastSeen() time.Time {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.lastSeen
}

// PresenceSnapshot is the read model returned by presence queries.
type PresenceSnapshot struct {
	UserID       string          `json:"user_id,omitempty"`
	Username     string          `json:"username,omitempty"`
	Online       bool            `json:"online"`
	Status       string          `json:"status"`
	CustomStatus string          `json:"custom_status,omitempty"`
	Location     *LocationUpdate `json:"location,omitempty"`
	Connections  int             `json:"connections"`
	LastSeen     time.Time       `json:"last_seen,omitempty"`
}

func (u *User) Snapshot() PresenceSnapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()

	return PresenceSnapshot{
		UserID:       u.ID,
		Username:     u.Username,
		Online:       len(u.connections) > 0 && u.status != UserStatusOffline,
		Status:       string(u.status),
		CustomStatus: u.customStatus,
		Location:     u.lastLocation,
		Connections:  len(u.connections),
		LastSeen:     u.lastSeen,
	}
}
