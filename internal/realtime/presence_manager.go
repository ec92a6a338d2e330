package realtime

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/richiexuetang/ritcher-map-sub000/internal/config"
	"github.com/richiexuetang/ritcher-map-sub000/internal/models"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/logger"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/metrics"
)

// PresenceManager owns every User record on this instance and aggregates
// presence across each user's simultaneous connections. Records are created
// on first sight and only ever deleted by the idle sweep.
type PresenceManager struct {
	users  map[string]*models.User
	mu     sync.RWMutex
	logger *logrus.Entry

	sweepInterval time.Duration
	idleWindow    time.Duration
	done          chan struct{}
	stopOnce      sync.Once
}

func NewPresenceManager(cfg *config.CleanupConfig) *PresenceManager {
	pm := &PresenceManager{
		users:         make(map[string]*models.User),
		logger:        logger.Component("presence_manager"),
		sweepInterval: cfg.PresenceSweepInterval,
		idleWindow:    cfg.PresenceIdleWindow,
		done:          make(chan struct{}),
	}

	go pm.sweepLoop()

	return pm
}

// UserJoined registers one connection for a user, creating the record on
// first sight. The user is online for as long as at least one connection is
// registered.
func (pm *PresenceManager) UserJoined(userID, gameID, username, connectionID string) *models.User {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	user, ok := pm.users[userID]
	if !ok {
		user = models.NewUser(userID, username)
		pm.users[userID] = user
	}

	wasOnline := user.IsOnline()
	user.AddConnection(connectionID)
	if !wasOnline {
		metrics.OnlineUsers.Inc()
	}

	pm.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"game_id":       gameID,
		"username":      username,
		"connection_id": connectionID,
	}).Debug("User joined")

	return user
}

// UserLeft drops one connection association. Status flips to offline only
// when the last connection is gone; the record stays for the idle sweep.
func (pm *PresenceManager) UserLeft(userID, gameID, connectionID string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	user, ok := pm.users[userID]
	if !ok {
		return
	}

	wasOnline := user.IsOnline()
	user.RemoveConnection(connectionID)
	if wasOnline && !user.IsOnline() {
		metrics.OnlineUsers.Dec()
	}

	pm.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"game_id":       gameID,
		"connection_id": connectionID,
	}).Debug("User left")
}

// UpdateUserStatus is last-write-wins; no history is kept.
func (pm *PresenceManager) UpdateUserStatus(userID string, status models.UserPresenceStatus, customStatus string) {
	pm.mu.RLock()
	user, ok := pm.users[userID]
	pm.mu.RUnlock()
	if !ok {
		return
	}

	user.UpdateStatus(status, customStatus)

	pm.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"status":  status,
	}).Debug("User status updated")
}

// UpdateUserLocation is last-write-wins; no history is kept.
func (pm *PresenceManager) UpdateUserLocation(userID string, location *models.LocationUpdate) {
	pm.mu.RLock()
	user, ok := pm.users[userID]
	pm.mu.RUnlock()
	if !ok {
		return
	}

	user.UpdateLocation(location)

	pm.logger.WithFields(logrus.Fields{
		"user_id":   userID,
		"latitude":  location.Latitude,
		"longitude": location.Longitude,
	}).Debug("User location updated")
}

func (pm *PresenceManager) User(userID string) (*models.User, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	user, ok := pm.users[userID]
	return user, ok
}

// GetUserPresence returns a snapshot of the user's presence. An unknown user
// is reported as offline, not as an error.
func (pm *PresenceManager) GetUserPresence(userID string) models.PresenceSnapshot {
	pm.mu.RLock()
	user, ok := pm.users[userID]
	pm.mu.RUnlock()

	if !ok {
		return models.PresenceSnapshot{
			Online: false,
			Status: string(models.UserStatusOffline),
		}
	}

	return user.Snapshot()
}

func (pm *PresenceManager) OnlineUsers() []*models.User {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var online []*models.User
	for _, user := range pm.users {
		if user.IsOnline() {
			online = append(online, user)
		}
	}
	return online
}

func (pm *PresenceManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.users)
}

func (pm *PresenceManager) sweepLoop() {
	ticker := time.NewTicker(pm.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.done:
			return
		case <-ticker.C:
			pm.purgeIdleUsers(time.Now())
		}
	}
}

// purgeIdleUsers deletes offline users whose last-seen is older than the
// presence idle window. This window is deliberately longer than the room
// grace period.
func (pm *PresenceManager) purgeIdleUsers(now time.Time) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	cutoff := now.Add(-pm.idleWindow)
	for userID, user := range pm.users {
		if !user.IsOnline() && user.LastSeen().Before(cutoff) {
			delete(pm.users, userID)
			pm.logger.WithField("user_id", userID).Debug("Purged idle user")
		}
	}
}

func (pm *PresenceManager) Shutdown() {
	pm.stopOnce.Do(func() {
		pm.logger.Info("Shutting down presence manager")
		close(pm.done)
	})
}
