package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/richiexuetang/ritcher-map-sub000/internal/models"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/logger"
	"github.com/richiexuetang/ritcher-map-sub000/pkg/metrics"
)

const (
	channelGlobal     = "global"
	roomChannelPrefix = "room:"
	userChannelPrefix = "user:"

	metadataOriginKey = "origin"

	// External ingress sources. The source decides the delivery scope; the
	// payload fields only pick the target inside that scope.
	SourceMarkerEvents    = "marker-events"
	SourceUserEvents      = "user-events"
	SourceCommunityEvents = "community-events"
	SourceSystemEvents    = "system-events"
)

// LocalDelivery is the connection manager's delivery surface. The broker only
// hands payloads to connections on this instance; it never publishes back to
// the transport in response to an inbound message.
type LocalDelivery interface {
	SendToUser(userID string, payload []byte)
	SendToAll(payload []byte)
}

// MessageBroker bridges the distributed transport and this instance's rooms
// and connections. Three channel families exist: room:{id} fanned out to room
// members, user:{id} fanned out to a user's connections, and global fanned
// out to everyone. External ingress sources are registered before Start and
// drained until Shutdown.
type MessageBroker struct {
	transport Transport
	rooms     *RoomManager
	local     LocalDelivery
	logger    *logrus.Entry

	// instanceID stamps room publishes so our own fan-out is not applied
	// twice when the transport echoes it back.
	instanceID string

	mu       sync.Mutex
	started  bool
	subs     map[string]Subscription
	external map[string]Subscription
	live     map[string]bool

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewMessageBroker(transport Transport, rooms *RoomManager) *MessageBroker {
	return &MessageBroker{
		transport:  transport,
		rooms:      rooms,
		logger:     logger.Component("message_broker"),
		instanceID: uuid.New().String(),
		subs:       make(map[string]Subscription),
		external:   make(map[string]Subscription),
		live:       make(map[string]bool),
	}
}

// AttachLocalDelivery wires the connection manager in after construction.
// Broker and connection manager reference each other, so one side has to be
// attached late.
func (b *MessageBroker) AttachLocalDelivery(local LocalDelivery) {
	b.local = local
}

func (b *MessageBroker) InstanceID() string {
	return b.instanceID
}

// AddExternalSource registers an ingress feed under a name. Must be called
// before Start.
func (b *MessageBroker) AddExternalSource(name string, sub Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrBrokerStarted
	}
	b.external[name] = sub
	return nil
}

// Start subscribes to the three channel families and begins draining every
// registered external source.
func (b *MessageBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrBrokerStarted
	}

	ctx, b.cancel = context.WithCancel(ctx)

	roomSub, err := b.transport.PSubscribe(ctx, roomChannelPrefix+"*")
	if err != nil {
		return fmt.Errorf("subscribe room channels: %w", err)
	}
	userSub, err := b.transport.PSubscribe(ctx, userChannelPrefix+"*")
	if err != nil {
		roomSub.Close()
		return fmt.Errorf("subscribe user channels: %w", err)
	}
	globalSub, err := b.transport.Subscribe(ctx, channelGlobal)
	if err != nil {
		roomSub.Close()
		userSub.Close()
		return fmt.Errorf("subscribe global channel: %w", err)
	}

	b.subs["rooms"] = roomSub
	b.subs["users"] = userSub
	b.subs["global"] = globalSub

	b.live["rooms"] = true
	b.live["users"] = true
	b.live["global"] = true

	b.wg.Add(3)
	go b.relayLoop("rooms", roomSub, b.handleRoomMessage)
	go b.relayLoop("users", userSub, b.handleUserMessage)
	go b.relayLoop("global", globalSub, b.handleGlobalMessage)

	for name, sub := range b.external {
		b.live["external:"+name] = true
		b.wg.Add(1)
		go b.externalLoop(name, sub)
	}

	b.started = true
	b.logger.WithFields(logrus.Fields{
		"instance_id":      b.instanceID,
		"external_sources": len(b.external),
	}).Info("Message broker started")

	return nil
}

// PublishToRoom sends an envelope to every member of the room on every
// instance. Members on this instance receive it immediately; the transport
// echo is suppressed by the origin stamp.
func (b *MessageBroker) PublishToRoom(ctx context.Context, roomID string, msg *models.OutgoingMessage) error {
	if msg.GameID == "" {
		if room, ok := b.rooms.Room(roomID); ok {
			msg.GameID = room.GameID
		}
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	msg.Metadata[metadataOriginKey] = b.instanceID
	msg.Metadata["room_id"] = roomID

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal room message: %w", err)
	}

	if err := b.rooms.BroadcastToAll(roomID, payload); err != nil {
		b.logger.WithError(err).WithField("room_id", roomID).Debug("No local members for room publish")
	}

	if err := b.transport.Publish(ctx, roomChannelPrefix+roomID, payload); err != nil {
		metrics.RecordError("publish", "message_broker")
		return err
	}

	metrics.MessagesPublished.Inc()
	return nil
}

// PublishToUser sends an envelope to every connection of one user on every
// instance. Delivery happens only through the transport; user channels carry
// no origin stamp because the subscriber side is the sole delivery path.
func (b *MessageBroker) PublishToUser(ctx context.Context, userID string, msg *models.OutgoingMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}

	if err := b.transport.Publish(ctx, userChannelPrefix+userID, payload); err != nil {
		metrics.RecordError("publish", "message_broker")
		return err
	}

	metrics.MessagesPublished.Inc()
	return nil
}

// PublishGlobal sends an envelope to every connection on every instance.
func (b *MessageBroker) PublishGlobal(ctx context.Context, msg *models.OutgoingMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal global message: %w", err)
	}

	if err := b.transport.Publish(ctx, channelGlobal, payload); err != nil {
		metrics.RecordError("publish", "message_broker")
		return err
	}

	metrics.MessagesPublished.Inc()
	return nil
}

func (b *MessageBroker) relayLoop(name string, sub Subscription, handle func(PubSubMessage)) {
	defer func() {
		b.setLive(name, false)
		b.wg.Done()
	}()
	for msg := range sub.Messages() {
		handle(msg)
	}
	b.logger.WithField("subscription", name).Info("Relay drained")
}

func (b *MessageBroker) setLive(name string, live bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live[name] = live
}

// handleRoomMessage fans a transport message out to local room members,
// unless this instance published it and already delivered locally.
func (b *MessageBroker) handleRoomMessage(msg PubSubMessage) {
	roomID := msg.Channel[len(roomChannelPrefix):]

	var envelope models.OutgoingMessage
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		metrics.RecordError("decode", "message_broker")
		b.logger.WithError(err).WithField("channel", msg.Channel).Warn("Malformed room message")
		return
	}

	if envelope.Metadata[metadataOriginKey] == b.instanceID {
		return
	}

	if err := b.rooms.BroadcastToAll(roomID, msg.Payload); err != nil {
		b.logger.WithField("room_id", roomID).Debug("Room message for room with no local members")
	}
}

func (b *MessageBroker) handleUserMessage(msg PubSubMessage) {
	if b.local == nil {
		return
	}
	userID := msg.Channel[len(userChannelPrefix):]
	b.local.SendToUser(userID, msg.Payload)
}

func (b *MessageBroker) handleGlobalMessage(msg PubSubMessage) {
	if b.local == nil {
		return
	}
	b.local.SendToAll(msg.Payload)
}

func (b *MessageBroker) externalLoop(name string, sub Subscription) {
	defer func() {
		b.setLive("external:"+name, false)
		b.wg.Done()
	}()
	for msg := range sub.Messages() {
		b.routeExternalEvent(name, msg)
	}
	b.logger.WithField("source", name).Info("External source drained")
}

// routeExternalEvent re-ingests an event from an external source and delivers
// it to local connections only. Every instance consumes the same events, so
// publishing them back to the transport would deliver duplicates.
//
// The source keys the routing. User events in particular stay scoped to the
// target user even when the envelope also names a game; broadcasting a
// moderation event like user.banned to the whole game room would leak it.
func (b *MessageBroker) routeExternalEvent(source string, msg PubSubMessage) {
	metrics.ExternalEventsReceived.WithLabelValues(source).Inc()

	var event models.ExternalEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		metrics.RecordError("decode", "message_broker")
		b.logger.WithError(err).WithField("source", source).Warn("Malformed external event")
		return
	}
	if err := event.Validate(); err != nil {
		metrics.RecordError("validate", "message_broker")
		b.logger.WithError(err).WithField("source", source).Warn("Invalid external event")
		return
	}

	envelope := models.NewOutgoingMessage(event.EventType, event.GameID, event.UserID, event.Data)
	envelope.Metadata["source"] = source

	payload, err := json.Marshal(envelope)
	if err != nil {
		metrics.RecordError("encode", "message_broker")
		return
	}

	switch source {
	case SourceUserEvents:
		if event.UserID == "" {
			metrics.RecordError("route", "message_broker")
			b.logger.WithField("source", source).Warn("User event without a user id")
			return
		}
		if b.local != nil {
			b.local.SendToUser(event.UserID, payload)
		}
	case SourceSystemEvents:
		if b.local != nil {
			b.local.SendToAll(payload)
		}
	default:
		// Marker, community and any future room-scoped topics.
		if event.GameID == "" {
			metrics.RecordError("route", "message_broker")
			b.logger.WithField("source", source).Warn("Room-scoped event without a game id")
			return
		}
		roomID := "game:" + event.GameID
		if err := b.rooms.BroadcastToAll(roomID, payload); err != nil {
			b.logger.WithFields(logrus.Fields{
				"source":  source,
				"room_id": roomID,
			}).Debug("External event for room with no local members")
		}
	}
}

// GetSubscriptionStatus reports which feeds are live, keyed by name. A feed
// goes false the moment its loop exits, so a lost subscription takes the
// instance out of readiness instead of silently missing messages.
func (b *MessageBroker) GetSubscriptionStatus() map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := make(map[string]bool, len(b.live))
	for name, live := range b.live {
		status[name] = live
	}
	return status
}

// Shutdown closes every subscription and waits for the relay loops to drain.
func (b *MessageBroker) Shutdown() {
	b.stopOnce.Do(func() {
		b.logger.Info("Shutting down message broker")

		b.mu.Lock()
		if b.cancel != nil {
			b.cancel()
		}
		for name, sub := range b.subs {
			if err := sub.Close(); err != nil {
				b.logger.WithError(err).WithField("subscription", name).Warn("Failed to close subscription")
			}
		}
		for name, sub := range b.external {
			if err := sub.Close(); err != nil {
				b.logger.WithError(err).WithField("source", name).Warn("Failed to close external source")
			}
		}
		b.started = false
		b.mu.Unlock()

		b.wg.Wait()
	})
}
