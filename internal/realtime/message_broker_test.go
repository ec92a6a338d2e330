package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richiexuetang/ritcher-map-sub000/internal/models"
)

type publishedMessage struct {
	Channel string
	Payload []byte
}

type fakeTransport struct {
	mu        sync.Mutex
	published []publishedMessage
	roomSub   *fakeSubscription
	userSub   *fakeSubscription
	globalSub *fakeSubscription
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		roomSub:   newFakeSubscription(),
		userSub:   newFakeSubscription(),
		globalSub: newFakeSubscription(),
	}
}

func (f *fakeTransport) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{Channel: channel, Payload: payload})
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, _ ...string) (Subscription, error) {
	return f.globalSub, nil
}

func (f *fakeTransport) PSubscribe(_ context.Context, patterns ...string) (Subscription, error) {
	if patterns[0] == roomChannelPrefix+"*" {
		return f.roomSub, nil
	}
	return f.userSub, nil
}

func (f *fakeTransport) publishedMessages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

type fakeSubscription struct {
	ch        chan PubSubMessage
	closeOnce sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{ch: make(chan PubSubMessage, 16)}
}

func (f *fakeSubscription) Messages() <-chan PubSubMessage { return f.ch }

func (f *fakeSubscription) Close() error {
	f.closeOnce.Do(func() { close(f.ch) })
	return nil
}

type fakeLocal struct {
	mu     sync.Mutex
	toUser map[string][][]byte
	toAll  [][]byte
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{toUser: make(map[string][][]byte)}
}

func (f *fakeLocal) SendToUser(userID string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toUser[userID] = append(f.toUser[userID], payload)
}

func (f *fakeLocal) SendToAll(payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toAll = append(f.toAll, payload)
}

func (f *fakeLocal) userCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.toUser[userID])
}

func (f *fakeLocal) allCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.toAll)
}

func newTestBroker(t *testing.T) (*MessageBroker, *fakeTransport, *RoomManager, *fakeLocal) {
	t.Helper()

	transport := newFakeTransport()
	rooms := newTestRoomManager(t)
	broker := NewMessageBroker(transport, rooms)
	local := newFakeLocal()
	broker.AttachLocalDelivery(local)
	t.Cleanup(broker.Shutdown)

	return broker, transport, rooms, local
}

func TestPublishToRoomStampsOriginAndDeliversLocally(t *testing.T) {
	broker, transport, rooms, _ := newTestBroker(t)
	require.NoError(t, broker.Start(context.Background()))

	conn := newRealtimeTestConnection("user-1", "game-1")
	rooms.JoinRoom("game:game-1", conn)

	msg := models.NewOutgoingMessage(models.TypeUserLocation, "", "user-1", nil)
	require.NoError(t, broker.PublishToRoom(context.Background(), "game:game-1", msg))

	// Local members get the payload without waiting for the transport echo.
	require.Equal(t, 1, conn.Pending())

	published := transport.publishedMessages()
	require.Len(t, published, 1)
	assert.Equal(t, "room:game:game-1", published[0].Channel)

	var envelope models.OutgoingMessage
	require.NoError(t, json.Unmarshal(published[0].Payload, &envelope))
	assert.Equal(t, broker.InstanceID(), envelope.Metadata[metadataOriginKey])
	assert.Equal(t, "game-1", envelope.GameID)
}

func TestRoomEchoSuppression(t *testing.T) {
	broker, transport, rooms, _ := newTestBroker(t)
	require.NoError(t, broker.Start(context.Background()))

	conn := newRealtimeTestConnection("user-1", "game-1")
	rooms.JoinRoom("game:game-1", conn)

	msg := models.NewOutgoingMessage(models.TypeUserLocation, "game-1", "user-1", nil)
	require.NoError(t, broker.PublishToRoom(context.Background(), "game:game-1", msg))
	require.Equal(t, 1, conn.Pending())

	// Feed our own publish back through the subscription, as the transport
	// would. It must not be delivered a second time.
	published := transport.publishedMessages()
	transport.roomSub.ch <- PubSubMessage{Channel: published[0].Channel, Payload: published[0].Payload}

	assert.Never(t, func() bool {
		return conn.Pending() > 1
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestRoomMessageFromOtherInstance(t *testing.T) {
	broker, transport, rooms, _ := newTestBroker(t)
	require.NoError(t, broker.Start(context.Background()))

	conn := newRealtimeTestConnection("user-1", "game-1")
	rooms.JoinRoom("game:game-1", conn)

	msg := models.NewOutgoingMessage(models.TypeUserLocation, "game-1", "user-2", nil)
	msg.Metadata[metadataOriginKey] = "another-instance"
	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	transport.roomSub.ch <- PubSubMessage{Channel: "room:game:game-1", Payload: payload}

	require.Eventually(t, func() bool {
		return conn.Pending() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUserChannelRouting(t *testing.T) {
	broker, transport, _, local := newTestBroker(t)
	require.NoError(t, broker.Start(context.Background()))

	transport.userSub.ch <- PubSubMessage{Channel: "user:user-7", Payload: []byte(`{}`)}

	require.Eventually(t, func() bool {
		return local.userCount("user-7") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestGlobalChannelRouting(t *testing.T) {
	broker, transport, _, local := newTestBroker(t)
	require.NoError(t, broker.Start(context.Background()))

	transport.globalSub.ch <- PubSubMessage{Channel: channelGlobal, Payload: []byte(`{}`)}

	require.Eventually(t, func() bool {
		return local.allCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPublishToUserAndGlobal(t *testing.T) {
	broker, transport, _, _ := newTestBroker(t)
	require.NoError(t, broker.Start(context.Background()))

	msg := models.NewOutgoingMessage(models.TypeUserStatus, "game-1", "user-1", nil)
	require.NoError(t, broker.PublishToUser(context.Background(), "user-1", msg))
	require.NoError(t, broker.PublishGlobal(context.Background(), msg))

	published := transport.publishedMessages()
	require.Len(t, published, 2)
	assert.Equal(t, "user:user-1", published[0].Channel)
	assert.Equal(t, channelGlobal, published[1].Channel)
}

func TestExternalEventRoutedToGameRoom(t *testing.T) {
	broker, transport, rooms, _ := newTestBroker(t)

	source := newFakeSubscription()
	require.NoError(t, broker.AddExternalSource("marker-events", source))
	require.NoError(t, broker.Start(context.Background()))

	conn := newRealtimeTestConnection("user-1", "game-1")
	rooms.JoinRoom("game:game-1", conn)

	source.ch <- PubSubMessage{
		Channel: "marker-events",
		Payload: []byte(`{"eventType":"marker.created","gameId":"game-1","data":{"title":"cave"}}`),
	}

	require.Eventually(t, func() bool {
		return conn.Pending() == 1
	}, time.Second, 10*time.Millisecond)

	envelope := &models.OutgoingMessage{}
	require.NoError(t, json.Unmarshal(<-conn.Outbound(), envelope))
	assert.Equal(t, "marker.created", envelope.Type)
	assert.Equal(t, "marker-events", envelope.Metadata["source"])

	// Ingested events are delivered locally only, never published back.
	assert.Empty(t, transport.publishedMessages())
}

func TestExternalEventRoutedToUser(t *testing.T) {
	broker, _, _, local := newTestBroker(t)

	source := newFakeSubscription()
	require.NoError(t, broker.AddExternalSource("user-events", source))
	require.NoError(t, broker.Start(context.Background()))

	source.ch <- PubSubMessage{
		Channel: "user-events",
		Payload: []byte(`{"eventType":"friend.request","userId":"user-9"}`),
	}

	require.Eventually(t, func() bool {
		return local.userCount("user-9") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUserEventWithGameIDStaysScopedToUser(t *testing.T) {
	broker, _, rooms, local := newTestBroker(t)

	source := newFakeSubscription()
	require.NoError(t, broker.AddExternalSource(SourceUserEvents, source))
	require.NoError(t, broker.Start(context.Background()))

	bystander := newRealtimeTestConnection("user-1", "g1")
	rooms.JoinRoom("game:g1", bystander)

	source.ch <- PubSubMessage{
		Channel: SourceUserEvents,
		Payload: []byte(`{"eventType":"user.banned","gameId":"g1","userId":"u9"}`),
	}

	// The ban reaches the banned user and nobody else, even though the
	// envelope names a game.
	require.Eventually(t, func() bool {
		return local.userCount("u9") == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, bystander.Pending())
}

func TestUserEventWithoutUserIDDropped(t *testing.T) {
	broker, _, _, local := newTestBroker(t)

	source := newFakeSubscription()
	require.NoError(t, broker.AddExternalSource(SourceUserEvents, source))
	require.NoError(t, broker.Start(context.Background()))

	source.ch <- PubSubMessage{
		Channel: SourceUserEvents,
		Payload: []byte(`{"eventType":"user.banned","gameId":"g1"}`),
	}

	assert.Never(t, func() bool {
		return local.allCount() > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestExternalEventBroadcast(t *testing.T) {
	broker, _, _, local := newTestBroker(t)

	source := newFakeSubscription()
	require.NoError(t, broker.AddExternalSource("system-events", source))
	require.NoError(t, broker.Start(context.Background()))

	source.ch <- PubSubMessage{
		Channel: "system-events",
		Payload: []byte(`{"eventType":"maintenance.scheduled"}`),
	}

	require.Eventually(t, func() bool {
		return local.allCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExternalEventMalformed(t *testing.T) {
	broker, _, _, local := newTestBroker(t)

	source := newFakeSubscription()
	require.NoError(t, broker.AddExternalSource("marker-events", source))
	require.NoError(t, broker.Start(context.Background()))

	source.ch <- PubSubMessage{Channel: "marker-events", Payload: []byte(`not json`)}
	source.ch <- PubSubMessage{Channel: "marker-events", Payload: []byte(`{"gameId":"g"}`)}

	assert.Never(t, func() bool {
		return local.allCount() > 0
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestAddExternalSourceAfterStart(t *testing.T) {
	broker, _, _, _ := newTestBroker(t)
	require.NoError(t, broker.Start(context.Background()))

	err := broker.AddExternalSource("late", newFakeSubscription())
	assert.ErrorIs(t, err, ErrBrokerStarted)
}

func TestStartTwice(t *testing.T) {
	broker, _, _, _ := newTestBroker(t)
	require.NoError(t, broker.Start(context.Background()))
	assert.ErrorIs(t, broker.Start(context.Background()), ErrBrokerStarted)
}

func TestSubscriptionStatus(t *testing.T) {
	broker, _, _, _ := newTestBroker(t)

	source := newFakeSubscription()
	require.NoError(t, broker.AddExternalSource("marker-events", source))
	require.NoError(t, broker.Start(context.Background()))

	status := broker.GetSubscriptionStatus()
	assert.True(t, status["rooms"])
	assert.True(t, status["users"])
	assert.True(t, status["global"])
	assert.True(t, status["external:marker-events"])

	broker.Shutdown()
	status = broker.GetSubscriptionStatus()
	for name, live := range status {
		assert.False(t, live, name)
	}
}

func TestSubscriptionStatusReflectsDeadRelay(t *testing.T) {
	broker, transport, _, _ := newTestBroker(t)
	require.NoError(t, broker.Start(context.Background()))

	// A relay whose feed closes underneath it must stop reporting live.
	transport.roomSub.Close()

	require.Eventually(t, func() bool {
		return !broker.GetSubscriptionStatus()["rooms"]
	}, time.Second, 10*time.Millisecond)

	assert.True(t, broker.GetSubscriptionStatus()["users"])
	assert.True(t, broker.GetSubscriptionStatus()["global"])
}
