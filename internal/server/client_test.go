package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
)

func newTestClient(t *testing.T, hub *Hub, svc Services) *Client {
	t.Helper()
	c := NewClient(nil, hub, svc, testConfig(), "test-addr", testLogger())
	t.Cleanup(c.Disconnect)
	return c
}

// TestClientStateMachine walks a session through its lifecycle.
func TestClientStateMachine(t *testing.T) {
	s := setupStore(t)
	hub := NewHub(testLogger())
	c := newTestClient(t, hub, servicesFor(s))

	assert.Equal(t, StateConnecting, c.State())

	require.NoError(t, c.Connect(context.Background(), ""))
	assert.Equal(t, StateAttached, c.State())
	assert.Equal(t, "chat_public_chat", c.Group())
	assert.Nil(t, c.Room())

	assert.Error(t, c.Connect(context.Background(), ""), "connect twice")

	require.NoError(t, c.HandleFrame(context.Background(), []byte(`{"username":"alice","message":"hi"}`)))
	assert.Equal(t, StateAwaitingFrame, c.State())

	c.Disconnect()
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, hub.Registry().IDsOf("chat_public_chat"))

	c.Disconnect()
	assert.Equal(t, StateClosed, c.State())

	err := c.HandleFrame(context.Background(), []byte(`{"username":"alice","message":"late"}`))
	assert.Error(t, err)
}

// TestClientConnectResolvesRoom checks room resolution and the lenient
// handling of unknown rooms.
func TestClientConnectResolvesRoom(t *testing.T) {
	s := setupStore(t)
	hub := NewHub(testLogger())
	ctx := context.Background()

	owner, err := s.Users.GetOrCreate(ctx, "owner")
	require.NoError(t, err)
	room, err := s.Rooms.Create(ctx, storeRoom("General", owner))
	require.NoError(t, err)

	t.Run("Known room", func(t *testing.T) {
		c := newTestClient(t, hub, servicesFor(s))
		require.NoError(t, c.Connect(ctx, room.Slug))
		assert.Equal(t, "chat_general", c.Group())
		require.NotNil(t, c.Room())
		assert.Equal(t, room.ID, c.Room().ID)
	})

	t.Run("Unknown room proceeds without room", func(t *testing.T) {
		c := newTestClient(t, hub, servicesFor(s))
		require.NoError(t, c.Connect(ctx, "ghost"))
		assert.Equal(t, "chat_ghost", c.Group())
		assert.Nil(t, c.Room())

		require.NoError(t, c.HandleFrame(ctx, []byte(`{"username":"bob","message":"boo"}`)))
		page, err := s.Messages.Page(ctx, nil, 0, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Nil(t, page[0].RoomID)
	})

	t.Run("Public marker", func(t *testing.T) {
		c := newTestClient(t, hub, servicesFor(s))
		require.NoError(t, c.Connect(ctx, chat.PublicRoom))
		assert.Equal(t, "chat_public_chat", c.Group())
	})
}

// TestClientTextFramePersistsAndPublishes checks that one text frame yields
// one stored message and one event per group member, sender included.
func TestClientTextFramePersistsAndPublishes(t *testing.T) {
	s := setupStore(t)
	hub := NewHub(testLogger())
	ctx := context.Background()

	sender := newTestClient(t, hub, servicesFor(s))
	require.NoError(t, sender.Connect(ctx, ""))
	listeners := []*recordingMember{{}, {}}
	for i, m := range listeners {
		require.NoError(t, hub.Registry().Register("listener-"+string(rune('a'+i)), "chat_public_chat", m))
	}
	outsider := &recordingMember{}
	require.NoError(t, hub.Registry().Register("outsider", "chat_elsewhere", outsider))

	require.NoError(t, sender.HandleFrame(ctx, []byte(`{"message_type":"text","username":"alice","message":"hi"}`)))

	page, err := s.Messages.Page(ctx, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "alice", page[0].User.Username)
	require.NotNil(t, page[0].Content)
	assert.Equal(t, "hi", *page[0].Content)

	for _, m := range listeners {
		events := m.Events()
		require.Len(t, events, 1)
		assert.Equal(t, "alice", events[0].Username)
		assert.Equal(t, chat.KindText, events[0].Kind)
		assert.Equal(t, "hi", events[0].Message)
		require.NotNil(t, events[0].MessageID)
		assert.Equal(t, page[0].ID, *events[0].MessageID)
	}
	assert.Empty(t, outsider.Events())
	assert.Len(t, sender.GetSendChan(), 1, "sender receives its own message")
}

// TestClientImageFrameRelaysWithoutPersisting verifies that image frames are
// relayed as-is.
func TestClientImageFrameRelaysWithoutPersisting(t *testing.T) {
	s := setupStore(t)
	hub := NewHub(testLogger())
	ctx := context.Background()

	c := newTestClient(t, hub, servicesFor(s))
	require.NoError(t, c.Connect(ctx, ""))
	listener := &recordingMember{}
	require.NoError(t, hub.Registry().Register("listener", "chat_public_chat", listener))

	frame := `{"message_type":"image","username":"alice","image_url":"http://x/media/a.png","message_id":7}`
	require.NoError(t, c.HandleFrame(ctx, []byte(frame)))

	page, err := s.Messages.Page(ctx, nil, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, page)

	events := listener.Events()
	require.Len(t, events, 1)
	assert.Equal(t, chat.KindImage, events[0].Kind)
	assert.Equal(t, "http://x/media/a.png", events[0].ImageURL)
	require.NotNil(t, events[0].MessageID)
	assert.Equal(t, uint(7), *events[0].MessageID)
}

// TestClientMalformedFrames checks that broken frames are rejected with a
// protocol error and the session stays usable.
func TestClientMalformedFrames(t *testing.T) {
	s := setupStore(t)
	hub := NewHub(testLogger())
	ctx := context.Background()

	c := newTestClient(t, hub, servicesFor(s))
	require.NoError(t, c.Connect(ctx, ""))

	frames := map[string]string{
		"Invalid JSON":      `not json`,
		"Missing username":  `{"message":"hi"}`,
		"Missing message":   `{"username":"alice"}`,
		"Unknown kind":      `{"message_type":"video","username":"alice","message":"x"}`,
		"Image without url": `{"message_type":"image","username":"alice"}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			err := c.HandleFrame(ctx, []byte(frame))
			assert.True(t, errors.Is(err, chat.ErrProtocol), "got %v", err)
			assert.Equal(t, StateAwaitingFrame, c.State())
		})
	}

	require.NoError(t, c.HandleFrame(ctx, []byte(`{"username":"alice","message":"still here"}`)))
	page, err := s.Messages.Page(ctx, nil, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

// TestClientSlowConsumerDropped fills a session's buffer and checks that it
// is detached instead of blocking the bus.
func TestClientSlowConsumerDropped(t *testing.T) {
	hub := NewHub(testLogger())
	cfg := testConfig()
	cfg.SendBuffer = 2
	c := NewClient(nil, hub, Services{}, cfg, "slow", testLogger())
	require.NoError(t, c.Connect(context.Background(), ""))

	for i := 0; i < 2; i++ {
		require.NoError(t, c.OnBusEvent(textEvent("x")))
	}
	err := c.OnBusEvent(textEvent("overflow"))
	assert.True(t, errors.Is(err, chat.ErrDeliveryFailure))
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, hub.Registry().IDsOf("chat_public_chat"))

	assert.True(t, errors.Is(c.OnBusEvent(textEvent("after")), chat.ErrDeliveryFailure))
}

// TestClientConnectAfterShutdown checks that a closed bus refuses sessions.
func TestClientConnectAfterShutdown(t *testing.T) {
	hub := NewHub(testLogger())
	require.NoError(t, hub.Shutdown(time.Second))

	c := NewClient(nil, hub, Services{}, testConfig(), "late", testLogger())
	err := c.Connect(context.Background(), "")
	assert.True(t, errors.Is(err, chat.ErrBusClosed))
	assert.Equal(t, StateClosed, c.State())
}
