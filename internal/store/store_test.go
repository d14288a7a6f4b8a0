package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// setupTestStore creates an in-memory SQLite database for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := Open(Config{Driver: DriverSQLite, DSN: ":memory:"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err, "failed to open test database")
	require.NoError(t, Migrate(db), "failed to migrate test database")
	t.Cleanup(func() { _ = Close(db) })

	return New(db)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"}, nil)
	assert.Error(t, err)
}

func TestUsers_GetOrCreate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.Users.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	again, err := s.Users.GetOrCreate(ctx, " alice ")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = s.Users.GetOrCreate(ctx, "")
	assert.True(t, errors.Is(err, chat.ErrValidation))
}

func TestUsers_GetOrCreateConcurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const workers = 16
	ids := make(chan uint, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, err := s.Users.GetOrCreate(ctx, "carol")
			if err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
				return
			}
			ids <- u.ID
		}()
	}
	wg.Wait()
	close(ids)

	var first uint
	for id := range ids {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}

	var count int64
	require.NoError(t, s.DB.Model(&userRecord{}).Where("username = ?", "carol").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUsers_FindByUsername(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Users.FindByUsername(context.Background(), "ghost")
	assert.True(t, errors.Is(err, chat.ErrNotFound))
}

func TestRooms_CreateAndFind(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice, err := s.Users.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	room, err := s.Rooms.Create(ctx, CreateRoom{Name: "General Talk", Description: "anything", IsPublic: true, Creator: alice})
	require.NoError(t, err)
	assert.Equal(t, "general-talk", room.Slug)
	assert.Equal(t, int64(1), room.MemberCount)
	require.NotNil(t, room.Creator)
	assert.Equal(t, "alice", room.Creator.Username)

	found, err := s.Rooms.FindBySlug(ctx, "general-talk")
	require.NoError(t, err)
	assert.Equal(t, room.ID, found.ID)
	assert.Equal(t, int64(1), found.MemberCount)

	_, err = s.Rooms.FindBySlug(ctx, "missing")
	assert.True(t, errors.Is(err, chat.ErrNotFound))

	_, err = s.Rooms.Create(ctx, CreateRoom{Name: "General Talk", IsPublic: true, Creator: alice})
	assert.True(t, errors.Is(err, chat.ErrConflict), "got %v", err)

	_, err = s.Rooms.Create(ctx, CreateRoom{Name: "  ", Creator: alice})
	assert.True(t, errors.Is(err, chat.ErrValidation))
}

func TestRooms_ListOnlyPublic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice, err := s.Users.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	_, err = s.Rooms.Create(ctx, CreateRoom{Name: "open", IsPublic: true, Creator: alice})
	require.NoError(t, err)
	_, err = s.Rooms.Create(ctx, CreateRoom{Name: "secret", IsPublic: false, Creator: alice})
	require.NoError(t, err)

	rooms, err := s.Rooms.List(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "open", rooms[0].Slug)
	assert.Equal(t, int64(1), rooms[0].MemberCount)
}

func TestRooms_JoinAndLeave(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice, err := s.Users.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	bob, err := s.Users.GetOrCreate(ctx, "bob")
	require.NoError(t, err)

	_, err = s.Rooms.Create(ctx, CreateRoom{Name: "general", IsPublic: true, Creator: alice})
	require.NoError(t, err)

	room, err := s.Rooms.Join(ctx, "general", bob)
	require.NoError(t, err)
	assert.Equal(t, int64(2), room.MemberCount)

	room, err = s.Rooms.Join(ctx, "general", bob)
	require.NoError(t, err)
	assert.Equal(t, int64(2), room.MemberCount, "joining twice must not duplicate membership")

	require.NoError(t, s.Rooms.Leave(ctx, "general", bob))
	room, err = s.Rooms.FindBySlug(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, int64(1), room.MemberCount)

	_, err = s.Rooms.Join(ctx, "nope", bob)
	assert.True(t, errors.Is(err, chat.ErrNotFound))
	assert.True(t, errors.Is(s.Rooms.Leave(ctx, "nope", bob), chat.ErrNotFound))
}

func TestMessages_CreateAssignsIdentityAndTimestamp(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice, err := s.Users.GetOrCreate(ctx, "alice")
	require.NoError(t, err)

	m := chat.NewTextMessage(alice, nil, "hi")
	require.NoError(t, s.Messages.Create(ctx, m))
	assert.NotZero(t, m.ID)
	assert.False(t, m.CreatedAt.IsZero())

	invalid := &chat.Message{Kind: chat.KindImage, User: alice}
	assert.True(t, errors.Is(s.Messages.Create(ctx, invalid), chat.ErrValidation))
}

func TestMessages_Page(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice, err := s.Users.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	room, err := s.Rooms.Create(ctx, CreateRoom{Name: "general", IsPublic: true, Creator: alice})
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		require.NoError(t, s.Messages.Create(ctx, chat.NewTextMessage(alice, room, fmt.Sprintf("room %d", i))))
	}
	require.NoError(t, s.Messages.Create(ctx, chat.NewTextMessage(alice, nil, "public")))

	first, err := s.Messages.Page(ctx, &room.ID, 0, 50)
	require.NoError(t, err)
	require.Len(t, first, 50)
	assert.Equal(t, "room 59", *first[0].Content)
	require.NotNil(t, first[0].Room)
	assert.Equal(t, "general", first[0].Room.Slug)

	second, err := s.Messages.Page(ctx, &room.ID, 50, 50)
	require.NoError(t, err)
	require.Len(t, second, 10)

	seen := make(map[uint]bool, 60)
	for _, m := range first {
		seen[m.ID] = true
	}
	for i, m := range second {
		assert.False(t, seen[m.ID], "message %d appears on both pages", m.ID)
		assert.Equal(t, fmt.Sprintf("room %d", 9-i), *m.Content)
		if i > 0 {
			prev := second[i-1]
			assert.False(t, m.CreatedAt.After(prev.CreatedAt))
			assert.Less(t, m.ID, prev.ID)
		}
	}
	assert.Less(t, second[0].ID, first[len(first)-1].ID)

	public, err := s.Messages.Page(ctx, nil, 0, 50)
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Nil(t, public[0].RoomID)
	assert.Equal(t, "alice", public[0].User.Username)
}
