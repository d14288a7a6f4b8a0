package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// MessageStore is the message log being cached.
type MessageStore interface {
	Create(ctx context.Context, m *chat.Message) error
	Page(ctx context.Context, roomID *uint, offset, limit int) ([]*chat.Message, error)
}

// Messages caches history pages in front of a MessageStore.
//
// Every room has a generation counter that a write bumps after the message is
// persisted. Page keys embed the generation read before loading, so a page
// loaded concurrently with a write can only land under a generation nobody
// reads anymore. Cache errors are logged and never fail the call.
type Messages struct {
	next    MessageStore
	cache   *Cache
	logger  *slog.Logger
	sfGroup singleflight.Group
}

// NewMessages wraps next with the cache.
func NewMessages(next MessageStore, c *Cache, logger *slog.Logger) *Messages {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messages{next: next, cache: c, logger: logger}
}

func roomKey(roomID *uint) string {
	if roomID == nil {
		return "history:public"
	}
	return "history:" + strconv.FormatUint(uint64(*roomID), 10)
}

// genKey lives outside the history:<room>:* namespace so page cleanup never
// resets it.
func genKey(roomID *uint) string {
	return "history-gen:" + roomKey(roomID)[len("history:"):]
}

func pageKey(roomID *uint, gen int64, offset, limit int) string {
	return fmt.Sprintf("%s:%d:%d:%d", roomKey(roomID), gen, offset, limit)
}

// Create persists m, then moves its room to a new generation and drops the
// pages of older ones.
func (s *Messages) Create(ctx context.Context, m *chat.Message) error {
	if err := s.next.Create(ctx, m); err != nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	if _, err := s.cache.Incr(ctx, genKey(m.RoomID)); err != nil {
		s.logger.Warn("failed to bump history generation", "room", roomKey(m.RoomID), "error", err)
	}
	if err := s.cache.DeletePattern(ctx, roomKey(m.RoomID)+":*"); err != nil {
		s.logger.Warn("failed to invalidate history cache", "room", roomKey(m.RoomID), "error", err)
	}
	return nil
}

// Page serves a history page from the cache, loading it once on a miss.
// The load is shared by concurrent callers and is not tied to any one
// caller's context.
func (s *Messages) Page(ctx context.Context, roomID *uint, offset, limit int) ([]*chat.Message, error) {
	gen, err := s.cache.Counter(ctx, genKey(roomID))
	if err != nil {
		s.logger.Warn("history generation read failed, bypassing cache", "room", roomKey(roomID), "error", err)
		return s.next.Page(ctx, roomID, offset, limit)
	}
	key := pageKey(roomID, gen, offset, limit)

	var cached []*chat.Message
	found, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.logger.Warn("history cache read failed", "key", key, "error", err)
	}
	if found {
		return cached, nil
	}

	ch := s.sfGroup.DoChan(key, func() (any, error) {
		loadCtx := context.WithoutCancel(ctx)
		page, err := s.next.Page(loadCtx, roomID, offset, limit)
		if err != nil {
			return nil, err
		}
		s.store(loadCtx, roomID, gen, key, page)
		return page, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		page, _ := res.Val.([]*chat.Message)
		return page, nil
	}
}

// store caches page unless the room moved on while it was loading.
func (s *Messages) store(ctx context.Context, roomID *uint, gen int64, key string, page []*chat.Message) {
	cur, err := s.cache.Counter(ctx, genKey(roomID))
	if err != nil || cur != gen {
		return
	}
	if err := s.cache.Set(ctx, key, page); err != nil {
		s.logger.Warn("history cache write failed", "key", key, "error", err)
	}
}
