package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Messages is the append-only message log.
type Messages struct {
	db    *gorm.DB
	rooms *Rooms
}

// NewMessages creates a message repository.
func NewMessages(db *gorm.DB) *Messages {
	return &Messages{db: db, rooms: NewRooms(db)}
}

// Create validates and appends m, filling in its ID and CreatedAt.
func (s *Messages) Create(ctx context.Context, m *chat.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}

	rec := messageRecord{
		RoomID:   m.RoomID,
		UserID:   m.User.ID,
		Kind:     string(m.Kind),
		Content:  m.Content,
		ImageKey: m.ImageKey,
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&rec).Error; err != nil {
		return translate(err, "message")
	}

	m.ID = rec.ID
	m.CreatedAt = rec.CreatedAt
	return nil
}

// Page returns up to limit messages of a room, newest first, skipping offset.
// A nil roomID selects the public room.
func (s *Messages) Page(ctx context.Context, roomID *uint, offset, limit int) ([]*chat.Message, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return []*chat.Message{}, nil
	}

	q := s.db.WithContext(ctx).Preload("User")
	if roomID == nil {
		q = q.Where("room_id IS NULL")
	} else {
		q = q.Where("room_id = ?", *roomID)
	}

	var recs []messageRecord
	err := q.Order("created_at DESC").Order("id DESC").
		Offset(offset).Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	var room *chat.Room
	if roomID != nil && len(recs) > 0 {
		room, err = s.roomByID(ctx, *roomID)
		if err != nil {
			return nil, err
		}
	}

	out := make([]*chat.Message, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toMessage(room))
	}
	return out, nil
}

func (s *Messages) roomByID(ctx context.Context, id uint) (*chat.Room, error) {
	var rec roomRecord
	if err := s.db.WithContext(ctx).Preload("Creator").First(&rec, id).Error; err != nil {
		return nil, translate(err, "room")
	}
	counts, err := s.rooms.memberCounts(ctx, []uint{id})
	if err != nil {
		return nil, err
	}
	return rec.toRoom(counts[id]), nil
}
