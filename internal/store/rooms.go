package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const maxRoomNameLength = 100

// CreateRoom is the input of Rooms.Create.
type CreateRoom struct {
	Name        string
	Description string
	IsPublic    bool
	Creator     chat.User
}

// Rooms is the room directory.
type Rooms struct {
	db *gorm.DB
}

// NewRooms creates a room repository.
func NewRooms(db *gorm.DB) *Rooms {
	return &Rooms{db: db}
}

// List returns public rooms, newest first.
func (r *Rooms) List(ctx context.Context) ([]*chat.Room, error) {
	var recs []roomRecord
	err := r.db.WithContext(ctx).
		Preload("Creator").
		Where("is_public = ?", true).
		Order("created_at DESC").Order("id DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	ids := make([]uint, 0, len(recs))
	for i := range recs {
		ids = append(ids, recs[i].ID)
	}
	counts, err := r.memberCounts(ctx, ids)
	if err != nil {
		return nil, err
	}

	rooms := make([]*chat.Room, 0, len(recs))
	for i := range recs {
		rooms = append(rooms, recs[i].toRoom(counts[recs[i].ID]))
	}
	return rooms, nil
}

// Create stores a new room and adds its creator as the first member. The slug
// is derived from the name once and never changes.
func (r *Rooms) Create(ctx context.Context, in CreateRoom) (*chat.Room, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: room name is required", chat.ErrValidation)
	}
	if len(name) > maxRoomNameLength {
		return nil, fmt.Errorf("%w: room name is longer than %d characters", chat.ErrValidation, maxRoomNameLength)
	}
	roomSlug := slug.Make(name)
	if roomSlug == "" || chat.IsPublic(roomSlug) {
		return nil, fmt.Errorf("%w: room name %q does not produce a usable slug", chat.ErrValidation, name)
	}
	if in.Creator.ID == 0 {
		return nil, fmt.Errorf("%w: room creator is required", chat.ErrValidation)
	}

	creatorID := in.Creator.ID
	rec := roomRecord{
		Name:        name,
		Slug:        roomSlug,
		Description: strings.TrimSpace(in.Description),
		CreatorID:   &creatorID,
		IsPublic:    in.IsPublic,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(&rec).Error; err != nil {
			return translate(err, "room "+name)
		}
		member := roomMemberRecord{RoomID: rec.ID, UserID: creatorID}
		if err := tx.Create(&member).Error; err != nil {
			return translate(err, "room member")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	creator := userRecord{ID: in.Creator.ID, Username: in.Creator.Username}
	rec.Creator = &creator
	return rec.toRoom(1), nil
}

// FindBySlug returns chat.ErrNotFound for unknown slugs.
func (r *Rooms) FindBySlug(ctx context.Context, roomSlug string) (*chat.Room, error) {
	rec, err := r.findRecord(ctx, roomSlug)
	if err != nil {
		return nil, err
	}
	counts, err := r.memberCounts(ctx, []uint{rec.ID})
	if err != nil {
		return nil, err
	}
	return rec.toRoom(counts[rec.ID]), nil
}

// Join adds the user to the room's members. Joining twice is a no-op.
func (r *Rooms) Join(ctx context.Context, roomSlug string, user chat.User) (*chat.Room, error) {
	rec, err := r.findRecord(ctx, roomSlug)
	if err != nil {
		return nil, err
	}
	member := roomMemberRecord{RoomID: rec.ID, UserID: user.ID}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error
	if err != nil {
		return nil, fmt.Errorf("failed to join room %s: %w", roomSlug, err)
	}
	return r.FindBySlug(ctx, roomSlug)
}

// Leave removes the user from the room's members. Leaving a room the user is
// not a member of is a no-op.
func (r *Rooms) Leave(ctx context.Context, roomSlug string, user chat.User) error {
	rec, err := r.findRecord(ctx, roomSlug)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", rec.ID, user.ID).
		Delete(&roomMemberRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to leave room %s: %w", roomSlug, err)
	}
	return nil
}

func (r *Rooms) findRecord(ctx context.Context, roomSlug string) (*roomRecord, error) {
	var rec roomRecord
	err := r.db.WithContext(ctx).Preload("Creator").Where("slug = ?", roomSlug).First(&rec).Error
	if err != nil {
		return nil, translate(err, "room "+roomSlug)
	}
	return &rec, nil
}

func (r *Rooms) memberCounts(ctx context.Context, ids []uint) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(ids))
	if len(ids) == 0 {
		return counts, nil
	}

	var rows []struct {
		RoomID uint
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&roomMemberRecord{}).
		Select("room_id, COUNT(*) AS count").
		Where("room_id IN ?", ids).
		Group("room_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count room members: %w", err)
	}
	for _, row := range rows {
		counts[row.RoomID] = row.Count
	}
	return counts, nil
}
