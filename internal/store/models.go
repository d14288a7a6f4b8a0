package store

import (
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

type userRecord struct {
	ID        uint      `gorm:"primarykey"`
	Username  string    `gorm:"size:150;uniqueIndex;not null"`
	CreatedAt time.Time
}

func (userRecord) TableName() string { return "users" }

func (u userRecord) toUser() chat.User {
	return chat.User{ID: u.ID, Username: u.Username}
}

type roomRecord struct {
	ID          uint   `gorm:"primarykey"`
	Name        string `gorm:"size:100;uniqueIndex;not null"`
	Slug        string `gorm:"size:100;uniqueIndex;not null"`
	Description string
	CreatorID   *uint
	Creator     *userRecord `gorm:"constraint:OnDelete:SET NULL"`
	IsPublic    bool        `gorm:"not null"`
	CreatedAt   time.Time   `gorm:"index"`
	UpdatedAt   time.Time
}

func (roomRecord) TableName() string { return "rooms" }

func (r *roomRecord) toRoom(memberCount int64) *chat.Room {
	room := &chat.Room{
		ID:          r.ID,
		Name:        r.Name,
		Slug:        r.Slug,
		Description: r.Description,
		IsPublic:    r.IsPublic,
		MemberCount: memberCount,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Creator != nil {
		creator := r.Creator.toUser()
		room.Creator = &creator
	}
	return room
}

type roomMemberRecord struct {
	RoomID    uint `gorm:"primaryKey"`
	UserID    uint `gorm:"primaryKey"`
	CreatedAt time.Time
}

func (roomMemberRecord) TableName() string { return "room_members" }

type messageRecord struct {
	ID        uint        `gorm:"primarykey"`
	RoomID    *uint       `gorm:"index:idx_messages_room_created,priority:1"`
	Room      *roomRecord `gorm:"constraint:OnDelete:CASCADE"`
	UserID    uint        `gorm:"not null"`
	User      userRecord  `gorm:"constraint:OnDelete:CASCADE"`
	Kind      string      `gorm:"size:10;not null"`
	Content   *string
	ImageKey  *string   `gorm:"size:255"`
	CreatedAt time.Time `gorm:"index:idx_messages_room_created,priority:2"`
}

func (messageRecord) TableName() string { return "messages" }

func (m *messageRecord) toMessage(room *chat.Room) *chat.Message {
	return &chat.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Room:      room,
		User:      m.User.toUser(),
		Kind:      chat.Kind(m.Kind),
		Content:   m.Content,
		ImageKey:  m.ImageKey,
		CreatedAt: m.CreatedAt,
	}
}
