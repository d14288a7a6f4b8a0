// Package chat holds the domain model of the room chat service: rooms, users,
// messages, the client frame protocol and the events fanned out to live
// connections.
package chat

import (
	"fmt"
	"time"
)

// User is resolved lazily from a username; there is no registration step.
type User struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
}

// Room is a named chat room. Slug is unique and never changes after creation.
type Room struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	IsPublic    bool      `json:"is_public"`
	Creator     *User     `json:"creator"`
	MemberCount int64     `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Kind discriminates text and image messages.
type Kind string

// Message kinds.
const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindText || k == KindImage
}

// Message is one persisted chat message. RoomID is nil for the public room.
type Message struct {
	ID        uint
	RoomID    *uint
	Room      *Room
	User      User
	Kind      Kind
	Content   *string
	ImageKey  *string
	CreatedAt time.Time
}

// Validate checks that exactly one of Content and ImageKey is set, as dictated
// by Kind.
func (m *Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown message kind %q", ErrValidation, m.Kind)
	}
	switch m.Kind {
	case KindText:
		if m.Content == nil || m.ImageKey != nil {
			return fmt.Errorf("%w: text message needs content and no image", ErrValidation)
		}
	case KindImage:
		if m.ImageKey == nil || m.Content != nil {
			return fmt.Errorf("%w: image message needs an image and no content", ErrValidation)
		}
	}
	if m.User.ID == 0 {
		return fmt.Errorf("%w: message has no author", ErrValidation)
	}
	return nil
}

// NewTextMessage builds an unsaved text message.
func NewTextMessage(user User, room *Room, content string) *Message {
	return &Message{
		RoomID:  roomID(room),
		Room:    room,
		User:    user,
		Kind:    KindText,
		Content: &content,
	}
}

// NewImageMessage builds an unsaved image message referencing a stored object.
func NewImageMessage(user User, room *Room, imageKey string) *Message {
	return &Message{
		RoomID:   roomID(room),
		Room:     room,
		User:     user,
		Kind:     KindImage,
		ImageKey: &imageKey,
	}
}

func roomID(room *Room) *uint {
	if room == nil {
		return nil
	}
	id := room.ID
	return &id
}
