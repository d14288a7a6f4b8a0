// Package server defines the collaborator interfaces the sessions and HTTP
// handlers depend on, plus small shared helpers.
package server

import (
	"context"
	"strings"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
)

// Users resolves usernames to users.
type Users interface {
	GetOrCreate(ctx context.Context, username string) (chat.User, error)
	FindByUsername(ctx context.Context, username string) (chat.User, error)
}

// Rooms is the room directory.
type Rooms interface {
	List(ctx context.Context) ([]*chat.Room, error)
	Create(ctx context.Context, in store.CreateRoom) (*chat.Room, error)
	FindBySlug(ctx context.Context, slug string) (*chat.Room, error)
	Join(ctx context.Context, slug string, user chat.User) (*chat.Room, error)
	Leave(ctx context.Context, slug string, user chat.User) error
}

// Messages is the message store.
type Messages interface {
	Create(ctx context.Context, m *chat.Message) error
	Page(ctx context.Context, roomID *uint, offset, limit int) ([]*chat.Message, error)
}

// Services bundles the data collaborators shared by sessions and handlers.
type Services struct {
	Users    Users
	Rooms    Rooms
	Messages Messages
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
