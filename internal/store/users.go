package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const (
	maxUsernameLength = 150
	maxUpsertAttempts = 3
)

// Users resolves usernames to users.
type Users struct {
	db *gorm.DB
}

// NewUsers creates a user repository.
func NewUsers(db *gorm.DB) *Users {
	return &Users{db: db}
}

// GetOrCreate returns the user with the given username, creating it when it
// does not exist yet. It inserts first and relies on the unique index, so two
// concurrent callers always end up with the same row.
func (u *Users) GetOrCreate(ctx context.Context, username string) (chat.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return chat.User{}, fmt.Errorf("%w: username is required", chat.ErrValidation)
	}
	if len(username) > maxUsernameLength {
		return chat.User{}, fmt.Errorf("%w: username is longer than %d characters", chat.ErrValidation, maxUsernameLength)
	}

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		rec := userRecord{Username: username}
		err := u.db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "username"}}, DoNothing: true}).
			Create(&rec).Error
		if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
			return chat.User{}, fmt.Errorf("failed to create user: %w", err)
		}

		var found userRecord
		err = u.db.WithContext(ctx).Where("username = ?", username).First(&found).Error
		if err == nil {
			return found.toUser(), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.User{}, fmt.Errorf("failed to load user: %w", err)
		}
	}
	return chat.User{}, fmt.Errorf("user %q: %w", username, chat.ErrConflict)
}

// FindByUsername returns chat.ErrNotFound when no such user exists.
func (u *Users) FindByUsername(ctx context.Context, username string) (chat.User, error) {
	var rec userRecord
	err := u.db.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).First(&rec).Error
	if err != nil {
		return chat.User{}, translate(err, "user "+username)
	}
	return rec.toUser(), nil
}
