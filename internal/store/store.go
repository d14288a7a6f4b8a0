// Package store persists users, rooms and messages with GORM. It is pure data
// access; the broker treats it as an external transactional resource.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the database.
type Config struct {
	Driver        string        `mapstructure:"driver"`
	DSN           string        `mapstructure:"dsn"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

// Store groups the repositories sharing one database handle.
type Store struct {
	DB       *gorm.DB
	Users    *Users
	Rooms    *Rooms
	Messages *Messages
}

// New wires the repositories around an open database.
func New(db *gorm.DB) *Store {
	return &Store{
		DB:       db,
		Users:    NewUsers(db),
		Rooms:    NewRooms(db),
		Messages: NewMessages(db),
	}
}

// Open connects to the configured database. SQLite is limited to a single
// open connection so that in-memory databases stay shared and writers never
// see SQLITE_BUSY.
func Open(cfg Config, log *slog.Logger) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 200 * time.Millisecond
	}

	gormCfg := &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger: logger.New(
			slog.NewLogLogger(log.Handler(), slog.LevelWarn),
			logger.Config{
				SlowThreshold:             cfg.SlowThreshold,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	}

	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		if cfg.DSN == "" {
			return nil, errors.New("sqlite dsn is empty")
		}
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&userRecord{}, &roomRecord{}, &roomMemberRecord{}, &messageRecord{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDir(dsn string) error {
	if strings.Contains(dsn, ":memory:") || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	path, _, _ := strings.Cut(dsn, "?")
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}

// translate maps GORM errors onto the chat taxonomy.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, chat.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, chat.ErrConflict)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
