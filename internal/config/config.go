// Package config loads the service configuration from defaults, an optional
// file and ROOMCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/Tyrowin/roomchat/internal/cache"
	"github.com/Tyrowin/roomchat/internal/media"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/Tyrowin/roomchat/internal/upload"
)

// AppName names the data directory and the env prefix.
const AppName = "roomchat"

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config aggregates the configuration of every component.
type Config struct {
	Server   server.Config `mapstructure:"server"`
	Database store.Config  `mapstructure:"database"`
	Cache    cache.Config  `mapstructure:"cache"`
	Media    media.Config  `mapstructure:"media"`
	Upload   upload.Config `mapstructure:"upload"`
	Log      LogConfig     `mapstructure:"log"`
}

// DataDir is where the sqlite database and uploaded media live by default.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// DefaultConfigFile is the config file looked up when none is given.
func DefaultConfigFile() string {
	return filepath.Join(xdg.ConfigHome, AppName, AppName+".toml")
}

func setDefaults(v *viper.Viper) {
	srv := server.DefaultConfig()
	v.SetDefault("server.port", srv.Port)
	v.SetDefault("server.allowed_origins", srv.AllowedOrigins)
	v.SetDefault("server.max_message_size", srv.MaxMessageSize)
	v.SetDefault("server.send_buffer", srv.SendBuffer)
	v.SetDefault("server.history_page_size", srv.HistoryPageSize)
	v.SetDefault("server.shutdown_timeout", srv.ShutdownTimeout)
	v.SetDefault("server.rate_limit.burst", srv.RateLimit.Burst)
	v.SetDefault("server.rate_limit.refill_interval", srv.RateLimit.RefillInterval)

	dataDir := DataDir()
	v.SetDefault("database.driver", store.DriverSQLite)
	v.SetDefault("database.dsn", filepath.Join(dataDir, AppName+".db"))
	v.SetDefault("database.slow_threshold", "200ms")

	c := cache.DefaultConfig()
	v.SetDefault("cache.addr", c.Addr)
	v.SetDefault("cache.password", c.Password)
	v.SetDefault("cache.db", c.DB)
	v.SetDefault("cache.prefix", c.Prefix)
	v.SetDefault("cache.ttl", c.TTL)

	v.SetDefault("media.dir", filepath.Join(dataDir, "media"))
	v.SetDefault("media.base_url", "/media")

	up := upload.DefaultConfig()
	v.SetDefault("upload.max_bytes", up.MaxBytes)
	v.SetDefault("upload.allowed_types", up.AllowedTypes)
	v.SetDefault("upload.publish_timeout", up.PublishTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance with defaults and environment binding. Env
// keys use the ROOMCHAT_ prefix with dots replaced by underscores, e.g.
// ROOMCHAT_SERVER_PORT.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(AppName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (when non-empty) on top of the defaults and environment.
// A missing file is only an error when it was asked for explicitly.
func Load(v *viper.Viper, file string, explicit bool) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if explicit || !missing {
				return Config{}, fmt.Errorf("failed to read config %s: %w", file, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Server = cfg.Server.Sanitize()
	return cfg, nil
}

// NewLogger builds the process logger from LogConfig.
func NewLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
