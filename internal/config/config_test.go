package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "", false)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, 50, cfg.Server.HistoryPageSize)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, filepath.Join(DataDir(), "roomchat.db"), cfg.Database.DSN)
	assert.Equal(t, 200*time.Millisecond, cfg.Database.SlowThreshold)
	assert.False(t, cfg.Cache.Enabled())
	assert.Equal(t, "roomchat:", cfg.Cache.Prefix)
	assert.Equal(t, int64(5<<20), cfg.Upload.MaxBytes)
	assert.ElementsMatch(t, []string{"image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp"}, cfg.Upload.AllowedTypes)
	assert.Equal(t, "/media", cfg.Media.BaseURL)
}

func TestLoadFileAndEnv(t *testing.T) {
	file := filepath.Join(t.TempDir(), "roomchat.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
[server]
port = ":9000"
history_page_size = 25

[server.rate_limit]
burst = 10
refill_interval = "2s"

[database]
driver = "postgres"
dsn = "host=db user=chat"

[cache]
addr = "localhost:6379"
`), 0o600))

	t.Setenv("ROOMCHAT_SERVER_PORT", ":9100")
	t.Setenv("ROOMCHAT_SERVER_ALLOWED_ORIGINS", "http://a.test,http://b.test")
	t.Setenv("ROOMCHAT_UPLOAD_MAX_BYTES", "1024")

	cfg, err := Load(New(), file, true)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Port, "env overrides file")
	assert.Equal(t, 25, cfg.Server.HistoryPageSize)
	assert.Equal(t, 10, cfg.Server.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.Server.RateLimit.RefillInterval)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "host=db user=chat", cfg.Database.DSN)
	assert.True(t, cfg.Cache.Enabled())
	assert.Equal(t, int64(1024), cfg.Upload.MaxBytes)
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.toml")

	_, err := Load(New(), missing, true)
	assert.Error(t, err, "an explicit file must exist")

	_, err = Load(New(), missing, false)
	assert.NoError(t, err, "the default file is optional")
}

func TestNewLogger(t *testing.T) {
	assert.NotNil(t, NewLogger(LogConfig{Level: "debug", Format: "json"}))
	assert.NotNil(t, NewLogger(LogConfig{Level: "bogus"}))
}
