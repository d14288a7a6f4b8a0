// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat service.
package server

import (
	"time"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string          `mapstructure:"port"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
	MaxMessageSize  int64           `mapstructure:"max_message_size"`
	SendBuffer      int             `mapstructure:"send_buffer"`
	HistoryPageSize int             `mapstructure:"history_page_size"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// DefaultConfig returns a Config populated with default values for all settings.
func DefaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  64 << 10,
		SendBuffer:      256,
		HistoryPageSize: 50,
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

// Sanitize replaces unset or invalid values with their defaults.
func (c Config) Sanitize() Config {
	def := DefaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}

	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}

	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = def.HistoryPageSize
	}

	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}
