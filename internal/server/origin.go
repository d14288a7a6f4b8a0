// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy is an immutable allow-list built once from configuration.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	logger   *slog.Logger
}

func newOriginPolicy(origins []string, logger *slog.Logger) *originPolicy {
	normalized, allowAll := normalizeOrigins(origins, logger)
	p := &originPolicy{
		allowAll: allowAll,
		allowed:  make(map[string]struct{}, len(normalized)),
		logger:   logger,
	}
	for _, origin := range normalized {
		p.allowed[origin] = struct{}{}
	}
	return p
}

func normalizeOrigins(origins []string, logger *slog.Logger) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("ignoring invalid origin in configuration", "origin", origin)
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

func (p *originPolicy) isAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// checkOrigin is used as the upgrader's CheckOrigin.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.isAllowed(r) {
		return true
	}

	p.logger.Warn("blocked websocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}
