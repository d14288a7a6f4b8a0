// Package server constructs and starts the chat HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use. WriteTimeout is left
// to the upgrader and handlers since hijacked WebSocket connections manage
// their own deadlines.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it exits. A server
// closed by ShutdownServer returns nil.
func StartServer(server *http.Server, logger *slog.Logger) error {
	logger.Info("server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the context is done.
func ShutdownServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	logger.Info("shutting down HTTP server")

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return err
	}

	logger.Info("HTTP server shutdown completed")
	return nil
}
