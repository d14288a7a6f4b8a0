// Package server wires HTTP handlers into a gin engine for the chat
// application via routing helpers.
package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// SetupRoutes configures and returns a gin engine with all application routes.
// Stored images are served from mediaDir under /media when it is set.
func SetupRoutes(api *API, mediaDir string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(api.logger))

	r.GET("/health", api.Health)
	r.GET("/ws/chat", api.WebSocket)
	r.GET("/ws/chat/:room", api.WebSocket)

	v1 := r.Group("/api/room/v1")
	{
		v1.GET("/messages", api.History)
		v1.GET("/messages/:slug", api.History)
		v1.POST("/upload-image", api.UploadImage)

		v1.GET("/rooms", api.ListRooms)
		v1.POST("/rooms/create", api.CreateRoom)
		v1.GET("/rooms/:slug", api.RoomDetail)
		v1.POST("/rooms/:slug/join", api.JoinRoom)
		v1.POST("/rooms/:slug/leave", api.LeaveRoom)
	}

	if mediaDir != "" {
		r.Static("/media", mediaDir)
	}
	return r
}

// requestLogger writes one record per request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
