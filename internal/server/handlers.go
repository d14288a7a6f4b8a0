// Package server exposes HTTP handlers, including WebSocket upgrades, message
// history, image uploads, room management, and health checks.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/cache"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/Tyrowin/roomchat/internal/upload"
)

// Uploader is the upload gateway.
type Uploader interface {
	Upload(ctx context.Context, req upload.Request) (*upload.Result, error)
	Config() upload.Config
}

// MediaURLs resolves stored object keys to URLs.
type MediaURLs interface {
	URL(key string) string
}

// CacheHealth is the optional history cache as seen by the health check.
type CacheHealth interface {
	Ping(ctx context.Context) error
	Snapshot() cache.StatsSnapshot
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// API holds the HTTP handlers and their collaborators.
type API struct {
	cfg      Config
	hub      *Hub
	svc      Services
	uploads  Uploader
	media    MediaURLs
	cache    CacheHealth
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewAPI wires the handlers.
func NewAPI(cfg Config, hub *Hub, svc Services, uploads Uploader, media MediaURLs, logger *slog.Logger) *API {
	cfg = cfg.Sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	return &API{
		cfg:     cfg,
		hub:     hub,
		svc:     svc,
		uploads: uploads,
		media:   media,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
}

// WithCache reports c on /health.
func (a *API) WithCache(c CacheHealth) *API {
	a.cache = c
	return a
}

type messageView struct {
	ID          uint       `json:"id"`
	Room        *chat.Room `json:"room"`
	User        chat.User  `json:"user"`
	Content     *string    `json:"content"`
	ImageURL    *string    `json:"image_url"`
	MessageType chat.Kind  `json:"message_type"`
	Timestamp   time.Time  `json:"timestamp"`
}

type uploadView struct {
	ID          uint      `json:"id"`
	Username    string    `json:"username"`
	RoomSlug    *string   `json:"room_slug"`
	ImageURL    string    `json:"image_url"`
	MessageType chat.Kind `json:"message_type"`
	Timestamp   time.Time `json:"timestamp"`
	Broadcast   bool      `json:"broadcast"`
}

type createRoomRequest struct {
	Name        string `json:"name" form:"name"`
	Description string `json:"description" form:"description"`
	IsPublic    *bool  `json:"is_public" form:"is_public"`
	Username    string `json:"username" form:"username"`
}

type membershipRequest struct {
	Username string `json:"username" form:"username"`
}

// writeError maps the error taxonomy onto status codes.
func (a *API) writeError(c *gin.Context, err error) {
	switch {
	// A taken room name or slug is a field error to the client.
	case errors.Is(err, chat.ErrValidation), errors.Is(err, chat.ErrProtocol), errors.Is(err, chat.ErrConflict):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: err.Error()})
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
	default:
		a.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "internal server error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation_error", Message: msg})
}

// requestOrigin returns scheme://host of the request.
func requestOrigin(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if fwd := c.GetHeader("X-Forwarded-Proto"); fwd != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(fwd, ",")[0]))
	}
	return scheme + "://" + c.Request.Host
}

func (a *API) imageURL(c *gin.Context, key string) string {
	u := a.media.URL(key)
	if strings.HasPrefix(u, "/") {
		return requestOrigin(c) + u
	}
	return u
}

// WebSocket upgrades the connection and attaches a session to the group of
// the optional :room path segment.
func (a *API) WebSocket(c *gin.Context) {
	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, a.hub, a.svc, a.cfg, c.Request.RemoteAddr, a.logger)
	if err := client.Connect(c.Request.Context(), c.Param("room")); err != nil {
		a.logger.Warn("failed to attach client", "addr", c.Request.RemoteAddr, "error", err)
		return
	}
	client.Start()
}

// Health reports liveness and bus counters. The cache is optional, so an
// unreachable cache degrades the status without failing the check.
func (a *API) Health(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"hub":    a.hub.Stats(),
	}

	if a.cache != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		cacheStatus := "ok"
		if err := a.cache.Ping(ctx); err != nil {
			a.logger.Warn("cache ping failed", "error", err)
			cacheStatus = "unavailable"
			body["status"] = "degraded"
		}
		body["cache"] = gin.H{
			"status": cacheStatus,
			"stats":  a.cache.Snapshot(),
		}
	}

	c.JSON(http.StatusOK, body)
}

// History returns one page of messages, newest first. The room comes from
// the :slug path segment or the room query parameter; absent means public.
func (a *API) History(c *gin.Context) {
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		badRequest(c, "offset must be a non-negative integer")
		return
	}

	roomSlug := c.Param("slug")
	if roomSlug == "" {
		roomSlug = c.Query("room")
	}
	if roomSlug == "" {
		roomSlug = c.Query("room_slug")
	}

	ctx := c.Request.Context()
	var roomID *uint
	if !chat.IsPublic(roomSlug) {
		room, err := a.svc.Rooms.FindBySlug(ctx, roomSlug)
		if err != nil {
			a.writeError(c, err)
			return
		}
		roomID = &room.ID
	}

	page, err := a.svc.Messages.Page(ctx, roomID, offset, a.cfg.HistoryPageSize)
	if err != nil {
		a.writeError(c, err)
		return
	}

	views := make([]messageView, 0, len(page))
	for _, m := range page {
		v := messageView{
			ID:          m.ID,
			Room:        m.Room,
			User:        m.User,
			Content:     m.Content,
			MessageType: m.Kind,
			Timestamp:   m.CreatedAt,
		}
		if m.ImageKey != nil {
			u := a.imageURL(c, *m.ImageKey)
			v.ImageURL = &u
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, views)
}

// UploadImage accepts a multipart image and bridges it to live subscribers.
// A message that was stored but not broadcast is answered with 202.
func (a *API) UploadImage(c *gin.Context) {
	maxBytes := a.uploads.Config().MaxBytes
	// Leave headroom for the multipart envelope; the gateway enforces the
	// exact limit on the file itself.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+(2<<20))

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			badRequest(c, "image exceeds the upload limit")
			return
		}
		badRequest(c, "image is required")
		return
	}
	defer file.Close()

	roomSlug := c.PostForm("room_slug")
	if roomSlug == "" {
		roomSlug = c.PostForm("room")
	}

	res, err := a.uploads.Upload(c.Request.Context(), upload.Request{
		Username:    c.PostForm("username"),
		RoomSlug:    roomSlug,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
		Origin:      requestOrigin(c),
	})
	if err != nil && !(errors.Is(err, chat.ErrBridgeFailure) && res != nil) {
		a.writeError(c, err)
		return
	}

	view := uploadView{
		ID:          res.Message.ID,
		Username:    res.Message.User.Username,
		ImageURL:    res.ImageURL,
		MessageType: chat.KindImage,
		Timestamp:   res.Message.CreatedAt,
		Broadcast:   res.Broadcast,
	}
	if res.Message.Room != nil {
		slug := res.Message.Room.Slug
		view.RoomSlug = &slug
	}

	if !res.Broadcast {
		c.JSON(http.StatusAccepted, view)
		return
	}
	c.JSON(http.StatusCreated, view)
}

// ListRooms returns the public rooms.
func (a *API) ListRooms(c *gin.Context) {
	rooms, err := a.svc.Rooms.List(c.Request.Context())
	if err != nil {
		a.writeError(c, err)
		return
	}
	if rooms == nil {
		rooms = []*chat.Room{}
	}
	c.JSON(http.StatusOK, rooms)
}

// CreateRoom creates a room; the creator defaults to "guest".
func (a *API) CreateRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = "guest"
	}
	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}

	ctx := c.Request.Context()
	creator, err := a.svc.Users.GetOrCreate(ctx, username)
	if err != nil {
		a.writeError(c, err)
		return
	}

	room, err := a.svc.Rooms.Create(ctx, store.CreateRoom{
		Name:        req.Name,
		Description: req.Description,
		IsPublic:    isPublic,
		Creator:     creator,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

// RoomDetail returns one room by slug.
func (a *API) RoomDetail(c *gin.Context) {
	room, err := a.svc.Rooms.FindBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// JoinRoom adds a user to a room's membership.
func (a *API) JoinRoom(c *gin.Context) {
	ctx := c.Request.Context()
	roomSlug := c.Param("slug")
	if _, err := a.svc.Rooms.FindBySlug(ctx, roomSlug); err != nil {
		a.writeError(c, err)
		return
	}

	username, ok := bindUsername(c)
	if !ok {
		return
	}

	user, err := a.svc.Users.GetOrCreate(ctx, username)
	if err != nil {
		a.writeError(c, err)
		return
	}
	room, err := a.svc.Rooms.Join(ctx, roomSlug, user)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// LeaveRoom removes a known user from a room's membership.
func (a *API) LeaveRoom(c *gin.Context) {
	ctx := c.Request.Context()
	roomSlug := c.Param("slug")
	if _, err := a.svc.Rooms.FindBySlug(ctx, roomSlug); err != nil {
		a.writeError(c, err)
		return
	}

	username, ok := bindUsername(c)
	if !ok {
		return
	}

	user, err := a.svc.Users.FindByUsername(ctx, username)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if err := a.svc.Rooms.Leave(ctx, roomSlug, user); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "left room " + roomSlug})
}

func bindUsername(c *gin.Context) (string, bool) {
	var req membershipRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err.Error())
		return "", false
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		badRequest(c, "username is required")
		return "", false
	}
	return username, true
}
