// Package upload accepts images out of band, persists them as image messages
// and bridges the result onto the broadcast bus.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// DefaultMaxBytes caps a single upload at 5 MiB.
const DefaultMaxBytes int64 = 5 << 20

// DefaultAllowedTypes lists the accepted image content types.
var DefaultAllowedTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp"}

// sniffLen is how much of the body http.DetectContentType looks at.
const sniffLen = 512

var typeByExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Config bounds what the gateway accepts.
type Config struct {
	MaxBytes       int64         `mapstructure:"max_bytes"`
	AllowedTypes   []string      `mapstructure:"allowed_types"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxBytes:       DefaultMaxBytes,
		AllowedTypes:   append([]string(nil), DefaultAllowedTypes...),
		PublishTimeout: 5 * time.Second,
	}
}

// Users resolves authors.
type Users interface {
	GetOrCreate(ctx context.Context, username string) (chat.User, error)
}

// Rooms resolves the optional target room.
type Rooms interface {
	FindBySlug(ctx context.Context, slug string) (*chat.Room, error)
}

// Messages persists image messages.
type Messages interface {
	Create(ctx context.Context, m *chat.Message) error
}

// Objects stores the image bytes.
type Objects interface {
	Put(ctx context.Context, contentType string, r io.Reader) (string, error)
	Delete(key string) error
	URL(key string) string
}

// Publisher is the broadcast bus as seen from the upload path.
type Publisher interface {
	Publish(ctx context.Context, groupKey string, ev chat.Event) error
}

// Request is one image upload. Size is the declared length; the body is
// still bounded by Config.MaxBytes while it is copied.
type Request struct {
	Username    string
	RoomSlug    string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader

	// Origin, when set, prefixes object URLs that are relative paths so that
	// subscribers receive an absolute URL.
	Origin string
}

// Result describes a persisted upload. Broadcast is false when the message
// was stored but the bus could not be reached.
type Result struct {
	Message   *chat.Message
	ImageURL  string
	GroupKey  string
	Broadcast bool
}

// Gateway is the out-of-band write path for images.
type Gateway struct {
	cfg      Config
	allowed  map[string]struct{}
	users    Users
	rooms    Rooms
	messages Messages
	objects  Objects
	bus      Publisher
	logger   *slog.Logger
}

// NewGateway wires a gateway. Zero config fields fall back to the defaults.
func NewGateway(cfg Config, users Users, rooms Rooms, messages Messages, objects Objects, bus Publisher, logger *slog.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = def.AllowedTypes
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}

	return &Gateway{
		cfg:      cfg,
		allowed:  allowed,
		users:    users,
		rooms:    rooms,
		messages: messages,
		objects:  objects,
		bus:      bus,
		logger:   logger,
	}
}

// Config returns the effective limits.
func (g *Gateway) Config() Config {
	return g.cfg
}

// Upload validates, stores and persists the image, then publishes it exactly
// once to the owning group. Validation failures wrap chat.ErrValidation and
// happen before anything is written. A bus failure after a successful
// persist returns the Result together with an error wrapping
// chat.ErrBridgeFailure.
func (g *Gateway) Upload(ctx context.Context, req Request) (*Result, error) {
	if _, err := g.validate(&req); err != nil {
		return nil, err
	}
	contentType, err := g.sniff(&req)
	if err != nil {
		return nil, err
	}

	user, err := g.users.GetOrCreate(ctx, req.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	room, err := g.resolveRoom(ctx, req.RoomSlug)
	if err != nil {
		return nil, err
	}

	body := &countingReader{r: io.LimitReader(req.Body, g.cfg.MaxBytes+1)}
	key, err := g.objects.Put(ctx, contentType, body)
	if err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}
	if body.n > g.cfg.MaxBytes {
		g.discard(key)
		return nil, fmt.Errorf("%w: image exceeds %d bytes", chat.ErrValidation, g.cfg.MaxBytes)
	}

	msg := chat.NewImageMessage(user, room, key)
	if err := g.messages.Create(ctx, msg); err != nil {
		g.discard(key)
		return nil, fmt.Errorf("failed to persist image message: %w", err)
	}

	res := &Result{
		Message:  msg,
		ImageURL: absoluteURL(req.Origin, g.objects.URL(key)),
		GroupKey: chat.GroupKeyForRoom(room),
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.PublishTimeout)
	defer cancel()
	if err := g.bus.Publish(pubCtx, res.GroupKey, chat.ImageEvent(msg, res.ImageURL)); err != nil {
		g.logger.Warn("image persisted but not broadcast",
			"message_id", msg.ID, "group", res.GroupKey, "error", err)
		return res, fmt.Errorf("%w: message %d: %w", chat.ErrBridgeFailure, msg.ID, err)
	}
	res.Broadcast = true

	g.logger.Info("image uploaded", "message_id", msg.ID, "username", user.Username, "group", res.GroupKey)
	return res, nil
}

func (g *Gateway) validate(req *Request) (string, error) {
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		return "", fmt.Errorf("%w: username is required", chat.ErrValidation)
	}
	if req.Body == nil {
		return "", fmt.Errorf("%w: image is required", chat.ErrValidation)
	}
	if req.Size > g.cfg.MaxBytes {
		return "", fmt.Errorf("%w: image is %d bytes, limit is %d", chat.ErrValidation, req.Size, g.cfg.MaxBytes)
	}

	contentType := strings.ToLower(strings.TrimSpace(req.ContentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = typeByExt[strings.ToLower(filepath.Ext(req.Filename))]
	}
	if _, ok := g.allowed[contentType]; !ok {
		return "", fmt.Errorf("%w: content type %q is not allowed", chat.ErrValidation, req.ContentType)
	}
	return contentType, nil
}

// sniff checks the leading bytes of the body against the allowed types and
// returns the detected type. The declared type is not trusted on its own.
// The inspected bytes are put back in front of req.Body.
func (g *Gateway) sniff(req *Request) (string, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(req.Body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	head = head[:n]

	detected := http.DetectContentType(head)
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = strings.TrimSpace(detected[:i])
	}
	if _, ok := g.allowed[detected]; !ok {
		return "", fmt.Errorf("%w: file content is %s, not an allowed image", chat.ErrValidation, detected)
	}

	req.Body = io.MultiReader(bytes.NewReader(head), req.Body)
	return detected, nil
}

// resolveRoom treats an unknown slug as the public room rather than failing
// the upload.
func (g *Gateway) resolveRoom(ctx context.Context, roomSlug string) (*chat.Room, error) {
	if chat.IsPublic(roomSlug) {
		return nil, nil
	}
	room, err := g.rooms.FindBySlug(ctx, strings.TrimSpace(roomSlug))
	if errors.Is(err, chat.ErrNotFound) {
		g.logger.Debug("upload room not found, storing without room", "room", roomSlug)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve room: %w", err)
	}
	return room, nil
}

func (g *Gateway) discard(key string) {
	if err := g.objects.Delete(key); err != nil {
		g.logger.Warn("failed to remove orphaned image", "key", key, "error", err)
	}
}

func absoluteURL(origin, u string) string {
	if origin == "" || !strings.HasPrefix(u, "/") {
		return u
	}
	return strings.TrimRight(origin, "/") + u
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
