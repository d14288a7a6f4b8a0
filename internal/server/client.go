// Package server manages individual chat sessions, handling the session state
// machine, read/write pumps, rate limiting, and lifecycle control for each
// connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// State is a session's position in its lifecycle.
type State int32

// Session states. Closed is terminal.
const (
	StateConnecting State = iota
	StateAttached
	StateAwaitingFrame
	StateProcessing
	StateDetaching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAttached:
		return "attached"
	case StateAwaitingFrame:
		return "awaiting_frame"
	case StateProcessing:
		return "processing"
	case StateDetaching:
		return "detaching"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Client is one chat session bound to a WebSocket connection. It joins a
// single group on Connect, turns inbound frames into persisted messages and
// bus publishes, and writes bus events back to its connection.
type Client struct {
	id          string
	conn        *websocket.Conn
	hub         *Hub
	svc         Services
	addr        string
	cfg         Config
	logger      *slog.Logger
	rateLimiter *rateLimiter

	state atomic.Int32
	group string
	room  *chat.Room

	send      chan []byte
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewClient creates a session for conn. conn may be nil when the session is
// driven directly, as in tests.
func NewClient(conn *websocket.Conn, hub *Hub, svc Services, cfg Config, addr string, logger *slog.Logger) *Client {
	cfg = cfg.Sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Client{
		id:          id,
		conn:        conn,
		hub:         hub,
		svc:         svc,
		addr:        addr,
		cfg:         cfg,
		logger:      logger.With("conn_id", id, "addr", addr),
		rateLimiter: newRateLimiter(cfg.RateLimit),
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// ID returns the connection ID.
func (c *Client) ID() string { return c.id }

// Group returns the group key the session is attached to.
func (c *Client) Group() string { return c.group }

// Room returns the resolved room, nil for the public room or an unknown slug.
func (c *Client) Room() *chat.Room { return c.room }

// State returns the current lifecycle state.
func (c *Client) State() State { return State(c.state.Load()) }

// GetSendChan returns the client's outgoing queue.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Connect resolves roomIdentifier and registers the session with the bus.
// A room that cannot be found, or a directory that cannot be reached, leaves
// the session attached to the identifier's group without a room.
func (c *Client) Connect(ctx context.Context, roomIdentifier string) error {
	if c.State() != StateConnecting {
		return fmt.Errorf("connect in state %s", c.State())
	}
	if c.hub.Closed() {
		c.Disconnect()
		return chat.ErrBusClosed
	}

	c.group = chat.GroupKey(roomIdentifier)
	if !chat.IsPublic(roomIdentifier) && c.svc.Rooms != nil {
		room, err := c.svc.Rooms.FindBySlug(ctx, roomIdentifier)
		switch {
		case err == nil:
			c.room = room
		case errors.Is(err, chat.ErrNotFound):
			c.logger.Info("room not found, proceeding without room", "room", roomIdentifier)
		default:
			c.logger.Warn("room lookup failed, proceeding without room", "room", roomIdentifier, "error", err)
		}
	}

	if err := c.hub.registry.Register(c.id, c.group, c); err != nil {
		c.Disconnect()
		return err
	}
	if !c.transition(StateConnecting, StateAttached) {
		// Disconnect raced the registration.
		c.hub.registry.Deregister(c.id)
		return fmt.Errorf("connect interrupted in state %s", c.State())
	}

	c.logger.Info("client registered", "group", c.group, "connections", c.hub.registry.Count())
	return nil
}

// Start launches the pumps of an attached session.
func (c *Client) Start() {
	if !c.transition(StateAttached, StateAwaitingFrame) {
		return
	}
	c.hub.goPump(c.writePump)
	c.hub.goPump(c.readPump)
}

// HandleFrame processes one inbound frame. Protocol and persistence errors
// are returned for the frame only; the session stays open.
func (c *Client) HandleFrame(ctx context.Context, raw []byte) error {
	if !c.transition(StateAwaitingFrame, StateProcessing) && !c.transition(StateAttached, StateProcessing) {
		return fmt.Errorf("frame in state %s", c.State())
	}
	defer c.transition(StateProcessing, StateAwaitingFrame)

	frame, err := chat.ParseFrame(raw)
	if err != nil {
		return err
	}

	var ev chat.Event
	switch f := frame.(type) {
	case chat.TextFrame:
		ev, err = c.persistText(ctx, f)
		if err != nil {
			return err
		}
	case chat.ImageFrame:
		// The upload path already persisted the message; this only relays it.
		ev = chat.Event{
			MessageID: f.MessageID,
			Username:  f.Username,
			Kind:      chat.KindImage,
			Timestamp: time.Now().UTC(),
			ImageURL:  f.ImageURL,
		}
	default:
		return fmt.Errorf("%w: unhandled frame %T", chat.ErrProtocol, frame)
	}

	if err := c.hub.Publish(ctx, c.group, ev); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (c *Client) persistText(ctx context.Context, f chat.TextFrame) (chat.Event, error) {
	user, err := c.svc.Users.GetOrCreate(ctx, f.Username)
	if err != nil {
		return chat.Event{}, fmt.Errorf("failed to resolve user: %w", err)
	}
	msg := chat.NewTextMessage(user, c.room, f.Message)
	if err := c.svc.Messages.Create(ctx, msg); err != nil {
		return chat.Event{}, fmt.Errorf("failed to persist message: %w", err)
	}
	return chat.TextEvent(msg), nil
}

// OnBusEvent queues ev for the write pump without blocking. A session whose
// buffer is full is dropped as a slow consumer.
func (c *Client) OnBusEvent(ev chat.Event) error {
	select {
	case <-c.done:
		return chat.ErrDeliveryFailure
	default:
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: %w", chat.ErrDeliveryFailure, err)
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return chat.ErrDeliveryFailure
	default:
		c.logger.Warn("client removed due to full send buffer", "group", c.group)
		c.Disconnect()
		return fmt.Errorf("%w: %w", chat.ErrDeliveryFailure, errSlowConsumer)
	}
}

// Close implements Member.
func (c *Client) Close() {
	c.Disconnect()
}

// Disconnect detaches the session from the bus and closes the connection.
// It is safe to call from any state and more than once; registry membership
// is released exactly once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDetaching))
		close(c.done)
		c.cancel()

		if c.hub.registry.Deregister(c.id) {
			c.logger.Info("client unregistered", "group", c.group, "connections", c.hub.registry.Count())
		}

		if c.conn != nil {
			// Unblocks a pending ReadMessage.
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				c.logger.Warn("error closing connection", "error", err)
			}
		}
		c.state.Store(int32(StateClosed))
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the read error at the right level. Every read error
// ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded maximum size", "limit", c.cfg.MaxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("unexpected websocket error", "error", err)
	default:
		c.logger.Warn("websocket read error", "error", err)
	}
}

// notice is written to the sender only, for frames the session refused
// without closing the connection.
type notice struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// checkRateLimit reports whether the next frame may be processed. A refused
// frame is logged with its author and the sender is told it was dropped.
func (c *Client) checkRateLimit(raw []byte) bool {
	if c.rateLimiter == nil || c.rateLimiter.allow() {
		return true
	}

	username := ""
	if f, err := chat.ParseFrame(raw); err == nil {
		username = f.Author()
	}
	c.logger.Warn("rate limit exceeded; discarding frame",
		"username", username, "burst", c.cfg.RateLimit.Burst, "interval", c.cfg.RateLimit.RefillInterval)
	c.notify(notice{Error: "rate_limited", Message: "frame dropped: rate limit exceeded"})
	return false
}

// notify queues n for the client. Unlike bus events, a full buffer just
// drops the notice.
func (c *Client) notify(n notice) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) readPump() {
	defer c.Disconnect()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.handleReadError(err)
			}
			return
		}

		if !c.checkRateLimit(raw) {
			continue
		}

		if err := c.HandleFrame(c.ctx, raw); err != nil {
			if errors.Is(err, chat.ErrProtocol) {
				c.logger.Info("dropping malformed frame", "error", err)
			} else {
				c.logger.Warn("failed to handle frame", "error", err)
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Disconnect()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case <-c.done:
		c.writeCloseMessage()
		return false
	case message := <-c.send:
		return c.writeTextMessages(message)
	case <-ticker.C:
		return c.handlePing()
	}
}

// writeCloseMessage sends a close frame to the client.
func (c *Client) writeCloseMessage() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("error writing close message", "error", err)
	}
}

// writeTextMessages writes message and then drains what is already queued,
// one frame per event.
func (c *Client) writeTextMessages(message []byte) bool {
	if !c.writeTextMessage(message) {
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		select {
		case <-c.done:
			return false
		default:
		}
		if !c.writeTextMessage(<-c.send) {
			return false
		}
	}
	return true
}

func (c *Client) writeTextMessage(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("error writing ping message", "error", err)
		return false
	}
	return true
}
