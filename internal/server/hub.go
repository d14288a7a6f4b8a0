package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// HubStats is a point-in-time view of the bus counters.
type HubStats struct {
	Connections int    `json:"connections"`
	Groups      int    `json:"groups"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
}

// Hub is the broadcast bus. It owns the connection registry and delivers each
// published event to every member of the target group. A Hub is constructed
// explicitly and injected into sessions and the upload gateway.
type Hub struct {
	registry *Registry
	logger   *slog.Logger

	closed atomic.Bool
	wg     sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewHub creates a Hub with an empty registry.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry: NewRegistry(),
		logger:   logger,
	}
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Publish delivers ev to the members of groupKey as of the moment the publish
// is admitted. Publishes to the same group are admitted one at a time, so
// every member observes them in the same order. A failed delivery is logged
// and counted but never fails the publish or stops delivery to the others.
func (h *Hub) Publish(ctx context.Context, groupKey string, ev chat.Event) error {
	if h.closed.Load() {
		return chat.ErrBusClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.published.Add(1)

	g := h.registry.acquire(groupKey)
	if g == nil {
		return nil
	}
	defer h.registry.release(g)

	g.publishMu.Lock()
	defer g.publishMu.Unlock()

	members := h.registry.snapshot(g)
	for _, m := range members {
		if err := m.OnBusEvent(ev); err != nil {
			h.failed.Add(1)
			h.logger.Debug("delivery failed", "group", groupKey, "error", err)
			continue
		}
		h.delivered.Add(1)
	}
	return nil
}

// Stats returns the current counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Connections: h.registry.Count(),
		Groups:      h.registry.GroupCount(),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Failed:      h.failed.Load(),
	}
}

// Closed reports whether Shutdown has been called.
func (h *Hub) Closed() bool {
	return h.closed.Load()
}

// goPump runs a session pump tracked by Shutdown.
func (h *Hub) goPump(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// shutdownClients closes every registered session.
func (h *Hub) shutdownClients() {
	h.logger.Info("shutting down all client connections")

	members := h.registry.all()
	for _, m := range members {
		m.Close()
	}

	h.logger.Info("closed client connections", "count", len(members))
}

// Shutdown stops accepting publishes, closes all sessions and waits for their
// pumps to finish or the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.logger.Info("initiating hub shutdown")

	h.shutdownClients()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some pumps may still be running")
		return context.DeadlineExceeded
	}
}

// errSlowConsumer marks a session dropped because its send buffer was full.
var errSlowConsumer = errors.New("send buffer full")
