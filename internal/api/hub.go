package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sourcegraph/conc/pool"
)

const (
	hubWriteTimeout = 5 * time.Second
	// Slow viewers are written to in parallel, up to this many at once.
	hubMaxWriters = 8
)

// Hub tracks connected websocket viewers and pushes the current view to them.
// Notifications are coalesced: a burst of changes produces one push.
type Hub struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
	notify chan struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]*websocket.Conn),
		notify: make(chan struct{}, 1),
		logger: logger,
	}
}

// Register adds a viewer connection. Viewer IDs are unique per connection.
func (h *Hub) Register(viewerID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.active[viewerID] = conn
	h.logger.Info("Viewer registered", "viewer_id", viewerID, "viewers", len(h.active))
}

// Unregister removes a viewer. Unknown IDs are ignored, so a viewer dropped
// by a failed push can still unregister itself on exit.
func (h *Hub) Unregister(viewerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[viewerID]; exists {
		delete(h.active, viewerID)
		h.logger.Info("Viewer unregistered", "viewer_id", viewerID, "viewers", len(h.active))
	}
}

// Count returns the number of connected viewers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

// Notify schedules a push. It never blocks.
func (h *Hub) Notify() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Run pushes view() to every viewer after each Notify until ctx is done.
// Pushes go out on every change, so view should stay small.
func (h *Hub) Run(ctx context.Context, view func() any) {
	for {
		select {
		case <-h.notify:
			data, err := json.Marshal(view())
			if err != nil {
				h.logger.Error("Failed to encode view", "error", err)
				continue
			}
			h.broadcast(ctx, data)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) broadcast(ctx context.Context, data []byte) {
	h.mu.RLock()
	targets := make(map[string]*websocket.Conn, len(h.active))
	for id, conn := range h.active {
		targets[id] = conn
	}
	h.mu.RUnlock()

	writers := pool.New().WithMaxGoroutines(hubMaxWriters)
	for id, conn := range targets {
		writers.Go(func() {
			writeCtx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug("Dropping viewer after failed write", "viewer_id", id, "error", err)
				_ = conn.Close(websocket.StatusGoingAway, "write failed")
				h.Unregister(id)
			}
		})
	}
	writers.Wait()
}

// CloseAll disconnects every viewer.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.active {
		_ = conn.Close(websocket.StatusGoingAway, reason)
		delete(h.active, id)
	}
}
