// Package events fans issue activity out to websocket subscribers.
// Each subscriber watches a single workspace; the access check happens
// before the connection is upgraded.
package events

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daygent/daygent/internal/app/domain/issue"
	"github.com/daygent/daygent/internal/app/metrics"
	"github.com/daygent/daygent/internal/app/services/issues"
	"github.com/daygent/daygent/internal/app/system"
	"github.com/daygent/daygent/pkg/logger"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pingInterval is how often idle connections are pinged.
	pingInterval = 30 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead. Must exceed pingInterval.
	pongWait = 60 * time.Second
	// sendBuffer is the per-subscriber queue. A subscriber that falls
	// this far behind is disconnected.
	sendBuffer = 32
)

// Hub tracks websocket subscribers per workspace and broadcasts issue
// events to them. Delivery is best effort: subscribers that cannot keep
// up are dropped rather than allowed to stall the rest.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
	running     bool
}

var (
	_ system.Service   = (*Hub)(nil)
	_ issues.EventSink = (*Hub)(nil)
)

type subscriber struct {
	workspaceID string
	conn        *websocket.Conn
	send        chan issue.Event
	closeOnce   sync.Once
}

// shutdown closes the send channel, which makes the write pump finish
// the close handshake. Only called while holding the hub lock so it
// can never race a broadcast.
func (s *subscriber) shutdown() {
	s.closeOnce.Do(func() { close(s.send) })
}

// NewHub constructs an event hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			// Subscribers authenticate with bearer tokens before the
			// upgrade, so browser origins are not restricted here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subscribers: make(map[string]map[*subscriber]struct{}),
	}
}

func (h *Hub) Name() string { return "events-hub" }

// Start begins accepting subscriptions.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	h.running = true
	h.log.Info("events hub started")
	return nil
}

// Stop disconnects every subscriber and rejects new ones.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	for _, subs := range h.subscribers {
		for sub := range subs {
			sub.shutdown()
		}
	}
	h.subscribers = make(map[string]map[*subscriber]struct{})
	metrics.SetWebsocketClients(0)
	h.mu.Unlock()
	return nil
}

// OfferEvent broadcasts an event to the workspace's subscribers.
// Never blocks: a subscriber with a full queue is removed.
func (h *Hub) OfferEvent(ev issue.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers[ev.WorkspaceID] {
		select {
		case sub.send <- ev:
		default:
			h.removeLocked(sub)
			sub.shutdown()
			h.log.Warnf("dropped slow events subscriber in workspace %s", ev.WorkspaceID)
		}
	}
}

// Subscribe upgrades the request to a websocket subscribed to the
// workspace's events. The caller must have validated access already.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, workspaceID string) error {
	if workspaceID == "" {
		return fmt.Errorf("workspace_id is required")
	}
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return fmt.Errorf("events hub is not running")
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	sub := &subscriber{
		workspaceID: workspaceID,
		conn:        conn,
		send:        make(chan issue.Event, sendBuffer),
	}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		conn.Close()
		return fmt.Errorf("events hub is not running")
	}
	if h.subscribers[workspaceID] == nil {
		h.subscribers[workspaceID] = make(map[*subscriber]struct{})
	}
	h.subscribers[workspaceID][sub] = struct{}{}
	metrics.SetWebsocketClients(h.countLocked())
	h.mu.Unlock()

	go h.writePump(sub)
	go h.readPump(sub)
	return nil
}

// Running reports whether the hub accepts subscriptions.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	total := 0
	for _, subs := range h.subscribers {
		total += len(subs)
	}
	return total
}

// removeLocked unregisters a subscriber. Callers hold h.mu.
func (h *Hub) removeLocked(sub *subscriber) {
	subs := h.subscribers[sub.workspaceID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subscribers, sub.workspaceID)
	}
	metrics.SetWebsocketClients(h.countLocked())
}

// drop unregisters a subscriber and shuts it down, tolerating
// subscribers that are already gone.
func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
	sub.shutdown()
}

// writePump owns all writes on the connection: queued events, pings
// and the close frame.
func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.send:
			if !ok {
				sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
				sub.conn.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteJSON(ev); err != nil {
				h.drop(sub)
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(sub)
				return
			}
		}
	}
}

// readPump discards inbound frames and watches for disconnects. The
// feed is one-way; clients only need to answer pings.
func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		h.drop(sub)
		sub.conn.Close()
	}()

	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}
