// Package adminws relays sink/source/module/client change notifications
// (the events SUBSCRIBE_EVENT arms a context to receive) to connected
// operator dashboards over a WebSocket feed, a push-based complement to
// internal/introspectapi's pull-based REST snapshots.
//
// Adapted from server/server.go's `/ws` gorilla/websocket upgrade
// handler (Upgrader with a permissive CheckOrigin, one goroutine per
// connection) generalised into a hub so an arbitrary number of
// dashboards can subscribe to the same event stream.
package adminws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType identifies what changed. Named after the SUBSCRIBE_EVENT
// facility/kind pairs spec §4's subscription events carry, spelled out
// for JSON readability rather than packed into a wire bitmask.
type EventType string

const (
	EventSinkNew       EventType = "sink_new"
	EventSinkChanged   EventType = "sink_changed"
	EventSinkRemoved   EventType = "sink_removed"
	EventSourceNew     EventType = "source_new"
	EventSourceChanged EventType = "source_changed"
	EventSourceRemoved EventType = "source_removed"
	EventModuleNew     EventType = "module_new"
	EventModuleRemoved EventType = "module_removed"
	EventClientNew     EventType = "client_new"
	EventClientRemoved EventType = "client_removed"
)

// Event is one subscription notification, broadcast verbatim as JSON to
// every connected dashboard.
type Event struct {
	Type  EventType `json:"type"`
	Index uint32    `json:"index"`
	Name  string    `json:"name,omitempty"`
}

// writeWait bounds how long a single WebSocket write may block before
// the connection is considered dead and dropped.
const writeWait = 5 * time.Second

// clientSendBuffer caps how many unsent events queue per dashboard
// before it's disconnected as too slow to keep up.
const clientSendBuffer = 64

// client is one connected dashboard's outbound event queue.
type client struct {
	conn *websocket.Conn
	send chan Event
}

// Hub fans out Broadcast calls to every currently connected dashboard.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub constructs a Hub ready to accept WebSocket upgrades and
// broadcast events. Origin checking is left permissive, matching the
// teacher's `/ws` handler — this endpoint is for trusted operator
// tooling on the same admin network, not a public-facing API.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// HandleUpgrade upgrades an HTTP request to a WebSocket connection and
// registers it as a dashboard, running its write pump until the
// connection closes. Intended to be wired as an http.HandlerFunc, e.g.
// mux.HandleFunc("/admin/events", hub.HandleUpgrade).
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("adminws: upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan Event, clientSendBuffer)}
	h.register(c)
	defer h.unregister(c)

	// Dashboards never send anything meaningful; drain and discard reads
	// so gorilla's pong/close control frames are still processed, and
	// treat any read error (including a client-initiated close) as the
	// signal to tear the connection down.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	h.writePump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) writePump(c *client) {
	for event := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(event); err != nil {
			return
		}
	}
}

// Broadcast delivers event to every currently connected dashboard.
// A dashboard whose send queue is full is dropped rather than allowed
// to stall the broadcaster — a slow dashboard shouldn't hold up
// notifications to the rest.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			slog.Warn("adminws: dropping slow dashboard connection")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Close disconnects every currently connected dashboard. Intended for
// daemon shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// ClientCount reports the number of currently connected dashboards, for
// introspectapi's /health endpoint or daemon logging.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve runs until ctx is cancelled, at which point every connected
// dashboard is disconnected. Callers register HandleUpgrade against
// their own mux/http.Server; Serve just ties the hub's lifetime to ctx.
func (h *Hub) Serve(ctx context.Context) {
	<-ctx.Done()
	h.Close()
}
