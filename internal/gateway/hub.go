package gateway

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"huddle/api/internal/identity"
	"huddle/api/internal/metrics"
	"huddle/api/internal/session"
	"huddle/api/internal/store"
)

// AuthFunc resolves the caller behind an upgrade request.
type AuthFunc func(r *http.Request) (identity.Identity, error)

// Options carries the per-connection tuning the hub hands to each client.
type Options struct {
	PageSize       int
	Retention      int
	TypingTTL      time.Duration
	TypingDebounce time.Duration
	AllowedOrigin  string
}

// Hub owns every live websocket client. Each connection runs its own session
// subscription, message window and typing watcher; the hub only tracks them
// for metrics and shutdown.
type Hub struct {
	store    store.Store
	sync     *session.Synchronizer
	authFn   AuthFunc
	opts     Options
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
}

func NewHub(st store.Store, authFn AuthFunc, opts Options) *Hub {
	h := &Hub{
		store:   st,
		sync:    session.NewSynchronizer(st),
		authFn:  authFn,
		opts:    opts,
		clients: make(map[*Client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if opts.AllowedOrigin == "" || opts.AllowedOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == opts.AllowedOrigin
		},
	}
	return h
}

// Serve upgrades the request and attaches the caller to sessionID.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	ident, err := h.authFn(r)
	if err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: upgrade failed for %s: %v", sessionID, err)
		return
	}

	client := newClient(h, conn, ident, sessionID)
	if !h.add(client) {
		client.shutdown()
		return
	}
	client.run()
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	metrics.GatewayClients.Inc()
	return true
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		metrics.GatewayClients.Dec()
	}
}

// ClientCount reports how many connections are attached.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every client and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
}
