package bridge

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub accepts inbound websocket upgrades from page executors and hands out
// a Conn per tab, keyed by an integer tabId the way a browser extension
// would key its runtime.Port connections.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[int]*Conn

	nextTabID int64
}

// NewHub creates an idle Hub. Wire ServeHTTP into a chi route to accept
// executor connections.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("bridge.hub"),
		conns:  make(map[int]*Conn),
	}
}

// ServeHTTP upgrades the request to a websocket and registers the
// resulting Conn under a freshly minted tab ID. The ID is kept on this
// side only; no message is sent to the executor on connect.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	tabID := int(atomic.AddInt64(&h.nextTabID, 1))
	conn := NewConn(tabID, ws, h.logger)

	h.mu.Lock()
	h.conns[tabID] = conn
	h.mu.Unlock()

	go func() {
		<-conn.closed
		h.Remove(tabID)
	}()
}

// Get returns the Conn bound to tabID, if any.
func (h *Hub) Get(tabID int) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[tabID]
	return c, ok
}

// Remove drops tabID from the registry on a tab-removed event.
func (h *Hub) Remove(tabID int) {
	h.mu.Lock()
	delete(h.conns, tabID)
	h.mu.Unlock()
}

// Alive reports whether tabID has a live, non-closed connection. Used by
// the tab-binding policy's "verify old tab is gone" check.
func (h *Hub) Alive(tabID int) bool {
	c, ok := h.Get(tabID)
	return ok && !c.Closed()
}

// RequireConn fetches tabID's Conn or returns an error, for call sites that
// need a usable bridge rather than an ok-bool.
func (h *Hub) RequireConn(tabID int) (*Conn, error) {
	c, ok := h.Get(tabID)
	if !ok {
		return nil, fmt.Errorf("bridge: no connection for tab %d", tabID)
	}
	return c, nil
}
