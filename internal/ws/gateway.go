// Package ws streams notifications to connected users over websockets.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mistakeknot/circulate/internal/auth"
	"github.com/mistakeknot/circulate/internal/core"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Event is the frame written to subscribers.
type Event struct {
	Type         string            `json:"type"`
	Notification core.Notification `json:"notification"`
}

type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{}), logger: logger}
}

// Handler serves /ws/users/{id}. Callers may only subscribe to their own
// stream unless they are admins.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/users/"), "/")
		if user == "" || strings.Contains(user, "/") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		actor, ok := auth.ActorFromContext(r.Context())
		if !ok || !actor.CanManage(user) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(user, conn)
		defer h.remove(user, conn)

		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

// Publish writes n to every live connection of its recipient.
func (h *Hub) Publish(ctx context.Context, n core.Notification) {
	event := Event{Type: "notification", Notification: n}
	for _, conn := range h.snapshot(n.UserID) {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, conn, event)
		cancel()
		if err != nil {
			h.logger.Debug("ws write failed", "user", n.UserID, "err", err)
			go func(conn *websocket.Conn) {
				conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(n.UserID, conn)
			}(conn)
		}
	}
}

// Subscribers reports how many connections user currently holds.
func (h *Hub) Subscribers(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[user])
}

func (h *Hub) snapshot(user string) []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.conns[user]))
	for conn := range h.conns[user] {
		out = append(out, conn)
	}
	return out
}

func (h *Hub) add(user string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perUser, ok := h.conns[user]
	if !ok {
		perUser = make(map[*websocket.Conn]struct{})
		h.conns[user] = perUser
	}
	perUser[conn] = struct{}{}
}

func (h *Hub) remove(user string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perUser, ok := h.conns[user]
	if !ok {
		return
	}
	delete(perUser, conn)
	if len(perUser) == 0 {
		delete(h.conns, user)
	}
}
