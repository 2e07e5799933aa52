package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	minRedial = time.Second
	maxRedial = 30 * time.Second
)

// EventHandler receives each event pushed on a user's stream.
type EventHandler func(event Event)

// WSClient follows one user's notification stream.
type WSClient struct {
	baseURL   string
	apiKey    string
	user      string
	admin     bool
	conn      *websocket.Conn
	handlers  []EventHandler
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	reconnect bool
}

type WSOption func(*WSClient)

// WithWSAPIKey authenticates the upgrade with a bearer key.
func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) {
		c.apiKey = key
	}
}

// WithWSAdmin sends the admin role header, for localhost deployments.
func WithWSAdmin() WSOption {
	return func(c *WSClient) {
		c.admin = true
	}
}

// WithAutoReconnect redials after the stream drops. On by default.
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

// NewWSClient creates a client for user's stream.
func NewWSClient(baseURL, user string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:   baseURL,
		user:      user,
		done:      make(chan struct{}),
		reconnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect establishes the WebSocket connection and starts reading.
func (c *WSClient) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

func (c *WSClient) dial(ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	header.Set(headerUser, c.user)
	if c.admin {
		header.Set(headerRole, roleAdmin)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close stops reconnecting and closes the stream.
func (c *WSClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSClient) buildWSURL() (string, error) {
	if c.user == "" {
		return "", fmt.Errorf("user required")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/users/" + url.PathEscape(c.user)
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		var event Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if !c.reconnect || !c.redial(ctx) {
				return
			}
			continue
		}
		c.dispatchEvent(event)
	}
}

func (c *WSClient) dispatchEvent(event Event) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// redial retries with exponential backoff until it connects or the client
// is closed.
func (c *WSClient) redial(ctx context.Context) bool {
	backoff := minRedial

	for {
		select {
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err == nil {
			return true
		}

		backoff = min(backoff*2, maxRedial)
	}
}

// OnNotification registers fn for notification events only.
func (c *WSClient) OnNotification(fn func(Notification)) {
	c.OnEvent(func(event Event) {
		if event.Type == "notification" {
			fn(event.Notification)
		}
	})
}

// ForTypes wraps handler so it only sees notifications of the given types,
// e.g. "overdue_reminder".
func ForTypes(handler EventHandler, types ...string) EventHandler {
	return func(event Event) {
		for _, t := range types {
			if event.Notification.Type == t {
				handler(event)
				return
			}
		}
	}
}

// ForLoan wraps handler so it only sees notifications about one loan.
func ForLoan(handler EventHandler, loanID string) EventHandler {
	return func(event Event) {
		if event.Notification.LoanID == loanID {
			handler(event)
		}
	}
}
