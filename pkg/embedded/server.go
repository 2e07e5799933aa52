// Package embedded runs a circulate server inside another process.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/circulate/internal/app"
	"github.com/mistakeknot/circulate/internal/auth"
	"github.com/mistakeknot/circulate/internal/config"
)

// Config configures the embedded server
type Config struct {
	// DBPath is the path to the SQLite database file.
	// If empty, defaults to ~/.circulate/circulate.db
	DBPath string

	// Port is the HTTP port to listen on. 0 picks a free port.
	Port int

	// Host is the host to bind to.
	// If empty, defaults to localhost (127.0.0.1).
	Host string

	// KeysFile enables API key authentication. Without it only localhost
	// identity headers are accepted, as members unless AllowLocalAdmin.
	KeysFile string

	// AllowLocalAdmin lets loopback callers act as admin through the role
	// header. Off unless the embedding process trusts every local user.
	AllowLocalAdmin bool

	// RunSweeper starts the background overdue and reminder loops.
	RunSweeper bool

	Logger *slog.Logger
}

// Server is an embedded circulate server
type Server struct {
	cfg     Config
	app     *app.App
	http    *http.Server
	ln      net.Listener
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

// New creates a new embedded server
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".circulate", "circulate.db")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	appCfg := config.Default()
	appCfg.DBPath = cfg.DBPath
	appCfg.KeysFile = cfg.KeysFile
	var opts []app.Option
	if cfg.AllowLocalAdmin {
		opts = append(opts, app.WithLocalhostAdmin())
	}
	a, err := app.New(appCfg, cfg.Logger, opts...)
	if err != nil {
		return nil, err
	}

	handler, err := a.Handler()
	if err != nil {
		a.Close()
		return nil, err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &Server{
		cfg:  cfg,
		app:  a,
		ln:   ln,
		http: &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
	}, nil
}

// Start serves in a goroutine
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.cfg.RunSweeper {
		s.app.Sweeper.Start(ctx)
	}
	go func() {
		if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.app.Logger.Error("embedded server", slog.Any("error", err))
		}
	}()
	return nil
}

// Stop stops the embedded server gracefully and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.ln.Close()
		return s.app.Close()
	}
	s.started = false

	s.cancel()
	if s.cfg.RunSweeper {
		s.app.Sweeper.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(s.http.Shutdown(ctx), s.app.Close())
}

// Addr returns the server's listen address
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// App exposes the assembled services for direct access.
func (s *Server) App() *app.App {
	return s.app
}

// LocalHeaders returns the identity headers for user on a localhost server.
func LocalHeaders(user string, admin bool) http.Header {
	h := http.Header{}
	h.Set(auth.HeaderUser, user)
	if admin {
		h.Set(auth.HeaderRole, auth.RoleAdmin)
	}
	return h
}
