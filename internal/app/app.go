// Package app assembles the service from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mistakeknot/circulate/internal/auth"
	"github.com/mistakeknot/circulate/internal/config"
	"github.com/mistakeknot/circulate/internal/core"
	httpapi "github.com/mistakeknot/circulate/internal/http"
	"github.com/mistakeknot/circulate/internal/inventory"
	"github.com/mistakeknot/circulate/internal/lending"
	"github.com/mistakeknot/circulate/internal/notify"
	"github.com/mistakeknot/circulate/internal/reservation"
	"github.com/mistakeknot/circulate/internal/server"
	"github.com/mistakeknot/circulate/internal/storage"
	"github.com/mistakeknot/circulate/internal/storage/sqlite"
	"github.com/mistakeknot/circulate/internal/sweeper"
	"github.com/mistakeknot/circulate/internal/ws"
)

type App struct {
	Config     config.Config
	Logger     *slog.Logger
	Clock      core.Clock
	Store      *sqlite.ResilientStore
	Ledger     *inventory.Ledger
	Machine    *lending.Machine
	Queue      *reservation.Queue
	Dispatcher *notify.Dispatcher
	Hub        *ws.Hub
	Sweeper    *sweeper.Sweeper

	closers    []func() error
	localAdmin bool
}

type Option func(*options)

type options struct {
	clock      core.Clock
	store      storage.Store
	localAdmin bool
}

// WithClock replaces the system clock.
func WithClock(c core.Clock) Option { return func(o *options) { o.clock = c } }

// WithStore uses st instead of opening cfg.DBPath. The caller keeps
// ownership of st.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

// WithLocalhostAdmin lets loopback callers claim the admin role through the
// role header regardless of the keys file policy. Meant for embedded and
// test servers bound to 127.0.0.1.
func WithLocalhostAdmin() Option { return func(o *options) { o.localAdmin = true } }

func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = core.SystemClock()
	}
	a := &App{Config: cfg, Logger: logger, Clock: o.clock, localAdmin: o.localAdmin}

	inner := o.store
	if inner == nil {
		st, err := sqlite.New(cfg.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
		a.closers = append(a.closers, st.Close)
		inner = st
	}
	a.Store = sqlite.NewResilient(inner, logger)

	fine, err := cfg.DailyFine()
	if err != nil {
		a.Close()
		return nil, err
	}
	policy := lending.Policy{
		MaxActiveLoans: cfg.Policy.MaxActiveLoans,
		LoanPeriod:     cfg.Policy.LoanPeriod(),
		RenewPeriod:    cfg.Policy.RenewPeriod(),
		DailyFine:      fine,
	}

	a.Hub = ws.NewHub(logger)
	a.Ledger = inventory.NewLedger(a.Store, a.Clock, logger)
	a.Machine = lending.NewMachine(a.Store, a.Ledger, a.Clock, policy, logger)
	a.Queue = reservation.NewQueue(a.Store, a.Ledger, a.Clock, cfg.Policy.ReservationHold(), logger)
	a.Dispatcher = notify.NewDispatcher(a.Store, a.Clock, notify.Options{
		ReminderWindow: cfg.Policy.ReminderWindow(),
		DedupWindow:    cfg.Policy.ReminderDedup(),
		Deduper:        a.redisDeduper(),
		Publisher:      a.Hub,
		Logger:         logger,
	})

	sweepCfg, err := sweeperConfig(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Sweeper = sweeper.New(a.Store, a.Machine, a.Dispatcher, a.Clock, sweepCfg, logger)
	return a, nil
}

// redisDeduper connects the optional reminder claim cache. An unreachable
// Redis is logged and skipped.
func (a *App) redisDeduper() notify.Deduper {
	if a.Config.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		a.Logger.Warn("redis unavailable, reminder dedup uses the database only",
			slog.String("addr", a.Config.Redis.Addr), slog.Any("error", err))
		rdb.Close()
		return nil
	}
	a.closers = append(a.closers, rdb.Close)
	return notify.NewRedisDeduper(rdb)
}

func sweeperConfig(cfg config.Config) (sweeper.Config, error) {
	timeout, err := cfg.LoanTimeout()
	if err != nil {
		return sweeper.Config{}, err
	}
	out := sweeper.Config{LoanTimeout: timeout}
	interval, err := cfg.SweepInterval()
	if err != nil {
		return sweeper.Config{}, err
	}
	if interval > 0 {
		out.Overdue = sweeper.Every(interval)
		out.Reminders = sweeper.Every(interval)
		return out, nil
	}
	loc, err := cfg.Location()
	if err != nil {
		return sweeper.Config{}, err
	}
	if out.Overdue, err = sweeper.ParseDaily(cfg.Sweeper.OverdueAt, loc); err != nil {
		return sweeper.Config{}, err
	}
	if out.Reminders, err = sweeper.ParseDaily(cfg.Sweeper.ReminderAt, loc); err != nil {
		return sweeper.Config{}, err
	}
	return out, nil
}

// Handler builds the authenticated HTTP API.
func (a *App) Handler() (http.Handler, error) {
	ring, err := auth.LoadKeyring(a.Config.KeysFile)
	if err != nil {
		return nil, fmt.Errorf("load auth: %w", err)
	}
	if a.localAdmin {
		ring.AllowLocalhostAdmin = true
	}
	return a.handler(auth.Middleware(ring, []byte(a.Config.Auth.JWTSecret))), nil
}

func (a *App) handler(mw func(http.Handler) http.Handler) http.Handler {
	loc, err := a.Config.Location()
	if err != nil {
		loc = time.UTC
	}
	svc := httpapi.NewService(a.Machine, a.Queue, a.Ledger, a.Dispatcher, a.Logger).
		WithLocation(loc).
		WithHealthCheck(a.health)
	return httpapi.NewRouter(svc, a.Hub.Handler(), mw)
}

func (a *App) health(context.Context) error {
	if state := a.Store.CircuitBreakerState(); state == sqlite.StateOpen.String() {
		return errors.New("storage circuit breaker open")
	}
	return nil
}

// Serve runs the API and the sweeper until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	h, err := a.Handler()
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		Addr:       a.Config.Addr,
		SocketPath: a.Config.SocketPath,
		Handler:    h,
		Logger:     a.Logger,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	a.Sweeper.Start(ctx)
	defer a.Sweeper.Stop()
	return srv.Run(ctx)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
