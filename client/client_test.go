package client

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/circulate/internal/app"
	"github.com/mistakeknot/circulate/internal/config"
	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/storage/sqlite"
)

func TestClientFailsWithoutServer(t *testing.T) {
	c := New("http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Checkout(ctx, "b1"); err == nil {
		t.Fatalf("expected failure without server")
	}
}

type testServer struct {
	url   string
	app   *app.App
	clock *core.ManualClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.KeysFile = filepath.Join(t.TempDir(), "keys.yaml")
	clock := core.NewManualClock(time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC))
	a, err := app.New(cfg, nil, app.WithStore(sqlite.NewSQLiteTest(t)), app.WithClock(clock), app.WithLocalhostAdmin())
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	h, err := a.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, app: a, clock: clock}
}

func TestClientLendingFlow(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	admin := New(ts.url, WithUser("librarian", true))
	alice := New(ts.url, WithUser("alice", false))
	bob := New(ts.url, WithUser("bob", false))

	if err := admin.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if _, err := alice.RegisterBook(ctx, "b1", "Dune", 1); ErrorCode(err) != "forbidden" {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := admin.RegisterBook(ctx, "b1", "Dune", 1); err != nil {
		t.Fatalf("register: %v", err)
	}

	loan, err := alice.Checkout(ctx, "b1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := bob.Checkout(ctx, "b1"); ErrorCode(err) != "out_of_stock" {
		t.Fatalf("expected out_of_stock, got %v", err)
	}

	res, err := bob.Reserve(ctx, "b1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	page, err := admin.AllReservations(ctx, ListOptions{Book: "b1", Statuses: []string{"pending"}})
	if err != nil || page.Total != 1 {
		t.Fatalf("all reservations: %+v err=%v", page, err)
	}

	if _, err := admin.FulfillReservation(ctx, res.ID); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if _, err := bob.CancelReservation(ctx, res.ID); ErrorCode(err) != "not_pending" {
		t.Fatalf("expected not_pending, got %v", err)
	}

	renewed, err := alice.Renew(ctx, loan.ID)
	if err != nil || !renewed.Renewed {
		t.Fatalf("renew: %+v err=%v", renewed, err)
	}

	ts.clock.Advance(62 * 24 * time.Hour)
	returned, err := alice.Return(ctx, loan.ID)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if returned.Status != "returned" || returned.FineAmount.String() != "1" {
		t.Fatalf("unexpected return: status=%s fine=%s", returned.Status, returned.FineAmount)
	}

	stats, err := admin.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ReturnedThisMonth != 1 || stats.TotalFines.String() != "1" {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	mine, err := alice.MyLoans(ctx, ListOptions{Statuses: []string{"returned"}, PerPage: 5})
	if err != nil || mine.Total != 1 || mine.PerPage != 5 {
		t.Fatalf("my loans: %+v err=%v", mine, err)
	}
}

func TestClientNotifications(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	admin := New(ts.url, WithUser("librarian", true))
	alice := New(ts.url, WithUser("alice", false))

	if _, err := admin.RegisterBook(ctx, "b1", "Dune", 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	loan, err := alice.Checkout(ctx, "b1")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	events := make(chan Event, 1)
	ws := NewWSClient(ts.url, "alice", WithAutoReconnect(false))
	ws.OnEvent(func(ev Event) { events <- ev })
	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("ws connect: %v", err)
	}
	defer ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for ts.app.Hub.Subscribers("alice") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ts.clock.Set(loan.DueAt.Add(time.Hour))
	if _, err := ts.app.Sweeper.RunOverdue(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Notification.Type != "overdue_reminder" || ev.Notification.LoanID != loan.ID {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	page, err := alice.Notifications(ctx, true, ListOptions{})
	if err != nil || page.Unread != 1 {
		t.Fatalf("notifications: %+v err=%v", page, err)
	}
	if err := alice.MarkRead(ctx, page.Notifications[0].ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	n, err := alice.MarkAllRead(ctx)
	if err != nil || n != 0 {
		t.Fatalf("mark all read: n=%d err=%v", n, err)
	}
}
