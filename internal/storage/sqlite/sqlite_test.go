package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/storage"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func loanAt(id, user, book string, due time.Time, status core.LoanStatus) core.Loan {
	return core.Loan{
		ID:         id,
		UserID:     user,
		BookID:     book,
		BorrowedAt: due.Add(-30 * 24 * time.Hour),
		DueAt:      due,
		Status:     status,
	}
}

func TestBookCounters(t *testing.T) {
	st := NewSQLiteTest(t)
	SeedBook(t, st, "b1", 2)
	ctx := context.Background()

	err := st.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		books := tx.Books()
		for i, want := range []bool{true, true, false} {
			ok, err := books.Take(ctx, "b1")
			if err != nil {
				return err
			}
			if ok != want {
				t.Fatalf("take #%d = %v, want %v", i, ok, want)
			}
		}
		// Put is clamped at total.
		for i := 0; i < 3; i++ {
			if err := books.Put(ctx, "b1"); err != nil {
				return err
			}
		}
		b, err := books.Get(ctx, "b1")
		if err != nil {
			return err
		}
		if b.AvailableCopies != 2 || b.TotalCopies != 2 {
			t.Fatalf("book = %+v, want 2/2", b)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestBookResizeClamps(t *testing.T) {
	cases := []struct {
		name         string
		total, avail int
		newTotal     int
		wantAvail    int
	}{
		{"grow", 3, 1, 5, 3},
		{"shrink keeps lent copies", 5, 3, 4, 2},
		{"shrink below lent", 5, 1, 2, 0},
		{"shrink to zero", 2, 2, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := NewSQLiteTest(t)
			SeedBook(t, st, "b", tc.total)
			ctx := context.Background()
			err := st.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
				for i := 0; i < tc.total-tc.avail; i++ {
					if _, err := tx.Books().Take(ctx, "b"); err != nil {
						return err
					}
				}
				if err := tx.Books().Resize(ctx, "b", tc.newTotal); err != nil {
					return err
				}
				b, err := tx.Books().Get(ctx, "b")
				if err != nil {
					return err
				}
				if b.TotalCopies != tc.newTotal || b.AvailableCopies != tc.wantAvail {
					t.Fatalf("book = %d/%d, want %d/%d", b.AvailableCopies, b.TotalCopies, tc.wantAvail, tc.newTotal)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("tx: %v", err)
			}
		})
	}
}

func TestBookNotFound(t *testing.T) {
	st := NewSQLiteTest(t)
	err := st.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Books().Get(ctx, "missing")
		return err
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunInTxRollsBack(t *testing.T) {
	st := NewSQLiteTest(t)
	SeedBook(t, st, "b1", 1)
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.Books().Take(ctx, "b1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	_ = st.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		b, err := tx.Books().Get(ctx, "b1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if b.AvailableCopies != 1 {
			t.Fatalf("available = %d, want 1 after rollback", b.AvailableCopies)
		}
		return nil
	})
}

func TestLoanRoundTripAndCAS(t *testing.T) {
	st := NewSQLiteTest(t)
	SeedBook(t, st, "b1", 1)
	l := loanAt("L1", "u1", "b1", t0, core.LoanBorrowed)
	l.FineAmount = decimal.Zero
	SeedLoan(t, st, l)
	ctx := context.Background()

	err := st.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		got, err := tx.Loans().Get(ctx, "L1")
		if err != nil {
			return err
		}
		if !got.DueAt.Equal(t0) || got.Status != core.LoanBorrowed || got.ReturnedAt != nil {
			t.Fatalf("loan = %+v", got)
		}

		returned := t0.Add(50 * time.Hour)
		got.Status = core.LoanReturned
		got.ReturnedAt = &returned
		got.FineAmount = decimal.RequireFromString("1.0")
		ok, err := tx.Loans().Update(ctx, got, core.LoanBorrowed)
		if err != nil || !ok {
			t.Fatalf("first update ok=%v err=%v", ok, err)
		}
		ok, err = tx.Loans().Update(ctx, got, core.LoanBorrowed)
		if err != nil || ok {
			t.Fatalf("stale update ok=%v err=%v, want no-op", ok, err)
		}

		again, err := tx.Loans().Get(ctx, "L1")
		if err != nil {
			return err
		}
		if again.ReturnedAt == nil || !again.ReturnedAt.Equal(returned) {
			t.Fatalf("returned_at = %v", again.ReturnedAt)
		}
		if !again.FineAmount.Equal(decimal.NewFromInt(1)) {
			t.Fatalf("fine = %s", again.FineAmount)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestLoanDueWindows(t *testing.T) {
	st := NewSQLiteTest(t)
	SeedBook(t, st, "b1", 10)
	now := t0
	SeedLoan(t, st, loanAt("past", "u1", "b1", now.Add(-time.Nanosecond), core.LoanBorrowed))
	SeedLoan(t, st, loanAt("exact", "u1", "b1", now, core.LoanBorrowed))
	SeedLoan(t, st, loanAt("soon", "u1", "b1", now.Add(2*24*time.Hour), core.LoanBorrowed))
	SeedLoan(t, st, loanAt("edge", "u1", "b1", now.Add(3*24*time.Hour), core.LoanBorrowed))
	SeedLoan(t, st, loanAt("later", "u1", "b1", now.Add(3*24*time.Hour+time.Second), core.LoanBorrowed))
	SeedLoan(t, st, loanAt("overdue", "u1", "b1", now.Add(-48*time.Hour), core.LoanOverdue))

	ctx := context.Background()
	_ = st.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		expired, err := tx.Loans().Expired(ctx, core.LoanBorrowed, now)
		if err != nil {
			t.Fatalf("expired: %v", err)
		}
		if ids := loanIDs(expired); len(ids) != 1 || ids[0] != "past" {
			t.Fatalf("expired = %v, want [past]", ids)
		}

		due, err := tx.Loans().DueBetween(ctx, core.LoanBorrowed, now, now.Add(3*24*time.Hour))
		if err != nil {
			t.Fatalf("due between: %v", err)
		}
		if ids := loanIDs(due); len(ids) != 2 || ids[0] != "soon" || ids[1] != "edge" {
			t.Fatalf("due = %v, want [soon edge]", ids)
		}
		return nil
	})
}

func TestLoanListFilters(t *testing.T) {
	st := NewSQLiteTest(t)
	SeedBook(t, st, "b1", 10)
	for i, s := range []core.LoanStatus{core.LoanBorrowed, core.LoanOverdue, core.LoanReturned, core.LoanBorrowed} {
		l := loanAt(string(rune('a'+i)), "u1", "b1", t0.Add(time.Duration(i)*time.Hour), s)
		if s == core.LoanReturned {
			r := t0
			l.ReturnedAt = &r
		}
		SeedLoan(t, st, l)
	}
	SeedLoan(t, st, loanAt("other", "u2", "b1", t0, core.LoanBorrowed))

	ctx := context.Background()
	_ = st.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		loans, total, err := tx.Loans().List(ctx, storage.LoanFilter{
			UserID:   "u1",
			Statuses: []core.LoanStatus{core.LoanBorrowed, core.LoanOverdue},
		})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if total != 3 || len(loans) != 3 {
			t.Fatalf("total=%d len=%d, want 3", total, len(loans))
		}

		page, total, err := tx.Loans().List(ctx, storage.LoanFilter{Page: core.Page{Page: 2, PerPage: 2}})
		if err != nil {
			t.Fatalf("list page: %v", err)
		}
		if total != 5 || len(page) != 2 {
			t.Fatalf("page total=%d len=%d, want 5/2", total, len(page))
		}

		n, err := tx.Loans().CountByUser(ctx, "u1", core.LoanBorrowed)
		if err != nil || n != 2 {
			t.Fatalf("count = %d err=%v, want 2", n, err)
		}
		return nil
	})
}

func TestLoanStatsAndInconsistent(t *testing.T) {
	st := NewSQLiteTest(t)
	SeedBook(t, st, "b1", 10)
	monthStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	returnedIn := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	returnedBefore := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)

	a := loanAt("a", "u1", "b1", t0, core.LoanBorrowed)
	b := loanAt("b", "u1", "b1", t0, core.LoanOverdue)
	b.FineAmount = decimal.RequireFromString("1.5")
	c := loanAt("c", "u1", "b1", t0, core.LoanReturned)
	c.ReturnedAt = &returnedIn
	c.FineAmount = decimal.RequireFromString("0.5")
	d := loanAt("d", "u1", "b1", t0, core.LoanReturned)
	d.ReturnedAt = &returnedBefore
	broken := loanAt("broken", "u2", "b1", t0, core.LoanOverdue)
	broken.ReturnedAt = &returnedIn
	for _, l := range []core.Loan{a, b, c, d, broken} {
		SeedLoan(t, st, l)
	}

	ctx := context.Background()
	_ = st.View(ctx, func(ctx context.Context, tx storage.Tx) error {
		stats, err := tx.Loans().Stats(ctx, monthStart)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.CurrentBorrowed != 1 || stats.Overdue != 2 || stats.ReturnedThisMonth != 1 {
			t.Fatalf("stats = %+v", stats)
		}
		if !stats.TotalFines.Equal(decimal.NewFromInt(2)) {
			t.Fatalf("total fines = %s, want 2", stats.TotalFines)
		}

		bad, err := tx.Loans().Inconsistent(ctx)
		if err != nil {
			t.Fatalf("inconsistent: %v", err)
		}
		if ids := loanIDs(bad); len(ids) != 1 || ids[0] != "broken" {
			t.Fatalf("inconsistent = %v", ids)
		}
		return nil
	})
}

func TestReservationOnePendingPerUserBook(t *testing.T) {
	st := NewSQLiteTest(t)
	SeedBook(t, st, "b1", 1)
	ctx := context.Background()
	res := core.Reservation{ID: "r1", UserID: "u1", BookID: "b1", Status: core.ReservationPending, ReservedAt: t0, ExpiresAt: t0.Add(7 * 24 * time.Hour)}

	insert := func(r core.Reservation) error {
		return st.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.Reservations().Insert(ctx, r)
		})
	}
	if err := insert(res); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := res
	dup.ID = "r2"
	if err := insert(dup); !errors.Is(err, core.ErrDuplicatePending) {
		t.Fatalf("expected duplicate pending, got %v", err)
	}

	err := st.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ok, err := tx.Reservations().SetStatus(ctx, "r1", core.ReservationPending, core.ReservationCanceled)
		if err != nil || !ok {
			t.Fatalf("cancel ok=%v err=%v", ok, err)
		}
		pending, err := tx.Reservations().HasPending(ctx, "u1", "b1")
		if err != nil || pending {
			t.Fatalf("pending=%v err=%v after cancel", pending, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := insert(dup); err != nil {
		t.Fatalf("re-reserve after cancel: %v", err)
	}
}

func TestNotificationDedupAndRead(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	n := core.Notification{ID: "n1", UserID: "u1", LoanID: "L1", Type: core.NotifyReturnReminder, Title: "t", Content: "c", CreatedAt: t0}
	other := core.Notification{ID: "n2", UserID: "u1", Type: core.NotifyReservationAvailable, Title: "t", Content: "c", CreatedAt: t0.Add(time.Minute)}

	err := st.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for _, x := range []core.Notification{n, other} {
			if err := tx.Notifications().Insert(ctx, x); err != nil {
				return err
			}
		}
		repo := tx.Notifications()
		if ok, _ := repo.ExistsSince(ctx, "u1", "L1", core.NotifyReturnReminder, t0.Add(-24*time.Hour)); !ok {
			t.Fatal("expected existing reminder inside window")
		}
		if ok, _ := repo.ExistsSince(ctx, "u1", "L1", core.NotifyReturnReminder, t0.Add(time.Second)); ok {
			t.Fatal("reminder outside window must not count")
		}
		if ok, _ := repo.ExistsSince(ctx, "u1", "L1", core.NotifyOverdueReminder, t0.Add(-time.Hour)); ok {
			t.Fatal("different type must not count")
		}

		if err := repo.MarkRead(ctx, "n1"); err != nil {
			return err
		}
		unread, err := repo.UnreadCount(ctx, "u1")
		if err != nil || unread != 1 {
			t.Fatalf("unread = %d err=%v, want 1", unread, err)
		}
		list, total, err := repo.List(ctx, "u1", true, core.Page{})
		if err != nil || total != 1 || list[0].ID != "n2" || list[0].LoanID != "" {
			t.Fatalf("unread list = %+v total=%d err=%v", list, total, err)
		}
		changed, err := repo.MarkAllRead(ctx, "u1")
		if err != nil || changed != 1 {
			t.Fatalf("mark all = %d err=%v", changed, err)
		}
		if err := repo.MarkRead(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "circulate.db")
	st, err := New(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	SeedBook(t, st, "b1", 3)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = New(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	err = st.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		b, err := tx.Books().Get(ctx, "b1")
		if err != nil {
			return err
		}
		if b.TotalCopies != 3 {
			t.Fatalf("total = %d", b.TotalCopies)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func loanIDs(loans []core.Loan) []string {
	ids := make([]string, len(loans))
	for i, l := range loans {
		ids[i] = l.ID
	}
	return ids
}

func TestInMemorySurvivesReopenedConnection(t *testing.T) {
	st := NewSQLiteTest(t)
	SeedBook(t, st, "b1", 3)

	// Every statement now gets a fresh connection.
	st.db.SetMaxIdleConns(0)

	ctx, cancel := context.WithCancel(context.Background())
	err := st.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		cancel()
		_, err := tx.Books().Get(ctx, "b1")
		return err
	})
	if err == nil {
		t.Fatal("expected cancelled transaction to fail")
	}

	for i := 0; i < 3; i++ {
		err := st.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			b, err := tx.Books().Get(ctx, "b1")
			if err != nil {
				return err
			}
			if b.TotalCopies != 3 {
				t.Fatalf("total = %d, want 3", b.TotalCopies)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("read %d after reconnect: %v", i, err)
		}
	}
}

func TestInMemoryStoresAreIsolated(t *testing.T) {
	a := NewSQLiteTest(t)
	b := NewSQLiteTest(t)
	SeedBook(t, a, "only-in-a", 1)
	err := b.View(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Books().Get(ctx, "only-in-a")
		return err
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found in a separate store, got %v", err)
	}
}
