package lending

import (
	"context"
	"testing"
	"time"

	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/inventory"
	"github.com/mistakeknot/circulate/internal/storage"
	"github.com/mistakeknot/circulate/internal/storage/sqlite"
)

var start = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   storage.Store
	clock   *core.ManualClock
	ledger  *inventory.Ledger
	machine *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	clock := core.NewManualClock(start)
	ledger := inventory.NewLedger(st, clock, nil)
	return &fixture{
		store:   st,
		clock:   clock,
		ledger:  ledger,
		machine: NewMachine(st, ledger, clock, DefaultPolicy(), nil),
	}
}

func (f *fixture) book(t *testing.T, id string, copies int) {
	t.Helper()
	if _, err := f.ledger.Register(context.Background(), id, "Title "+id, copies); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (f *fixture) available(t *testing.T, id string) int {
	t.Helper()
	b, err := f.ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get book %s: %v", id, err)
	}
	return b.AvailableCopies
}

func (f *fixture) loan(t *testing.T, id string) core.Loan {
	t.Helper()
	l, err := f.machine.Get(context.Background(), id, core.SystemActor)
	if err != nil {
		t.Fatalf("get loan %s: %v", id, err)
	}
	return l
}

func user(id string) core.Actor { return core.Actor{UserID: id} }

var admin = core.Actor{UserID: "librarian", Admin: true}
