package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mistakeknot/circulate/internal/auth"
	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/inventory"
	"github.com/mistakeknot/circulate/internal/lending"
	"github.com/mistakeknot/circulate/internal/notify"
	"github.com/mistakeknot/circulate/internal/reservation"
	"github.com/mistakeknot/circulate/internal/storage/sqlite"
	"github.com/mistakeknot/circulate/internal/ws"
)

var start = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)

// testEnv runs the full router over an in-memory store. Requests use the
// localhost bypass and name their caller through the identity headers.
type testEnv struct {
	srv        *httptest.Server
	store      *sqlite.Store
	clock      *core.ManualClock
	ledger     *inventory.Ledger
	machine    *lending.Machine
	dispatcher *notify.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	clock := core.NewManualClock(start)
	ledger := inventory.NewLedger(st, clock, nil)
	machine := lending.NewMachine(st, ledger, clock, lending.DefaultPolicy(), nil)
	queue := reservation.NewQueue(st, ledger, clock, reservation.DefaultHold, nil)
	hub := ws.NewHub(nil)
	dispatcher := notify.NewDispatcher(st, clock, notify.Options{Publisher: hub})
	svc := NewService(machine, queue, ledger, dispatcher, nil)
	ring := auth.NewKeyring(true, nil)
	ring.AllowLocalhostAdmin = true
	srv := httptest.NewServer(NewRouter(svc, hub.Handler(), auth.Middleware(ring, nil)))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, clock: clock, ledger: ledger, machine: machine, dispatcher: dispatcher}
}

type caller struct {
	user  string
	admin bool
}

var (
	alice     = caller{user: "alice"}
	bob       = caller{user: "bob"}
	librarian = caller{user: "librarian", admin: true}
)

func (e *testEnv) do(t *testing.T, as caller, method, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(auth.HeaderUser, as.user)
	if as.admin {
		req.Header.Set(auth.HeaderRole, auth.RoleAdmin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (e *testEnv) book(t *testing.T, id string, copies int) {
	t.Helper()
	sqlite.SeedBook(t, e.store, id, copies)
}

func (e *testEnv) checkout(t *testing.T, as caller, bookID string) core.Loan {
	t.Helper()
	resp := e.do(t, as, http.MethodPost, "/api/loans", map[string]string{"book_id": bookID})
	requireStatus(t, resp, http.StatusCreated)
	return decodeJSON[core.Loan](t, resp)
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}

// requireError asserts the status and error code of a failed request.
func requireError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	requireStatus(t, resp, status)
	body := decodeJSON[errorBody](t, resp)
	if body.Error.Code != code {
		t.Fatalf("expected error code %q, got %q (%s)", code, body.Error.Code, body.Error.Message)
	}
}
