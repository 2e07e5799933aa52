package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mistakeknot/circulate/internal/app"
	"github.com/mistakeknot/circulate/internal/auth"
	"github.com/mistakeknot/circulate/internal/config"
	"github.com/mistakeknot/circulate/internal/core"
	"github.com/mistakeknot/circulate/internal/lending"
	"github.com/mistakeknot/circulate/internal/storage/sqlite"
)

const librarian = "librarian"

type smokeEnv struct {
	url   string
	app   *app.App
	clock *core.ManualClock
}

func newSmokeEnv(t *testing.T) *smokeEnv {
	t.Helper()
	cfg := config.Default()
	cfg.KeysFile = filepath.Join(t.TempDir(), "keys.yaml")
	clock := core.NewManualClock(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
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
	return &smokeEnv{url: srv.URL, app: a, clock: clock}
}

func send(t *testing.T, method, url, user string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		rd = bytes.NewReader(buf)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, url, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderUser, user)
	if user == librarian {
		req.Header.Set(auth.HeaderRole, auth.RoleAdmin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func postJSON(t *testing.T, url, user string, body any) *http.Response {
	t.Helper()
	return send(t, http.MethodPost, url, user, body)
}

func getJSON(t *testing.T, url, user string) *http.Response {
	t.Helper()
	return send(t, http.MethodGet, url, user, nil)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		defer resp.Body.Close()
		var body errorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		t.Fatalf("status = %d, want %d (%s: %s)", resp.StatusCode, want, body.Error.Code, body.Error.Message)
	}
}

func expectCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		resp.Body.Close()
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	body := decode[errorBody](t, resp)
	if body.Error.Code != code {
		t.Fatalf("code = %q, want %q", body.Error.Code, code)
	}
}

func (e *smokeEnv) addBook(t *testing.T, id string, copies int) {
	t.Helper()
	resp := postJSON(t, e.url+"/api/books", librarian, map[string]any{"id": id, "title": "Title " + id, "copies": copies})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
}

func (e *smokeEnv) checkout(t *testing.T, user, bookID string) core.Loan {
	t.Helper()
	resp := postJSON(t, e.url+"/api/loans", user, map[string]string{"book_id": bookID})
	expectStatus(t, resp, http.StatusCreated)
	return decode[core.Loan](t, resp)
}

// TestSmokeSingleCopy: one copy, a second borrower is turned away and
// reserves, and an on-time return puts the copy back on the shelf.
func TestSmokeSingleCopy(t *testing.T) {
	e := newSmokeEnv(t)
	e.addBook(t, "b1", 1)

	loan := e.checkout(t, "u1", "b1")
	if loan.Status != core.LoanBorrowed {
		t.Fatalf("loan status = %s", loan.Status)
	}

	resp := postJSON(t, e.url+"/api/loans", "u2", map[string]string{"book_id": "b1"})
	expectCode(t, resp, http.StatusConflict, "out_of_stock")

	resp = postJSON(t, e.url+"/api/reservations", "u2", map[string]string{"book_id": "b1"})
	expectStatus(t, resp, http.StatusCreated)
	res := decode[core.Reservation](t, resp)
	if res.Status != core.ReservationPending {
		t.Fatalf("reservation status = %s", res.Status)
	}

	e.clock.Advance(10 * 24 * time.Hour)
	resp = postJSON(t, e.url+"/api/loans/"+loan.ID+"/return", "u1", nil)
	expectStatus(t, resp, http.StatusOK)
	returned := decode[core.Loan](t, resp)
	if returned.Status != core.LoanReturned || !returned.FineAmount.IsZero() {
		t.Fatalf("returned = %s fine %s", returned.Status, returned.FineAmount)
	}

	book := decode[core.Book](t, getJSON(t, e.url+"/api/books/b1", "u1"))
	if book.AvailableCopies != 1 {
		t.Fatalf("available = %d, want 1", book.AvailableCopies)
	}
}

// TestSmokeOverdueThenReturn: the sweep a day past due sets a provisional
// fine and the final fine accrues until the actual return.
func TestSmokeOverdueThenReturn(t *testing.T) {
	e := newSmokeEnv(t)
	e.addBook(t, "b1", 1)
	loan := e.checkout(t, "u1", "b1")

	e.clock.Set(loan.DueAt.Add(24 * time.Hour))
	rep, err := e.app.Sweeper.RunOverdue(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Transitioned != 1 {
		t.Fatalf("transitioned = %d, want 1", rep.Transitioned)
	}

	got := decode[core.Loan](t, getJSON(t, e.url+"/api/loans/"+loan.ID, "u1"))
	if got.Status != core.LoanOverdue || !got.FineAmount.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("after sweep = %s fine %s", got.Status, got.FineAmount)
	}

	e.clock.Set(loan.DueAt.Add(3 * 24 * time.Hour))
	resp := postJSON(t, e.url+"/api/loans/"+loan.ID+"/return", "u1", nil)
	expectStatus(t, resp, http.StatusOK)
	got = decode[core.Loan](t, resp)
	if got.Status != core.LoanReturned || !got.FineAmount.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("after return = %s fine %s", got.Status, got.FineAmount)
	}

	notes := decode[struct {
		Unread int `json:"unread"`
	}](t, getJSON(t, e.url+"/api/notifications", "u1"))
	if notes.Unread != 1 {
		t.Fatalf("unread = %d, want 1", notes.Unread)
	}
}

// TestSmokeRenewOnce: a loan extends once; the second attempt is refused.
func TestSmokeRenewOnce(t *testing.T) {
	e := newSmokeEnv(t)
	e.addBook(t, "b1", 1)
	loan := e.checkout(t, "u1", "b1")

	resp := postJSON(t, e.url+"/api/loans/"+loan.ID+"/renew", "u1", nil)
	expectStatus(t, resp, http.StatusOK)
	renewed := decode[core.Loan](t, resp)
	if !renewed.Renewed || !renewed.DueAt.Equal(loan.DueAt.Add(30*24*time.Hour)) {
		t.Fatalf("renewed = %+v", renewed)
	}

	resp = postJSON(t, e.url+"/api/loans/"+loan.ID+"/renew", "u1", nil)
	expectCode(t, resp, http.StatusConflict, "already_renewed")
}

// TestSmokeBatchReturn: one already returned id fails on its own while the
// other loan is returned in full.
func TestSmokeBatchReturn(t *testing.T) {
	e := newSmokeEnv(t)
	e.addBook(t, "b1", 1)
	e.addBook(t, "b2", 1)
	l1 := e.checkout(t, "u1", "b1")
	l2 := e.checkout(t, "u1", "b2")

	resp := postJSON(t, e.url+"/api/loans/"+l2.ID+"/return", "u1", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = postJSON(t, e.url+"/api/loans/batch-return", librarian, map[string]any{"loan_ids": []string{l1.ID, l2.ID}})
	expectStatus(t, resp, http.StatusOK)
	result := decode[lending.BatchResult](t, resp)
	if result.ReturnedCount != 1 || len(result.Errors) != 1 {
		t.Fatalf("batch = %+v", result)
	}

	got := decode[core.Loan](t, getJSON(t, e.url+"/api/loans/"+l1.ID, "u1"))
	if got.Status != core.LoanReturned || got.ReturnedAt == nil {
		t.Fatalf("l1 = %+v", got)
	}
	book := decode[core.Book](t, getJSON(t, e.url+"/api/books/b1", "u1"))
	if book.AvailableCopies != 1 {
		t.Fatalf("b1 available = %d, want 1", book.AvailableCopies)
	}
}
