// Package client is a Go client for the circulate HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Identity headers honoured by servers that allow localhost callers.
const (
	headerUser = "X-Circulate-User"
	headerRole = "X-Circulate-Role"
	roleAdmin  = "admin"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	// User and Admin name the caller on localhost deployments that accept
	// identity headers instead of keys.
	User  string
	Admin bool
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

// WithUser sets the identity headers sent on every request.
func WithUser(user string, admin bool) Option {
	return func(c *Client) {
		c.User = strings.TrimSpace(user)
		c.Admin = admin
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("circulate: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("circulate: %d %s: %s", e.Status, e.Code, e.Message)
}

// ErrorCode returns the server error code carried by err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// ListOptions filters and pages list calls. Zero values use server defaults.
type ListOptions struct {
	Statuses []string
	Page     int
	PerPage  int
	// User narrows admin loan listings; Book narrows admin reservation
	// listings.
	User string
	Book string
}

func (o ListOptions) query() string {
	v := url.Values{}
	if len(o.Statuses) > 0 {
		v.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Page > 0 {
		v.Set("page", strconv.Itoa(o.Page))
	}
	if o.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(o.PerPage))
	}
	if o.User != "" {
		v.Set("user", o.User)
	}
	if o.Book != "" {
		v.Set("book", o.Book)
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func (c *Client) Checkout(ctx context.Context, bookID string) (Loan, error) {
	var out Loan
	err := c.do(ctx, http.MethodPost, "/api/loans", map[string]string{"book_id": bookID}, &out)
	return out, err
}

func (c *Client) Return(ctx context.Context, loanID string) (Loan, error) {
	var out Loan
	err := c.do(ctx, http.MethodPost, "/api/loans/"+url.PathEscape(loanID)+"/return", nil, &out)
	return out, err
}

func (c *Client) Renew(ctx context.Context, loanID string) (Loan, error) {
	var out Loan
	err := c.do(ctx, http.MethodPost, "/api/loans/"+url.PathEscape(loanID)+"/renew", nil, &out)
	return out, err
}

func (c *Client) GetLoan(ctx context.Context, loanID string) (Loan, error) {
	var out Loan
	err := c.do(ctx, http.MethodGet, "/api/loans/"+url.PathEscape(loanID), nil, &out)
	return out, err
}

func (c *Client) BatchReturn(ctx context.Context, loanIDs []string) (BatchResult, error) {
	var out BatchResult
	err := c.do(ctx, http.MethodPost, "/api/loans/batch-return", map[string][]string{"loan_ids": loanIDs}, &out)
	return out, err
}

func (c *Client) MyLoans(ctx context.Context, opts ListOptions) (LoanPage, error) {
	var out LoanPage
	err := c.do(ctx, http.MethodGet, "/api/loans"+opts.query(), nil, &out)
	return out, err
}

func (c *Client) AllLoans(ctx context.Context, opts ListOptions) (LoanPage, error) {
	var out LoanPage
	err := c.do(ctx, http.MethodGet, "/api/loans/all"+opts.query(), nil, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (LoanStats, error) {
	var out LoanStats
	err := c.do(ctx, http.MethodGet, "/api/loans/stats", nil, &out)
	return out, err
}

func (c *Client) Reserve(ctx context.Context, bookID string) (Reservation, error) {
	var out Reservation
	err := c.do(ctx, http.MethodPost, "/api/reservations", map[string]string{"book_id": bookID}, &out)
	return out, err
}

func (c *Client) CancelReservation(ctx context.Context, id string) (Reservation, error) {
	var out Reservation
	err := c.do(ctx, http.MethodDelete, "/api/reservations/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) FulfillReservation(ctx context.Context, id string) (Reservation, error) {
	var out Reservation
	err := c.do(ctx, http.MethodPost, "/api/reservations/"+url.PathEscape(id)+"/fulfill", nil, &out)
	return out, err
}

func (c *Client) MyReservations(ctx context.Context, opts ListOptions) (ReservationPage, error) {
	var out ReservationPage
	err := c.do(ctx, http.MethodGet, "/api/reservations"+opts.query(), nil, &out)
	return out, err
}

func (c *Client) AllReservations(ctx context.Context, opts ListOptions) (ReservationPage, error) {
	var out ReservationPage
	err := c.do(ctx, http.MethodGet, "/api/reservations/all"+opts.query(), nil, &out)
	return out, err
}

func (c *Client) Notifications(ctx context.Context, unreadOnly bool, opts ListOptions) (NotificationPage, error) {
	q := opts.query()
	if unreadOnly {
		if q == "" {
			q = "?unread=true"
		} else {
			q += "&unread=true"
		}
	}
	var out NotificationPage
	err := c.do(ctx, http.MethodGet, "/api/notifications"+q, nil, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, notificationID string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(notificationID)+"/read", nil, nil)
}

func (c *Client) DeleteNotification(ctx context.Context, notificationID string) error {
	return c.do(ctx, http.MethodDelete, "/api/notifications/"+url.PathEscape(notificationID), nil, nil)
}

func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	var out struct {
		Marked int `json:"marked"`
	}
	err := c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, &out)
	return out.Marked, err
}

func (c *Client) RegisterBook(ctx context.Context, id, title string, copies int) (Book, error) {
	var out Book
	err := c.do(ctx, http.MethodPost, "/api/books", map[string]any{"id": id, "title": title, "copies": copies}, &out)
	return out, err
}

func (c *Client) GetBook(ctx context.Context, id string) (Book, error) {
	var out Book
	err := c.do(ctx, http.MethodGet, "/api/books/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ResizeBook(ctx context.Context, id string, total int) (Book, error) {
	var out Book
	err := c.do(ctx, http.MethodPut, "/api/books/"+url.PathEscape(id)+"/copies", map[string]int{"total_copies": total}, &out)
	return out, err
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	if apiErr.Code == "" {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	}
	return apiErr
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.User != "" {
		req.Header.Set(headerUser, c.User)
		if c.Admin {
			req.Header.Set(headerRole, roleAdmin)
		}
	}
}
