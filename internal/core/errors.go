package core

import (
	"errors"
	"fmt"
)

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindPermission Kind = "permission"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Error is a domain error. Reason narrows Kind to a specific rule that was
// violated; errors.Is against a sentinel compares Kind and, when the sentinel
// has one, Reason.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Reason != "" {
		return e.Reason
	}
	return string(e.Kind)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Withf returns a copy of the sentinel carrying a specific message.
func (e *Error) Withf(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Reason: e.Reason, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrForbidden  = &Error{Kind: KindPermission}
	ErrConflict   = &Error{Kind: KindConflict}

	ErrOutOfStock         = &Error{Kind: KindConflict, Reason: "out_of_stock", Message: "no copies available"}
	ErrTooManyActiveLoans = &Error{Kind: KindConflict, Reason: "too_many_active_loans", Message: "active loan limit reached"}
	ErrHasOverdueLoans    = &Error{Kind: KindConflict, Reason: "has_overdue_loans", Message: "user has overdue loans"}
	ErrAlreadyReturned    = &Error{Kind: KindConflict, Reason: "already_returned", Message: "loan already returned"}
	ErrAlreadyRenewed     = &Error{Kind: KindConflict, Reason: "already_renewed", Message: "loan already renewed"}
	ErrNotBorrowed        = &Error{Kind: KindConflict, Reason: "not_borrowed", Message: "loan is not in borrowed state"}
	ErrDuplicatePending   = &Error{Kind: KindConflict, Reason: "duplicate_pending", Message: "a pending reservation already exists"}
	ErrNotPending         = &Error{Kind: KindConflict, Reason: "not_pending", Message: "reservation is not pending"}
	ErrExpired            = &Error{Kind: KindConflict, Reason: "expired", Message: "reservation expired"}
	ErrStillAvailable     = &Error{Kind: KindConflict, Reason: "still_available", Message: "book has available copies"}
)

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Reason: "invalid", Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Reason: "not_found", Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Reason: "forbidden", Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindInternal for anything that is not a
// domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the rule name of a domain error, or "internal".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return string(KindOf(err))
}

// IsDomainError reports whether err is a business rule outcome rather than an
// infrastructure failure.
func IsDomainError(err error) bool {
	return err != nil && KindOf(err) != KindInternal
}
