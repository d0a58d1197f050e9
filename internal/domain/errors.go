package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// Kind classifies settlement failures.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindAuthorization     Kind = "authorization"
	KindState             Kind = "state"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindCustody           Kind = "custody"
)

var (
	// ErrValidation is matched by every bad price/amount error.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is matched when a listing, bid or escrow record is unknown.
	ErrNotFound = errors.New("not found")

	// ErrAuthorization is matched when the caller lacks the required role.
	ErrAuthorization = errors.New("unauthorized")

	// ErrState is matched when the operation is invalid for the current state. Re-fetch, then retry.
	ErrState = errors.New("invalid state")

	// ErrInsufficientFunds is matched when a ledger debit would overdraw the account.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrCustody is matched on internal consistency violations. Never ignore it.
	ErrCustody = errors.New("custody violation")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindAuthorization:
		return ErrAuthorization
	case KindState:
		return ErrState
	case KindInsufficientFunds:
		return ErrInsufficientFunds
	case KindCustody:
		return ErrCustody
	default:
		return nil
	}
}

// Error is the typed error returned by every settlement component.
type Error struct {
	Kind Kind
	Op   string // Operation that failed (e.g., "buyItem", "vault.lock")
	Msg  string
	Err  error // Underlying error, may be nil
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the kind sentinels.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// IsRetriable is true only for state conflicts.
func (e *Error) IsRetriable() bool {
	return e.Kind == KindState
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NewValidationError reports a bad price or amount.
func NewValidationError(op, format string, args ...any) *Error {
	return newError(KindValidation, op, format, args...)
}

// NewNotFoundError reports an unknown listing, bid or escrow record.
func NewNotFoundError(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, format, args...)
}

// NewAuthorizationError reports a caller lacking the required role.
func NewAuthorizationError(op, format string, args ...any) *Error {
	return newError(KindAuthorization, op, format, args...)
}

// NewStateError reports an operation that has no transition from the current state.
func NewStateError(op, format string, args ...any) *Error {
	return newError(KindState, op, format, args...)
}

// NewInsufficientFundsError reports a debit that would overdraw an account.
func NewInsufficientFundsError(op, format string, args ...any) *Error {
	return newError(KindInsufficientFunds, op, format, args...)
}

// NewCustodyError reports a consistency violation. cause may be nil.
func NewCustodyError(op string, cause error, format string, args ...any) *Error {
	e := newError(KindCustody, op, format, args...)
	e.Err = cause
	return e
}

// KindOf returns the kind of a settlement error, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether err is a custody violation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCustody)
}
