// Package errors provides the runtime's unified error taxonomy.
//
// Every error an Adapter or Executor returns is one of the categories below.
// A category carries an HTTP status (for the inbound HTTP surface) and a
// Retryable() verdict the Retry Coordinator uses for classification —
// without needing a second, parallel table of "which errors may be retried".
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Category is one of the taxonomy buckets errors are classified into.
type Category string

const (
	CategoryTransientRPC      Category = "TransientRPC"
	CategoryOnChainTerminal   Category = "OnChainTerminal"
	CategorySlippageTransient Category = "SlippageTransient"
	CategoryValidation        Category = "ValidationError"
	CategoryNotFound          Category = "NotFound"
	CategoryUnauthorized      Category = "Unauthorized"
	CategoryInternal          Category = "Internal"
)

// retryableCategories holds the categories that are inherently retryable
// regardless of operation-type; the Retry Coordinator additionally narrows
// this per operation-type.
var retryableCategories = map[Category]bool{
	CategoryTransientRPC:      true,
	CategorySlippageTransient: true,
}

// RuntimeError is a classified error carrying an HTTP status and details map.
type RuntimeError struct {
	Category   Category               `json:"category"`
	Reason     string                 `json:"reason"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Reason, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Reason)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Retryable reports whether this category is retryable in isolation. The
// Retry Coordinator still consults its own per-operation-type table on top
// of this — an error can be inherently retryable yet excluded for a
// specific operation type.
func (e *RuntimeError) Retryable() bool {
	return retryableCategories[e.Category]
}

// WithDetails attaches a diagnostic field, returning e for chaining.
func (e *RuntimeError) WithDetails(key string, value interface{}) *RuntimeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(cat Category, reason string, httpStatus int) *RuntimeError {
	return &RuntimeError{Category: cat, Reason: reason, HTTPStatus: httpStatus}
}

func Wrap(cat Category, reason string, httpStatus int, err error) *RuntimeError {
	return &RuntimeError{Category: cat, Reason: reason, HTTPStatus: httpStatus, Err: err}
}

// Constructors, one per category.

func TransientRPC(op string, err error) *RuntimeError {
	return Wrap(CategoryTransientRPC, "transient RPC failure", http.StatusServiceUnavailable, err).
		WithDetails("operation", op)
}

func OnChainTerminal(op string, err error) *RuntimeError {
	return Wrap(CategoryOnChainTerminal, "on-chain operation failed terminally", http.StatusUnprocessableEntity, err).
		WithDetails("operation", op)
}

func SlippageTransient(op string, quotedMinOut, observedOut string) *RuntimeError {
	return New(CategorySlippageTransient, "swap route expired or slippage exceeded", http.StatusConflict).
		WithDetails("operation", op).
		WithDetails("quoted_min_out", quotedMinOut).
		WithDetails("observed_out", observedOut)
}

func Validation(field, reason string) *RuntimeError {
	return New(CategoryValidation, "validation failed", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func NotFound(resource, id string) *RuntimeError {
	return New(CategoryNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

func Unauthorized(reason string) *RuntimeError {
	return New(CategoryUnauthorized, reason, http.StatusUnauthorized)
}

func Internal(reason string, err error) *RuntimeError {
	return Wrap(CategoryInternal, reason, http.StatusInternalServerError, err)
}

// InvalidStateTransition is a Validation error specialized for the Strategy
// Manager's lifecycle transitions.
func InvalidStateTransition(from, to string) *RuntimeError {
	return New(CategoryValidation, "invalid state transition", http.StatusConflict).
		WithDetails("from", from).
		WithDetails("to", to)
}

// As is a thin re-export of errors.As so callers don't need a second import
// for the common case of recovering a *RuntimeError from a wrapped chain.
func As(err error, target **RuntimeError) bool {
	return errors.As(err, target)
}
