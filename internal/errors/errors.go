// Package errors provides the error taxonomy shared by the scanner components.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrAuthExpired      = errors.New("authentication expired")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrRateLimited      = errors.New("rate limited")
	ErrProvider         = errors.New("provider error")
	ErrParse            = errors.New("parse error")
	ErrStorage          = errors.New("storage error")
	ErrNoSources        = errors.New("all discovery sources failed")
	ErrAlreadyRunning   = errors.New("scanner already running")
	ErrNotRunning       = errors.New("scanner not running")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrDataNotFound     = errors.New("data not found")
)

// ProviderError represents a failed call into an upstream data provider.
type ProviderError struct {
	Provider   string
	Op         string
	Symbol     string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider error [%s] %s", e.Provider, e.Op)
	if e.Symbol != "" {
		msg += " " + e.Symbol
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is makes every ProviderError match ErrProvider.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, op, symbol string, statusCode int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Op:         op,
		Symbol:     symbol,
		StatusCode: statusCode,
		Err:        err,
	}
}

// ParseError represents a malformed provider payload.
type ParseError struct {
	Provider string
	Field    string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error [%s] %s: %v", e.Provider, e.Field, e.Err)
	}
	return fmt.Sprintf("parse error [%s] %s", e.Provider, e.Field)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// NewParseError creates a new ParseError.
func NewParseError(provider, field string, err error) *ParseError {
	return &ParseError{
		Provider: provider,
		Field:    field,
		Err:      err,
	}
}

// StorageError represents a persistence failure.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage error [%s] %s: %v", e.Table, e.Op, e.Err)
	}
	return fmt.Sprintf("storage error [%s] %s", e.Table, e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// NewStorageError creates a new StorageError.
func NewStorageError(op, table string, err error) *StorageError {
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Kind values used as the "error_kind" log field.
const (
	KindAuthExpired = "auth_expired"
	KindRateLimited = "rate_limited"
	KindProvider    = "provider"
	KindParse       = "parse"
	KindStorage     = "storage"
	KindCanceled    = "canceled"
	KindUnknown     = "unknown"
)

// Kind classifies err into one of the taxonomy kinds.
// Order matters: a rate-limited provider call is reported as rate_limited.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthExpired), errors.Is(err, ErrNotAuthenticated):
		return KindAuthExpired
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrProvider):
		return KindProvider
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join combines errors, dropping nils.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
