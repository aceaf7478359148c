package shared

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidSymbol is returned when a provider explicitly rejects a symbol.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrRateLimited is returned when a provider quota or the local limiter trips.
	ErrRateLimited = errors.New("rate limited")
	// ErrNoData is returned for empty or malformed provider payloads.
	ErrNoData = errors.New("no data")
	// ErrNetworkFailure is returned for transport level failures.
	ErrNetworkFailure = errors.New("network failure")
	// ErrQuoteUnavailable is returned when neither live nor demo data exists for a symbol.
	ErrQuoteUnavailable = errors.New("quote unavailable")
)

// FetchError represents a classified market data fetch failure.
type FetchError struct {
	Kind    error
	Symbol  string
	Message string
	Cause   error
}

// NewFetchError initializes a new fetch error.
func NewFetchError(kind error, symbol string, message string, cause error) *FetchError {
	return &FetchError{
		Kind:    kind,
		Symbol:  symbol,
		Message: message,
		Cause:   cause,
	}
}

// Error returns the error string.
func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v for %s: %s: %v", e.Kind, e.Symbol, e.Message, e.Cause)
	}

	return fmt.Sprintf("%v for %s: %s", e.Kind, e.Symbol, e.Message)
}

// Unwrap exposes the error kind and cause for errors.Is matching.
func (e *FetchError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}

	return errs
}

// RateLimitError is returned by the local limiter when the request budget is spent.
type RateLimitError struct {
	// RetryAfter is the remaining wait before the budget resets.
	RetryAfter time.Duration
}

// Error returns the error string.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit: please wait %d seconds before making more requests", e.RetryAfterSeconds())
}

// RetryAfterSeconds returns the remaining wait in whole seconds, rounded up.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := e.RetryAfter / time.Second
	if e.RetryAfter%time.Second != 0 {
		secs++
	}

	return int(secs)
}

// Is matches the rate limited error kind.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// ErrorKind returns the taxonomy kind of the provided error, or nil if the error
// is not classified.
func ErrorKind(err error) error {
	for _, kind := range []error{ErrQuoteUnavailable, ErrInvalidSymbol, ErrRateLimited, ErrNoData, ErrNetworkFailure} {
		if errors.Is(err, kind) {
			return kind
		}
	}

	return nil
}
