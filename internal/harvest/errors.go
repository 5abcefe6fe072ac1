package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors shared by services and mapped to HTTP statuses by the API.
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExhausted    = errors.New("attempts exhausted")
)

// FetchCategory classifies an upstream fetch failure. The value doubles as the
// log action recorded for the failure.
type FetchCategory string

// Fetch failure categories.
const (
	CategoryTimeout FetchCategory = LogActionTimeout
	CategoryDNS     FetchCategory = LogActionDNS
	CategoryNetwork FetchCategory = LogActionNetwork
	CategoryHTTP4xx FetchCategory = LogActionHTTP4xx
	CategoryHTTP5xx FetchCategory = LogActionHTTP5xx
	CategoryStorage FetchCategory = LogActionStorage
)

// FetchError describes a failed robots or page fetch. It is recorded on jobs
// and logs and never returned to API callers.
type FetchError struct {
	URL        string
	StatusCode int
	Category   FetchCategory
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Category, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Category, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Category)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient reports whether another attempt may succeed.
func (e *FetchError) Transient() bool {
	switch e.Category {
	case CategoryTimeout, CategoryNetwork, CategoryHTTP5xx:
		return true
	case CategoryHTTP4xx:
		return e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// NewStatusError builds a FetchError from a non-2xx response status.
func NewStatusError(rawURL string, status int) *FetchError {
	category := CategoryHTTP4xx
	if status >= http.StatusInternalServerError {
		category = CategoryHTTP5xx
	}
	return &FetchError{URL: rawURL, StatusCode: status, Category: category}
}

// ClassifyFetchError wraps a transport error with its category.
func ClassifyFetchError(rawURL string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	out := &FetchError{URL: rawURL, Category: CategoryNetwork, Err: err}
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Category = CategoryTimeout
	case errors.As(err, &dnsErr):
		out.Category = CategoryDNS
		if dnsErr.IsTimeout {
			out.Category = CategoryTimeout
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		out.Category = CategoryTimeout
	}
	return out
}
