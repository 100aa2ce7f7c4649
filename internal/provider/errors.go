package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrorClass classifies provider failures for the fallback chain. Callers of
// the gateway never see raw transport errors; every failure against an
// upstream is folded into this taxonomy first.
type ErrorClass string

const (
	ClassTimeout     ErrorClass = "timeout"
	ClassAuth        ErrorClass = "auth_error"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassServer      ErrorClass = "server_error"
	ClassNetwork     ErrorClass = "network_error"
	ClassUnknown     ErrorClass = "unknown_provider_error"
)

// ClassifiedError wraps a provider error with its classification.
type ClassifiedError struct {
	Err        error
	Class      ErrorClass
	RetryAfter int // seconds, from Retry-After when rate limited
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// StatusError captures a non-200 HTTP status from a provider response.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records the Retry-After header value when it is a plain
// seconds count. HTTP-date forms are ignored.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}

// Classify folds a raw call error into the gateway's failure taxonomy.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Err: err, Class: ClassTimeout}
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 401 || se.StatusCode == 403:
			return &ClassifiedError{Err: err, Class: ClassAuth}
		case se.StatusCode == 429 || se.StatusCode == 529:
			return &ClassifiedError{Err: err, Class: ClassRateLimited, RetryAfter: se.RetryAfterSecs}
		case se.StatusCode >= 500:
			return &ClassifiedError{Err: err, Class: ClassServer}
		default:
			return &ClassifiedError{Err: err, Class: ClassUnknown}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ClassifiedError{Err: err, Class: ClassTimeout}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &ClassifiedError{Err: err, Class: ClassTimeout}
		}
		return &ClassifiedError{Err: err, Class: ClassNetwork}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &ClassifiedError{Err: err, Class: ClassNetwork}
	}

	return &ClassifiedError{Err: err, Class: ClassUnknown}
}
