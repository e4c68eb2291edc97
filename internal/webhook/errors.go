package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sony/gobreaker"
)

// TransportError is returned when no HTTP response was received.
type TransportError struct {
	// URL is sanitized and safe to log.
	URL   string
	Cause error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 3)
	parts = append(parts, "webhook transport error")
	if e.URL != "" {
		parts = append(parts, e.URL)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrCircuitOpen is wrapped when the destination's circuit breaker rejected
// the request before anything was sent.
var ErrCircuitOpen = errors.New("circuit open")

// IsCircuitOpen reports whether the attempt was rejected by the destination's
// circuit breaker without touching the network.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Describe renders err as a short message for a delivery record.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case IsCircuitOpen(err):
		return "circuit open: destination temporarily disabled after repeated failures"
	case IsTimeout(err):
		return "network error: request timed out"
	case errors.Is(err, context.Canceled):
		return "network error: request cancelled"
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) && transportErr.Cause != nil {
		return fmt.Sprintf("network error: %s", transportErr.Cause.Error())
	}
	return fmt.Sprintf("network error: %s", err.Error())
}
