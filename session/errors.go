package session

import (
	"errors"
	"fmt"

	"github.com/firasghr/mimicry/pool"
)

var (
	// ErrTimeout is returned when the request deadline expires before the
	// final response has been read.
	ErrTimeout = errors.New("request timed out")

	// ErrTooManyRedirects is returned when following a redirect would exceed
	// the redirect limit. No request is sent for the offending hop.
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrRequestFailed is returned when the exchange broke after request
	// bytes reached the server, so the request was not retried.
	ErrRequestFailed = errors.New("request failed")

	// ErrClosed is returned by requests on a closed Session.
	ErrClosed = errors.New("session closed")
)

// Error describes a failed request. It unwraps to the sentinel (and cause)
// in Err.
type Error struct {
	Op     string
	Method string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session: %s %s %s: %v", e.Op, e.Method, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether retrying the same request later may succeed:
// the deadline expired or no connection was available.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, pool.ErrPoolExhausted)
}
