package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Sentinel errors, one per documented Casambi status code. Callers classify
// responses with errors.Is.
var (
	ErrBadRequest       = errors.New("bad request, given parameters invalid")
	ErrUnauthorized     = errors.New("unauthorized, invalid API key or credentials")
	ErrNotEnabled       = errors.New("api not enabled or session attempted too soon after a failed one")
	ErrNotFound         = errors.New("requested data not found")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrInvalidSession   = errors.New("invalid session")
	ErrIntervalTooLong  = errors.New("retrieval interval is too long")
	ErrRateLimited      = errors.New("quota limits exceeded")
	ErrServer           = errors.New("server error")

	// ErrResponse is the base for status codes without a dedicated mapping.
	ErrResponse = errors.New("unexpected response")
)

var errByStatus = map[int]error{
	400: ErrBadRequest,
	401: ErrUnauthorized,
	403: ErrNotEnabled,
	404: ErrNotFound,
	405: ErrMethodNotAllowed,
	410: ErrInvalidSession,
	416: ErrIntervalTooLong,
	429: ErrRateLimited,
	500: ErrServer,
}

// Error is a non-2xx response from the Casambi API.
type Error struct {
	Status int
	Path   string
	err    error
}

func statusError(status int, path string) *Error {
	base, ok := errByStatus[status]
	if !ok {
		base = ErrResponse
	}
	return &Error{Status: status, Path: path, err: base}
}

func (e *Error) Error() string {
	return fmt.Sprintf("call %s received %d: %s", e.Path, e.Status, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// IsTimeout reports whether err is a request timeout, either from the HTTP
// client deadline or a context deadline.
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

// IsTransient reports whether err is worth retrying: timeouts, rate limits,
// and transport-level failures (refused connections, DNS errors). Status
// errors other than 429 are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
