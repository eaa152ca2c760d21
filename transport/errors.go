package transport

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrAuthExpired marks errors caused by an authorization failure that
// outlived the single refresh-and-replay attempt. Test with errors.Is.
var ErrAuthExpired = errors.New("transport: authorization expired")

// ErrValidation marks request-shape errors reported by the server. These
// are never retried.
var ErrValidation = errors.New("transport: request rejected as invalid")

// Error carries the HTTP-level context of a failed request. The raw body is
// preserved so callers can surface server detail, but adapters only ever
// depend on Status.
type Error struct {
	URL    string
	Method string
	Status int
	Body   string
	cause  error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s %s failed with status %d", e.Method, e.URL, e.Status)
	}
	return e.cause.Error()
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(url, method string, status int, body string, cause error) *Error {
	return &Error{
		URL:    url,
		Method: method,
		Status: status,
		Body:   body,
		cause:  cause,
	}
}
