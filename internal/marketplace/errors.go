package marketplace

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthRequired is returned when a call needs a session that was never established.
	ErrAuthRequired = errors.New("marketplace authentication required")
	// ErrRemoteRejected is returned when a state-changing endpoint answers non-2xx.
	ErrRemoteRejected = errors.New("marketplace rejected request")
	// ErrRemoteUnavailable covers transport failures and unusable read responses.
	ErrRemoteUnavailable = errors.New("marketplace unavailable")
	// ErrMalformedResponse is returned when a page or payload has an unexpected shape.
	ErrMalformedResponse = errors.New("malformed marketplace response")

	errMissingToken = errors.New("no anti-forgery token on page")
)

// RemoteError carries the context of a failed marketplace call. It matches
// its Kind sentinel and its cause with errors.Is.
type RemoteError struct {
	Kind       error
	Op         string
	StatusCode int
	URL        string
	Err        error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " [%s]", e.URL)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *RemoteError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func remoteError(kind error, op, url string, statusCode int, err error) *RemoteError {
	return &RemoteError{Kind: kind, Op: op, StatusCode: statusCode, URL: url, Err: err}
}

func malformed(op, url string, format string, args ...any) *RemoteError {
	return remoteError(ErrMalformedResponse, op, url, 0, fmt.Errorf(format, args...))
}
