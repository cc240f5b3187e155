package stage

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrStageTimeout     = errors.New("stage timeout")
	ErrStageRejected    = errors.New("stage rejected")
	ErrStageUnavailable = errors.New("stage unavailable")
)

// Kind classifies a terminal stage failure.
type Kind int

const (
	KindTimeout Kind = iota + 1
	KindRejected
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrStageTimeout
	case KindRejected:
		return ErrStageRejected
	default:
		return ErrStageUnavailable
	}
}

// Error is returned by Client.Invoke when a stage gives up. It matches the
// sentinel for its Kind and the last underlying cause with errors.Is.
// Exhausted transient retries are KindUnavailable and also match
// ErrStageTimeout, so callers handling the timeout class see them.
type Error struct {
	Stage         string
	Kind          Kind
	Attempts      int
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s after %d attempt(s): %v", e.Stage, e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Kind == KindUnavailable {
		return []error{ErrStageUnavailable, ErrStageTimeout, e.Err}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// StatusError reports a non-2xx response from an HTTP-style backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

type rejection struct{ err error }

func (r *rejection) Error() string { return r.err.Error() }
func (r *rejection) Unwrap() error { return r.err }

// Reject marks err as non-transient, e.g. a malformed response body.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &rejection{err: err}
}

// Transient reports whether a failed attempt is worth retrying: connection
// failures, timeouts, 5xx, 408 and 429. Client errors, rejected payloads and
// cancellation are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var rej *rejection
	if errors.As(err, &rej) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500 || status.Code == 429 || status.Code == 408
	}
	// Connection failures, timeouts and unclassified backend errors such as
	// a crashed exec command are retried.
	return !errors.Is(err, context.Canceled)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
