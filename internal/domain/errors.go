package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how the caller is expected to recover.
type ErrorKind int

const (
	// KindTimeout means the peer did not reply in time; recover by refreshing the channel.
	KindTimeout ErrorKind = iota + 1
	// KindTransport is a connection-level failure; recover by reconnecting.
	KindTransport
	// KindMalformedPayload is an unparseable message; recover by replying "bad".
	KindMalformedPayload
	// KindConfiguration aborts startup.
	KindConfiguration
	// KindBackendUnavailable is a failed storage or estimator collaborator.
	KindBackendUnavailable
	// KindLockStepViolation is a programming error against the request/reply discipline.
	KindLockStepViolation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindMalformedPayload:
		return "malformed_payload"
	case KindConfiguration:
		return "configuration"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindLockStepViolation:
		return "lockstep_violation"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Any *Error of the same kind matches them.
var (
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrTransport          = &Error{Kind: KindTransport}
	ErrMalformedPayload   = &Error{Kind: KindMalformedPayload}
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrLockStepViolation  = &Error{Kind: KindLockStepViolation}
)

// Error is a classified failure raised by one operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsKind reports whether err carries a classified error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

func newError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Timeout(op string, err error) error   { return newError(KindTimeout, op, err) }
func Transport(op string, err error) error { return newError(KindTransport, op, err) }
func Malformed(op string, err error) error { return newError(KindMalformedPayload, op, err) }
func Config(op string, err error) error    { return newError(KindConfiguration, op, err) }
func Backend(op string, err error) error   { return newError(KindBackendUnavailable, op, err) }
func LockStep(op string, err error) error  { return newError(KindLockStepViolation, op, err) }
