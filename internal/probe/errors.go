package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a failed origin call.
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindNetwork   ErrorKind = "network"
	KindTimeout   ErrorKind = "timeout"
	KindDenied    ErrorKind = "denied"
	KindMalformed ErrorKind = "malformed"
	KindServer    ErrorKind = "server"
)

var (
	ErrNetwork           = errors.New("network failure")
	ErrTimeout           = errors.New("probe timed out")
	ErrDenied            = errors.New("authorization denied")
	ErrMalformedResponse = errors.New("malformed response")
	ErrServer            = errors.New("origin server error")
)

var kindSentinels = map[ErrorKind]error{
	KindNetwork:   ErrNetwork,
	KindTimeout:   ErrTimeout,
	KindDenied:    ErrDenied,
	KindMalformed: ErrMalformedResponse,
	KindServer:    ErrServer,
}

// Error is a classified origin failure. It matches the kind's sentinel via
// errors.Is and unwraps to the underlying transport error, if any.
type Error struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s (status %d): %v", kindSentinels[e.Kind], e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", kindSentinels[e.Kind], e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s (status %d)", kindSentinels[e.Kind], e.Status)
	default:
		return kindSentinels[e.Kind].Error()
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	return kindSentinels[e.Kind] == target
}

// NewError builds a classified error.
func NewError(kind ErrorKind, status int, err error) error {
	return &Error{Kind: kind, Status: status, Err: err}
}

// Classify maps a transport result onto the error taxonomy. A nil return
// means a 2xx response carrying structured data.
func Classify(resp Response, err error) error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, Err: err}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &Error{Kind: KindTimeout, Err: err}
		}
		return &Error{Kind: KindNetwork, Err: err}
	}

	switch {
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return &Error{Kind: KindDenied, Status: resp.Status}
	case resp.Status < 200 || resp.Status > 299:
		return &Error{Kind: KindServer, Status: resp.Status}
	case !resp.IsJSON():
		return &Error{Kind: KindMalformed, Status: resp.Status, Err: fmt.Errorf("unexpected content type %q", resp.ContentType)}
	}
	return nil
}

// KindOf extracts the classification from err; KindNone for nil, and
// KindNetwork for unclassified errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

// IsDenied reports whether err is an authorization rejection.
func IsDenied(err error) bool {
	return errors.Is(err, ErrDenied)
}

// StatusOf returns the HTTP status recorded on a classified error, or 0.
func StatusOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}
