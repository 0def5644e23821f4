package session

import (
	"errors"
	"fmt"

	"github.com/shehryarbajwa/browserplane/internal/command"
)

// Kind classifies a failed session operation
type Kind string

const (
	KindLaunchFailure      Kind = "launch_failure"
	KindSessionNotFound    Kind = "session_not_found"
	KindUnsupportedCommand Kind = "unsupported_command"
	KindInvalidParams      Kind = "invalid_params"
	KindEngineError        Kind = "engine_error"
	KindTimeout            Kind = "timeout"
	KindTransportBroken    Kind = "transport_broken"
	KindInvalidRequest     Kind = "invalid_request"
	KindConcurrencyLimit   Kind = "concurrency_limit"
	KindShuttingDown       Kind = "shutting_down"
)

var (
	ErrLaunchFailure      = errors.New("engine launch failed")
	ErrSessionNotFound    = errors.New("session not found")
	ErrUnsupportedCommand = command.ErrUnsupportedCommand
	ErrInvalidParams      = command.ErrInvalidParams
	ErrEngine             = errors.New("engine error")
	ErrCommandTimeout     = errors.New("command timed out")
	ErrTransportBroken    = errors.New("engine connection lost")
	ErrInvalidRequest     = errors.New("invalid session request")
	ErrConcurrencyLimit   = errors.New("project concurrency limit reached")
	ErrShuttingDown       = errors.New("session manager is shutting down")
)

var sentinels = map[Kind][]error{
	KindLaunchFailure:      {ErrLaunchFailure},
	KindSessionNotFound:    {ErrSessionNotFound},
	KindUnsupportedCommand: {ErrUnsupportedCommand},
	KindInvalidParams:      {ErrInvalidParams},
	KindEngineError:        {ErrEngine},
	KindTimeout:            {ErrCommandTimeout, ErrEngine},
	KindTransportBroken:    {ErrTransportBroken},
	KindInvalidRequest:     {ErrInvalidRequest},
	KindConcurrencyLimit:   {ErrConcurrencyLimit},
	KindShuttingDown:       {ErrShuttingDown},
}

// Error is returned by every Manager operation that fails. errors.Is matches
// both the kind's sentinel and the underlying cause.
type Error struct {
	Kind      Kind
	SessionID string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	var base error
	if s := sentinels[e.Kind]; len(s) > 0 {
		base = s[0]
		msg = base.Error()
	}
	if e.Err != nil {
		if base != nil && errors.Is(e.Err, base) {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	if e.SessionID != "" {
		msg = fmt.Sprintf("session %s: %s", e.SessionID, msg)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := append([]error(nil), sentinels[e.Kind]...)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether the same request may succeed if sent again.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindLaunchFailure, KindEngineError, KindTimeout, KindConcurrencyLimit:
		return true
	}
	return false
}

func newError(kind Kind, id string, err error) *Error {
	return &Error{Kind: kind, SessionID: id, Err: err}
}

// KindOf returns the Kind carried by err, or "" when err is not a session
// error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
