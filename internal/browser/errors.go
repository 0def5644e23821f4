package browser

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	ErrHandleReleased  = errors.New("engine handle released")
	ErrHandleNotReady  = errors.New("engine handle not ready")
	ErrNotReady        = errors.New("engine did not become ready")
	ErrUnknownBackend  = errors.New("unknown engine backend")
	ErrElementNotFound = errors.New("no element matches selector")
	ErrNoSuchTab       = errors.New("no such tab")
	ErrLastTab         = errors.New("cannot close the last tab")
)

// IsTransportError reports whether err means the channel to the engine is
// gone, as opposed to the engine rejecting a single call. A CDP "session not
// found" only means one tab went away, so it is left to Engine.Ping.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "websocket: close")
}
