// Package transport implements the transport façade: one state machine
// {CONNECTING, CONNECTED, DISCONNECTED} presented over two backends — a
// native backend dialing raw QUIC (github.com/quic-go/quic-go), and a
// browser backend dialing a WebTransport session
// (github.com/quic-go/webtransport-go) whose unreliable datagrams are
// carried through the reliability overlay.
package transport

import (
	"context"
	"errors"
	"time"
)

// State is the three-valued connection state shared by both backends.
type State int32

const (
	Connecting State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Kind selects which backend a Session should use for a given join. Unlike
// the original C implementation, which picked a backend at compile time via
// an __EMSCRIPTEN__ build tag, this module resolves it at construction time
// through Configuration — one binary links both.
type Kind int

const (
	Native Kind = iota
	Browser
)

// Logger is the shared single-method logging hook used across this module.
type Logger interface {
	Logf(format string, args ...any)
}

// Backend is the capability interface Design Note "Two-backend transport"
// calls for: {init, update, state, recv, send, cleanup}, polymorphic over
// the two concrete implementations.
type Backend interface {
	Init(ctx context.Context, configBytes []byte, insecureTLS bool) error
	Update(now time.Time)
	State() State
	Recv() ([]byte, bool)
	Send(payload []byte, reliable bool) error
	Cleanup()
	// MaxMessageSize is the size ceiling this backend advertises to callers:
	// 4400 bytes native, 4000 bytes browser.
	MaxMessageSize() int
}

// New constructs the Backend implementation for kind.
func New(kind Kind, logger Logger) Backend {
	if kind == Browser {
		return newBrowserBackend(logger)
	}
	return newNativeBackend(logger)
}

var errNotConnected = errors.New("transport: send before a connection is established")
