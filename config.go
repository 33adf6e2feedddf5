package bkennet

import (
	"fmt"
	"strings"

	"bkennet/internal/transport"
)

// TransportKind selects which Backend a Session dials for join_game,
// resolved at construction time rather than at compile time (Design Note
// "Build-time vs runtime backend selection").
type TransportKind int

const (
	// TransportNative dials a raw QUIC connection directly.
	TransportNative TransportKind = iota
	// TransportBrowser dials a WebTransport session and rides the
	// reliability overlay over its datagrams.
	TransportBrowser
)

// Configuration parametrises a Session. Host is required; Path, Port, and
// Transport take the defaults documented below when left zero-valued.
type Configuration struct {
	Host        string
	Path        string // default "/"
	Port        int    // default 443
	InsecureTLS bool
	Logger      Logger
	Transport   TransportKind // default TransportNative
}

// normalized is the validated, defaulted form of Configuration used
// internally once New has accepted it.
type normalized struct {
	host        string
	path        string
	port        int
	insecureTLS bool
	logger      Logger
	transport   TransportKind
}

// normalize validates cfg the same defensive way host:port addresses are
// normalized elsewhere in this codebase: trim, default, range-check, and
// return a descriptive error rather than panicking.
func (cfg Configuration) normalize() (normalized, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return normalized{}, ErrHostRequired
	}

	path := cfg.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.TrimSuffix(path, "/")

	port := cfg.Port
	if port == 0 {
		port = 443
	}
	if port < 1 || port > 65535 {
		return normalized{}, ErrInvalidPort
	}

	return normalized{
		host:        host,
		path:        path,
		port:        port,
		insecureTLS: cfg.InsecureTLS,
		logger:      cfg.Logger,
		transport:   cfg.Transport,
	}, nil
}

// baseURL is the scheme://host:port plus the configured path (with no
// trailing slash) that every HTTP call in §6's contract is built from.
func (n normalized) baseURL() string {
	return fmt.Sprintf("https://%s:%d%s", n.host, n.port, n.path)
}

func (n normalized) transportBackendKind() transport.Kind {
	if n.transport == TransportBrowser {
		return transport.Browser
	}
	return transport.Native
}

func (n normalized) transportQueryParam() string {
	if n.transport == TransportBrowser {
		return "webtransport"
	}
	return "quic"
}
