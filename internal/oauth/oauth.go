// Package oauth implements the loopback-listener OAuth sub-module: it opens
// an ephemeral local HTTP port, sends the host's browser there via an
// external login URL, and waits for the provider's redirect carrying the
// resulting credential.
//
// The listener is an Echo server, matching the rest of this dependency
// pool's choice of Echo for small embedded HTTP surfaces; opening the
// browser is delegated to github.com/pkg/browser, the one third-party
// "open a URL in the OS's browser" primitive in the reachable ecosystem.
package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/browser"
)

// Status mirrors the three states the session engine's auth task polls for.
type Status int

const (
	Pending Status = iota
	Success
	Failed
)

const maxDataBytes = 1023

// Config parametrises one OAuth attempt.
type Config struct {
	StartURL string
	EndURL   string
}

// Logger is the shared single-method logging hook used across this module.
type Logger interface {
	Logf(format string, args ...any)
}

// Handle is one in-flight loopback OAuth attempt.
type Handle struct {
	echo     *echo.Echo
	listener net.Listener
	logger   Logger

	mu     sync.Mutex
	status Status
	data   []byte
}

// Begin starts the loopback listener, opens the host browser to
// cfg.StartURL with an ?origin= query parameter pointing back at the
// listener, and returns a Handle to poll via Update.
func Begin(cfg Config, logger Logger) (*Handle, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("oauth: bind loopback listener: %w", err)
	}

	h := &Handle{listener: ln, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/oauth_callback", h.handleCallback(cfg.EndURL))
	h.echo = e

	go func() {
		if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logf("[oauth] listener stopped: %v", err)
		}
	}()

	// session is a per-attempt identifier carried alongside origin purely
	// for diagnostics — it lets a log line for a given browser round trip
	// be correlated with the Begin call that started it, since the
	// loopback port alone gets reused across attempts in the same process.
	session := uuid.NewString()

	origin := fmt.Sprintf("http://localhost:%d", ln.Addr().(*net.TCPAddr).Port)
	loginURL := fmt.Sprintf("%s?origin=%s&session=%s", cfg.StartURL, origin, session)
	h.logf("[oauth] opening browser for session %s at %s", session, origin)
	if err := browser.OpenURL(loginURL); err != nil {
		h.logf("[oauth] failed to open browser: %v", err)
	}

	return h, nil
}

func (h *Handle) handleCallback(endURL string) echo.HandlerFunc {
	return func(c echo.Context) error {
		data := c.QueryParam("data")
		if len(data) > maxDataBytes {
			h.logf("[oauth] rejecting oversize callback payload (%d bytes)", len(data))
			h.mu.Lock()
			h.status = Failed
			h.mu.Unlock()
			return c.String(http.StatusBadRequest, "data exceeds maximum size")
		}
		success := c.QueryParam("success")

		h.mu.Lock()
		if success == "1" {
			h.status = Success
		} else {
			h.status = Failed
		}
		h.data = []byte(data)
		h.mu.Unlock()

		return c.Redirect(http.StatusSeeOther, endURL)
	}
}

func (h *Handle) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Logf(format, args...)
	}
}

// Update services one tick; it is non-blocking. The loopback listener
// serves in the background from the moment Begin returns, so Update simply
// lets the caller observe whether the one expected request has landed.
func (h *Handle) Update() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Data returns the credential payload once Update reports Success or
// Failed.
func (h *Handle) Data() ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == Pending {
		return nil, false
	}
	return h.data, true
}

// End shuts the loopback listener down.
func (h *Handle) End() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.echo.Shutdown(ctx); err != nil {
		h.logf("[oauth] shutdown: %v", err)
	}
}
