package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func waitFinished(t *testing.T, h *Handle) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := h.Poll(); s != Pending {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("request never finished")
	return Pending
}

func TestBeginGetFinished(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	h, err := Begin(context.Background(), Options{URL: srv.URL})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer h.End()

	if got := waitFinished(t, h); got != Finished {
		t.Fatalf("status = %v, want Finished", got)
	}
	if h.StatusCode() != 200 {
		t.Fatalf("status code = %d, want 200", h.StatusCode())
	}
	if string(h.ResponseBody()) != "ok" {
		t.Fatalf("body = %q, want %q", h.ResponseBody(), "ok")
	}
}

func TestBeginPostWithBody(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(401)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	h, err := Begin(context.Background(), Options{URL: srv.URL, Body: []byte("cookie-bytes")})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer h.End()

	if got := waitFinished(t, h); got != Finished {
		t.Fatalf("status = %v, want Finished", got)
	}
	if h.StatusCode() != 401 {
		t.Fatalf("status code = %d, want 401", h.StatusCode())
	}
	if string(h.ResponseBody()) != "nope" {
		t.Fatalf("body = %q, want %q", h.ResponseBody(), "nope")
	}
	if string(gotBody) != "cookie-bytes" {
		t.Fatalf("server saw body %q, want %q", gotBody, "cookie-bytes")
	}
}

func TestBeginNetworkFailureErrors(t *testing.T) {
	h, err := Begin(context.Background(), Options{URL: "https://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer h.End()

	if got := waitFinished(t, h); got != Errored {
		t.Fatalf("status = %v, want Errored", got)
	}
	if h.Err() == nil {
		t.Fatal("expected a non-nil Err() after a connection failure")
	}
}

func TestBeginMalformedURL(t *testing.T) {
	_, err := Begin(context.Background(), Options{URL: "://bad"})
	if err == nil {
		t.Fatal("expected a construction error for a malformed URL")
	}
}
