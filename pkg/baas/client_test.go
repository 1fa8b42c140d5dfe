package baas

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gftdcojp/baas-go/pkg/storage"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		AppID:     "app-1",
		AppKey:    "key-1",
		ServerURL: srv.URL,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{ServerURL: "http://x"}); err == nil {
		t.Error("expected error without AppID")
	}
	if _, err := New(Config{AppID: "a"}); err == nil {
		t.Error("expected error without ServerURL")
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{AppID: "a", ServerURL: "https://api.example.com/"})
	if err != nil {
		t.Fatal(err)
	}
	if c.serverURL != "https://api.example.com" {
		t.Errorf("serverURL = %q", c.serverURL)
	}
	if c.router.baseURL != "https://api.example.com" {
		t.Errorf("router defaults to %q, want the server URL", c.router.baseURL)
	}
	if c.protocol != defaultProtocol {
		t.Errorf("protocol = %q", c.protocol)
	}
	if c.http.Timeout != defaultTimeout {
		t.Errorf("timeout = %v", c.http.Timeout)
	}
	if _, ok := c.Storage().(*storage.Memory); !ok {
		t.Errorf("default storage is %T, want *storage.Memory", c.Storage())
	}
}

func TestRequest_Headers(t *testing.T) {
	var got http.Header
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		path = r.URL.Path
		writeJSON(w, 200, map[string]any{"ok": true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.SetSessionToken("sess-9")

	var out struct{ OK bool }
	if err := c.Request(context.Background(), http.MethodGet, "/users/me", nil, &out); err != nil {
		t.Fatal(err)
	}
	if !out.OK {
		t.Error("response not decoded")
	}
	if path != "/1.1/users/me" {
		t.Errorf("path = %q", path)
	}
	if got.Get("X-App-Id") != "app-1" || got.Get("X-App-Key") != "key-1" {
		t.Errorf("app headers = %q / %q", got.Get("X-App-Id"), got.Get("X-App-Key"))
	}
	if got.Get("X-Session-Token") != "sess-9" {
		t.Errorf("session header = %q", got.Get("X-Session-Token"))
	}

	c.SetSessionToken("")
	c.Request(context.Background(), http.MethodGet, "/users/me", nil, nil)
	if got.Get("X-Session-Token") != "" {
		t.Error("session header sent after clearing the token")
	}
}

func TestRequest_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 404, map[string]any{"code": 101, "error": "Object not found."})
	}))
	defer srv.Close()

	err := newTestClient(t, srv).Request(context.Background(), http.MethodGet, "/classes/Post/x", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != 404 || apiErr.Code != 101 || apiErr.Message != "Object not found." {
		t.Errorf("APIError = %+v", apiErr)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound = false")
	}
}

func TestRequest_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestClient(t, srv).Request(context.Background(), http.MethodGet, "/x", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusBadGateway {
		t.Errorf("status = %d", apiErr.Status)
	}
	if IsNotFound(err) {
		t.Error("502 reported as not found")
	}
}

func TestRouter_LookupCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/route" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		if r.URL.Query().Get("appId") != "app-1" || r.URL.Query().Get("secure") != "1" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		writeJSON(w, 200, Route{Server: "wss://rtm.example.com", Secondary: "wss://rtm2.example.com", TTL: 3600})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		route, err := c.Router().Lookup(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if route.Server != "wss://rtm.example.com" {
			t.Fatalf("server = %q", route.Server)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("router called %d times, want 1", calls.Load())
	}

	if err := c.Router().Invalidate(ctx); err != nil {
		t.Fatal(err)
	}
	c.Router().Lookup(ctx)
	if calls.Load() != 2 {
		t.Errorf("router called %d times after invalidate, want 2", calls.Load())
	}
}

func TestRouter_ZeroTTLIsNotCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, 200, Route{Server: "wss://rtm.example.com"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.Router().Lookup(context.Background())
	c.Router().Lookup(context.Background())
	if calls.Load() != 2 {
		t.Errorf("router called %d times, want 2", calls.Load())
	}
}

func TestRouter_EmptyServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, Route{TTL: 10})
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv).Router().Lookup(context.Background()); err == nil {
		t.Fatal("expected error for a route without server")
	}
}

func TestInstallationID_Persisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")
	ctx := context.Background()

	open := func() (*Client, *storage.Bolt) {
		store, err := storage.OpenBolt(path, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		c, err := New(Config{AppID: "a", ServerURL: "http://unused", Storage: store})
		if err != nil {
			t.Fatal(err)
		}
		return c, store
	}

	c, store := open()
	first, err := c.InstallationID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := c.InstallationID(ctx)
	if first == "" || again != first {
		t.Fatalf("ids %q then %q", first, again)
	}
	store.Close()

	c, store = open()
	defer store.Close()
	reopened, _ := c.InstallationID(ctx)
	if reopened != first {
		t.Errorf("id after reopen = %q, want %q", reopened, first)
	}
}

func TestRequest_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := newTestClient(t, srv).Request(ctx, http.MethodGet, "/slow", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
