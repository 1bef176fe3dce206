package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
)

func TestFetcherCachesWithETag(t *testing.T) {
	var (
		calls   atomic.Int32
		failing atomic.Bool
		sawETag atomic.Bool
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("User-Agent") != "calsync-test" {
			t.Errorf("Expected user agent header, got %q", r.Header.Get("User-Agent"))
		}
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			sawETag.Store(true)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	defer server.Close()

	f := NewFetcher(FetcherOptions{CacheDir: t.TempDir(), UserAgent: "calsync-test"})
	src := Source{ID: "one", URL: server.URL + "/private.ics?token=secret"}

	first, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache {
		t.Error("Expected first fetch to hit the network")
	}

	second, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if !sawETag.Load() {
		t.Error("Expected conditional request with cached ETag")
	}
	if !second.FromCache || string(second.Body) != string(first.Body) {
		t.Errorf("Expected cached body on 304, got %+v", second)
	}

	failing.Store(true)
	third, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatalf("Expected cached fallback on server error, got %v", err)
	}
	if !third.FromCache {
		t.Error("Expected fallback result to be marked as cached")
	}

	if calls.Load() != 3 {
		t.Errorf("Expected 3 requests, got %d", calls.Load())
	}
}

func TestFetcherFailsWithoutCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcher(FetcherOptions{CacheDir: t.TempDir()})
	if _, err := f.Fetch(context.Background(), Source{ID: "x", URL: server.URL + "/missing.ics"}); err == nil {
		t.Error("Expected error for 404 without cache")
	}
	if _, err := f.Fetch(context.Background(), Source{ID: "x"}); err == nil {
		t.Error("Expected error for empty URL")
	}
}

func TestFetcherDropsValidatorsWithoutBody(t *testing.T) {
	var conditional atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			conditional.Store(true)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 10 Jun 2024 08:00:00 GMT")
		_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
	}))
	defer server.Close()

	f := NewFetcher(FetcherOptions{CacheDir: t.TempDir()})
	src := Source{ID: "one", URL: server.URL + "/a.ics"}
	if _, err := f.Fetch(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	cache, err := f.openCache(src.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(cache.path("body.ics")); err != nil {
		t.Fatal(err)
	}

	res, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if conditional.Load() {
		t.Error("Expected no conditional headers once the cached body is gone")
	}
	if res.FromCache || len(res.Body) == 0 {
		t.Errorf("Expected a fresh body, got %+v", res)
	}

	if err := os.WriteFile(cache.path("meta.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := cache.load(); got.meta.ETag != "" || !got.ok() {
		t.Errorf("Expected corrupt meta ignored and body kept, got %+v", got.meta)
	}
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"https://example.com/path/to/private.ics?token=abcd": "https://example.com/...(redacted)",
		"https://example.com?token=abcd":                     "https://example.com/...(redacted)",
		"not a url":                                          "ics://...(redacted)",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q): expected %q, got %q", in, want, got)
		}
	}
}
