package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "calsync/internal/log"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultUserAgent    = "calsync/1.0"
	maxFeedBytes        = 32 << 20
)

// Source is one subscribed calendar feed.
type Source struct {
	ID string
	// URL may embed a private token; log it through RedactURL only.
	URL string
	// Tag prefixes every event title from this feed.
	Tag string
}

type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool
}

type FetcherOptions struct {
	CacheDir   string
	Timeout    time.Duration
	UserAgent  string
	HTTPClient *http.Client
}

// Fetcher downloads feeds with conditional requests and falls back to the
// last good body on disk when the feed host misbehaves.
type Fetcher struct {
	client    *http.Client
	cacheDir  string
	userAgent string
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	f := &Fetcher{
		client:    opts.HTTPClient,
		cacheDir:  opts.CacheDir,
		userAgent: opts.UserAgent,
	}
	if f.cacheDir == "" {
		f.cacheDir = "./var/ics-cache"
	}
	if f.userAgent == "" {
		f.userAgent = defaultUserAgent
	}
	if f.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultFetchTimeout
		}
		f.client = &http.Client{Timeout: timeout}
	}
	return f
}

// Fetch returns the feed body for src. A 304, a transport failure or an
// unexpected status is served from the feed cache when it holds a body.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}
	safe := redactURL(src.URL)

	cache, err := f.openCache(src.URL)
	if err != nil {
		return FetchResult{}, err
	}
	stored := cache.load()
	cached := func(reason string, kv ...any) (FetchResult, error) {
		appLog.Info("feed served from cache", append([]any{"id", src.ID, "url", safe, "reason", reason}, kv...)...)
		return FetchResult{Source: src, Body: stored.body, FromCache: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("build request for %s: %w", safe, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	stored.conditional(req.Header)

	appLog.Debug("feed fetch", "id", src.ID, "url", safe)
	resp, err := f.client.Do(req)
	if err != nil {
		if stored.ok() && ctx.Err() == nil {
			appLog.Warn("feed unreachable", "id", src.ID, "url", safe, "err", err)
			return cached("network")
		}
		return FetchResult{}, fmt.Errorf("fetch %s: %w", safe, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
		if err != nil {
			return FetchResult{}, fmt.Errorf("read %s: %w", safe, err)
		}
		fresh := feedMeta{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := cache.store(fresh, body); err != nil {
			appLog.Error("feed cache write failed", err, "id", src.ID, "url", safe)
		}
		appLog.Info("feed fetched", "id", src.ID, "url", safe, "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case resp.StatusCode == http.StatusNotModified:
		if !stored.ok() {
			return FetchResult{}, fmt.Errorf("fetch %s: 304 without a cached body", safe)
		}
		return cached("not_modified")

	case stored.ok():
		appLog.Warn("feed returned unexpected status", "id", src.ID, "url", safe, "status", resp.StatusCode)
		return cached("status", "status", resp.StatusCode)

	default:
		return FetchResult{}, fmt.Errorf("fetch %s: unexpected status %s", safe, resp.Status)
	}
}

// feedMeta is persisted next to the body as meta.json.
type feedMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// feedCache is the directory holding one feed's last good body.
type feedCache string

type storedFeed struct {
	meta feedMeta
	body []byte
}

func (s storedFeed) ok() bool { return len(s.body) > 0 }

// conditional sets validators only while the body they describe exists.
func (s storedFeed) conditional(h http.Header) {
	if !s.ok() {
		return
	}
	if s.meta.ETag != "" {
		h.Set("If-None-Match", s.meta.ETag)
	}
	if s.meta.LastModified != "" {
		h.Set("If-Modified-Since", s.meta.LastModified)
	}
}

func (f *Fetcher) openCache(url string) (feedCache, error) {
	sum := sha256.Sum256([]byte(url))
	dir := filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create feed cache dir: %w", err)
	}
	return feedCache(dir), nil
}

func (c feedCache) path(name string) string {
	return filepath.Join(string(c), name)
}

// load ignores missing or corrupt files; an empty result just means no
// fallback is available.
func (c feedCache) load() storedFeed {
	var s storedFeed
	if data, err := os.ReadFile(c.path("meta.json")); err == nil {
		if json.Unmarshal(data, &s.meta) != nil {
			s.meta = feedMeta{}
		}
	}
	s.body, _ = os.ReadFile(c.path("body.ics"))
	return s
}

// store writes the body before meta.json so validators never outlive it.
func (c feedCache) store(meta feedMeta, body []byte) error {
	if err := os.WriteFile(c.path("body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path("meta.json"), data, 0o600)
}

// redactURL keeps scheme and host, e.g.
// https://example.com/private.ics?token=abcd -> https://example.com/...(redacted)
func redactURL(u string) string {
	const suffix = "/...(redacted)"
	i := strings.Index(u, "://")
	if i < 0 {
		return "ics:/" + suffix
	}
	host := u[i+3:]
	if j := strings.IndexAny(host, "/?"); j >= 0 {
		host = host[:j]
	}
	return u[:i+3] + host + suffix
}

// RedactURL is the exported form of redactURL.
func RedactURL(u string) string {
	return redactURL(u)
}
