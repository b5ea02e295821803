// Package registry fetches package catalogues from an npm-wire-compatible
// registry and memoises them process-wide with a bounded TTL, following
// the same shared-HTTP-client, structured-logging shape the teacher's
// npm/download package used for its own metadata fetches.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	cacheTTL       = 300 * time.Second
	cachePruneSize = 50
	userAgent      = "qipi/1.0"
)

// Entry is a single (raw version string, manifest) pair from a catalogue,
// materialised into a sequence so callers can iterate deterministically
// without reaching back into the map.
type Entry struct {
	Version  string
	Manifest VersionManifest
}

type cacheEntry struct {
	entries []Entry
	fetched time.Time
}

func (c cacheEntry) expired() bool {
	return time.Since(c.fetched) > cacheTTL
}

// Client fetches and caches package catalogues.
type Client struct {
	log          *slog.Logger
	http         *http.Client
	registryBase string

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New creates a Client configured with the connection limits and timeouts
// spec.md §4.3 calls for: keep-alive, a ~30/host pool cap, a 120s idle
// timeout, a 10s request timeout and a 5s connect timeout.
func New(log *slog.Logger, registryBase string) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 30,
		IdleConnTimeout:     120 * time.Second,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
	}
	return &Client{
		log:          log,
		registryBase: registryBase,
		http: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
		cache: make(map[string]cacheEntry),
	}
}

// Catalogue returns the (version, manifest) entries for a package, by
// name. On any HTTP or JSON failure it logs and returns an empty
// sequence — callers treat empty as "no versions available".
func (c *Client) Catalogue(ctx context.Context, name string) []Entry {
	if cached, ok := c.lookup(name); ok {
		return cached
	}

	entries, err := c.fetch(ctx, name)
	if err != nil {
		c.log.Warn("failed to fetch catalogue", slog.String("package", name), slog.Any("error", err))
		return nil
	}
	if len(entries) == 0 {
		return nil
	}

	c.store(name, entries)
	return entries
}

func (c *Client) lookup(name string) ([]Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[name]
	if !ok || entry.expired() {
		return nil, false
	}
	out := make([]Entry, len(entry.entries))
	copy(out, entry.entries)
	return out, true
}

func (c *Client) store(name string, entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[name] = cacheEntry{entries: entries, fetched: time.Now()}
	if len(c.cache) > cachePruneSize {
		for k, v := range c.cache {
			if v.expired() {
				delete(c.cache, k)
			}
		}
	}
}

func (c *Client) fetch(ctx context.Context, name string) ([]Entry, error) {
	// Scoped names ("@scope/leaf") keep their '/' literal on the wire;
	// the registry path is not otherwise escaped.
	reqURL := c.registryBase + "/" + name

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", name, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalogue for %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned HTTP %d for %s", resp.StatusCode, name)
	}

	var cat Catalogue
	if err := json.NewDecoder(resp.Body).Decode(&cat); err != nil {
		return nil, fmt.Errorf("decoding catalogue for %s: %w", name, err)
	}

	entries := make([]Entry, 0, len(cat.Versions))
	for version, manifest := range cat.Versions {
		entries = append(entries, Entry{Version: version, Manifest: manifest})
	}
	return entries, nil
}
