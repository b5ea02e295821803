package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCatalogue(t *testing.T) {
	t.Run("decodes versions from the registry response", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			fmt.Fprint(w, `{
				"name": "left-pad",
				"dist-tags": {"latest": "1.3.0"},
				"versions": {
					"1.3.0": {"name": "left-pad", "version": "1.3.0", "dist": {"tarball": "https://registry.example/left-pad-1.3.0.tgz", "shasum": "abc"}}
				}
			}`)
		}))
		defer server.Close()

		client := New(discardLogger(), server.URL)
		entries := client.Catalogue(context.Background(), "left-pad")
		if len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(entries))
		}
		if entries[0].Version != "1.3.0" {
			t.Errorf("expected version 1.3.0, got %s", entries[0].Version)
		}
		if entries[0].Manifest.Dist.Tarball != "https://registry.example/left-pad-1.3.0.tgz" {
			t.Errorf("unexpected tarball URL: %s", entries[0].Manifest.Dist.Tarball)
		}
	})

	t.Run("caches repeated requests within the TTL", func(t *testing.T) {
		var hits int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			fmt.Fprint(w, `{"name": "left-pad", "versions": {"1.0.0": {"name": "left-pad", "version": "1.0.0", "dist": {"tarball": "t", "shasum": "s"}}}}`)
		}))
		defer server.Close()

		client := New(discardLogger(), server.URL)
		client.Catalogue(context.Background(), "left-pad")
		client.Catalogue(context.Background(), "left-pad")
		client.Catalogue(context.Background(), "left-pad")

		if got := atomic.LoadInt32(&hits); got != 1 {
			t.Errorf("expected 1 HTTP request, got %d", got)
		}
	})

	t.Run("returns nil on a non-200 response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := New(discardLogger(), server.URL)
		entries := client.Catalogue(context.Background(), "does-not-exist")
		if entries != nil {
			t.Errorf("expected nil entries, got %v", entries)
		}
	})

	t.Run("returns nil on malformed JSON", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `not json`)
		}))
		defer server.Close()

		client := New(discardLogger(), server.URL)
		entries := client.Catalogue(context.Background(), "broken")
		if entries != nil {
			t.Errorf("expected nil entries, got %v", entries)
		}
	})

	t.Run("distinct package names are cached independently", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := r.URL.Path[1:]
			fmt.Fprintf(w, `{"name": %q, "versions": {"1.0.0": {"name": %q, "version": "1.0.0", "dist": {"tarball": "t", "shasum": "s"}}}}`, name, name)
		}))
		defer server.Close()

		client := New(discardLogger(), server.URL)
		a := client.Catalogue(context.Background(), "package-a")
		b := client.Catalogue(context.Background(), "package-b")
		if len(a) != 1 || a[0].Manifest.Name != "package-a" {
			t.Errorf("unexpected entries for package-a: %v", a)
		}
		if len(b) != 1 || b[0].Manifest.Name != "package-b" {
			t.Errorf("unexpected entries for package-b: %v", b)
		}
	})
}
