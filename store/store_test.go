package store

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/qipkg/qipi/registry"
	"github.com/qipkg/qipi/specifier"
	"github.com/qipkg/qipi/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// buildTarball produces a gzipped tar stream with a single "package/"
// prefixed entry, the shape every npm-wire tarball uses.
func buildTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{
			Name: "package/" + name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("writing tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("writing tar content: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("closing gzip writer: %v", err)
	}
	return buf.Bytes()
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func newTestStore(t *testing.T, tarball []byte) (*Store, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	t.Cleanup(server.Close)

	backend := storage.NewFileSystem(t.TempDir())
	s, err := New(context.Background(), discardLogger(), backend)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s, server
}

func testManifest(server *httptest.Server, name, version, shasum string) registry.VersionManifest {
	return registry.VersionManifest{
		Name:    name,
		Version: version,
		Dist: registry.Dist{
			Tarball: server.URL + "/" + name + "-" + version + ".tgz",
			Shasum:  shasum,
		},
	}
}

func TestInstall(t *testing.T) {
	t.Run("installs a package and records its key", func(t *testing.T) {
		tarball := buildTarball(t, map[string]string{"index.js": "module.exports = 1;"})
		s, server := newTestStore(t, tarball)
		m := testManifest(server, "left-pad", "1.3.0", sha1Hex(tarball))

		installed, err := s.Install(context.Background(), []registry.VersionManifest{m})
		if err != nil {
			t.Fatalf("install failed: %v", err)
		}
		if len(installed) != 1 || installed[0] != "left-pad@1.3.0" {
			t.Fatalf("expected [left-pad@1.3.0], got %v", installed)
		}
		if !s.Has("left-pad", "1.3.0") {
			t.Errorf("expected store to report left-pad@1.3.0 as present")
		}
	})

	t.Run("rejects a tarball that fails shasum verification", func(t *testing.T) {
		tarball := buildTarball(t, map[string]string{"index.js": "module.exports = 1;"})
		s, server := newTestStore(t, tarball)
		m := testManifest(server, "left-pad", "1.3.0", "0000000000000000000000000000000000000000")

		installed, err := s.Install(context.Background(), []registry.VersionManifest{m})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(installed) != 0 {
			t.Errorf("expected no packages installed, got %v", installed)
		}
		if s.Has("left-pad", "1.3.0") {
			t.Errorf("expected left-pad@1.3.0 not to be present after a failed verification")
		}
	})

	t.Run("skips packages already present", func(t *testing.T) {
		tarball := buildTarball(t, map[string]string{"index.js": "x"})
		s, server := newTestStore(t, tarball)
		m := testManifest(server, "left-pad", "1.3.0", sha1Hex(tarball))

		if _, err := s.Install(context.Background(), []registry.VersionManifest{m}); err != nil {
			t.Fatalf("first install failed: %v", err)
		}

		installed, err := s.Install(context.Background(), []registry.VersionManifest{m})
		if err != nil {
			t.Fatalf("second install failed: %v", err)
		}
		if len(installed) != 0 {
			t.Errorf("expected second install to be a no-op, got %v", installed)
		}
	})
}

func TestFilterMissing(t *testing.T) {
	tarball := buildTarball(t, map[string]string{"index.js": "x"})
	s, server := newTestStore(t, tarball)
	m := testManifest(server, "left-pad", "1.3.0", sha1Hex(tarball))
	if _, err := s.Install(context.Background(), []registry.VersionManifest{m}); err != nil {
		t.Fatalf("setup install failed: %v", err)
	}

	t.Run("an exact present key is filtered out", func(t *testing.T) {
		reqs := []specifier.Specifier{{Name: "left-pad", Range: "1.3.0"}}
		missing, existing := s.FilterMissing(reqs)
		if existing != 1 || len(missing) != 0 {
			t.Errorf("expected existing=1, missing=0, got existing=%d missing=%v", existing, missing)
		}
	})

	t.Run("a latest request matches any installed version", func(t *testing.T) {
		reqs := []specifier.Specifier{{Name: "left-pad", Range: "latest"}}
		missing, existing := s.FilterMissing(reqs)
		if existing != 1 || len(missing) != 0 {
			t.Errorf("expected existing=1, missing=0, got existing=%d missing=%v", existing, missing)
		}
	})

	t.Run("a different exact version is not present", func(t *testing.T) {
		reqs := []specifier.Specifier{{Name: "left-pad", Range: "2.0.0"}}
		missing, existing := s.FilterMissing(reqs)
		if existing != 0 || len(missing) != 1 {
			t.Errorf("expected existing=0, missing=1, got existing=%d missing=%v", existing, missing)
		}
	})

	t.Run("an unrelated package is always missing", func(t *testing.T) {
		reqs := []specifier.Specifier{{Name: "lodash", Range: "latest"}}
		missing, existing := s.FilterMissing(reqs)
		if existing != 0 || len(missing) != 1 {
			t.Errorf("expected existing=0, missing=1, got existing=%d missing=%v", existing, missing)
		}
	})
}

func TestRemoveAndClear(t *testing.T) {
	tarball := buildTarball(t, map[string]string{"index.js": "x"})
	s, server := newTestStore(t, tarball)
	m := testManifest(server, "left-pad", "1.3.0", sha1Hex(tarball))
	if _, err := s.Install(context.Background(), []registry.VersionManifest{m}); err != nil {
		t.Fatalf("setup install failed: %v", err)
	}

	t.Run("remove drops the key", func(t *testing.T) {
		if err := s.Remove("left-pad", "1.3.0"); err != nil {
			t.Fatalf("remove failed: %v", err)
		}
		if s.Has("left-pad", "1.3.0") {
			t.Errorf("expected left-pad@1.3.0 to be gone after remove")
		}
	})

	t.Run("clear empties the store", func(t *testing.T) {
		m2 := testManifest(server, "lodash", "4.17.21", sha1Hex(tarball))
		if _, err := s.Install(context.Background(), []registry.VersionManifest{m2}); err != nil {
			t.Fatalf("install failed: %v", err)
		}
		if err := s.Clear(); err != nil {
			t.Fatalf("clear failed: %v", err)
		}
		entries, err := s.List()
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("expected an empty store after clear, got %v", entries)
		}
	})
}

func TestList(t *testing.T) {
	tarball := buildTarball(t, map[string]string{"index.js": "x"})
	s, server := newTestStore(t, tarball)

	m1 := testManifest(server, "left-pad", "1.3.0", sha1Hex(tarball))
	m2 := testManifest(server, "lodash", "4.17.21", sha1Hex(tarball))
	if _, err := s.Install(context.Background(), []registry.VersionManifest{m1, m2}); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(entries), entries)
	}
	for _, e := range entries {
		if e.Timestamp.IsZero() || time.Since(e.Timestamp) > time.Minute {
			t.Errorf("entry %s@%s: expected a recent Timestamp, got %v", e.Name, e.Version, e.Timestamp)
		}
	}
}

func TestIndexSurvivesReload(t *testing.T) {
	tarball := buildTarball(t, map[string]string{"index.js": "x"})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarball)
	}))
	defer server.Close()

	dir := t.TempDir()
	backend := storage.NewFileSystem(dir)
	s1, err := New(context.Background(), discardLogger(), backend)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	m := testManifest(server, "left-pad", "1.3.0", sha1Hex(tarball))
	if _, err := s1.Install(context.Background(), []registry.VersionManifest{m}); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	backend2 := storage.NewFileSystem(dir)
	s2, err := New(context.Background(), discardLogger(), backend2)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	if !s2.Has("left-pad", "1.3.0") {
		t.Errorf("expected a reopened store to see left-pad@1.3.0 via its .index file")
	}
}
