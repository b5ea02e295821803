// Package store implements the content-addressed package store: the
// install pipeline that turns resolved manifests into on-disk package
// directories, keyed by "name@version" and sanitised for the filesystem.
//
// The concurrency shape follows the teacher's npm/download.Downloader:
// a semaphore-bounded fan-out per stage, context-aware goroutines, and
// log/slog throughout instead of progress callbacks.
package store

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qipkg/qipi/metrics"
	"github.com/qipkg/qipi/registry"
	"github.com/qipkg/qipi/specifier"
	"github.com/qipkg/qipi/sri"
	"github.com/qipkg/qipi/storage"
)

const (
	downloadPermits = 50
	extractPermits  = 20
	extractWorkers  = extractPermits

	indexFile    = ".index"
	indexTmpFile = ".index.tmp"
	tarballName  = "package.tgz"

	cacheTTL = 60 * time.Second
)

// Entry is one installed package as reported by List: its canonical
// (un-sanitised) name, its version, and the on-disk modification time of
// its directory, when the backend can report one.
type Entry struct {
	Name      string
	Version   string
	Timestamp time.Time
}

// Store is the content-addressed install pipeline described in spec §4.5.
// It is safe for concurrent use.
type Store struct {
	log     *slog.Logger
	backend storage.Storage
	http    *http.Client
	metrics metrics.Metrics

	extractQueue chan extractJob
	workersOnce  sync.Once

	mu       sync.RWMutex
	keys     map[string]bool // canonical "name@version" -> present
	loadedAt time.Time
}

// SetMetrics attaches a metrics handle used to record bytes downloaded.
// A Store with no handle attached records nothing (Metrics{} is nil-safe).
func (s *Store) SetMetrics(m metrics.Metrics) {
	s.metrics = m
}

// New creates a Store backed by backend, loading (or bootstrapping) its
// .index file synchronously, per spec §4.5 new().
func New(ctx context.Context, log *slog.Logger, backend storage.Storage) (*Store, error) {
	s := &Store{
		log:          log,
		backend:      backend,
		http:         &http.Client{Timeout: 10 * time.Minute},
		extractQueue: make(chan extractJob, extractPermits),
		keys:         make(map[string]bool),
	}
	s.startWorkers(ctx)

	if err := s.loadIndex(); err != nil {
		return nil, fmt.Errorf("loading store index: %w", err)
	}
	return s, nil
}

func (s *Store) startWorkers(ctx context.Context) {
	s.workersOnce.Do(func() {
		for i := 0; i < extractWorkers; i++ {
			go s.extractWorker(ctx)
		}
	})
}

// loadIndex reads .index if present; otherwise it scans the backend's top
// level directories once and writes an initial .index from what it finds.
func (s *Store) loadIndex() error {
	r, ok, err := s.backend.Read(indexFile)
	if err != nil {
		return err
	}
	if ok {
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("reading %s: %w", indexFile, err)
		}
		keys := make(map[string]bool)
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				keys[line] = true
			}
		}
		s.mu.Lock()
		s.keys = keys
		s.loadedAt = time.Now()
		s.mu.Unlock()
		return nil
	}

	names, err := s.backend.List("")
	if err != nil {
		return fmt.Errorf("scanning store: %w", err)
	}
	keys := make(map[string]bool, len(names))
	for _, name := range names {
		if name == indexFile || name == indexTmpFile {
			continue
		}
		keys[unsanitise(name)] = true
	}
	s.mu.Lock()
	s.keys = keys
	s.loadedAt = time.Now()
	s.mu.Unlock()
	return s.writeIndex()
}

func (s *Store) refreshIfStale() {
	s.mu.RLock()
	stale := time.Since(s.loadedAt) > cacheTTL
	s.mu.RUnlock()
	if stale {
		if err := s.loadIndex(); err != nil {
			s.log.Warn("failed to refresh store index", slog.Any("error", err))
		}
	}
}

// writeIndex rewrites .index from the in-memory key set: it writes the
// full content to .index.tmp, copies that file over .index, and deletes
// the tmp file. The final copy is not an atomic rename.
func (s *Store) writeIndex() error {
	s.mu.RLock()
	sorted := make([]string, 0, len(s.keys))
	for k := range s.keys {
		sorted = append(sorted, k)
	}
	s.mu.RUnlock()
	sort.Strings(sorted)

	content := strings.Join(sorted, "\n")
	if len(sorted) > 0 {
		content += "\n"
	}

	if err := s.backend.Write(indexTmpFile, io.NopCloser(strings.NewReader(content))); err != nil {
		return fmt.Errorf("writing %s: %w", indexTmpFile, err)
	}

	// Storage has no rename primitive, so the tmp file is written in full
	// first and then read back and written over the real one.
	r, ok, err := s.backend.Read(indexTmpFile)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("writing %s: tmp file vanished", indexFile)
	}
	if err := s.backend.Write(indexFile, r); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", indexTmpFile, indexFile, err)
	}
	_ = s.backend.Delete(indexTmpFile)
	return nil
}

// FilterMissing splits requests into those not yet present in the store
// and reports how many were already present. A request without a range
// (Range is the distinguished "latest" token) is considered present if
// any key with prefix "name@" exists, per spec §4.5 filter_missing.
func (s *Store) FilterMissing(requests []specifier.Specifier) (missing []specifier.Specifier, existingCount int) {
	s.refreshIfStale()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, req := range requests {
		if req.Range == "" || req.Range == "latest" {
			prefix := req.FullName() + "@"
			found := false
			for k := range s.keys {
				if strings.HasPrefix(k, prefix) {
					found = true
					break
				}
			}
			if found {
				existingCount++
				continue
			}
			missing = append(missing, req)
			continue
		}

		key := fmt.Sprintf("%s@%s", req.FullName(), req.Range)
		if s.keys[key] {
			existingCount++
			continue
		}
		missing = append(missing, req)
	}
	return missing, existingCount
}

// Has reports whether the exact key "name@version" is present.
func (s *Store) Has(name, version string) bool {
	s.refreshIfStale()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[fmt.Sprintf("%s@%s", name, version)]
}

type installResult struct {
	key string
	err error
}

type extractJob struct {
	key    string
	sanKey string
	result chan<- installResult
}

// Install runs the concurrent install pipeline of spec §4.5 over
// manifests already known to be missing, returning the keys that were
// actually installed (completion order, non-deterministic per spec §5).
func (s *Store) Install(ctx context.Context, manifests []registry.VersionManifest) ([]string, error) {
	pending := make([]registry.VersionManifest, 0, len(manifests))
	s.mu.RLock()
	for _, m := range manifests {
		key := fmt.Sprintf("%s@%s", m.Name, m.Version)
		if !s.keys[key] {
			pending = append(pending, m)
		}
	}
	s.mu.RUnlock()

	if len(pending) == 0 {
		return nil, nil
	}

	downloadSem := make(chan struct{}, downloadPermits)
	results := make(chan installResult, len(pending))

	var wg sync.WaitGroup
	for _, m := range pending {
		wg.Add(1)
		go func(m registry.VersionManifest) {
			defer wg.Done()
			select {
			case downloadSem <- struct{}{}:
			case <-ctx.Done():
				results <- installResult{err: ctx.Err()}
				return
			}
			defer func() { <-downloadSem }()

			key := fmt.Sprintf("%s@%s", m.Name, m.Version)
			if err := s.downloadTarball(ctx, m); err != nil {
				results <- installResult{key: key, err: fmt.Errorf("downloading %s: %w", key, err)}
				return
			}

			resCh := make(chan installResult, 1)
			select {
			case s.extractQueue <- extractJob{key: key, sanKey: sanitise(key), result: resCh}:
			case <-ctx.Done():
				results <- installResult{err: ctx.Err()}
				return
			}
			results <- <-resCh
		}(m)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var installed []string
	for r := range results {
		if r.err != nil {
			s.log.Warn("install failed", slog.String("key", r.key), slog.Any("error", r.err))
			continue
		}
		installed = append(installed, r.key)
	}

	if len(installed) > 0 {
		s.mu.Lock()
		for _, k := range installed {
			s.keys[k] = true
		}
		s.mu.Unlock()
		if err := s.writeIndex(); err != nil {
			return installed, fmt.Errorf("updating index: %w", err)
		}
	}

	return installed, nil
}

// Add and AddMany are thin wrappers over Install, per spec §4.5.
func (s *Store) Add(ctx context.Context, manifest registry.VersionManifest) error {
	_, err := s.Install(ctx, []registry.VersionManifest{manifest})
	return err
}

func (s *Store) AddMany(ctx context.Context, manifests []registry.VersionManifest) ([]string, error) {
	return s.Install(ctx, manifests)
}

func (s *Store) downloadTarball(ctx context.Context, m registry.VersionManifest) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.Dist.Tarball, nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry returned HTTP %d for tarball", resp.StatusCode)
	}

	key := fmt.Sprintf("%s@%s", m.Name, m.Version)
	sanKey := sanitise(key)
	tgzPath := path.Join(sanKey, tarballName)

	var buf bytes.Buffer
	tee := io.TeeReader(resp.Body, &buf)

	var sriHash *sri.SRI
	sha1Hash := sha1.New()
	if m.Dist.Integrity != "" {
		sriHash, err = sri.Parse(m.Dist.Integrity)
		if err != nil {
			return fmt.Errorf("parsing integrity %q: %w", m.Dist.Integrity, err)
		}
		if _, err := io.Copy(sriHash, tee); err != nil {
			return fmt.Errorf("streaming tarball: %w", err)
		}
		if !sriHash.Verify(m.Dist.Integrity) {
			return fmt.Errorf("integrity mismatch for %s: expected %s, got %s", key, m.Dist.Integrity, sriHash.String())
		}
	} else {
		if _, err := io.Copy(sha1Hash, tee); err != nil {
			return fmt.Errorf("streaming tarball: %w", err)
		}
		if m.Dist.Shasum != "" {
			got := hex.EncodeToString(sha1Hash.Sum(nil))
			if got != m.Dist.Shasum {
				return fmt.Errorf("shasum mismatch for %s: expected %s got %s", key, m.Dist.Shasum, got)
			}
		}
	}

	if err := s.backend.Write(tgzPath, io.NopCloser(bytes.NewReader(buf.Bytes()))); err != nil {
		_ = s.backend.Delete(sanKey)
		return fmt.Errorf("writing tarball: %w", err)
	}
	s.metrics.AddBytesDownloaded(ctx, registryHost(m.Dist.Tarball), int64(buf.Len()))
	return nil
}

func (s *Store) extractWorker(ctx context.Context) {
	for job := range s.extractQueue {
		err := s.extractOne(ctx, job.sanKey)
		if err != nil {
			_ = s.backend.Delete(job.sanKey)
			job.result <- installResult{key: job.key, err: err}
			continue
		}
		job.result <- installResult{key: job.key}
	}
}

func (s *Store) extractOne(ctx context.Context, sanKey string) error {
	tgzPath := path.Join(sanKey, tarballName)
	r, ok, err := s.backend.Read(tgzPath)
	if err != nil {
		return fmt.Errorf("opening tarball: %w", err)
	}
	if !ok {
		return fmt.Errorf("tarball missing for %s", sanKey)
	}
	defer r.Close()

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		// The archive conventionally has a leading "package/" directory;
		// its children are promoted up one level into sanKey/. The
		// "package/" entry itself, and anything outside it, is skipped.
		trimmed := strings.TrimPrefix(hdr.Name, "package/")
		if trimmed == hdr.Name || trimmed == "" {
			continue
		}
		name := trimmed

		destPath := path.Join(sanKey, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("reading %s: %w", hdr.Name, err)
			}
			if err := s.backend.Write(destPath, io.NopCloser(bytes.NewReader(data))); err != nil {
				return fmt.Errorf("writing %s: %w", destPath, err)
			}
		default:
			// Symlinks and other special types are not portable across
			// the Storage abstraction (an S3 backend has no notion of
			// them); they are skipped rather than failing the install.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	return s.backend.Delete(tgzPath)
}

// Remove deletes the store directory for name@version and drops it from
// the cached key set and .index.
func (s *Store) Remove(name, version string) error {
	key := fmt.Sprintf("%s@%s", name, version)
	if err := s.backend.Delete(sanitise(key)); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}

	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()

	return s.writeIndex()
}

// Clear removes every package directory and the index, resetting the
// cache to empty.
func (s *Store) Clear() error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	for _, k := range keys {
		if err := s.backend.Delete(sanitise(k)); err != nil {
			return fmt.Errorf("removing %s: %w", k, err)
		}
	}
	if err := s.backend.Delete(indexFile); err != nil {
		return fmt.Errorf("removing index: %w", err)
	}

	s.mu.Lock()
	s.keys = make(map[string]bool)
	s.loadedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// List enumerates every installed package, un-sanitising scoped names.
// Timestamp comes from the backend's ModTime for the package's directory;
// a backend that cannot report one (or a race where the directory has
// since been removed) leaves it zero rather than failing the whole list.
func (s *Store) List() ([]Entry, error) {
	s.refreshIfStale()

	s.mu.RLock()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		name, version, ok := splitStoreKey(k)
		if !ok {
			continue
		}
		entry := Entry{Name: name, Version: version}
		if t, ok, err := s.backend.ModTime(sanitise(k)); err == nil && ok {
			entry.Timestamp = t
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func splitStoreKey(key string) (name, version string, ok bool) {
	s, err := specifier.Parse(key)
	if err != nil {
		return "", "", false
	}
	return s.FullName(), s.Range, true
}

// sanitise escapes '/' to '+' for the on-disk directory name of a scoped
// package key, per spec §4.5 Sanitisation.
func sanitise(key string) string {
	return strings.ReplaceAll(key, "/", "+")
}

// unsanitise reverses sanitise, used when bootstrapping the index from a
// directory scan.
func unsanitise(name string) string {
	return strings.ReplaceAll(name, "+", "/")
}

// registryHost extracts the host component of a tarball URL for use as a
// metric label, falling back to the whole URL if it cannot be parsed.
func registryHost(tarballURL string) string {
	u, err := url.Parse(tarballURL)
	if err != nil || u.Host == "" {
		return tarballURL
	}
	return u.Host
}

