// Package storage abstracts the byte-level persistence the content-
// addressed package store is built on, so the same install pipeline runs
// unmodified against a local disk or a shared S3/MinIO bucket.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Storage is the persistence surface the package store needs: reading and
// writing individual blobs (tarballs, unpacked file entries, the flat
// .index file) addressed by a slash-separated relative path, listing the
// entries under a path prefix, and deleting a path (file or, for local
// filesystems, a whole directory subtree).
type Storage interface {
	// Read opens a blob for reading and reports whether it exists.
	Read(path string) (io.ReadCloser, bool, error)

	// Write creates or overwrites a blob with the content of data, which
	// Write always closes.
	Write(path string, data io.ReadCloser) error

	// List returns every path under prefix, non-recursively filtered to
	// direct children when prefix names a directory-like path.
	List(prefix string) ([]string, error)

	// Delete removes path. For FileSystem this removes a directory
	// subtree when path names one; for S3 it removes every object under
	// the prefix.
	Delete(path string) error

	// ModTime reports the last-modified time of path and whether path
	// exists. A backend that cannot determine a timestamp for an
	// existing path may return the zero time with ok true; callers
	// treat a zero Timestamp as "unknown", not "never installed".
	ModTime(path string) (t time.Time, ok bool, err error)
}

// FileSystem implements Storage using the local filesystem.
type FileSystem struct {
	basePath string
}

// NewFileSystem creates a new FileSystem storage backend rooted at basePath.
func NewFileSystem(basePath string) *FileSystem {
	return &FileSystem{basePath: basePath}
}

func (fs *FileSystem) Read(path string) (io.ReadCloser, bool, error) {
	fullPath := filepath.Join(fs.basePath, path)
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return file, true, nil
}

func (fs *FileSystem) Write(path string, data io.ReadCloser) error {
	defer data.Close()

	fullPath := filepath.Join(fs.basePath, path)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, data); err != nil {
		return fmt.Errorf("writing file %s: %w", path, err)
	}

	return nil
}

func (fs *FileSystem) List(prefix string) ([]string, error) {
	dir := filepath.Join(fs.basePath, prefix)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ModTime stats the local path and returns its modification time. A
// missing path is not an error: ok is false and t is the zero time.
func (fs *FileSystem) ModTime(path string) (t time.Time, ok bool, err error) {
	fullPath := filepath.Join(fs.basePath, path)
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.ModTime(), true, nil
}

func (fs *FileSystem) Delete(path string) error {
	fullPath := filepath.Join(fs.basePath, path)
	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

// joinPrefix joins prefix segments with '/', trimming any accidental
// doubled separators. Used by backends (S3) whose keys are plain strings
// rather than OS paths.
func joinPrefix(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}
