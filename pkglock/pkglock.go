// Package pkglock ingests an npm package-lock.json (component G of
// SPEC_FULL.md §4.7) as an alternate source of install specifiers,
// turning a lockfile's pinned dependency tree into the same flat
// "name@version" input strings orchestrator.Run accepts from the CLI.
package pkglock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/qipkg/qipi/specifier"
)

// LockFile is the subset of an npm package-lock.json (v2/v3) qipi reads:
// the root project identity plus the flat, install-path-keyed package
// table lockfileVersion 2+ uses in place of the old nested tree.
type LockFile struct {
	Name     string                    `json:"name"`
	Version  string                    `json:"version"`
	Packages map[string]LockedPackage `json:"packages"`
}

// LockedPackage is a single pinned entry in the lockfile's package table.
type LockedPackage struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Resolved     string            `json:"resolved"`
	Integrity    string            `json:"integrity"`
	Dependencies map[string]string `json:"dependencies"`
}

// Parse reads an npm package-lock.json and returns a sorted list of
// unique "name@version" specifier strings, one per registry-resolved
// package the lockfile pins, suitable for feeding directly into
// orchestrator.Run. The root package and any local (file:) or git
// (git+) resolution are skipped: qipi's store only ever holds tarballs
// fetched from a registry, so neither has a store entry to install.
func Parse(ctx context.Context, r io.Reader) (pkgs []string, err error) {
	var lock LockFile
	if err = json.NewDecoder(r).Decode(&lock); err != nil {
		return nil, fmt.Errorf("parsing package-lock.json: %w", err)
	}

	unique := make(map[string]struct{})

	for installPath, pkg := range lock.Packages {
		if installPath == "" {
			continue // the root project itself, not an installable dependency
		}

		if pkg.Resolved == "" ||
			strings.HasPrefix(pkg.Resolved, "file:") ||
			strings.HasPrefix(pkg.Resolved, "git+") {
			continue
		}

		name := pkg.Name
		if name == "" {
			name = stripNodeModulesPath(installPath)
		}
		if name == "" || pkg.Version == "" {
			continue
		}

		key := fmt.Sprintf("%s@%s", name, pkg.Version)
		if _, err := specifier.Parse(key); err != nil {
			continue // not a specifier qipi can resolve; skip rather than fail the batch
		}
		unique[key] = struct{}{}
	}

	pkgs = slices.Collect(maps.Keys(unique))
	slices.Sort(pkgs)
	return pkgs, nil
}

// stripNodeModulesPath recovers a package's name from its lockfile
// install path (e.g. "node_modules/a/node_modules/b" -> "b") when the
// entry itself carries no explicit "name" field.
func stripNodeModulesPath(p string) string {
	idx := strings.LastIndex(p, "node_modules/")
	if idx == -1 {
		return p
	}
	return p[idx+len("node_modules/"):]
}
