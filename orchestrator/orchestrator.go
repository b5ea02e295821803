// Package orchestrator drives a single user invocation end to end: parse
// specifiers, filter out what the store already has, resolve the
// transitive graph for what remains, install it, and report timing.
//
// The drive sequence and per-item error tolerance follow the teacher's
// npm/save.Saver.Save (parse-per-item, continue on failure, log and move
// on) generalised from a flat download loop into the resolve/install
// split spec.md §4.6 calls for.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	semverlib "github.com/Masterminds/semver/v3"

	"github.com/qipkg/qipi/metrics"
	"github.com/qipkg/qipi/pkglock"
	"github.com/qipkg/qipi/registry"
	"github.com/qipkg/qipi/resolver"
	"github.com/qipkg/qipi/specifier"
	"github.com/qipkg/qipi/store"
)

// Orchestrator wires the specifier parser, resolver and store together
// into the five-step drive sequence of spec §4.6.
type Orchestrator struct {
	log     *slog.Logger
	builder *resolver.Builder
	store   *store.Store
	metrics metrics.Metrics
}

// New creates an Orchestrator. metrics may be a zero-valued metrics.Metrics
// to run with instrumentation disabled.
func New(log *slog.Logger, builder *resolver.Builder, st *store.Store, m metrics.Metrics) *Orchestrator {
	st.SetMetrics(m)
	return &Orchestrator{log: log, builder: builder, store: st, metrics: m}
}

// Report summarises one invocation: what was requested, what was already
// present, what got installed, what failed to parse or resolve, and how
// long the whole thing took.
type Report struct {
	Requested      int
	ParseErrors    []error
	AlreadyPresent int
	Installed      []string
	Unresolved     []specifier.Specifier
	Duration       time.Duration
}

// Run executes the five-step sequence against a flat list of specifier
// strings (the core's only input surface, per spec §1).
func (o *Orchestrator) Run(ctx context.Context, inputs []string) (Report, error) {
	start := time.Now()
	report := Report{Requested: len(inputs)}

	// Step 1: parse every input; a parse error is reported per-item and
	// does not abort the batch.
	specs := make([]specifier.Specifier, 0, len(inputs))
	for _, in := range inputs {
		s, err := specifier.Parse(in)
		if err != nil {
			o.log.Warn("skipping unparsable specifier", slog.String("input", in), slog.Any("error", err))
			report.ParseErrors = append(report.ParseErrors, err)
			continue
		}
		specs = append(specs, s)
	}

	if len(specs) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	// Step 2: filter against the store's cached key set.
	missing, existing := o.store.FilterMissing(specs)
	report.AlreadyPresent = existing
	o.metrics.IncrementPackagesSkipped(ctx, int64(existing))

	if len(missing) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	// Step 3: resolve the transitive closure of the surviving requests.
	requests := make([]resolver.Request, len(missing))
	for i, s := range missing {
		requests[i] = resolver.Request{Name: s.FullName(), Range: s.Range}
	}

	manifests := o.builder.BuildMissing(ctx, requests)
	o.metrics.IncrementPackagesResolved(ctx, int64(len(manifests)))

	resolvedNames := make(map[string]bool, len(manifests))
	for _, m := range manifests {
		resolvedNames[m.Name] = true
	}
	for _, s := range missing {
		if !resolvedNames[s.FullName()] {
			report.Unresolved = append(report.Unresolved, s)
		}
	}

	// Step 4: install what resolved.
	installed, err := o.store.Install(ctx, manifests)
	report.Installed = installed
	if err != nil {
		o.metrics.IncrementInstallFailures(ctx, "index-write")
		report.Duration = time.Since(start)
		return report, fmt.Errorf("installing packages: %w", err)
	}
	o.metrics.IncrementPackagesInstalled(ctx, "", int64(len(installed)))
	if failed := len(manifests) - len(installed); failed > 0 {
		o.metrics.IncrementInstallFailures(ctx, "download-or-extract")
	}

	o.logSemVer2Compatibility(manifests)

	// Step 5: timing.
	report.Duration = time.Since(start)
	o.metrics.RecordInstallDuration(ctx, report.Duration.Seconds())
	o.log.Info("install complete",
		slog.Int("requested", report.Requested),
		slog.Int("already_present", report.AlreadyPresent),
		slog.Int("installed", len(report.Installed)),
		slog.Int("unresolved", len(report.Unresolved)),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// logSemVer2Compatibility cross-checks each installed version against
// strict SemVer 2.0 (github.com/Masterminds/semver/v3), which the
// resolver's own engine deliberately does not implement (its ordering
// and prerelease-gating rules diverge from SemVer 2.0 precedence, see
// DESIGN.md). Build-metadata suffixes ("+build") are valid SemVer 2.0
// but fall outside the version grammar the resolver parses, so they are
// called out here rather than silently dropped.
func (o *Orchestrator) logSemVer2Compatibility(manifests []registry.VersionManifest) {
	for _, m := range manifests {
		v, err := semverlib.NewVersion(m.Version)
		if err != nil {
			o.log.Debug("installed version is not valid SemVer 2.0", slog.String("package", m.Name), slog.String("version", m.Version), slog.Any("error", err))
			continue
		}
		if v.Metadata() != "" {
			o.log.Debug("installed version carries SemVer 2.0 build metadata", slog.String("package", m.Name), slog.String("version", m.Version), slog.String("metadata", v.Metadata()))
		}
	}
}

// RunFromLockfile ingests an npm package-lock.json (component G) as an
// alternate specifier source and runs it through the same drive sequence.
func (o *Orchestrator) RunFromLockfile(ctx context.Context, r io.Reader) (Report, error) {
	inputs, err := pkglock.Parse(ctx, r)
	if err != nil {
		return Report{}, fmt.Errorf("parsing lockfile: %w", err)
	}
	return o.Run(ctx, inputs)
}

// Remove removes a single installed package from the store.
func (o *Orchestrator) Remove(name, version string) error {
	return o.store.Remove(name, version)
}

// Clear empties the store entirely.
func (o *Orchestrator) Clear() error {
	return o.store.Clear()
}

// List enumerates installed packages.
func (o *Orchestrator) List() ([]store.Entry, error) {
	return o.store.List()
}
