// Command qipi is the thin CLI front-end over the core library: it parses
// flags, builds a logger and the core's collaborators (an HTTP-backed
// registry client, a content-addressed store, a resolver), and hands off
// to orchestrator.Orchestrator. Correctness lives in the core packages,
// not here.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"

	"github.com/qipkg/qipi/cmd/qipi/globals"
	"github.com/qipkg/qipi/metrics"
	"github.com/qipkg/qipi/orchestrator"
	"github.com/qipkg/qipi/registry"
	"github.com/qipkg/qipi/resolver"
	"github.com/qipkg/qipi/storage"
	"github.com/qipkg/qipi/store"
)

var version = "dev"

type CLI struct {
	globals.Globals

	Version VersionCmd `cmd:"" help:"Show version information"`
	Add     AddCmd     `cmd:"" help:"Resolve and install packages into the store"`
	Remove  RemoveCmd  `cmd:"" help:"Remove an installed package from the store"`
	Store   StoreCmd   `cmd:"" help:"Manage the store as a whole"`
	List    ListCmd    `cmd:"" help:"List installed packages"`
}

type VersionCmd struct{}

func (cmd *VersionCmd) Run(g *globals.Globals) error {
	fmt.Println(version)
	return nil
}

// RegistryFlags are the flags shared by every subcommand that talks to
// the registry and the store.
type RegistryFlags struct {
	Registry    string `help:"Registry base URL" default:"https://registry.npmjs.org" env:"QIPI_REGISTRY"`
	StorePath   string `help:"Path to the package store (local filesystem backend)" env:"QIPI_STORE_PATH"`
	MetricsAddr string `help:"If set, serve Prometheus metrics on this address instead of disabling metrics" env:"QIPI_METRICS_ADDR"`

	S3Bucket          string `help:"If set, back the store with this S3 (or MinIO-compatible) bucket instead of local disk" env:"QIPI_S3_BUCKET"`
	S3Prefix          string `help:"Key prefix within the S3 bucket" env:"QIPI_S3_PREFIX"`
	S3Region          string `help:"S3 region" env:"QIPI_S3_REGION"`
	S3Endpoint        string `help:"S3-compatible endpoint URL, e.g. for MinIO" env:"QIPI_S3_ENDPOINT"`
	S3AccessKeyID     string `help:"S3 access key ID" env:"QIPI_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `help:"S3 secret access key" env:"QIPI_S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `help:"Use path-style S3 addressing, required by most MinIO deployments" env:"QIPI_S3_FORCE_PATH_STYLE"`
}

func (f RegistryFlags) storeRoot() (string, error) {
	if f.StorePath != "" {
		return f.StorePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, ".qipi", "store"), nil
}

// storageBackend builds the store's persistence layer: S3 when a bucket
// is configured, local filesystem otherwise.
func (f RegistryFlags) storageBackend(ctx context.Context) (storage.Storage, error) {
	if f.S3Bucket != "" {
		return storage.NewS3(ctx, storage.S3Config{
			Bucket:          f.S3Bucket,
			Prefix:          f.S3Prefix,
			Region:          f.S3Region,
			Endpoint:        f.S3Endpoint,
			AccessKeyID:     f.S3AccessKeyID,
			SecretAccessKey: f.S3SecretAccessKey,
			ForcePathStyle:  f.S3ForcePathStyle,
		})
	}

	root, err := f.storeRoot()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating store root %s: %w", root, err)
	}
	return storage.NewFileSystem(root), nil
}

func newLogger(verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildOrchestrator constructs the core collaborators shared by add,
// remove, store, and list: a registry client, a store backed by local
// disk or S3 depending on the flags given, a resolver builder, and an
// optional metrics handle.
func buildOrchestrator(ctx context.Context, log *slog.Logger, f RegistryFlags) (*orchestrator.Orchestrator, error) {
	backend, err := f.storageBackend(ctx)
	if err != nil {
		return nil, err
	}

	st, err := store.New(ctx, log, backend)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	client := registry.New(log, f.Registry)
	builder := resolver.New(log, client)

	var m metrics.Metrics
	if f.MetricsAddr != "" {
		m, err = metrics.New()
		if err != nil {
			return nil, fmt.Errorf("initializing metrics: %w", err)
		}
		go func() {
			if err := metrics.ListenAndServe(f.MetricsAddr); err != nil {
				log.Error("metrics server exited", slog.String("addr", f.MetricsAddr), slog.Any("error", err))
			}
		}()
	}

	return orchestrator.New(log, builder, st, m), nil
}

type AddCmd struct {
	RegistryFlags
	Packages []string `arg:"" optional:"" help:"Package specifiers to install, e.g. left-pad@1.3.0"`
	Lockfile string   `help:"Install from an npm package-lock.json instead of package arguments"`
}

func (cmd *AddCmd) Run(g *globals.Globals) error {
	log := newLogger(g.Verbose)
	ctx := context.Background()

	o, err := buildOrchestrator(ctx, log, cmd.RegistryFlags)
	if err != nil {
		return err
	}

	var report orchestrator.Report
	switch {
	case cmd.Lockfile != "":
		f, err := os.Open(cmd.Lockfile)
		if err != nil {
			return fmt.Errorf("opening lockfile %s: %w", cmd.Lockfile, err)
		}
		defer f.Close()
		report, err = o.RunFromLockfile(ctx, f)
		if err != nil {
			return err
		}
	case len(cmd.Packages) == 1 && filepath.Base(cmd.Packages[0]) == "package-lock.json":
		f, err := os.Open(cmd.Packages[0])
		if err != nil {
			return fmt.Errorf("opening lockfile %s: %w", cmd.Packages[0], err)
		}
		defer f.Close()
		report, err = o.RunFromLockfile(ctx, f)
		if err != nil {
			return err
		}
	case len(cmd.Packages) == 0:
		return fmt.Errorf("no packages specified")
	default:
		report, err = o.Run(ctx, cmd.Packages)
		if err != nil {
			return err
		}
	}

	fmt.Printf("installed %d package(s) in %s (%d already present, %d unresolved)\n",
		len(report.Installed), report.Duration.Round(time.Millisecond), report.AlreadyPresent, len(report.Unresolved))

	if len(report.Installed) == 0 && report.AlreadyPresent == 0 {
		os.Exit(1)
	}
	return nil
}

type RemoveCmd struct {
	RegistryFlags
	Name    string `arg:"" help:"Package name"`
	Version string `arg:"" help:"Package version"`
}

func (cmd *RemoveCmd) Run(g *globals.Globals) error {
	log := newLogger(g.Verbose)
	ctx := context.Background()

	o, err := buildOrchestrator(ctx, log, cmd.RegistryFlags)
	if err != nil {
		return err
	}
	return o.Remove(cmd.Name, cmd.Version)
}

type StoreCmd struct {
	RegistryFlags
	Clear  bool     `help:"Remove every installed package and the index"`
	Remove []string `help:"Remove the given name@version keys"`
}

func (cmd *StoreCmd) Run(g *globals.Globals) error {
	log := newLogger(g.Verbose)
	ctx := context.Background()

	o, err := buildOrchestrator(ctx, log, cmd.RegistryFlags)
	if err != nil {
		return err
	}

	if cmd.Clear {
		return o.Clear()
	}

	if len(cmd.Remove) == 0 {
		return fmt.Errorf("specify --clear or --remove name@version...")
	}

	var errs []error
	for _, key := range cmd.Remove {
		name, ver, ok := splitKey(key)
		if !ok {
			errs = append(errs, fmt.Errorf("invalid key %q, expected name@version", key))
			continue
		}
		if err := o.Remove(name, ver); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d removal(s) failed: %v", len(errs), errs)
	}
	return nil
}

func splitKey(key string) (name, version string, ok bool) {
	for i := len(key) - 1; i > 0; i-- {
		if key[i] == '@' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

type ListCmd struct {
	RegistryFlags
}

func (cmd *ListCmd) Run(g *globals.Globals) error {
	log := newLogger(g.Verbose)
	ctx := context.Background()

	o, err := buildOrchestrator(ctx, log, cmd.RegistryFlags)
	if err != nil {
		return err
	}

	entries, err := o.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s@%s\n", e.Name, e.Version)
	}
	return nil
}

func main() {
	cli := CLI{
		Globals: globals.Globals{},
	}

	ctx := kong.Parse(&cli,
		kong.Name("qipi"),
		kong.Description("A package manager for npm-wire-compatible registries"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&cli.Globals)
	ctx.FatalIfErrorf(err)
}
