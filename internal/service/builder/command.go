package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/sd-builder/internal/archive"
	"github.com/oshokin/sd-builder/internal/cache"
	"github.com/oshokin/sd-builder/internal/config"
	"github.com/oshokin/sd-builder/internal/fetch"
	"github.com/oshokin/sd-builder/internal/github"
	"github.com/oshokin/sd-builder/internal/logger"
	"github.com/oshokin/sd-builder/internal/manifest"
	"github.com/oshokin/sd-builder/internal/placement"
	"github.com/oshokin/sd-builder/internal/resolve"
	"github.com/oshokin/sd-builder/internal/runlock"
)

var (
	errSettingsNotInitialised = errors.New("settings are not initialized")
	errNoApplicablePackages   = errors.New("no packages apply to this variant")
	errPackagesFailed         = errors.New("packages failed")
)

// Options are inputs accepted by the builder entry point.
type Options struct {
	// Config is the run configuration composed by the CLI.
	Config *config.Config
	// Client optionally overrides the GitHub API client. A nil value
	// builds one from the configuration.
	Client *github.Client
}

// runner holds the mutable state and helpers for a single build execution.
// It is intentionally unexported—call Run(ctx, *Options) from callers.
type runner struct {
	cfg        *config.Config    // Run configuration composed by the CLI.
	resolver   *resolve.Resolver // Manifest package to version and asset.
	store      *cache.Store      // Content cache under cfg.CacheDir.
	downloader *fetch.Downloader // Retrying HTTP download engine.
	lock       *runlock.Lock     // Working directory lock, released in cleanup.
	scratchDir string            // Where zip assets are exploded before staging.
	report     *Report           // Filled in as the run progresses.
}

// Run executes the build lifecycle and is the public entry point for the CLI.
// The returned report is non-nil whenever the run got past initialization,
// including on failure.
func Run(ctx context.Context, opts *Options) (*Report, error) {
	ctx = logger.WithName(ctx, "builder")

	b, err := newRunner(ctx, opts)
	if err != nil {
		return nil, err
	}

	defer b.cleanup(ctx)

	if err = b.run(ctx); err != nil {
		logger.ErrorKV(ctx, "Build failed", "error", err)
		return b.report, err
	}

	logger.InfoKV(ctx, "Build completed", "summary", b.report.Summary())

	return b.report, nil
}

// newRunner validates the configuration, takes the run lock and wires the
// pipeline components together.
func newRunner(ctx context.Context, opts *Options) (*runner, error) {
	if opts == nil || opts.Config == nil {
		return nil, errSettingsNotInitialised
	}

	cfg := opts.Config
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	b := &runner{cfg: cfg}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	lock, err := runlock.Acquire(ctx, filepath.Join(cfg.CacheDir, runlock.Filename))
	if err != nil {
		return nil, err
	}

	b.lock = lock

	client := opts.Client
	if client == nil {
		client = github.NewClient(github.Config{Token: cfg.Token})
	}

	b.resolver = resolve.New(client)
	b.store = cache.New(cfg.CacheDir)
	b.downloader = fetch.New(fetch.Config{})

	return b, nil
}

// run executes the pipeline:
// 1) Purge the cache when asked to.
// 2) Load the manifest and select variant-applicable packages.
// 3) Resolve and fetch every package, bounded by the worker budget.
// 4) Stage packages in manifest order, then the overlay tree.
// 5) Materialize the card tree and optionally pack it.
func (b *runner) run(ctx context.Context) error {
	started := time.Now()

	b.report = &Report{
		RunID:   uuid.NewString(),
		Variant: b.cfg.Variant,
	}

	ctx = logger.WithKV(ctx, "run_id", b.report.RunID)

	defer func() {
		b.report.Duration = time.Since(started)
	}()

	if b.cfg.PurgeCache {
		logger.Info(ctx, "Purging download cache")

		if err := b.store.Purge(); err != nil {
			return err
		}
	}

	m, err := manifest.Load(b.cfg.ManifestPath)
	if err != nil {
		return err
	}

	packages := m.Applicable(b.cfg.Variant)
	if len(packages) == 0 {
		return errNoApplicablePackages
	}

	logger.InfoKV(ctx, "Manifest loaded",
		"packages", len(m.Packages),
		"applicable", len(packages),
		"variant", b.cfg.Variant)

	results, err := b.acquirePackages(ctx, packages)
	b.report.Results = results

	if err != nil {
		return err
	}

	staging, err := b.stage(ctx, packages, results)
	if err != nil {
		return err
	}

	b.report.Staged = staging.Len()

	if err = b.produce(ctx, staging); err != nil {
		return err
	}

	if _, _, failed := b.report.Counts(); failed > 0 {
		return fmt.Errorf("%w: %d of %d", errPackagesFailed, failed, len(packages))
	}

	return nil
}

// acquirePackages resolves and fetches every package concurrently. Failures
// stay with their package so the siblings keep going; only cancellation
// aborts the stage.
func (b *runner) acquirePackages(ctx context.Context, packages []manifest.Package) ([]PackageResult, error) {
	results := make([]PackageResult, len(packages))

	bar := newProgressBar(len(packages))
	defer func() {
		_ = bar.Finish()
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.cfg.Workers)

	for i, pkg := range packages {
		i, pkg := i, pkg

		group.Go(func() error {
			results[i] = b.acquirePackage(groupCtx, pkg, bar)
			return nil
		})
	}

	// Workers report failures through results, never through the group.
	_ = group.Wait()

	if err := ctx.Err(); err != nil {
		return results, err
	}

	return results, nil
}

// acquirePackage runs resolution and the cache-or-download step for one
// package and classifies the result.
func (b *runner) acquirePackage(ctx context.Context, pkg manifest.Package, bar *progressbar.ProgressBar) PackageResult {
	result := PackageResult{Name: pkg.Name}

	defer func() {
		_ = bar.Add(1)
	}()

	bar.Describe("resolving " + pkg.Name)

	resolved, err := b.resolver.Resolve(ctx, pkg)
	if err != nil {
		logger.WarnKV(ctx, "Package resolution failed", "package", pkg.Name, "error", err)

		result.Outcome = OutcomeFailed
		result.Err = err

		return result
	}

	result.Version = resolved.Version
	result.Asset = resolved.Asset.Name

	bar.Describe("fetching " + pkg.Name)

	key := cache.Key{Package: pkg.Name, Version: resolved.Version, Asset: resolved.Asset.Name}

	path, hit, err := b.store.GetOrFetch(ctx, key, resolved.Asset.Size, func(ctx context.Context, dest string) error {
		return b.downloader.Download(ctx, fetch.Request{
			URL:          resolved.Asset.URL,
			Dest:         dest,
			ExpectedSize: resolved.Asset.Size,
		})
	})
	if err != nil {
		logger.WarnKV(ctx, "Package fetch failed", "package", pkg.Name, "error", err)

		result.Outcome = OutcomeFailed
		result.Err = err

		return result
	}

	result.assetPath = path

	if hit {
		result.Outcome = OutcomeCached

		logger.DebugKV(ctx, "Package served from cache",
			"package", pkg.Name, "version", resolved.Version, "asset", resolved.Asset.Name)
	} else {
		result.Outcome = OutcomeFetched

		logger.InfoKV(ctx, "Package downloaded",
			"package", pkg.Name, "version", resolved.Version, "asset", resolved.Asset.Name)
	}

	return result
}

// stage places fetched packages in manifest order and merges the overlay
// tree on top. A placement failure demotes its package to failed without
// touching the others.
func (b *runner) stage(ctx context.Context, packages []manifest.Package, results []PackageResult) (*placement.Staging, error) {
	scratchDir, err := os.MkdirTemp("", "sd-builder-")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	b.scratchDir = scratchDir

	placer := placement.New(b.cfg.Variant, scratchDir)
	staging := placement.NewStaging()

	for i := range packages {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		result := &results[i]
		if result.Outcome == OutcomeFailed {
			continue
		}

		if err = placer.PlacePackage(ctx, staging, packages[i], result.Asset, result.assetPath); err != nil {
			logger.WarnKV(ctx, "Package placement failed", "package", packages[i].Name, "error", err)

			result.Outcome = OutcomeFailed
			result.Err = err
		}
	}

	if b.cfg.SkipOverlays {
		logger.Info(ctx, "Overlay merging disabled")
		return staging, nil
	}

	if err = placer.PlaceOverlays(ctx, staging, b.cfg.OverlayDir); err != nil {
		return nil, fmt.Errorf("place overlays: %w", err)
	}

	return staging, nil
}

// produce materializes the staged tree and packs it when requested.
func (b *runner) produce(ctx context.Context, staging *placement.Staging) error {
	if err := archive.Materialize(ctx, staging, b.cfg.OutputDir); err != nil {
		return err
	}

	b.report.OutputDir = b.cfg.OutputDir

	logger.InfoKV(ctx, "Card tree materialized", "path", b.cfg.OutputDir, "files", staging.Len())

	if !b.cfg.Pack {
		return nil
	}

	archivePath := b.cfg.EffectiveArchiveName()
	if err := archive.PackFile(ctx, staging, archivePath); err != nil {
		return err
	}

	b.report.ArchivePath = archivePath

	logger.InfoKV(ctx, "Archive written", "path", archivePath)

	return nil
}

// cleanup releases the run lock and removes the scratch directory.
func (b *runner) cleanup(ctx context.Context) {
	if b.scratchDir != "" {
		if _, err := os.Stat(b.scratchDir); err == nil {
			_ = os.RemoveAll(b.scratchDir)
		}
	}

	if b.lock != nil {
		if err := b.lock.Release(); err != nil {
			logger.WarnKV(ctx, "Releasing run lock failed", "error", err)
		}
	}

	logger.Debug(ctx, "The builder has been stopped")
}

// newProgressBar configures the per-package progress indicator.
// The bar shares standard error with the logs; standard output carries
// only the final report.
func newProgressBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionFullWidth(),
		progressbar.OptionShowDescriptionAtLineEnd(),
		progressbar.OptionSetDescription("resolving"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}
