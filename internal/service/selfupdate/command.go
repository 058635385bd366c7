package selfupdate

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/sd-builder/internal/config"
	"github.com/oshokin/sd-builder/internal/fetch"
	"github.com/oshokin/sd-builder/internal/github"
	"github.com/oshokin/sd-builder/internal/logger"
	"github.com/oshokin/sd-builder/internal/runlock"
	"github.com/oshokin/sd-builder/internal/version"

	// Ensure SHA256 is available for checksum verification.
	_ "crypto/sha256"
)

// The tool's own release coordinates.
const (
	selfOwner = "oshokin"
	selfRepo  = "sd-builder"
)

// targetFileMode is applied to the replaced executable.
const targetFileMode os.FileMode = 0o755

var (
	errSettingsNotInitialised = errors.New("settings are not initialized")
	errNoAssetForPlatform     = errors.New("release has no asset for this platform")
	errNoChecksumEntry        = errors.New("checksum list has no entry for asset")
	errNoReleases             = errors.New("no releases have been published")
)

// Options are inputs accepted by the self-update entry point.
type Options struct {
	// Config supplies the cache location for the run lock and the token.
	Config *config.Config
	// Client optionally overrides the GitHub API client. A nil value
	// builds one from the configuration.
	Client *github.Client
	// TargetPath optionally overrides the executable to replace.
	// Empty means the running binary.
	TargetPath string
}

// runner holds the mutable state for a single self-update execution.
// It is intentionally unexported—call Run(ctx, *Options) from callers.
type runner struct {
	cfg        *config.Config
	client     *github.Client
	downloader *fetch.Downloader
	lock       *runlock.Lock
	targetPath string
	tempDir    string
}

// Run executes the self-update lifecycle and is the public entry point
// for the CLI.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "selfupdate")

	u, err := newRunner(ctx, opts)
	if err != nil {
		return err
	}

	defer u.cleanup(ctx)

	if err = u.run(ctx); err != nil {
		logger.ErrorKV(ctx, "Self-update failed", "error", err)
		return err
	}

	return nil
}

// newRunner validates the configuration, takes the run lock and resolves
// which executable will be replaced.
func newRunner(ctx context.Context, opts *Options) (*runner, error) {
	if opts == nil || opts.Config == nil {
		return nil, errSettingsNotInitialised
	}

	cfg := opts.Config
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	u := &runner{cfg: cfg, targetPath: opts.TargetPath}

	if u.targetPath == "" {
		executable, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}

		u.targetPath = executable
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	lock, err := runlock.Acquire(ctx, filepath.Join(cfg.CacheDir, runlock.Filename))
	if err != nil {
		return nil, err
	}

	u.lock = lock

	u.client = opts.Client
	if u.client == nil {
		u.client = github.NewClient(github.Config{Token: cfg.Token})
	}

	u.downloader = fetch.New(fetch.Config{})

	return u, nil
}

// run executes the update workflow:
// 1) Resolve the latest release of the tool.
// 2) Compare it with the running version.
// 3) Pick and download the binary for this platform.
// 4) Verify it against checksums.txt when the release publishes one.
// 5) Swap the executable and drop the .old leftover.
func (u *runner) run(ctx context.Context) error {
	release, err := u.client.LatestRelease(ctx, selfOwner, selfRepo)
	if err != nil {
		if github.IsNotFound(err) {
			return errNoReleases
		}

		return fmt.Errorf("resolve latest release: %w", err)
	}

	remoteVersion := strings.TrimPrefix(release.TagName, "v")
	if !u.updateNeeded(ctx, remoteVersion) {
		return nil
	}

	asset, err := pickAsset(release.Assets, runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Downloading release binary",
		"version", remoteVersion,
		"asset", asset.Name,
		"size", asset.Size)

	u.tempDir, err = os.MkdirTemp("", "sd-builder-update-")
	if err != nil {
		return err
	}

	binaryPath := filepath.Join(u.tempDir, asset.Name)
	if err = u.download(ctx, asset.BrowserDownloadURL, binaryPath, asset.Size); err != nil {
		return err
	}

	checksum, err := u.fetchChecksum(ctx, release.Assets, asset.Name)
	if err != nil {
		return err
	}

	if err = u.apply(ctx, binaryPath, checksum); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Updated",
		"from", version.Short(),
		"to", remoteVersion,
		"target", u.targetPath)

	return nil
}

// updateNeeded compares the running version with the published one.
func (u *runner) updateNeeded(ctx context.Context, remoteVersion string) bool {
	if version.IsDev() {
		logger.Info(ctx, "Local build detected, version comparison skipped")
		return true
	}

	if version.Short() == remoteVersion {
		logger.InfoKV(ctx, "Already up to date", "version", remoteVersion)
		return false
	}

	logger.InfoKV(ctx, "Version mismatch detected",
		"local", version.Short(), "remote", remoteVersion)

	return true
}

// download fetches a release asset into the temporary directory.
func (u *runner) download(ctx context.Context, url, dest string, size int64) error {
	return u.downloader.Download(ctx, fetch.Request{
		URL:          url,
		Dest:         dest,
		ExpectedSize: size,
	})
}

// fetchChecksum downloads the release checksum list and extracts the
// entry for the named asset. A release without a checksum list yields
// nil, which skips verification.
func (u *runner) fetchChecksum(ctx context.Context, assets []github.Asset, name string) ([]byte, error) {
	checksums := findAsset(assets, checksumsAssetName)
	if checksums == nil {
		logger.Info(ctx, "Release publishes no checksum list, skipping verification")
		return nil, nil
	}

	listPath := filepath.Join(u.tempDir, checksumsAssetName)
	if err := u.download(ctx, checksums.BrowserDownloadURL, listPath, checksums.Size); err != nil {
		return nil, err
	}

	contents, err := os.ReadFile(listPath)
	if err != nil {
		return nil, err
	}

	return parseChecksums(contents, name)
}

// apply swaps the target executable for the downloaded binary.
func (u *runner) apply(ctx context.Context, binaryPath string, checksum []byte) error {
	data, err := os.Open(binaryPath)
	if err != nil {
		return err
	}

	defer func() {
		_ = data.Close()
	}()

	options := goupdate.Options{
		TargetPath: u.targetPath,
		TargetMode: targetFileMode,
	}

	if checksum != nil {
		options.Checksum = checksum
		options.Hash = crypto.SHA256

		logger.Debug(ctx, "Verifying checksum before applying")
	}

	if err = goupdate.Apply(data, options); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}

	oldPath := u.targetPath + ".old"
	if _, err = os.Stat(oldPath); err == nil {
		_ = os.Remove(oldPath)
	}

	return nil
}

// cleanup removes temporary artifacts and releases the run lock.
func (u *runner) cleanup(ctx context.Context) {
	if u.tempDir != "" {
		if _, err := os.Stat(u.tempDir); err == nil {
			_ = os.RemoveAll(u.tempDir)
		}
	}

	if u.lock != nil {
		if err := u.lock.Release(); err != nil {
			logger.WarnKV(ctx, "Releasing run lock failed", "error", err)
		}
	}
}
