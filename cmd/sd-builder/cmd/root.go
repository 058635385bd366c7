package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/sd-builder/internal/config"
	"github.com/oshokin/sd-builder/internal/logger"
	"github.com/oshokin/sd-builder/internal/manifest"
	"github.com/oshokin/sd-builder/internal/service/builder"
	"github.com/oshokin/sd-builder/internal/version"
)

// packFlagAuto marks --pack given without a value; the archive name is
// then derived from the variant.
const packFlagAuto = "auto"

var (
	// settingsPath is the optional settings file layered under the flags.
	settingsPath string
	// manifestPath stores the path to the package manifest.
	manifestPath string
	// overlayDir is the local configuration tree merged over packages.
	overlayDir string
	// outputDir is where the card tree is materialized.
	outputDir string
	// cacheDir keeps downloaded assets between runs.
	cacheDir string
	// mariko switches the build to the mariko hardware revision.
	mariko bool
	// skipOverlays disables merging the overlay tree.
	skipOverlays bool
	// purgeCache empties the cache before resolving.
	purgeCache bool
	// packName enables packing; empty or "auto" derives the name.
	packName string
	// workers bounds concurrent downloads.
	workers int
	// tokenFile is the optional GitHub token file.
	tokenFile string
	// logLevel selects logging verbosity.
	logLevel string

	// rootCmd represents the base command assembling the card tree.
	rootCmd = &cobra.Command{
		Use:   "sd-builder",
		Short: "Assemble a Switch SD card tree from a package manifest.",
		Long: `Assemble a ready-to-copy Nintendo Switch SD card tree from a YAML manifest.

Each manifest package names a GitHub repository whose release asset is
resolved, downloaded through a local content cache and unpacked into its
place on the card. A local overlay tree is merged on top, so personal
configuration always survives package updates. Failing packages are
reported and skipped; the rest of the card is still built.

Downloads are cached by package, version and asset, so a repeated run
performs no network transfers beyond release metadata lookups.

Every flag can also be set in a settings file (see --settings); flags
given explicitly win over the file.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			applyLogLevel(ctx)

			cfg, err := buildRunConfig(ctx, cmd)
			if err != nil {
				return err
			}

			report, err := builder.Run(ctx, &builder.Options{Config: cfg})
			printReport(cmd, report)

			return err
		},
	}
)

// Execute runs the sd-builder CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Flags shared with subcommands.
	persistent := rootCmd.PersistentFlags()
	persistent.StringVar(&settingsPath, "settings", config.DefaultConfigFilename, "optional settings file")
	persistent.StringVar(&cacheDir, "cache-dir", config.DefaultCacheDirname, "download cache directory")
	persistent.StringVar(&tokenFile, "token-file", config.DefaultTokenFilename, "GitHub token file")
	persistent.StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	// Flags of the build itself.
	flags := rootCmd.Flags()
	flags.StringVarP(&manifestPath, "manifest", "m", config.DefaultManifestFilename, "package manifest file")
	flags.StringVar(&overlayDir, "overlays", config.DefaultOverlayDirname, "configuration overlay tree")
	flags.StringVarP(&outputDir, "output", "o", config.DefaultOutputDirname, "card tree output directory")
	flags.BoolVar(&mariko, "mariko", false, "build for the mariko hardware revision")
	flags.BoolVar(&skipOverlays, "skip-overlays", false, "do not merge the overlay tree")
	flags.BoolVar(&purgeCache, "purge-cache", false, "empty the download cache before resolving")
	flags.StringVar(&packName, "pack", "", "additionally pack the tree into a zip archive")
	flags.IntVarP(&workers, "workers", "w", config.DefaultWorkers, "concurrent downloads")

	// --pack may appear without a value; the name is derived then.
	flags.Lookup("pack").NoOptDefVal = packFlagAuto
}

// buildRunConfig composes the run configuration: the optional settings
// file first, then every flag the user actually passed on top of it.
func buildRunConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	cfg, err := loadSettings(ctx, settingsPath, flags.Changed("settings"))
	if err != nil {
		return nil, err
	}

	if flags.Changed("manifest") {
		cfg.ManifestPath = manifestPath
	}

	if flags.Changed("overlays") {
		cfg.OverlayDir = overlayDir
	}

	if flags.Changed("output") {
		cfg.OutputDir = outputDir
	}

	if flags.Changed("cache-dir") {
		cfg.CacheDir = cacheDir
	}

	if flags.Changed("token-file") {
		cfg.TokenFile = tokenFile
	}

	if flags.Changed("workers") {
		cfg.Workers = workers
	}

	if flags.Changed("skip-overlays") {
		cfg.SkipOverlays = skipOverlays
	}

	if flags.Changed("purge-cache") {
		cfg.PurgeCache = purgeCache
	}

	if mariko {
		cfg.Variant = manifest.VariantMariko
	}

	if flags.Changed("pack") {
		cfg.Pack = true

		if packName != packFlagAuto {
			cfg.ArchiveName = packName
		}
	}

	cfg.Token = readToken(ctx, cfg.TokenFile)

	return cfg, nil
}

// loadSettings reads the settings file underneath the flags. A missing
// file at the default location just means defaults; a missing file the
// user named explicitly is an error.
func loadSettings(ctx context.Context, path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)

	switch {
	case err == nil:
		logger.DebugKV(ctx, "Settings file loaded", "path", path)
		return cfg, nil
	case errors.Is(err, os.ErrNotExist) && !explicit:
		return config.Default(), nil
	default:
		return nil, err
	}
}

// readToken loads the GitHub token, tolerating a missing or malformed
// file. A build without a token only runs into the lower anonymous API
// limits, so every failure here downgrades instead of aborting.
func readToken(ctx context.Context, path string) string {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.DebugKV(ctx, "No token file, staying unauthenticated", "path", path)
		} else {
			logger.WarnKV(ctx, "Token file unreadable, staying unauthenticated", "path", path, "error", err)
		}

		return ""
	}

	token := strings.TrimSpace(string(contents))
	if !validTokenShape(token) {
		logger.WarnKV(ctx, "Token file does not look like a GitHub token, staying unauthenticated", "path", path)
		return ""
	}

	return token
}

// validTokenShape accepts the fine-grained and classic personal access
// token prefixes.
func validTokenShape(token string) bool {
	return strings.HasPrefix(token, "ghp_") || strings.HasPrefix(token, "github_pat_")
}

// applyLogLevel sets the logging verbosity from the flag.
func applyLogLevel(ctx context.Context) {
	level, known := logger.ParseLogLevel(logLevel)
	if !known {
		logger.WarnKV(ctx, "Unknown log level, keeping info", "value", logLevel)
		return
	}

	logger.SetLevel(level)
}

// printReport renders the run summary for humans.
func printReport(cmd *cobra.Command, report *builder.Report) {
	if report == nil {
		return
	}

	out := cmd.OutOrStdout()

	_, _ = fmt.Fprintln(out, report.Summary())

	for _, failure := range report.Failures() {
		_, _ = fmt.Fprintf(out, "  failed: %s: %v\n", failure.Name, failure.Err)
	}

	if report.ArchivePath != "" {
		_, _ = fmt.Fprintln(out, "archive: "+report.ArchivePath)
	}
}
