package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/sd-builder/internal/manifest"
)

// Config holds the effective settings of a single build run. The CLI
// composes it from flags layered over an optional settings file and
// passes it down explicitly; nothing reads configuration ambiently.
type Config struct {
	// ManifestPath is the package manifest location.
	ManifestPath string `yaml:"manifest"`
	// OverlayDir is the local configuration tree merged over packages.
	OverlayDir string `yaml:"overlays"`
	// OutputDir is the card tree the build materializes into.
	OutputDir string `yaml:"output"`
	// CacheDir is where downloaded assets are kept between runs.
	CacheDir string `yaml:"cache_dir"`
	// TokenFile is the optional GitHub token file location.
	TokenFile string `yaml:"token_file"`
	// Workers bounds concurrent downloads.
	Workers int `yaml:"workers"`
	// Variant selects the hardware revision to build for.
	Variant manifest.Variant `yaml:"variant"`
	// SkipOverlays disables merging the overlay tree.
	SkipOverlays bool `yaml:"skip_overlays"`
	// PurgeCache empties the cache before resolving.
	PurgeCache bool `yaml:"purge_cache"`
	// Pack enables producing a zip archive of the build.
	Pack bool `yaml:"pack"`
	// ArchiveName overrides the derived archive name. It is only
	// meaningful when Pack is set.
	ArchiveName string `yaml:"archive"`
	// Token is the GitHub token read at startup. It is never persisted.
	Token string `yaml:"-"`
}

const (
	// DefaultConfigFilename is the default settings file location.
	DefaultConfigFilename = "sd-builder-settings.yaml"

	// DefaultManifestFilename is the default package manifest location.
	DefaultManifestFilename = "packages.yaml"

	// DefaultOverlayDirname is the default overlay tree location.
	DefaultOverlayDirname = "overlays"

	// DefaultOutputDirname is the default card tree location.
	DefaultOutputDirname = "sd"

	// DefaultCacheDirname is the default download cache location.
	DefaultCacheDirname = "downloads_cache"

	// DefaultTokenFilename is the default GitHub token file location.
	DefaultTokenFilename = "github.token"

	// DefaultWorkers is the default download concurrency.
	DefaultWorkers = 4

	// MaxWorkers bounds download concurrency to keep GitHub happy.
	MaxWorkers = 16

	// DefaultFilePermissions is the default file permission for
	// configuration files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errUnknownVariant is returned for variants other than erista and mariko.
	errUnknownVariant = errors.New("variant must be erista or mariko")
	// errTooManyWorkers is returned when the worker bound is exceeded.
	errTooManyWorkers = errors.New("worker count exceeds the maximum")
)

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		ManifestPath: DefaultManifestFilename,
		OverlayDir:   DefaultOverlayDirname,
		OutputDir:    DefaultOutputDirname,
		CacheDir:     DefaultCacheDirname,
		TokenFile:    DefaultTokenFilename,
		Workers:      DefaultWorkers,
		Variant:      manifest.VariantErista,
	}
}

// Load reads configuration from the provided path and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	cfg := Default()
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the configuration and fills in defaults for empty fields.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.Variant == "" {
		cfg.Variant = manifest.VariantErista
	}

	if cfg.Variant != manifest.VariantErista && cfg.Variant != manifest.VariantMariko {
		return fmt.Errorf("%w: got %q", errUnknownVariant, cfg.Variant)
	}

	if cfg.ManifestPath == "" {
		cfg.ManifestPath = DefaultManifestFilename
	}

	if cfg.OverlayDir == "" {
		cfg.OverlayDir = DefaultOverlayDirname
	}

	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDirname
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = DefaultCacheDirname
	}

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	if cfg.Workers > MaxWorkers {
		return fmt.Errorf("%w: got %d, maximum %d", errTooManyWorkers, cfg.Workers, MaxWorkers)
	}

	cfg.ArchiveName = strings.TrimSpace(cfg.ArchiveName)

	return nil
}

// EffectiveArchiveName returns the archive file name of the run: the
// configured name with a ".zip" suffix ensured, or a variant-derived
// default when no name was given.
func (c *Config) EffectiveArchiveName() string {
	name := c.ArchiveName
	if name == "" {
		name = "sd-" + c.Variant.String()
	}

	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		name += ".zip"
	}

	return name
}
