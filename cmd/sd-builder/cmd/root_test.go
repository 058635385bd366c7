package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/sd-builder/internal/config"
	"github.com/oshokin/sd-builder/internal/manifest"
)

// TestReadToken covers the degrade-to-anonymous contract.
func TestReadToken(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// Missing file.
	require.Empty(t, readToken(context.Background(), filepath.Join(dir, "absent")))

	// Well-formed classic token.
	path := filepath.Join(dir, "github.token")
	require.NoError(t, os.WriteFile(path, []byte("ghp_abcdefghijklmnop\n"), 0o600))
	require.Equal(t, "ghp_abcdefghijklmnop", readToken(context.Background(), path))

	// Fine-grained token.
	require.NoError(t, os.WriteFile(path, []byte("github_pat_123456\n"), 0o600))
	require.Equal(t, "github_pat_123456", readToken(context.Background(), path))

	// Garbage downgrades to anonymous instead of failing.
	require.NoError(t, os.WriteFile(path, []byte("password123"), 0o600))
	require.Empty(t, readToken(context.Background(), path))
}

// TestLoadSettings covers the optional-settings-file contract.
func TestLoadSettings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	// An existing file supplies the values the flags did not override.
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 2\nvariant: mariko\n"), 0o600))

	cfg, err := loadSettings(ctx, path, true)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Workers)
	require.Equal(t, manifest.VariantMariko, cfg.Variant)

	// Nothing at the default location means plain defaults.
	cfg, err = loadSettings(ctx, filepath.Join(dir, "absent.yaml"), false)
	require.NoError(t, err)
	require.Equal(t, config.DefaultWorkers, cfg.Workers)
	require.Equal(t, manifest.VariantErista, cfg.Variant)

	// A path the user named explicitly has to exist.
	_, err = loadSettings(ctx, filepath.Join(dir, "absent.yaml"), true)
	require.Error(t, err)

	// An invalid file is an error even at the default location.
	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("workers: 99\n"), 0o600))

	_, err = loadSettings(ctx, broken, false)
	require.Error(t, err)
}

func TestValidTokenShape(t *testing.T) {
	t.Parallel()

	require.True(t, validTokenShape("ghp_x"))
	require.True(t, validTokenShape("github_pat_x"))
	require.False(t, validTokenShape(""))
	require.False(t, validTokenShape("gho_oauth"))
	require.False(t, validTokenShape("hunter2"))
}
