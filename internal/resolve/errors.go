package resolve

import (
	"fmt"
	"strings"
)

// VersionNotFoundError is returned when a repository has no published
// releases or the pinned tag does not exist upstream.
type VersionNotFoundError struct {
	// Package is the manifest name of the affected package.
	Package string
	// Repo is the repository in "owner/name" form.
	Repo string
	// Tag is the pinned tag; empty when the latest release was requested.
	Tag string
}

// Error implements the error interface.
func (e *VersionNotFoundError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("package %q: repository %s has no published releases", e.Package, e.Repo)
	}

	return fmt.Sprintf("package %q: repository %s has no release tagged %q", e.Package, e.Repo, e.Tag)
}

// AssetNotFoundError is returned when no release asset matches the
// package's glob.
type AssetNotFoundError struct {
	// Package is the manifest name of the affected package.
	Package string
	// Pattern is the asset glob from the manifest.
	Pattern string
	// Tag is the release tag the assets belong to.
	Tag string
	// Available lists the asset names present on the release.
	Available []string
}

// Error implements the error interface.
func (e *AssetNotFoundError) Error() string {
	return fmt.Sprintf("package %q: no asset of release %s matches %q (available: %s)",
		e.Package, e.Tag, e.Pattern, strings.Join(e.Available, ", "))
}

// AmbiguousAssetError is returned when a glob matches more than one asset
// of the same release.
type AmbiguousAssetError struct {
	// Package is the manifest name of the affected package.
	Package string
	// Pattern is the asset glob from the manifest.
	Pattern string
	// Tag is the release tag the assets belong to.
	Tag string
	// Matches lists all asset names the glob matched.
	Matches []string
}

// Error implements the error interface.
func (e *AmbiguousAssetError) Error() string {
	return fmt.Sprintf("package %q: glob %q matches %d assets of release %s: %s",
		e.Package, e.Pattern, len(e.Matches), e.Tag, strings.Join(e.Matches, ", "))
}
