package resolve

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"time"

	"github.com/oshokin/sd-builder/internal/github"
	"github.com/oshokin/sd-builder/internal/logger"
	"github.com/oshokin/sd-builder/internal/manifest"
)

// VersionStatic is the pseudo-version of direct-URL sources.
// Their content is assumed stable; purging the cache forces a refresh.
const VersionStatic = "static"

// API is the subset of the GitHub client the resolver depends on.
type API interface {
	LatestRelease(ctx context.Context, owner, repo string) (*github.Release, error)
	ReleaseByTag(ctx context.Context, owner, repo, tag string) (*github.Release, error)
	Repository(ctx context.Context, owner, repo string) (*github.Repository, error)
	RawFileURL(owner, repo, branch, filePath string) string
}

// Asset is the single downloadable file of a resolved package.
type Asset struct {
	// Name is the file name the asset is stored and placed under.
	Name string
	// Size is the declared size in bytes; 0 means unknown.
	Size int64
	// UpdatedAt is the upstream modification time; zero means unknown.
	UpdatedAt time.Time
	// URL is the download location.
	URL string
}

// Resolved pins a manifest package to one version and one asset.
type Resolved struct {
	// Package is the manifest entry that was resolved.
	Package manifest.Package
	// Version is the release tag, the default branch name for raw files
	// or VersionStatic for direct URLs.
	Version string
	// Asset is the file to download.
	Asset Asset
}

// Resolver resolves manifest packages against the GitHub API.
type Resolver struct {
	api API
}

// New creates a Resolver on top of the provided API.
func New(api API) *Resolver {
	return &Resolver{api: api}
}

// Resolve determines the exact version and asset for one package.
// It performs at most one metadata request.
func (r *Resolver) Resolve(ctx context.Context, pkg manifest.Package) (*Resolved, error) {
	switch pkg.SourceKind() {
	case manifest.SourceURL:
		return resolveURL(pkg)
	case manifest.SourceRepoFile:
		return r.resolveRepoFile(ctx, pkg)
	default:
		return r.resolveRelease(ctx, pkg)
	}
}

// resolveURL passes a direct URL through without touching the network.
func resolveURL(pkg manifest.Package) (*Resolved, error) {
	parsed, err := url.Parse(pkg.URL)
	if err != nil {
		return nil, fmt.Errorf("package %q: parse url: %w", pkg.Name, err)
	}

	return &Resolved{
		Package: pkg,
		Version: VersionStatic,
		Asset: Asset{
			Name: path.Base(parsed.Path),
			URL:  pkg.URL,
		},
	}, nil
}

// resolveRepoFile resolves a raw file through the default branch.
func (r *Resolver) resolveRepoFile(ctx context.Context, pkg manifest.Package) (*Resolved, error) {
	owner, name := pkg.RepoOwnerName()

	repository, err := r.api.Repository(ctx, owner, name)
	if err != nil {
		if github.IsNotFound(err) {
			return nil, &VersionNotFoundError{Package: pkg.Name, Repo: pkg.Repo}
		}

		return nil, fmt.Errorf("package %q: repository metadata: %w", pkg.Name, err)
	}

	return &Resolved{
		Package: pkg,
		Version: repository.DefaultBranch,
		Asset: Asset{
			Name: path.Base(pkg.File),
			URL:  r.api.RawFileURL(owner, name, repository.DefaultBranch, pkg.File),
		},
	}, nil
}

// resolveRelease resolves a release source, latest or pinned, and picks
// the single asset matching the package's glob.
func (r *Resolver) resolveRelease(ctx context.Context, pkg manifest.Package) (*Resolved, error) {
	var (
		owner, name = pkg.RepoOwnerName()
		release     *github.Release
		err         error
	)

	if pkg.Tag != "" {
		release, err = r.api.ReleaseByTag(ctx, owner, name, pkg.Tag)
	} else {
		release, err = r.api.LatestRelease(ctx, owner, name)
	}

	if err != nil {
		if github.IsNotFound(err) {
			return nil, &VersionNotFoundError{Package: pkg.Name, Repo: pkg.Repo, Tag: pkg.Tag}
		}

		return nil, fmt.Errorf("package %q: release metadata: %w", pkg.Name, err)
	}

	logger.DebugKV(ctx, "resolved release",
		"package", pkg.Name,
		"repo", pkg.Repo,
		"tag", release.TagName)

	matches := make([]github.Asset, 0, 1)

	for _, asset := range release.Assets {
		ok, matchErr := path.Match(pkg.Asset, asset.Name)
		if matchErr != nil {
			return nil, fmt.Errorf("package %q: match asset glob: %w", pkg.Name, matchErr)
		}

		if ok {
			matches = append(matches, asset)
		}
	}

	switch len(matches) {
	case 0:
		return nil, &AssetNotFoundError{
			Package:   pkg.Name,
			Pattern:   pkg.Asset,
			Tag:       release.TagName,
			Available: assetNames(release.Assets),
		}
	case 1:
	default:
		return nil, &AmbiguousAssetError{
			Package: pkg.Name,
			Pattern: pkg.Asset,
			Tag:     release.TagName,
			Matches: assetNames(matches),
		}
	}

	picked := matches[0]

	return &Resolved{
		Package: pkg,
		Version: release.TagName,
		Asset: Asset{
			Name:      picked.Name,
			Size:      picked.Size,
			UpdatedAt: picked.UpdatedAt,
			URL:       picked.BrowserDownloadURL,
		},
	}, nil
}

// assetNames projects assets to their names for error reporting.
func assetNames(assets []github.Asset) []string {
	names := make([]string, 0, len(assets))
	for _, asset := range assets {
		names = append(names, asset.Name)
	}

	return names
}
