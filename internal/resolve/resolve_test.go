package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/sd-builder/internal/github"
	"github.com/oshokin/sd-builder/internal/manifest"
)

// fakeAPI implements API with canned responses per method.
type fakeAPI struct {
	latest        *github.Release
	latestErr     error
	byTag         map[string]*github.Release
	repository    *github.Repository
	repositoryErr error
}

func (f *fakeAPI) LatestRelease(_ context.Context, _, _ string) (*github.Release, error) {
	return f.latest, f.latestErr
}

func (f *fakeAPI) ReleaseByTag(_ context.Context, _, _, tag string) (*github.Release, error) {
	release, ok := f.byTag[tag]
	if !ok {
		return nil, &github.APIError{StatusCode: 404, Message: "Not Found"}
	}

	return release, nil
}

func (f *fakeAPI) Repository(_ context.Context, _, _ string) (*github.Repository, error) {
	return f.repository, f.repositoryErr
}

func (f *fakeAPI) RawFileURL(owner, repo, branch, filePath string) string {
	return "https://raw.example.com/" + owner + "/" + repo + "/" + branch + "/" + filePath
}

// releasePackage is a minimal valid release-sourced manifest entry.
func releasePackage(glob, tag string) manifest.Package {
	return manifest.Package{
		Name:    "hekate",
		Section: manifest.SectionBootloader,
		Repo:    "CTCaer/hekate",
		Asset:   glob,
		Tag:     tag,
		Variant: manifest.VariantBoth,
	}
}

// TestResolveLatest picks the single glob match of the latest release.
func TestResolveLatest(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{latest: &github.Release{
		TagName:     "v6.2.2",
		PublishedAt: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		Assets: []github.Asset{
			{Name: "hekate_ctcaer_6.2.2.zip", Size: 100, BrowserDownloadURL: "https://example.com/h.zip"},
			{Name: "hekate_ipl_template.ini", Size: 5, BrowserDownloadURL: "https://example.com/i.ini"},
		},
	}}

	resolved, err := New(api).Resolve(context.Background(), releasePackage("hekate_ctcaer_*.zip", ""))
	require.NoError(t, err)
	require.Equal(t, "v6.2.2", resolved.Version)
	require.Equal(t, "hekate_ctcaer_6.2.2.zip", resolved.Asset.Name)
	require.Equal(t, int64(100), resolved.Asset.Size)
}

// TestResolvePinned uses the tag endpoint and fails typed on missing tags.
func TestResolvePinned(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{byTag: map[string]*github.Release{
		"v6.0.0": {
			TagName: "v6.0.0",
			Assets:  []github.Asset{{Name: "hekate_ctcaer_6.0.0.zip", Size: 90, BrowserDownloadURL: "https://example.com/old.zip"}},
		},
	}}

	resolved, err := New(api).Resolve(context.Background(), releasePackage("hekate_ctcaer_*.zip", "v6.0.0"))
	require.NoError(t, err)
	require.Equal(t, "v6.0.0", resolved.Version)

	_, err = New(api).Resolve(context.Background(), releasePackage("hekate_ctcaer_*.zip", "v9.9.9"))
	require.Error(t, err)

	var notFound *VersionNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "v9.9.9", notFound.Tag)
}

// TestResolveNoReleases maps a 404 on latest to VersionNotFoundError.
func TestResolveNoReleases(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{latestErr: &github.APIError{StatusCode: 404, Message: "Not Found"}}

	_, err := New(api).Resolve(context.Background(), releasePackage("*.zip", ""))
	require.Error(t, err)

	var notFound *VersionNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Empty(t, notFound.Tag)
}

// TestResolveAssetErrors covers the zero-match and many-match outcomes.
func TestResolveAssetErrors(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{latest: &github.Release{
		TagName: "v1.0.0",
		Assets: []github.Asset{
			{Name: "tool-linux.zip"},
			{Name: "tool-windows.zip"},
		},
	}}

	_, err := New(api).Resolve(context.Background(), releasePackage("*.tar.gz", ""))

	var assetNotFound *AssetNotFoundError
	require.ErrorAs(t, err, &assetNotFound)
	require.Len(t, assetNotFound.Available, 2)

	_, err = New(api).Resolve(context.Background(), releasePackage("tool-*.zip", ""))

	var ambiguous *AmbiguousAssetError
	require.ErrorAs(t, err, &ambiguous)
	require.Equal(t, []string{"tool-linux.zip", "tool-windows.zip"}, ambiguous.Matches)
}

// TestResolveRepoFile resolves through the default branch.
func TestResolveRepoFile(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{repository: &github.Repository{FullName: "a/b", DefaultBranch: "master"}}

	pkg := manifest.Package{
		Name:    "exosphere-ini",
		Section: manifest.SectionFirmware,
		Repo:    "a/b",
		File:    "config_templates/exosphere.ini",
		Variant: manifest.VariantBoth,
	}

	resolved, err := New(api).Resolve(context.Background(), pkg)
	require.NoError(t, err)
	require.Equal(t, "master", resolved.Version)
	require.Equal(t, "exosphere.ini", resolved.Asset.Name)
	require.Equal(t, "https://raw.example.com/a/b/master/config_templates/exosphere.ini", resolved.Asset.URL)
	require.Zero(t, resolved.Asset.Size)
}

// TestResolveURL passes direct URLs through untouched.
func TestResolveURL(t *testing.T) {
	t.Parallel()

	pkg := manifest.Package{
		Name:    "boot-logos",
		Section: manifest.SectionFirmware,
		URL:     "https://example.com/files/logos.zip",
		Variant: manifest.VariantBoth,
	}

	resolved, err := New(&fakeAPI{}).Resolve(context.Background(), pkg)
	require.NoError(t, err)
	require.Equal(t, VersionStatic, resolved.Version)
	require.Equal(t, "logos.zip", resolved.Asset.Name)
	require.Equal(t, pkg.URL, resolved.Asset.URL)
}
