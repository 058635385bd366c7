package github

import "time"

// Release is a published release of a repository.
type Release struct {
	// TagName is the git tag the release was created from.
	TagName string `json:"tag_name"`
	// Name is the human-readable release title.
	Name string `json:"name"`
	// Draft marks unpublished releases.
	Draft bool `json:"draft"`
	// Prerelease marks releases not considered production-ready.
	Prerelease bool `json:"prerelease"`
	// PublishedAt is when the release went public.
	PublishedAt time.Time `json:"published_at"`
	// Assets are the files attached to the release.
	Assets []Asset `json:"assets"`
}

// Asset is a downloadable file attached to a release.
type Asset struct {
	// Name is the file name as uploaded.
	Name string `json:"name"`
	// Size is the declared size in bytes.
	Size int64 `json:"size"`
	// ContentType is the MIME type recorded at upload.
	ContentType string `json:"content_type"`
	// UpdatedAt is the asset's last modification time.
	UpdatedAt time.Time `json:"updated_at"`
	// BrowserDownloadURL is the direct download location.
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Repository holds the subset of repository metadata the builder uses.
type Repository struct {
	// FullName is the repository in "owner/name" form.
	FullName string `json:"full_name"`
	// DefaultBranch is the branch raw files are served from.
	DefaultBranch string `json:"default_branch"`
}
