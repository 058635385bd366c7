// Package resolve turns manifest packages into concrete download
// descriptors: an exact version, a single asset name and its URL.
//
// Release sources resolve through the GitHub API (latest or pinned tag)
// with the asset picked by glob; raw-file sources resolve through the
// repository's default branch; URL sources are passed through. Resolution
// performs at most one metadata request per package and is idempotent for
// a fixed upstream state.
package resolve
