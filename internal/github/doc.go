// Package github is a small typed client for the GitHub REST API covering
// the endpoints the builder needs: release lookup (latest or by tag) and
// repository metadata for raw-file downloads.
//
// Requests pin the API version, accept the vnd.github+json media type and
// attach a bearer token when one is configured. Unauthenticated use works
// for public repositories at a much lower rate limit.
package github
