package github

import (
	"errors"
	"fmt"
	"strings"
)

// APIError represents a non-2xx response from the GitHub REST API.
// GitHub returns structured JSON error bodies with a message and an
// optional documentation URL.
type APIError struct {
	// StatusCode is the HTTP response status code.
	StatusCode int
	// Message is the top-level error description from GitHub.
	Message string
	// DocumentationURL points to the relevant API documentation.
	DocumentationURL string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a GitHub API 404 Not Found response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// IsRateLimited reports whether err is a GitHub API rate limit response.
// GitHub returns 403 when the primary rate limit is exceeded and 429 for
// secondary (abuse) rate limits.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	return apiErr.StatusCode == 429 ||
		(apiErr.StatusCode == 403 && isRateLimitMessage(apiErr.Message))
}

// isRateLimitMessage checks whether a 403 error message indicates a rate
// limit rather than a permission issue.
func isRateLimitMessage(message string) bool {
	lower := strings.ToLower(message)

	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "abuse detection")
}
