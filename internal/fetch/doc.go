// Package fetch downloads single files over HTTP with a bounded retry
// budget, exponential backoff and basic integrity checking.
//
// Each attempt streams the response to a temporary file next to the final
// destination and renames it into place only after the size check passed,
// so partially written files never become visible to readers.
package fetch
