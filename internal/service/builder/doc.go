// Package builder orchestrates a full card build: manifest loading,
// release resolution, cached downloads, placement and output assembly.
//
// Callers construct Options with a validated configuration and invoke
// Run. Package failures are isolated: one broken package is reported
// and skipped while the rest of the tree is still built, and the run
// returns an error so scripts notice.
package builder
