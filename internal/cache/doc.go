// Package cache stores downloaded assets on disk keyed by package,
// version and asset name, so repeated builds skip the network entirely.
//
// The layout is one directory per package and version with the asset
// files inside, plus a YAML index recording sizes and retrieval times.
// A file counts as cached only when both the index entry and an intact
// file are present. Concurrent requests for the same key are collapsed
// into a single fetch; landing a new version evicts the package's stale
// version directories.
package cache
