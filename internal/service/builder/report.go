package builder

import (
	"fmt"
	"time"

	"github.com/oshokin/sd-builder/internal/manifest"
)

// Outcome classifies how a package came through the run.
type Outcome string

const (
	// OutcomeFetched means the asset was downloaded during this run.
	OutcomeFetched Outcome = "fetched"
	// OutcomeCached means the cache already held the asset.
	OutcomeCached Outcome = "cached"
	// OutcomeFailed means the package did not make it into the build.
	OutcomeFailed Outcome = "failed"
)

// PackageResult is the final state of one manifest package.
type PackageResult struct {
	// Name is the manifest package name.
	Name string
	// Version is the resolved version, when resolution got that far.
	Version string
	// Asset is the resolved asset name, when resolution got that far.
	Asset string
	// Outcome classifies the result.
	Outcome Outcome
	// Err is the failure cause for failed packages.
	Err error

	// assetPath is the cached file handed to placement.
	assetPath string
}

// Report summarizes a build run for the CLI.
type Report struct {
	// RunID uniquely identifies the run in logs and output.
	RunID string
	// Variant is the hardware revision the tree was built for.
	Variant manifest.Variant
	// Results holds one entry per applicable package, in manifest order.
	Results []PackageResult
	// Staged is the number of files placed into the card tree.
	Staged int
	// OutputDir is where the tree was materialized.
	OutputDir string
	// ArchivePath is the packed archive location, when packing was requested.
	ArchivePath string
	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// Counts tallies the results by outcome.
func (r *Report) Counts() (fetched, cached, failed int) {
	for _, result := range r.Results {
		switch result.Outcome {
		case OutcomeFetched:
			fetched++
		case OutcomeCached:
			cached++
		case OutcomeFailed:
			failed++
		}
	}

	return fetched, cached, failed
}

// Failures returns the failed results, in manifest order.
func (r *Report) Failures() []PackageResult {
	var failures []PackageResult

	for _, result := range r.Results {
		if result.Outcome == OutcomeFailed {
			failures = append(failures, result)
		}
	}

	return failures
}

// Summary renders a one-line account of the run.
func (r *Report) Summary() string {
	fetched, cached, failed := r.Counts()

	return fmt.Sprintf("%s: %d fetched, %d cached, %d failed, %d files staged in %s",
		r.Variant, fetched, cached, failed, r.Staged, r.Duration.Round(time.Millisecond))
}
