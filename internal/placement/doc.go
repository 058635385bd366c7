// Package placement builds the staging tree of an SD card build: an
// in-memory registry mapping card-relative destinations to source files
// on disk.
//
// Packages are placed in manifest order with zip assets fanned out by
// extraction, then per-package rename and remove rules are applied, and
// the overlay tree is merged last. Conflicts inside one origin class are
// resolved last-write-wins with a warning; overlay files always beat
// package files at the same destination. Iteration over the finished
// tree is sorted and independent of download completion order.
package placement
