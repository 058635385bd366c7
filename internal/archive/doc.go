// Package archive turns a finished staging tree into real output: a
// materialized directory tree and, optionally, a distributable zip.
//
// Materialization skips files whose destination content already matches,
// so repeated builds touch only what changed. Packing writes entries in
// the staging tree's sorted order with fixed timestamps, making archive
// bytes reproducible for identical input.
package archive
