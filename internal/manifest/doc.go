// Package manifest defines the declarative package list an SD card build is
// driven by and provides helpers to load and validate it from YAML.
//
// A manifest is a flat list of packages. Each package names a download source
// (a GitHub release asset, a raw repository file or a direct URL), the card
// section it belongs to and, optionally, the hardware variant it applies to
// plus post-placement rename and remove rules.
package manifest
