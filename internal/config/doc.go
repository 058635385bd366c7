// Package config defines the settings of a build run and provides
// helpers to load, validate and save them in YAML format.
//
// The Config type holds the manifest, overlay, output and cache
// locations together with the hardware variant and download options.
package config
