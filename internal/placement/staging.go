package placement

import (
	"context"
	"sort"
	"strings"

	"github.com/oshokin/sd-builder/internal/logger"
)

// Origin classifies where a staged file came from, for conflict precedence.
type Origin int

const (
	// OriginPackage marks content placed from a manifest package.
	OriginPackage Origin = iota
	// OriginOverlay marks content merged from the overlay tree.
	OriginOverlay
)

// Entry is one file of the staging tree.
type Entry struct {
	// Dest is the card-relative path using forward slashes.
	Dest string
	// Source is the location of the content on the local filesystem.
	Source string
	// Provenance names the package or overlay file the entry came from.
	Provenance string
	// Origin classifies the entry for conflict precedence.
	Origin Origin
}

// Staging is the destination registry of one build.
type Staging struct {
	entries map[string]Entry
}

// NewStaging creates an empty staging tree.
func NewStaging() *Staging {
	return &Staging{
		entries: make(map[string]Entry),
	}
}

// add registers an entry, resolving destination conflicts.
// Same-origin conflicts keep the later entry and warn; overlay entries
// take precedence over package entries in either registration order.
func (s *Staging) add(ctx context.Context, entry Entry) {
	existing, ok := s.entries[entry.Dest]
	if ok {
		switch {
		case existing.Origin == OriginOverlay && entry.Origin == OriginPackage:
			logger.DebugKV(ctx, "Keeping overlay file over package file",
				"dest", entry.Dest,
				"package", entry.Provenance)

			return
		case existing.Origin == entry.Origin:
			logger.WarnKV(ctx, "Destination conflict, later entry wins",
				"dest", entry.Dest,
				"replaced", existing.Provenance,
				"by", entry.Provenance)
		default:
			logger.DebugKV(ctx, "Overlay overrides package file",
				"dest", entry.Dest,
				"package", existing.Provenance)
		}
	}

	s.entries[entry.Dest] = entry
}

// remove drops the entry at dest, or the whole subtree when dest is a
// directory. It returns how many entries were dropped.
func (s *Staging) remove(dest string) int {
	removed := 0
	prefix := dest + "/"

	for key := range s.entries {
		if key == dest || strings.HasPrefix(key, prefix) {
			delete(s.entries, key)

			removed++
		}
	}

	return removed
}

// Len returns the number of staged files.
func (s *Staging) Len() int {
	return len(s.entries)
}

// Entries returns the staged files sorted by destination, so downstream
// consumers see a deterministic order.
func (s *Staging) Entries() []Entry {
	result := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		result = append(result, entry)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Dest < result[j].Dest
	})

	return result
}
