package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oshokin/sd-builder/internal/logger"
)

// Key identifies one cached asset.
type Key struct {
	// Package is the manifest name of the owning package.
	Package string
	// Version is the release tag, branch name or static marker.
	Version string
	// Asset is the file name.
	Asset string
}

// String renders the key for logs and request coalescing.
func (k Key) String() string {
	return k.Package + "@" + k.Version + "/" + k.Asset
}

// FetchFunc downloads the asset to the provided destination path.
type FetchFunc func(ctx context.Context, dest string) error

// Store is the on-disk content cache.
type Store struct {
	dir   string
	repo  *indexRepository
	group singleflight.Group
	// mu serializes index read-modify-write cycles across keys.
	mu sync.Mutex
}

// New creates a Store rooted at the given directory.
// The directory is created on first use.
func New(dir string) *Store {
	return &Store{
		dir:  filepath.Clean(dir),
		repo: newIndexRepository(filepath.Clean(dir)),
	}
}

// Dir returns the cache root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the canonical location of the asset for key.
func (s *Store) Path(key Key) string {
	return filepath.Join(s.dir, sanitizeSegment(key.Package), sanitizeSegment(key.Version), sanitizeSegment(key.Asset))
}

// GetOrFetch returns the cached file for key, downloading it via fetchFn
// on a miss. The expected size is advisory: 0 means unknown. Concurrent
// calls for the same key share one download. The boolean reports whether
// the content was served from cache.
func (s *Store) GetOrFetch(ctx context.Context, key Key, expectedSize int64, fetchFn FetchFunc) (string, bool, error) {
	path := s.Path(key)

	if s.lookup(key, expectedSize) {
		logger.DebugKV(ctx, "Cache hit", "key", key.String())

		return path, true, nil
	}

	type outcome struct {
		hit bool
	}

	result, err, _ := s.group.Do(key.String(), func() (any, error) {
		// A concurrent caller may have landed the file while this one
		// waited for the flight slot.
		if s.lookup(key, expectedSize) {
			return outcome{hit: true}, nil
		}

		logger.DebugKV(ctx, "Cache miss, downloading", "key", key.String())

		if err := fetchFn(ctx, path); err != nil {
			return outcome{}, err
		}

		if err := s.commit(key); err != nil {
			return outcome{}, err
		}

		return outcome{}, nil
	})
	if err != nil {
		return "", false, err
	}

	return path, result.(outcome).hit, nil
}

// lookup reports whether key is cached and intact: the index entry
// exists, the file exists and sizes agree.
func (s *Store) lookup(key Key, expectedSize int64) bool {
	idx, err := s.repo.load()
	if err != nil {
		return false
	}

	entry, ok := idx.find(key)
	if !ok {
		return false
	}

	info, err := os.Stat(s.Path(key))
	if err != nil || info.Size() == 0 {
		return false
	}

	if info.Size() != entry.Size {
		return false
	}

	if expectedSize > 0 && info.Size() != expectedSize {
		return false
	}

	return true
}

// commit records a freshly downloaded asset in the index and evicts the
// package's other version directories.
func (s *Store) commit(key Key) error {
	info, err := os.Stat(s.Path(key))
	if err != nil {
		return fmt.Errorf("stat cached file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.repo.load()
	if err != nil {
		return err
	}

	staleVersions := make(map[string]struct{})
	entries := make([]Entry, 0, len(idx.Entries)+1)

	for _, entry := range idx.Entries {
		if entry.Package == key.Package {
			if entry.Version != key.Version {
				staleVersions[entry.Version] = struct{}{}
				continue
			}

			if entry.Asset == key.Asset {
				continue
			}
		}

		entries = append(entries, entry)
	}

	entries = append(entries, Entry{
		Package:     key.Package,
		Version:     key.Version,
		Asset:       key.Asset,
		Size:        info.Size(),
		RetrievedAt: time.Now().UTC(),
	})

	idx.Entries = entries

	if err = s.repo.save(idx); err != nil {
		return err
	}

	for version := range staleVersions {
		stale := filepath.Join(s.dir, sanitizeSegment(key.Package), sanitizeSegment(version))
		_ = os.RemoveAll(stale)
	}

	return nil
}

// Purge removes everything the cache owns: package directories and the
// index file. Files other tools keep in the cache directory, such as
// the run lock, are left alone.
func (s *Store) Purge() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("purge cache: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() && entry.Name() != indexFilename {
			continue
		}

		if err = os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("purge cache: %w", err)
		}
	}

	return nil
}

// sanitizeSegment makes a key part safe to use as a single path element.
// Tags may contain slashes; asset names are generally clean already.
func sanitizeSegment(segment string) string {
	var builder strings.Builder

	for _, r := range segment {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			builder.WriteRune(r)
		default:
			builder.WriteByte('-')
		}
	}

	sanitized := builder.String()
	if sanitized == "" || sanitized == "." || sanitized == ".." {
		return "_"
	}

	return sanitized
}
