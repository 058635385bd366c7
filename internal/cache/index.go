package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// indexFilename is the name of the cache index inside the cache directory.
const indexFilename = "index.yaml"

// indexFilePermissions restricts the index to the owning user.
const indexFilePermissions = 0o600

// Entry is one index record describing a cached asset.
type Entry struct {
	// Package is the manifest name of the owning package.
	Package string `yaml:"package"`
	// Version is the release tag, branch name or static marker.
	Version string `yaml:"version"`
	// Asset is the stored file name.
	Asset string `yaml:"asset"`
	// Size is the verified size in bytes at retrieval time.
	Size int64 `yaml:"size"`
	// RetrievedAt is when the asset was downloaded.
	RetrievedAt time.Time `yaml:"retrieved_at"`
}

// index is the on-disk document holding all entries.
type index struct {
	Entries []Entry `yaml:"entries"`
}

// find returns the entry for the key, if present.
func (i *index) find(key Key) (Entry, bool) {
	for _, entry := range i.Entries {
		if entry.Package == key.Package && entry.Version == key.Version && entry.Asset == key.Asset {
			return entry, true
		}
	}

	return Entry{}, false
}

// indexRepository persists the index to a YAML file.
// All access goes through the mutex.
type indexRepository struct {
	// path is the filesystem location of the index file.
	path string
	// mu protects concurrent access to the index file.
	mu sync.Mutex
}

// newIndexRepository creates a repository for the given cache directory.
func newIndexRepository(dir string) *indexRepository {
	return &indexRepository{
		path: filepath.Join(dir, indexFilename),
	}
}

// load reads the index from disk. A missing file yields an empty index.
func (r *indexRepository) load() (*index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &index{}, nil
		}

		return nil, fmt.Errorf("read cache index: %w", err)
	}

	var idx index
	if err = yaml.Unmarshal(contents, &idx); err != nil {
		return nil, fmt.Errorf("decode cache index: %w", err)
	}

	return &idx, nil
}

// save writes the index to disk.
func (r *indexRepository) save(idx *index) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode cache index: %w", err)
	}

	if err = os.WriteFile(r.path, data, indexFilePermissions); err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}

	return nil
}
