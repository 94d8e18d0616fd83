package cache

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	pkgerrors "github.com/pkg/errors"
)

// FilesystemBackend stores every entry in one JSON document on disk.
type FilesystemBackend struct {
	path      string
	writeLock sync.Mutex
}

// NewFilesystemBackend creates a backend persisting to path.
func NewFilesystemBackend(path string) *FilesystemBackend {
	if path == "" {
		path = filepath.Join(".cache", "scraper_cache.json")
	}
	return &FilesystemBackend{path: path}
}

// Location returns the document path.
func (b *FilesystemBackend) Location() string {
	return b.path
}

// Load reads the document. A missing file yields an empty map and no error.
func (b *FilesystemBackend) Load() (map[string]*Entry, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]*Entry{}, nil
		}
		return nil, pkgerrors.Wrapf(err, "read cache %s", b.path)
	}

	entries := make(map[string]*Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, pkgerrors.Wrapf(err, "parse cache %s", b.path)
	}
	for id, e := range entries {
		if e == nil {
			delete(entries, id)
			continue
		}
		if e.Source == "" {
			e.Source = id
		}
	}
	return entries, nil
}

// Save writes entries atomically: temp file in the same directory, fsync,
// then rename over the target.
func (b *FilesystemBackend) Save(entries map[string]*Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return pkgerrors.Wrap(err, "encode cache")
	}

	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkgerrors.Wrapf(err, "create cache dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".scraper-cache-*.tmp")
	if err != nil {
		return pkgerrors.Wrap(err, "create temp cache file")
	}
	tmpName := tmp.Name()

	// Remove the temp file unless it was renamed into place.
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return pkgerrors.Wrap(err, "write temp cache file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return pkgerrors.Wrap(err, "sync temp cache file")
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrap(err, "close temp cache file")
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return pkgerrors.Wrap(err, "chmod temp cache file")
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return pkgerrors.Wrapf(err, "replace cache %s", b.path)
	}
	tmpName = ""
	return nil
}
