// Package cache provides the offline package cache populated during
// materialization.
//
// The cache is content-addressed: tarball bytes are stored once under their
// SHA-512 digest and small JSON index entries map package@version keys to
// that content. The layout mirrors npm's cacache so the directory can be
// handed to offline tooling:
//
//	<dir>/content/sha512/<hh>/<rest of hex>
//	<dir>/index/<hh>/<rest of sha256(key)>.json
//
// Writes go through a temporary file and a rename, so a reader never sees a
// partially written object. A cache is owned by one materialization run at a
// time and is not safe for concurrent writers.
package cache

import (
	"context"
	"io"
	"time"
)

// Entry describes one cached package tarball.
type Entry struct {
	Key       string    `json:"key"`       // name@version
	Name      string    `json:"name"`      // Package name
	Version   string    `json:"version"`   // Package version
	Integrity string    `json:"integrity"` // SRI token of the content (sha512-...)
	Digest    string    `json:"digest"`    // Hex SHA-512 of the content
	Size      int64     `json:"size"`      // Content size in bytes
	Source    string    `json:"source"`    // URL the tarball was fetched from
	Time      time.Time `json:"time"`      // When the entry was written
}

// Cache stores package tarballs for offline use.
type Cache interface {
	// Add copies the file at path into the cache under name@version.
	Add(ctx context.Context, name, version, source, path string) (*Entry, error)

	// Lookup returns the entry for name@version. A missing entry is not an error.
	Lookup(ctx context.Context, name, version string) (*Entry, bool, error)

	// Open returns the content stored under the given hex SHA-512 digest.
	Open(ctx context.Context, digest string) (io.ReadCloser, error)

	// Entries returns all index entries sorted by key.
	Entries(ctx context.Context) ([]*Entry, error)

	// Dir returns the cache root, or "" when the cache is not backed by disk.
	Dir() string

	// Close releases any resources held by the cache.
	Close() error
}

// Key returns the index key for a package version.
func Key(name, version string) string {
	return name + "@" + version
}
