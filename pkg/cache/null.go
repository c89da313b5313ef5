package cache

import (
	"context"
	"io"
	"os"
)

// NullCache is a no-op cache that never stores anything.
// It is used when a run should not leave an offline cache behind.
type NullCache struct{}

// NewNullCache creates a null cache.
func NewNullCache() Cache {
	return &NullCache{}
}

// Add does nothing and returns an entry without content.
func (c *NullCache) Add(ctx context.Context, name, version, source, path string) (*Entry, error) {
	return &Entry{Key: Key(name, version), Name: name, Version: version, Source: source}, nil
}

// Lookup always returns a miss.
func (c *NullCache) Lookup(ctx context.Context, name, version string) (*Entry, bool, error) {
	return nil, false, nil
}

// Open always fails with os.ErrNotExist.
func (c *NullCache) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	return nil, os.ErrNotExist
}

// Entries returns nothing.
func (c *NullCache) Entries(ctx context.Context) ([]*Entry, error) {
	return nil, nil
}

// Dir returns "".
func (c *NullCache) Dir() string {
	return ""
}

// Close does nothing.
func (c *NullCache) Close() error {
	return nil
}

// Ensure NullCache implements Cache.
var _ Cache = (*NullCache)(nil)
