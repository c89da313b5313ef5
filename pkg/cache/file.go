package cache

import (
	"context"
	_ "crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/matzehuels/pkgstage/pkg/observability"
)

// FileCache implements the offline cache on the local filesystem.
type FileCache struct {
	dir string
}

// NewFileCache creates a file-based cache in the given directory.
// The directory will be created if it doesn't exist.
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileCache{dir: dir}, nil
}

// Add stores the file at path and writes its index entry.
// Content already present under the same digest is not rewritten.
func (c *FileCache) Add(ctx context.Context, name, version, source, path string) (*Entry, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	tmpDir := filepath.Join(c.dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(tmpDir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("creating cache temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	digester := digest.SHA512.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("writing cache temp file: %w", err)
	}

	sum := digester.Digest()
	contentPath := c.contentPath(sum.Encoded())
	if _, err := os.Stat(contentPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(contentPath), 0755); err != nil {
			return nil, err
		}
		if err := os.Rename(tmpPath, contentPath); err != nil {
			return nil, fmt.Errorf("renaming cache temp file: %w", err)
		}
	}

	raw, _ := hex.DecodeString(sum.Encoded())
	entry := &Entry{
		Key:       Key(name, version),
		Name:      name,
		Version:   version,
		Integrity: "sha512-" + base64.StdEncoding.EncodeToString(raw),
		Digest:    sum.Encoded(),
		Size:      size,
		Source:    source,
		Time:      time.Now().UTC(),
	}
	if err := c.writeIndex(entry); err != nil {
		return nil, err
	}

	observability.Cache().OnCacheSet(ctx, "offline", size)
	return entry, nil
}

func (c *FileCache) writeIndex(entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	path := c.indexPath(entry.Key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Lookup retrieves the index entry for name@version.
// Entries whose content is missing are treated as misses.
func (c *FileCache) Lookup(ctx context.Context, name, version string) (*Entry, bool, error) {
	key := Key(name, version)
	data, err := os.ReadFile(c.indexPath(key))
	if os.IsNotExist(err) {
		observability.Cache().OnCacheMiss(ctx, "offline")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Key != key {
		// Invalid cache entry - treat as miss
		_ = os.Remove(c.indexPath(key))
		observability.Cache().OnCacheMiss(ctx, "offline")
		return nil, false, nil
	}
	if _, err := os.Stat(c.contentPath(entry.Digest)); err != nil {
		observability.Cache().OnCacheMiss(ctx, "offline")
		return nil, false, nil
	}

	observability.Cache().OnCacheHit(ctx, "offline")
	return &entry, true, nil
}

// Open opens the content stored under a hex SHA-512 digest.
func (c *FileCache) Open(ctx context.Context, hexDigest string) (io.ReadCloser, error) {
	hexDigest = strings.ToLower(hexDigest)
	if err := digest.SHA512.Validate(hexDigest); err != nil {
		return nil, fmt.Errorf("invalid digest %q: %w", hexDigest, err)
	}
	return os.Open(c.contentPath(hexDigest))
}

// Entries returns all index entries sorted by key.
func (c *FileCache) Entries(ctx context.Context) ([]*Entry, error) {
	var entries []*Entry
	root := filepath.Join(c.dir, "index")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var e Entry
		if json.Unmarshal(data, &e) == nil && e.Key != "" {
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(entries, func(a, b *Entry) int { return strings.Compare(a.Key, b.Key) })
	return entries, nil
}

// Dir returns the cache root directory.
func (c *FileCache) Dir() string {
	return c.dir
}

// servingFile marks a cache directory that a mirror is currently serving.
const servingFile = "serving.json"

type servingRecord struct {
	URL   string    `json:"url"`
	PID   int       `json:"pid"`
	Since time.Time `json:"since"`
}

// MarkServing records that a mirror serves the cache at url. The returned
// function removes the marker again.
func (c *FileCache) MarkServing(url string) (func() error, error) {
	data, err := json.MarshalIndent(servingRecord{URL: url, PID: os.Getpid(), Since: time.Now().UTC()}, "", "  ")
	if err != nil {
		return nil, err
	}
	path := filepath.Join(c.dir, servingFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}, nil
}

// ServedBy returns the mirror URL recorded in dir by [FileCache.MarkServing].
// A marker left behind by a mirror that did not shut down cleanly still
// counts; removing the file clears it.
func ServedBy(dir string) (url, marker string, ok bool) {
	marker = filepath.Join(dir, servingFile)
	data, err := os.ReadFile(marker)
	if err != nil {
		return "", marker, false
	}
	var rec servingRecord
	if json.Unmarshal(data, &rec) != nil || rec.URL == "" {
		rec.URL = "an unknown address"
	}
	return rec.URL, marker, true
}

// Close does nothing for file cache.
func (c *FileCache) Close() error {
	return nil
}

// contentPath maps a hex digest to its content file.
func (c *FileCache) contentPath(hexDigest string) string {
	subdir, rest := shard(hexDigest)
	return filepath.Join(c.dir, "content", "sha512", subdir, rest)
}

// indexPath converts a key to its index file path.
// Uses a hash-based directory structure to avoid too many files in one dir.
func (c *FileCache) indexPath(key string) string {
	subdir, rest := shard(Hash([]byte(key)))
	return filepath.Join(c.dir, "index", subdir, rest+".json")
}

// Ensure FileCache implements Cache.
var _ Cache = (*FileCache)(nil)
