// Package archive unpacks package tarballs into a build tree.
//
// Compression is detected from the leading magic bytes: gzip and zstd are
// decoded with klauspost/compress, xz with ulikunitz/xz, and anything else is
// read as a plain tar stream. npm tarballs wrap their contents in a single
// top-level directory (usually "package/"); [Extract] rewrites that directory
// to a caller-chosen prefix, or drops it when the prefix is empty.
//
// Ownership recorded in the archive is ignored and modes are reduced to
// permission bits. Entries that would land outside the target directory are
// rejected, including those that reach it through symlinks created earlier
// in the same archive.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/matzehuels/pkgstage/pkg/errors"
	"github.com/matzehuels/pkgstage/pkg/observability"
)

// Format is the detected compression of an archive.
type Format string

const (
	FormatGzip Format = "gzip"
	FormatZstd Format = "zstd"
	FormatXz   Format = "xz"
	FormatTar  Format = "tar"
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Detect returns the compression format indicated by header, which should
// hold at least the first six bytes of the archive.
func Detect(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, magicGzip):
		return FormatGzip
	case bytes.HasPrefix(header, magicZstd):
		return FormatZstd
	case bytes.HasPrefix(header, magicXz):
		return FormatXz
	default:
		return FormatTar
	}
}

// Extract unpacks archivePath into targetDir, rewriting the archive's
// top-level directory to stripPrefix. Any failure is reported as
// ErrCodeExtractionFailed and leaves targetDir in an unspecified state.
func Extract(archivePath, targetDir, stripPrefix string) error {
	start := time.Now()
	err := extract(archivePath, targetDir, stripPrefix)
	if err != nil {
		err = errors.Wrap(errors.ErrCodeExtractionFailed, err, "extract %s", filepath.Base(archivePath))
	}
	observability.Engine().OnExtract(context.Background(), archivePath, targetDir, time.Since(start), err)
	return err
}

func extract(archivePath, targetDir, stripPrefix string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	r, closeFn, err := decompress(bufio.NewReader(f))
	if err != nil {
		return err
	}
	defer closeFn()

	abs, err := filepath.Abs(targetDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return err
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return err
	}
	fsys, err := os.OpenRoot(root)
	if err != nil {
		return err
	}
	defer fsys.Close()

	x := &extractor{root: root, fs: fsys, prefix: stripPrefix}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := x.entry(hdr, tr); err != nil {
			return err
		}
	}
}

func decompress(br *bufio.Reader) (io.Reader, func(), error) {
	header, _ := br.Peek(len(magicXz))
	noop := func() {}

	switch Detect(header) {
	case FormatGzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, noop, err
		}
		return zr, func() { zr.Close() }, nil
	case FormatZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, noop, err
		}
		return dec, dec.Close, nil
	case FormatXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, noop, err
		}
		return xr, noop, nil
	default:
		return br, noop, nil
	}
}

// extractor writes entries below root. Directories and regular files go
// through fs, which refuses to follow symlinks out of the tree; links are
// created only after their parent and destination resolve inside root.
type extractor struct {
	root   string
	fs     *os.Root
	prefix string
}

// rewrite maps an archive entry name to its relative output path, replacing
// the top-level directory with the prefix. Files stored at the top level keep
// their name under the prefix.
func (x *extractor) rewrite(name string, isDir bool) (string, error) {
	name = strings.TrimPrefix(name, "./")
	if name == "" || name == "." {
		return "", nil
	}
	if path.IsAbs(name) || strings.Contains(name, `\`) {
		return "", fmt.Errorf("illegal entry name %q", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", fmt.Errorf("entry %q escapes the target directory", name)
		}
	}

	clean := path.Clean(name)
	_, rest, nested := strings.Cut(clean, "/")
	if !nested && !isDir {
		rest = clean
	}
	return path.Join(x.prefix, rest), nil
}

// realPath walks rel from dir the way the kernel would, following symlinks
// already on disk, and fails as soon as the walk leaves root.
func (x *extractor) realPath(dir, rel string) (string, error) {
	cur := dir
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
		default:
			cur = filepath.Join(cur, seg)
			if fi, err := os.Lstat(cur); err == nil && fi.Mode()&os.ModeSymlink != 0 {
				resolved, err := filepath.EvalSymlinks(cur)
				if err != nil {
					return "", fmt.Errorf("cannot resolve %q: %w", rel, err)
				}
				cur = resolved
			}
		}
		if !x.within(cur) {
			return "", fmt.Errorf("path %q escapes the target directory", rel)
		}
	}
	return cur, nil
}

func (x *extractor) within(target string) bool {
	rel, err := filepath.Rel(x.root, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// mkdirAll creates rel and its parents through the rooted file system.
func (x *extractor) mkdirAll(rel string, perm os.FileMode) error {
	cur := ""
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" || seg == "." {
			continue
		}
		cur = path.Join(cur, seg)
		if err := x.fs.Mkdir(filepath.FromSlash(cur), perm); err != nil && !os.IsExist(err) {
			return err
		}
	}
	return nil
}

// linkPath prepares the parent of rel for a new link and returns the
// absolute path the link should be created at. Callers remove any existing
// entry at that path once the link itself has been validated.
func (x *extractor) linkPath(rel string) (string, error) {
	dir := path.Dir(rel)
	if err := x.mkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	parent, err := x.realPath(x.root, dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, path.Base(rel)), nil
}

func (x *extractor) entry(hdr *tar.Header, r io.Reader) error {
	switch hdr.Typeflag {
	case tar.TypeXGlobalHeader, tar.TypeXHeader:
		return nil
	}

	rel, err := x.rewrite(hdr.Name, hdr.Typeflag == tar.TypeDir)
	if err != nil {
		return err
	}
	mode := hdr.FileInfo().Mode().Perm()

	switch hdr.Typeflag {
	case tar.TypeDir:
		return x.mkdirAll(rel, mode|0o700)

	case tar.TypeReg:
		if rel == "" {
			return fmt.Errorf("file entry %q maps onto the target directory", hdr.Name)
		}
		if err := x.mkdirAll(path.Dir(rel), 0o755); err != nil {
			return err
		}
		name := filepath.FromSlash(rel)
		if fi, err := x.fs.Lstat(name); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			if err := x.fs.Remove(name); err != nil {
				return err
			}
		}
		out, err := x.fs.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return err
		}
		return out.Close()

	case tar.TypeSymlink:
		if rel == "" {
			return fmt.Errorf("symlink %q maps onto the target directory", hdr.Name)
		}
		if filepath.IsAbs(hdr.Linkname) || path.IsAbs(hdr.Linkname) {
			return fmt.Errorf("symlink %q has absolute target %q", hdr.Name, hdr.Linkname)
		}
		target, err := x.linkPath(rel)
		if err != nil {
			return err
		}
		if _, err := x.realPath(filepath.Dir(target), hdr.Linkname); err != nil {
			return fmt.Errorf("symlink %q points outside the target directory: %w", hdr.Name, err)
		}
		_ = os.Remove(target)
		return os.Symlink(hdr.Linkname, target)

	case tar.TypeLink:
		if rel == "" {
			return fmt.Errorf("hard link %q maps onto the target directory", hdr.Name)
		}
		linkRel, err := x.rewrite(hdr.Linkname, false)
		if err != nil {
			return err
		}
		src, err := x.realPath(x.root, linkRel)
		if err != nil {
			return err
		}
		target, err := x.linkPath(rel)
		if err != nil {
			return err
		}
		_ = os.Remove(target)
		return os.Link(src, target)

	default:
		// Devices and FIFOs have no place in a package tree.
		return nil
	}
}
