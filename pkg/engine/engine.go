package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/pkgstage/pkg/archive"
	"github.com/matzehuels/pkgstage/pkg/config"
	"github.com/matzehuels/pkgstage/pkg/errors"
	"github.com/matzehuels/pkgstage/pkg/fetch"
	"github.com/matzehuels/pkgstage/pkg/integrity"
	"github.com/matzehuels/pkgstage/pkg/observability"
	"github.com/matzehuels/pkgstage/pkg/pkgref"
	"github.com/matzehuels/pkgstage/pkg/registry"
)

// UnpackPrefix replaces the tarball's wrapper directory when unpacking a
// single package.
const UnpackPrefix = "npm"

// Engine runs the single-package path. It carries no per-package state and
// may be shared by concurrent callers working on distinct packages.
type Engine struct {
	Config   config.Config
	Resolver *registry.Resolver
	Fetcher  *fetch.Fetcher
	Logger   *log.Logger
}

// Result is the outcome of fetching one package.
type Result struct {
	Ref      *pkgref.Ref
	View     *registry.View
	Artifact *fetch.Artifact
	Scheme   integrity.Scheme // How the artifact was verified
	Reused   bool             // The artifact was already in the download directory
}

// New creates an Engine from cfg. A nil logger uses log.Default().
func New(cfg config.Config, logger *log.Logger) *Engine {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		Config:   cfg,
		Resolver: registry.NewResolver(cfg, logger),
		Fetcher:  fetch.New(cfg, logger),
		Logger:   logger,
	}
}

// WithProgress returns a copy of e whose downloads render a progress bar to w.
func (e *Engine) WithProgress(w io.Writer) *Engine {
	c := *e
	c.Fetcher = e.Fetcher.WithProgress(w)
	return &c
}

// DownloadPath returns where the tarball for ref is stored.
func (e *Engine) DownloadPath(ref *pkgref.Ref) string {
	return filepath.Join(e.Config.DownloadDir, ref.Registry.Host, ref.Basename())
}

// Fetch resolves, downloads and verifies ref.
func (e *Engine) Fetch(ctx context.Context, ref *pkgref.Ref) (*Result, error) {
	view, err := e.Resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	res := &Result{Ref: ref, View: view}
	dest := e.DownloadPath(ref)

	resume := true
	if info, err := os.Stat(dest); err == nil && !info.IsDir() {
		switch {
		case ref.IsLatest():
			// name-latest.tgz may hold an older release.
			e.Logger.Debug("discarding download of moving version", "path", dest)
			resume = false
		default:
			if scheme, ok, _ := integrity.Matches(dest, view.Integrity, view.Shasum); ok {
				observability.Cache().OnCacheHit(ctx, "download")
				e.Logger.Debug("reusing verified download", "path", dest)
				res.Artifact = &fetch.Artifact{Path: dest, Size: uint64(info.Size())}
				res.Scheme = scheme
				res.Reused = true
				observability.Engine().OnVerify(ctx, dest, string(scheme), true)
				return res, nil
			}
		}
	}
	observability.Cache().OnCacheMiss(ctx, "download")

	e.Logger.Info("downloading", "package", ref.String(), "identity", ref.URL(), "url", view.TarballURL.Redacted())
	art, err := e.Fetcher.Fetch(ctx, view.TarballURL, dest, resume)
	if err != nil {
		return nil, errors.Annotate(err, "%s", ref)
	}

	scheme, err := integrity.Verify(art.Path, view.Integrity, view.Shasum)
	observability.Engine().OnVerify(ctx, art.Path, string(scheme), err == nil)
	if err != nil {
		return nil, errors.Annotate(err, "%s", ref)
	}
	if scheme == integrity.SchemeNone {
		e.Logger.Warn("registry published no integrity data, artifact accepted unverified", "package", ref.String())
	}

	res.Artifact = art
	res.Scheme = scheme
	return res, nil
}

// Unpack extracts a fetched artifact into rootDir with its wrapper directory
// renamed to "npm".
func (e *Engine) Unpack(art *fetch.Artifact, rootDir string) error {
	return archive.Extract(art.Path, rootDir, UnpackPrefix)
}
