package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/pkgstage/pkg/archive"
	"github.com/matzehuels/pkgstage/pkg/cache"
	"github.com/matzehuels/pkgstage/pkg/errors"
	"github.com/matzehuels/pkgstage/pkg/fetch"
	"github.com/matzehuels/pkgstage/pkg/integrity"
	"github.com/matzehuels/pkgstage/pkg/lockfile"
	"github.com/matzehuels/pkgstage/pkg/observability"
	"github.com/matzehuels/pkgstage/pkg/pkgref"
)

// Dependency is a lockfile node that has been fetched and unpacked.
type Dependency struct {
	Node        *lockfile.Node
	Artifact    *fetch.Artifact
	Entry       *cache.Entry // Offline cache entry
	InstallPath string
}

// Materializer installs lockfiles using an Engine. Runs are strictly
// sequential; a Materializer must not be used by two runs at once.
type Materializer struct {
	Engine *Engine
	Logger *log.Logger
}

// NewMaterializer creates a Materializer that fetches through e.
func NewMaterializer(e *Engine) *Materializer {
	return &Materializer{Engine: e, Logger: e.Logger}
}

// InstallPath returns where a node with the given path is unpacked:
// the first name directly under installRoot, every further name under its
// parent's node_modules directory.
func InstallPath(installRoot string, path []string) string {
	parts := make([]string, 0, 2*len(path))
	for i, name := range path {
		if i > 0 {
			parts = append(parts, "node_modules")
		}
		parts = append(parts, filepath.FromSlash(name))
	}
	return filepath.Join(append([]string{installRoot}, parts...)...)
}

// Materialize fetches every node of lf and unpacks it below installRoot,
// registering each tarball in a fresh offline cache at cacheDir. Both
// directories are wiped before the run. An empty cacheDir disables the
// offline cache; a cacheDir that a mirror is serving is refused.
//
// On failure the install tree is removed and the error is annotated with the
// failing node's path.
func (m *Materializer) Materialize(ctx context.Context, lf *lockfile.Lockfile, installRoot, cacheDir string) ([]Dependency, error) {
	runID := uuid.NewString()
	logger := m.Logger.With("run", runID[:8])
	start := time.Now()

	deps, err := m.materialize(ctx, logger, lf, installRoot, cacheDir)
	observability.Engine().OnMaterialize(ctx, runID, len(deps), time.Since(start), err)
	if err != nil {
		return nil, err
	}
	logger.Info("materialized dependencies", "count", len(deps), "duration", time.Since(start).Round(time.Millisecond))
	return deps, nil
}

func (m *Materializer) materialize(ctx context.Context, logger *log.Logger, lf *lockfile.Lockfile, installRoot, cacheDir string) ([]Dependency, error) {
	if installRoot == "" || filepath.Clean(installRoot) == string(filepath.Separator) {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "refusing to materialize into %q", installRoot)
	}
	if cacheDir != "" {
		if url, marker, ok := cache.ServedBy(cacheDir); ok {
			return nil, errors.New(errors.ErrCodeInvalidConfig,
				"offline cache %s is being served at %s; use a different cache directory (remove %s if no mirror is running)",
				cacheDir, url, marker)
		}
	}
	if err := os.RemoveAll(installRoot); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "clean install root")
	}

	var store cache.Cache = cache.NewNullCache()
	if cacheDir != "" {
		if err := os.RemoveAll(cacheDir); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err, "clean offline cache")
		}
		fc, err := cache.NewFileCache(cacheDir)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err, "create offline cache")
		}
		store = fc
	}
	defer store.Close()

	deps, err := lockfile.ForEach(lf, func(node *lockfile.Node) (Dependency, error) {
		dep, err := m.install(ctx, logger, store, node, installRoot)
		if err != nil {
			return Dependency{}, errors.Annotate(err, "dependency %s", node)
		}
		return dep, nil
	})
	if err != nil {
		logger.Debug("removing partial install tree", "path", installRoot)
		_ = os.RemoveAll(installRoot)
		return nil, err
	}
	return deps, nil
}

func (m *Materializer) install(ctx context.Context, logger *log.Logger, store cache.Cache, node *lockfile.Node, installRoot string) (Dependency, error) {
	if err := ctx.Err(); err != nil {
		return Dependency{}, errors.Wrap(errors.ErrCodeFetchFailed, err, "cancelled")
	}

	ref, err := pkgref.New(node.Name, node.Version, m.Engine.Config.Registry)
	if err != nil {
		return Dependency{}, err
	}
	res, err := m.Engine.Fetch(ctx, ref)
	if err != nil {
		return Dependency{}, err
	}

	if pinned, perr := integrity.Parse(node.Integrity); perr == nil {
		ok, err := integrity.Check(pinned, res.Artifact.Path)
		if err != nil {
			return Dependency{}, errors.Wrap(errors.ErrCodeInternal, err, "verify against lockfile")
		}
		if !ok {
			_ = os.Remove(res.Artifact.Path)
			return Dependency{}, errors.New(errors.ErrCodeIntegrityMismatch, "artifact does not match the lockfile integrity")
		}
	}

	entry, err := store.Add(ctx, node.Name, res.View.ResolvedVersion, res.View.TarballURL.String(), res.Artifact.Path)
	if err != nil {
		return Dependency{}, errors.Wrap(errors.ErrCodeInternal, err, "add to offline cache")
	}

	target := InstallPath(installRoot, node.Path)
	if err := archive.Extract(res.Artifact.Path, target, ""); err != nil {
		return Dependency{}, err
	}
	logger.Debug("installed", "package", ref.String(), "path", target)

	return Dependency{Node: node, Artifact: res.Artifact, Entry: entry, InstallPath: target}, nil
}
