// Package pkg provides the core libraries for pkgstage.
//
// # Overview
//
// pkgstage fetches npm packages for reproducible builds. A package version is
// resolved on a registry, downloaded once into a persistent download cache,
// verified against the integrity the registry publishes and unpacked into a
// build tree. A complete lockfile is materialized into a node_modules tree in
// dependency post-order, and every tarball is registered in an offline cache
// that can later be served as a registry mirror.
//
// # Architecture
//
//	identity URL / lockfile
//	         ↓
//	    [pkgref] / [lockfile]   (what to fetch, in which order)
//	         ↓
//	    [registry]              (resolve version, tarball URL, integrity)
//	         ↓
//	    [fetch]                 (resumable download with retries)
//	         ↓
//	    [integrity]             (SRI, then legacy SHA-1 shasum)
//	         ↓
//	    [archive]               (gzip/zstd/xz tar extraction)
//	         ↓
//	    [cache] → [mirror]      (offline cache, read-only registry)
//
// [engine] ties these together: Engine runs the single-package path and
// Materializer installs lockfiles.
//
// # Quick Start
//
//	import (
//	    "github.com/matzehuels/pkgstage/pkg/config"
//	    "github.com/matzehuels/pkgstage/pkg/engine"
//	    "github.com/matzehuels/pkgstage/pkg/lockfile"
//	)
//
//	e := engine.New(config.Config{}, nil)
//	lf, _ := lockfile.Load("npm-shrinkwrap.json")
//	deps, err := engine.NewMaterializer(e).Materialize(ctx, lf, "node_modules", "offline-cache")
//
// # Supporting packages
//
//   - [config]: configuration file, defaults and network policy
//   - [errors]: coded errors shared by every package
//   - [httputil]: retry helpers for HTTP clients
//   - [observability]: hooks for metrics and tracing
//   - [buildinfo]: version information injected at build time
package pkg
