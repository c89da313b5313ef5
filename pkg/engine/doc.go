// Package engine fetches, verifies and materializes npm packages.
//
// # Single packages
//
// [Engine.Fetch] runs the single-package path for one identity: resolve the
// version against the registry, download the tarball into the persistent
// download directory, and verify it. [Engine.Unpack] extracts a fetched
// artifact with its wrapper directory renamed to "npm".
//
//	e := engine.New(cfg, logger)
//	res, err := e.Fetch(ctx, ref)
//	err = e.Unpack(res.Artifact, workdir)
//
// Downloads land in <download dir>/<registry host>/<basename>. A file that is
// already present and verifies against the registry digest is reused.
//
// # Lockfiles
//
// [Materializer.Materialize] installs a whole lockfile. Nodes are processed
// one at a time in post-order; each one is fetched, added to the offline
// cache, and unpacked at its position in the install tree:
//
//	installRoot/<a>/node_modules/<b>/node_modules/<c>
//
// The first failure aborts the run and removes the install tree, so callers
// never observe a partially materialized tree.
package engine
