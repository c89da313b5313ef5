// Package registry resolves npm package identities against a registry.
//
// # Overview
//
// A [Resolver] asks the registry for the version record of one package
// version and returns a [View]: the exact version the registry resolved, the
// tarball URL, and whatever integrity metadata the registry published.
//
//	r := registry.NewResolver(cfg, logger)
//	view, err := r.Resolve(ctx, ref)
//
// Views are recomputed on every call. Nothing is written to disk and nothing
// is cached between runs, so a moved dist-tag or a republished tarball is
// always observed.
//
// # Version pinning
//
// Only the "latest" sentinel may resolve to a different version than the one
// requested, and doing so logs a warning. Any other mismatch fails with
// ErrCodeInvalidVersion.
//
// # Shared Infrastructure
//
// The [Client] type provides the HTTP plumbing used by the resolver: default
// headers, retry of transient failures, and HTTP observability hooks.
package registry
