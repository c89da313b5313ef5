// Package lockfile parses npm lockfiles and walks their dependency trees.
//
// # Overview
//
// A lockfile pins every package of a project's dependency tree. This package
// reads npm-shrinkwrap.json and package-lock.json files into a tree of
// [Node] values, keeping sibling order exactly as written in the file:
//
//	lf, err := lockfile.Load(path)
//	for node := range lockfile.Walk(lf) {
//	    fmt.Println(strings.Join(node.Path, " > "), node.Version)
//	}
//
// # Traversal
//
// [Walk] yields nodes in depth-first post-order: every child before its
// parent, siblings in declaration order. The traversal is iterative, so
// deeply nested trees cannot exhaust the goroutine stack, and the returned
// sequence can be ranged over any number of times.
//
// # Formats
//
// Lockfiles with a "dependencies" tree (lockfileVersion 1 and 2) are read
// from that tree. Files that only carry the flat "packages" map
// (lockfileVersion 3) are rebuilt into the same tree from their
// node_modules paths.
//
// # Visualization
//
// [ToDOT] renders the tree as Graphviz DOT and [RenderSVG] lays it out to SVG.
package lockfile
