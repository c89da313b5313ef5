package lockfile

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
)

// ToDOT converts the dependency tree to Graphviz DOT format. Every node is
// keyed by its full path, so a package installed at several positions
// appears once per position.
func ToDOT(lf *Lockfile) string {
	var buf bytes.Buffer
	buf.WriteString("digraph G {\n")
	buf.WriteString("  rankdir=LR;\n")
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white, fontsize=12];\n")

	root := lf.Name
	if root == "" {
		root = "."
	}
	fmt.Fprintf(&buf, "  %q [label=%q, fillcolor=lightgrey];\n", rootID, root)

	buf.WriteString("\n")
	for node := range Walk(lf) {
		fmt.Fprintf(&buf, "  %q [label=%q];\n", nodeID(node), node.Name+"\n"+node.Version)
	}

	buf.WriteString("\n")
	for _, r := range lf.Roots {
		fmt.Fprintf(&buf, "  %q -> %q;\n", rootID, nodeID(r))
	}
	for node := range Walk(lf) {
		for _, c := range node.Children {
			fmt.Fprintf(&buf, "  %q -> %q;\n", nodeID(node), nodeID(c))
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}

// npm package names cannot start with an underscore.
const rootID = "_root"

func nodeID(n *Node) string {
	return strings.Join(n.Path, "/node_modules/")
}

// RenderSVG renders a DOT graph to SVG using Graphviz.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}
