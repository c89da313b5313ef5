package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/pkgstage/pkg/lockfile"
)

const (
	formatText = "text"
	formatDOT  = "dot"
	formatSVG  = "svg"
)

// treeOpts holds the command-line flags for the tree command.
type treeOpts struct {
	format string // text, dot or svg
	output string // output file (stdout if empty)
}

// treeCommand creates the tree command for inspecting lockfiles.
func (c *CLI) treeCommand() *cobra.Command {
	opts := treeOpts{format: formatText}

	cmd := &cobra.Command{
		Use:   "tree <lockfile>",
		Short: "Print the dependency tree of a lockfile",
		Long: `Print the dependency tree of a lockfile in declaration order.

Formats:
  text  indented tree (default)
  dot   Graphviz DOT
  svg   rendered SVG`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTree(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.format, "format", "f", opts.format, "output format: text, dot, svg")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file (stdout if empty)")

	return cmd
}

func runTree(cmd *cobra.Command, path string, opts treeOpts) error {
	lf, err := lockfile.Load(path)
	if err != nil {
		return err
	}

	var data []byte
	switch opts.format {
	case formatText:
		var b strings.Builder
		writeTree(&b, lf)
		data = []byte(b.String())
	case formatDOT:
		data = []byte(lockfile.ToDOT(lf))
	case formatSVG:
		data, err = lockfile.RenderSVG(cmd.Context(), lockfile.ToDOT(lf))
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q (want text, dot or svg)", opts.format)
	}

	if opts.output == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(opts.output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", opts.output, err)
	}
	printFile(opts.output)
	return nil
}

// writeTree renders lf as an indented tree, siblings in declaration order.
func writeTree(w io.Writer, lf *lockfile.Lockfile) {
	title := lf.Name
	if title == "" {
		title = "."
	}
	if lf.Version != "" {
		title += "@" + lf.Version
	}
	fmt.Fprintln(w, title)
	writeNodes(w, lf.Roots, "")
}

func writeNodes(w io.Writer, nodes []*lockfile.Node, indent string) {
	for i, n := range nodes {
		branch, next := "├── ", "│   "
		if i == len(nodes)-1 {
			branch, next = "└── ", "    "
		}
		fmt.Fprintf(w, "%s%s%s@%s\n", indent, branch, n.Name, n.Version)
		writeNodes(w, n.Children, indent+next)
	}
}
