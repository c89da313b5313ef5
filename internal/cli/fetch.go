package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/matzehuels/pkgstage/pkg/engine"
	"github.com/matzehuels/pkgstage/pkg/integrity"
)

// fetchOpts holds the command-line flags for the fetch command.
type fetchOpts struct {
	unpack   string // directory to unpack into (skip if empty)
	progress bool   // render a download progress bar
}

// fetchCommand creates the fetch command for the single-package path.
func (c *CLI) fetchCommand() *cobra.Command {
	opts := fetchOpts{progress: true}

	cmd := &cobra.Command{
		Use:   "fetch <package>",
		Short: "Resolve, download and verify a single package",
		Long: `Resolve a package version on the registry, download its tarball into the
download cache and verify its integrity.

The package is either an identity URL or name@version:

  pkgstage fetch left-pad@1.3.0
  pkgstage fetch "npm://registry.npmjs.org;name=@types/node;version=20.1.0"
  pkgstage fetch left-pad@1.3.0 --unpack build/

With --unpack the tarball's "package/" directory is extracted as "npm/".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runFetch(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.unpack, "unpack", "", "unpack the tarball into `dir`")
	cmd.Flags().BoolVar(&opts.progress, "progress", opts.progress, "show a download progress bar")

	return cmd
}

func (c *CLI) runFetch(cmd *cobra.Command, arg string, opts fetchOpts) error {
	ctx := cmd.Context()
	logger := loggerFromContext(ctx)

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	ref, err := c.parseRef(arg, cfg)
	if err != nil {
		return err
	}

	e := engine.New(cfg, logger)
	if opts.progress {
		e = e.WithProgress(os.Stderr)
	}

	prog := newProgress(logger)
	res, err := e.Fetch(ctx, ref)
	if err != nil {
		return err
	}
	prog.done("Fetched " + ref.String())

	printSuccess("%s@%s", ref.Name, StyleNumber.Render(res.View.ResolvedVersion))
	printFetchStats(res.Artifact.Size, string(res.Scheme), res.Reused)
	printFile(res.Artifact.Path)
	if res.Scheme == integrity.SchemeNone {
		printWarning("%s was not verified: the registry published no integrity data", ref)
	}

	if opts.unpack == "" {
		return nil
	}
	if err := e.Unpack(res.Artifact, opts.unpack); err != nil {
		return err
	}
	printSuccess("Unpacked into %s", opts.unpack)
	return nil
}
