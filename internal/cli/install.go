package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/matzehuels/pkgstage/pkg/engine"
	"github.com/matzehuels/pkgstage/pkg/lockfile"
)

// installOpts holds the command-line flags for the install command.
type installOpts struct {
	src         string // source tree searched for npm-shrinkwrap.json
	lockfile    string // fallback lockfile path
	installRoot string // dependency container (default: <src>/node_modules)
	cacheDir    string // offline cache directory (default from config)
	noCache     bool   // skip the offline cache
}

// installCommand creates the install command that materializes a lockfile.
func (c *CLI) installCommand() *cobra.Command {
	opts := installOpts{src: "."}

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Materialize a lockfile into a node_modules tree",
		Long: `Fetch every package of a lockfile and unpack it at its position in the
dependency tree, in post-order. The lockfile is <src>/npm-shrinkwrap.json, or
the file given by --lockfile (or the lockfile config key) when the source tree
has none.

The install root and the offline cache are wiped before the run. Any failure
aborts the run and removes the install root.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInstall(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.src, "src", opts.src, "source tree")
	cmd.Flags().StringVar(&opts.lockfile, "lockfile", "", "lockfile used when the source tree has none")
	cmd.Flags().StringVar(&opts.installRoot, "install-root", "", "install root (default: <src>/node_modules)")
	cmd.Flags().StringVar(&opts.cacheDir, "cache-dir", "", "offline cache directory")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "do not populate an offline cache")

	return cmd
}

func (c *CLI) runInstall(cmd *cobra.Command, opts installOpts) error {
	ctx := cmd.Context()
	logger := loggerFromContext(ctx)

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	configured := opts.lockfile
	if configured == "" {
		configured = cfg.Lockfile
	}
	path, err := lockfile.Locate(opts.src, configured)
	if err != nil {
		return err
	}
	lf, err := lockfile.Load(path)
	if err != nil {
		return err
	}
	logger.Debug("loaded lockfile", "path", path, "packages", lf.Len())

	installRoot := opts.installRoot
	if installRoot == "" {
		installRoot = filepath.Join(opts.src, "node_modules")
	}
	cacheDir := opts.cacheDir
	if cacheDir == "" {
		cacheDir = cfg.CacheDir
	}
	if opts.noCache {
		cacheDir = ""
	}

	prog := newProgress(logger)
	deps, err := engine.NewMaterializer(engine.New(cfg, logger)).Materialize(ctx, lf, installRoot, cacheDir)
	if err != nil {
		return err
	}
	prog.done(fmt.Sprintf("Installed %d packages", len(deps)))

	printSuccess("Installed %s packages from %s", StyleNumber.Render(fmt.Sprint(len(deps))), path)
	printFile(installRoot)
	if cacheDir != "" {
		printDetail("Offline cache: %s", cacheDir)
		printNextStep("Serve the offline cache (later installs need another --cache-dir)", appName+" serve --cache-dir "+cacheDir)
	}
	return nil
}
