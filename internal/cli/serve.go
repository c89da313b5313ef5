package cli

import (
	"github.com/spf13/cobra"

	"github.com/matzehuels/pkgstage/pkg/cache"
	"github.com/matzehuels/pkgstage/pkg/mirror"
)

// serveOpts holds the command-line flags for the serve command.
type serveOpts struct {
	addr     string // listen address
	cacheDir string // offline cache directory (default from config)
	baseURL  string // externally visible mirror URL
}

// serveCommand creates the serve command that exposes an offline cache as a
// registry mirror.
func (c *CLI) serveCommand() *cobra.Command {
	opts := serveOpts{addr: defaultMirrorAddr}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an offline cache as a read-only registry",
		Long: `Serve the offline cache populated by "install" as a read-only npm registry,
so later builds can resolve the same packages without network access:

  pkgstage serve --cache-dir build/offline
  pkgstage install --registry http://127.0.0.1:4873 --cache-dir build/offline-next

While the mirror runs, installs refuse to reuse the served cache directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", opts.addr, "listen address")
	cmd.Flags().StringVar(&opts.cacheDir, "cache-dir", "", "offline cache directory")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "", "mirror URL used in tarball links (default: request host)")

	return cmd
}

func (c *CLI) runServe(cmd *cobra.Command, opts serveOpts) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	dir := opts.cacheDir
	if dir == "" {
		dir = cfg.CacheDir
	}

	store, err := cache.NewFileCache(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	logger := loggerFromContext(cmd.Context())
	srv := mirror.New(store, logger)
	srv.BaseURL = opts.baseURL

	url := opts.baseURL
	if url == "" {
		url = "http://" + opts.addr
	}
	unmark, err := store.MarkServing(url)
	if err != nil {
		return err
	}
	defer func() {
		if err := unmark(); err != nil {
			logger.Warn("could not remove serving marker", "dir", dir, "err", err)
		}
	}()

	printInfo("Serving %s on http://%s", dir, opts.addr)
	return srv.ListenAndServe(cmd.Context(), opts.addr)
}
