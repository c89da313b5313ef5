package cli

import (
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/pkgstage/pkg/buildinfo"
	"github.com/matzehuels/pkgstage/pkg/config"
	"github.com/matzehuels/pkgstage/pkg/pkgref"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// appName is the application name used for directories and display.
	appName = "pkgstage"

	// defaultMirrorAddr is where "serve" listens unless --addr is given.
	defaultMirrorAddr = "127.0.0.1:4873"
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	configPath string // --config
	registry   string // --registry
	offline    bool   // --offline
}

// New creates a new CLI instance with a default logger.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "pkgstage fetches and stages npm packages for reproducible builds",
		Long: `pkgstage resolves, downloads, verifies and unpacks npm packages from a
registry. Given a lockfile it materializes the complete node_modules tree and
an offline package cache that can be served as a registry mirror.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
		},
	}

	root.SetVersionTemplate(buildinfo.Template())

	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default: "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&c.registry, "registry", "", "registry URL (default: "+config.DefaultRegistry+")")
	root.PersistentFlags().BoolVar(&c.offline, "offline", false, "deny all network access")

	root.AddCommand(c.fetchCommand())
	root.AddCommand(c.installCommand())
	root.AddCommand(c.treeCommand())
	root.AddCommand(c.serveCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// =============================================================================
// Configuration
// =============================================================================

// loadConfig reads the config file and applies command-line overrides.
// An explicit --config must exist; the default location is optional.
func (c *CLI) loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.Load(c.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return config.Config{}, err
	}

	if c.registry != "" {
		cfg.Registry = c.registry
	}
	if c.offline {
		cfg.Offline = true
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg.WithDefaults(), nil
}

// parseRef builds a package reference from a command-line argument.
//
// Accepted forms are an identity URL (npm://host;name=..;version=..) and the
// name@version shorthand. A registry named in the URL takes precedence over
// the configured one; a URL without a host (npm://;name=..) uses the
// configured registry.
func (c *CLI) parseRef(arg string, cfg config.Config) (*pkgref.Ref, error) {
	if !isIdentityURL(arg) {
		name, version := splitNameVersion(arg)
		return pkgref.New(name, version, cfg.Registry)
	}

	if pkgref.HasRegistry(arg) {
		if c.registry != "" {
			c.Logger.Warn("registry in package URL overrides --registry", "url", arg, "registry", c.registry)
		}
		return pkgref.ParseURL(arg)
	}

	_, params, _ := strings.Cut(arg, ";")
	return pkgref.ParseURL(cfg.Registry + ";" + params)
}

func isIdentityURL(arg string) bool {
	scheme, _, ok := strings.Cut(arg, "://")
	return ok && !strings.ContainsAny(scheme, "@/")
}

// splitNameVersion splits "name@version" and "@scope/name@version". The
// version is empty when absent.
func splitNameVersion(arg string) (string, string) {
	if i := strings.LastIndex(arg, "@"); i > 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, ""
}
