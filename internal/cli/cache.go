package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/matzehuels/pkgstage/pkg/cache"
)

// cacheCommand creates the cache management command.
func (c *CLI) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the download and offline caches",
	}

	cmd.AddCommand(c.cacheClearCommand())
	cmd.AddCommand(c.cachePathCommand())
	cmd.AddCommand(c.cacheListCommand())

	return cmd
}

// cacheClearCommand creates the "cache clear" subcommand.
func (c *CLI) cacheClearCommand() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all downloaded tarballs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			dirs := []string{cfg.DownloadDir}
			if offline {
				dirs = append(dirs, cfg.CacheDir)
			}
			for _, dir := range dirs {
				count, err := countFiles(dir)
				if err != nil {
					return err
				}
				if count == 0 {
					printInfo("%s is empty", dir)
					continue
				}
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("clear %s: %w", dir, err)
				}
				printSuccess("Cleared %d cached files", count)
				printDetail("Directory: %s", dir)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&offline, "offline-cache", false, "also clear the offline package cache")
	return cmd
}

// cachePathCommand creates the "cache path" subcommand.
func (c *CLI) cachePathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the cache directory paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			printKeyValue("downloads", cfg.DownloadDir)
			printKeyValue("offline", cfg.CacheDir)
			return nil
		},
	}
}

// cacheListCommand creates the "cache ls" subcommand.
func (c *CLI) cacheListCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the packages in the offline cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.CacheDir
			}
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				printInfo("Offline cache is empty")
				return nil
			}

			store, err := cache.NewFileCache(dir)
			if err != nil {
				return err
			}
			entries, err := store.Entries(cmd.Context())
			if err != nil {
				return err
			}

			t := table.New().
				Border(lipgloss.NormalBorder()).
				BorderStyle(StyleDim).
				Headers("PACKAGE", "SIZE", "INTEGRITY")
			for _, e := range entries {
				t.Row(e.Key, formatBytes(uint64(e.Size)), shortIntegrity(e.Integrity))
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			printDetail("%d packages in %s", len(entries), dir)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "cache-dir", "", "offline cache directory")
	return cmd
}

// countFiles counts regular files below dir. A missing dir holds none.
func countFiles(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return fs.SkipDir
			}
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	return count, err
}

// shortIntegrity abbreviates an SRI token for display.
func shortIntegrity(sri string) string {
	const keep = 24
	if len(sri) <= keep {
		return sri
	}
	return sri[:keep] + "…"
}
