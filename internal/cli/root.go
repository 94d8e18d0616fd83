// Package cli implements the rvacal command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rvacal/internal/cache"
	"rvacal/internal/config"
	"rvacal/internal/feed"
	appLog "rvacal/internal/log"
)

// Version is reported by --version.
const Version = "1.0.0"

// Global flags
var (
	configPath string
	verbose    bool
)

// cfg is loaded once per invocation by the root PersistentPreRunE.
var cfg *config.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rvacal",
	Short: "rvacal – aggregate Richmond figure drawing sessions",
	Long: `Scrapes the configured figure drawing venues, caches each source's
results and publishes one merged event feed (JSON and iCalendar).`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(*cobra.Command, []string) { appLog.Sync() },
}

// Execute adds all child commands to the root command and sets flags appropriately.
// SIGINT/SIGTERM cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rvacal.yaml", "Path to config file (created with defaults if missing)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging to stderr")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		if c == nil {
			return fmt.Errorf("load config %s: %w", configPath, err)
		}
		appLog.Warn("could not write default config; continuing with defaults", err, "config_path", configPath)
	}

	level := c.Log.Level
	if verbose {
		level = "debug"
	}
	appLog.Configure(level, c.Log.Format)
	appLog.Debug("effective config",
		"config_path", configPath,
		"timezone", c.Timezone,
		"cache_file", c.CacheFile,
		"sources", c.SourceIDs(),
		"command", cmd.Name(),
	)

	cfg = c
	return nil
}

func openStore(c *config.Config) *cache.Store {
	return cache.Open(cache.NewFilesystemBackend(c.CacheFile), c.TTLPolicy())
}

func openService(c *config.Config, opts ...feed.Option) (*feed.Service, error) {
	return feed.New(c, openStore(c), opts...)
}
