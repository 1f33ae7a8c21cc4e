// Package cmd defines the markdown-crawler command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-crawler/internal/config"
	"github.com/JakeFAU/markdown-crawler/internal/logging"
)

// rootOptions is shared by every subcommand. Flags bind into v so they take
// precedence over the environment and the config file.
type rootOptions struct {
	cfgFile string
	v       *viper.Viper
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: config.NewViper()}
	cmd := &cobra.Command{
		Use:   "markdown-crawler",
		Short: "Crawl a site and turn every page into Markdown.",
		Long: `markdown-crawler walks a site, caches every response, and resolves each
visited page into a Markdown document. Pages that need script execution are
rendered in headless Chrome; everything else is converted straight from the
cache.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML)")
	cmd.AddCommand(newCrawlCmd(opts), newCacheCmd(opts))
	return cmd
}

// load reads the config file and builds the logger.
func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFrom(o.v, o.cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg, logger, nil
}

// readFile loads the config file without validating it, for commands that
// only need a handful of keys.
func (o *rootOptions) readFile() error {
	if o.cfgFile == "" {
		return nil
	}
	o.v.SetConfigFile(o.cfgFile)
	if err := o.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logger, lerr := logging.New(logging.Config{Development: true})
		if lerr != nil {
			fmt.Fprintf(os.Stderr, "command failed: %v\n", err)
			os.Exit(1)
		}
		logger.Error("command failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
