package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-crawler/internal/app"
)

// crawlFlags maps crawl flags to the config keys they override.
var crawlFlags = map[string]string{
	"url":              "target.base_url",
	"concurrency":      "pipeline.concurrency",
	"output":           "output.dir",
	"render-mode":      "target.render_mode",
	"cache-timeout-ms": "cache.lookup_timeout_ms",
}

func newCrawlCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a site and write Markdown for every resolved page",
		Long: `Walks the configured site, filling the response cache, and resolves every
visited page into Markdown. Outcome lines and the final summary go to stdout.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.String("url", "", "base URL to crawl")
	flags.Int("concurrency", 1, "permit budget for page resolution (0 = unbounded)")
	flags.String("output", "output", "output directory")
	flags.String("render-mode", "http", "traversal render mode: http or chrome")
	flags.Bool("no-cache", false, "keep the response cache in memory for this run only")
	flags.Int("cache-timeout-ms", 6000, "cache lookup bound per page in milliseconds")
	for name, key := range crawlFlags {
		if err := opts.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *rootOptions) error {
	if noCache, _ := cmd.Flags().GetBool("no-cache"); noCache {
		opts.v.Set("cache.enabled", false)
	}
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.Build(cmd.Context(), cfg, app.Options{
		Logger: logger,
		Out:    cmd.OutOrStdout(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close(context.Background())

	summary, err := a.Run(cmd.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("crawl interrupted", zap.Int64("processed", summary.Processed))
			return nil
		}
		return fmt.Errorf("run crawl: %w", err)
	}
	logger.Info("crawl command finished",
		zap.Int64("processed", summary.Processed),
		zap.Int64("saved", summary.Saved))
	return nil
}
