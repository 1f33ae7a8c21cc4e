package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	badgercache "github.com/JakeFAU/markdown-crawler/internal/cache/badger"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the response cache",
	}
	cmd.PersistentFlags().String("path", "", "cache directory (defaults to cache.path)")
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Print the entry count and on-disk size of the cache",
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, path, err := openCache(cmd, opts)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				stats, err := store.Stats()
				if err != nil {
					return fmt.Errorf("cache stats: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "cache: %s\n", path)
				fmt.Fprintf(out, "entries: %d\n", stats.Keys)
				fmt.Fprintf(out, "lsm bytes: %d\n", stats.LSMBytes)
				fmt.Fprintf(out, "vlog bytes: %d\n", stats.VLogBytes)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Drop every cached response",
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, path, err := openCache(cmd, opts)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				if err := store.Clear(); err != nil {
					return fmt.Errorf("cache clear: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cache cleared: %s\n", path)
				return nil
			},
		},
	)
	return cmd
}

func openCache(cmd *cobra.Command, opts *rootOptions) (*badgercache.Store, string, error) {
	if err := opts.readFile(); err != nil {
		return nil, "", err
	}
	path, _ := cmd.Flags().GetString("path")
	if path == "" {
		path = opts.v.GetString("cache.path")
	}
	cfg := badgercache.DefaultConfig(path)
	cfg.GCInterval = 0
	store, err := badgercache.Open(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("open cache %s: %w", path, err)
	}
	return store, path, nil
}
