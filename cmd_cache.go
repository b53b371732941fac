package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/any-hub/any-get/internal/cache"
	"github.com/any-hub/any-get/internal/config"
)

func newCacheCmd(opts *cliOptions) *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or evict entries of the local download cache",
	}
	cmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "覆盖配置中的 CacheDirectory")

	openStore := func() (cache.Store, error) {
		cfg, _, err := loadConfig(opts, false)
		if err != nil {
			return nil, err
		}
		dir := cfg.Global.CacheDirectory
		if cacheDir != "" {
			dir = cacheDir
		}
		store, err := cache.Open(dir)
		if err != nil {
			if errors.Is(err, cache.ErrNotADirectory) {
				return nil, usageError{err}
			}
			return nil, err
		}
		return store, nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List cached URIs",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				entries, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				return printEntries(cmd, entries)
			},
		},
		&cobra.Command{
			Use:   "evict URI...",
			Short: "Remove URIs from the cache",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := openStore()
				if err != nil {
					return err
				}
				var missing []string
				for _, uri := range args {
					err := store.Remove(cmd.Context(), uri)
					switch {
					case err == nil:
						fmt.Fprintf(cmd.OutOrStdout(), "evicted\t%s\n", uri)
					case errors.Is(err, cache.ErrNotFound):
						missing = append(missing, uri)
					default:
						return err
					}
				}
				if len(missing) > 0 {
					return config.FieldError{Field: "URI", Reason: fmt.Sprintf("not cached: %v", missing)}
				}
				return nil
			},
		},
	)
	return cmd
}

func printEntries(cmd *cobra.Command, entries []cache.Entry) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "URI\tSIZE\tSTORED")
	var total int64
	for _, entry := range entries {
		total += entry.SizeBytes
		fmt.Fprintf(tw, "%s\t%s\t%s\n", entry.URI, humanize.IBytes(uint64(entry.SizeBytes)), humanize.Time(entry.StoredAt))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d entries, %s\n", len(entries), humanize.IBytes(uint64(total)))
	return err
}
