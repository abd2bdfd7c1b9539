package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-dispatch/internal/audit"
	"github.com/JakeFAU/rss-dispatch/internal/crawler"
	"github.com/JakeFAU/rss-dispatch/internal/seed"
	"github.com/JakeFAU/rss-dispatch/internal/server"
)

// withStore opens the configured feed store for the duration of fn.
func withStore(ctx context.Context, opts *rootOptions, fn func(server.Store) error) error {
	store, closeStore, err := server.OpenStore(ctx, &opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(store)
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	var (
		file      string
		purge     bool
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Loads feed URLs from a CSV file",
		Long: `Reads one feed URL per line (first CSV column, '#' comments allowed) and
inserts every unknown URL as an idle feed. Known feeds keep their state and
entries unless --purge is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				// #nosec G304 -- the operator chooses the seed file.
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open seed file: %w", err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}
			return withStore(cmd.Context(), opts, func(store server.Store) error {
				res, err := seed.New(store, opts.logger).Seed(cmd.Context(), in, seed.Options{
					Purge:     purge,
					BatchSize: batchSize,
				})
				if err != nil {
					return fmt.Errorf("seed feeds: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "read %d, inserted %d, invalid %d\n", res.Read, res.Inserted, res.Invalid)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV file with feed URLs, or - for stdin")
	cmd.Flags().BoolVar(&purge, "purge", false, "delete every feed before inserting")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "URLs per insert (default 500)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Reports near-duplicate entries per feed",
		Long: `Compares the visible text of every pair of entries with full content
within each feed and counts the pairs whose Jaccard similarity exceeds
audit.threshold. Read-only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(store server.Store) error {
				report, err := audit.New(store, opts.cfg.Audit.Threshold, opts.logger).Run(cmd.Context())
				if err != nil {
					return fmt.Errorf("audit: %w", err)
				}
				return printReport(cmd.OutOrStdout(), report, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, report audit.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return nil
	}
	feeds := make([]string, 0, len(report.PerFeed))
	for feed := range report.PerFeed {
		feeds = append(feeds, feed)
	}
	sort.Strings(feeds)
	for _, feed := range feeds {
		fmt.Fprintf(w, "%s\t%d\n", feed, report.PerFeed[feed])
	}
	fmt.Fprintf(w, "total %d similar pairs (%d compared)\n", report.Total, report.Compared)
	return nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Creates the feed and entry tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd.Context(), opts, func(store server.Store) error {
				schema, ok := store.(server.SchemaStore)
				if !ok {
					return fmt.Errorf("store backend %q has no schema", opts.cfg.Store.Backend)
				}
				if err := schema.EnsureSchema(cmd.Context()); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				opts.logger.Info("schema is up to date")
				return nil
			})
		},
	}
}

func newReleaseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "release FEED_URL...",
		Short: "Forces feeds back to idle",
		Long: `Clears the lease on the given feeds unconditionally. A worker still
holding one of those leases will find it lost and drop its results.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(store server.Store) error {
				var errs []error
				for _, feedURL := range args {
					err := store.UpdateFeed(cmd.Context(), feedURL, crawler.FeedUpdate{State: crawler.LeaseStateIdle})
					if err != nil {
						errs = append(errs, fmt.Errorf("release %s: %w", feedURL, err))
						continue
					}
					opts.logger.Info("feed released", zap.String("feed_url", feedURL))
				}
				return errors.Join(errs...)
			})
		},
	}
}
