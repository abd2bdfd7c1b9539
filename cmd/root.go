// Package cmd defines and implements the CLI commands for the rss-dispatch
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-dispatch/internal/config"
	"github.com/JakeFAU/rss-dispatch/internal/logging"
)

// rootOptions is filled by the root command's pre-run hook and shared with
// every subcommand.
type rootOptions struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "rss-dispatch",
		Short: "Lease-based RSS crawl dispatcher and worker pool.",
		Long: `rss-dispatch keeps a large catalog of RSS/Atom feeds fresh. The lease
command hands out exclusive leases on idle or stale feeds through a work
queue; the work command consumes that queue, crawls each feed, and stores
the new entries.`,
		SilenceUsage: true,

		// Config and logger are ready before any subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cmd.Name())
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},

		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML); CRAWLER_* env vars override it")

	cmd.AddCommand(
		newLeaseCmd(opts),
		newWorkCmd(opts),
		newRunCmd(opts),
		newSeedCmd(opts),
		newAuditCmd(opts),
		newMigrateCmd(opts),
		newReleaseCmd(opts),
	)
	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command's
// context so long-running roles drain before exiting.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Command execution failed:", err)
		stop()
		os.Exit(1)
	}
}
