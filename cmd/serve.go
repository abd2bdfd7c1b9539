package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rss-dispatch/internal/server"
)

func newLeaseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lease",
		Short: "Runs the lease manager",
		Long: `Sweeps the feed store for idle feeds and feeds whose lease went stale,
takes the lease with a conditional write, and publishes a dispatch message
for each one. Run exactly one or several; the conditional write keeps
leases exclusive either way.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRole(cmd, opts, server.RoleLease)
		},
	}
}

func newWorkCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Runs the crawl worker pool",
		Long: `Consumes dispatch messages, crawls each leased feed, stores new entries,
and releases the lease. At most pool.threads_num crawls run at once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRole(cmd, opts, server.RoleWork)
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the lease manager and the worker pool in one process",
		Long: `Runs both roles side by side. This is the only mode that works with the
in-memory store and queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRole(cmd, opts, server.RoleAll)
		},
	}
}

func runRole(cmd *cobra.Command, opts *rootOptions, role server.Role) error {
	app, err := server.Build(cmd.Context(), &opts.cfg, opts.logger, role)
	if err != nil {
		return fmt.Errorf("build %s: %w", role, err)
	}
	defer app.Close()
	return app.Run(cmd.Context())
}
