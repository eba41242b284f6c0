package main

import (
	"fmt"
	"time"

	"github.com/bissquit/contest-sync/internal/app"
	"github.com/bissquit/contest-sync/internal/updater"
	"github.com/spf13/cobra"
)

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	opts := updater.DefaultCleanupOptions()
	var (
		apply    bool
		jsonFlag bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stopped, stale queues (dry run unless --apply)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.DryRun = !apply
			return ctx.withApp(func(a *app.App) error {
				report, err := a.Updater().Cleanup(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if jsonFlag {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), renderCleanup(report))
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 24*time.Hour, "Only queues idle for longer than this")
	cmd.Flags().Float64Var(&opts.MinProgress, "min-progress", opts.MinProgress, "Minimum progress percent")
	cmd.Flags().Float64Var(&opts.MaxProgress, "max-progress", opts.MaxProgress, "Maximum progress percent")
	cmd.Flags().BoolVar(&opts.IncludeCompleted, "include-completed", false, "Also remove fully processed queues")
	cmd.Flags().BoolVar(&apply, "apply", false, "Remove queues instead of reporting them")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Output JSON")

	return cmd
}
