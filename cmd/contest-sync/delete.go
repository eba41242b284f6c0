package main

import (
	"errors"
	"fmt"

	"github.com/bissquit/contest-sync/internal/app"
	"github.com/spf13/cobra"
)

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	var groupID int64

	cmd := &cobra.Command{
		Use:   "delete <queue-id>",
		Short: "Delete one queue, even while it runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(func(a *app.App) error {
				if err := a.Updater().DeleteQueue(cmd.Context(), groupID, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Deleted queue %s in group %s.\n", args[0], groupLabel(groupID))
				return err
			})
		},
	}

	cmd.Flags().Int64Var(&groupID, "group", 0, "Contest id (0 is the global group)")
	return cmd
}

func newClearAllCommand(ctx *commandContext) *cobra.Command {
	var (
		yes      bool
		jsonFlag bool
	)

	cmd := &cobra.Command{
		Use:   "clear-all",
		Short: "Delete every registered queue, including running ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("clear-all deletes running queues; pass --yes to confirm")
			}
			return ctx.withApp(func(a *app.App) error {
				report, err := a.Updater().ClearAll(cmd.Context())
				if err != nil {
					return err
				}
				if jsonFlag {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), renderClear(report))
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the clear")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Output JSON")
	return cmd
}
