package main

import (
	"fmt"

	"github.com/bissquit/contest-sync/internal/app"
	"github.com/bissquit/contest-sync/internal/updater"
	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		groupID  int64
		queueID  string
		allFlag  bool
		jsonFlag bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show update queue progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withApp(func(a *app.App) error {
				svc := a.Updater()
				out := cmd.OutOrStdout()

				if queueID != "" {
					st, err := svc.QueueStatus(cmd.Context(), groupID, queueID)
					if err != nil {
						return err
					}
					if jsonFlag {
						return writeJSON(out, st)
					}
					_, err = fmt.Fprint(out, renderQueue(st))
					return err
				}

				var groups []*updater.GroupStatus
				if allFlag || !cmd.Flags().Changed("group") {
					all, err := svc.AllGroupStatuses(cmd.Context())
					if err != nil {
						return err
					}
					groups = all
				} else {
					g, err := svc.GroupStatus(cmd.Context(), groupID)
					if err != nil {
						return err
					}
					groups = []*updater.GroupStatus{g}
				}

				if jsonFlag {
					return writeJSON(out, groups)
				}
				_, err := fmt.Fprint(out, renderGroups(groups))
				return err
			})
		},
	}

	cmd.Flags().Int64Var(&groupID, "group", 0, "Contest id (0 is the global group)")
	cmd.Flags().StringVar(&queueID, "queue", "", "Queue id; shows per-account progress")
	cmd.Flags().BoolVar(&allFlag, "all", false, "Show every group with registered queues")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Output JSON")

	return cmd
}
