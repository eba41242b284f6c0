package main

import (
	"fmt"

	"github.com/bissquit/contest-sync/internal/app"
	"github.com/spf13/cobra"
)

func newAutoUpdateCommand(ctx *commandContext) *cobra.Command {
	var (
		force    bool
		jsonFlag bool
	)

	cmd := &cobra.Command{
		Use:   "auto-update",
		Short: "Run the recurring update trigger once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withApp(func(a *app.App) error {
				report, err := a.Updater().RunAutoUpdate(cmd.Context(), force)
				if err != nil {
					return err
				}
				if jsonFlag {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), renderAutoUpdate(report))
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Ignore the enabled flag and the interval")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Output JSON")

	return cmd
}
