package main

import (
	"fmt"

	"github.com/bissquit/contest-sync/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print build information",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "contest-sync %s (commit %s, built %s)\n",
				version.Version, version.GitCommit, version.BuildDate)
			return err
		},
	}
}
