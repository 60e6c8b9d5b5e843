package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(o opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Long:  "Create the agentcore tables and indexes if they do not exist. Safe to run repeatedly.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			m, release, err := o.migrator(ctx)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer release()

			if err := m.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
