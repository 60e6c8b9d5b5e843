package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSchedulesCmd(o opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Briefing schedule housekeeping",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "sweep",
			Short: "Remove schedules of deactivated or permanently braked users",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()
				b, err := o.backend(ctx)
				if err != nil {
					return fmt.Errorf("schedules sweep: %w", err)
				}
				defer b.release()

				n, err := b.Schedules.Sweep(ctx)
				if err != nil {
					return fmt.Errorf("schedules sweep: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d schedule(s)\n", n)
				return nil
			},
		},
		&cobra.Command{
			Use:   "dst",
			Short: "Recompute UTC offsets after a daylight saving change",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()
				b, err := o.backend(ctx)
				if err != nil {
					return fmt.Errorf("schedules dst: %w", err)
				}
				defer b.release()

				n, err := b.Schedules.CorrectOffsets(ctx)
				if err != nil {
					return fmt.Errorf("schedules dst: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "corrected %d schedule(s)\n", n)
				return nil
			},
		},
	)
	return cmd
}

func newApprovalsCmd(o opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Approval queue housekeeping",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Expire pending approvals past their deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			b, err := o.backend(ctx)
			if err != nil {
				return fmt.Errorf("approvals sweep: %w", err)
			}
			defer b.release()

			n, err := b.Approvals.ExpireSweep(ctx)
			if err != nil {
				return fmt.Errorf("approvals sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d approval(s)\n", n)
			return nil
		},
	})
	return cmd
}
