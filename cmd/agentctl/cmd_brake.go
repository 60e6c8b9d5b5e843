package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hireloop/agentcore/internal/domain"
	"github.com/spf13/cobra"
)

func newBrakeCmd(o opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brake",
		Short: "Inspect or change a user's emergency brake",
	}
	cmd.PersistentFlags().String("user", "", "user ID (required)")
	_ = cmd.MarkPersistentFlagRequired("user")

	sub := []struct {
		use, short string
		op         func(BrakeOps, context.Context, string) (domain.BrakeStatus, error)
	}{
		{"activate", "Pull the brake: stop all agent work for the user", BrakeOps.Activate},
		{"resume", "Release the brake and resume paused approvals", BrakeOps.Resume},
		{"status", "Print the brake state", BrakeOps.Status},
		{"verify", "Run the completion check for a pausing brake now", BrakeOps.VerifyCompletion},
	}
	for _, s := range sub {
		cmd.AddCommand(&cobra.Command{
			Use:   s.use,
			Short: s.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				user, _ := cmd.Flags().GetString("user")
				if user == "" {
					return fmt.Errorf("brake %s: --user is required", s.use)
				}
				ctx, cancel := commandContext(cmd)
				defer cancel()

				b, err := o.backend(ctx)
				if err != nil {
					return fmt.Errorf("brake %s: %w", s.use, err)
				}
				defer b.release()

				st, err := s.op(b.Brake, ctx, user)
				if err != nil {
					return fmt.Errorf("brake %s: %w", s.use, err)
				}
				return printJSON(cmd, st)
			},
		})
	}
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
