package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newRetryFailedCmd creates the 'retry-failed' subcommand. It only requeues;
// the next 'download' fetches the cleared identifiers.
func newRetryFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Queue failed identifiers for the next download",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cleared, err := appInstance.GetManager().RetryFailed(cmd.Context())
			if err != nil {
				return fmt.Errorf("retry failed: %w", err)
			}
			if len(cleared) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No failed identifiers.")
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(),
				"Cleared %d failed identifiers; run 'imagecrawl download' to fetch them.\n", len(cleared))
			return nil
		},
	}
}

// newResetCmd creates the 'reset' subcommand.
func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard the session, its saved progress and staged images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("reset deletes all progress; pass --yes to confirm")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.GetManager().Reset(cmd.Context()); err != nil {
				return fmt.Errorf("reset session: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Session reset.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
