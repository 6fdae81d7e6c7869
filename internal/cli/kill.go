package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <job_id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			kr, err := client.KillJob(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("kill job: %w", err)
			}

			out := cmd.OutOrStdout()
			if kr.AlreadySealed {
				fmt.Fprintf(out, "Job %s already finished in state %s; nothing to kill.\n", kr.LocalID, kr.State)
				return nil
			}
			fmt.Fprintf(out, "Kill requested for %s (state %s); it is cancelled on the next tick.\n", kr.LocalID, kr.State)
			return nil
		},
	}
}
