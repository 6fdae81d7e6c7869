package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/calcjob/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show the state of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			rec, err := client.GetJob(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}
			printStatus(cmd.OutOrStdout(), *rec, time.Now())
			return nil
		},
	}
}

func printStatus(w io.Writer, rec model.JobRecord, now time.Time) {
	fmt.Fprintf(w, "Job: %s\n", rec.LocalID)
	fmt.Fprintf(w, "  Computer: %s\n", rec.Job.Computer)
	fmt.Fprintf(w, "  State:    %s\n", rec.State)
	if rec.RemoteID != "" {
		fmt.Fprintf(w, "  Remote:   %s\n", rec.RemoteID)
	}
	if rec.LastSchedulerStatus != "" {
		fmt.Fprintf(w, "  Scheduler: %s\n", rec.LastSchedulerStatus)
	}
	if rec.SubmissionAttempts > 0 || rec.RetrievalAttempts > 0 {
		fmt.Fprintf(w, "  Attempts: %d submit, %d retrieve\n", rec.SubmissionAttempts, rec.RetrievalAttempts)
	}
	if rec.ExitCode != nil {
		fmt.Fprintf(w, "  Exit:     %d\n", *rec.ExitCode)
	}
	if rec.FailureReason != "" {
		fmt.Fprintf(w, "  Failure:  %s (%s)\n", rec.FailureReason, rec.FailureKind)
	}
	if len(rec.RetrievedFiles) > 0 {
		fmt.Fprintf(w, "  Files:    %d retrieved into %s\n", len(rec.RetrievedFiles), rec.Job.LocalStagingDir)
	}
	fmt.Fprintf(w, "  Created:  %s\n", humanize.RelTime(rec.CreatedAt, now, "ago", "from now"))
	if rec.LastTransitionTime != nil {
		fmt.Fprintf(w, "  Changed:  %s\n", humanize.RelTime(*rec.LastTransitionTime, now, "ago", "from now"))
	}
}
