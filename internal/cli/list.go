package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var state, computer string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, page, err := client.ListJobs(cmd.Context(), ListFilter{State: state, Computer: computer, Limit: limit})
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			now := time.Now()
			fmt.Fprintf(out, "%-40s  %-14s  %-16s  %s\n", "ID", "STATE", "COMPUTER", "CREATED")
			fmt.Fprintf(out, "%-40s  %-14s  %-16s  %s\n", "--", "-----", "--------", "-------")
			for _, rec := range jobs {
				fmt.Fprintf(out, "%-40s  %-14s  %-16s  %s\n",
					rec.LocalID, rec.State, rec.Job.Computer, humanize.RelTime(rec.CreatedAt, now, "ago", "from now"))
			}

			if page != nil && page.HasMore {
				fmt.Fprintf(out, "\n(%s of %s shown)\n", humanize.Comma(int64(len(jobs))), humanize.Comma(int64(page.Total)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Only jobs in this state")
	cmd.Flags().StringVar(&computer, "computer", "", "Only jobs on this computer")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs to show (server default 20)")
	return cmd
}
