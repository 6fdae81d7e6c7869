package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/calcjob/pkg/model"
)

// loadJobFile reads a job description from YAML. Relative input and
// staging paths are resolved against the file's directory.
func loadJobFile(path string) (model.JobDescription, error) {
	var desc model.JobDescription
	data, err := os.ReadFile(path)
	if err != nil {
		return desc, fmt.Errorf("read job file: %w", err)
	}
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return desc, fmt.Errorf("parse job file %s: %w", path, err)
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return desc, err
	}
	if len(desc.InputFiles) > 0 {
		resolved := make(map[string]string, len(desc.InputFiles))
		for local, remote := range desc.InputFiles {
			if !filepath.IsAbs(local) {
				local = filepath.Join(base, local)
			}
			resolved[local] = remote
		}
		desc.InputFiles = resolved
	}
	if desc.LocalStagingDir != "" && !filepath.IsAbs(desc.LocalStagingDir) {
		desc.LocalStagingDir = filepath.Join(base, desc.LocalStagingDir)
	}
	return desc, nil
}

func newSubmitCmd() *cobra.Command {
	var computer, parser string

	cmd := &cobra.Command{
		Use:   "submit <job.yaml>",
		Short: "Submit a job description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := loadJobFile(args[0])
			if err != nil {
				return err
			}
			if computer != "" {
				desc.Computer = computer
			}
			if parser != "" {
				desc.Parser = parser
			}

			rec, err := client.CreateJob(cmd.Context(), desc)
			if err != nil {
				return fmt.Errorf("create job: %w", err)
			}
			logger.Debug("job created", "job_id", rec.LocalID)
			fmt.Fprintf(cmd.OutOrStdout(), "Job created: %s (computer %s, state %s)\n", rec.LocalID, rec.Job.Computer, rec.State)
			return nil
		},
	}

	cmd.Flags().StringVar(&computer, "computer", "", "Override the computer named in the job file")
	cmd.Flags().StringVar(&parser, "parser", "", "Override the output parser named in the job file")
	return cmd
}
