package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/me/calcjob/internal/fault"
	"github.com/me/calcjob/internal/transport"
	"github.com/me/calcjob/pkg/model"
)

// SlurmScheduler submits through sbatch and polls with squeue and sacct.
type SlurmScheduler struct {
	transport transport.Transport
	logger    *slog.Logger
}

// NewSlurmScheduler creates a SlurmScheduler executing over t.
func NewSlurmScheduler(t transport.Transport, logger *slog.Logger) *SlurmScheduler {
	return &SlurmScheduler{
		transport: t,
		logger:    logger.With("component", "slurm-scheduler"),
	}
}

// Name returns "slurm".
func (s *SlurmScheduler) Name() string { return "slurm" }

// Submit wraps the submit script with sbatch --wrap so that its exit status
// lands in model.ExitStatusFile. Resources become --key=value options.
func (s *SlurmScheduler) Submit(ctx context.Context, job model.JobDescription) (string, error) {
	inner := fmt.Sprintf("/bin/sh %s; echo $? > %s", shellQuote(job.SubmitScript), model.ExitStatusFile)

	var b strings.Builder
	fmt.Fprintf(&b, "cd %s && sbatch --parsable", shellQuote(job.RemoteWorkDir))
	for _, flag := range resourceFlags(job.Resources) {
		b.WriteString(" ")
		b.WriteString(shellQuote(flag))
	}
	fmt.Fprintf(&b, " --output=%s --error=%s --wrap=%s", StdoutFile, StderrFile, shellQuote(inner))

	res, err := s.transport.Exec(ctx, b.String())
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", classifySlurmExit("submit", res)
	}
	// --parsable prints "jobid" or "jobid;cluster".
	id, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), ";")
	if id == "" {
		return "", fault.Permanent("submit", fmt.Errorf("%w: sbatch printed no job id", fault.ErrRejected))
	}
	s.logger.Info("job submitted", "workdir", job.RemoteWorkDir, "slurm_job_id", id)
	return id, nil
}

// QueryStatus asks squeue for the job state. squeue forgets finished jobs, so
// a job it does not list is looked up in the accounting database with sacct.
// Only a job neither knows is reported as not found.
func (s *SlurmScheduler) QueryStatus(ctx context.Context, remoteID string) (model.NormalizedStatus, error) {
	res, err := s.transport.Exec(ctx, "squeue -h -o %T -j "+shellQuote(remoteID))
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 && !strings.Contains(res.Stderr, "Invalid job id") {
		return "", classifySlurmExit("query", res)
	}
	if res.ExitCode == 0 && out != "" {
		return Normalize(VocabSlurm, firstLine(out)), nil
	}
	return s.accounting(ctx, remoteID)
}

// accounting reads the final state of a job from sacct. Accounting that is
// disabled or knows nothing about the job yields not found.
func (s *SlurmScheduler) accounting(ctx context.Context, remoteID string) (model.NormalizedStatus, error) {
	res, err := s.transport.Exec(ctx, "sacct -n -X -P -o State -j "+shellQuote(remoteID))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		if cerr := classifySlurmExit("query", res); fault.IsTransient(cerr) {
			return "", cerr
		}
		s.logger.Debug("sacct unavailable", "slurm_job_id", remoteID, "stderr", strings.TrimSpace(res.Stderr))
		return model.StatusNotFound, nil
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return model.StatusNotFound, nil
	}
	return Normalize(VocabSlurm, firstLine(out)), nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

// Cancel runs scancel.
func (s *SlurmScheduler) Cancel(ctx context.Context, remoteID string) (bool, error) {
	res, err := s.transport.Exec(ctx, "scancel "+shellQuote(remoteID))
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// classifySlurmExit treats controller communication errors as transient and
// everything else as a rejection.
func classifySlurmExit(op string, res transport.ExecResult) error {
	msg := strings.TrimSpace(res.Stderr)
	err := fmt.Errorf("exit %d: %s", res.ExitCode, msg)
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "socket timed out") ||
		strings.Contains(lower, "unable to contact slurm controller") ||
		strings.Contains(lower, "connection refused") {
		return fault.Transient(op, fmt.Errorf("%w: %v", fault.ErrUnavailable, err))
	}
	return fault.Permanent(op, fmt.Errorf("%w: %v", fault.ErrRejected, err))
}

// resourceFlags renders resources as sorted --key=value options.
func resourceFlags(resources map[string]any) []string {
	keys := make([]string, 0, len(resources))
	for k := range resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	flags := make([]string, 0, len(keys))
	for _, k := range keys {
		flags = append(flags, fmt.Sprintf("--%s=%v", k, resources[k]))
	}
	return flags
}
