package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/me/calcjob/internal/fault"
	"github.com/me/calcjob/internal/transport"
	"github.com/me/calcjob/pkg/model"
)

// Output files written next to the submit script by the shell wrapper.
const (
	StdoutFile = "_scheduler-stdout.txt"
	StderrFile = "_scheduler-stderr.txt"
)

// DirectScheduler runs the submit script as a detached background process on
// the computer. The process leads its own session, so the remote id is both
// its pid and the process group id of everything the script starts.
type DirectScheduler struct {
	transport transport.Transport
	logger    *slog.Logger
}

// NewDirectScheduler creates a DirectScheduler executing over t.
func NewDirectScheduler(t transport.Transport, logger *slog.Logger) *DirectScheduler {
	return &DirectScheduler{
		transport: t,
		logger:    logger.With("component", "direct-scheduler"),
	}
}

// Name returns "direct".
func (s *DirectScheduler) Name() string { return "direct" }

// Submit starts the submit script under setsid and nohup and returns its PID.
func (s *DirectScheduler) Submit(ctx context.Context, job model.JobDescription) (string, error) {
	inner := fmt.Sprintf("/bin/sh %s; echo $? > %s", shellQuote(job.SubmitScript), model.ExitStatusFile)
	cmd := fmt.Sprintf("cd %s && setsid nohup /bin/sh -c %s > %s 2> %s < /dev/null & echo $!",
		shellQuote(job.RemoteWorkDir), shellQuote(inner), StdoutFile, StderrFile)

	res, err := s.transport.Exec(ctx, cmd)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fault.Permanent("submit", fmt.Errorf("%w: exit %d: %s", fault.ErrRejected, res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	pid := strings.TrimSpace(res.Stdout)
	if _, err := strconv.Atoi(pid); err != nil {
		return "", fault.Permanent("submit", fmt.Errorf("%w: unexpected pid %q", fault.ErrRejected, pid))
	}
	s.logger.Info("process started", "workdir", job.RemoteWorkDir, "pid", pid)
	return pid, nil
}

// QueryStatus inspects the process with ps. A process that no longer exists
// is reported as not found.
func (s *DirectScheduler) QueryStatus(ctx context.Context, remoteID string) (model.NormalizedStatus, error) {
	if err := checkPID(remoteID); err != nil {
		return "", err
	}
	res, err := s.transport.Exec(ctx, "ps -o stat= -p "+remoteID)
	if err != nil {
		return "", err
	}
	stat := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || stat == "" {
		return model.StatusNotFound, nil
	}
	return Normalize(VocabProcess, stat), nil
}

// Cancel sends SIGTERM to the job's process group.
func (s *DirectScheduler) Cancel(ctx context.Context, remoteID string) (bool, error) {
	if err := checkPID(remoteID); err != nil {
		return false, err
	}
	res, err := s.transport.Exec(ctx, "kill -TERM -"+remoteID)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func checkPID(remoteID string) error {
	if n, err := strconv.Atoi(remoteID); err != nil || n <= 0 {
		return fault.Permanent("pid", fmt.Errorf("%w: invalid pid %q", fault.ErrRejected, remoteID))
	}
	return nil
}
