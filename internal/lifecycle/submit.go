package lifecycle

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/me/calcjob/internal/fault"
	"github.com/me/calcjob/internal/logging"
	"github.com/me/calcjob/pkg/model"
)

// submit runs one submission attempt. A record that already carries a remote
// id is never submitted again: the scheduler is asked about that id instead.
func (m *Machine) submit(ctx context.Context, rec *model.JobRecord, now time.Time) error {
	if rec.RemoteID != "" {
		logging.ForJob(m.logger, *rec).Info("remote id already known, querying instead of submitting")
		if err := rec.TransitionTo(model.JobStateWithScheduler, now); err != nil {
			return err
		}
		return m.query(ctx, rec, now)
	}

	if !m.cfg.SubmitBackoff.Ready(rec.LastAttemptTime, rec.SubmissionAttempts, now) {
		return nil
	}

	rec.SubmissionAttempts++
	log := logging.ForJob(m.logger, *rec).With("attempt", rec.SubmissionAttempts)

	cctx, cancel := m.callContext(ctx)
	remoteID, err := m.stageAndSubmit(cctx, rec.Job)
	cancel()

	if err == nil {
		if err := rec.SetRemoteID(remoteID); err != nil {
			return err
		}
		return rec.TransitionTo(model.JobStateWithScheduler, now)
	}

	if fault.IsPermanent(err) {
		log.Warn("submission rejected", "error", err)
		return rec.Fail(model.JobStateExcepted, model.FailureRejected, fmt.Sprintf("submission rejected: %v", err), now)
	}
	if rec.SubmissionAttempts > m.cfg.MaxSubmitAttempts {
		log.Warn("submission retries exhausted", "error", err)
		return rec.Fail(model.JobStateExcepted, model.FailureRetriesExhausted, model.ReasonSubmissionExhausted, now)
	}
	rec.LastAttemptTime = stamp(now)
	log.Info("submission failed, will retry", "error", err,
		"retry_in", m.cfg.SubmitBackoff.Interval(rec.SubmissionAttempts))
	return nil
}

// stageAndSubmit uploads the input files and starts the job. Staging is
// idempotent, so a retried attempt simply uploads again.
func (m *Machine) stageAndSubmit(ctx context.Context, job model.JobDescription) (string, error) {
	locals := make([]string, 0, len(job.InputFiles))
	for local := range job.InputFiles {
		locals = append(locals, local)
	}
	sort.Strings(locals)
	for _, local := range locals {
		remote := path.Join(job.RemoteWorkDir, job.InputFiles[local])
		if err := m.transport.Put(ctx, local, remote); err != nil {
			return "", fault.Classify("stage", err)
		}
	}

	remoteID, err := m.scheduler.Submit(ctx, job)
	if err != nil {
		return "", fault.Classify("submit", err)
	}
	if remoteID == "" {
		return "", fault.Permanent("submit", fmt.Errorf("%w: scheduler returned an empty remote id", fault.ErrRejected))
	}
	return remoteID, nil
}
