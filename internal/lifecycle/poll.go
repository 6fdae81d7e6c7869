package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/me/calcjob/internal/fault"
	"github.com/me/calcjob/internal/logging"
	"github.com/me/calcjob/pkg/model"
)

// notFoundConfirmations is how many consecutive NOT_FOUND answers are needed
// before the job is assumed to have completed.
const notFoundConfirmations = 2

// poll queries the scheduler unless the previous query (or the transition
// into WITH_SCHEDULER) happened less than PollInterval ago.
func (m *Machine) poll(ctx context.Context, rec *model.JobRecord, now time.Time) error {
	last := rec.LastPollTime
	if last == nil {
		last = rec.LastTransitionTime
	}
	if last != nil && now.Sub(*last) < m.cfg.PollInterval {
		return nil
	}
	return m.query(ctx, rec, now)
}

// query asks the scheduler about rec.RemoteID and acts on the answer. The
// scheduler's view always wins; completion is never inferred from time.
func (m *Machine) query(ctx context.Context, rec *model.JobRecord, now time.Time) error {
	log := logging.ForJob(m.logger, *rec)

	cctx, cancel := m.callContext(ctx)
	status, err := m.scheduler.QueryStatus(cctx, rec.RemoteID)
	cancel()
	rec.LastPollTime = stamp(now)

	if err != nil {
		if fault.IsPermanent(err) {
			log.Warn("status query rejected", "error", err)
			return rec.Fail(model.JobStateExcepted, model.FailureRejected, fmt.Sprintf("status query rejected: %v", err), now)
		}
		log.Info("status query failed", "error", err)
		status = model.StatusUnknown
	}
	rec.LastSchedulerStatus = status

	switch status {
	case model.StatusQueued, model.StatusRunning:
		rec.UnknownPolls = 0
		rec.NotFoundPolls = 0
		return nil

	case model.StatusDone:
		return rec.TransitionTo(model.JobStateComputed, now)

	case model.StatusNotFound:
		rec.UnknownPolls = 0
		rec.NotFoundPolls++
		if rec.NotFoundPolls < notFoundConfirmations {
			log.Info("scheduler does not know the job, will confirm", "not_found_polls", rec.NotFoundPolls)
			return nil
		}
		log.Info("job still not found, assuming it completed")
		return rec.TransitionTo(model.JobStateComputed, now)

	default:
		rec.NotFoundPolls = 0
		rec.UnknownPolls++
		if rec.UnknownPolls > m.cfg.MaxUnknownPolls {
			log.Warn("scheduler status unknown for too long", "unknown_polls", rec.UnknownPolls)
			return rec.Fail(model.JobStateExcepted, model.FailureUnknownState, model.ReasonStatusUnknown, now)
		}
		return nil
	}
}
