// Package lifecycle drives one job through its states. A Machine holds no
// per-job state: every decision is made from the persisted JobRecord, the
// current time and the kill flag, so the controller may restart between any
// two ticks.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/calcjob/internal/logging"
	"github.com/me/calcjob/internal/scheduler"
	"github.com/me/calcjob/internal/transport"
	"github.com/me/calcjob/pkg/model"
)

// Machine advances JobRecords for one computer and parser.
type Machine struct {
	cfg       Config
	transport transport.Transport
	scheduler scheduler.Scheduler
	parser    Parser
	logger    *slog.Logger
}

// NewMachine creates a Machine. Zero Config fields take their defaults.
func NewMachine(cfg Config, t transport.Transport, s scheduler.Scheduler, p Parser, logger *slog.Logger) *Machine {
	return &Machine{
		cfg:       cfg.withDefaults(),
		transport: t,
		scheduler: s,
		parser:    p,
		logger:    logger.With("component", "lifecycle"),
	}
}

// IsTerminal reports whether rec is sealed. Sealed records must not be ticked.
func IsTerminal(rec model.JobRecord) bool {
	return rec.Sealed
}

// Tick performs at most one unit of progress and returns the updated record.
// The input record is never modified.
//
// Operational failures (timeouts, rejections, missing output) are recorded in
// the returned record. An error is returned only for contract violations,
// such as ticking a sealed record; the input record is then returned as is.
func (m *Machine) Tick(ctx context.Context, in model.JobRecord, now time.Time, kill bool) (model.JobRecord, error) {
	if in.Sealed {
		return in, &model.SealedRecordError{ID: in.LocalID, State: in.State}
	}
	rec := in.Clone()

	var err error
	switch {
	case kill:
		err = m.kill(ctx, &rec, now)
	case rec.State == model.JobStateCreated:
		if err = rec.TransitionTo(model.JobStateSubmitting, now); err == nil {
			err = m.submit(ctx, &rec, now)
		}
	case rec.State == model.JobStateSubmitting:
		err = m.submit(ctx, &rec, now)
	case rec.State == model.JobStateWithScheduler:
		err = m.poll(ctx, &rec, now)
	case rec.State == model.JobStateComputed:
		if err = rec.TransitionTo(model.JobStateRetrieving, now); err == nil {
			err = m.retrieve(ctx, &rec, now)
		}
	case rec.State == model.JobStateRetrieving:
		err = m.retrieve(ctx, &rec, now)
	case rec.State == model.JobStateParsing:
		err = m.parse(ctx, &rec, now)
	default:
		err = fmt.Errorf("job %s: cannot tick state %q", rec.LocalID, rec.State)
	}
	if err != nil {
		return in, err
	}

	if rec.State != in.State {
		logging.ForJob(m.logger, rec).Info("job transitioned", "from", in.State, "failure_reason", rec.FailureReason)
	}
	return rec, nil
}

// kill cancels the remote job if it has one and excepts the record whatever
// the cancel outcome.
func (m *Machine) kill(ctx context.Context, rec *model.JobRecord, now time.Time) error {
	log := logging.ForJob(m.logger, *rec)
	if rec.RemoteID != "" {
		cctx, cancel := m.callContext(ctx)
		ok, err := m.scheduler.Cancel(cctx, rec.RemoteID)
		cancel()
		switch {
		case err != nil:
			log.Warn("cancel failed", "error", err)
		case !ok:
			log.Warn("cancel not accepted by scheduler")
		default:
			log.Info("cancel accepted")
		}
	}
	return rec.Fail(model.JobStateExcepted, model.FailureCancelled, model.ReasonKilled, now)
}

func (m *Machine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.CallTimeout)
}

func stamp(now time.Time) *time.Time {
	t := now
	return &t
}
