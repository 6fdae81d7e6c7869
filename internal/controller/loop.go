// Package controller runs the process controller: it ticks every active job
// on a fixed interval and persists each returned record.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/me/calcjob/internal/lifecycle"
	"github.com/me/calcjob/internal/logging"
	"github.com/me/calcjob/internal/metrics"
	"github.com/me/calcjob/internal/scheduler"
	"github.com/me/calcjob/internal/store"
	"github.com/me/calcjob/internal/transport"
	"github.com/me/calcjob/internal/verdict"
	"github.com/me/calcjob/pkg/model"
)

// persistTimeout bounds the write of a tick result, which outlives the tick
// context.
const persistTimeout = 10 * time.Second

// Config holds controller configuration.
type Config struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Workers      int           `yaml:"workers"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{TickInterval: 5 * time.Second, Workers: 8}
}

// Collaborators resolves the transport, scheduler and parser of a job.
type Collaborators struct {
	Transports *transport.Registry
	Schedulers *scheduler.Registry
	Parsers    *verdict.Registry
}

// Loop ticks active jobs. At most one tick per job is in flight.
type Loop struct {
	store     store.Store
	collab    Collaborators
	lifecycle lifecycle.Config
	config    Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLoop creates a controller loop. m may be nil.
func NewLoop(st store.Store, collab Collaborators, lc lifecycle.Config, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Loop{
		store:     st,
		collab:    collab,
		lifecycle: lc,
		config:    cfg,
		metrics:   m,
		logger:    logger.With("component", "controller"),
		now:       func() time.Time { return time.Now().UTC() },
		inflight:  make(map[string]struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the tick loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("controller started", "tick_interval", l.config.TickInterval, "workers", l.config.Workers)
	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("controller stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("controller stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop shuts down the loop and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick advances every active job by at most one step.
func (l *Loop) Tick(ctx context.Context) error {
	recs, err := l.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(l.config.Workers)
	for _, rec := range recs {
		if !l.claim(rec.LocalID) {
			continue
		}
		g.Go(func() error {
			defer l.release(rec.LocalID)
			l.tickJob(ctx, *rec)
			return nil
		})
	}
	return g.Wait()
}

func (l *Loop) claim(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[id]; busy {
		return false
	}
	l.inflight[id] = struct{}{}
	return true
}

func (l *Loop) release(id string) {
	l.mu.Lock()
	delete(l.inflight, id)
	l.mu.Unlock()
}

// tickJob runs one Machine tick and persists the result. Failures are logged;
// the job is retried on the next tick.
func (l *Loop) tickJob(ctx context.Context, rec model.JobRecord) {
	log := logging.ForJob(l.logger, rec)
	start := time.Now()

	machine, err := l.machineFor(rec.Job)
	if err != nil {
		log.Warn("cannot resolve job collaborators", "error", err)
		return
	}

	kill, err := l.store.KillRequested(ctx, rec.LocalID)
	if err != nil {
		log.Error("read kill flag", "error", err)
		return
	}

	next, err := machine.Tick(ctx, rec, l.now(), kill)
	l.recordTick(ctx, rec.Job.Computer, time.Since(start))
	if err != nil {
		l.violation(ctx, log, rec.State, err)
		return
	}

	// The tick may have learned a remote id; write it even when ctx was
	// cancelled during the call, or the next start would submit again.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := l.store.UpdateJob(pctx, &next); err != nil {
		if errors.Is(err, model.ErrSealed) {
			l.violation(ctx, log, rec.State, err)
			return
		}
		log.Error("persist job", "error", err)
		return
	}
	if next.State != rec.State && l.metrics != nil {
		l.metrics.RecordTransition(ctx, rec.State, next.State, next.FailureKind)
	}
}

func (l *Loop) machineFor(job model.JobDescription) (*lifecycle.Machine, error) {
	t, err := l.collab.Transports.Get(job.Computer)
	if err != nil {
		return nil, err
	}
	s, err := l.collab.Schedulers.Get(job.Computer)
	if err != nil {
		return nil, err
	}
	p, err := l.collab.Parsers.Get(job.Parser)
	if err != nil {
		return nil, err
	}
	return lifecycle.NewMachine(l.lifecycle, t, s, p, l.logger), nil
}

func (l *Loop) violation(ctx context.Context, log *slog.Logger, state model.JobState, err error) {
	log.Error("contract violation", "error", err)
	if l.metrics != nil {
		l.metrics.RecordContractViolation(ctx, state)
	}
}

func (l *Loop) recordTick(ctx context.Context, computer string, d time.Duration) {
	if l.metrics != nil {
		l.metrics.RecordTick(ctx, computer, d.Seconds())
	}
}

// Submit validates desc and stores a new CREATED record for it.
func (l *Loop) Submit(ctx context.Context, desc model.JobDescription) (*model.JobRecord, error) {
	if errs := desc.Validate(); len(errs) > 0 {
		return nil, model.NewValidationError("invalid job description", errs...)
	}
	if _, err := l.machineFor(desc); err != nil {
		return nil, model.NewValidationError("unresolvable job", model.FieldError{Message: err.Error()})
	}

	rec := model.NewJobRecord("job_"+uuid.New().String(), desc, l.now())
	if err := l.store.CreateJob(ctx, &rec); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if l.metrics != nil {
		l.metrics.RecordJobCreated(ctx, desc.Computer)
	}
	logging.ForJob(l.logger, rec).Info("job created")
	return &rec, nil
}

// Kill flags the job for cancellation. The returned response says whether
// the job was already sealed, in which case nothing changes.
func (l *Loop) Kill(ctx context.Context, id string) (*model.KillResponse, error) {
	rec, err := l.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	if err := l.store.RequestKill(ctx, id); err != nil {
		return nil, err
	}
	l.logger.Info("kill requested", "job_id", id, "sealed", rec.Sealed)
	return &model.KillResponse{
		LocalID:       id,
		State:         rec.State,
		KillRequested: !rec.Sealed,
		AlreadySealed: rec.Sealed,
	}, nil
}
