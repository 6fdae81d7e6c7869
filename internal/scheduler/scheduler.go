// Package scheduler talks to the batch system that runs a job on a computer.
// Implementations translate native status vocabularies into
// model.NormalizedStatus and return errors classified by package fault.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/me/calcjob/pkg/model"
)

// Scheduler is a pluggable batch system backend.
type Scheduler interface {
	// Name returns the scheduler identifier used in configuration.
	Name() string

	// Submit starts the job's submit script and returns the remote id.
	// Inputs have already been staged into job.RemoteWorkDir.
	Submit(ctx context.Context, job model.JobDescription) (remoteID string, err error)

	// QueryStatus returns the normalized status of remoteID. An id the
	// scheduler does not know yields model.StatusNotFound, not an error.
	QueryStatus(ctx context.Context, remoteID string) (model.NormalizedStatus, error)

	// Cancel asks the scheduler to stop remoteID and reports whether the
	// request was accepted.
	Cancel(ctx context.Context, remoteID string) (bool, error)
}

// Registry maps computer names to their Scheduler. Registration happens at
// startup before concurrent access, so no mutex is needed.
type Registry struct {
	schedulers map[string]Scheduler
	logger     *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		schedulers: make(map[string]Scheduler),
		logger:     logger.With("component", "scheduler-registry"),
	}
}

// Register adds a Scheduler under the given computer name.
func (r *Registry) Register(computer string, s Scheduler) {
	r.schedulers[computer] = s
	r.logger.Info("scheduler registered", "computer", computer, "scheduler", s.Name())
}

// Get returns the Scheduler for computer or an error if none is registered.
func (r *Registry) Get(computer string) (Scheduler, error) {
	s, ok := r.schedulers[computer]
	if !ok {
		return nil, fmt.Errorf("no scheduler registered for computer %q", computer)
	}
	return s, nil
}

// Names returns the registered computer names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.schedulers))
	for name := range r.schedulers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
