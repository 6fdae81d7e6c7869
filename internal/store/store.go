package store

import (
	"context"
	"errors"

	"github.com/me/calcjob/pkg/model"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// Store defines the persistence layer for JobRecords.
type Store interface {
	// CreateJob inserts a new record.
	CreateJob(ctx context.Context, rec *model.JobRecord) error

	// GetJob returns the record or nil when it does not exist.
	GetJob(ctx context.Context, id string) (*model.JobRecord, error)

	// UpdateJob overwrites the record. A sealed row is never overwritten:
	// the call fails with an error matching model.ErrSealed.
	UpdateJob(ctx context.Context, rec *model.JobRecord) error

	// ListJobs returns a page of records, newest first, and the total count.
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.JobRecord, int, error)

	// ListActiveJobs returns every unsealed record, oldest first.
	ListActiveJobs(ctx context.Context) ([]*model.JobRecord, error)

	// RequestKill flags the job for cancellation on its next tick. Flagging a
	// sealed job is a no-op. Unknown ids fail with ErrNotFound.
	RequestKill(ctx context.Context, id string) error

	// KillRequested reports whether the job is flagged for cancellation.
	KillRequested(ctx context.Context, id string) (bool, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
