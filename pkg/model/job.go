package model

import (
	"fmt"
	"time"
)

// ExitStatusFile is written into the remote working directory by schedulers
// that wrap the submit script, holding the script's exit status.
const ExitStatusFile = "_calcjob_exit"

// JobDescription is everything needed to run a prepared job on a computer.
// It is produced upstream and stored with the record so that a restarted
// controller can resume without consulting anything else.
type JobDescription struct {
	// Computer names the transport/scheduler pair the job runs on.
	Computer string `json:"computer" yaml:"computer"`

	// Parser names the output parser that judges the retrieved files.
	Parser string `json:"parser,omitempty" yaml:"parser,omitempty"`

	// RemoteWorkDir is where inputs are staged and the submit script runs.
	RemoteWorkDir string `json:"remote_workdir" yaml:"remote_workdir"`

	// SubmitScript is the path of the script relative to RemoteWorkDir.
	SubmitScript string `json:"submit_script" yaml:"submit_script"`

	// InputFiles maps local paths to paths relative to RemoteWorkDir.
	InputFiles map[string]string `json:"input_files,omitempty" yaml:"input_files,omitempty"`

	// RemoteOutputDir is copied back after the job completes.
	// Defaults to RemoteWorkDir.
	RemoteOutputDir string `json:"remote_output_dir,omitempty" yaml:"remote_output_dir,omitempty"`

	// LocalStagingDir receives the retrieved output files.
	LocalStagingDir string `json:"local_staging_dir" yaml:"local_staging_dir"`

	// Resources are passed verbatim to the scheduler plugin.
	Resources map[string]any `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// OutputDir returns the remote directory to retrieve.
func (d JobDescription) OutputDir() string {
	if d.RemoteOutputDir != "" {
		return d.RemoteOutputDir
	}
	return d.RemoteWorkDir
}

// Validate checks the fields required before a record can be created.
func (d JobDescription) Validate() []FieldError {
	var errs []FieldError
	if d.Computer == "" {
		errs = append(errs, FieldError{Field: "computer", Message: "required"})
	}
	if d.RemoteWorkDir == "" {
		errs = append(errs, FieldError{Field: "remote_workdir", Message: "required"})
	}
	if d.SubmitScript == "" {
		errs = append(errs, FieldError{Field: "submit_script", Message: "required"})
	}
	if d.LocalStagingDir == "" {
		errs = append(errs, FieldError{Field: "local_staging_dir", Message: "required"})
	}
	return errs
}

// JobRecord is the durable unit of work. Every field is persisted; the
// controller may restart between any two ticks.
type JobRecord struct {
	LocalID  string   `json:"local_id"`
	RemoteID string   `json:"remote_id,omitempty"`
	State    JobState `json:"state"`

	SubmissionAttempts int `json:"submission_attempts"`
	RetrievalAttempts  int `json:"retrieval_attempts"`
	UnknownPolls       int `json:"unknown_polls"`
	NotFoundPolls      int `json:"not_found_polls"`

	LastTransitionTime *time.Time `json:"last_transition_time,omitempty"`
	// LastAttemptTime is the time of the last failed submit call and drives
	// the submit backoff with SubmissionAttempts. LastRetrievalTime plays the
	// same part for RetrievalAttempts.
	LastAttemptTime   *time.Time `json:"last_attempt_time,omitempty"`
	LastRetrievalTime *time.Time `json:"last_retrieval_time,omitempty"`
	LastPollTime      *time.Time `json:"last_poll_time,omitempty"`

	LastSchedulerStatus NormalizedStatus `json:"last_scheduler_status,omitempty"`

	ExitCode      *int        `json:"exit_code,omitempty"`
	FailureKind   FailureKind `json:"failure_kind,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Sealed        bool        `json:"sealed"`

	RetrievedFiles []string       `json:"retrieved_files,omitempty"`
	Job            JobDescription `json:"job"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewJobRecord creates a record in the initial state.
func NewJobRecord(localID string, job JobDescription, now time.Time) JobRecord {
	return JobRecord{
		LocalID:   localID,
		State:     JobStateCreated,
		Job:       job,
		CreatedAt: now,
	}
}

// IsTerminal reports whether the record is sealed.
func (r *JobRecord) IsTerminal() bool {
	return r.Sealed
}

// Clone returns a deep copy of the record.
func (r JobRecord) Clone() JobRecord {
	c := r
	c.LastTransitionTime = cloneTime(r.LastTransitionTime)
	c.LastAttemptTime = cloneTime(r.LastAttemptTime)
	c.LastRetrievalTime = cloneTime(r.LastRetrievalTime)
	c.LastPollTime = cloneTime(r.LastPollTime)
	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}
	if r.RetrievedFiles != nil {
		c.RetrievedFiles = append([]string(nil), r.RetrievedFiles...)
	}
	if r.Job.InputFiles != nil {
		c.Job.InputFiles = make(map[string]string, len(r.Job.InputFiles))
		for k, v := range r.Job.InputFiles {
			c.Job.InputFiles[k] = v
		}
	}
	if r.Job.Resources != nil {
		c.Job.Resources = make(map[string]any, len(r.Job.Resources))
		for k, v := range r.Job.Resources {
			c.Job.Resources[k] = v
		}
	}
	return c
}

// TransitionTo moves the record to next, stamping the transition time and
// clearing per-state timers. Terminal states seal the record.
func (r *JobRecord) TransitionTo(next JobState, now time.Time) error {
	if r.Sealed {
		return &SealedRecordError{ID: r.LocalID, State: r.State}
	}
	if !r.State.CanTransitionTo(next) {
		return &InvalidTransitionError{
			Entity: "Job",
			ID:     r.LocalID,
			From:   string(r.State),
			To:     string(next),
		}
	}
	r.State = next
	t := now
	r.LastTransitionTime = &t
	r.LastAttemptTime = nil
	r.LastRetrievalTime = nil
	r.LastPollTime = nil
	if next.IsTerminal() {
		r.Sealed = true
	}
	return nil
}

// Fail moves the record to a failure state and records why.
func (r *JobRecord) Fail(state JobState, kind FailureKind, reason string, now time.Time) error {
	if state != JobStateFailed && state != JobStateExcepted {
		return fmt.Errorf("job %s: %s is not a failure state", r.LocalID, state)
	}
	if r.Sealed {
		return &SealedRecordError{ID: r.LocalID, State: r.State}
	}
	if !r.State.CanTransitionTo(state) {
		return &InvalidTransitionError{Entity: "Job", ID: r.LocalID, From: string(r.State), To: string(state)}
	}
	r.FailureKind = kind
	r.FailureReason = reason
	return r.TransitionTo(state, now)
}

// SetRemoteID records the scheduler-assigned id. It may be set once; setting
// the same value again is a no-op.
func (r *JobRecord) SetRemoteID(id string) error {
	if id == "" {
		return fmt.Errorf("job %s: empty remote id", r.LocalID)
	}
	if r.RemoteID != "" && r.RemoteID != id {
		return fmt.Errorf("job %s: remote id already set to %q, refusing %q", r.LocalID, r.RemoteID, id)
	}
	r.RemoteID = id
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// VerdictKind is the outcome category reported by an output parser.
type VerdictKind string

const (
	VerdictSuccess         VerdictKind = "success"
	VerdictExpectedFailure VerdictKind = "expected_failure"
	VerdictException       VerdictKind = "exception"
)

// Verdict is the parser's judgement of the retrieved files.
type Verdict struct {
	Kind     VerdictKind `json:"kind"`
	Reason   string      `json:"reason,omitempty"`
	ExitCode *int        `json:"exit_code,omitempty"`
}

// Success returns a success verdict with the given exit code.
func Success(exitCode int) Verdict {
	return Verdict{Kind: VerdictSuccess, ExitCode: &exitCode}
}

// ExpectedFailure returns an expected-failure verdict.
func ExpectedFailure(reason string) Verdict {
	return Verdict{Kind: VerdictExpectedFailure, Reason: reason}
}

// Exception returns an exception verdict.
func Exception(reason string) Verdict {
	return Verdict{Kind: VerdictException, Reason: reason}
}
