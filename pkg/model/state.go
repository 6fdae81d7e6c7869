package model

import (
	"fmt"
	"sort"
	"strings"
)

// JobState represents the lifecycle state of a JobRecord.
type JobState string

const (
	JobStateCreated       JobState = "CREATED"
	JobStateSubmitting    JobState = "SUBMITTING"
	JobStateWithScheduler JobState = "WITH_SCHEDULER"
	JobStateComputed      JobState = "COMPUTED"
	JobStateRetrieving    JobState = "RETRIEVING"
	JobStateParsing       JobState = "PARSING"
	JobStateFinished      JobState = "FINISHED"
	JobStateFailed        JobState = "FAILED"
	JobStateExcepted      JobState = "EXCEPTED"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateFinished, JobStateFailed, JobStateExcepted:
		return true
	}
	return false
}

// Rank returns the position of s in the canonical lifecycle order. All
// terminal states share the last rank. Unknown states return -1.
func (s JobState) Rank() int {
	switch s {
	case JobStateCreated:
		return 0
	case JobStateSubmitting:
		return 1
	case JobStateWithScheduler:
		return 2
	case JobStateComputed:
		return 3
	case JobStateRetrieving:
		return 4
	case JobStateParsing:
		return 5
	case JobStateFinished, JobStateFailed, JobStateExcepted:
		return 6
	}
	return -1
}

// ValidJobTransitions defines the allowed state transitions for jobs.
// Every non-terminal state may also move to EXCEPTED (kill, exhausted
// retries, unknown scheduler state).
var ValidJobTransitions = map[JobState][]JobState{
	JobStateCreated:       {JobStateSubmitting, JobStateExcepted},
	JobStateSubmitting:    {JobStateWithScheduler, JobStateExcepted},
	JobStateWithScheduler: {JobStateComputed, JobStateExcepted},
	JobStateComputed:      {JobStateRetrieving, JobStateExcepted},
	JobStateRetrieving:    {JobStateParsing, JobStateFailed, JobStateExcepted},
	JobStateParsing:       {JobStateFinished, JobStateFailed, JobStateExcepted},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// legacyStates maps historical status names onto the current enum.
var legacyStates = map[string]JobState{
	"NEW":              JobStateCreated,
	"TOSUBMIT":         JobStateCreated,
	"WITHSCHEDULER":    JobStateWithScheduler,
	"SUBMISSIONFAILED": JobStateExcepted,
	"RETRIEVALFAILED":  JobStateExcepted,
	"PARSINGFAILED":    JobStateExcepted,
}

// legacyFailures records the failure kind implied by a legacy failure name.
var legacyFailures = map[string]FailureKind{
	"SUBMISSIONFAILED": FailureRejected,
	"RETRIEVALFAILED":  FailureOutputMissing,
	"PARSINGFAILED":    FailureParserException,
}

// LegacyStateNames returns the historical state names in sorted order.
func LegacyStateNames() []string {
	names := make([]string, 0, len(legacyStates))
	for name := range legacyStates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseJobState converts a persisted state name to a JobState. Legacy names
// are accepted and collapsed onto the current states.
func ParseJobState(s string) (JobState, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	st := JobState(name)
	if st.Rank() >= 0 {
		return st, nil
	}
	if legacy, ok := legacyStates[name]; ok {
		return legacy, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// LegacyFailureKind returns the failure kind implied by a legacy state name,
// or "" when the name carries none.
func LegacyFailureKind(s string) FailureKind {
	return legacyFailures[strings.ToUpper(strings.TrimSpace(s))]
}

// NormalizedStatus is the scheduler-agnostic status vocabulary that scheduler
// plugins map their native statuses onto.
type NormalizedStatus string

const (
	StatusQueued   NormalizedStatus = "QUEUED"
	StatusRunning  NormalizedStatus = "RUNNING"
	StatusDone     NormalizedStatus = "DONE"
	StatusUnknown  NormalizedStatus = "UNKNOWN"
	StatusNotFound NormalizedStatus = "NOT_FOUND"
)

// String returns the string representation of the status.
func (s NormalizedStatus) String() string {
	return string(s)
}

// FailureKind classifies why a job ended in FAILED or EXCEPTED.
type FailureKind string

const (
	FailureRejected         FailureKind = "rejected"
	FailureRemote           FailureKind = "remote_failure"
	FailureRetriesExhausted FailureKind = "retries_exhausted"
	FailureUnknownState     FailureKind = "unknown_state"
	FailureCancelled        FailureKind = "cancelled"
	FailureOutputMissing    FailureKind = "output_missing"
	FailureParserException  FailureKind = "parser_exception"
)

// Canonical failure reasons recorded on sealed records.
const (
	ReasonSubmissionExhausted = "submission retries exhausted"
	ReasonRetrievalExhausted  = "retrieval retries exhausted"
	ReasonOutputMissing       = "remote output missing"
	ReasonStatusUnknown       = "scheduler status unknown"
	ReasonKilled              = "killed by request"
)
