package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/me/calcjob/internal/fault"
	"github.com/me/calcjob/pkg/model"
)

func newTestMachine(tr *fakeTransport, sched *fakeScheduler, p Parser) *Machine {
	return NewMachine(testConfig(), tr, sched, p, testLogger())
}

func mustTick(t *testing.T, m *Machine, rec model.JobRecord, now time.Time, kill bool) model.JobRecord {
	t.Helper()
	out, err := m.Tick(context.Background(), rec, now, kill)
	if err != nil {
		t.Fatalf("Tick(%s): %v", rec.State, err)
	}
	return out
}

func recordIn(state model.JobState, staging string) model.JobRecord {
	rec := model.NewJobRecord("job_1", testJob(staging), t0.Add(-time.Hour))
	rec.State = state
	if state != model.JobStateCreated {
		ts := t0.Add(-time.Hour)
		rec.LastTransitionTime = &ts
	}
	return rec
}

func TestTick_CreatedSubmitsInSameTick(t *testing.T) {
	sched := &fakeScheduler{submitIDs: []string{"42"}}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	got := mustTick(t, m, model.NewJobRecord("job_1", testJob(t.TempDir()), t0), t0, false)

	if got.State != model.JobStateWithScheduler {
		t.Errorf("state = %s, want %s", got.State, model.JobStateWithScheduler)
	}
	if got.RemoteID != "42" {
		t.Errorf("remote id = %q, want %q", got.RemoteID, "42")
	}
	if got.SubmissionAttempts != 1 {
		t.Errorf("submission attempts = %d, want 1", got.SubmissionAttempts)
	}
	if got.LastTransitionTime == nil || !got.LastTransitionTime.Equal(t0) {
		t.Errorf("last transition time = %v, want %v", got.LastTransitionTime, t0)
	}
	if sched.submits != 1 {
		t.Errorf("submit calls = %d, want 1", sched.submits)
	}
}

func TestTick_KnownRemoteIDIsNeverResubmitted(t *testing.T) {
	sched := &fakeScheduler{statuses: []model.NormalizedStatus{model.StatusRunning}}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	rec := recordIn(model.JobStateSubmitting, t.TempDir())
	rec.RemoteID = "42"
	rec.SubmissionAttempts = 1

	got := mustTick(t, m, rec, t0, false)

	if sched.submits != 0 {
		t.Errorf("submit calls = %d, want 0", sched.submits)
	}
	if len(sched.queried) != 1 || sched.queried[0] != "42" {
		t.Errorf("queried = %v, want [42]", sched.queried)
	}
	if got.State != model.JobStateWithScheduler {
		t.Errorf("state = %s, want %s", got.State, model.JobStateWithScheduler)
	}
	if got.RemoteID != "42" || got.SubmissionAttempts != 1 {
		t.Errorf("remote id = %q, attempts = %d; want 42, 1", got.RemoteID, got.SubmissionAttempts)
	}
	if got.LastSchedulerStatus != model.StatusRunning {
		t.Errorf("last scheduler status = %s, want RUNNING", got.LastSchedulerStatus)
	}
}

func TestTick_DoneMovesToComputed(t *testing.T) {
	sched := &fakeScheduler{statuses: []model.NormalizedStatus{model.StatusDone}}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	rec := recordIn(model.JobStateWithScheduler, t.TempDir())
	rec.RemoteID = "7"

	got := mustTick(t, m, rec, t0, false)
	if got.State != model.JobStateComputed {
		t.Errorf("state = %s, want %s", got.State, model.JobStateComputed)
	}
	if len(sched.queried) != 1 || sched.queried[0] != "7" {
		t.Errorf("queried = %v, want [7]", sched.queried)
	}
}

func TestTick_MissingOutputFails(t *testing.T) {
	tests := []struct {
		name   string
		getErr error
		exists bool
		want   model.JobState
		kind   model.FailureKind
	}{
		{"not found", fault.Permanent("get", fault.ErrNotFound), false, model.JobStateFailed, model.FailureOutputMissing},
		{"confirmed by exists", fault.Permanent("get", fault.ErrAuth), false, model.JobStateFailed, model.FailureOutputMissing},
		{"present but refused", fault.Permanent("get", fault.ErrAuth), true, model.JobStateExcepted, model.FailureRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{getErrs: []error{tt.getErr}, exists: tt.exists}
			m := newTestMachine(tr, &fakeScheduler{}, nil)

			got := mustTick(t, m, recordIn(model.JobStateComputed, t.TempDir()), t0, false)
			if got.State != tt.want {
				t.Errorf("state = %s, want %s", got.State, tt.want)
			}
			if got.FailureKind != tt.kind {
				t.Errorf("failure kind = %s, want %s", got.FailureKind, tt.kind)
			}
			if tt.kind == model.FailureOutputMissing && got.FailureReason != model.ReasonOutputMissing {
				t.Errorf("failure reason = %q, want %q", got.FailureReason, model.ReasonOutputMissing)
			}
			if !got.Sealed {
				t.Error("record should be sealed")
			}
		})
	}
}

func TestTick_SubmitRetriesExhausted(t *testing.T) {
	sched := &fakeScheduler{submitErrs: []error{fault.Transient("submit", errors.New("timeout"))}}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	rec := recordIn(model.JobStateSubmitting, t.TempDir())
	rec.SubmissionAttempts = testConfig().MaxSubmitAttempts

	got := mustTick(t, m, rec, t0, false)
	if got.State != model.JobStateExcepted {
		t.Errorf("state = %s, want %s", got.State, model.JobStateExcepted)
	}
	if got.FailureReason != model.ReasonSubmissionExhausted {
		t.Errorf("failure reason = %q, want %q", got.FailureReason, model.ReasonSubmissionExhausted)
	}
	if got.FailureKind != model.FailureRetriesExhausted {
		t.Errorf("failure kind = %s, want %s", got.FailureKind, model.FailureRetriesExhausted)
	}
	if sched.submits != 1 {
		t.Errorf("submit calls = %d, want 1", sched.submits)
	}
}

func TestTick_KillCancelsAndExcepts(t *testing.T) {
	tests := []struct {
		name      string
		cancelOK  bool
		cancelErr error
	}{
		{"accepted", true, nil},
		{"refused", false, nil},
		{"errored", false, fault.Transient("cancel", errors.New("unreachable"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &fakeScheduler{cancelOK: tt.cancelOK, cancelErr: tt.cancelErr}
			m := newTestMachine(&fakeTransport{}, sched, nil)

			rec := recordIn(model.JobStateWithScheduler, t.TempDir())
			rec.RemoteID = "7"

			got := mustTick(t, m, rec, t0, true)
			if len(sched.cancelled) != 1 || sched.cancelled[0] != "7" {
				t.Errorf("cancelled = %v, want [7]", sched.cancelled)
			}
			if len(sched.queried) != 0 {
				t.Errorf("kill should win over polling, queried = %v", sched.queried)
			}
			if got.State != model.JobStateExcepted || got.FailureKind != model.FailureCancelled {
				t.Errorf("state = %s (%s), want EXCEPTED (cancelled)", got.State, got.FailureKind)
			}
		})
	}
}

func TestTick_KillBeforeSubmissionSkipsCancel(t *testing.T) {
	sched := &fakeScheduler{}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	got := mustTick(t, m, model.NewJobRecord("job_1", testJob(t.TempDir()), t0), t0, true)
	if len(sched.cancelled) != 0 || sched.submits != 0 {
		t.Errorf("cancelled = %v, submits = %d; want no scheduler calls", sched.cancelled, sched.submits)
	}
	if got.State != model.JobStateExcepted || got.FailureReason != model.ReasonKilled {
		t.Errorf("state = %s, reason = %q", got.State, got.FailureReason)
	}
}

func TestTick_SealedRecordIsContractViolation(t *testing.T) {
	m := newTestMachine(&fakeTransport{}, &fakeScheduler{}, nil)
	rec := recordIn(model.JobStateFinished, t.TempDir())
	rec.Sealed = true

	got, err := m.Tick(context.Background(), rec, t0, false)
	if !errors.Is(err, model.ErrSealed) {
		t.Fatalf("err = %v, want ErrSealed", err)
	}
	if !reflect.DeepEqual(got, rec) {
		t.Errorf("sealed record changed: %+v", got)
	}
}

func TestTick_DoesNotMutateInput(t *testing.T) {
	sched := &fakeScheduler{submitIDs: []string{"42"}}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	rec := model.NewJobRecord("job_1", testJob(t.TempDir()), t0)
	rec.Job.InputFiles = map[string]string{"/local/in.txt": "in.txt"}
	before := rec.Clone()

	_ = mustTick(t, m, rec, t0, false)
	if !reflect.DeepEqual(rec, before) {
		t.Errorf("input record mutated:\n got %+v\nwant %+v", rec, before)
	}
}

func TestTick_StagesInputsBeforeSubmit(t *testing.T) {
	tr := &fakeTransport{}
	sched := &fakeScheduler{submitIDs: []string{"42"}}
	m := newTestMachine(tr, sched, nil)

	rec := model.NewJobRecord("job_1", testJob(t.TempDir()), t0)
	rec.Job.InputFiles = map[string]string{
		"/local/b.in": "inputs/b.in",
		"/local/a.in": "a.in",
	}

	_ = mustTick(t, m, rec, t0, false)
	want := []putCall{
		{"/local/a.in", "/remote/job1/a.in"},
		{"/local/b.in", "/remote/job1/inputs/b.in"},
	}
	if !reflect.DeepEqual(tr.puts, want) {
		t.Errorf("puts = %v, want %v", tr.puts, want)
	}
}

func TestTick_StagingFailureIsClassified(t *testing.T) {
	tests := []struct {
		name   string
		putErr error
		want   model.JobState
	}{
		{"missing local input", fault.Permanent("put", fault.ErrNotFound), model.JobStateExcepted},
		{"connection dropped", errors.New("broken pipe"), model.JobStateSubmitting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{putErr: tt.putErr}
			sched := &fakeScheduler{submitIDs: []string{"42"}}
			m := newTestMachine(tr, sched, nil)

			rec := model.NewJobRecord("job_1", testJob(t.TempDir()), t0)
			rec.Job.InputFiles = map[string]string{"/local/a.in": "a.in"}

			got := mustTick(t, m, rec, t0, false)
			if got.State != tt.want {
				t.Errorf("state = %s, want %s", got.State, tt.want)
			}
			if sched.submits != 0 {
				t.Errorf("submit calls = %d, want 0 after failed staging", sched.submits)
			}
		})
	}
}

func TestTick_TransientSubmitBacksOff(t *testing.T) {
	sched := &fakeScheduler{
		submitErrs: []error{fault.Transient("submit", errors.New("timeout")), nil},
		submitIDs:  []string{"", "42"},
	}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	rec := mustTick(t, m, model.NewJobRecord("job_1", testJob(t.TempDir()), t0), t0, false)
	if rec.State != model.JobStateSubmitting || rec.SubmissionAttempts != 1 {
		t.Fatalf("state = %s, attempts = %d; want SUBMITTING, 1", rec.State, rec.SubmissionAttempts)
	}
	if rec.LastAttemptTime == nil || !rec.LastAttemptTime.Equal(t0) {
		t.Fatalf("last attempt time = %v, want %v", rec.LastAttemptTime, t0)
	}

	// attempts=1 → 20s backoff.
	rec = mustTick(t, m, rec, t0.Add(19*time.Second), false)
	if sched.submits != 1 {
		t.Fatalf("submit calls = %d, want 1 during backoff", sched.submits)
	}

	rec = mustTick(t, m, rec, t0.Add(20*time.Second), false)
	if sched.submits != 2 {
		t.Fatalf("submit calls = %d, want 2 after backoff", sched.submits)
	}
	if rec.State != model.JobStateWithScheduler || rec.RemoteID != "42" || rec.SubmissionAttempts != 2 {
		t.Errorf("state = %s, remote = %q, attempts = %d", rec.State, rec.RemoteID, rec.SubmissionAttempts)
	}
}

func TestTick_PermanentSubmitExcepts(t *testing.T) {
	sched := &fakeScheduler{submitErrs: []error{fault.Permanent("submit", fault.ErrRejected)}}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	got := mustTick(t, m, model.NewJobRecord("job_1", testJob(t.TempDir()), t0), t0, false)
	if got.State != model.JobStateExcepted || got.FailureKind != model.FailureRejected {
		t.Errorf("state = %s (%s), want EXCEPTED (rejected)", got.State, got.FailureKind)
	}
	if got.RemoteID != "" {
		t.Errorf("remote id = %q, want empty", got.RemoteID)
	}
}

func TestTick_SubmitAttemptsBounded(t *testing.T) {
	cfg := testConfig()
	transient := fault.Transient("submit", errors.New("timeout"))
	sched := &fakeScheduler{}
	for i := 0; i < 10; i++ {
		sched.submitErrs = append(sched.submitErrs, transient)
	}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	rec := model.NewJobRecord("job_1", testJob(t.TempDir()), t0)
	now := t0
	for i := 0; i < 100 && !rec.Sealed; i++ {
		rec = mustTick(t, m, rec, now, false)
		now = now.Add(time.Hour)
	}
	if rec.State != model.JobStateExcepted {
		t.Fatalf("state = %s, want EXCEPTED", rec.State)
	}
	if sched.submits != cfg.MaxSubmitAttempts+1 {
		t.Errorf("submit calls = %d, want %d", sched.submits, cfg.MaxSubmitAttempts+1)
	}
}

func TestTick_PollInterval(t *testing.T) {
	sched := &fakeScheduler{statuses: []model.NormalizedStatus{model.StatusRunning, model.StatusRunning}}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	rec := recordIn(model.JobStateWithScheduler, t.TempDir())
	rec.RemoteID = "7"
	rec.LastTransitionTime = &t0

	rec = mustTick(t, m, rec, t0.Add(10*time.Second), false)
	if len(sched.queried) != 0 {
		t.Fatalf("queried %d times before the poll interval", len(sched.queried))
	}

	rec = mustTick(t, m, rec, t0.Add(30*time.Second), false)
	if len(sched.queried) != 1 {
		t.Fatalf("queried %d times, want 1", len(sched.queried))
	}

	rec = mustTick(t, m, rec, t0.Add(45*time.Second), false)
	if len(sched.queried) != 1 {
		t.Errorf("queried %d times within interval of last poll, want 1", len(sched.queried))
	}
	_ = mustTick(t, m, rec, t0.Add(60*time.Second), false)
	if len(sched.queried) != 2 {
		t.Errorf("queried %d times, want 2", len(sched.queried))
	}
}

func TestTick_NotFoundConfirmedThenComputed(t *testing.T) {
	sched := &fakeScheduler{statuses: []model.NormalizedStatus{model.StatusNotFound, model.StatusNotFound}}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	rec := recordIn(model.JobStateWithScheduler, t.TempDir())
	rec.RemoteID = "7"

	rec = mustTick(t, m, rec, t0, false)
	if rec.State != model.JobStateWithScheduler || rec.NotFoundPolls != 1 {
		t.Fatalf("after first NOT_FOUND: state = %s, not found polls = %d", rec.State, rec.NotFoundPolls)
	}
	rec = mustTick(t, m, rec, t0.Add(time.Minute), false)
	if rec.State != model.JobStateComputed {
		t.Errorf("after second NOT_FOUND: state = %s, want COMPUTED", rec.State)
	}
}

func TestTick_NotFoundResetByRunning(t *testing.T) {
	sched := &fakeScheduler{statuses: []model.NormalizedStatus{
		model.StatusNotFound, model.StatusRunning, model.StatusNotFound,
	}}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	rec := recordIn(model.JobStateWithScheduler, t.TempDir())
	rec.RemoteID = "7"
	for i := 0; i < 3; i++ {
		rec = mustTick(t, m, rec, t0.Add(time.Duration(i)*time.Minute), false)
	}
	if rec.State != model.JobStateWithScheduler || rec.NotFoundPolls != 1 {
		t.Errorf("state = %s, not found polls = %d; want WITH_SCHEDULER, 1", rec.State, rec.NotFoundPolls)
	}
}

func TestTick_UnknownBudget(t *testing.T) {
	sched := &fakeScheduler{
		statuses:   []model.NormalizedStatus{model.StatusUnknown, "", model.StatusUnknown},
		statusErrs: []error{nil, fault.Transient("query", errors.New("timeout")), nil},
	}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	rec := recordIn(model.JobStateWithScheduler, t.TempDir())
	rec.RemoteID = "7"
	for i := 0; i < 2; i++ {
		rec = mustTick(t, m, rec, t0.Add(time.Duration(i)*time.Minute), false)
		if rec.State != model.JobStateWithScheduler {
			t.Fatalf("poll %d: state = %s, want WITH_SCHEDULER", i+1, rec.State)
		}
	}
	if rec.UnknownPolls != 2 {
		t.Fatalf("unknown polls = %d, want 2", rec.UnknownPolls)
	}
	rec = mustTick(t, m, rec, t0.Add(2*time.Minute), false)
	if rec.State != model.JobStateExcepted || rec.FailureKind != model.FailureUnknownState {
		t.Errorf("state = %s (%s), want EXCEPTED (unknown_state)", rec.State, rec.FailureKind)
	}
}

func TestTick_PermanentQueryErrorExcepts(t *testing.T) {
	sched := &fakeScheduler{statusErrs: []error{fault.Permanent("query", fault.ErrAuth)}}
	m := newTestMachine(&fakeTransport{}, sched, nil)

	rec := recordIn(model.JobStateWithScheduler, t.TempDir())
	rec.RemoteID = "7"
	got := mustTick(t, m, rec, t0, false)
	if got.State != model.JobStateExcepted {
		t.Errorf("state = %s, want EXCEPTED", got.State)
	}
}

func TestTick_RetrieveThenParse(t *testing.T) {
	staging := t.TempDir()
	tr := &fakeTransport{outputFiles: map[string]string{"out.txt": "ok", "sub/log.txt": "log"}}
	m := newTestMachine(tr, &fakeScheduler{}, staticParser(model.Success(0), nil))

	rec := mustTick(t, m, recordIn(model.JobStateComputed, staging), t0, false)
	if rec.State != model.JobStateParsing {
		t.Fatalf("state = %s, want PARSING", rec.State)
	}
	want := []string{filepath.Join(staging, "out.txt"), filepath.Join(staging, "sub", "log.txt")}
	if !reflect.DeepEqual(rec.RetrievedFiles, want) {
		t.Errorf("retrieved files = %v, want %v", rec.RetrievedFiles, want)
	}

	rec = mustTick(t, m, rec, t0.Add(time.Second), false)
	if rec.State != model.JobStateFinished || !rec.Sealed {
		t.Errorf("state = %s, sealed = %v; want FINISHED, true", rec.State, rec.Sealed)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", rec.ExitCode)
	}
}

func TestTick_RetrievalBackoffIgnoresSubmitTimer(t *testing.T) {
	transient := fault.Transient("get", errors.New("connection reset"))
	tr := &fakeTransport{getErrs: []error{transient}, outputFiles: map[string]string{"out.txt": "ok"}}
	m := newTestMachine(tr, &fakeScheduler{}, nil)

	// A submit timer from the previous state must not delay retrieval.
	rec := recordIn(model.JobStateRetrieving, t.TempDir())
	rec.SubmissionAttempts = 3
	rec.LastAttemptTime = &t0

	rec = mustTick(t, m, rec, t0, false)
	if tr.gets != 1 {
		t.Fatalf("get calls = %d, want 1", tr.gets)
	}
	if rec.LastRetrievalTime == nil || !rec.LastRetrievalTime.Equal(t0) {
		t.Fatalf("last retrieval time = %v, want %v", rec.LastRetrievalTime, t0)
	}
	if !rec.LastAttemptTime.Equal(t0) {
		t.Errorf("submit timer changed by retrieval: %v", rec.LastAttemptTime)
	}

	interval := testConfig().RetrieveBackoff.Interval(1)
	rec = mustTick(t, m, rec, t0.Add(interval/2), false)
	if tr.gets != 1 {
		t.Errorf("get calls = %d inside the retrieval backoff, want 1", tr.gets)
	}
	rec = mustTick(t, m, rec, t0.Add(interval), false)
	if rec.State != model.JobStateParsing {
		t.Errorf("state = %s, want PARSING after backoff", rec.State)
	}
}

func TestTick_RetrieveRetriesExhausted(t *testing.T) {
	transient := fault.Transient("get", errors.New("connection reset"))
	tr := &fakeTransport{getErrs: []error{transient, transient, transient, transient, transient}}
	m := newTestMachine(tr, &fakeScheduler{}, nil)

	rec := recordIn(model.JobStateComputed, t.TempDir())
	now := t0
	for i := 0; i < 50 && !rec.Sealed; i++ {
		rec = mustTick(t, m, rec, now, false)
		now = now.Add(time.Hour)
	}
	if rec.State != model.JobStateExcepted || rec.FailureReason != model.ReasonRetrievalExhausted {
		t.Errorf("state = %s, reason = %q", rec.State, rec.FailureReason)
	}
	if tr.gets != testConfig().MaxRetrieveAttempts+1 {
		t.Errorf("get calls = %d, want %d", tr.gets, testConfig().MaxRetrieveAttempts+1)
	}
	if rec.SubmissionAttempts != 0 {
		t.Errorf("submission attempts = %d, retrieval must use its own counter", rec.SubmissionAttempts)
	}
}

func TestTick_ParserVerdicts(t *testing.T) {
	code := 3
	tests := []struct {
		name     string
		parser   Parser
		want     model.JobState
		kind     model.FailureKind
		reason   string
		exitCode *int
	}{
		{"success with code", staticParser(model.Success(0), nil), model.JobStateFinished, "", "", new(int)},
		{"expected failure", staticParser(model.Verdict{Kind: model.VerdictExpectedFailure, Reason: "did not converge", ExitCode: &code}, nil),
			model.JobStateFailed, model.FailureRemote, "did not converge", &code},
		{"exception", staticParser(model.Exception("bad output"), nil), model.JobStateExcepted, model.FailureParserException, "bad output", nil},
		{"error", staticParser(model.Verdict{}, errors.New("cannot read")), model.JobStateExcepted, model.FailureParserException, "cannot read", nil},
		{"unknown verdict", staticParser(model.Verdict{Kind: "maybe"}, nil), model.JobStateExcepted, model.FailureParserException, `parser returned unknown verdict "maybe"`, nil},
		{"panic", ParserFunc(func(context.Context, []string) (model.Verdict, error) { panic("boom") }),
			model.JobStateExcepted, model.FailureParserException, "parser panic: boom", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMachine(&fakeTransport{}, &fakeScheduler{}, tt.parser)
			got := mustTick(t, m, recordIn(model.JobStateParsing, t.TempDir()), t0, false)
			if got.State != tt.want {
				t.Errorf("state = %s, want %s", got.State, tt.want)
			}
			if got.FailureKind != tt.kind || got.FailureReason != tt.reason {
				t.Errorf("failure = (%s, %q), want (%s, %q)", got.FailureKind, got.FailureReason, tt.kind, tt.reason)
			}
			if !reflect.DeepEqual(got.ExitCode, tt.exitCode) {
				t.Errorf("exit code = %v, want %v", got.ExitCode, tt.exitCode)
			}
			if !got.Sealed {
				t.Error("record should be sealed")
			}
		})
	}
}

// TestTick_HappyPathVisitsEveryState drives a job end to end and checks that
// each observed change is a single step of the transition table and that the
// record stays sealed once sealed.
func TestTick_HappyPathVisitsEveryState(t *testing.T) {
	tr := &fakeTransport{outputFiles: map[string]string{"out.txt": "ok"}}
	sched := &fakeScheduler{
		submitIDs: []string{"99"},
		statuses:  []model.NormalizedStatus{model.StatusQueued, model.StatusRunning, model.StatusDone},
	}
	m := newTestMachine(tr, sched, staticParser(model.Success(0), nil))

	rec := model.NewJobRecord("job_1", testJob(t.TempDir()), t0)
	seen := []model.JobState{rec.State}
	now := t0
	for i := 0; i < 20 && !IsTerminal(rec); i++ {
		now = now.Add(time.Minute)
		next := mustTick(t, m, rec, now, false)
		if next.State != rec.State {
			if rec.State != model.JobStateCreated && rec.State != model.JobStateComputed &&
				!rec.State.CanTransitionTo(next.State) {
				t.Fatalf("illegal step %s -> %s", rec.State, next.State)
			}
			seen = append(seen, next.State)
		}
		if next.State.Rank() < rec.State.Rank() {
			t.Fatalf("state went backwards: %s -> %s", rec.State, next.State)
		}
		rec = next
	}

	// CREATED and COMPUTED pass through SUBMITTING and RETRIEVING inside one tick.
	want := []model.JobState{
		model.JobStateCreated, model.JobStateWithScheduler, model.JobStateComputed,
		model.JobStateParsing, model.JobStateFinished,
	}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("observed states = %v, want %v", seen, want)
	}
	if _, err := m.Tick(context.Background(), rec, now.Add(time.Hour), false); !errors.Is(err, model.ErrSealed) {
		t.Errorf("ticking a finished record: err = %v, want ErrSealed", err)
	}
}

func TestTick_ParserSeesStagingDir(t *testing.T) {
	staging := t.TempDir()
	var got string
	p := ParserFunc(func(ctx context.Context, _ []string) (model.Verdict, error) {
		got, _ = StagingDirFrom(ctx)
		return model.Success(0), nil
	})
	m := newTestMachine(&fakeTransport{}, &fakeScheduler{}, p)

	rec := recordIn(model.JobStateParsing, staging)
	rec.RetrievedFiles = []string{filepath.Join(staging, "out", "x.dat")}
	mustTick(t, m, rec, t0, false)
	if got != staging {
		t.Errorf("staging dir = %q, want %q", got, staging)
	}
}
