package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/me/calcjob/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleJob(id string, created time.Time) *model.JobRecord {
	rec := model.NewJobRecord(id, model.JobDescription{
		Computer:        "localhost",
		Parser:          "exit-code",
		RemoteWorkDir:   "/scratch/" + id,
		SubmitScript:    "run.sh",
		InputFiles:      map[string]string{"/tmp/in.dat": "in.dat"},
		LocalStagingDir: "/tmp/staging/" + id,
		Resources:       map[string]any{"partition": "short"},
	}, created)
	return &rec
}

func TestJobCRUD(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := sampleJob("job_1", now)
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetJob(ctx, "job_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("get returned nil")
	}
	if got.State != model.JobStateCreated {
		t.Errorf("state = %q, want %q", got.State, model.JobStateCreated)
	}
	if got.Job.InputFiles["/tmp/in.dat"] != "in.dat" {
		t.Errorf("input files = %v", got.Job.InputFiles)
	}
	if got.Job.Resources["partition"] != "short" {
		t.Errorf("resources = %v", got.Job.Resources)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}

	// Advance and persist every mutable field.
	if err := got.TransitionTo(model.JobStateSubmitting, now); err != nil {
		t.Fatal(err)
	}
	if err := got.SetRemoteID("4242"); err != nil {
		t.Fatal(err)
	}
	got.SubmissionAttempts = 1
	attempt := now.Add(time.Second)
	got.LastAttemptTime = &attempt
	retrieval := now.Add(2 * time.Second)
	got.LastRetrievalTime = &retrieval
	got.LastSchedulerStatus = model.StatusQueued
	if err := st.UpdateJob(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	reread, _ := st.GetJob(ctx, "job_1")
	if reread.State != model.JobStateSubmitting {
		t.Errorf("state = %q, want %q", reread.State, model.JobStateSubmitting)
	}
	if reread.RemoteID != "4242" {
		t.Errorf("remote id = %q, want %q", reread.RemoteID, "4242")
	}
	if reread.SubmissionAttempts != 1 {
		t.Errorf("submission attempts = %d, want 1", reread.SubmissionAttempts)
	}
	if reread.LastAttemptTime == nil || !reread.LastAttemptTime.Equal(attempt) {
		t.Errorf("last attempt = %v, want %v", reread.LastAttemptTime, attempt)
	}
	if reread.LastRetrievalTime == nil || !reread.LastRetrievalTime.Equal(retrieval) {
		t.Errorf("last retrieval = %v, want %v", reread.LastRetrievalTime, retrieval)
	}
	if reread.LastSchedulerStatus != model.StatusQueued {
		t.Errorf("scheduler status = %q, want %q", reread.LastSchedulerStatus, model.StatusQueued)
	}
}

func TestGetJobMissing(t *testing.T) {
	st := testStore(t)
	got, err := st.GetJob(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestUpdateJobRefusesSealedRow(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := sampleJob("job_sealed", now)
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := rec.Fail(model.JobStateExcepted, model.FailureCancelled, model.ReasonKilled, now); err != nil {
		t.Fatal(err)
	}
	code := 0
	rec.ExitCode = &code
	if err := st.UpdateJob(ctx, rec); err != nil {
		t.Fatalf("sealing update: %v", err)
	}

	// A second write is refused even if the caller clears Sealed.
	rec.Sealed = false
	rec.State = model.JobStateWithScheduler
	err := st.UpdateJob(ctx, rec)
	if !errors.Is(err, model.ErrSealed) {
		t.Fatalf("err = %v, want ErrSealed", err)
	}

	got, _ := st.GetJob(ctx, "job_sealed")
	if got.State != model.JobStateExcepted {
		t.Errorf("state = %q, want %q", got.State, model.JobStateExcepted)
	}
	if !got.Sealed {
		t.Error("record should stay sealed")
	}
	if got.FailureKind != model.FailureCancelled {
		t.Errorf("failure kind = %q, want %q", got.FailureKind, model.FailureCancelled)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", got.ExitCode)
	}
}

func TestUpdateJobMissing(t *testing.T) {
	st := testStore(t)
	err := st.UpdateJob(context.Background(), sampleJob("ghost", time.Now()))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListJobs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		rec := sampleJob(fmt.Sprintf("job_%d", i), base.Add(time.Duration(i)*time.Second))
		if i%2 == 1 {
			rec.Job.Computer = "cluster"
		}
		if err := st.CreateJob(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, total, err := st.ListJobs(ctx, model.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(recs) != 2 {
		t.Fatalf("page size = %d, want 2", len(recs))
	}
	if recs[0].LocalID != "job_4" {
		t.Errorf("first = %q, want newest %q", recs[0].LocalID, "job_4")
	}

	recs, total, err = st.ListJobs(ctx, model.ListOptions{Limit: 10, Computer: "cluster"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(recs) != 2 {
		t.Errorf("cluster jobs = %d (total %d), want 2", len(recs), total)
	}

	recs, total, err = st.ListJobs(ctx, model.ListOptions{Limit: 10, State: "FINISHED"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 || len(recs) != 0 {
		t.Errorf("finished jobs = %d (total %d), want 0", len(recs), total)
	}
}

func TestListActiveJobs(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	active := sampleJob("job_active", now)
	done := sampleJob("job_done", now.Add(-time.Minute))
	for _, rec := range []*model.JobRecord{active, done} {
		if err := st.CreateJob(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	if err := done.Fail(model.JobStateExcepted, model.FailureRejected, "bad", now); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateJob(ctx, done); err != nil {
		t.Fatal(err)
	}

	recs, err := st.ListActiveJobs(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(recs) != 1 || recs[0].LocalID != "job_active" {
		t.Errorf("active = %v, want [job_active]", ids(recs))
	}
}

func TestRequestKill(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := sampleJob("job_k", now)
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatal(err)
	}

	flag, err := st.KillRequested(ctx, "job_k")
	if err != nil || flag {
		t.Fatalf("KillRequested = %v, %v; want false, nil", flag, err)
	}
	if err := st.RequestKill(ctx, "job_k"); err != nil {
		t.Fatalf("request kill: %v", err)
	}
	flag, err = st.KillRequested(ctx, "job_k")
	if err != nil || !flag {
		t.Errorf("KillRequested = %v, %v; want true, nil", flag, err)
	}

	// Updating the record keeps the flag.
	if err := st.UpdateJob(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if flag, _ := st.KillRequested(ctx, "job_k"); !flag {
		t.Error("UpdateJob cleared the kill flag")
	}

	if err := st.RequestKill(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RequestKill(nope) = %v, want ErrNotFound", err)
	}
	if _, err := st.KillRequested(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("KillRequested(nope) = %v, want ErrNotFound", err)
	}
}

func TestRequestKillSealedIsNoop(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := sampleJob("job_f", now)
	if err := st.CreateJob(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := rec.Fail(model.JobStateExcepted, model.FailureRejected, "bad", now); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateJob(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if err := st.RequestKill(ctx, "job_f"); err != nil {
		t.Fatalf("request kill on sealed job: %v", err)
	}
	if flag, _ := st.KillRequested(ctx, "job_f"); flag {
		t.Error("sealed job should not be flagged")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestMigrateLegacyStates(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	legacy := map[string]string{
		"old_new":     "NEW",
		"old_tosub":   "TOSUBMIT",
		"old_sched":   "WITHSCHEDULER",
		"old_subfail": "SUBMISSIONFAILED",
		"old_parse":   "PARSINGFAILED",
	}
	for id, state := range legacy {
		_, err := st.db.ExecContext(ctx,
			`INSERT INTO jobs (local_id, state, computer, created_at, updated_at) VALUES (?, ?, 'localhost', ?, ?)`,
			id, state, now, now)
		if err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tests := []struct {
		id     string
		state  model.JobState
		sealed bool
		kind   model.FailureKind
	}{
		{"old_new", model.JobStateCreated, false, ""},
		{"old_tosub", model.JobStateCreated, false, ""},
		{"old_sched", model.JobStateWithScheduler, false, ""},
		{"old_subfail", model.JobStateExcepted, true, model.FailureRejected},
		{"old_parse", model.JobStateExcepted, true, model.FailureParserException},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := st.GetJob(ctx, tt.id)
			if err != nil || got == nil {
				t.Fatalf("get: %v, %v", got, err)
			}
			if got.State != tt.state {
				t.Errorf("state = %q, want %q", got.State, tt.state)
			}
			if got.Sealed != tt.sealed {
				t.Errorf("sealed = %v, want %v", got.Sealed, tt.sealed)
			}
			if got.FailureKind != tt.kind {
				t.Errorf("failure kind = %q, want %q", got.FailureKind, tt.kind)
			}
		})
	}

	active, err := st.ListActiveJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 3 {
		t.Errorf("active after migration = %v, want 3 jobs", ids(active))
	}
}

func ids(recs []*model.JobRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.LocalID
	}
	return out
}
