package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/me/calcjob/internal/backoff"
	"github.com/me/calcjob/internal/transport"
	"github.com/me/calcjob/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		PollInterval:        30 * time.Second,
		SubmitBackoff:       backoff.Policy{Base: 10 * time.Second, Max: 10 * time.Minute, Cap: 6},
		RetrieveBackoff:     backoff.Policy{Base: 10 * time.Second, Max: 10 * time.Minute, Cap: 6},
		MaxSubmitAttempts:   3,
		MaxRetrieveAttempts: 3,
		MaxUnknownPolls:     2,
		CallTimeout:         5 * time.Second,
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type putCall struct{ Local, Remote string }

// fakeTransport records calls. A successful Get writes outputFiles into the
// local directory.
type fakeTransport struct {
	puts        []putCall
	putErr      error
	gets        int
	getErrs     []error
	outputFiles map[string]string
	existsCalls int
	exists      bool
	existsErr   error
}

func (f *fakeTransport) Open(context.Context) error { return nil }
func (f *fakeTransport) Close() error               { return nil }

func (f *fakeTransport) Put(_ context.Context, local, remote string) error {
	f.puts = append(f.puts, putCall{local, remote})
	return f.putErr
}

func (f *fakeTransport) Get(_ context.Context, _, local string) error {
	f.gets++
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		if err != nil {
			return err
		}
	}
	for name, content := range f.outputFiles {
		p := filepath.Join(local, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) Exec(context.Context, string) (transport.ExecResult, error) {
	return transport.ExecResult{}, nil
}

func (f *fakeTransport) Exists(context.Context, string) (bool, error) {
	f.existsCalls++
	return f.exists, f.existsErr
}

// fakeScheduler replays queued answers and records every call.
type fakeScheduler struct {
	submitIDs  []string
	submitErrs []error
	submits    int
	statuses   []model.NormalizedStatus
	statusErrs []error
	queried    []string
	cancelled  []string
	cancelOK   bool
	cancelErr  error
}

func (f *fakeScheduler) Name() string { return "fake" }

func (f *fakeScheduler) Submit(context.Context, model.JobDescription) (string, error) {
	f.submits++
	var id string
	var err error
	if len(f.submitIDs) > 0 {
		id, f.submitIDs = f.submitIDs[0], f.submitIDs[1:]
	}
	if len(f.submitErrs) > 0 {
		err, f.submitErrs = f.submitErrs[0], f.submitErrs[1:]
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (f *fakeScheduler) QueryStatus(_ context.Context, remoteID string) (model.NormalizedStatus, error) {
	f.queried = append(f.queried, remoteID)
	var st model.NormalizedStatus
	var err error
	if len(f.statuses) > 0 {
		st, f.statuses = f.statuses[0], f.statuses[1:]
	}
	if len(f.statusErrs) > 0 {
		err, f.statusErrs = f.statusErrs[0], f.statusErrs[1:]
	}
	if err != nil {
		return "", err
	}
	return st, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, remoteID string) (bool, error) {
	f.cancelled = append(f.cancelled, remoteID)
	return f.cancelOK, f.cancelErr
}

func staticParser(v model.Verdict, err error) Parser {
	return ParserFunc(func(context.Context, []string) (model.Verdict, error) {
		return v, err
	})
}

func testJob(staging string) model.JobDescription {
	return model.JobDescription{
		Computer:        "test",
		RemoteWorkDir:   "/remote/job1",
		SubmitScript:    "run.sh",
		LocalStagingDir: staging,
	}
}
