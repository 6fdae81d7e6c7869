package scheduler

import (
	"context"
	"io"
	"log/slog"

	"github.com/me/calcjob/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedTransport records executed commands and replays queued results.
type scriptedTransport struct {
	commands []string
	results  []transport.ExecResult
	errs     []error
}

func (f *scriptedTransport) Open(context.Context) error                   { return nil }
func (f *scriptedTransport) Close() error                                 { return nil }
func (f *scriptedTransport) Put(context.Context, string, string) error    { return nil }
func (f *scriptedTransport) Get(context.Context, string, string) error    { return nil }
func (f *scriptedTransport) Exists(context.Context, string) (bool, error) { return true, nil }

func (f *scriptedTransport) Exec(_ context.Context, command string) (transport.ExecResult, error) {
	f.commands = append(f.commands, command)
	var res transport.ExecResult
	var err error
	if len(f.results) > 0 {
		res, f.results = f.results[0], f.results[1:]
	}
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	return res, err
}
