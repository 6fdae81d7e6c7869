package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/me/calcjob/internal/logging"
	"github.com/me/calcjob/pkg/model"
)

// parse hands the retrieved files to the parser and seals the record
// according to its verdict.
func (m *Machine) parse(ctx context.Context, rec *model.JobRecord, now time.Time) error {
	verdict := m.runParser(WithStagingDir(ctx, rec.Job.LocalStagingDir), rec.RetrievedFiles)
	log := logging.ForJob(m.logger, *rec).With("verdict", verdict.Kind)

	if verdict.ExitCode != nil {
		code := *verdict.ExitCode
		rec.ExitCode = &code
	}

	switch verdict.Kind {
	case model.VerdictSuccess:
		if rec.ExitCode == nil {
			zero := 0
			rec.ExitCode = &zero
		}
		log.Info("job finished")
		return rec.TransitionTo(model.JobStateFinished, now)
	case model.VerdictExpectedFailure:
		log.Info("job failed", "reason", verdict.Reason)
		return rec.Fail(model.JobStateFailed, model.FailureRemote, verdict.Reason, now)
	default:
		log.Warn("parser raised an exception", "reason", verdict.Reason)
		return rec.Fail(model.JobStateExcepted, model.FailureParserException, verdict.Reason, now)
	}
}

// runParser converts parser errors and panics into Exception verdicts.
func (m *Machine) runParser(ctx context.Context, files []string) (v model.Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = model.Exception(fmt.Sprintf("parser panic: %v", r))
		}
	}()
	if m.parser == nil {
		return model.Exception("no parser configured")
	}

	cctx, cancel := m.callContext(ctx)
	defer cancel()
	verdict, err := m.parser.Parse(cctx, files)
	if err != nil {
		return model.Exception(err.Error())
	}
	switch verdict.Kind {
	case model.VerdictSuccess:
		return verdict
	case model.VerdictExpectedFailure:
		if verdict.Reason == "" {
			verdict.Reason = "job reported failure"
		}
		return verdict
	case model.VerdictException:
		if verdict.Reason == "" {
			verdict.Reason = "parser exception"
		}
		return verdict
	}
	return model.Exception(fmt.Sprintf("parser returned unknown verdict %q", verdict.Kind))
}
