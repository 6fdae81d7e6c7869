package lifecycle

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/me/calcjob/internal/fault"
	"github.com/me/calcjob/internal/logging"
	"github.com/me/calcjob/pkg/model"
)

// retrieve copies the remote output directory into the local staging
// directory. It has its own attempt counter and backoff.
func (m *Machine) retrieve(ctx context.Context, rec *model.JobRecord, now time.Time) error {
	if !m.cfg.RetrieveBackoff.Ready(rec.LastRetrievalTime, rec.RetrievalAttempts, now) {
		return nil
	}

	remote := rec.Job.OutputDir()
	local := rec.Job.LocalStagingDir
	log := logging.ForJob(m.logger, *rec).With("remote_dir", remote)

	cctx, cancel := m.callContext(ctx)
	err := fault.Classify("retrieve", m.transport.Get(cctx, remote, local))
	cancel()

	if err == nil {
		files, err := listFiles(local)
		if err != nil {
			return rec.Fail(model.JobStateExcepted, model.FailureRejected, fmt.Sprintf("list retrieved files: %v", err), now)
		}
		rec.RetrievedFiles = files
		log.Info("output retrieved", "files", len(files))
		return rec.TransitionTo(model.JobStateParsing, now)
	}

	if fault.IsPermanent(err) {
		if m.outputMissing(ctx, remote, err) {
			log.Warn("remote output missing", "error", err)
			return rec.Fail(model.JobStateFailed, model.FailureOutputMissing, model.ReasonOutputMissing, now)
		}
		log.Warn("retrieval rejected", "error", err)
		return rec.Fail(model.JobStateExcepted, model.FailureRejected, fmt.Sprintf("retrieval rejected: %v", err), now)
	}

	rec.RetrievalAttempts++
	if rec.RetrievalAttempts > m.cfg.MaxRetrieveAttempts {
		log.Warn("retrieval retries exhausted", "error", err)
		return rec.Fail(model.JobStateExcepted, model.FailureRetriesExhausted, model.ReasonRetrievalExhausted, now)
	}
	rec.LastRetrievalTime = stamp(now)
	log.Info("retrieval failed, will retry", "error", err, "attempt", rec.RetrievalAttempts,
		"retry_in", m.cfg.RetrieveBackoff.Interval(rec.RetrievalAttempts))
	return nil
}

// outputMissing confirms a permanent retrieval failure was caused by the
// remote directory not existing.
func (m *Machine) outputMissing(ctx context.Context, remote string, err error) bool {
	if fault.IsNotFound(err) {
		return true
	}
	cctx, cancel := m.callContext(ctx)
	defer cancel()
	exists, existsErr := m.transport.Exists(cctx, remote)
	return existsErr == nil && !exists
}

// listFiles returns every regular file below dir in lexical order.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
