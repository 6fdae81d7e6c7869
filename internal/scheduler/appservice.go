package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/me/calcjob/internal/appservice"
	"github.com/me/calcjob/internal/fault"
	"github.com/me/calcjob/pkg/model"
)

// Resource keys read by AppServiceScheduler; every other resource is passed
// to the application as a parameter.
const (
	ResourceAppID      = "app_id"
	ResourceOutputPath = "output_path"
)

// AppServiceScheduler submits and monitors jobs on a JSON-RPC 1.1 application
// service. Submit is async: start_app returns a job id immediately and status
// is polled with query_tasks.
type AppServiceScheduler struct {
	caller    appservice.RPCCaller
	workspace string
	logger    *slog.Logger
}

// NewAppServiceScheduler creates an AppServiceScheduler. workspace is the
// default output path for jobs that do not name one.
func NewAppServiceScheduler(caller appservice.RPCCaller, workspace string, logger *slog.Logger) *AppServiceScheduler {
	return &AppServiceScheduler{
		caller:    caller,
		workspace: workspace,
		logger:    logger.With("component", "appservice-scheduler"),
	}
}

// Name returns "appservice".
func (s *AppServiceScheduler) Name() string { return "appservice" }

// Submit calls AppService.start_app and returns the service job id.
func (s *AppServiceScheduler) Submit(ctx context.Context, job model.JobDescription) (string, error) {
	appID, _ := job.Resources[ResourceAppID].(string)
	if appID == "" {
		return "", fault.Permanent("start_app", fmt.Errorf("%w: resource %q is missing", fault.ErrRejected, ResourceAppID))
	}

	params := make(map[string]any, len(job.Resources))
	for k, v := range job.Resources {
		if k == ResourceAppID || k == ResourceOutputPath {
			continue
		}
		params[k] = v
	}

	outputPath, _ := job.Resources[ResourceOutputPath].(string)
	if outputPath == "" {
		outputPath = job.RemoteOutputDir
	}
	if outputPath == "" {
		outputPath = s.workspace
	}

	s.logger.Debug("submitting job", "app_id", appID, "output_path", outputPath)

	result, err := s.caller.Call(ctx, "AppService.start_app", []any{appID, params, outputPath})
	if err != nil {
		return "", fault.Classify("start_app", err)
	}

	// Response: [{id, status, ...}] where id may be a number or string.
	var jobs []map[string]any
	if err := json.Unmarshal(result, &jobs); err != nil {
		return "", fault.Transient("start_app", fmt.Errorf("parse start_app response: %w", err))
	}
	if len(jobs) == 0 || jobs[0]["id"] == nil {
		return "", fault.Permanent("start_app", fmt.Errorf("%w: start_app returned no job id", fault.ErrRejected))
	}

	jobID := fmt.Sprintf("%v", jobs[0]["id"])
	s.logger.Info("job submitted", "app_id", appID, "service_job_id", jobID, "service_status", jobs[0]["status"])
	return jobID, nil
}

// QueryStatus calls AppService.query_tasks. Ids missing from the reply are
// not found.
func (s *AppServiceScheduler) QueryStatus(ctx context.Context, remoteID string) (model.NormalizedStatus, error) {
	result, err := s.caller.Call(ctx, "AppService.query_tasks", []any{[]string{remoteID}})
	if err != nil {
		return "", fault.Classify("query_tasks", err)
	}

	// Response: [{jobID: {id, status, ...}}]
	var results []map[string]struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &results); err != nil {
		return "", fault.Transient("query_tasks", fmt.Errorf("parse query_tasks response: %w", err))
	}
	if len(results) == 0 {
		return model.StatusNotFound, nil
	}
	info, ok := results[0][remoteID]
	if !ok {
		return model.StatusNotFound, nil
	}
	return Normalize(VocabAppService, info.Status), nil
}

// Cancel calls AppService.kill_task.
func (s *AppServiceScheduler) Cancel(ctx context.Context, remoteID string) (bool, error) {
	if _, err := s.caller.Call(ctx, "AppService.kill_task", []any{remoteID}); err != nil {
		return false, fault.Classify("kill_task", err)
	}
	return true, nil
}
