// Package jobstatus reports a long-running job's status, progress, and log
// lines to the control plane (spec §6: POST .../jobs/:id/{status,progress,
// log}), supplementing the distilled spec with the original's
// postJobStatus/postJobProgress/postJobLog (nog.py). No command in this
// repository uses it yet; it is a library for job-running callers.
package jobstatus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nogproject/nog/internal/codec"
	"github.com/nogproject/nog/internal/httpclient"
	"github.com/nogproject/nog/internal/nogerr"
)

// Status names one of the terminal or in-progress job states.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Reporter posts status/progress/log updates for one job+retry pair.
type Reporter struct {
	client  *httpclient.Client
	jobID   string
	retryID string
}

// New creates a Reporter for jobID under the given retry attempt.
func New(client *httpclient.Client, jobID, retryID string) *Reporter {
	return &Reporter{client: client, jobID: jobID, retryID: retryID}
}

func (r *Reporter) path(suffix string) string {
	return fmt.Sprintf("/v1/jobs/%s/%s", r.jobID, suffix)
}

// PostStatus reports the job's current status, with an optional reason
// (e.g. an error summary on StatusFailed).
func (r *Reporter) PostStatus(ctx context.Context, status Status, reason string) error {
	content := map[string]any{"retryId": r.retryID, "status": string(status)}
	if reason != "" {
		content["reason"] = reason
	}
	return r.post(ctx, "status", content)
}

// PostProgress reports completed/total progress counters.
func (r *Reporter) PostProgress(ctx context.Context, completed, total int64) error {
	content := map[string]any{
		"retryId":  r.retryID,
		"progress": map[string]any{"completed": completed, "total": total},
	}
	return r.post(ctx, "progress", content)
}

// LogLevel names the severity of a PostLog call.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warning"
	LogError LogLevel = "error"
)

// PostLog appends one log line, with an optional severity level.
func (r *Reporter) PostLog(ctx context.Context, message string, level LogLevel) error {
	content := map[string]any{"retryId": r.retryID, "message": message}
	if level != "" {
		content["level"] = string(level)
	}
	return r.post(ctx, "log", content)
}

func (r *Reporter) post(ctx context.Context, suffix string, content map[string]any) error {
	body, err := codec.Transport(content)
	if err != nil {
		return nogerr.New("jobstatus.post", nogerr.Unknown, err)
	}
	status, _, err := r.client.Do(ctx, http.MethodPost, r.path(suffix), body)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return nogerr.New("jobstatus.post", nogerr.Transport, fmt.Errorf("unexpected status %d", status))
	}
	return nil
}
