// Package ledger covers the append-only side of the warehouse: writing raw
// review landings and auditing every ingest/merge/metrics run with its row
// counts and watermark metadata.
package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// RunKind identifies which operation a run-log entry records.
type RunKind string

const (
	RunIngest  RunKind = "ingest"
	RunMerge   RunKind = "merge"
	RunMetrics RunKind = "metrics"
)

// RunStatus is the lifecycle state of a run-log entry.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// Metadata keys recorded on completed runs.
const (
	MetaWatermark = "watermark"
	MetaLoadID    = "load_id"
	MetaAsOf      = "as_of"
	MetaMalformed = "malformed_keys"
	MetaSkipped   = "skipped_rows"
)

// RunEntry is one row in the run_log table.
type RunEntry struct {
	ID          string         `json:"id"`
	Kind        RunKind        `json:"kind"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Rows        int64          `json:"rows"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Log is the run-log persistence surface; both store backends implement it.
type Log interface {
	StartRun(ctx context.Context, kind RunKind) (string, error)
	CompleteRun(ctx context.Context, runID string, rows int64, metadata map[string]any) error
	FailRun(ctx context.Context, runID string, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]RunEntry, error)
	LastSuccessfulRun(ctx context.Context, kind RunKind) (*RunEntry, error)
}

// RunLog wraps a Log with watermark-aware helpers.
type RunLog struct {
	log Log
}

// NewRunLog creates a RunLog backed by the given store.
func NewRunLog(log Log) *RunLog {
	return &RunLog{log: log}
}

// Start records the beginning of a run and returns its ID.
func (r *RunLog) Start(ctx context.Context, kind RunKind) (string, error) {
	id, err := r.log.StartRun(ctx, kind)
	if err != nil {
		return "", eris.Wrapf(err, "runlog: start %s run", kind)
	}
	return id, nil
}

// Complete marks a run as successfully completed.
func (r *RunLog) Complete(ctx context.Context, runID string, rows int64, metadata map[string]any) error {
	if err := r.log.CompleteRun(ctx, runID, rows, metadata); err != nil {
		return eris.Wrapf(err, "runlog: complete run %s", runID)
	}
	return nil
}

// Fail marks a run as failed with an error message.
func (r *RunLog) Fail(ctx context.Context, runID string, errMsg string) error {
	if err := r.log.FailRun(ctx, runID, errMsg); err != nil {
		return eris.Wrapf(err, "runlog: fail run %s", runID)
	}
	return nil
}

// List returns the most recent entries, newest first.
func (r *RunLog) List(ctx context.Context, limit int) ([]RunEntry, error) {
	entries, err := r.log.ListRuns(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list runs")
	}
	return entries, nil
}

// LastWatermark returns the watermark recorded by the most recent successful
// merge run, or the zero time if none exists. The fact table remains the
// authoritative watermark source; this is advisory, used to surface
// regression warnings across process restarts.
func (r *RunLog) LastWatermark(ctx context.Context) (time.Time, error) {
	entry, err := r.log.LastSuccessfulRun(ctx, RunMerge)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "runlog: last merge run")
	}
	if entry == nil || entry.Metadata == nil {
		return time.Time{}, nil
	}
	raw, ok := entry.Metadata[MetaWatermark].(string)
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "runlog: parse watermark %q", raw)
	}
	return t, nil
}
