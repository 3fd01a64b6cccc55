package store

import (
	"context"
	"time"

	"github.com/fundscope/ingest-cli/internal/model"
)

// RecordLookup is the read-side interface the duplicate classifier depends on.
// Both lookups are batched: one round-trip per identifier set.
type RecordLookup interface {
	// FindByExternalIDs returns existing records keyed by external identifier.
	FindByExternalIDs(ctx context.Context, sourceID string, externalIDs []string) (map[string]model.ExistingRecord, error)
	// FindByTitles returns existing records keyed by normalized title.
	FindByTitles(ctx context.Context, sourceID string, titles []string) (map[string]model.ExistingRecord, error)
}

// RecordWriter is the write-side interface for the storage and direct-update
// stages.
type RecordWriter interface {
	// InsertScoredRecords persists enriched records that passed the filter.
	InsertScoredRecords(ctx context.Context, records []model.ScoredRecord) (int, error)
	// UpdateRecordFields writes only the given fields plus updated_at.
	UpdateRecordFields(ctx context.Context, recordID string, fields map[string]any) error
}

// Store defines the persistence interface for the ingestion engine.
type Store interface {
	RecordLookup
	RecordWriter

	// Runs
	CreateRun(ctx context.Context, sourceID string, totalChunks int) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	// TransitionRunStatus performs a conditional status write and reports
	// whether it applied. This is the aggregation lock primitive.
	TransitionRunStatus(ctx context.Context, runID string, from, to model.RunStatus) (bool, error)
	CompleteRun(ctx context.Context, runID string, result map[string]any) error
	FailRun(ctx context.Context, runID string, failedStage, message string) error
	// ListUnfinishedMasterRuns returns chunked runs still in processing or
	// aggregating, oldest first. The aggregation sweep uses it to finalize
	// runs whose last worker died before folding.
	ListUnfinishedMasterRuns(ctx context.Context) ([]model.Run, error)

	// Stages. Stage rows are keyed by (run_id, job_id, name); chunk stages
	// carry the master run id plus their job id, so listing by run returns
	// every chunk's stages for aggregation.
	UpsertStage(ctx context.Context, stage model.Stage) error
	ListStagesByRun(ctx context.Context, runID string) ([]model.Stage, error)

	// Jobs
	CreateJobs(ctx context.Context, jobs []model.Job) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	// ClaimNextPendingJob atomically moves the oldest pending job to
	// processing. Returns (nil, nil) when the queue is empty.
	ClaimNextPendingJob(ctx context.Context) (*model.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, result *model.JobResult, errMsg string) error
	// ListStuckJobs returns processing jobs whose start timestamp is older
	// than the cutoff.
	ListStuckJobs(ctx context.Context, olderThan time.Duration) ([]model.Job, error)
	// RequeueJob conditionally moves a failed job back to pending with
	// retry_count incremented; reports whether the write applied.
	RequeueJob(ctx context.Context, jobID string, annotation string) (bool, error)
	// ListRetryableJobs returns failed jobs still under their retry budget.
	ListRetryableJobs(ctx context.Context) ([]model.Job, error)
	ListJobsByMasterRun(ctx context.Context, masterRunID string) ([]model.Job, error)
	GetMasterRunProgress(ctx context.Context, masterRunID string) (model.MasterRunProgress, error)
	CountJobsByStatus(ctx context.Context) (model.QueueStatus, error)

	// Metrics
	AppendStageMetrics(ctx context.Context, m model.StageMetrics) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
