// Package queue coordinates chunked ingestion work: master runs fan out into
// jobs, competing workers claim jobs one at a time, and the aggregator folds
// completed chunks back into the master run.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/config"
	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/internal/store"
)

// Coordinator manages the job queue lifecycle: enqueue, claim, recover,
// retry. All state lives in the store; any number of coordinator instances
// can run against the same database.
type Coordinator struct {
	store store.Store
	cfg   config.QueueConfig
}

// NewCoordinator creates a Coordinator over the given store.
func NewCoordinator(st store.Store, cfg config.QueueConfig) *Coordinator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = model.DefaultMaxRetries
	}
	if cfg.StuckTimeoutMinutes <= 0 {
		cfg.StuckTimeoutMinutes = 5
	}
	return &Coordinator{store: st, cfg: cfg}
}

// CreateMasterRun splits records into chunks and enqueues one pending job per
// chunk under a new master run. The run's total chunk count is fixed at
// creation so aggregation knows when the fan-out is done.
func (c *Coordinator) CreateMasterRun(ctx context.Context, sourceID string, records []model.Record) (*model.Run, error) {
	if len(records) == 0 {
		return nil, eris.New("queue: no records to enqueue")
	}

	chunks := chunkRecords(records, c.cfg.ChunkSize)
	run, err := c.store.CreateRun(ctx, sourceID, len(chunks))
	if err != nil {
		return nil, eris.Wrap(err, "queue: create master run")
	}

	jobs := make([]model.Job, len(chunks))
	for i, chunk := range chunks {
		jobs[i] = model.Job{
			ID:          uuid.New().String(),
			MasterRunID: run.ID,
			SourceID:    sourceID,
			ChunkIndex:  i,
			Records:     chunk,
			Status:      model.JobStatusPending,
			MaxRetries:  c.cfg.MaxRetries,
		}
	}
	if err := c.store.CreateJobs(ctx, jobs); err != nil {
		return nil, eris.Wrap(err, "queue: enqueue jobs")
	}

	zap.L().Info("queue: master run created",
		zap.String("run_id", run.ID),
		zap.String("source_id", sourceID),
		zap.Int("records", len(records)),
		zap.Int("chunks", len(chunks)),
	)
	return run, nil
}

// GetNextPendingJob atomically claims the oldest pending job, moving it to
// processing. Returns (nil, nil) when the queue is empty. Concurrent callers
// never receive the same job.
func (c *Coordinator) GetNextPendingJob(ctx context.Context) (*model.Job, error) {
	job, err := c.store.ClaimNextPendingJob(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim job")
	}
	return job, nil
}

// CompleteJob marks a job completed with its result.
func (c *Coordinator) CompleteJob(ctx context.Context, jobID string, result *model.JobResult) error {
	return eris.Wrap(
		c.store.UpdateJobStatus(ctx, jobID, model.JobStatusCompleted, result, ""),
		"queue: complete job",
	)
}

// FailJob marks a job failed with an error message.
func (c *Coordinator) FailJob(ctx context.Context, jobID string, jobErr error) error {
	return eris.Wrap(
		c.store.UpdateJobStatus(ctx, jobID, model.JobStatusFailed, nil, jobErr.Error()),
		"queue: fail job",
	)
}

// StuckTimeout is how long a job may sit in processing before it is presumed
// orphaned by a dead worker.
func (c *Coordinator) StuckTimeout() time.Duration {
	return time.Duration(c.cfg.StuckTimeoutMinutes) * time.Minute
}

// RecoverStuckJobs requeues processing jobs whose claim is older than the
// stuck timeout. Jobs with retry budget left go back to pending with an
// annotated attempt count; exhausted jobs are failed permanently. Returns the
// number requeued.
func (c *Coordinator) RecoverStuckJobs(ctx context.Context) (int, error) {
	stuck, err := c.store.ListStuckJobs(ctx, c.StuckTimeout())
	if err != nil {
		return 0, eris.Wrap(err, "queue: list stuck jobs")
	}

	recovered := 0
	for _, job := range stuck {
		log := zap.L().With(
			zap.String("job_id", job.ID),
			zap.String("run_id", job.MasterRunID),
			zap.Int("retry_count", job.RetryCount),
		)

		// Requeue is conditional on failed status, so mark the job failed
		// first; a worker that finishes in between wins and the requeue
		// becomes a no-op.
		if err := c.store.UpdateJobStatus(ctx, job.ID, model.JobStatusFailed, nil, "processing timeout"); err != nil {
			log.Warn("queue: failed to fail stuck job", zap.Error(err))
			continue
		}

		if job.RetryCount >= job.MaxRetries {
			log.Warn("queue: stuck job out of retries, failing permanently")
			continue
		}

		annotation := fmt.Sprintf("timeout recovery - attempt %d/%d", job.RetryCount+1, job.MaxRetries)
		applied, err := c.store.RequeueJob(ctx, job.ID, annotation)
		if err != nil {
			log.Warn("queue: failed to requeue stuck job", zap.Error(err))
			continue
		}
		if applied {
			log.Info("queue: stuck job requeued", zap.String("annotation", annotation))
			recovered++
		}
	}
	return recovered, nil
}

// RetryFailedJobs requeues failed jobs that still have retry budget. Returns
// the number requeued.
func (c *Coordinator) RetryFailedJobs(ctx context.Context) (int, error) {
	retryable, err := c.store.ListRetryableJobs(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "queue: list retryable jobs")
	}

	retried := 0
	for _, job := range retryable {
		annotation := fmt.Sprintf("retry - attempt %d/%d", job.RetryCount+1, job.MaxRetries)
		applied, err := c.store.RequeueJob(ctx, job.ID, annotation)
		if err != nil {
			zap.L().Warn("queue: failed to requeue job",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if applied {
			retried++
		}
	}
	if retried > 0 {
		zap.L().Info("queue: failed jobs requeued", zap.Int("count", retried))
	}
	return retried, nil
}

// Status returns queue-wide job counts.
func (c *Coordinator) Status(ctx context.Context) (model.QueueStatus, error) {
	status, err := c.store.CountJobsByStatus(ctx)
	if err != nil {
		return model.QueueStatus{}, eris.Wrap(err, "queue: count jobs")
	}
	return status, nil
}

func chunkRecords(records []model.Record, size int) [][]model.Record {
	var chunks [][]model.Record
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, records[start:end])
	}
	return chunks
}
