package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/internal/pipeline"
)

// Worker drains the job queue: one tick recovers stuck jobs, requeues
// retryable failures, then claims and processes pending jobs. Workers are
// stateless; scaling out means running more of them against the same store.
type Worker struct {
	coordinator *Coordinator
	aggregator  *Aggregator
	pipeline    *pipeline.Pipeline
}

// NewWorker creates a Worker.
func NewWorker(coordinator *Coordinator, aggregator *Aggregator, pl *pipeline.Pipeline) *Worker {
	return &Worker{coordinator: coordinator, aggregator: aggregator, pipeline: pl}
}

// TickSummary reports what one worker tick accomplished.
type TickSummary struct {
	Recovered  int      `json:"recovered"`
	Retried    int      `json:"retried"`
	Processed  int      `json:"processed"`
	Failed     int      `json:"failed"`
	Aggregated []string `json:"aggregated,omitempty"`
}

// Tick performs one maintenance-and-drain cycle, processing at most maxJobs
// jobs. Maintenance failures are logged but do not stop the drain; a queue
// with one bad row must still make progress.
func (w *Worker) Tick(ctx context.Context, maxJobs int) (*TickSummary, error) {
	summary := &TickSummary{}

	recovered, err := w.coordinator.RecoverStuckJobs(ctx)
	if err != nil {
		zap.L().Warn("worker: stuck recovery failed", zap.Error(err))
	}
	summary.Recovered = recovered

	retried, err := w.coordinator.RetryFailedJobs(ctx)
	if err != nil {
		zap.L().Warn("worker: retry pass failed", zap.Error(err))
	}
	summary.Retried = retried

	for i := 0; maxJobs <= 0 || i < maxJobs; i++ {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		job, err := w.coordinator.GetNextPendingJob(ctx)
		if err != nil {
			return summary, err
		}
		if job == nil {
			break
		}

		if w.processJob(ctx, job) {
			summary.Processed++
		} else {
			summary.Failed++
		}

		aggregated, err := w.aggregator.CheckAndAggregate(ctx, job.MasterRunID)
		if err != nil {
			zap.L().Warn("worker: aggregation check failed",
				zap.String("run_id", job.MasterRunID), zap.Error(err))
		}
		if aggregated {
			summary.Aggregated = append(summary.Aggregated, job.MasterRunID)
		}
	}

	// Catch runs orphaned by a worker crash between the last chunk and its
	// aggregation, and runs whose fold was reverted.
	summary.Aggregated = append(summary.Aggregated,
		w.aggregator.Sweep(ctx, w.coordinator.StuckTimeout())...)

	return summary, nil
}

// processJob runs the pipeline for one claimed job and records the outcome.
// Returns true on success.
func (w *Worker) processJob(ctx context.Context, job *model.Job) bool {
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("run_id", job.MasterRunID),
		zap.Int("chunk_index", job.ChunkIndex),
	)
	log.Info("worker: processing job", zap.Int("records", len(job.Records)))

	result, err := w.pipeline.ProcessRecords(ctx, job.MasterRunID, job.ID, job.SourceID, job.Records)
	if err != nil {
		log.Error("worker: job failed", zap.Error(err))
		if failErr := w.coordinator.FailJob(ctx, job.ID, err); failErr != nil {
			log.Error("worker: failed to record job failure", zap.Error(failErr))
		}
		return false
	}

	if err := w.coordinator.CompleteJob(ctx, job.ID, result); err != nil {
		log.Error("worker: failed to record job completion", zap.Error(err))
		return false
	}
	log.Info("worker: job complete",
		zap.Int("new", result.NewCount),
		zap.Int("updated", result.UpdatedCount),
		zap.Int("skipped", result.SkippedCount),
		zap.Int("stored", result.StoredCount),
	)
	return true
}
