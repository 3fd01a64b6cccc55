package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/internal/store"
)

// StageTracker persists per-stage progress rows. Writes are idempotent:
// completed and skipped stages are never moved back, so re-running a chunk
// after a crash cannot corrupt earlier progress. Failed rows stay writable
// for job retries.
type StageTracker struct {
	store store.Store
}

// NewStageTracker creates a StageTracker backed by the given store.
func NewStageTracker(st store.Store) *StageTracker {
	return &StageTracker{store: st}
}

// UpdateStage upserts one stage row keyed by (run, job, name).
func (t *StageTracker) UpdateStage(ctx context.Context, stage model.Stage) error {
	if stage.StartedAt.IsZero() {
		stage.StartedAt = time.Now().UTC()
	}
	if err := t.store.UpsertStage(ctx, stage); err != nil {
		return eris.Wrapf(err, "tracker: upsert stage %s", stage.Name)
	}
	return nil
}

// RecordError marks the stage failed and, for single-shot runs, marks the run
// failed at that stage. Chunk jobs leave their master run untouched so sibling
// chunks keep going.
func (t *StageTracker) RecordError(ctx context.Context, runID, jobID, stageName string, stageErr error) {
	log := zap.L().With(zap.String("run_id", runID), zap.String("stage", stageName))

	stage := model.Stage{
		RunID:  runID,
		JobID:  jobID,
		Name:   stageName,
		Status: model.StageStatusFailed,
		Result: map[string]any{"error": stageErr.Error()},
	}
	if err := t.UpdateStage(ctx, stage); err != nil {
		log.Warn("tracker: failed to persist stage failure", zap.Error(err))
	}

	if jobID == "" {
		if err := t.store.FailRun(ctx, runID, stageName, stageErr.Error()); err != nil {
			log.Warn("tracker: failed to mark run failed", zap.Error(err))
		}
	}
}

// CompleteRun finalizes a single-shot run with its result payload.
func (t *StageTracker) CompleteRun(ctx context.Context, runID string, result map[string]any) error {
	if err := t.store.CompleteRun(ctx, runID, result); err != nil {
		return eris.Wrap(err, "tracker: complete run")
	}
	return nil
}
