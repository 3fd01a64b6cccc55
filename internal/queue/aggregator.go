package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/internal/store"
)

// Aggregator folds completed chunks back into their master run. The fold runs
// exactly once per master run: the processing→aggregating transition is a
// conditional write, so concurrent finishers race for it and all but one back
// off.
type Aggregator struct {
	store store.Store
}

// NewAggregator creates an Aggregator over the given store.
func NewAggregator(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// CheckAndAggregate finalizes the master run if every chunk has reached a
// terminal state. Returns true when this call performed the aggregation.
// Losing the transition race is a normal outcome, not an error.
func (a *Aggregator) CheckAndAggregate(ctx context.Context, masterRunID string) (bool, error) {
	progress, err := a.store.GetMasterRunProgress(ctx, masterRunID)
	if err != nil {
		return false, eris.Wrap(err, "aggregator: get progress")
	}
	if !progress.Done() {
		return false, nil
	}

	won, err := a.store.TransitionRunStatus(ctx, masterRunID, model.RunStatusProcessing, model.RunStatusAggregating)
	if err != nil {
		return false, eris.Wrap(err, "aggregator: acquire aggregation lock")
	}
	if !won {
		return false, nil
	}

	log := zap.L().With(zap.String("run_id", masterRunID))

	report, err := a.buildReport(ctx, masterRunID, progress)
	if err != nil {
		a.revert(ctx, masterRunID)
		return false, eris.Wrap(err, "aggregator: build report")
	}

	if progress.Completed == 0 {
		if err := a.store.FailRun(ctx, masterRunID, "", "all chunks failed"); err != nil {
			a.revert(ctx, masterRunID)
			return false, eris.Wrap(err, "aggregator: fail run")
		}
		log.Warn("aggregator: master run failed, no chunk completed",
			zap.Int("failed_jobs", progress.Failed))
		return true, nil
	}

	resultMap, err := reportToMap(report)
	if err != nil {
		a.revert(ctx, masterRunID)
		return false, err
	}
	if err := a.store.CompleteRun(ctx, masterRunID, resultMap); err != nil {
		a.revert(ctx, masterRunID)
		return false, eris.Wrap(err, "aggregator: complete run")
	}

	log.Info("aggregator: master run completed",
		zap.Int("completed_jobs", report.CompletedJobs),
		zap.Int("failed_jobs", report.FailedJobs),
		zap.Int("extracted", report.TotalExtracted),
		zap.Int("stored", report.StoredCount),
		zap.Int("bypassed_enrichment", report.BypassedEnrichment),
		zap.Float64("resource_savings_pct", report.ResourceSavingsPct),
	)
	return true, nil
}

// Sweep finalizes master runs that lost their last worker: every chunk is
// terminal but nobody called CheckAndAggregate, or a crash left the run
// holding the aggregation lock. Locks older than staleLock are released and
// the fold retried. Failures are logged per run; the sweep keeps going.
func (a *Aggregator) Sweep(ctx context.Context, staleLock time.Duration) []string {
	runs, err := a.store.ListUnfinishedMasterRuns(ctx)
	if err != nil {
		zap.L().Warn("aggregator: sweep list failed", zap.Error(err))
		return nil
	}

	var aggregated []string
	for _, run := range runs {
		if run.Status == model.RunStatusAggregating {
			if time.Since(run.UpdatedAt) < staleLock {
				continue
			}
			released, err := a.store.TransitionRunStatus(ctx, run.ID, model.RunStatusAggregating, model.RunStatusProcessing)
			if err != nil || !released {
				zap.L().Warn("aggregator: sweep could not release stale lock",
					zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
			zap.L().Info("aggregator: released stale aggregation lock",
				zap.String("run_id", run.ID))
		}

		done, err := a.CheckAndAggregate(ctx, run.ID)
		if err != nil {
			zap.L().Warn("aggregator: sweep aggregation failed",
				zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		if done {
			aggregated = append(aggregated, run.ID)
		}
	}
	return aggregated
}

// revert releases the aggregation lock so a later invocation can retry the
// fold.
func (a *Aggregator) revert(ctx context.Context, masterRunID string) {
	if _, err := a.store.TransitionRunStatus(ctx, masterRunID, model.RunStatusAggregating, model.RunStatusProcessing); err != nil {
		zap.L().Error("aggregator: failed to release aggregation lock",
			zap.String("run_id", masterRunID), zap.Error(err))
	}
}

func (a *Aggregator) buildReport(ctx context.Context, masterRunID string, progress model.MasterRunProgress) (*model.AggregateReport, error) {
	jobs, err := a.store.ListJobsByMasterRun(ctx, masterRunID)
	if err != nil {
		return nil, eris.Wrap(err, "list jobs")
	}
	stages, err := a.store.ListStagesByRun(ctx, masterRunID)
	if err != nil {
		return nil, eris.Wrap(err, "list stages")
	}

	report := &model.AggregateReport{
		Stages:        make(map[string]*model.StageAggregate),
		CompletedJobs: progress.Completed,
		FailedJobs:    progress.Failed,
	}

	for _, job := range jobs {
		report.TotalExtracted += len(job.Records)
		if job.Status != model.JobStatusCompleted || job.Result == nil {
			continue
		}
		report.NewCount += job.Result.NewCount
		report.UpdatedCount += job.Result.UpdatedCount
		report.SkippedCount += job.Result.SkippedCount
		report.StoredCount += job.Result.StoredCount
		report.Usage.Add(job.Result.Usage)
	}

	for _, stage := range stages {
		agg, ok := report.Stages[stage.Name]
		if !ok {
			agg = &model.StageAggregate{Stage: stage.Name}
			report.Stages[stage.Name] = agg
		}
		agg.Executions++
		agg.InputCount += stage.InputCount
		agg.OutputCount += stage.OutputCount
		agg.DurationMS += stage.DurationMS
	}

	// Records that never entered enrichment were handled as updates or skips
	// at a fraction of the cost.
	enriched := 0
	if agg, ok := report.Stages[model.StageEnrichment]; ok {
		enriched = agg.InputCount
	}
	if bypassed := report.TotalExtracted - enriched; bypassed > 0 {
		report.BypassedEnrichment = bypassed
		report.ResourceSavingsPct = float64(bypassed) / float64(report.TotalExtracted) * 100
	}

	if total := progress.Completed + progress.Failed; total > 0 {
		report.SuccessRate = float64(progress.Completed) / float64(total)
	}
	return report, nil
}

func reportToMap(report *model.AggregateReport) (map[string]any, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, eris.Wrap(err, "aggregator: marshal report")
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "aggregator: unmarshal report")
	}
	return out, nil
}
