// Package pipeline routes classified records through the processing stages:
// duplicate detection, enrichment, filter, storage, and direct update. New
// records take the full path; updates bypass enrichment entirely and have
// their changed fields written directly.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/config"
	"github.com/fundscope/ingest-cli/internal/dedup"
	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/internal/store"
)

// Pipeline orchestrates the record-processing stages for one run or chunk.
type Pipeline struct {
	cfg        *config.Config
	store      store.Store
	classifier *dedup.Classifier
	enricher   Enricher
	tracker    *StageTracker
	metrics    *MetricsRecorder
}

// New creates a Pipeline with all dependencies.
func New(cfg *config.Config, st store.Store, enricher Enricher) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      st,
		classifier: dedup.NewClassifier(st, cfg.Dedup),
		enricher:   enricher,
		tracker:    NewStageTracker(st),
		metrics:    NewMetricsRecorder(st),
	}
}

// StageError marks a pipeline failure with the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// stageOutcome is what each stage function reports back to the tracker.
type stageOutcome struct {
	output     int
	skipped    bool
	skipReason string
	usage      model.ResourceUsage
	result     map[string]any
}

// ProcessRecords runs duplicate detection onward for one batch of extracted
// records. runID is the owning run (the master run for chunked work); jobID is
// empty for single-shot runs. A stage failure stops the batch and is returned
// as a *StageError; stages that already completed keep their rows.
func (p *Pipeline) ProcessRecords(ctx context.Context, runID, jobID, sourceID string, records []model.Record) (*model.JobResult, error) {
	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("source_id", sourceID),
	)
	if jobID != "" {
		log = log.With(zap.String("job_id", jobID))
	}
	log.Info("pipeline: processing records", zap.Int("count", len(records)))

	start := time.Now()
	result := &model.JobResult{}

	trackStage := func(name string, input int, fn func() (*stageOutcome, error)) error {
		startedAt := time.Now().UTC()
		if err := p.tracker.UpdateStage(ctx, model.Stage{
			RunID: runID, JobID: jobID, Name: name,
			Status: model.StageStatusProcessing, InputCount: input, StartedAt: startedAt,
		}); err != nil {
			log.Warn("pipeline: failed to open stage", zap.String("stage", name), zap.Error(err))
		}

		outcome, fnErr := fn()
		duration := time.Since(startedAt).Milliseconds()

		if fnErr != nil {
			log.Error("pipeline: stage failed",
				zap.String("stage", name),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
			p.tracker.RecordError(ctx, runID, jobID, name, fnErr)
			return &StageError{Stage: name, Err: fnErr}
		}

		if outcome == nil {
			outcome = &stageOutcome{}
		}
		status := model.StageStatusCompleted
		if outcome.skipped {
			status = model.StageStatusSkipped
			if outcome.result == nil {
				outcome.result = map[string]any{}
			}
			outcome.result["reason"] = outcome.skipReason
		}

		if err := p.tracker.UpdateStage(ctx, model.Stage{
			RunID: runID, JobID: jobID, Name: name,
			Status: status, InputCount: input, OutputCount: outcome.output,
			DurationMS: duration, Result: outcome.result, StartedAt: startedAt,
		}); err != nil {
			log.Warn("pipeline: failed to close stage", zap.String("stage", name), zap.Error(err))
		}

		p.metrics.Record(ctx, model.StageMetrics{
			RunID: runID, Stage: name,
			InputCount: input, OutputCount: outcome.output,
			DurationMS: duration, Usage: outcome.usage, Extra: outcome.result,
		})
		result.Usage.Add(outcome.usage)

		log.Info("pipeline: stage complete",
			zap.String("stage", name),
			zap.String("status", string(status)),
			zap.Int("input", input),
			zap.Int("output", outcome.output),
			zap.Int64("duration_ms", duration),
		)
		return nil
	}

	// ----- duplicate detection -----
	var classified *dedup.Result
	if err := trackStage(model.StageDuplicateDetection, len(records), func() (*stageOutcome, error) {
		classified = p.classifier.Classify(ctx, records, sourceID)
		m := classified.Metrics
		return &stageOutcome{
			output: m.NewCount + m.UpdateCount,
			result: map[string]any{
				"new":           m.NewCount,
				"updates":       m.UpdateCount,
				"skips":         m.SkipCount,
				"unmatchable":   m.Unmatchable,
				"lookup_errors": m.LookupErrors,
			},
		}, nil
	}); err != nil {
		return result, err
	}

	result.NewCount = classified.Metrics.NewCount
	result.UpdatedCount = classified.Metrics.UpdateCount
	result.SkippedCount = classified.Metrics.SkipCount

	// ----- enrichment (NEW records only) -----
	var scored []model.ScoredRecord
	if err := trackStage(model.StageEnrichment, len(classified.New), func() (*stageOutcome, error) {
		if len(classified.New) == 0 {
			return &stageOutcome{skipped: true, skipReason: "no new records"}, nil
		}
		var usage model.ResourceUsage
		var enrichErr error
		scored, usage, enrichErr = p.enricher.Enrich(ctx, classified.New)
		if enrichErr != nil {
			return nil, enrichErr
		}
		return &stageOutcome{output: len(scored), usage: usage}, nil
	}); err != nil {
		return result, err
	}

	// ----- filter -----
	var kept []model.ScoredRecord
	if err := trackStage(model.StageFilter, len(scored), func() (*stageOutcome, error) {
		if len(scored) == 0 {
			return &stageOutcome{skipped: true, skipReason: "nothing to filter"}, nil
		}
		var dropped []model.ScoredRecord
		kept, dropped = FilterByScore(scored, p.cfg.Filter.ScoreThreshold)
		return &stageOutcome{
			output: len(kept),
			result: map[string]any{"dropped": len(dropped), "threshold": p.cfg.Filter.ScoreThreshold},
		}, nil
	}); err != nil {
		return result, err
	}

	// ----- storage -----
	if err := trackStage(model.StageStorage, len(kept), func() (*stageOutcome, error) {
		if len(kept) == 0 {
			return &stageOutcome{skipped: true, skipReason: "nothing passed the filter"}, nil
		}
		stored, storeErr := p.store.InsertScoredRecords(ctx, kept)
		if storeErr != nil {
			return nil, eris.Wrap(storeErr, "store records")
		}
		result.StoredCount = stored
		return &stageOutcome{output: stored}, nil
	}); err != nil {
		return result, err
	}

	// ----- direct update (UPDATE records, enrichment bypassed) -----
	if err := trackStage(model.StageDirectUpdate, len(classified.Updates), func() (*stageOutcome, error) {
		if len(classified.Updates) == 0 {
			return &stageOutcome{skipped: true, skipReason: "no updates"}, nil
		}
		applied, failed := ApplyDirectUpdates(ctx, p.store, classified.Updates)
		return &stageOutcome{
			output: applied,
			result: map[string]any{"applied": applied, "failed": failed},
		}, nil
	}); err != nil {
		return result, err
	}

	result.ProcessingMS = time.Since(start).Milliseconds()
	log.Info("pipeline: records processed",
		zap.Int("new", result.NewCount),
		zap.Int("updated", result.UpdatedCount),
		zap.Int("skipped", result.SkippedCount),
		zap.Int("stored", result.StoredCount),
		zap.Int64("duration_ms", result.ProcessingMS),
	)
	return result, nil
}
