package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundscope/ingest-cli/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func makeJobs(masterRunID, sourceID string, n int) []model.Job {
	jobs := make([]model.Job, n)
	for i := range jobs {
		jobs[i] = model.Job{
			ID:          uuid.New().String(),
			MasterRunID: masterRunID,
			SourceID:    sourceID,
			ChunkIndex:  i,
			Records: []model.Record{
				{ExternalID: uuid.New().String(), Title: "Test Opportunity", SourceID: sourceID},
			},
			Status:     model.JobStatusPending,
			MaxRetries: model.DefaultMaxRetries,
		}
	}
	return jobs
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 4)
		require.NoError(t, err)
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, model.RunStatusProcessing, run.Status)
		assert.Equal(t, 4, run.TotalChunks)
		assert.True(t, run.IsMaster())

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, "grants-gov", got.SourceID)
		assert.Equal(t, 4, got.TotalChunks)
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetRun(context.Background(), "nonexistent-id")
		require.Error(t, err)
	})

	t.Run("UpdateRunStatusNotFound", func(t *testing.T) {
		s := newStore(t)

		err := s.UpdateRunStatus(context.Background(), "nonexistent-id", model.RunStatusCompleted)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("TransitionRunStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 2)
		require.NoError(t, err)

		// First transition wins.
		won, err := s.TransitionRunStatus(ctx, run.ID, model.RunStatusProcessing, model.RunStatusAggregating)
		require.NoError(t, err)
		assert.True(t, won)

		// Second identical transition loses: status no longer matches.
		won, err = s.TransitionRunStatus(ctx, run.ID, model.RunStatusProcessing, model.RunStatusAggregating)
		require.NoError(t, err)
		assert.False(t, won)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusAggregating, got.Status)
	})

	t.Run("CompleteRunWithResult", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 1)
		require.NoError(t, err)

		require.NoError(t, s.CompleteRun(ctx, run.ID, map[string]any{"stored_count": float64(12)}))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, got.Status)
		assert.Equal(t, float64(12), got.Result["stored_count"])
	})

	t.Run("FailRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 0)
		require.NoError(t, err)

		require.NoError(t, s.FailRun(ctx, run.ID, model.StageEnrichment, "scoring call failed"))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, got.Status)
		assert.Equal(t, model.StageEnrichment, got.FailedStage)
		assert.Equal(t, "scoring call failed", got.Error)
	})

	t.Run("ListUnfinishedMasterRuns", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		processing, err := s.CreateRun(ctx, "grants-gov", 2)
		require.NoError(t, err)
		aggregating, err := s.CreateRun(ctx, "grants-gov", 1)
		require.NoError(t, err)
		won, err := s.TransitionRunStatus(ctx, aggregating.ID, model.RunStatusProcessing, model.RunStatusAggregating)
		require.NoError(t, err)
		require.True(t, won)

		// Single-shot and terminal runs are excluded.
		_, err = s.CreateRun(ctx, "grants-gov", 0)
		require.NoError(t, err)
		done, err := s.CreateRun(ctx, "grants-gov", 1)
		require.NoError(t, err)
		require.NoError(t, s.CompleteRun(ctx, done.ID, map[string]any{}))

		runs, err := s.ListUnfinishedMasterRuns(ctx)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, processing.ID, runs[0].ID)
		assert.Equal(t, model.RunStatusProcessing, runs[0].Status)
		assert.Equal(t, aggregating.ID, runs[1].ID)
		assert.Equal(t, model.RunStatusAggregating, runs[1].Status)
	})

	t.Run("UpsertStageIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 1)
		require.NoError(t, err)

		stage := model.Stage{
			RunID: run.ID, JobID: "job-1", Name: model.StageDuplicateDetection,
			Status: model.StageStatusProcessing, InputCount: 50,
		}
		require.NoError(t, s.UpsertStage(ctx, stage))

		stage.Status = model.StageStatusCompleted
		stage.OutputCount = 30
		stage.DurationMS = 120
		require.NoError(t, s.UpsertStage(ctx, stage))

		// A stale processing write after completion must not take effect.
		stale := stage
		stale.Status = model.StageStatusProcessing
		stale.OutputCount = 0
		require.NoError(t, s.UpsertStage(ctx, stale))

		stages, err := s.ListStagesByRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, stages, 1)
		assert.Equal(t, model.StageStatusCompleted, stages[0].Status)
		assert.Equal(t, 30, stages[0].OutputCount)
		assert.Equal(t, int64(120), stages[0].DurationMS)
	})

	t.Run("UpsertStageReopensFailedOnRetry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 1)
		require.NoError(t, err)

		stage := model.Stage{
			RunID: run.ID, JobID: "job-1", Name: model.StageEnrichment,
			Status: model.StageStatusFailed, InputCount: 40,
		}
		require.NoError(t, s.UpsertStage(ctx, stage))

		stage.Status = model.StageStatusCompleted
		stage.OutputCount = 40
		require.NoError(t, s.UpsertStage(ctx, stage))

		stages, err := s.ListStagesByRun(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, stages, 1)
		assert.Equal(t, model.StageStatusCompleted, stages[0].Status)
	})

	t.Run("StagesKeyedPerJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 2)
		require.NoError(t, err)

		for _, jobID := range []string{"job-1", "job-2"} {
			require.NoError(t, s.UpsertStage(ctx, model.Stage{
				RunID: run.ID, JobID: jobID, Name: model.StageDuplicateDetection,
				Status: model.StageStatusCompleted, InputCount: 50, OutputCount: 20,
			}))
		}

		stages, err := s.ListStagesByRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Len(t, stages, 2)
	})

	t.Run("CreateAndGetJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 1)
		require.NoError(t, err)

		jobs := makeJobs(run.ID, "grants-gov", 1)
		require.NoError(t, s.CreateJobs(ctx, jobs))

		got, err := s.GetJob(ctx, jobs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, got.Status)
		assert.Equal(t, run.ID, got.MasterRunID)
		assert.Len(t, got.Records, 1)
		assert.Equal(t, "Test Opportunity", got.Records[0].Title)
		assert.Equal(t, model.DefaultMaxRetries, got.MaxRetries)
	})

	t.Run("ClaimNextPendingJobOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 3)
		require.NoError(t, err)

		jobs := makeJobs(run.ID, "grants-gov", 3)
		require.NoError(t, s.CreateJobs(ctx, jobs))

		for want := 0; want < 3; want++ {
			claimed, err := s.ClaimNextPendingJob(ctx)
			require.NoError(t, err)
			require.NotNil(t, claimed)
			assert.Equal(t, want, claimed.ChunkIndex)
			assert.Equal(t, model.JobStatusProcessing, claimed.Status)
			assert.NotNil(t, claimed.StartedAt)
		}

		// Queue drained.
		claimed, err := s.ClaimNextPendingJob(ctx)
		require.NoError(t, err)
		assert.Nil(t, claimed)
	})

	t.Run("UpdateJobStatusCompletedWithResult", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 1)
		require.NoError(t, err)
		jobs := makeJobs(run.ID, "grants-gov", 1)
		require.NoError(t, s.CreateJobs(ctx, jobs))

		result := &model.JobResult{NewCount: 3, UpdatedCount: 2, SkippedCount: 5, StoredCount: 3}
		require.NoError(t, s.UpdateJobStatus(ctx, jobs[0].ID, model.JobStatusCompleted, result, ""))

		got, err := s.GetJob(ctx, jobs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, got.Status)
		require.NotNil(t, got.Result)
		assert.Equal(t, 3, got.Result.NewCount)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("RequeueJobConditional", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 1)
		require.NoError(t, err)
		jobs := makeJobs(run.ID, "grants-gov", 1)
		require.NoError(t, s.CreateJobs(ctx, jobs))

		// Pending jobs cannot be requeued.
		applied, err := s.RequeueJob(ctx, jobs[0].ID, "retry - attempt 1/3")
		require.NoError(t, err)
		assert.False(t, applied)

		require.NoError(t, s.UpdateJobStatus(ctx, jobs[0].ID, model.JobStatusFailed, nil, "boom"))

		applied, err = s.RequeueJob(ctx, jobs[0].ID, "retry - attempt 1/3")
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := s.GetJob(ctx, jobs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "retry - attempt 1/3", got.Error)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("RequeueJobBoundedByMaxRetries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 1)
		require.NoError(t, err)
		jobs := makeJobs(run.ID, "grants-gov", 1)
		require.NoError(t, s.CreateJobs(ctx, jobs))

		for attempt := 1; attempt <= model.DefaultMaxRetries; attempt++ {
			require.NoError(t, s.UpdateJobStatus(ctx, jobs[0].ID, model.JobStatusFailed, nil, "boom"))
			applied, err := s.RequeueJob(ctx, jobs[0].ID, "retry")
			require.NoError(t, err)
			assert.True(t, applied, "attempt %d should requeue", attempt)
		}

		// Budget exhausted: the conditional write no longer applies.
		require.NoError(t, s.UpdateJobStatus(ctx, jobs[0].ID, model.JobStatusFailed, nil, "boom"))
		applied, err := s.RequeueJob(ctx, jobs[0].ID, "retry")
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := s.GetJob(ctx, jobs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		assert.Equal(t, model.DefaultMaxRetries, got.RetryCount)
	})

	t.Run("ListStuckJobs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 2)
		require.NoError(t, err)
		jobs := makeJobs(run.ID, "grants-gov", 2)
		require.NoError(t, s.CreateJobs(ctx, jobs))

		claimed, err := s.ClaimNextPendingJob(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		// Freshly claimed: not stuck yet.
		stuck, err := s.ListStuckJobs(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, stuck)

		// With a zero timeout everything processing is stuck.
		time.Sleep(10 * time.Millisecond)
		stuck, err = s.ListStuckJobs(ctx, 0)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, claimed.ID, stuck[0].ID)
	})

	t.Run("ListRetryableJobs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 2)
		require.NoError(t, err)
		jobs := makeJobs(run.ID, "grants-gov", 2)
		require.NoError(t, s.CreateJobs(ctx, jobs))

		require.NoError(t, s.UpdateJobStatus(ctx, jobs[0].ID, model.JobStatusFailed, nil, "boom"))

		retryable, err := s.ListRetryableJobs(ctx)
		require.NoError(t, err)
		require.Len(t, retryable, 1)
		assert.Equal(t, jobs[0].ID, retryable[0].ID)
	})

	t.Run("MasterRunProgress", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 3)
		require.NoError(t, err)
		jobs := makeJobs(run.ID, "grants-gov", 3)
		require.NoError(t, s.CreateJobs(ctx, jobs))

		require.NoError(t, s.UpdateJobStatus(ctx, jobs[0].ID, model.JobStatusCompleted, &model.JobResult{}, ""))
		require.NoError(t, s.UpdateJobStatus(ctx, jobs[1].ID, model.JobStatusFailed, nil, "boom"))

		progress, err := s.GetMasterRunProgress(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, progress.TotalChunks)
		assert.Equal(t, 1, progress.Completed)
		assert.Equal(t, 1, progress.Failed)
		assert.Equal(t, 1, progress.Pending)
		assert.False(t, progress.Done())

		require.NoError(t, s.UpdateJobStatus(ctx, jobs[2].ID, model.JobStatusCompleted, &model.JobResult{}, ""))
		progress, err = s.GetMasterRunProgress(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, progress.Done())
	})

	t.Run("CountJobsByStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		run, err := s.CreateRun(ctx, "grants-gov", 2)
		require.NoError(t, err)
		jobs := makeJobs(run.ID, "grants-gov", 2)
		require.NoError(t, s.CreateJobs(ctx, jobs))

		require.NoError(t, s.UpdateJobStatus(ctx, jobs[0].ID, model.JobStatusCompleted, &model.JobResult{}, ""))

		qs, err := s.CountJobsByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, qs.Pending)
		assert.Equal(t, 1, qs.Completed)
	})

	t.Run("InsertAndLookupRecords", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		minAward := 10000.0
		closeDate := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		stored, err := s.InsertScoredRecords(ctx, []model.ScoredRecord{
			{
				Record: model.Record{
					ExternalID: "OPP-001",
					Title:      "Rural Broadband Expansion",
					SourceID:   "grants-gov",
					MinAward:   &minAward,
					CloseDate:  &closeDate,
				},
				Score:   0.8,
				Summary: "broadband infrastructure grants",
			},
			{
				Record: model.Record{
					ExternalID: "OPP-002",
					Title:      "Clean Water Initiative",
					SourceID:   "grants-gov",
				},
				Score: 0.6,
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, stored)

		byID, err := s.FindByExternalIDs(ctx, "grants-gov", []string{"OPP-001", "OPP-404"})
		require.NoError(t, err)
		require.Len(t, byID, 1)
		rec := byID["OPP-001"]
		assert.Equal(t, "Rural Broadband Expansion", rec.Title)
		require.NotNil(t, rec.MinAward)
		assert.Equal(t, minAward, *rec.MinAward)

		byTitle, err := s.FindByTitles(ctx, "grants-gov", []string{"clean water initiative"})
		require.NoError(t, err)
		require.Len(t, byTitle, 1)
		assert.Equal(t, "OPP-002", byTitle["clean water initiative"].ExternalID)

		// Lookups are scoped to the source.
		other, err := s.FindByExternalIDs(ctx, "state-portal", []string{"OPP-001"})
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("InsertScoredRecordsUpsertsOnConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := model.ScoredRecord{
			Record: model.Record{ExternalID: "OPP-001", Title: "Original Title", SourceID: "grants-gov"},
			Score:  0.5,
		}
		_, err := s.InsertScoredRecords(ctx, []model.ScoredRecord{rec})
		require.NoError(t, err)

		rec.Title = "Revised Title"
		_, err = s.InsertScoredRecords(ctx, []model.ScoredRecord{rec})
		require.NoError(t, err)

		byID, err := s.FindByExternalIDs(ctx, "grants-gov", []string{"OPP-001"})
		require.NoError(t, err)
		require.Len(t, byID, 1)
		assert.Equal(t, "Revised Title", byID["OPP-001"].Title)
	})

	t.Run("UpdateRecordFields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.InsertScoredRecords(ctx, []model.ScoredRecord{
			{Record: model.Record{ExternalID: "OPP-001", Title: "Old Title", SourceID: "grants-gov"}, Score: 0.7},
		})
		require.NoError(t, err)

		byID, err := s.FindByExternalIDs(ctx, "grants-gov", []string{"OPP-001"})
		require.NoError(t, err)
		recordID := byID["OPP-001"].ID

		maxAward := 250000.0
		require.NoError(t, s.UpdateRecordFields(ctx, recordID, map[string]any{
			"title":     "New Title",
			"max_award": maxAward,
		}))

		byID, err = s.FindByExternalIDs(ctx, "grants-gov", []string{"OPP-001"})
		require.NoError(t, err)
		got := byID["OPP-001"]
		assert.Equal(t, "New Title", got.Title)
		require.NotNil(t, got.MaxAward)
		assert.Equal(t, maxAward, *got.MaxAward)
	})

	t.Run("UpdateRecordFieldsNotFound", func(t *testing.T) {
		s := newStore(t)

		err := s.UpdateRecordFields(context.Background(), "nonexistent-id", map[string]any{"title": "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("AppendStageMetrics", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.AppendStageMetrics(ctx, model.StageMetrics{
			RunID: "run-1", Stage: model.StageEnrichment,
			InputCount: 40, OutputCount: 40, DurationMS: 900,
			Usage: model.ResourceUsage{InputTokens: 1200, OutputTokens: 300},
			Extra: map[string]any{"batches": 4},
		})
		require.NoError(t, err)
	})
}
