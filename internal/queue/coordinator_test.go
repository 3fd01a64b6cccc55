package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundscope/ingest-cli/internal/config"
	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestCoordinator(s store.Store) *Coordinator {
	return NewCoordinator(s, config.QueueConfig{ChunkSize: 50, MaxRetries: 3, StuckTimeoutMinutes: 5})
}

func makeRecords(n int) []model.Record {
	records := make([]model.Record, n)
	for i := range records {
		records[i] = model.Record{
			ExternalID: fmt.Sprintf("OPP-%04d", i),
			Title:      fmt.Sprintf("Opportunity Number %d", i),
			SourceID:   "grants-gov",
		}
	}
	return records
}

func TestCreateMasterRunChunking(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(s)
	ctx := context.Background()

	run, err := c.CreateMasterRun(ctx, "grants-gov", makeRecords(120))
	require.NoError(t, err)
	assert.Equal(t, 3, run.TotalChunks)
	assert.True(t, run.IsMaster())

	jobs, err := s.ListJobsByMasterRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Len(t, jobs[0].Records, 50)
	assert.Len(t, jobs[1].Records, 50)
	assert.Len(t, jobs[2].Records, 20)
	for i, job := range jobs {
		assert.Equal(t, i, job.ChunkIndex)
		assert.Equal(t, model.JobStatusPending, job.Status)
		assert.Equal(t, 3, job.MaxRetries)
	}
}

func TestCreateMasterRunExactMultiple(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(s)

	run, err := c.CreateMasterRun(context.Background(), "grants-gov", makeRecords(100))
	require.NoError(t, err)
	assert.Equal(t, 2, run.TotalChunks)
}

func TestCreateMasterRunEmpty(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(s)

	_, err := c.CreateMasterRun(context.Background(), "grants-gov", nil)
	require.Error(t, err)
}

func TestClaimCompleteFail(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(s)
	ctx := context.Background()

	run, err := c.CreateMasterRun(ctx, "grants-gov", makeRecords(80))
	require.NoError(t, err)

	job1, err := c.GetNextPendingJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job1)
	assert.Equal(t, 0, job1.ChunkIndex)

	job2, err := c.GetNextPendingJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job2)
	assert.Equal(t, 1, job2.ChunkIndex)

	require.NoError(t, c.CompleteJob(ctx, job1.ID, &model.JobResult{NewCount: 50, StoredCount: 50}))
	require.NoError(t, c.FailJob(ctx, job2.ID, assert.AnError))

	progress, err := s.GetMasterRunProgress(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Completed)
	assert.Equal(t, 1, progress.Failed)

	// Nothing left to claim.
	job3, err := c.GetNextPendingJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job3)
}

func TestRecoverStuckJobs(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(s)
	// Zero window so a freshly claimed job counts as stuck.
	c.cfg.StuckTimeoutMinutes = 0
	ctx := context.Background()

	_, err := c.CreateMasterRun(ctx, "grants-gov", makeRecords(10))
	require.NoError(t, err)

	job, err := c.GetNextPendingJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	time.Sleep(10 * time.Millisecond)

	recovered, err := c.RecoverStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "timeout recovery - attempt 1/3", got.Error)
}

func TestRecoverStuckJobExhaustedFailsPermanently(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(s)
	c.cfg.StuckTimeoutMinutes = 0
	ctx := context.Background()

	_, err := c.CreateMasterRun(ctx, "grants-gov", makeRecords(10))
	require.NoError(t, err)

	// Burn the whole retry budget through claim/recover cycles.
	var jobID string
	for attempt := 0; attempt < 3; attempt++ {
		job, err := c.GetNextPendingJob(ctx)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		jobID = job.ID
		time.Sleep(5 * time.Millisecond)

		recovered, err := c.RecoverStuckJobs(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, recovered)
	}

	// Fourth claim, fourth timeout: budget exhausted, permanent failure.
	job, err := c.GetNextPendingJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	time.Sleep(5 * time.Millisecond)

	recovered, err := c.RecoverStuckJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	got, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}

func TestRetryFailedJobs(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(s)
	ctx := context.Background()

	_, err := c.CreateMasterRun(ctx, "grants-gov", makeRecords(10))
	require.NoError(t, err)

	job, err := c.GetNextPendingJob(ctx)
	require.NoError(t, err)
	require.NoError(t, c.FailJob(ctx, job.ID, assert.AnError))

	retried, err := c.RetryFailedJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, "retry - attempt 1/3", got.Error)
}

func TestStatus(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(s)
	ctx := context.Background()

	_, err := c.CreateMasterRun(ctx, "grants-gov", makeRecords(120))
	require.NoError(t, err)

	job, err := c.GetNextPendingJob(ctx)
	require.NoError(t, err)
	require.NoError(t, c.CompleteJob(ctx, job.ID, &model.JobResult{}))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Pending)
	assert.Equal(t, 1, status.Completed)
}
