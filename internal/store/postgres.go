package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/fundscope/ingest-cli/internal/db"
	"github.com/fundscope/ingest-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems needing direct
// query access (e.g., migrations tooling).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source_id      TEXT NOT NULL,
	external_id    TEXT NOT NULL,
	title          TEXT NOT NULL,
	min_award      DOUBLE PRECISION,
	max_award      DOUBLE PRECISION,
	total_funding  DOUBLE PRECISION,
	open_date      TIMESTAMPTZ,
	close_date     TIMESTAMPTZ,
	status         TEXT,
	description    TEXT,
	url            TEXT,
	score          DOUBLE PRECISION,
	summary        TEXT,
	api_updated_at TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_records_source_title ON records(source_id, lower(title));

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	source_id    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'processing',
	total_chunks INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	failed_stage TEXT,
	result       JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS stages (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	job_id      TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	input_count  INTEGER NOT NULL DEFAULT 0,
	output_count INTEGER NOT NULL DEFAULT 0,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	result      JSONB,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, job_id, name)
);

CREATE INDEX IF NOT EXISTS idx_stages_run_id ON stages(run_id);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	master_run_id TEXT NOT NULL REFERENCES runs(id),
	source_id     TEXT NOT NULL,
	chunk_index   INTEGER NOT NULL DEFAULT 0,
	records       JSONB NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	error         TEXT,
	result        JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_master_run ON jobs(master_run_id);

CREATE TABLE IF NOT EXISTS stage_metrics (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	input_count  INTEGER NOT NULL DEFAULT 0,
	output_count INTEGER NOT NULL DEFAULT 0,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	usage       JSONB,
	extra       JSONB,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_stage_metrics_run ON stage_metrics(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const existingRecordCols = `id, external_id, title, min_award, max_award, total_funding, open_date, close_date, status, source_id, api_updated_at, updated_at`

func scanExistingRecord(row pgx.Rows) (model.ExistingRecord, error) {
	var r model.ExistingRecord
	err := row.Scan(&r.ID, &r.ExternalID, &r.Title, &r.MinAward, &r.MaxAward,
		&r.TotalFunding, &r.OpenDate, &r.CloseDate, &r.Status, &r.SourceID,
		&r.APIUpdatedAt, &r.UpdatedAt)
	return r, err
}

func (s *PostgresStore) FindByExternalIDs(ctx context.Context, sourceID string, externalIDs []string) (map[string]model.ExistingRecord, error) {
	out := make(map[string]model.ExistingRecord, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+existingRecordCols+` FROM records
		 WHERE source_id = $1 AND external_id = ANY($2)`,
		sourceID, externalIDs,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find by external ids")
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanExistingRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out[r.ExternalID] = r
	}
	return out, eris.Wrap(rows.Err(), "postgres: find by external ids iterate")
}

func (s *PostgresStore) FindByTitles(ctx context.Context, sourceID string, titles []string) (map[string]model.ExistingRecord, error) {
	out := make(map[string]model.ExistingRecord, len(titles))
	if len(titles) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+existingRecordCols+` FROM records
		 WHERE source_id = $1 AND lower(title) = ANY($2)`,
		sourceID, titles,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find by titles")
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanExistingRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out[strings.ToLower(r.Title)] = r
	}
	return out, eris.Wrap(rows.Err(), "postgres: find by titles iterate")
}

var recordColumns = []string{
	"id", "source_id", "external_id", "title", "min_award", "max_award",
	"total_funding", "open_date", "close_date", "status", "description", "url",
	"score", "summary", "api_updated_at", "created_at", "updated_at",
}

func (s *PostgresStore) InsertScoredRecords(ctx context.Context, records []model.ScoredRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{
			uuid.New().String(), r.SourceID, r.ExternalID, r.Title,
			r.MinAward, r.MaxAward, r.TotalFunding, r.OpenDate, r.CloseDate,
			r.Status, r.Description, r.URL, r.Score, r.Summary,
			r.APIUpdatedAt, now, now,
		}
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "records",
		Columns:      recordColumns,
		ConflictKeys: []string{"source_id", "external_id"},
		UpdateCols: []string{
			"title", "min_award", "max_award", "total_funding", "open_date",
			"close_date", "status", "description", "url", "score", "summary",
			"api_updated_at", "updated_at",
		},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert scored records")
	}
	return int(n), nil
}

func (s *PostgresStore) UpdateRecordFields(ctx context.Context, recordID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	// Deterministic column order keeps the statement stable for a given set.
	cols := make([]string, 0, len(fields))
	for c := range fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	setClauses := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	argIdx := 1
	for _, c := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", c, argIdx))
		args = append(args, fields[c])
		argIdx++
	}
	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", argIdx))
	args = append(args, time.Now().UTC())
	argIdx++
	args = append(args, recordID)

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE records SET %s WHERE id = $%d`, strings.Join(setClauses, ", "), argIdx),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", recordID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("record not found: %s", recordID)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, sourceID string, totalChunks int) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, source_id, status, total_chunks, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, sourceID, string(model.RunStatusProcessing), totalChunks, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:          id,
		SourceID:    sourceID,
		Status:      model.RunStatusProcessing,
		TotalChunks: totalChunks,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var errMsg, failedStage *string
	var resultJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, source_id, status, total_chunks, error, failed_stage, result, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.SourceID, &r.Status, &r.TotalChunks, &errMsg, &failedStage, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if errMsg != nil {
		r.Error = *errMsg
	}
	if failedStage != nil {
		r.FailedStage = *failedStage
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run result")
		}
	}
	return &r, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) TransitionRunStatus(ctx context.Context, runID string, from, to model.RunStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), runID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition run %s %s->%s", runID, from, to)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, result = $2, updated_at = $3 WHERE id = $4`,
		string(model.RunStatusCompleted), resultJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, failedStage, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, failed_stage = $2, error = $3, updated_at = $4 WHERE id = $5`,
		string(model.RunStatusFailed), failedStage, message, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListUnfinishedMasterRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, status, total_chunks, error, failed_stage, result, created_at, updated_at
		 FROM runs WHERE total_chunks > 0 AND status IN ('processing', 'aggregating')
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unfinished master runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var errMsg, failedStage *string
		var resultJSON []byte
		if err := rows.Scan(&r.ID, &r.SourceID, &r.Status, &r.TotalChunks,
			&errMsg, &failedStage, &resultJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		if failedStage != nil {
			r.FailedStage = *failedStage
		}
		if resultJSON != nil {
			if err := json.Unmarshal(resultJSON, &r.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal run result")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate unfinished master runs")
}

func (s *PostgresStore) UpsertStage(ctx context.Context, stage model.Stage) error {
	resultJSON, err := json.Marshal(stage.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal stage result")
	}

	// Terminal stage rows are never overwritten; re-applying the same status
	// is therefore a no-op, which keeps retries idempotent.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO stages (id, run_id, job_id, name, status, input_count, output_count, duration_ms, result, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id, job_id, name) DO UPDATE SET
		   status = EXCLUDED.status, input_count = EXCLUDED.input_count,
		   output_count = EXCLUDED.output_count, duration_ms = EXCLUDED.duration_ms,
		   result = EXCLUDED.result
		 WHERE stages.status NOT IN ('completed', 'skipped')`,
		uuid.New().String(), stage.RunID, stage.JobID, stage.Name, string(stage.Status),
		stage.InputCount, stage.OutputCount, stage.DurationMS, resultJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert stage %s for run %s", stage.Name, stage.RunID)
}

func (s *PostgresStore) ListStagesByRun(ctx context.Context, runID string) ([]model.Stage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, job_id, name, status, input_count, output_count, duration_ms, result, started_at
		 FROM stages WHERE run_id = $1 ORDER BY started_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stages")
	}
	defer rows.Close()

	var stages []model.Stage
	for rows.Next() {
		var st model.Stage
		var resultJSON []byte
		if err := rows.Scan(&st.ID, &st.RunID, &st.JobID, &st.Name, &st.Status,
			&st.InputCount, &st.OutputCount, &st.DurationMS, &resultJSON, &st.StartedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage")
		}
		if resultJSON != nil {
			if err := json.Unmarshal(resultJSON, &st.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stage result")
			}
		}
		stages = append(stages, st)
	}
	return stages, eris.Wrap(rows.Err(), "postgres: list stages iterate")
}

func (s *PostgresStore) CreateJobs(ctx context.Context, jobs []model.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create jobs")
	}
	defer tx.Rollback(ctx)

	for _, j := range jobs {
		recordsJSON, err := json.Marshal(j.Records)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal job records")
		}
		maxRetries := j.MaxRetries
		if maxRetries == 0 {
			maxRetries = model.DefaultMaxRetries
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, master_run_id, source_id, chunk_index, records, status, retry_count, max_retries, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			j.ID, j.MasterRunID, j.SourceID, j.ChunkIndex, recordsJSON,
			string(model.JobStatusPending), j.RetryCount, maxRetries, time.Now().UTC(),
		); err != nil {
			return eris.Wrapf(err, "postgres: insert job chunk %d", j.ChunkIndex)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create jobs")
}

const jobCols = `id, master_run_id, source_id, chunk_index, records, status, retry_count, max_retries, error, result, created_at, started_at, completed_at`

func scanJob(scan func(dest ...any) error) (*model.Job, error) {
	var j model.Job
	var recordsJSON, resultJSON []byte
	var errMsg *string
	if err := scan(&j.ID, &j.MasterRunID, &j.SourceID, &j.ChunkIndex, &recordsJSON,
		&j.Status, &j.RetryCount, &j.MaxRetries, &errMsg, &resultJSON,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	if recordsJSON != nil {
		if err := json.Unmarshal(recordsJSON, &j.Records); err != nil {
			return nil, eris.Wrap(err, "unmarshal job records")
		}
	}
	if resultJSON != nil {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal(resultJSON, j.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal job result")
		}
	}
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, jobID)
	j, err := scanJob(row.Scan)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return j, nil
}

func (s *PostgresStore) ClaimNextPendingJob(ctx context.Context) (*model.Job, error) {
	// Single conditional write: concurrent pollers cannot claim the same job
	// because the inner SELECT locks the row and the UPDATE re-checks status.
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', started_at = $1
		 WHERE id = (
		   SELECT id FROM jobs WHERE status = 'pending'
		   ORDER BY created_at, chunk_index
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobCols,
		time.Now().UTC(),
	)
	j, err := scanJob(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: claim next pending job")
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, result *model.JobResult, errMsg string) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal job result")
		}
	}

	var completedAt *time.Time
	if status == model.JobStatusCompleted || status == model.JobStatusFailed {
		now := time.Now().UTC()
		completedAt = &now
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, result = COALESCE($2, result), error = NULLIF($3, ''), completed_at = COALESCE($4, completed_at) WHERE id = $5`,
		string(status), resultJSON, errMsg, completedAt, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) ListStuckJobs(ctx context.Context, olderThan time.Duration) ([]model.Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status = 'processing' AND started_at < $1 ORDER BY started_at`,
		cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stuck jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) RequeueJob(ctx context.Context, jobID string, annotation string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
		   error = $1, started_at = NULL, completed_at = NULL
		 WHERE id = $2 AND status = 'failed' AND retry_count < max_retries`,
		annotation, jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: requeue job %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListRetryableJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status = 'failed' AND retry_count < max_retries ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list retryable jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobsByMasterRun(ctx context.Context, masterRunID string) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE master_run_id = $1 ORDER BY chunk_index`,
		masterRunID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs by master run")
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]model.Job, error) {
	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

func (s *PostgresStore) GetMasterRunProgress(ctx context.Context, masterRunID string) (model.MasterRunProgress, error) {
	progress := model.MasterRunProgress{MasterRunID: masterRunID}

	err := s.pool.QueryRow(ctx,
		`SELECT total_chunks FROM runs WHERE id = $1`, masterRunID,
	).Scan(&progress.TotalChunks)
	if err != nil {
		return progress, eris.Wrapf(err, "postgres: master run %s", masterRunID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE master_run_id = $1 GROUP BY status`,
		masterRunID,
	)
	if err != nil {
		return progress, eris.Wrap(err, "postgres: master run progress")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return progress, eris.Wrap(err, "postgres: scan progress")
		}
		switch model.JobStatus(status) {
		case model.JobStatusPending:
			progress.Pending = count
		case model.JobStatusProcessing:
			progress.Processing = count
		case model.JobStatusCompleted:
			progress.Completed = count
		case model.JobStatusFailed:
			progress.Failed = count
		}
	}
	return progress, eris.Wrap(rows.Err(), "postgres: iterate progress")
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (model.QueueStatus, error) {
	var qs model.QueueStatus
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return qs, eris.Wrap(err, "postgres: count jobs by status")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return qs, eris.Wrap(err, "postgres: scan job count")
		}
		switch model.JobStatus(status) {
		case model.JobStatusPending:
			qs.Pending = count
		case model.JobStatusProcessing:
			qs.Processing = count
		case model.JobStatusCompleted:
			qs.Completed = count
		case model.JobStatusFailed:
			qs.Failed = count
		}
	}
	return qs, eris.Wrap(rows.Err(), "postgres: iterate job counts")
}

func (s *PostgresStore) AppendStageMetrics(ctx context.Context, m model.StageMetrics) error {
	usageJSON, err := json.Marshal(m.Usage)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal usage")
	}
	var extraJSON []byte
	if m.Extra != nil {
		extraJSON, err = json.Marshal(m.Extra)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal extra")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO stage_metrics (id, run_id, stage, input_count, output_count, duration_ms, usage, extra, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New().String(), m.RunID, m.Stage, m.InputCount, m.OutputCount,
		m.DurationMS, usageJSON, extraJSON, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: append stage metrics")
}
