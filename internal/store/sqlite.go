package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fundscope/ingest-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id             TEXT PRIMARY KEY,
	source_id      TEXT NOT NULL,
	external_id    TEXT NOT NULL,
	title          TEXT NOT NULL,
	min_award      REAL,
	max_award      REAL,
	total_funding  REAL,
	open_date      DATETIME,
	close_date     DATETIME,
	status         TEXT,
	description    TEXT,
	url            TEXT,
	score          REAL,
	summary        TEXT,
	api_updated_at DATETIME,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	UNIQUE (source_id, external_id)
);

CREATE INDEX IF NOT EXISTS idx_records_source_title ON records(source_id, lower(title));

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'processing',
	total_chunks INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	failed_stage TEXT,
	result       TEXT,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS stages (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	job_id      TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	input_count  INTEGER NOT NULL DEFAULT 0,
	output_count INTEGER NOT NULL DEFAULT 0,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	result      TEXT,
	started_at  DATETIME NOT NULL,
	UNIQUE (run_id, job_id, name)
);

CREATE INDEX IF NOT EXISTS idx_stages_run_id ON stages(run_id);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	master_run_id TEXT NOT NULL REFERENCES runs(id),
	source_id     TEXT NOT NULL,
	chunk_index   INTEGER NOT NULL DEFAULT 0,
	records       TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	error         TEXT,
	result        TEXT,
	created_at    DATETIME NOT NULL,
	started_at    DATETIME,
	completed_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_master_run ON jobs(master_run_id);

CREATE TABLE IF NOT EXISTS stage_metrics (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	input_count  INTEGER NOT NULL DEFAULT 0,
	output_count INTEGER NOT NULL DEFAULT 0,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	usage       TEXT,
	extra       TEXT,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stage_metrics_run ON stage_metrics(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanExistingSQLite(scan func(dest ...any) error) (model.ExistingRecord, error) {
	var r model.ExistingRecord
	var minAward, maxAward, totalFunding sql.NullFloat64
	var openDate, closeDate, apiUpdated sql.NullTime
	var status sql.NullString

	err := scan(&r.ID, &r.ExternalID, &r.Title, &minAward, &maxAward,
		&totalFunding, &openDate, &closeDate, &status, &r.SourceID,
		&apiUpdated, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if minAward.Valid {
		r.MinAward = &minAward.Float64
	}
	if maxAward.Valid {
		r.MaxAward = &maxAward.Float64
	}
	if totalFunding.Valid {
		r.TotalFunding = &totalFunding.Float64
	}
	if openDate.Valid {
		r.OpenDate = &openDate.Time
	}
	if closeDate.Valid {
		r.CloseDate = &closeDate.Time
	}
	if apiUpdated.Valid {
		r.APIUpdatedAt = &apiUpdated.Time
	}
	if status.Valid {
		r.Status = status.String
	}
	return r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *SQLiteStore) FindByExternalIDs(ctx context.Context, sourceID string, externalIDs []string) (map[string]model.ExistingRecord, error) {
	out := make(map[string]model.ExistingRecord, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(externalIDs)+1)
	args = append(args, sourceID)
	for _, id := range externalIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+existingRecordCols+` FROM records
		 WHERE source_id = ? AND external_id IN (`+placeholders(len(externalIDs))+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find by external ids")
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanExistingSQLite(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out[r.ExternalID] = r
	}
	return out, eris.Wrap(rows.Err(), "sqlite: find by external ids iterate")
}

func (s *SQLiteStore) FindByTitles(ctx context.Context, sourceID string, titles []string) (map[string]model.ExistingRecord, error) {
	out := make(map[string]model.ExistingRecord, len(titles))
	if len(titles) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(titles)+1)
	args = append(args, sourceID)
	for _, t := range titles {
		args = append(args, t)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+existingRecordCols+` FROM records
		 WHERE source_id = ? AND lower(title) IN (`+placeholders(len(titles))+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find by titles")
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanExistingSQLite(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out[strings.ToLower(r.Title)] = r
	}
	return out, eris.Wrap(rows.Err(), "sqlite: find by titles iterate")
}

func (s *SQLiteStore) InsertScoredRecords(ctx context.Context, records []model.ScoredRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert records")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stored := 0
	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO records (id, source_id, external_id, title, min_award, max_award, total_funding,
			   open_date, close_date, status, description, url, score, summary, api_updated_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (source_id, external_id) DO UPDATE SET
			   title = excluded.title, min_award = excluded.min_award, max_award = excluded.max_award,
			   total_funding = excluded.total_funding, open_date = excluded.open_date,
			   close_date = excluded.close_date, status = excluded.status,
			   description = excluded.description, url = excluded.url, score = excluded.score,
			   summary = excluded.summary, api_updated_at = excluded.api_updated_at,
			   updated_at = excluded.updated_at`,
			uuid.New().String(), r.SourceID, r.ExternalID, r.Title,
			nullFloat(r.MinAward), nullFloat(r.MaxAward), nullFloat(r.TotalFunding),
			nullTime(r.OpenDate), nullTime(r.CloseDate), r.Status, r.Description,
			r.URL, r.Score, r.Summary, nullTime(r.APIUpdatedAt), now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert record %s", r.ExternalID)
		}
		stored++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert records")
	}
	return stored, nil
}

func (s *SQLiteStore) UpdateRecordFields(ctx context.Context, recordID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	cols := make([]string, 0, len(fields))
	for c := range fields {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	setClauses := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for _, c := range cols {
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", c))
		val := fields[c]
		if t, ok := val.(*time.Time); ok {
			val = nullTime(t)
		}
		args = append(args, val)
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, time.Now().UTC(), recordID)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE records SET %s WHERE id = ?`, strings.Join(setClauses, ", ")),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", recordID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("record not found: %s", recordID)
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, sourceID string, totalChunks int) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, source_id, status, total_chunks, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sourceID, string(model.RunStatusProcessing), totalChunks, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var errMsg, failedStage, resultJSON sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, status, total_chunks, error, failed_stage, result, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	).Scan(&r.ID, &r.SourceID, &r.Status, &r.TotalChunks, &errMsg, &failedStage, &resultJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}

	r.Error = errMsg.String
	r.FailedStage = failedStage.String
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run result")
		}
	}
	return &r, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *SQLiteStore) TransitionRunStatus(ctx context.Context, runID string, from, to model.RunStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), runID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition run %s %s->%s", runID, from, to)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		string(model.RunStatusCompleted), string(resultJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, failedStage, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failed_stage = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(model.RunStatusFailed), failedStage, message, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *SQLiteStore) ListUnfinishedMasterRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, status, total_chunks, error, failed_stage, result, created_at, updated_at
		 FROM runs WHERE total_chunks > 0 AND status IN ('processing', 'aggregating')
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unfinished master runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var errMsg, failedStage, resultJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.SourceID, &r.Status, &r.TotalChunks,
			&errMsg, &failedStage, &resultJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Error = errMsg.String
		r.FailedStage = failedStage.String
		if resultJSON.Valid && resultJSON.String != "" {
			if err := json.Unmarshal([]byte(resultJSON.String), &r.Result); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal run result")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate unfinished master runs")
}

func (s *SQLiteStore) UpsertStage(ctx context.Context, stage model.Stage) error {
	resultJSON, err := json.Marshal(stage.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal stage result")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stages (id, run_id, job_id, name, status, input_count, output_count, duration_ms, result, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, job_id, name) DO UPDATE SET
		   status = excluded.status, input_count = excluded.input_count,
		   output_count = excluded.output_count, duration_ms = excluded.duration_ms,
		   result = excluded.result
		 WHERE stages.status NOT IN ('completed', 'skipped')`,
		uuid.New().String(), stage.RunID, stage.JobID, stage.Name, string(stage.Status),
		stage.InputCount, stage.OutputCount, stage.DurationMS, string(resultJSON), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert stage %s for run %s", stage.Name, stage.RunID)
}

func (s *SQLiteStore) ListStagesByRun(ctx context.Context, runID string) ([]model.Stage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, job_id, name, status, input_count, output_count, duration_ms, result, started_at
		 FROM stages WHERE run_id = ? ORDER BY started_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stages")
	}
	defer rows.Close()

	var stages []model.Stage
	for rows.Next() {
		var st model.Stage
		var resultJSON sql.NullString
		if err := rows.Scan(&st.ID, &st.RunID, &st.JobID, &st.Name, &st.Status,
			&st.InputCount, &st.OutputCount, &st.DurationMS, &resultJSON, &st.StartedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage")
		}
		if resultJSON.Valid && resultJSON.String != "" && resultJSON.String != "null" {
			if err := json.Unmarshal([]byte(resultJSON.String), &st.Result); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stage result")
			}
		}
		stages = append(stages, st)
	}
	return stages, eris.Wrap(rows.Err(), "sqlite: list stages iterate")
}

func (s *SQLiteStore) CreateJobs(ctx context.Context, jobs []model.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create jobs")
	}
	defer tx.Rollback()

	for _, j := range jobs {
		recordsJSON, err := json.Marshal(j.Records)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal job records")
		}
		maxRetries := j.MaxRetries
		if maxRetries == 0 {
			maxRetries = model.DefaultMaxRetries
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, master_run_id, source_id, chunk_index, records, status, retry_count, max_retries, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.MasterRunID, j.SourceID, j.ChunkIndex, string(recordsJSON),
			string(model.JobStatusPending), j.RetryCount, maxRetries, time.Now().UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert job chunk %d", j.ChunkIndex)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create jobs")
}

func scanJobSQLite(scan func(dest ...any) error) (*model.Job, error) {
	var j model.Job
	var recordsJSON string
	var errMsg, resultJSON sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := scan(&j.ID, &j.MasterRunID, &j.SourceID, &j.ChunkIndex, &recordsJSON,
		&j.Status, &j.RetryCount, &j.MaxRetries, &errMsg, &resultJSON,
		&j.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.Error = errMsg.String
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	if recordsJSON != "" {
		if err := json.Unmarshal([]byte(recordsJSON), &j.Records); err != nil {
			return nil, eris.Wrap(err, "unmarshal job records")
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), j.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal job result")
		}
	}
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJobSQLite(row.Scan)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return j, nil
}

func (s *SQLiteStore) ClaimNextPendingJob(ctx context.Context) (*model.Job, error) {
	// Single conditional UPDATE ... RETURNING; SQLite's write lock serializes
	// concurrent claimers so the subselect and update are atomic.
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'processing', started_at = ?
		 WHERE id = (
		   SELECT id FROM jobs WHERE status = 'pending'
		   ORDER BY created_at, chunk_index
		   LIMIT 1
		 ) AND status = 'pending'
		 RETURNING `+jobCols,
		time.Now().UTC(),
	)
	j, err := scanJobSQLite(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: claim next pending job")
	}
	return j, nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, jobID string, status model.JobStatus, result *model.JobResult, errMsg string) error {
	var resultJSON any
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal job result")
		}
		resultJSON = string(b)
	}

	var completedAt any
	if status == model.JobStatusCompleted || status == model.JobStatusFailed {
		completedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = COALESCE(?, result), error = NULLIF(?, ''), completed_at = COALESCE(?, completed_at) WHERE id = ?`,
		string(status), resultJSON, errMsg, completedAt, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job status %s", jobID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *SQLiteStore) ListStuckJobs(ctx context.Context, olderThan time.Duration) ([]model.Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status = 'processing' AND started_at < ? ORDER BY started_at`,
		cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stuck jobs")
	}
	defer rows.Close()
	return collectJobsSQLite(rows)
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, jobID string, annotation string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
		   error = ?, started_at = NULL, completed_at = NULL
		 WHERE id = ? AND status = 'failed' AND retry_count < max_retries`,
		annotation, jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: requeue job %s", jobID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListRetryableJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status = 'failed' AND retry_count < max_retries ORDER BY created_at`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list retryable jobs")
	}
	defer rows.Close()
	return collectJobsSQLite(rows)
}

func (s *SQLiteStore) ListJobsByMasterRun(ctx context.Context, masterRunID string) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE master_run_id = ? ORDER BY chunk_index`,
		masterRunID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs by master run")
	}
	defer rows.Close()
	return collectJobsSQLite(rows)
}

func collectJobsSQLite(rows *sql.Rows) ([]model.Job, error) {
	var jobs []model.Job
	for rows.Next() {
		j, err := scanJobSQLite(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

func (s *SQLiteStore) GetMasterRunProgress(ctx context.Context, masterRunID string) (model.MasterRunProgress, error) {
	progress := model.MasterRunProgress{MasterRunID: masterRunID}

	err := s.db.QueryRowContext(ctx,
		`SELECT total_chunks FROM runs WHERE id = ?`, masterRunID,
	).Scan(&progress.TotalChunks)
	if err != nil {
		return progress, eris.Wrapf(err, "sqlite: master run %s", masterRunID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE master_run_id = ? GROUP BY status`,
		masterRunID,
	)
	if err != nil {
		return progress, eris.Wrap(err, "sqlite: master run progress")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return progress, eris.Wrap(err, "sqlite: scan progress")
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
	return progress, eris.Wrap(rows.Err(), "sqlite: iterate progress")
}

func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (model.QueueStatus, error) {
	var qs model.QueueStatus
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return qs, eris.Wrap(err, "sqlite: count jobs by status")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return qs, eris.Wrap(err, "sqlite: scan job count")
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
	return qs, eris.Wrap(rows.Err(), "sqlite: iterate job counts")
}

func (s *SQLiteStore) AppendStageMetrics(ctx context.Context, m model.StageMetrics) error {
	usageJSON, err := json.Marshal(m.Usage)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal usage")
	}
	var extraJSON any
	if m.Extra != nil {
		b, err := json.Marshal(m.Extra)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal extra")
		}
		extraJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_metrics (id, run_id, stage, input_count, output_count, duration_ms, usage, extra, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), m.RunID, m.Stage, m.InputCount, m.OutputCount,
		m.DurationMS, string(usageJSON), extraJSON, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: append stage metrics")
}
