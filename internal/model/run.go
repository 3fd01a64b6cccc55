package model

import (
	"time"
)

// RunStatus represents the current state of an ingestion run.
type RunStatus string

const (
	RunStatusProcessing  RunStatus = "processing"
	RunStatusAggregating RunStatus = "aggregating"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
)

// StageStatus represents the current state of a pipeline stage.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusProcessing StageStatus = "processing"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
	StageStatusSkipped    StageStatus = "skipped"
)

// Terminal reports whether no further transitions are allowed from s.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusSkipped:
		return true
	}
	return false
}

// Stage names, in fixed pipeline order.
const (
	StageSourceAnalysis     = "source-analysis"
	StageExtraction         = "extraction"
	StageDuplicateDetection = "duplicate-detection"
	StageEnrichment         = "enrichment"
	StageFilter             = "filter"
	StageStorage            = "storage"
	StageDirectUpdate       = "direct-update"
)

// StageOrder is the canonical execution order of pipeline stages.
var StageOrder = []string{
	StageSourceAnalysis,
	StageExtraction,
	StageDuplicateDetection,
	StageEnrichment,
	StageFilter,
	StageStorage,
	StageDirectUpdate,
}

// Run represents one ingestion run. A run with TotalChunks > 0 is a master
// run composed of that many child jobs; otherwise it is single-shot.
type Run struct {
	ID          string         `json:"id"`
	SourceID    string         `json:"source_id"`
	Status      RunStatus      `json:"status"`
	TotalChunks int            `json:"total_chunks"`
	Error       string         `json:"error,omitempty"`
	FailedStage string         `json:"failed_stage,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsMaster reports whether the run is a chunked master run.
func (r *Run) IsMaster() bool { return r.TotalChunks > 0 }

// Stage represents one named phase of a run's pipeline. For chunked runs the
// stage row carries both the master run id and the owning job id; single-shot
// runs leave JobID empty.
type Stage struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	JobID       string         `json:"job_id,omitempty"`
	Name        string         `json:"name"`
	Status      StageStatus    `json:"status"`
	InputCount  int            `json:"input_count"`
	OutputCount int            `json:"output_count"`
	DurationMS  int64          `json:"duration_ms"`
	Result      map[string]any `json:"result,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
}

// JobStatus represents the current state of a work chunk.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// DefaultMaxRetries bounds how many times a failed or stuck job is requeued.
const DefaultMaxRetries = 3

// Job is one chunk of extracted records belonging to a master run.
type Job struct {
	ID          string     `json:"id"`
	MasterRunID string     `json:"master_run_id"`
	SourceID    string     `json:"source_id"`
	ChunkIndex  int        `json:"chunk_index"`
	Records     []Record   `json:"records"`
	Status      JobStatus  `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	Error       string     `json:"error,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobResult holds chunk-level outcome counters persisted on completion.
type JobResult struct {
	ProcessingMS int64         `json:"processing_ms"`
	NewCount     int           `json:"new_count"`
	UpdatedCount int           `json:"updated_count"`
	SkippedCount int           `json:"skipped_count"`
	StoredCount  int           `json:"stored_count"`
	Usage        ResourceUsage `json:"usage"`
}

// QueueStatus summarizes the job queue for status endpoints.
type QueueStatus struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// MasterRunProgress counts child jobs of a master run by status.
type MasterRunProgress struct {
	MasterRunID string `json:"master_run_id"`
	TotalChunks int    `json:"total_chunks"`
	Pending     int    `json:"pending"`
	Processing  int    `json:"processing"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
}

// Done reports whether every chunk reached a terminal state.
func (p MasterRunProgress) Done() bool {
	return p.Completed+p.Failed >= p.TotalChunks
}
