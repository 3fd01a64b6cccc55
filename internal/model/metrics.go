package model

// ResourceUsage tracks token consumption and estimated spend for LLM calls.
type ResourceUsage struct {
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
}

// Add accumulates usage from another ResourceUsage.
func (u *ResourceUsage) Add(other ResourceUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.EstimatedCost += other.EstimatedCost
}

// ClassificationMetrics summarizes one classifier invocation.
type ClassificationMetrics struct {
	Total        int   `json:"total"`
	NewCount     int   `json:"new_count"`
	UpdateCount  int   `json:"update_count"`
	SkipCount    int   `json:"skip_count"`
	Unmatchable  int   `json:"unmatchable"`
	LookupErrors int   `json:"lookup_errors"`
	DurationMS   int64 `json:"duration_ms"`
}

// StageMetrics is the append-only metrics row recorded per stage execution.
type StageMetrics struct {
	RunID       string         `json:"run_id"`
	Stage       string         `json:"stage"`
	InputCount  int            `json:"input_count"`
	OutputCount int            `json:"output_count"`
	DurationMS  int64          `json:"duration_ms"`
	Usage       ResourceUsage  `json:"usage"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// StageAggregate folds all executions of one stage across a master run.
type StageAggregate struct {
	Stage       string        `json:"stage"`
	Executions  int           `json:"executions"`
	InputCount  int           `json:"input_count"`
	OutputCount int           `json:"output_count"`
	DurationMS  int64         `json:"duration_ms"`
	Usage       ResourceUsage `json:"usage"`
}

// AggregateReport is the payload attached to a completed master run.
type AggregateReport struct {
	Stages map[string]*StageAggregate `json:"stages"`

	TotalExtracted     int     `json:"total_extracted"`
	NewCount           int     `json:"new_count"`
	UpdatedCount       int     `json:"updated_count"`
	SkippedCount       int     `json:"skipped_count"`
	StoredCount        int     `json:"stored_count"`
	BypassedEnrichment int     `json:"bypassed_enrichment"`
	ResourceSavingsPct float64 `json:"resource_savings_pct"`

	CompletedJobs int           `json:"completed_jobs"`
	FailedJobs    int           `json:"failed_jobs"`
	SuccessRate   float64       `json:"success_rate"`
	Usage         ResourceUsage `json:"usage"`
}
