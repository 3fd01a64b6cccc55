package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/internal/store"
)

// MetricsRecorder appends stage metrics rows. Recording is strictly
// best-effort: a metrics write failure is logged and swallowed, never
// propagated into pipeline control flow.
type MetricsRecorder struct {
	store store.Store
}

// NewMetricsRecorder creates a MetricsRecorder backed by the given store.
func NewMetricsRecorder(st store.Store) *MetricsRecorder {
	return &MetricsRecorder{store: st}
}

// Record appends one stage metrics row.
func (r *MetricsRecorder) Record(ctx context.Context, m model.StageMetrics) {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.AppendStageMetrics(ctx, m); err != nil {
		zap.L().Warn("metrics: append failed",
			zap.String("run_id", m.RunID),
			zap.String("stage", m.Stage),
			zap.Error(err),
		)
	}
}
