package pipeline

import (
	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/model"
)

// FilterByScore keeps scored records at or above the threshold. Pure function;
// ordering is preserved.
func FilterByScore(records []model.ScoredRecord, threshold float64) (kept, dropped []model.ScoredRecord) {
	for _, rec := range records {
		if rec.Score >= threshold {
			kept = append(kept, rec)
		} else {
			dropped = append(dropped, rec)
		}
	}
	if len(dropped) > 0 {
		zap.L().Debug("filter: dropped below threshold",
			zap.Float64("threshold", threshold),
			zap.Int("kept", len(kept)),
			zap.Int("dropped", len(dropped)),
		)
	}
	return kept, dropped
}
