package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/dedup"
	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/internal/store"
)

// ApplyDirectUpdates writes the changed critical fields of each matched pair
// straight to the store, bypassing enrichment. Each update stands alone: a
// failed record is logged and skipped so one bad row cannot block the rest of
// the chunk.
func ApplyDirectUpdates(ctx context.Context, writer store.RecordWriter, updates []model.MatchedPair) (int, int) {
	applied := 0
	failed := 0
	now := time.Now().UTC()

	for _, pair := range updates {
		fields := make(map[string]any)
		for _, change := range dedup.CriticalFieldChanges(pair.Incoming, pair.Existing) {
			fields[change.Column] = change.Value
		}
		if len(fields) == 0 {
			continue
		}
		if pair.Incoming.APIUpdatedAt != nil {
			fields["api_updated_at"] = *pair.Incoming.APIUpdatedAt
		}
		fields["updated_at"] = now

		if err := writer.UpdateRecordFields(ctx, pair.Existing.ID, fields); err != nil {
			zap.L().Warn("direct-update: record update failed",
				zap.String("record_id", pair.Existing.ID),
				zap.String("external_id", pair.Incoming.ExternalID),
				zap.Error(err),
			)
			failed++
			continue
		}
		applied++
	}
	return applied, failed
}
