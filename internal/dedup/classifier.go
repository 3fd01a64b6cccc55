// Package dedup implements batched duplicate classification: each incoming
// record is routed to exactly one of NEW, UPDATE, or SKIP using two batched
// existence lookups, a freshness decision, and a critical-field diff.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fundscope/ingest-cli/internal/config"
	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/internal/store"
)

// Result partitions one input batch. Every input record appears in exactly
// one of New, Updates, or Skips.
type Result struct {
	New     []model.Record
	Updates []model.MatchedPair
	Skips   []model.MatchedPair
	Metrics model.ClassificationMetrics
}

// Classifier decides NEW / UPDATE / SKIP for batches of incoming records.
type Classifier struct {
	lookup store.RecordLookup
	cfg    config.DedupConfig
}

// NewClassifier creates a Classifier over the given record lookup.
func NewClassifier(lookup store.RecordLookup, cfg config.DedupConfig) *Classifier {
	if cfg.StalenessDays <= 0 {
		cfg.StalenessDays = 90
	}
	if cfg.MinTitleLength <= 0 {
		cfg.MinTitleLength = 3
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.5
	}
	return &Classifier{lookup: lookup, cfg: cfg}
}

// Classify partitions records into NEW / UPDATE / SKIP against the store.
// Lookup failures never abort classification: affected records are treated
// as unmatched and the failure is counted in the metrics.
func (c *Classifier) Classify(ctx context.Context, records []model.Record, sourceID string) *Result {
	start := time.Now()
	res := &Result{}
	res.Metrics.Total = len(records)
	if len(records) == 0 {
		return res
	}

	byID, byTitle := c.lookupExisting(ctx, records, sourceID, &res.Metrics)

	for _, rec := range records {
		if rec.ExternalID == "" && len(strings.TrimSpace(rec.Title)) < c.cfg.MinTitleLength {
			// Cannot be matched by either key; counted, then treated as new.
			res.Metrics.Unmatchable++
			res.New = append(res.New, rec)
			res.Metrics.NewCount++
			continue
		}

		existing := c.findExistingWithValidation(rec, byID, byTitle)
		if existing == nil {
			res.New = append(res.New, rec)
			res.Metrics.NewCount++
			continue
		}

		decision := c.performFreshnessCheck(rec, *existing)
		if decision.action == actionSkip {
			res.Skips = append(res.Skips, model.MatchedPair{Incoming: rec, Existing: *existing, Reason: decision.reason})
			res.Metrics.SkipCount++
			continue
		}

		// Freshness alone does not justify a write: downgrade to SKIP when no
		// critical field actually changed.
		if changes := CriticalFieldChanges(rec, *existing); len(changes) > 0 {
			res.Updates = append(res.Updates, model.MatchedPair{Incoming: rec, Existing: *existing, Reason: model.ReasonFieldsChanged})
			res.Metrics.UpdateCount++
		} else {
			res.Skips = append(res.Skips, model.MatchedPair{Incoming: rec, Existing: *existing, Reason: model.ReasonFieldsUnchanged})
			res.Metrics.SkipCount++
		}
	}

	res.Metrics.DurationMS = time.Since(start).Milliseconds()
	return res
}

// lookupExisting issues the two batched existence queries, one keyed by
// external identifier and one by normalized title. Identifiers and titles are
// deduplicated first so round-trips stay O(1) per batch.
func (c *Classifier) lookupExisting(ctx context.Context, records []model.Record, sourceID string, metrics *model.ClassificationMetrics) (map[string]model.ExistingRecord, map[string]model.ExistingRecord) {
	idSet := make(map[string]bool)
	titleSet := make(map[string]bool)
	for _, rec := range records {
		if rec.ExternalID != "" {
			idSet[rec.ExternalID] = true
		}
		if title := strings.TrimSpace(rec.Title); len(title) >= c.cfg.MinTitleLength {
			titleSet[strings.ToLower(title)] = true
		}
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	titles := make([]string, 0, len(titleSet))
	for t := range titleSet {
		titles = append(titles, t)
	}

	var byID, byTitle map[string]model.ExistingRecord

	// Both lookups run concurrently; a failure in one degrades that map to
	// empty rather than failing the batch.
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := c.lookup.FindByExternalIDs(gCtx, sourceID, ids)
		if err != nil {
			zap.L().Warn("dedup: external id lookup failed, treating as unmatched",
				zap.String("source_id", sourceID), zap.Int("ids", len(ids)), zap.Error(err))
			metrics.LookupErrors++
			return nil
		}
		byID = m
		return nil
	})
	g.Go(func() error {
		m, err := c.lookup.FindByTitles(gCtx, sourceID, titles)
		if err != nil {
			zap.L().Warn("dedup: title lookup failed, treating as unmatched",
				zap.String("source_id", sourceID), zap.Int("titles", len(titles)), zap.Error(err))
			metrics.LookupErrors++
			return nil
		}
		byTitle = m
		return nil
	})
	_ = g.Wait()

	if byID == nil {
		byID = map[string]model.ExistingRecord{}
	}
	if byTitle == nil {
		byTitle = map[string]model.ExistingRecord{}
	}
	return byID, byTitle
}

// findExistingWithValidation resolves the match for one record. An identifier
// match is validated against title drift: providers reuse identifiers for
// unrelated opportunities, so a dissimilar title discards the identifier match
// and falls back to the title map.
func (c *Classifier) findExistingWithValidation(rec model.Record, byID, byTitle map[string]model.ExistingRecord) *model.ExistingRecord {
	if rec.ExternalID != "" {
		if existing, ok := byID[rec.ExternalID]; ok {
			if TitleSimilarity(rec.Title, existing.Title) >= c.cfg.SimilarityThreshold {
				return &existing
			}
			zap.L().Debug("dedup: identifier match rejected on title drift",
				zap.String("external_id", rec.ExternalID),
				zap.String("incoming_title", rec.Title),
				zap.String("existing_title", existing.Title))
		}
	}

	if existing, ok := byTitle[strings.ToLower(strings.TrimSpace(rec.Title))]; ok {
		return &existing
	}
	return nil
}

type freshnessAction int

const (
	actionSkip freshnessAction = iota
	actionProcess
)

type freshnessDecision struct {
	action freshnessAction
	reason string
}

// performFreshnessCheck decides whether a matched record is worth
// reconsidering, from the provider timestamp when present, otherwise from the
// age of our own copy.
func (c *Classifier) performFreshnessCheck(incoming model.Record, existing model.ExistingRecord) freshnessDecision {
	if incoming.APIUpdatedAt != nil {
		if existing.APIUpdatedAt == nil || incoming.APIUpdatedAt.After(*existing.APIUpdatedAt) {
			return freshnessDecision{actionProcess, model.ReasonAPINewer}
		}
		return freshnessDecision{actionSkip, model.ReasonAPINotNewer}
	}

	staleness := time.Duration(c.cfg.StalenessDays) * 24 * time.Hour
	if time.Since(existing.UpdatedAt) > staleness {
		return freshnessDecision{actionProcess, fmt.Sprintf("stale_review_%d_days", c.cfg.StalenessDays)}
	}
	return freshnessDecision{actionSkip, model.ReasonRecentlyReviewed}
}

// FieldChange names a differing critical field and the incoming value to
// write.
type FieldChange struct {
	Column string
	Value  any
}

// CriticalFieldChanges compares exactly the six critical fields and returns
// one change per differing field. An empty result means the incoming record
// carries nothing worth writing.
func CriticalFieldChanges(incoming model.Record, existing model.ExistingRecord) []FieldChange {
	var changes []FieldChange

	if incoming.Title != existing.Title {
		changes = append(changes, FieldChange{Column: "title", Value: incoming.Title})
	}
	if !floatPtrEqual(incoming.MinAward, existing.MinAward) {
		changes = append(changes, FieldChange{Column: "min_award", Value: incoming.MinAward})
	}
	if !floatPtrEqual(incoming.MaxAward, existing.MaxAward) {
		changes = append(changes, FieldChange{Column: "max_award", Value: incoming.MaxAward})
	}
	if !floatPtrEqual(incoming.TotalFunding, existing.TotalFunding) {
		changes = append(changes, FieldChange{Column: "total_funding", Value: incoming.TotalFunding})
	}
	if !timePtrEqual(incoming.CloseDate, existing.CloseDate) {
		changes = append(changes, FieldChange{Column: "close_date", Value: incoming.CloseDate})
	}
	if !timePtrEqual(incoming.OpenDate, existing.OpenDate) {
		changes = append(changes, FieldChange{Column: "open_date", Value: incoming.OpenDate})
	}
	return changes
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
