package model

import (
	"time"
)

// Record is a funding opportunity as produced by an extraction source.
// It is immutable once extracted; only the storage layer rewrites records.
type Record struct {
	ExternalID   string     `json:"external_id"`
	Title        string     `json:"title"`
	MinAward     *float64   `json:"min_award,omitempty"`
	MaxAward     *float64   `json:"max_award,omitempty"`
	TotalFunding *float64   `json:"total_funding,omitempty"`
	OpenDate     *time.Time `json:"open_date,omitempty"`
	CloseDate    *time.Time `json:"close_date,omitempty"`
	Status       string     `json:"status,omitempty"`
	SourceID     string     `json:"source_id"`
	Description  string     `json:"description,omitempty"`
	URL          string     `json:"url,omitempty"`
	// APIUpdatedAt is the provider-supplied last-modified timestamp, when the
	// source exposes one.
	APIUpdatedAt *time.Time `json:"api_updated_at,omitempty"`
}

// ExistingRecord is the persisted counterpart of a Record already in the store.
type ExistingRecord struct {
	ID           string     `json:"id"`
	ExternalID   string     `json:"external_id"`
	Title        string     `json:"title"`
	MinAward     *float64   `json:"min_award,omitempty"`
	MaxAward     *float64   `json:"max_award,omitempty"`
	TotalFunding *float64   `json:"total_funding,omitempty"`
	OpenDate     *time.Time `json:"open_date,omitempty"`
	CloseDate    *time.Time `json:"close_date,omitempty"`
	Status       string     `json:"status,omitempty"`
	SourceID     string     `json:"source_id"`
	APIUpdatedAt *time.Time `json:"api_updated_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ClassificationKind is the outcome of duplicate classification for one record.
type ClassificationKind string

const (
	ClassNew    ClassificationKind = "new"
	ClassUpdate ClassificationKind = "update"
	ClassSkip   ClassificationKind = "skip"
)

// Classification reasons attached to each classified record.
const (
	ReasonNoMatch          = "no_match"
	ReasonLookupFailed     = "lookup_failed"
	ReasonAPINewer         = "api_timestamp_newer"
	ReasonAPINotNewer      = "api_timestamp_not_newer"
	ReasonStaleReview      = "stale_review"
	ReasonRecentlyReviewed = "recently_reviewed"
	ReasonFieldsChanged    = "critical_fields_changed"
	ReasonFieldsUnchanged  = "no_critical_field_changes"
	ReasonUnmatchable      = "missing_identifier_and_title"
)

// MatchedPair couples an incoming record with the existing record it matched,
// plus the reason the classifier routed it where it did.
type MatchedPair struct {
	Incoming Record         `json:"incoming"`
	Existing ExistingRecord `json:"existing"`
	Reason   string         `json:"reason"`
}

// ScoredRecord is a Record after enrichment: the enrichment collaborator
// attaches a relevance score and a generated summary.
type ScoredRecord struct {
	Record
	Score   float64 `json:"score"`
	Summary string  `json:"summary,omitempty"`
}
