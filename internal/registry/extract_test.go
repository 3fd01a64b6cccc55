package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonSource() Source {
	return Source{
		ID:         "grants-gov",
		Format:     "json",
		RecordsKey: "opportunities",
		Columns: ColumnMap{
			ExternalID: "OpportunityNumber",
			Title:      "OpportunityTitle",
			MinAward:   "AwardFloor",
			MaxAward:   "AwardCeiling",
			CloseDate:  "CloseDate",
			UpdatedAt:  "LastUpdatedDate",
		},
	}
}

func TestExtractJSON(t *testing.T) {
	body := strings.NewReader(`{
		"opportunities": [
			{
				"OpportunityNumber": "OPP-001",
				"OpportunityTitle": "Rural Broadband Expansion",
				"AwardFloor": 10000,
				"AwardCeiling": "250000",
				"CloseDate": "2026-03-01",
				"LastUpdatedDate": "2026-01-15T08:30:00Z"
			},
			{
				"OpportunityNumber": "OPP-002",
				"OpportunityTitle": "Clean Water Initiative"
			}
		]
	}`)

	records, err := Extract(jsonSource(), body)
	require.NoError(t, err)
	require.Len(t, records, 2)

	r := records[0]
	assert.Equal(t, "grants-gov", r.SourceID)
	assert.Equal(t, "OPP-001", r.ExternalID)
	assert.Equal(t, "Rural Broadband Expansion", r.Title)
	require.NotNil(t, r.MinAward)
	assert.Equal(t, 10000.0, *r.MinAward)
	require.NotNil(t, r.MaxAward)
	assert.Equal(t, 250000.0, *r.MaxAward)
	require.NotNil(t, r.CloseDate)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *r.CloseDate)
	require.NotNil(t, r.APIUpdatedAt)

	assert.Nil(t, records[1].MinAward)
	assert.Nil(t, records[1].CloseDate)
}

func TestExtractJSONDropsUnidentifiableRows(t *testing.T) {
	body := strings.NewReader(`{"opportunities": [
		{"AwardFloor": 5000},
		{"OpportunityNumber": "OPP-003", "OpportunityTitle": "Kept"}
	]}`)

	records, err := Extract(jsonSource(), body)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "OPP-003", records[0].ExternalID)
}

func TestExtractCSV(t *testing.T) {
	src := Source{
		ID:     "state-portal",
		Format: "csv",
		Columns: ColumnMap{
			ExternalID: "grant_id",
			Title:      "grant_title",
			MaxAward:   "ceiling",
			CloseDate:  "deadline",
		},
	}
	body := strings.NewReader(
		"grant_id,grant_title,ceiling,deadline\n" +
			"SG-100,Community Solar Fund,\"$1,500,000\",03/15/2026\n" +
			"SG-101,Youth Literacy Grants,not-a-number,\n",
	)

	records, err := Extract(src, body)
	require.NoError(t, err)
	require.Len(t, records, 2)

	r := records[0]
	assert.Equal(t, "SG-100", r.ExternalID)
	require.NotNil(t, r.MaxAward)
	assert.Equal(t, 1500000.0, *r.MaxAward)
	require.NotNil(t, r.CloseDate)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), *r.CloseDate)

	// Unparseable amounts are nil, never zero.
	assert.Nil(t, records[1].MaxAward)
	assert.Nil(t, records[1].CloseDate)
}

func TestExtractTSV(t *testing.T) {
	src := Source{
		ID:      "tab-portal",
		Format:  "tsv",
		Columns: ColumnMap{ExternalID: "id", Title: "title"},
	}
	body := strings.NewReader("id\ttitle\nT-1\tTabbed Opportunity\n")

	records, err := Extract(src, body)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Tabbed Opportunity", records[0].Title)
}

func TestExtractUnsupportedFormat(t *testing.T) {
	_, err := Extract(Source{ID: "x", Format: "parquet"}, strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want *float64
	}{
		{"250000", ptr(250000.0)},
		{"$1,500,000", ptr(1500000.0)},
		{"$ 7500.50", ptr(7500.50)},
		{"", nil},
		{"TBD", nil},
	}
	for _, tt := range tests {
		got := parseAmount(tt.in)
		if tt.want == nil {
			assert.Nil(t, got, "input %q", tt.in)
		} else {
			require.NotNil(t, got, "input %q", tt.in)
			assert.Equal(t, *tt.want, *got, "input %q", tt.in)
		}
	}
}

func ptr(f float64) *float64 { return &f }

func TestParseDateCustomLayout(t *testing.T) {
	src := Source{DateLayout: "01-02-2006"}

	got := parseDate(src, "03-15-2026")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), *got)

	// Standard layouts still work alongside the custom one.
	got = parseDate(src, "2026-03-15")
	require.NotNil(t, got)

	assert.Nil(t, parseDate(src, "sometime in spring"))
	assert.Nil(t, parseDate(src, ""))
}
