package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSourcesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSources(t *testing.T) {
	path := writeSourcesFile(t, `
sources:
  - id: grants-gov
    name: Grants.gov
    url: https://example.gov/export.json
    format: json
    records_key: opportunities
    columns:
      external_id: OpportunityNumber
      title: OpportunityTitle
      min_award: AwardFloor
      max_award: AwardCeiling
      close_date: CloseDate
      updated_at: LastUpdatedDate
  - id: state-portal
    name: State Portal
    url: ftp://data.example.org/grants.csv
    format: csv
    skip_rows: 2
    date_layout: "01-02-2006"
    columns:
      external_id: grant_id
      title: grant_title
`)

	sources, err := LoadSources(path)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	gg := sources["grants-gov"]
	assert.Equal(t, "json", gg.Format)
	assert.Equal(t, "opportunities", gg.RecordsKey)
	assert.Equal(t, "OpportunityNumber", gg.Columns.ExternalID)
	assert.Equal(t, "AwardCeiling", gg.Columns.MaxAward)

	sp := sources["state-portal"]
	assert.Equal(t, 2, sp.SkipRows)
	assert.Equal(t, "01-02-2006", sp.DateLayout)
}

func TestLoadSourcesValidation(t *testing.T) {
	t.Run("EmptyID", func(t *testing.T) {
		path := writeSourcesFile(t, `
sources:
  - name: Broken
    format: json
    columns:
      title: t
`)
		_, err := LoadSources(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty id")
	})

	t.Run("MissingTitleColumn", func(t *testing.T) {
		path := writeSourcesFile(t, `
sources:
  - id: broken
    format: json
    columns:
      external_id: x
`)
		_, err := LoadSources(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing title column")
	})

	t.Run("DuplicateID", func(t *testing.T) {
		path := writeSourcesFile(t, `
sources:
  - id: twice
    format: json
    columns: {title: t}
  - id: twice
    format: json
    columns: {title: t}
`)
		_, err := LoadSources(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate source id")
	})

	t.Run("FileMissing", func(t *testing.T) {
		_, err := LoadSources(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}
