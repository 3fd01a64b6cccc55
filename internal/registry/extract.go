package registry

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/fetcher"
	"github.com/fundscope/ingest-cli/internal/model"
)

// Extract parses a downloaded payload into records using the source's column
// map. Rows that cannot be mapped are logged and dropped; a malformed row is
// the provider's problem, not a reason to fail the batch.
func Extract(src Source, body io.Reader) ([]model.Record, error) {
	switch strings.ToLower(src.Format) {
	case "json":
		objects, err := fetcher.DecodeJSONObjects(body, recordsKey(src))
		if err != nil {
			return nil, eris.Wrapf(err, "extract: source %s", src.ID)
		}
		return mapObjects(src, objects), nil

	case "csv", "tsv":
		delim := rune(0)
		if strings.EqualFold(src.Format, "tsv") {
			delim = '\t'
		}
		header, rows, err := fetcher.ReadCSV(body, delim)
		if err != nil {
			return nil, eris.Wrapf(err, "extract: source %s", src.ID)
		}
		return mapRows(src, header, rows), nil

	case "xlsx":
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, eris.Wrapf(err, "extract: read source %s", src.ID)
		}
		header, rows, err := fetcher.ReadXLSX(data, fetcher.XLSXOptions{
			SheetName: src.Sheet,
			SkipRows:  src.SkipRows,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "extract: source %s", src.ID)
		}
		return mapRows(src, header, rows), nil

	default:
		return nil, eris.Errorf("extract: source %s has unsupported format %q", src.ID, src.Format)
	}
}

func recordsKey(src Source) string {
	if src.RecordsKey != "" {
		return src.RecordsKey
	}
	return "results"
}

func mapObjects(src Source, objects []map[string]any) []model.Record {
	records := make([]model.Record, 0, len(objects))
	for _, obj := range objects {
		get := func(field string) string {
			if field == "" {
				return ""
			}
			v, ok := obj[field]
			if !ok || v == nil {
				return ""
			}
			switch t := v.(type) {
			case string:
				return t
			case float64:
				return strconv.FormatFloat(t, 'f', -1, 64)
			default:
				return fmt.Sprint(t)
			}
		}
		if rec, ok := buildRecord(src, get); ok {
			records = append(records, rec)
		}
	}
	return records
}

func mapRows(src Source, header []string, rows [][]string) []model.Record {
	index := make(map[string]int, len(header))
	for i, col := range header {
		index[strings.TrimSpace(col)] = i
	}

	records := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		get := func(field string) string {
			i, ok := index[field]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		if rec, ok := buildRecord(src, get); ok {
			records = append(records, rec)
		}
	}
	return records
}

func buildRecord(src Source, get func(string) string) (model.Record, bool) {
	cols := src.Columns
	rec := model.Record{
		SourceID:    src.ID,
		ExternalID:  get(cols.ExternalID),
		Title:       get(cols.Title),
		Description: get(cols.Description),
		URL:         get(cols.URL),
		Status:      get(cols.Status),
	}

	if rec.ExternalID == "" && rec.Title == "" {
		zap.L().Debug("extract: dropping row with no identifier or title",
			zap.String("source_id", src.ID))
		return model.Record{}, false
	}

	rec.MinAward = parseAmount(get(cols.MinAward))
	rec.MaxAward = parseAmount(get(cols.MaxAward))
	rec.TotalFunding = parseAmount(get(cols.TotalFunding))
	rec.OpenDate = parseDate(src, get(cols.OpenDate))
	rec.CloseDate = parseDate(src, get(cols.CloseDate))
	rec.APIUpdatedAt = parseDate(src, get(cols.UpdatedAt))

	return rec, true
}

// parseAmount reads a dollar amount, tolerating currency symbols and
// thousands separators. Unparseable amounts become nil, not zero.
func parseAmount(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case '$', ',', ' ':
			return -1
		}
		return r
	}, s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"01/02/2006",
	"2006-01-02 15:04:05",
}

func parseDate(src Source, s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	layouts := dateLayouts
	if src.DateLayout != "" {
		layouts = append([]string{src.DateLayout}, dateLayouts...)
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
