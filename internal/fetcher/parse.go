package fetcher

import (
	"encoding/csv"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// ReadCSV reads all rows from r. The first row is returned as the header.
func ReadCSV(r io.Reader, delimiter rune) (header []string, rows [][]string, err error) {
	reader := csv.NewReader(r)
	if delimiter != 0 {
		reader.Comma = delimiter
	}
	reader.FieldsPerRecord = -1 // allow variable fields
	reader.LazyQuotes = true

	all, err := reader.ReadAll()
	if err != nil {
		return nil, nil, eris.Wrap(err, "csv: read")
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	return all[0], all[1:], nil
}

// DecodeJSONObjects decodes a JSON payload into a slice of objects. The
// payload may be a bare array or an object with the array under key.
func DecodeJSONObjects(r io.Reader, key string) ([]map[string]any, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "json: read body")
	}

	var objects []map[string]any
	if err := json.Unmarshal(raw, &objects); err == nil {
		return objects, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, eris.Wrap(err, "json: decode payload")
	}
	inner, ok := envelope[key]
	if !ok {
		return nil, eris.Errorf("json: key %q not found in payload", key)
	}
	if err := json.Unmarshal(inner, &objects); err != nil {
		return nil, eris.Wrapf(err, "json: decode %q array", key)
	}
	return objects, nil
}

// XLSXOptions configures the XLSX parser.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
	SkipRows   int    // rows to skip before the header row
}

// ReadXLSX parses an XLSX payload and returns the header row plus data rows
// as string slices.
func ReadXLSX(data []byte, opts XLSXOptions) (header []string, rows [][]string, err error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, nil, eris.Wrap(err, "xlsx: open")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, nil, err
	}

	for i, row := range sheet.Rows {
		if i < opts.SkipRows {
			continue
		}
		cells := rowToStrings(row)
		if header == nil {
			header = cells
			continue
		}
		rows = append(rows, cells)
	}
	return header, rows, nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (%d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for i, cell := range row.Cells {
		cells[i] = cell.String()
	}
	return cells
}
