// Package registry loads funding source definitions and maps provider
// payloads into records. Sources are declared in YAML so adding a provider
// rarely needs code.
package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Source describes one external funding data provider.
type Source struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Format string `yaml:"format"` // json, csv, tsv, xlsx

	// RecordsKey locates the record array in JSON envelopes ({"results": [...]}).
	RecordsKey string `yaml:"records_key,omitempty"`
	// Sheet selects the XLSX sheet by name; the first sheet when empty.
	Sheet string `yaml:"sheet,omitempty"`
	// SkipRows skips leading preamble rows before the header in tabular formats.
	SkipRows int `yaml:"skip_rows,omitempty"`
	// DateLayout is the Go time layout for date columns; RFC 3339 and
	// YYYY-MM-DD are always tried.
	DateLayout string `yaml:"date_layout,omitempty"`

	Columns ColumnMap `yaml:"columns"`
}

// ColumnMap names the provider's column or JSON field for each record field.
// Empty entries mean the provider does not carry that field.
type ColumnMap struct {
	ExternalID   string `yaml:"external_id"`
	Title        string `yaml:"title"`
	Description  string `yaml:"description,omitempty"`
	URL          string `yaml:"url,omitempty"`
	Status       string `yaml:"status,omitempty"`
	MinAward     string `yaml:"min_award,omitempty"`
	MaxAward     string `yaml:"max_award,omitempty"`
	TotalFunding string `yaml:"total_funding,omitempty"`
	OpenDate     string `yaml:"open_date,omitempty"`
	CloseDate    string `yaml:"close_date,omitempty"`
	UpdatedAt    string `yaml:"updated_at,omitempty"`
}

type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources reads source definitions from a YAML file, keyed by source ID.
func LoadSources(path string) (map[string]Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}

	var file sourcesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, eris.Wrapf(err, "registry: parse %s", path)
	}

	sources := make(map[string]Source, len(file.Sources))
	for _, src := range file.Sources {
		if src.ID == "" {
			return nil, eris.New("registry: source with empty id")
		}
		if src.Columns.Title == "" {
			return nil, eris.Errorf("registry: source %s missing title column", src.ID)
		}
		if _, dup := sources[src.ID]; dup {
			return nil, eris.Errorf("registry: duplicate source id %s", src.ID)
		}
		sources[src.ID] = src
	}
	return sources, nil
}
