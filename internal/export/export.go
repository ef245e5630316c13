// Package export writes the finalized canonical set.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/resolver"
)

// Format is an output encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts a format name, case-insensitively. "yml" is an alias
// for yaml.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatXLSX, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", eris.Errorf("export: unknown format %q", s)
	}
}

// FormatFromPath guesses the format from a file extension.
func FormatFromPath(path string) (Format, bool) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", false
	}
	f, err := ParseFormat(ext)
	return f, err == nil
}

// Options selects which companies are exported.
type Options struct {
	// Threshold is the admission threshold applied at export time. Default: 100.
	Threshold int
	// ActivityPrefixes and Keywords restrict output to one line of
	// business; see resolver.Filter.
	ActivityPrefixes []string
	Keywords         []string
	// All exports every canonical company, admitted or not.
	All bool
}

// Select returns the companies to export, largest headcount first.
// Admission is recomputed against opts.Threshold so a changed threshold
// applies without a new run.
func Select(companies []*model.CanonicalCompany, opts Options) []*model.CanonicalCompany {
	if opts.Threshold <= 0 {
		opts.Threshold = 100
	}
	filter := resolver.Filter{ActivityPrefixes: opts.ActivityPrefixes, Keywords: opts.Keywords}
	var out []*model.CanonicalCompany
	for _, c := range companies {
		if !filter.Match(c) {
			continue
		}
		c = c.Clone()
		c.Admitted = c.EmployeeCountMinEstimate != nil && *c.EmployeeCountMinEstimate >= opts.Threshold
		if opts.All || c.Admitted {
			out = append(out, c)
		}
	}
	resolver.SortByEstimate(out)
	return out
}

// Columns is the flat column order of csv and xlsx output.
var Columns = []string{
	"registry_id",
	"name",
	"legal_name",
	"registration_number",
	"activity_code",
	"employees",
	"employee_estimate",
	"admitted",
	"address",
	"locality",
	"website",
	"status",
	"revenue",
	"industries",
	"sources",
	"last_merged_at",
	"version",
}

func flatten(c *model.CanonicalCompany) []string {
	f := c.Fields
	est := ""
	if c.EmployeeCountMinEstimate != nil {
		est = strconv.Itoa(*c.EmployeeCountMinEstimate)
	}
	sources := make([]string, len(c.ContributingSources))
	for i, s := range c.ContributingSources {
		sources[i] = string(s)
	}
	merged := ""
	if !c.LastMergedAt.IsZero() {
		merged = c.LastMergedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		c.RegistryID,
		f[model.FieldName],
		f[model.FieldLegalName],
		f[model.FieldRegistrationNumber],
		f[model.FieldActivityCode],
		f[model.FieldEmployees],
		est,
		strconv.FormatBool(c.Admitted),
		f[model.FieldAddress],
		f[model.FieldLocality],
		f[model.FieldWebsite],
		f[model.FieldStatus],
		f[model.FieldRevenue],
		f[model.FieldIndustries],
		strings.Join(sources, ";"),
		merged,
		strconv.FormatInt(c.Version, 10),
	}
}

// Record is the structured form used by json and yaml output.
type Record struct {
	RegistryID       string                `json:"registry_id" yaml:"registry_id"`
	Fields           map[string]string     `json:"fields" yaml:"fields"`
	Provenance       map[string]Provenance `json:"provenance" yaml:"provenance"`
	Sources          []string              `json:"sources" yaml:"sources"`
	EmployeeEstimate *int                  `json:"employee_estimate,omitempty" yaml:"employee_estimate,omitempty"`
	Admitted         bool                  `json:"admitted" yaml:"admitted"`
	LastMergedAt     string                `json:"last_merged_at" yaml:"last_merged_at"`
	Version          int64                 `json:"version" yaml:"version"`
}

// Provenance names the source behind one field value.
type Provenance struct {
	Source    string  `json:"source" yaml:"source"`
	Weight    float64 `json:"weight" yaml:"weight"`
	FetchedAt string  `json:"fetched_at" yaml:"fetched_at"`
}

// NewRecord converts a canonical company.
func NewRecord(c *model.CanonicalCompany) Record {
	r := Record{
		RegistryID:       c.RegistryID,
		Fields:           make(map[string]string, len(c.Fields)),
		Provenance:       make(map[string]Provenance, len(c.FieldProvenance)),
		Sources:          make([]string, 0, len(c.ContributingSources)),
		EmployeeEstimate: c.EmployeeCountMinEstimate,
		Admitted:         c.Admitted,
		LastMergedAt:     c.LastMergedAt.UTC().Format(time.RFC3339),
		Version:          c.Version,
	}
	for k, v := range c.Fields {
		r.Fields[string(k)] = v
	}
	for k, p := range c.FieldProvenance {
		r.Provenance[string(k)] = Provenance{
			Source:    string(p.Source),
			Weight:    p.Weight,
			FetchedAt: p.FetchedAt.UTC().Format(time.RFC3339),
		}
	}
	for _, s := range c.ContributingSources {
		r.Sources = append(r.Sources, string(s))
	}
	return r
}

func records(companies []*model.CanonicalCompany) []Record {
	out := make([]Record, len(companies))
	for i, c := range companies {
		out[i] = NewRecord(c)
	}
	return out
}

// Write encodes companies to w.
func Write(w io.Writer, format Format, companies []*model.CanonicalCompany) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, companies)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(records(companies)), "export: encode json")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records(companies)); err != nil {
			return eris.Wrap(err, "export: encode yaml")
		}
		return eris.Wrap(enc.Close(), "export: close yaml encoder")
	case FormatXLSX:
		return writeXLSX(w, companies)
	default:
		return eris.Errorf("export: unknown format %q", format)
	}
}

// utf8BOM lets spreadsheet applications detect the encoding of csv output.
const utf8BOM = "\ufeff"

func writeCSV(w io.Writer, companies []*model.CanonicalCompany) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return eris.Wrap(err, "export: write csv bom")
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, c := range companies {
		if err := cw.Write(flatten(c)); err != nil {
			return eris.Wrapf(err, "export: write csv row %s", c.RegistryID)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

const sheetName = "companies"

func writeXLSX(w io.Writer, companies []*model.CanonicalCompany) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}
	header := sheet.AddRow()
	for _, col := range Columns {
		header.AddCell().SetString(col)
	}
	for _, c := range companies {
		row := sheet.AddRow()
		for i, v := range flatten(c) {
			cell := row.AddCell()
			if Columns[i] == "employee_estimate" && c.EmployeeCountMinEstimate != nil {
				cell.SetInt(*c.EmployeeCountMinEstimate)
				continue
			}
			cell.SetString(v)
		}
	}
	return eris.Wrap(f.Write(w), "export: write xlsx")
}

// WriteFile writes companies to path, creating parent directories.
func WriteFile(path string, format Format, companies []*model.CanonicalCompany) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "export: create %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := Write(f, format, companies); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "export: close %s", path)
	}
	zap.L().Info("export: wrote companies",
		zap.String("path", path),
		zap.String("format", string(format)),
		zap.Int("count", len(companies)),
	)
	return nil
}
