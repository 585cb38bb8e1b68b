// Package office provides filesystem-backed implementations of the workbook
// and template ports for development and testing. A workbook is a directory
// of CSV files, one per worksheet, whose first row holds the column names.
// The production document engine is wired in through the same ports.
package office

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"slidegen/internal/domain/job"
)

// Opener implements job.WorkbookOpener and job.TemplateOpener against the
// local filesystem.
type Opener struct{}

// NewOpener creates a filesystem opener.
func NewOpener() *Opener { return new(Opener) }

var (
	_ job.WorkbookOpener = (*Opener)(nil)
	_ job.TemplateOpener = (*Opener)(nil)
)

// OpenWorkbook opens the workbook directory at path and eagerly reads every
// worksheet. Row data is held in memory until Close.
func (o *Opener) OpenWorkbook(ctx context.Context, path string) (job.Workbook, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook %s: %w", path, err)
	}

	wb := &workbook{path: path, sheets: make(map[string]*worksheet)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		ws, err := readWorksheet(name, filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, err
		}
		wb.sheets[name] = ws
		wb.names = append(wb.names, name)
	}
	sort.Strings(wb.names)

	return wb, nil
}

// OpenTemplate opens the template file at path. The template content is only
// ever copied, so the handle is just a validated path.
func (o *Opener) OpenTemplate(ctx context.Context, path string) (job.Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening template %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("opening template %s: is a directory", path)
	}
	return &template{path: path}, nil
}

type workbook struct {
	path   string
	names  []string
	sheets map[string]*worksheet
}

func (w *workbook) Path() string         { return w.path }
func (w *workbook) Name() string         { return filepath.Base(w.path) }
func (w *workbook) SheetNames() []string { return append([]string(nil), w.names...) }

func (w *workbook) Sheet(name string) (job.Worksheet, bool) {
	ws, ok := w.sheets[name]
	return ws, ok
}

func (w *workbook) Close() error {
	w.sheets = nil
	w.names = nil
	return nil
}

type worksheet struct {
	name    string
	columns []string
	rows    [][]string
}

func readWorksheet(name, path string) (*worksheet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening worksheet %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading worksheet %s: %w", path, err)
	}
	if len(records) == 0 {
		return &worksheet{name: name}, nil
	}

	return &worksheet{name: name, columns: records[0], rows: records[1:]}, nil
}

func (s *worksheet) Name() string  { return s.name }
func (s *worksheet) RowCount() int { return len(s.rows) }

func (s *worksheet) Row(index int) (map[string]string, error) {
	if index < 0 || index >= len(s.rows) {
		return nil, fmt.Errorf("worksheet %s has no row %d", s.name, index)
	}

	row := make(map[string]string, len(s.columns))
	for i, col := range s.columns {
		if i < len(s.rows[index]) {
			row[col] = s.rows[index][i]
		} else {
			row[col] = ""
		}
	}
	return row, nil
}

type template struct {
	path string
}

func (t *template) Path() string { return t.path }
func (t *template) Close() error { return nil }
