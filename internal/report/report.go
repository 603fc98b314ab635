// Package report renders run results as aligned stdout tables, CSV
// artifacts with a fixed schema, and a standalone HTML report, all
// stamped with the run id and accumulated under the reports directory.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Report is one run's tabular output.
type Report struct {
	Tool      string
	RunID     string
	StartedAt time.Time
	Columns   []string
	Rows      [][]string

	// Meta carries run-level key/values (cluster, array, mode).
	Meta map[string]string
}

// New creates a report with a fresh run id.
func New(tool string, columns []string) *Report {
	return &Report{
		Tool:      tool,
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Columns:   columns,
		Meta:      make(map[string]string),
	}
}

// AddRow appends one row; short rows are padded so every row matches the
// column count.
func (r *Report) AddRow(cells ...string) {
	for len(cells) < len(r.Columns) {
		cells = append(cells, "")
	}
	r.Rows = append(r.Rows, cells[:len(r.Columns)])
}

// RenderTable writes an aligned text table.
func (r *Report) RenderTable(w io.Writer) error {
	widths := make([]int, len(r.Columns))
	for i, c := range r.Columns {
		widths[i] = len(c)
	}
	for _, row := range r.Rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	writeRow := func(cells []string) error {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}
		_, err := fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
		return err
	}

	if _, err := fmt.Fprintf(w, "%s run %s (%s)\n", r.Tool, r.RunID, r.StartedAt.Format(time.RFC3339)); err != nil {
		return err
	}
	if err := writeRow(r.Columns); err != nil {
		return err
	}
	sep := make([]string, len(r.Columns))
	for i := range sep {
		sep[i] = strings.Repeat("-", widths[i])
	}
	if err := writeRow(sep); err != nil {
		return err
	}
	for _, row := range r.Rows {
		if err := writeRow(row); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d row(s)\n", len(r.Rows))
	return err
}

// csvMetaColumns is the fixed run-metadata prefix of every CSV row.
var csvMetaColumns = []string{"run_id", "tool", "run_started"}

// WriteCSV writes the artifact under dir and returns its path.
// Schema: run metadata columns, then the report columns.
func (r *Report) WriteCSV(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	path := filepath.Join(dir, r.artifactName("csv"))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(append(append([]string{}, csvMetaColumns...), r.Columns...)); err != nil {
		return "", err
	}
	meta := []string{r.RunID, r.Tool, r.StartedAt.Format(time.RFC3339)}
	for _, row := range r.Rows {
		if err := cw.Write(append(append([]string{}, meta...), row...)); err != nil {
			return "", err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Report) artifactName(ext string) string {
	return fmt.Sprintf("%s-%s.%s", r.Tool, r.StartedAt.Format("20060102-150405"), ext)
}
