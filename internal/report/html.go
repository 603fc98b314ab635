package report

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
)

// htmlTemplate renders a self-contained report page. No external assets,
// the file must open from a laptop with no network.
var htmlTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Tool}} report {{.RunID}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2rem; color: #222; }
h1 { font-size: 1.3rem; }
table { border-collapse: collapse; margin-top: 1rem; }
th, td { border: 1px solid #ccc; padding: 0.35rem 0.6rem; text-align: left; font-size: 0.9rem; }
th { background: #f0f0f0; }
tr:nth-child(even) { background: #fafafa; }
.meta { color: #666; font-size: 0.85rem; }
</style>
</head>
<body>
<h1>{{.Tool}} report</h1>
<p class="meta">run {{.RunID}} &middot; started {{.StartedAt.Format "2006-01-02 15:04:05 MST"}}</p>
{{if .Meta}}<p class="meta">{{range $k, $v := .Meta}}{{$k}}={{$v}} {{end}}</p>{{end}}
<table>
<thead><tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
<p class="meta">{{len .Rows}} row(s)</p>
</body>
</html>
`))

// WriteHTML writes the standalone HTML artifact under dir and returns
// its path.
func (r *Report) WriteHTML(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	path := filepath.Join(dir, r.artifactName("html"))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create html: %w", err)
	}
	defer f.Close()

	if err := htmlTemplate.Execute(f, r); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return path, nil
}
