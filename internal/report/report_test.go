package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kv-shepherd.io/storjanitor/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func sampleReport() *Report {
	r := New("orphans", []string{"volume_id", "name", "classification", "reason"})
	r.AddRow("vol-1", "pvc-aaa", "eligible", "Eligible (cluster-wide), unreferenced, unmapped")
	r.AddRow("vol-2", "pvc-bbb", "report-only", "Report-only: detail record exposes no mapped-state fields")
	return r
}

func TestRenderTable(t *testing.T) {
	t.Parallel()

	r := sampleReport()
	var buf bytes.Buffer
	require.NoError(t, r.RenderTable(&buf))

	out := buf.String()
	assert.Contains(t, out, r.RunID)
	assert.Contains(t, out, "volume_id")
	assert.Contains(t, out, "pvc-aaa")
	assert.Contains(t, out, "2 row(s)")

	// columns align: both data rows start their second column at the
	// same offset
	lines := strings.Split(out, "\n")
	require.Greater(t, len(lines), 4)
	assert.Equal(t, strings.Index(lines[3], "pvc-aaa"), strings.Index(lines[4], "pvc-bbb"))
}

func TestAddRow_PadsShortRows(t *testing.T) {
	t.Parallel()

	r := New("mpath", []string{"a", "b", "c"})
	r.AddRow("only-one")
	require.Len(t, r.Rows, 1)
	assert.Equal(t, []string{"only-one", "", ""}, r.Rows[0])
}

func TestWriteCSV_Schema(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := sampleReport()

	path, err := r.WriteCSV(dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "orphans-"))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, []string{"run_id", "tool", "run_started", "volume_id", "name", "classification", "reason"}, records[0])
	assert.Equal(t, r.RunID, records[1][0])
	assert.Equal(t, "orphans", records[1][1])
	assert.Equal(t, "vol-1", records[1][3])
	assert.Equal(t, "vol-2", records[2][3])
}

func TestWriteHTML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r := sampleReport()
	r.Meta["array"] = "powerstore-01"

	path, err := r.WriteHTML(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, r.RunID)
	assert.Contains(t, html, "<td>pvc-aaa</td>")
	assert.Contains(t, html, "array=powerstore-01")
}

func TestPrune(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	old := filepath.Join(dir, "orphans-20200101-000000.csv")
	fresh := filepath.Join(dir, "orphans-20990101-000000.csv")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))
	require.NoError(t, os.Chtimes(other, stale, stale))

	removed, err := Prune(dir, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other, "non-artifact files are never pruned")
}

func TestPrune_MissingDir(t *testing.T) {
	t.Parallel()

	removed, err := Prune(filepath.Join(t.TempDir(), "nope"), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestServer_ListsAndServesArtifacts(t *testing.T) {
	dir := t.TempDir()
	r := sampleReport()
	_, err := r.WriteCSV(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.log"), []byte("x"), 0o644))

	engine := NewServer(dir)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reports", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var listing []artifactInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing, 1, "non-artifact files are hidden")
	assert.True(t, strings.HasSuffix(listing[0].Name, ".csv"))

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/"+listing[0].Name, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vol-1")

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
