package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/hipotd/internal/types"
)

func testSession() types.TestSession {
	return types.TestSession{
		SessionID:   "0f8e4b4c-1111-2222-3333-444455556666",
		StartedAt:   time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
		Mode:        types.ModeIR,
		DeviceModel: "1903X",
		Verdict:     types.VerdictHighFail,
		Samples: []types.DataPoint{
			types.NewDataPoint(0.5, 100, 1e6),
			types.NewDataPoint(1.0, 100, 0),
		},
	}
}

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func TestExportSession(t *testing.T) {
	e := New(Config{Path: t.TempDir()})

	path, err := e.Export(testSession())
	require.NoError(t, err)
	assert.Equal(t, "hipot_2024-05-01_093000_0f8e4b4c.csv", filepath.Base(path))

	rows := readAll(t, path)
	assert.Equal(t, []string{"verdict", "HIGH FAIL"}, rows[4])
	assert.Equal(t, sampleHeader, rows[5])
	assert.Equal(t, []string{"0", "0.500", "100", "0.0001", "1e+06"}, rows[6])
	assert.Equal(t, []string{"1", "1.000", "100", "0", "0"}, rows[7])
}

func TestOnSessionCompletedRespectsEnabled(t *testing.T) {
	dir := t.TempDir()
	e := New(Config{Path: dir})

	e.OnSessionCompleted(testSession())
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)

	e.SetEnabled(true)
	e.OnSessionCompleted(testSession())
	entries, _ = os.ReadDir(dir)
	assert.Len(t, entries, 1)
}

func TestExportAll(t *testing.T) {
	e := New(Config{Path: t.TempDir()})

	path, err := e.ExportAll([]types.TestSession{testSession()})
	require.NoError(t, err)
	rows := readAll(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, summaryHeader, rows[0])
	assert.Equal(t, "2", rows[1][5])
}
