package csv

import (
	"context"
	encsv "encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vitalrecords-crawler/internal/crawler"
)

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := encsv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestSink_WritesHeaderOnceAndAppends(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out", "moms.csv")
	ctx := context.Background()

	s, err := New(Config{Path: path, Columns: []string{"Applicant 1", "County"}}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, crawler.Record{
		RowID:      "https://moms.mn.gov/Certificate?id=1",
		SourceNode: "A||",
		RunID:      "run-1",
		FetchedAt:  time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		Fields:     map[string]string{"Applicant 1": "SMITH, ANNA", "County": "Ramsey, MN"},
		Complete:   true,
	}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	// A second run reuses the existing header even with other columns configured.
	s, err = New(Config{Path: path}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"Applicant 1", "County", "row_id", "source_node", "complete", "missing", "fetched_at", "run_id"}, s.Columns())
	require.NoError(t, s.Write(ctx, crawler.Record{
		RowID:    "https://moms.mn.gov/Certificate?id=2",
		Fields:   map[string]string{"Applicant 1": "DOE, JOHN"},
		Missing:  []string{"County", "Date Filed"},
		Complete: false,
	}))
	require.NoError(t, s.Close())

	rows := readAll(t, path)
	require.Len(t, rows, 3)
	require.Equal(t, []string{
		"SMITH, ANNA", "Ramsey, MN", "https://moms.mn.gov/Certificate?id=1", "A||", "true", "",
		"2026-10-01T12:00:00Z", "run-1",
	}, rows[1])
	require.Equal(t, "DOE, JOHN", rows[2][0])
	require.Equal(t, "false", rows[2][4])
	require.Equal(t, "County;Date Filed", rows[2][5])
}

func TestSink_DefaultColumnsAndErrors(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "moms.csv")
	s, err := New(Config{Path: path}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultColumns, s.Columns()[:len(DefaultColumns)])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, s.Write(ctx, crawler.Record{RowID: "x"}))

	require.NoError(t, s.Close())
	require.Error(t, s.Write(context.Background(), crawler.Record{RowID: "x"}))
	require.Len(t, readAll(t, path), 1)
}

// writeFailsOnce is a real file whose first Write lands half the bytes
// and fails.
type writeFailsOnce struct {
	*os.File
	failed bool
}

func (f *writeFailsOnce) Write(p []byte) (int, error) {
	if !f.failed {
		f.failed = true
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("no space left on device")
	}
	return f.File.Write(p)
}

func TestSink_RetryAfterPartialWriteKeepsOneRecord(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "moms.csv")
	s, err := New(Config{Path: path, Columns: []string{"County"}}, nil)
	require.NoError(t, err)
	s.f = &writeFailsOnce{File: s.f.(*os.File)}
	ctx := context.Background()
	rec := crawler.Record{RowID: "r1", Fields: map[string]string{"County": "Hennepin"}}

	require.ErrorContains(t, s.Write(ctx, rec), "no space left on device")
	require.NoError(t, s.Write(ctx, rec))
	require.NoError(t, s.Close())

	rows := readAll(t, path)
	require.Len(t, rows, 2)
	require.Equal(t, []string{"Hennepin", "r1"}, rows[1][:2])
}
