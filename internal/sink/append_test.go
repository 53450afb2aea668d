package sink

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// flakyFile keeps its contents in memory and fails on demand. A failed
// write stores half of the data first.
type flakyFile struct {
	data      []byte
	failWrite int
	failSync  int
	truncErr  error
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if f.failWrite > 0 {
		f.failWrite--
		n := len(p) / 2
		f.data = append(f.data, p[:n]...)
		return n, errors.New("no space left on device")
	}
	f.data = append(f.data, p...)
	return len(p), nil
}

func (f *flakyFile) Sync() error {
	if f.failSync > 0 {
		f.failSync--
		return errors.New("input/output error")
	}
	return nil
}

func (f *flakyFile) Truncate(size int64) error {
	if f.truncErr != nil {
		return f.truncErr
	}
	f.data = f.data[:size]
	return nil
}

func (f *flakyFile) Stat() (os.FileInfo, error) { return fileInfo{size: int64(len(f.data))}, nil }

func (f *flakyFile) Close() error { return nil }

type fileInfo struct{ size int64 }

func (i fileInfo) Name() string       { return "records" }
func (i fileInfo) Size() int64        { return i.size }
func (i fileInfo) Mode() fs.FileMode  { return 0o600 }
func (i fileInfo) ModTime() time.Time { return time.Time{} }
func (i fileInfo) IsDir() bool        { return false }
func (i fileInfo) Sys() any           { return nil }

func TestAppendSynced_FailedWriteLeavesNoPartialLine(t *testing.T) {
	t.Parallel()
	f := &flakyFile{data: []byte("header\n"), failWrite: 1}

	err := AppendSynced(f, []byte("first record\n"))
	require.ErrorContains(t, err, "no space left")
	require.Equal(t, "header\n", string(f.data))

	require.NoError(t, AppendSynced(f, []byte("first record\n")))
	require.Equal(t, "header\nfirst record\n", string(f.data))
}

func TestAppendSynced_FailedSyncIsRolledBack(t *testing.T) {
	t.Parallel()
	f := &flakyFile{failSync: 1}

	err := AppendSynced(f, []byte("a\n"))
	require.ErrorContains(t, err, "sync")
	require.Empty(t, f.data)

	require.NoError(t, AppendSynced(f, []byte("a\n")))
	require.Equal(t, "a\n", string(f.data))
}

func TestAppendSynced_ReportsFailedRollback(t *testing.T) {
	t.Parallel()
	f := &flakyFile{failSync: 1, truncErr: errors.New("read-only file system")}

	err := AppendSynced(f, []byte("a\n"))
	require.ErrorContains(t, err, "input/output error")
	require.ErrorContains(t, err, "read-only file system")
}

func TestAppendSynced_RealFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.txt")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, AppendSynced(f, []byte("one\n")))
	require.NoError(t, AppendSynced(f, []byte("two\n")))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", string(got))
}
