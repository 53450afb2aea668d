package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
)

func TestBackend_ApplyUpsertsInTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawl_checkpoint").
		WithArgs("row:r1", "discovered", "A||").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_checkpoint").
		WithArgs("node:A||", "done", "accepted").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err = b.Apply(context.Background(), []checkpoint.Entry{
		{Key: "row:r1", Status: "discovered", Detail: "A||"},
		{Key: "node:A||", Status: "done", Detail: "accepted"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackend_ApplyRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b, err := NewWithPool(mock, "checkpoints")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO checkpoints").
		WithArgs("node:A||", "done", "empty").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = b.Apply(context.Background(), []checkpoint.Entry{{Key: "node:A||", Status: "done", Detail: "empty"}})
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackend_LoadScansEntries(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b, err := NewWithPool(mock, "")
	require.NoError(t, err)

	rows := mock.NewRows([]string{"key", "status", "detail"}).
		AddRow("node:||", "done", "subdivided").
		AddRow("row:r9", "fetched", "Z||")
	mock.ExpectQuery("SELECT key, status, detail FROM crawl_checkpoint").WillReturnRows(rows)

	entries, err := b.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []checkpoint.Entry{
		{Key: "node:||", Status: "done", Detail: "subdivided"},
		{Key: "row:r9", Status: "fetched", Detail: "Z||"},
	}, entries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackend_ResetAndSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b, err := NewWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_checkpoint").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("DELETE FROM crawl_checkpoint").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, b.EnsureSchema(context.Background()))
	require.NoError(t, b.Reset(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPool_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "bad-name;drop")
	require.Error(t, err)
}

func TestNew_RequiresDSN(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}
