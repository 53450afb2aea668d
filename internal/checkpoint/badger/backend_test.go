package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
)

func TestBackend_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	b, err := Open(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, b.Apply(ctx, []checkpoint.Entry{
		{Key: "node:||", Status: "done", Detail: "subdivided"},
		{Key: "row:sha256:abc", Status: "discovered", Detail: "A||"},
	}))
	require.NoError(t, b.Close())

	reopened, err := Open(Config{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []checkpoint.Entry{
		{Key: "node:||", Status: "done", Detail: "subdivided"},
		{Key: "row:sha256:abc", Status: "discovered", Detail: "A||"},
	}, entries)
}

func TestBackend_ResetInMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Apply(ctx, []checkpoint.Entry{{Key: "node:A||", Status: "terminal_overflow"}}))
	entries, err := b.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []checkpoint.Entry{{Key: "node:A||", Status: "terminal_overflow"}}, entries)

	require.NoError(t, b.Reset(ctx))
	entries, err = b.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOpen_RequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{})
	require.Error(t, err)
}
