package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClock_NowIsUTCAndCurrent(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().Add(-time.Second)
	got := clk.Now()
	require.Equal(t, time.UTC, got.Location())
	require.WithinRange(t, got, before, time.Now().Add(time.Second))
	require.False(t, clk.Now().Before(got))
}
