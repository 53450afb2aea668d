package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestLimiter_PenalizeAndRecover(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	l, err := New(Config{QPS: 1, MinQPS: 0.2, RecoverAfter: 2, Registerer: reg})
	require.NoError(t, err)
	require.Equal(t, rate.Limit(1), l.Limit())
	require.InDelta(t, 1, testutil.ToFloat64(l.current), 1e-9)

	l.Penalize()
	require.Equal(t, rate.Limit(0.5), l.Limit())
	l.Penalize()
	l.Penalize()
	require.Equal(t, rate.Limit(0.2), l.Limit(), "never below the floor")
	require.InDelta(t, 0.2, testutil.ToFloat64(l.current), 1e-9)

	l.Success()
	require.Equal(t, rate.Limit(0.2), l.Limit())
	l.Success()
	require.Equal(t, rate.Limit(0.4), l.Limit())
	l.Success()
	l.Success()
	l.Success()
	l.Success()
	require.Equal(t, rate.Limit(1), l.Limit(), "never above the configured rate")
}

func TestLimiter_PenaltyResetsCleanRun(t *testing.T) {
	t.Parallel()

	l, err := New(Config{QPS: 4, MinQPS: 1, RecoverAfter: 2})
	require.NoError(t, err)
	l.Penalize()
	l.Success()
	l.Penalize()
	l.Success()
	require.Equal(t, rate.Limit(1), l.Limit())
}

func TestLimiter_UnlimitedIgnoresFeedback(t *testing.T) {
	t.Parallel()

	l, err := New(Config{})
	require.NoError(t, err)
	l.Penalize()
	l.Success()
	require.Equal(t, rate.Inf, l.Limit())
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	l, err := New(Config{QPS: 0.001})
	require.NoError(t, err)
	require.NoError(t, l.Wait(context.Background()), "the first token is free")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx))
}

func TestLimiter_SharesCollectorsAcrossInstances(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	a, err := New(Config{QPS: 1, Registerer: reg})
	require.NoError(t, err)
	b, err := New(Config{QPS: 2, Registerer: reg})
	require.NoError(t, err)
	require.Same(t, a.current, b.current)
}
