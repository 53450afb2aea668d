package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint"
	"github.com/JakeFAU/vitalrecords-crawler/internal/checkpoint/memory"
)

func newTestStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	ctx := context.Background()
	store, err := checkpoint.Open(ctx, memory.NewBackend(), true)
	require.NoError(t, err)
	require.NoError(t, store.CompleteNode(ctx, "||",
		checkpoint.NodeState{Status: checkpoint.NodeDone, Outcome: checkpoint.OutcomeSubdivided}, nil))
	require.NoError(t, store.CompleteNode(ctx, "A||",
		checkpoint.NodeState{Status: checkpoint.NodeDone, Outcome: checkpoint.OutcomeAccepted},
		[]checkpoint.Row{{ID: "r1", Source: "A||"}, {ID: "r2", Source: "A||"}}))
	require.NoError(t, store.CompleteNode(ctx, "J|S|M",
		checkpoint.NodeState{Status: checkpoint.NodeTerminalOverflow}, nil))
	require.NoError(t, store.MarkRowFetched(ctx, checkpoint.Row{ID: "r1", Source: "A||"}))
	return store
}

func newTestServer(t *testing.T, state StateSource) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	srv, err := NewServer(state, reg, zap.NewNop())
	require.NoError(t, err)
	return srv, reg
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, newTestStore(t))
	rec := get(t, srv, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	require.Equal(t, http.StatusOK, get(t, srv, "/readyz").Code)

	idle, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, get(t, idle, "/healthz").Code)
	require.Equal(t, http.StatusServiceUnavailable, get(t, idle, "/readyz").Code)
	require.Equal(t, http.StatusServiceUnavailable, get(t, idle, "/v1/checkpoint").Code)
}

func TestServer_CheckpointStats(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, newTestStore(t))
	rec := get(t, srv, "/v1/checkpoint")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 2, got.Nodes[checkpoint.NodeDone])
	require.Equal(t, 1, got.Nodes[checkpoint.NodeTerminalOverflow])
	require.Equal(t, 1, got.Rows[checkpoint.RowFetched])
	require.Equal(t, 1, got.Rows[checkpoint.RowDiscovered])
	require.Equal(t, []string{"J|S|M"}, got.Gaps)
}

func TestServer_CheckpointNode(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, newTestStore(t))
	rec := get(t, srv, "/v1/checkpoint/nodes/A%7C%7C")
	require.Equal(t, http.StatusOK, rec.Code)
	var got nodeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, nodeResponse{Key: "A||", Status: checkpoint.NodeDone, Outcome: checkpoint.OutcomeAccepted}, got)

	require.Equal(t, http.StatusNotFound, get(t, srv, "/v1/checkpoint/nodes/Q%7C%7C").Code)
}

func TestServer_MetricsIncludeRequestCounts(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t, newTestStore(t))
	extra := prometheus.NewCounter(prometheus.CounterOpts{Name: "vitalcrawl_test_total", Help: "test"})
	reg.MustRegister(extra)
	extra.Inc()

	get(t, srv, "/healthz")
	rec := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "vitalcrawl_test_total 1")
	require.Contains(t, body, `vitalcrawl_ops_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
}

func TestServer_RequiresRegistry(t *testing.T) {
	t.Parallel()

	_, err := NewServer(nil, nil, nil)
	require.Error(t, err)

	reg := prometheus.NewRegistry()
	_, err = NewServer(nil, reg, nil)
	require.NoError(t, err)
	_, err = NewServer(nil, reg, nil)
	require.Error(t, err, "request metrics registered twice")
}

func TestServer_ServeStopsWithContext(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	srv, _ := newTestServer(t, newTestStore(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, addr, time.Second) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	require.Error(t, srv.Serve(context.Background(), "bad-address", time.Second))
	require.True(t, strings.Contains(addr, "127.0.0.1"))
}
