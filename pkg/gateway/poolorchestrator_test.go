package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/esb/pkg/types"
)

func testPoolOrchestrator(t *testing.T, rpcBaseURL string) *PoolOrchestrator {
	t.Helper()
	cfg := Config{
		PoolAcquireTimeout:  time.Second,
		InvokeTimeout:       time.Second,
		EnableContainerPool: true,
	}
	return NewPoolOrchestrator(cfg, NewPools(), NewBreakers(5, 30*time.Second), NewHostCache(30*time.Second),
		NewRPCClient(rpcBaseURL, time.Second), newInFlightSet())
}

func TestPoolOrchestrator_ColdStartThenWarmReuse(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer worker.Close()
	workerAddr := worker.Listener.Addr().String()

	ensureCalls := 0
	orch := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ensureCalls++
		writeTestJSON(w, types.EnsureResponse{ContainerID: "c1", Address: workerAddr})
	}))
	defer orch.Close()

	po := testPoolOrchestrator(t, orch.URL)
	fn := &types.FunctionDescriptor{Name: "hello", MaxCapacity: 5}

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	resp, err := po.Invoke(context.Background(), fn, req, "req-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 1, ensureCalls)

	req2 := httptest.NewRequest(http.MethodGet, "/hello", nil)
	resp2, err := po.Invoke(context.Background(), fn, req2, "req-2")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, 1, ensureCalls, "second invocation should reuse the cached/released handle, not call Ensure again")
}

func TestPoolOrchestrator_UpstreamServerErrorEvictsAndTripsBreaker(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer worker.Close()
	workerAddr := worker.Listener.Addr().String()

	orch := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/containers/ensure" {
			writeTestJSON(w, types.EnsureResponse{ContainerID: "c1", Address: workerAddr})
			return
		}
		writeTestJSON(w, types.EvictResponse{OK: true})
	}))
	defer orch.Close()

	cfg := Config{PoolAcquireTimeout: time.Second, InvokeTimeout: time.Second, EnableContainerPool: true}
	po := NewPoolOrchestrator(cfg, NewPools(), NewBreakers(1, 30*time.Second), NewHostCache(30*time.Second),
		NewRPCClient(orch.URL, time.Second), newInFlightSet())
	fn := &types.FunctionDescriptor{Name: "hello", MaxCapacity: 5}

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	_, err := po.Invoke(context.Background(), fn, req, "req-1")
	require.Error(t, err)
	assert.Equal(t, types.KindUpstreamServerError, err.(*types.Error).Kind)

	_, _, ok := po.cache.Get("hello")
	assert.False(t, ok, "a 5xx must invalidate the host cache entry")

	req2 := httptest.NewRequest(http.MethodGet, "/hello", nil)
	_, err = po.Invoke(context.Background(), fn, req2, "req-2")
	require.Error(t, err)
	assert.Equal(t, types.KindBreakerOpen, err.(*types.Error).Kind, "threshold of 1 must trip the breaker on the next call")
}

func TestPoolOrchestrator_DisabledFunction(t *testing.T) {
	po := testPoolOrchestrator(t, "http://127.0.0.1:1")
	fn := &types.FunctionDescriptor{Name: "off", MaxCapacity: 0}

	req := httptest.NewRequest(http.MethodGet, "/off", nil)
	_, err := po.Invoke(context.Background(), fn, req, "req-1")
	require.Error(t, err)
	assert.Equal(t, types.KindDisabled, err.(*types.Error).Kind)
}

func TestPoolOrchestrator_EnsureFailurePropagatesAndFreesPermit(t *testing.T) {
	orch := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		writeTestJSON(w, types.RPCError{Kind: "container_start_failed", Message: "boom"})
	}))
	defer orch.Close()

	po := testPoolOrchestrator(t, orch.URL)
	fn := &types.FunctionDescriptor{Name: "hello", MaxCapacity: 1}

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	_, err := po.Invoke(context.Background(), fn, req, "req-1")
	require.Error(t, err)
	assert.Equal(t, types.KindContainerStartFailed, err.(*types.Error).Kind)

	// The permit consumed by the failed attempt must have been freed, or
	// this second call would hang until PoolAcquireTimeout.
	req2 := httptest.NewRequest(http.MethodGet, "/hello", nil)
	_, err = po.Invoke(context.Background(), fn, req2, "req-2")
	require.Error(t, err)
	assert.Equal(t, types.KindContainerStartFailed, err.(*types.Error).Kind)
}

func writeTestJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
