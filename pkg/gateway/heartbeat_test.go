package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/esb/pkg/types"
)

func TestHeartbeatJanitor_ReportsCheckedOutAndCachedIDs(t *testing.T) {
	var reported atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.HeartbeatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		reported.Store(req.IDs)
		_ = json.NewEncoder(w).Encode(types.HeartbeatResponse{OK: true})
	}))
	defer srv.Close()

	inFlight := newInFlightSet()
	inFlight.Add("checked-out-1")
	cache := NewHostCache(time.Minute)
	cache.Put("hello", "cached-1", "10.0.0.1:8080")

	janitor := NewHeartbeatJanitor(10*time.Millisecond, NewRPCClient(srv.URL, time.Second), inFlight, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go janitor.Run(ctx)
	defer janitor.Stop()

	require.Eventually(t, func() bool {
		v := reported.Load()
		if v == nil {
			return false
		}
		ids, _ := v.([]string)
		return len(ids) == 2
	}, time.Second, 5*time.Millisecond)

	ids := reported.Load().([]string)
	assert.ElementsMatch(t, []string{"checked-out-1", "cached-1"}, ids)
}

func TestHeartbeatJanitor_SkipsReportWhenNothingInFlight(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_ = json.NewEncoder(w).Encode(types.HeartbeatResponse{OK: true})
	}))
	defer srv.Close()

	janitor := NewHeartbeatJanitor(10*time.Millisecond, NewRPCClient(srv.URL, time.Second), newInFlightSet(), NewHostCache(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	go janitor.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	janitor.Stop()

	assert.False(t, called)
}

func TestHeartbeatJanitor_StopExitsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(types.HeartbeatResponse{OK: true})
	}))
	defer srv.Close()

	janitor := NewHeartbeatJanitor(time.Hour, NewRPCClient(srv.URL, time.Second), newInFlightSet(), NewHostCache(time.Minute))

	done := make(chan struct{})
	go func() {
		janitor.Run(context.Background())
		close(done)
	}()

	janitor.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}
