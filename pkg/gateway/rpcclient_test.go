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

func TestRPCClient_EnsureSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/containers/ensure", r.URL.Path)
		var req types.EnsureRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.FunctionName)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.EnsureResponse{ContainerID: "c1", Address: "10.0.0.1:8080"})
	}))
	defer srv.Close()

	c := NewRPCClient(srv.URL, time.Second)
	resp, err := c.Ensure(context.Background(), "hello", "req-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.ContainerID)
	assert.Equal(t, "10.0.0.1:8080", resp.Address)
}

func TestRPCClient_EnsureErrorDecodesKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(types.RPCError{Kind: "at_capacity", Message: "at capacity"})
	}))
	defer srv.Close()

	c := NewRPCClient(srv.URL, time.Second)
	_, err := c.Ensure(context.Background(), "hello", "")
	require.Error(t, err)
	typed, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.KindAtCapacity, typed.Kind)
}

func TestRPCClient_HeartbeatSendsIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.HeartbeatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"c1", "c2"}, req.IDs)
		_ = json.NewEncoder(w).Encode(types.HeartbeatResponse{OK: true})
	}))
	defer srv.Close()

	c := NewRPCClient(srv.URL, time.Second)
	require.NoError(t, c.Heartbeat(context.Background(), []string{"c1", "c2"}))
}

func TestRPCClient_NetworkErrorWraps(t *testing.T) {
	c := NewRPCClient("http://127.0.0.1:1", 50*time.Millisecond)
	_, err := c.Ensure(context.Background(), "hello", "")
	require.Error(t, err)
	_, ok := err.(*types.Error)
	require.True(t, ok)
}
