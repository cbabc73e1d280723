package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/esb/pkg/types"
)

// RPCClient calls the Orchestrator's internal RPC surface (§6) — plain
// HTTP+JSON against pkg/orchestrator/server.go's three endpoints, not gRPC;
// see DESIGN.md for why. Every non-2xx response is decoded back into a
// *types.Error carrying the original Kind, via the wire-form slug.
type RPCClient struct {
	baseURL string
	client  *http.Client
}

// NewRPCClient builds a client against the Orchestrator's internal address.
func NewRPCClient(baseURL string, timeout time.Duration) *RPCClient {
	return &RPCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Ensure calls POST /containers/ensure.
func (c *RPCClient) Ensure(ctx context.Context, functionName, requestID string) (types.EnsureResponse, error) {
	var resp types.EnsureResponse
	err := c.doJSON(ctx, "/containers/ensure", types.EnsureRequest{
		FunctionName: functionName,
		RequestID:    requestID,
	}, &resp)
	return resp, err
}

// Heartbeat calls POST /containers/heartbeat. Loss of a heartbeat report is
// tolerated by the caller (§4.6); this method just reports what happened.
func (c *RPCClient) Heartbeat(ctx context.Context, ids []string) error {
	var resp types.HeartbeatResponse
	return c.doJSON(ctx, "/containers/heartbeat", types.HeartbeatRequest{IDs: ids}, &resp)
}

// Evict calls POST /containers/evict, a Gateway-initiated removal request.
func (c *RPCClient) Evict(ctx context.Context, containerID string) error {
	var resp types.EvictResponse
	return c.doJSON(ctx, "/containers/evict", types.EvictRequest{ContainerID: containerID}, &resp)
}

func (c *RPCClient) doJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.NewError(types.KindUpstreamTimeout, err)
		}
		return types.NewError(types.KindUpstreamNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var rpcErr types.RPCError
	_ = json.NewDecoder(resp.Body).Decode(&rpcErr)
	kind := types.KindFromSlug(rpcErr.Kind)
	msg := rpcErr.Message
	if msg == "" {
		msg = fmt.Sprintf("orchestrator rpc %s: status %d", path, resp.StatusCode)
	}
	return types.NewError(kind, errors.New(msg))
}
