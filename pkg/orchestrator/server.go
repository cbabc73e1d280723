package orchestrator

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/cuemby/esb/pkg/log"
	"github.com/cuemby/esb/pkg/types"
)

// Server exposes the Orchestrator's internal RPC surface over plain
// HTTP+JSON (§6 "Internal Orchestrator RPC"; see DESIGN.md for why this is
// not gRPC).
type Server struct {
	orch *Orchestrator
	mux  *http.ServeMux
}

// NewServer builds the internal RPC mux. The caller wraps it into an
// http.Server bound to the config's internal address.
func NewServer(orch *Orchestrator) *Server {
	s := &Server{orch: orch, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /containers/ensure", s.handleEnsure)
	s.mux.HandleFunc("POST /containers/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("POST /containers/evict", s.handleEvict)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	var req types.EnsureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, types.NewError(types.KindUnknown, err))
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx := r.Context()
	rlog := log.WithRequestID(requestID)

	resp, err := s.orch.Ensure(ctx, req.FunctionName)
	if err != nil {
		rlog.Warn().Err(err).Str("function", req.FunctionName).Msg("rpc: ensure failed")
		writeRPCError(w, statusForErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, types.NewError(types.KindUnknown, err))
		return
	}
	for _, id := range req.IDs {
		s.orch.store.Touch(id)
	}
	writeJSON(w, http.StatusOK, types.HeartbeatResponse{OK: true})
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	var req types.EvictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest, types.NewError(types.KindUnknown, err))
		return
	}
	s.orch.rollback(req.ContainerID)
	writeJSON(w, http.StatusOK, types.EvictResponse{OK: true})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRPCError(w http.ResponseWriter, status int, err error) {
	kind := types.KindUnknown
	var typedErr *types.Error
	if e, ok := err.(*types.Error); ok {
		typedErr = e
		kind = e.Kind
	}
	msg := err.Error()
	if typedErr != nil && typedErr.Cause == nil {
		msg = kind.String()
	}
	writeJSON(w, status, types.RPCError{Kind: kind.Slug(), Message: msg})
}

// statusForErr maps an internal *types.Error to the internal RPC's HTTP
// status. This is a smaller mapping than the Gateway's public one (§6) —
// the Gateway re-derives its own public status from the RPCError's Kind.
func statusForErr(err error) int {
	e, ok := err.(*types.Error)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindDisabled, types.KindAtCapacity:
		return http.StatusConflict
	case types.KindImagePullFailed, types.KindContainerStartFailed, types.KindReadinessTimedOut:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
