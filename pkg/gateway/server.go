package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cuemby/esb/pkg/log"
	"github.com/cuemby/esb/pkg/types"
)

// NewServer builds the public HTTP surface (§6): fixed routes for /health
// and /user/auth/ver1.0 via chi, matching pkg/orchestrator/server.go's
// fixed-route style, and a catch-all that defers to the hand-built
// RouteTable for everything else. Grounded on pkg/ingress/proxy.go's
// handleRequest (route, then dispatch) for the overall shape, minus the
// load-balancer and TLS-from-database machinery that proxy.go layers on top
// (out of scope here — §1).
func NewServer(g *Gateway) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", g.handleHealth)
	r.Post("/user/auth/ver1.0", g.handleAuth)
	r.Handle("/*", http.HandlerFunc(g.handleInvoke))
	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleInvoke is the "ANY <configured-path>" surface (§6): authenticate,
// route, then run the full §4.5 pool/breaker/proxy flow, mapping whatever
// error comes back to the one HTTP status switch described in §7.
func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rlog := log.WithRequestID(requestID)

	if err := g.authenticateBearer(r); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	fn, err := g.routes.Lookup(r.Method, r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}

	upstream, err := g.pool.Invoke(r.Context(), fn, r, requestID)
	if err != nil {
		rlog.Warn().Err(err).Str("function", fn.Name).Msg("invoke failed")
		writeError(w, err)
		return
	}
	defer upstream.Body.Close()

	for k, vv := range upstream.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(upstream.StatusCode)
	_, _ = io.Copy(w, upstream.Body)
}

// writeError maps a *types.Error to the §6/§7 HTTP status. This is the one
// place in the Gateway that translates the internal error taxonomy into a
// wire status — every other layer only returns errors (§9).
func writeError(w http.ResponseWriter, err error) {
	var e *types.Error
	if !errors.As(err, &e) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch e.Kind {
	case types.KindNotFound:
		w.WriteHeader(http.StatusNotFound)
	case types.KindMethodNotAllowed:
		w.WriteHeader(http.StatusMethodNotAllowed)
	case types.KindBadAPIKey, types.KindBadCredentials:
		w.WriteHeader(http.StatusUnauthorized)
	case types.KindAcquireTimedOut, types.KindAtCapacity, types.KindBreakerOpen:
		w.WriteHeader(http.StatusServiceUnavailable)
	case types.KindImagePullFailed, types.KindContainerStartFailed, types.KindReadinessTimedOut,
		types.KindUpstreamServerError, types.KindUpstreamNetworkError:
		w.WriteHeader(http.StatusBadGateway)
	case types.KindUpstreamTimeout:
		w.WriteHeader(http.StatusGatewayTimeout)
	case types.KindDisabled, types.KindConflict:
		w.WriteHeader(http.StatusServiceUnavailable)
	case types.KindGone:
		w.WriteHeader(http.StatusBadGateway)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}
