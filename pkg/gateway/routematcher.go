package gateway

import (
	"strings"
	"sync/atomic"

	"github.com/cuemby/esb/pkg/types"
)

// routeSegment is one path-pattern segment: either a literal or a
// single-segment wildcard (e.g. the "{id}" in "/api/{id}").
type routeSegment struct {
	literal  string
	wildcard bool
}

type compiledRoute struct {
	method       string
	segments     []routeSegment
	literalCount int
	literalLen   int
	fn           *types.FunctionDescriptor
}

type routeIndex struct {
	routes []compiledRoute
}

// RouteTable is the Gateway's hand-built function router (§4.1). It is
// read-only at request time; Reload swaps the whole table in one atomic
// pointer store, grounded on (but materially extending) pkg/ingress/router.go's
// matchHost/matchPath longest-prefix logic — that router has no method
// dimension or 405 concept since ingress matching is host+path only.
type RouteTable struct {
	idx atomic.Pointer[routeIndex]
}

// NewRouteTable builds an empty table; call Reload before serving traffic.
func NewRouteTable() *RouteTable {
	rt := &RouteTable{}
	rt.idx.Store(&routeIndex{})
	return rt
}

func compileSegments(pattern string) []routeSegment {
	parts := strings.Split(strings.Trim(pattern, "/"), "/")
	segs := make([]routeSegment, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			segs = append(segs, routeSegment{wildcard: true})
		} else {
			segs = append(segs, routeSegment{literal: p})
		}
	}
	return segs
}

// Reload atomically replaces the route table from a fresh set of function
// descriptors (§4.1 "reload is atomic pointer swap on config change").
func (rt *RouteTable) Reload(descs []*types.FunctionDescriptor) {
	idx := &routeIndex{}
	for _, fn := range descs {
		for _, r := range fn.Routes {
			segs := compileSegments(r.Path)
			literalCount, literalLen := 0, 0
			for _, s := range segs {
				if !s.wildcard {
					literalCount++
					literalLen += len(s.literal)
				}
			}
			idx.routes = append(idx.routes, compiledRoute{
				method:       strings.ToUpper(r.Method),
				segments:     segs,
				literalCount: literalCount,
				literalLen:   literalLen,
				fn:           fn,
			})
		}
	}
	rt.idx.Store(idx)
}

// Lookup matches method and path against the table. It returns the winning
// function descriptor, NotFound if no pattern's shape matches the path at
// all, or MethodNotAllowed if a pattern matches the path but not under the
// requested method (§4.1).
func (rt *RouteTable) Lookup(method, path string) (*types.FunctionDescriptor, error) {
	idx := rt.idx.Load()
	reqSegs := splitPath(path)

	var candidates []compiledRoute
	for _, r := range idx.routes {
		if segmentsMatch(r.segments, reqSegs) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, types.NewError(types.KindNotFound, nil)
	}

	method = strings.ToUpper(method)
	for _, r := range bestCandidates(candidates) {
		if r.method == method {
			return r.fn, nil
		}
	}
	return nil, types.NewError(types.KindMethodNotAllowed, nil)
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func segmentsMatch(pattern []routeSegment, req []string) bool {
	if len(pattern) != len(req) {
		return false
	}
	for i, s := range pattern {
		if !s.wildcard && s.literal != req[i] {
			return false
		}
	}
	return true
}

// bestCandidates narrows candidates to the §4.1 tie-break winners: most
// literal segments first, then greatest total literal character length.
func bestCandidates(candidates []compiledRoute) []compiledRoute {
	maxLiteralCount := -1
	for _, c := range candidates {
		if c.literalCount > maxLiteralCount {
			maxLiteralCount = c.literalCount
		}
	}

	var byLiteralCount []compiledRoute
	for _, c := range candidates {
		if c.literalCount == maxLiteralCount {
			byLiteralCount = append(byLiteralCount, c)
		}
	}

	maxLiteralLen := -1
	for _, c := range byLiteralCount {
		if c.literalLen > maxLiteralLen {
			maxLiteralLen = c.literalLen
		}
	}

	var best []compiledRoute
	for _, c := range byLiteralCount {
		if c.literalLen == maxLiteralLen {
			best = append(best, c)
		}
	}
	return best
}
