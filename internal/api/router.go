package api

import (
	"context"
	"net/http"
	"strings"
)

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// segment is one slash separated part of a route pattern.
type segment struct {
	literal string
	param   string
	rest    bool
}

type pattern []segment

// compilePattern parses a pattern. A segment {name} matches one path
// segment and a final {name...} matches the rest of the path.
func compilePattern(p string) pattern {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	segs := make(pattern, len(parts))
	for i, part := range parts {
		if !strings.HasPrefix(part, "{") || !strings.HasSuffix(part, "}") {
			segs[i] = segment{literal: part}
			continue
		}
		name := part[1 : len(part)-1]
		if i == len(parts)-1 && strings.HasSuffix(name, "...") {
			segs[i] = segment{param: strings.TrimSuffix(name, "..."), rest: true}
			continue
		}
		segs[i] = segment{param: name}
	}
	return segs
}

func (p pattern) match(path string) (map[string]string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	params := make(map[string]string)
	for i, seg := range p {
		if i >= len(parts) {
			return nil, false
		}
		switch {
		case seg.rest:
			rest := strings.Join(parts[i:], "/")
			if rest == "" {
				return nil, false
			}
			params[seg.param] = rest
			return params, true
		case seg.param != "":
			if parts[i] == "" {
				return nil, false
			}
			params[seg.param] = parts[i]
		case seg.literal != parts[i]:
			return nil, false
		}
	}
	if len(parts) != len(p) {
		return nil, false
	}
	return params, true
}

func matchPattern(p, path string) (map[string]string, bool) {
	return compilePattern(p).match(path)
}

type route struct {
	method  string
	pattern pattern
	handler http.HandlerFunc
}

// Router dispatches requests by method and path pattern.
type Router struct {
	routes     []route
	middleware []Middleware
}

// NewRouter creates a new router.
func NewRouter() *Router {
	return &Router{}
}

// Use adds middleware. Middleware runs in the order it was added, for
// every request including unmatched ones.
func (r *Router) Use(mw Middleware) {
	r.middleware = append(r.middleware, mw)
}

// Handle registers a route.
func (r *Router) Handle(method, p string, handler http.HandlerFunc) {
	r.routes = append(r.routes, route{method: method, pattern: compilePattern(p), handler: handler})
}

func (r *Router) GET(p string, handler http.HandlerFunc)    { r.Handle(http.MethodGet, p, handler) }
func (r *Router) POST(p string, handler http.HandlerFunc)   { r.Handle(http.MethodPost, p, handler) }
func (r *Router) PUT(p string, handler http.HandlerFunc)    { r.Handle(http.MethodPut, p, handler) }
func (r *Router) DELETE(p string, handler http.HandlerFunc) { r.Handle(http.MethodDelete, p, handler) }

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var h http.Handler = http.HandlerFunc(r.dispatch)
	for i := len(r.middleware) - 1; i >= 0; i-- {
		h = r.middleware[i](h)
	}
	h.ServeHTTP(w, req)
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	allowed := false
	for _, rt := range r.routes {
		params, ok := rt.pattern.match(req.URL.Path)
		if !ok {
			continue
		}
		if rt.method != req.Method {
			allowed = true
			continue
		}
		rt.handler(w, req.WithContext(context.WithValue(req.Context(), paramsKey{}, params)))
		return
	}
	if allowed {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "endpoint not found")
}

type paramsKey struct{}

// Param returns a path parameter of the matched route.
func Param(r *http.Request, name string) string {
	params, _ := r.Context().Value(paramsKey{}).(map[string]string)
	return params[name]
}
