package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/inkwell/internal/handlers"
)

// methodRouter dispatches one route by HTTP method. Unknown methods get a
// JSON 405 consistent with the rest of the API.
type methodRouter map[string]http.HandlerFunc

func (m methodRouter) route(w http.ResponseWriter, r *http.Request) {
	handler, ok := m[r.Method]
	if !ok {
		handlers.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"status": "error",
			"error":  "method not allowed",
		})
		return
	}
	handler(w, r)
}

// suffixRoute pairs an action suffix like "/start" with its handler.
type suffixRoute struct {
	suffix  string
	handler http.HandlerFunc
}

// routeBySuffix dispatches {prefix}{id}{suffix} paths such as
// /jobs/{id}/start. Reports whether a route matched.
func routeBySuffix(w http.ResponseWriter, r *http.Request, prefix string, routes []suffixRoute) bool {
	path := r.URL.Path
	if len(path) <= len(prefix) {
		return false
	}
	rest := path[len(prefix):]
	for _, rt := range routes {
		if strings.HasSuffix(rest, rt.suffix) {
			rt.handler(w, r)
			return true
		}
	}
	return false
}
