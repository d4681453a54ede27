package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/common"
)

// APIHandler serves the system endpoints: health, version, unmatched routes.
type APIHandler struct {
	config  *common.Config
	logger  arbor.ILogger
	started time.Time
}

// NewAPIHandler creates a new system API handler.
func NewAPIHandler(config *common.Config, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		config:  config,
		logger:  logger,
		started: time.Now().UTC(),
	}
}

// HealthHandler is the liveness probe. It is the only unauthenticated route.
// GET /health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// VersionHandler returns build information.
// GET /version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version":     common.GetVersion(),
		"build":       common.GetBuild(),
		"git_commit":  common.GetGitCommit(),
		"environment": h.config.Environment,
	})
}

// NotFoundHandler answers unmatched API routes with a JSON 404.
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]string{
		"status": "error",
		"error":  "not_found: no route for " + r.URL.Path,
	})
}
