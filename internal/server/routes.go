package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// System routes
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/queue", s.app.JobHandler.QueueHandler)

	// Job routes
	mux.HandleFunc("/jobs", s.handleJobsRoute)  // GET (list), POST (create)
	mux.HandleFunc("/jobs/", s.handleJobRoutes) // /{id} and subpaths

	// Storage proxy routes
	mux.HandleFunc("/api/storage/", s.handleStorageRoutes)

	// Tree proxy routes
	mux.HandleFunc("/api/tree/nodes", s.app.TreeHandler.CreateNodeHandler)
	mux.HandleFunc("/api/tree/nodes/", s.handleNodeRoutes)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /jobs requests (list and create)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	methodRouter{
		"GET":  s.app.JobHandler.ListJobsHandler,
		"POST": s.app.JobHandler.CreateJobHandler,
	}.route(w, r)
}

// handleJobRoutes routes /jobs/{id} requests and their subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	// POST /jobs/draft
	if path == "/jobs/draft" {
		s.app.JobHandler.CreateDraftHandler(w, r)
		return
	}

	// GET /jobs/changes?since=...
	if path == "/jobs/changes" {
		s.app.JobHandler.ChangesHandler(w, r)
		return
	}

	// Action subpaths: /jobs/{id}/{action}
	if r.Method == "POST" {
		matched := routeBySuffix(w, r, "/jobs/", []suffixRoute{
			{suffix: "/start", handler: s.app.JobHandler.StartJobHandler},
			{suffix: "/pause", handler: s.app.JobHandler.PauseJobHandler},
			{suffix: "/resume", handler: s.app.JobHandler.ResumeJobHandler},
			{suffix: "/restart", handler: s.app.JobHandler.RestartJobHandler},
		})
		if matched {
			return
		}
	}
	if r.Method == "GET" {
		matched := routeBySuffix(w, r, "/jobs/", []suffixRoute{
			{suffix: "/details", handler: s.app.JobHandler.DetailsHandler},
			{suffix: "/result", handler: s.app.JobHandler.ResultHandler},
		})
		if matched {
			return
		}
	}

	// Plain /jobs/{id}
	methodRouter{
		"GET":    s.app.JobHandler.GetJobHandler,
		"PATCH":  s.app.JobHandler.RenameJobHandler,
		"DELETE": s.app.JobHandler.DeleteJobHandler,
	}.route(w, r)
}

// handleStorageRoutes routes /api/storage/{operation}/{key} requests
func (s *Server) handleStorageRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case strings.HasPrefix(path, "/api/storage/exists/"):
		s.app.StorageHandler.ExistsHandler(w, r)
	case strings.HasPrefix(path, "/api/storage/upload/"):
		s.app.StorageHandler.UploadHandler(w, r)
	case path == "/api/storage/upload-text":
		s.app.StorageHandler.UploadTextHandler(w, r)
	case strings.HasPrefix(path, "/api/storage/download/"):
		s.app.StorageHandler.DownloadHandler(w, r)
	case strings.HasPrefix(path, "/api/storage/delete/"):
		s.app.StorageHandler.DeleteHandler(w, r)
	case path == "/api/storage/delete-batch":
		s.app.StorageHandler.DeleteBatchHandler(w, r)
	case strings.HasPrefix(path, "/api/storage/list/"), path == "/api/storage/list":
		s.app.StorageHandler.ListHandler(w, r)
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleNodeRoutes routes /api/tree/nodes/{id} requests and their subpaths
func (s *Server) handleNodeRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path[len("/api/tree/nodes/"):], "/")
	parts := strings.Split(path, "/")

	if len(parts) == 1 && parts[0] != "" {
		methodRouter{
			"GET":    s.app.TreeHandler.GetNodeHandler,
			"PUT":    s.app.TreeHandler.UpdateNodeHandler,
			"DELETE": s.app.TreeHandler.DeleteNodeHandler,
		}.route(w, r)
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "children":
			s.app.TreeHandler.ChildrenHandler(w, r)
			return
		case "files":
			methodRouter{
				"GET":  s.app.TreeHandler.ListFilesHandler,
				"POST": s.app.TreeHandler.RegisterFileHandler,
			}.route(w, r)
			return
		case "pdf":
			methodRouter{
				"PUT": s.app.TreeHandler.SetPDFHandler,
			}.route(w, r)
			return
		}
	}

	s.app.APIHandler.NotFoundHandler(w, r)
}
