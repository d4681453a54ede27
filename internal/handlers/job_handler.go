package handlers

import (
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/models"
	"github.com/ternarybob/inkwell/internal/services/jobs"
)

// maxUploadSize bounds multipart job submissions (PDF plus blocks).
const maxUploadSize = 256 << 20

// JobHandler handles job lifecycle API requests.
type JobHandler struct {
	service *jobs.Service
	logger  arbor.ILogger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(service *jobs.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		service: service,
		logger:  logger,
	}
}

// CreateJobHandler accepts a new OCR job and enqueues it.
// POST /jobs (multipart: client_id, document_id, document_name, task_name,
// engine, text_model, table_model, image_model, stamp_model, node_id, pdf,
// blocks_file)
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, false)
}

// CreateDraftHandler persists a job as draft without enqueueing it. The
// blocks arrive as annotation_json instead of blocks_file.
// POST /jobs/draft
func (h *JobHandler) CreateDraftHandler(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, true)
}

func (h *JobHandler) create(w http.ResponseWriter, r *http.Request, draft bool) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "invalid multipart form: %v", err))
		return
	}

	pdf, err := readFormFile(r, "pdf")
	if err != nil {
		WriteError(w, err)
		return
	}
	blocksField := "blocks_file"
	if draft {
		blocksField = "annotation_json"
	}
	blocks, err := readFormFile(r, blocksField)
	if err != nil {
		WriteError(w, err)
		return
	}

	req := &jobs.CreateRequest{
		DocumentID:   r.FormValue("document_id"),
		DocumentName: r.FormValue("document_name"),
		TaskName:     r.FormValue("task_name"),
		Engine:       r.FormValue("engine"),
		ClientID:     r.FormValue("client_id"),
		NodeID:       r.FormValue("node_id"),
		Draft:        draft,
		PDF:          pdf,
		Blocks:       blocks,
		Settings:     settingsFromForm(r),
	}

	job, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("document", req.DocumentName).Msg("Job creation rejected")
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// StartJobHandler enqueues a draft job, applying engine and model overrides.
// POST /jobs/{id}/start (form: engine, text_model, table_model, image_model, stamp_model)
func (h *JobHandler) StartJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	id := PathSegment(r.URL.Path, "/jobs/", 0)
	if err := r.ParseForm(); err != nil {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "invalid form: %v", err))
		return
	}

	job, err := h.service.StartDraft(r.Context(), id, r.FormValue("engine"), settingsFromForm(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ListJobsHandler returns job summaries newest first.
// GET /jobs?client_id=&document_id=&status=&limit=&offset=
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	status := models.JobStatus(r.URL.Query().Get("status"))

	list, err := h.service.List(status, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, err)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	documentID := r.URL.Query().Get("document_id")
	filtered := make([]*models.Job, 0, len(list))
	for _, job := range list {
		if clientID != "" && job.ClientID != clientID {
			continue
		}
		if documentID != "" && job.DocumentID != documentID {
			continue
		}
		filtered = append(filtered, job)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  filtered,
		"count": len(filtered),
	})
}

// ChangesHandler returns jobs updated after the given instant, for polling.
// GET /jobs/changes?since=<RFC3339>
func (h *JobHandler) ChangesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	sinceStr := r.URL.Query().Get("since")
	since, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "invalid since timestamp %q", sinceStr))
		return
	}

	changed, err := h.service.Changes(since)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  changed,
		"count": len(changed),
	})
}

// GetJobHandler returns one job.
// GET /jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/jobs/", 0)
	job, err := h.service.Get(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// DetailsHandler returns a job with its settings and artifact rows.
// GET /jobs/{id}/details
func (h *JobHandler) DetailsHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/jobs/", 0)
	details, err := h.service.GetDetails(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, details)
}

// ResultHandler presigns a download link for the result archive.
// GET /jobs/{id}/result
func (h *JobHandler) ResultHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/jobs/", 0)
	job, err := h.service.Get(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	if job.Status != models.JobStatusDone {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "not_ready: job status is %s", job.Status))
		return
	}

	url, err := h.service.ResultURL(r.Context(), id, models.JobFileTypeResultZip)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"download_url": url,
		"file_name":    resultFileName(job),
	})
}

// PauseJobHandler requests a cooperative pause.
// POST /jobs/{id}/pause
func (h *JobHandler) PauseJobHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/jobs/", 0)
	job, err := h.service.Pause(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ResumeJobHandler re-queues a paused job.
// POST /jobs/{id}/resume
func (h *JobHandler) ResumeJobHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/jobs/", 0)
	job, err := h.service.Resume(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// RestartJobHandler re-queues a finished, failed or paused job from scratch.
// An optional multipart blocks_file replaces the stored annotation.
// POST /jobs/{id}/restart
func (h *JobHandler) RestartJobHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/jobs/", 0)

	var replacement []byte
	if err := r.ParseMultipartForm(maxUploadSize); err == nil {
		if data, err := readFormFile(r, "blocks_file"); err == nil {
			replacement = data
		}
	}

	job, err := h.service.Restart(r.Context(), id, replacement)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// RenameJobHandler updates the task name.
// PATCH /jobs/{id} (form: task_name)
func (h *JobHandler) RenameJobHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/jobs/", 0)
	if err := r.ParseForm(); err != nil {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "invalid form: %v", err))
		return
	}
	if err := h.service.Rename(id, r.FormValue("task_name")); err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, "job renamed")
}

// DeleteJobHandler removes a job, its rows and its stored objects.
// DELETE /jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/jobs/", 0)
	if err := h.service.Delete(r.Context(), id); err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, "job deleted")
}

// QueueHandler reports queue backlog and capacity.
// GET /queue
func (h *JobHandler) QueueHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	status, err := h.service.Queue(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read queue status")
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func readFormFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, models.Errorf(models.ErrInvalidInput, "missing %s upload", field)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, models.Errorf(models.ErrInvalidInput, "failed to read %s upload: %v", field, err)
	}
	return data, nil
}

func settingsFromForm(r *http.Request) *models.JobSettings {
	settings := &models.JobSettings{
		TextModel:        r.FormValue("text_model"),
		TableModel:       r.FormValue("table_model"),
		ImageModel:       r.FormValue("image_model"),
		StampModel:       r.FormValue("stamp_model"),
		IsCorrectionMode: r.FormValue("is_correction_mode") == "true",
	}
	if settings.TextModel == "" && settings.TableModel == "" &&
		settings.ImageModel == "" && settings.StampModel == "" && !settings.IsCorrectionMode {
		return nil
	}
	return settings
}

func resultFileName(job *models.Job) string {
	name := job.TaskName
	if name == "" {
		name = job.DocumentName
	}
	if name == "" {
		name = job.ID
	}
	ext := path.Ext(name)
	if ext != "" {
		name = name[:len(name)-len(ext)]
	}
	return name + "_result.zip"
}
