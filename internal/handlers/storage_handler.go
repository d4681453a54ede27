package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/common"
	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
)

// StorageHandler proxies object-store operations for clients that hold no
// bucket credentials. Every operation is scoped to the configured bucket.
type StorageHandler struct {
	objects interfaces.ObjectStore
	config  *common.Config
	logger  arbor.ILogger
}

// NewStorageHandler creates a new storage proxy handler.
func NewStorageHandler(objects interfaces.ObjectStore, config *common.Config, logger arbor.ILogger) *StorageHandler {
	return &StorageHandler{
		objects: objects,
		config:  config,
		logger:  logger,
	}
}

// ExistsHandler reports whether an object exists.
// GET /api/storage/exists/{key}
func (h *StorageHandler) ExistsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	key := storageKey(r.URL.Path, "/api/storage/exists/")
	if key == "" {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "object key is required"))
		return
	}
	exists, err := h.objects.Exists(r.Context(), key)
	if err != nil {
		WriteError(w, models.Errorf(models.ErrStorageUnavailable, "existence check failed: %v", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"key":    key,
		"exists": exists,
	})
}

// UploadHandler stores the request body under the given key.
// POST /api/storage/upload/{key}
func (h *StorageHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	key := storageKey(r.URL.Path, "/api/storage/upload/")
	if key == "" {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "object key is required"))
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "failed to read body: %v", err))
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := h.objects.UploadBytes(r.Context(), key, data, contentType); err != nil {
		WriteError(w, models.Errorf(models.ErrStorageUnavailable, "upload failed: %v", err))
		return
	}
	h.logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("Object uploaded via proxy")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"key":  key,
		"size": len(data),
	})
}

// uploadTextRequest is the body of the text-upload convenience endpoint.
type uploadTextRequest struct {
	Key         string `json:"key"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// UploadTextHandler stores a UTF-8 payload supplied as JSON.
// POST /api/storage/upload-text
func (h *StorageHandler) UploadTextHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var req uploadTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "invalid JSON body: %v", err))
		return
	}
	if req.Key == "" {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "object key is required"))
		return
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	if err := h.objects.UploadBytes(r.Context(), req.Key, []byte(req.Content), contentType); err != nil {
		WriteError(w, models.Errorf(models.ErrStorageUnavailable, "upload failed: %v", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"key":  req.Key,
		"size": len(req.Content),
	})
}

// DownloadHandler presigns a download URL for the given key.
// GET /api/storage/download/{key}
func (h *StorageHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	key := storageKey(r.URL.Path, "/api/storage/download/")
	if key == "" {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "object key is required"))
		return
	}
	exists, err := h.objects.Exists(r.Context(), key)
	if err != nil {
		WriteError(w, models.Errorf(models.ErrStorageUnavailable, "existence check failed: %v", err))
		return
	}
	if !exists {
		WriteError(w, models.Errorf(models.ErrNotFound, "object %s not found", key))
		return
	}
	url, err := h.objects.PresignGet(r.Context(), key, h.config.ObjectStore.PresignExpiry)
	if err != nil {
		WriteError(w, models.Errorf(models.ErrStorageUnavailable, "presign failed: %v", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"key":          key,
		"download_url": url,
	})
}

// DeleteHandler removes one object.
// DELETE /api/storage/delete/{key}
func (h *StorageHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}
	key := storageKey(r.URL.Path, "/api/storage/delete/")
	if key == "" {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "object key is required"))
		return
	}
	if err := h.objects.Delete(r.Context(), key); err != nil {
		WriteError(w, models.Errorf(models.ErrStorageUnavailable, "delete failed: %v", err))
		return
	}
	WriteSuccess(w, "object deleted")
}

// deleteBatchRequest is the body of the batch-delete endpoint.
type deleteBatchRequest struct {
	Keys []string `json:"keys"`
}

// DeleteBatchHandler removes a set of objects.
// POST /api/storage/delete-batch
func (h *StorageHandler) DeleteBatchHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var req deleteBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "invalid JSON body: %v", err))
		return
	}
	if len(req.Keys) == 0 {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "keys must not be empty"))
		return
	}
	if err := h.objects.DeleteBatch(r.Context(), req.Keys); err != nil {
		WriteError(w, models.Errorf(models.ErrStorageUnavailable, "batch delete failed: %v", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"deleted": len(req.Keys),
	})
}

// ListHandler lists objects under a prefix.
// GET /api/storage/list/{prefix}
func (h *StorageHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	prefix := storageKey(r.URL.Path, "/api/storage/list/")
	objects, err := h.objects.List(r.Context(), prefix)
	if err != nil {
		WriteError(w, models.Errorf(models.ErrStorageUnavailable, "list failed: %v", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"prefix":  prefix,
		"objects": objects,
		"count":   len(objects),
	})
}

// storageKey extracts the object key following the route prefix. Keys are
// slash-separated, so everything after the prefix belongs to the key.
func storageKey(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.Trim(path[len(prefix):], "/")
}
