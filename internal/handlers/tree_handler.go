package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/common"
	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
)

// TreeHandler exposes the document tree: node CRUD, node file registrations
// and the node PDF key. The tree is a metadata pass-through; the processing
// core attaches no semantics beyond locating a node's PDF.
type TreeHandler struct {
	nodes  interfaces.NodeStorage
	logger arbor.ILogger
}

// NewTreeHandler creates a new tree handler.
func NewTreeHandler(nodes interfaces.NodeStorage, logger arbor.ILogger) *TreeHandler {
	return &TreeHandler{
		nodes:  nodes,
		logger: logger,
	}
}

// CreateNodeHandler creates a tree node.
// POST /api/tree/nodes
func (h *TreeHandler) CreateNodeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var node models.TreeNode
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "invalid JSON body: %v", err))
		return
	}
	if node.Name == "" {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "node name is required"))
		return
	}
	if node.Kind != "folder" && node.Kind != "document" {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "node kind must be folder or document"))
		return
	}
	if node.ID == "" {
		node.ID = common.NewID()
	}
	now := time.Now().UTC()
	node.CreatedAt = now
	node.UpdatedAt = now

	if err := h.nodes.UpsertNode(&node); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, node)
}

// GetNodeHandler returns one tree node.
// GET /api/tree/nodes/{id}
func (h *TreeHandler) GetNodeHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/api/tree/nodes/", 0)
	node, err := h.nodes.GetNode(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, node)
}

// UpdateNodeHandler updates a node's mutable fields.
// PUT /api/tree/nodes/{id}
func (h *TreeHandler) UpdateNodeHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/api/tree/nodes/", 0)
	node, err := h.nodes.GetNode(id)
	if err != nil {
		WriteError(w, err)
		return
	}

	var patch struct {
		Name     *string `json:"name"`
		ParentID *string `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "invalid JSON body: %v", err))
		return
	}
	if patch.Name != nil {
		node.Name = *patch.Name
	}
	if patch.ParentID != nil {
		node.ParentID = *patch.ParentID
	}
	node.UpdatedAt = time.Now().UTC()

	if err := h.nodes.UpsertNode(node); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, node)
}

// DeleteNodeHandler removes a tree node. File registrations on other nodes
// are untouched.
// DELETE /api/tree/nodes/{id}
func (h *TreeHandler) DeleteNodeHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/api/tree/nodes/", 0)
	if err := h.nodes.DeleteNode(id); err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, "node deleted")
}

// ChildrenHandler lists the direct children of a node.
// GET /api/tree/nodes/{id}/children
func (h *TreeHandler) ChildrenHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/api/tree/nodes/", 0)
	children, err := h.nodes.ListChildren(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": children,
		"count": len(children),
	})
}

// ListFilesHandler returns the file registrations of a node.
// GET /api/tree/nodes/{id}/files
func (h *TreeHandler) ListFilesHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/api/tree/nodes/", 0)
	if _, err := h.nodes.GetNode(id); err != nil {
		WriteError(w, err)
		return
	}
	files, err := h.nodes.GetNodeFiles(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"count": len(files),
	})
}

// RegisterFileHandler registers an object-store key on a node. Registration
// is idempotent on (node_id, key).
// POST /api/tree/nodes/{id}/files
func (h *TreeHandler) RegisterFileHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/api/tree/nodes/", 0)
	if _, err := h.nodes.GetNode(id); err != nil {
		WriteError(w, err)
		return
	}

	var file models.NodeFile
	if err := json.NewDecoder(r.Body).Decode(&file); err != nil {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "invalid JSON body: %v", err))
		return
	}
	if file.Key == "" {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "file key is required"))
		return
	}
	file.NodeID = id
	if file.ID == "" {
		file.ID = common.NewID()
	}
	file.CreatedAt = time.Now().UTC()

	if err := h.nodes.RegisterNodeFile(&file); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, file)
}

// SetPDFHandler points a node at its source PDF object.
// PUT /api/tree/nodes/{id}/pdf
func (h *TreeHandler) SetPDFHandler(w http.ResponseWriter, r *http.Request) {
	id := PathSegment(r.URL.Path, "/api/tree/nodes/", 0)

	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "invalid JSON body: %v", err))
		return
	}
	if body.Key == "" {
		WriteError(w, models.Errorf(models.ErrInvalidInput, "pdf key is required"))
		return
	}
	if err := h.nodes.SetNodePDFKey(id, body.Key); err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, "pdf key updated")
}
