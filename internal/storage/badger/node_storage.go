package badger

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/inkwell/internal/common"
	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
)

// NodeStorage persists the document tree and node file registrations.
type NodeStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex // guards idempotent file registration
}

// NewNodeStorage creates a new node storage instance
func NewNodeStorage(db *BadgerDB, logger arbor.ILogger) interfaces.NodeStorage {
	return &NodeStorage{
		db:     db,
		logger: logger,
	}
}

// UpsertNode creates or updates a tree node.
func (s *NodeStorage) UpsertNode(node *models.TreeNode) error {
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	if err := s.db.Store().Upsert(node.ID, node); err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}
	return nil
}

// GetNode retrieves a node by ID.
func (s *NodeStorage) GetNode(id string) (*models.TreeNode, error) {
	var node models.TreeNode
	if err := s.db.Store().Get(id, &node); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.Errorf(models.ErrNotFound, "node %s", id)
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return &node, nil
}

// ListChildren returns the direct children of a node, name order.
func (s *NodeStorage) ListChildren(parentID string) ([]*models.TreeNode, error) {
	var nodes []*models.TreeNode
	query := badgerhold.Where("ParentID").Eq(parentID).SortBy("Name")
	if err := s.db.Store().Find(&nodes, query); err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	return nodes, nil
}

// DeleteNode removes a node and its file registrations. Children are not
// cascaded; callers delete bottom-up.
func (s *NodeStorage) DeleteNode(id string) error {
	if err := s.db.Store().DeleteMatching(&models.NodeFile{},
		badgerhold.Where("NodeID").Eq(id)); err != nil {
		return fmt.Errorf("failed to delete node files: %w", err)
	}
	if err := s.db.Store().Delete(id, &models.TreeNode{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.Errorf(models.ErrNotFound, "node %s", id)
		}
		return fmt.Errorf("failed to delete node: %w", err)
	}
	return nil
}

// SetNodePDFKey records where the node's source PDF lives in the bucket.
func (s *NodeStorage) SetNodePDFKey(id, key string) error {
	node, err := s.GetNode(id)
	if err != nil {
		return err
	}
	node.PDFKey = key
	return s.UpsertNode(node)
}

// RegisterNodeFile links an object key to a node. Idempotent on
// (node_id, key): re-registration refreshes size and content type instead
// of creating a duplicate row.
func (s *NodeStorage) RegisterNodeFile(file *models.NodeFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing []*models.NodeFile
	query := badgerhold.Where("NodeID").Eq(file.NodeID)
	if err := s.db.Store().Find(&existing, query); err != nil {
		return fmt.Errorf("failed to query node files: %w", err)
	}
	for _, e := range existing {
		if e.Key == file.Key {
			e.FileType = file.FileType
			e.FileName = file.FileName
			e.FileSize = file.FileSize
			e.ContentType = file.ContentType
			if err := s.db.Store().Update(e.ID, e); err != nil {
				return fmt.Errorf("failed to refresh node file: %w", err)
			}
			return nil
		}
	}

	if file.ID == "" {
		file.ID = common.NewID()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Store().Insert(file.ID, file); err != nil {
		return fmt.Errorf("failed to register node file: %w", err)
	}

	s.logger.Debug().
		Str("node_id", file.NodeID).
		Str("key", file.Key).
		Str("file_type", file.FileType).
		Msg("Node file registered")
	return nil
}

// GetNodeFiles returns the file registrations of a node, oldest first.
func (s *NodeStorage) GetNodeFiles(nodeID string) ([]*models.NodeFile, error) {
	var files []*models.NodeFile
	query := badgerhold.Where("NodeID").Eq(nodeID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&files, query); err != nil {
		return nil, fmt.Errorf("failed to get node files: %w", err)
	}
	return files, nil
}
