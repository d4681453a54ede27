package models

import "time"

// TreeNode is one entry of the client-visible document tree. The tree is a
// thin metadata pass-through: the processing core stores it but attaches no
// semantics beyond locating a node's PDF.
type TreeNode struct {
	ID        string    `json:"id" badgerhold:"key"`
	ParentID  string    `json:"parent_id,omitempty" badgerhold:"index"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"` // folder|document
	PDFKey    string    `json:"pdf_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeFile links an object-store key to a tree node. Registration is
// idempotent on (node_id, key); rows survive deletion of the jobs that
// produced them.
type NodeFile struct {
	ID          string    `json:"id" badgerhold:"key"`
	NodeID      string    `json:"node_id" badgerhold:"index"`
	FileType    string    `json:"file_type"`
	Key         string    `json:"key"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
