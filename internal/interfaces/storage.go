package interfaces

import (
	"time"

	"github.com/ternarybob/inkwell/internal/models"
)

// JobStorage persists jobs, their settings and their file rows.
type JobStorage interface {
	// Job lifecycle
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	UpdateJob(job *models.Job) error
	ApplyEvent(id string, event models.JobEvent) (*models.Job, error)
	DeleteJob(id string) error

	// ClaimNextQueued atomically moves the oldest queued job to processing,
	// respecting the concurrent-processing cap. Returns nil when nothing is
	// claimable.
	ClaimNextQueued(maxConcurrent int) (*models.Job, error)

	// Claim atomically moves one specific queued job to processing.
	Claim(id string, maxConcurrent int) (*models.Job, error)

	// Status snapshot writes (debounced updater sink)
	UpdateProgress(id string, progress float64, statusMessage string) error
	SetTaskName(id string, taskName string) error
	SetEngine(id string, engine string) error
	SetBlockStats(id string, stats *models.BlockStats) error

	// Queries
	ListJobs(status models.JobStatus, limit, offset int) ([]*models.Job, error)
	ListChangedSince(since time.Time) ([]*models.Job, error)
	CountByStatus(status models.JobStatus) (int, error)
	ListStaleProcessing(olderThan time.Duration) ([]*models.Job, error)

	// Settings
	SaveSettings(settings *models.JobSettings) error
	GetSettings(jobID string) (*models.JobSettings, error)

	// File rows
	AddJobFile(file *models.JobFile) error
	GetJobFiles(jobID string) ([]*models.JobFile, error)
	GetJobFilesByType(jobID string, types ...models.JobFileType) ([]*models.JobFile, error)
	DeleteJobFiles(jobID string, types ...models.JobFileType) error
}

// NodeStorage persists the document tree and node file registrations.
type NodeStorage interface {
	UpsertNode(node *models.TreeNode) error
	GetNode(id string) (*models.TreeNode, error)
	ListChildren(parentID string) ([]*models.TreeNode, error)
	DeleteNode(id string) error
	SetNodePDFKey(id, key string) error

	// RegisterNodeFile is idempotent on (node_id, key).
	RegisterNodeFile(file *models.NodeFile) error
	GetNodeFiles(nodeID string) ([]*models.NodeFile, error)
}

// StorageManager aggregates the metadata store.
type StorageManager interface {
	JobStorage() JobStorage
	NodeStorage() NodeStorage
	Close() error
}
