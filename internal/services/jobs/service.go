// Package jobs implements the job lifecycle service behind the HTTP API:
// creation, admission control, lifecycle transitions, artifact queries and
// deletion with object-store cleanup.
package jobs

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/common"
	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
)

const (
	sourcePDFName  = "source.pdf"
	blocksJSONName = "blocks.json"
	storageRoot    = "ocr_jobs"
)

// Service owns job rows, their input objects and their queue messages.
type Service struct {
	jobs    interfaces.JobStorage
	nodes   interfaces.NodeStorage
	objects interfaces.ObjectStore
	broker  interfaces.Broker
	config  *common.Config
	logger  arbor.ILogger
}

// NewService creates the job service.
func NewService(jobs interfaces.JobStorage, nodes interfaces.NodeStorage, objects interfaces.ObjectStore,
	broker interfaces.Broker, config *common.Config, logger arbor.ILogger) *Service {
	return &Service{
		jobs:    jobs,
		nodes:   nodes,
		objects: objects,
		broker:  broker,
		config:  config,
		logger:  logger,
	}
}

// CreateRequest carries the inputs of a new job.
type CreateRequest struct {
	DocumentID   string
	DocumentName string
	TaskName     string
	Engine       string
	ClientID     string
	NodeID       string
	Draft        bool
	PDF          []byte
	Blocks       []byte
	Settings     *models.JobSettings
}

// Create validates the inputs, uploads them, persists the job and, unless
// it is a draft, enqueues it. Admission is checked before any write.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*models.Job, error) {
	if len(req.PDF) == 0 {
		return nil, models.Errorf(models.ErrInvalidInput, "no pdf supplied")
	}
	doc, err := models.ParseAnnotation(req.Blocks)
	if err != nil {
		return nil, err
	}

	pageCount, err := api.PageCount(bytes.NewReader(req.PDF), nil)
	if err != nil {
		return nil, models.Errorf(models.ErrInvalidInput, "invalid pdf: %v", err)
	}
	for _, b := range doc.Blocks {
		if b.PageIndex >= pageCount {
			return nil, models.Errorf(models.ErrInvalidInput,
				"block %s references page %d of a %d-page document", b.ID, b.PageIndex, pageCount)
		}
	}

	if !req.Draft {
		if err := s.CheckAdmission(); err != nil {
			return nil, err
		}
	}

	if req.NodeID != "" {
		if _, err := s.nodes.GetNode(req.NodeID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:           common.NewID(),
		DocumentID:   req.DocumentID,
		DocumentName: req.DocumentName,
		TaskName:     req.TaskName,
		Engine:       req.Engine,
		ClientID:     req.ClientID,
		NodeID:       req.NodeID,
		Status:       models.JobStatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
		BlockStats:   doc.Stats(),
	}
	if req.Draft {
		job.Status = models.JobStatusDraft
	}
	job.StoragePrefix = path.Join(storageRoot, job.ID)

	if err := s.uploadInputs(ctx, job, req.PDF, req.Blocks); err != nil {
		return nil, err
	}

	if err := s.jobs.CreateJob(job); err != nil {
		return nil, err
	}
	if req.Settings != nil {
		req.Settings.JobID = job.ID
		if err := s.jobs.SaveSettings(req.Settings); err != nil {
			return nil, err
		}
	}

	if !req.Draft {
		if err := s.broker.Publish(ctx, job.ID); err != nil {
			return nil, models.Errorf(models.ErrStorageUnavailable, "failed to enqueue job: %v", err)
		}
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("document", job.DocumentName).
		Int("blocks", len(doc.Blocks)).
		Bool("draft", req.Draft).
		Msg("Job created")
	return job, nil
}

func (s *Service) uploadInputs(ctx context.Context, job *models.Job, pdf, blocks []byte) error {
	inputs := []struct {
		name        string
		data        []byte
		contentType string
		fileType    models.JobFileType
	}{
		{sourcePDFName, pdf, "application/pdf", models.JobFileTypePDF},
		{blocksJSONName, blocks, "application/json", models.JobFileTypeBlocks},
	}
	for _, in := range inputs {
		key := path.Join(job.StoragePrefix, in.name)
		if err := s.objects.UploadBytes(ctx, key, in.data, in.contentType); err != nil {
			return models.Errorf(models.ErrStorageUnavailable, "failed to upload %s: %v", in.name, err)
		}
		if err := s.jobs.AddJobFile(&models.JobFile{
			ID:        common.NewID(),
			JobID:     job.ID,
			FileType:  in.fileType,
			Key:       key,
			FileName:  in.name,
			FileSize:  int64(len(in.data)),
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// CheckAdmission rejects new work when the backlog of queued plus active
// jobs reaches max_queue_size. A size of zero disables the check.
func (s *Service) CheckAdmission() error {
	limit := s.config.Worker.MaxQueueSize
	if limit <= 0 {
		return nil
	}
	queued, err := s.jobs.CountByStatus(models.JobStatusQueued)
	if err != nil {
		return err
	}
	processing, err := s.jobs.CountByStatus(models.JobStatusProcessing)
	if err != nil {
		return err
	}
	if queued+processing >= limit {
		return models.Errorf(models.ErrQueueFull, "queue is full (%d jobs, limit %d)", queued+processing, limit)
	}
	return nil
}

// Start enqueues a draft job.
func (s *Service) Start(ctx context.Context, id string) (*models.Job, error) {
	if err := s.CheckAdmission(); err != nil {
		return nil, err
	}
	job, err := s.jobs.ApplyEvent(id, models.JobEventEnqueue)
	if err != nil {
		return nil, err
	}
	if err := s.broker.Publish(ctx, job.ID); err != nil {
		return nil, models.Errorf(models.ErrStorageUnavailable, "failed to enqueue job: %v", err)
	}
	return job, nil
}

// StartDraft enqueues a draft job, applying engine and model overrides
// chosen at start time.
func (s *Service) StartDraft(ctx context.Context, id, engine string, settings *models.JobSettings) (*models.Job, error) {
	if engine != "" {
		if err := s.jobs.SetEngine(id, engine); err != nil {
			return nil, err
		}
	}
	if settings != nil {
		settings.JobID = id
		if err := s.jobs.SaveSettings(settings); err != nil {
			return nil, err
		}
	}
	return s.Start(ctx, id)
}

// Pause requests a pause. Queued jobs pause immediately; processing jobs
// pause cooperatively when the worker reaches its next checkpoint.
func (s *Service) Pause(id string) (*models.Job, error) {
	return s.jobs.ApplyEvent(id, models.JobEventPause)
}

// Resume re-queues a paused job. The job restarts from scratch.
func (s *Service) Resume(ctx context.Context, id string) (*models.Job, error) {
	if err := s.CheckAdmission(); err != nil {
		return nil, err
	}
	job, err := s.jobs.ApplyEvent(id, models.JobEventResume)
	if err != nil {
		return nil, err
	}
	if err := s.broker.Publish(ctx, job.ID); err != nil {
		return nil, models.Errorf(models.ErrStorageUnavailable, "failed to enqueue job: %v", err)
	}
	return job, nil
}

// Restart re-queues a finished, failed or paused job from scratch. Previous
// result artifacts are removed first; replacementBlocks, when supplied,
// replaces the stored blocks.json.
func (s *Service) Restart(ctx context.Context, id string, replacementBlocks []byte) (*models.Job, error) {
	if err := s.CheckAdmission(); err != nil {
		return nil, err
	}
	job, err := s.jobs.GetJob(id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(job.Status, models.JobEventRestart) {
		return nil, models.Errorf(models.ErrInvalidTransition, "cannot restart job in status %s", job.Status)
	}

	if err := s.clearResultArtifacts(ctx, job); err != nil {
		return nil, err
	}

	if len(replacementBlocks) > 0 {
		doc, err := models.ParseAnnotation(replacementBlocks)
		if err != nil {
			return nil, err
		}
		key := path.Join(job.StoragePrefix, blocksJSONName)
		if err := s.objects.UploadBytes(ctx, key, replacementBlocks, "application/json"); err != nil {
			return nil, models.Errorf(models.ErrStorageUnavailable, "failed to upload blocks: %v", err)
		}
		if err := s.jobs.SetBlockStats(job.ID, doc.Stats()); err != nil {
			return nil, err
		}
	}

	job, err = s.jobs.ApplyEvent(id, models.JobEventRestart)
	if err != nil {
		return nil, err
	}
	if err := s.broker.Publish(ctx, job.ID); err != nil {
		return nil, models.Errorf(models.ErrStorageUnavailable, "failed to enqueue job: %v", err)
	}

	s.logger.Info().
		Str("job_id", id).
		Int("retry", job.RetryCount).
		Bool("replacement_blocks", len(replacementBlocks) > 0).
		Msg("Job restarted")
	return job, nil
}

// clearResultArtifacts removes previous result rows and their objects,
// keeping the job inputs.
func (s *Service) clearResultArtifacts(ctx context.Context, job *models.Job) error {
	resultTypes := []models.JobFileType{
		models.JobFileTypeResultMD,
		models.JobFileTypeResultZip,
		models.JobFileTypeAnnotation,
		models.JobFileTypeOCRHTML,
		models.JobFileTypeCrop,
	}
	files, err := s.jobs.GetJobFilesByType(job.ID, resultTypes...)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	keys := make([]string, 0, len(files))
	for _, f := range files {
		keys = append(keys, f.Key)
	}
	if err := s.objects.DeleteBatch(ctx, keys); err != nil {
		return models.Errorf(models.ErrStorageUnavailable, "failed to delete previous artifacts: %v", err)
	}
	return s.jobs.DeleteJobFiles(job.ID, resultTypes...)
}

// Rename updates the user-facing task name.
func (s *Service) Rename(id, taskName string) error {
	if taskName == "" {
		return models.Errorf(models.ErrInvalidInput, "task name must not be empty")
	}
	return s.jobs.SetTaskName(id, taskName)
}

// Delete removes the job row, its file rows and every object under its
// storage prefix. Node file registrations survive.
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.jobs.GetJob(id)
	if err != nil {
		return err
	}

	objects, err := s.objects.List(ctx, job.StoragePrefix+"/")
	if err != nil {
		return models.Errorf(models.ErrStorageUnavailable, "failed to list job objects: %v", err)
	}
	if len(objects) > 0 {
		keys := make([]string, len(objects))
		for i, o := range objects {
			keys[i] = o.Key
		}
		if err := s.objects.DeleteBatch(ctx, keys); err != nil {
			return models.Errorf(models.ErrStorageUnavailable, "failed to delete job objects: %v", err)
		}
	}

	if err := s.jobs.DeleteJob(id); err != nil {
		return err
	}
	s.logger.Info().Str("job_id", id).Int("objects", len(objects)).Msg("Job deleted")
	return nil
}

// Get returns one job.
func (s *Service) Get(id string) (*models.Job, error) {
	return s.jobs.GetJob(id)
}

// List returns jobs newest first, optionally filtered by status.
func (s *Service) List(status models.JobStatus, limit, offset int) ([]*models.Job, error) {
	return s.jobs.ListJobs(status, limit, offset)
}

// Changes returns jobs updated since the given instant, for client polling.
func (s *Service) Changes(since time.Time) ([]*models.Job, error) {
	return s.jobs.ListChangedSince(since)
}

// Details bundles a job with its settings and artifact rows.
type Details struct {
	Job      *models.Job         `json:"job"`
	Settings *models.JobSettings `json:"settings,omitempty"`
	Files    []*models.JobFile   `json:"files"`
}

// GetDetails returns the job with its file rows and settings.
func (s *Service) GetDetails(id string) (*Details, error) {
	job, err := s.jobs.GetJob(id)
	if err != nil {
		return nil, err
	}
	files, err := s.jobs.GetJobFiles(id)
	if err != nil {
		return nil, err
	}
	settings, err := s.jobs.GetSettings(id)
	if err != nil {
		return nil, err
	}
	return &Details{Job: job, Settings: settings, Files: files}, nil
}

// ResultURL presigns a download link for one artifact of a job.
func (s *Service) ResultURL(ctx context.Context, id string, fileType models.JobFileType) (string, error) {
	files, err := s.jobs.GetJobFilesByType(id, fileType)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", models.Errorf(models.ErrNotFound, "job %s has no %s artifact", id, fileType)
	}
	url, err := s.objects.PresignGet(ctx, files[0].Key, s.config.ObjectStore.PresignExpiry)
	if err != nil {
		return "", models.Errorf(models.ErrStorageUnavailable, "failed to presign %s: %v", files[0].Key, err)
	}
	return url, nil
}

// QueueStatus summarizes backlog and capacity for the queue endpoint.
type QueueStatus struct {
	Queued       int  `json:"queued"`
	Processing   int  `json:"processing"`
	Depth        int  `json:"depth"`
	MaxQueueSize int  `json:"max_queue_size"`
	Accepting    bool `json:"accepting"`
}

// Queue reports the current backlog.
func (s *Service) Queue(ctx context.Context) (*QueueStatus, error) {
	queued, err := s.jobs.CountByStatus(models.JobStatusQueued)
	if err != nil {
		return nil, err
	}
	processing, err := s.jobs.CountByStatus(models.JobStatusProcessing)
	if err != nil {
		return nil, err
	}
	depth, err := s.broker.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	limit := s.config.Worker.MaxQueueSize
	return &QueueStatus{
		Queued:       queued,
		Processing:   processing,
		Depth:        depth,
		MaxQueueSize: limit,
		Accepting:    limit <= 0 || queued+processing < limit,
	}, nil
}
