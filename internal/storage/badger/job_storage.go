package badger

import (
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
)

// JobStorage persists jobs, settings and job file rows in Badger. The
// mutex serializes state transitions so claims stay atomic with respect to
// the processing-count cap.
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new job row.
func (s *JobStorage) CreateJob(job *models.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		if err == badgerhold.ErrKeyExists {
			return models.Errorf(models.ErrInvalidInput, "job %s already exists", job.ID)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}

	s.logger.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Job created")
	return nil
}

// GetJob retrieves a job by ID.
func (s *JobStorage) GetJob(id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.Errorf(models.ErrNotFound, "job %s", id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateJob overwrites a job row.
func (s *JobStorage) UpdateJob(job *models.Job) error {
	job.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Update(job.ID, job); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.Errorf(models.ErrNotFound, "job %s", job.ID)
		}
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// ApplyEvent performs a checked state transition under the storage lock.
func (s *JobStorage) ApplyEvent(id string, event models.JobEvent) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if err := job.Apply(event); err != nil {
		return nil, err
	}
	if err := s.db.Store().Update(job.ID, job); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	s.logger.Debug().
		Str("job_id", id).
		Str("event", string(event)).
		Str("status", string(job.Status)).
		Msg("Job transitioned")
	return job, nil
}

// ClaimNextQueued atomically claims the oldest queued job, respecting the
// concurrent-processing cap. Returns nil when nothing is claimable.
func (s *JobStorage) ClaimNextQueued(maxConcurrent int) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if full, err := s.atCapacity(maxConcurrent); err != nil || full {
		return nil, err
	}

	var queued []*models.Job
	query := badgerhold.Where("Status").Eq(models.JobStatusQueued).SortBy("CreatedAt").Limit(1)
	if err := s.db.Store().Find(&queued, query); err != nil {
		return nil, fmt.Errorf("failed to find queued jobs: %w", err)
	}
	if len(queued) == 0 {
		return nil, nil
	}

	job := queued[0]
	if err := job.Apply(models.JobEventClaim); err != nil {
		return nil, err
	}
	if err := s.db.Store().Update(job.ID, job); err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info().Str("job_id", job.ID).Msg("Job claimed for processing")
	return job, nil
}

// Claim atomically moves one specific queued job to processing.
func (s *JobStorage) Claim(id string, maxConcurrent int) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusQueued {
		return nil, models.Errorf(models.ErrInvalidTransition, "job %s is %s, not queued", id, job.Status)
	}
	if full, err := s.atCapacity(maxConcurrent); err != nil {
		return nil, err
	} else if full {
		return nil, models.Errorf(models.ErrQueueFull, "processing capacity reached")
	}
	if err := job.Apply(models.JobEventClaim); err != nil {
		return nil, err
	}
	if err := s.db.Store().Update(job.ID, job); err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// atCapacity must be called with the lock held.
func (s *JobStorage) atCapacity(maxConcurrent int) (bool, error) {
	if maxConcurrent <= 0 {
		return false, nil
	}
	processing, err := s.db.Store().Count(&models.Job{},
		badgerhold.Where("Status").Eq(models.JobStatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to count processing jobs: %w", err)
	}
	return processing >= uint64(maxConcurrent), nil
}

// UpdateProgress writes a progress snapshot. It never moves progress for a
// job that already left processing.
func (s *JobStorage) UpdateProgress(id string, progress float64, statusMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusProcessing {
		return nil
	}
	if progress < 0 {
		progress = 0
	}
	// progress 1.0 is reserved for the done transition
	if progress > 0.99 {
		progress = 0.99
	}
	job.Progress = progress
	job.StatusMessage = statusMessage
	return s.UpdateJob(job)
}

// SetTaskName renames a job.
func (s *JobStorage) SetTaskName(id string, taskName string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	job.TaskName = taskName
	return s.UpdateJob(job)
}

// SetEngine records the backend engine chosen at start time.
func (s *JobStorage) SetEngine(id string, engine string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	job.Engine = engine
	return s.UpdateJob(job)
}

// SetBlockStats stores the block summary computed during the crop pass.
func (s *JobStorage) SetBlockStats(id string, stats *models.BlockStats) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	job.BlockStats = stats
	return s.UpdateJob(job)
}

// ListJobs returns jobs, newest first, optionally filtered by status.
func (s *JobStorage) ListJobs(status models.JobStatus, limit, offset int) ([]*models.Job, error) {
	var query *badgerhold.Query
	if status != "" {
		query = badgerhold.Where("Status").Eq(status)
	} else {
		query = &badgerhold.Query{}
	}
	query = query.SortBy("CreatedAt").Reverse()
	if offset > 0 {
		query = query.Skip(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var jobs []*models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ListChangedSince returns jobs updated strictly after the given time, used
// by clients polling for incremental changes.
func (s *JobStorage) ListChangedSince(since time.Time) ([]*models.Job, error) {
	var jobs []*models.Job
	query := badgerhold.Where("UpdatedAt").Gt(since).SortBy("UpdatedAt")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list changed jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus counts jobs in the given status.
func (s *JobStorage) CountByStatus(status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

// ListStaleProcessing returns processing jobs with no status write within
// the given window. The maintenance sweep marks them failed.
func (s *JobStorage) ListStaleProcessing(olderThan time.Duration) ([]*models.Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var jobs []*models.Job
	query := badgerhold.Where("Status").Eq(models.JobStatusProcessing).And("UpdatedAt").Lt(cutoff)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return jobs, nil
}

// SaveSettings upserts the per-job model settings.
func (s *JobStorage) SaveSettings(settings *models.JobSettings) error {
	if err := s.db.Store().Upsert(settings.JobID, settings); err != nil {
		return fmt.Errorf("failed to save job settings: %w", err)
	}
	return nil
}

// GetSettings returns the settings for a job, nil when none were saved.
func (s *JobStorage) GetSettings(jobID string) (*models.JobSettings, error) {
	var settings models.JobSettings
	if err := s.db.Store().Get(jobID, &settings); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job settings: %w", err)
	}
	return &settings, nil
}

// AddJobFile appends a file row to a job.
func (s *JobStorage) AddJobFile(file *models.JobFile) error {
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Store().Insert(file.ID, file); err != nil {
		return fmt.Errorf("failed to add job file: %w", err)
	}
	return nil
}

// GetJobFiles returns all file rows of a job, oldest first.
func (s *JobStorage) GetJobFiles(jobID string) ([]*models.JobFile, error) {
	var files []*models.JobFile
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&files, query); err != nil {
		return nil, fmt.Errorf("failed to get job files: %w", err)
	}
	return files, nil
}

// GetJobFilesByType returns the file rows of a job matching any given type.
func (s *JobStorage) GetJobFilesByType(jobID string, types ...models.JobFileType) ([]*models.JobFile, error) {
	files, err := s.GetJobFiles(jobID)
	if err != nil {
		return nil, err
	}
	var out []*models.JobFile
	for _, f := range files {
		for _, t := range types {
			if f.FileType == t {
				out = append(out, f)
				break
			}
		}
	}
	return out, nil
}

// DeleteJobFiles removes file rows of the given types; with no types it
// removes every file row of the job.
func (s *JobStorage) DeleteJobFiles(jobID string, types ...models.JobFileType) error {
	files, err := s.GetJobFiles(jobID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if len(types) > 0 {
			keep := true
			for _, t := range types {
				if f.FileType == t {
					keep = false
					break
				}
			}
			if keep {
				continue
			}
		}
		if err := s.db.Store().Delete(f.ID, &models.JobFile{}); err != nil && err != badgerhold.ErrNotFound {
			return fmt.Errorf("failed to delete job file %s: %w", f.ID, err)
		}
	}
	return nil
}

// DeleteJob removes the job row and cascades to its settings and file rows.
// Node file registrations are left untouched.
func (s *JobStorage) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.DeleteJobFiles(id); err != nil {
		return err
	}
	if err := s.db.Store().Delete(id, &models.JobSettings{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete job settings: %w", err)
	}
	if err := s.db.Store().Delete(id, &models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.Errorf(models.ErrNotFound, "job %s", id)
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}

	s.logger.Info().Str("job_id", id).Msg("Job deleted")
	return nil
}
