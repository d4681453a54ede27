// Package worker runs the broker consumers that execute OCR jobs end to
// end: claim, workspace setup, crop pass, recognition pass, verification
// and artifact publication.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/common"
	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
	"github.com/ternarybob/inkwell/internal/services/artifacts"
	"github.com/ternarybob/inkwell/internal/services/pipeline"
	"github.com/ternarybob/inkwell/internal/services/status"
)

// errPauseRequested aborts a run when the job row flipped to paused; the
// row already carries the new status, so the worker only has to stop.
var errPauseRequested = errors.New("pause requested")

// errJobGone aborts a run when the job row was deleted mid-flight.
var errJobGone = errors.New("job deleted")

// Phase progress bands. Pass 2 owns the bulk of the bar.
const (
	progressCropStart = 0.02
	progressOCRStart  = 0.10
	progressOCREnd    = 0.90
	progressVerify    = 0.92
	progressPublish   = 0.96
)

// Runner consumes the job queue with a fixed pool of workers.
type Runner struct {
	jobs     interfaces.JobStorage
	objects  interfaces.ObjectStore
	broker   interfaces.Broker
	updater  *status.Updater
	cropPass *pipeline.CropPass
	recPass  *pipeline.RecognizePass
	builder  *artifacts.Builder
	config   *common.Config
	logger   arbor.ILogger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRunner wires the worker pool.
func NewRunner(jobs interfaces.JobStorage, objects interfaces.ObjectStore, broker interfaces.Broker,
	updater *status.Updater, cropPass *pipeline.CropPass, recPass *pipeline.RecognizePass,
	builder *artifacts.Builder, config *common.Config, logger arbor.ILogger) *Runner {
	return &Runner{
		jobs:     jobs,
		objects:  objects,
		broker:   broker,
		updater:  updater,
		cropPass: cropPass,
		recPass:  recPass,
		builder:  builder,
		config:   config,
		logger:   logger,
	}
}

// Start launches the consumer goroutines.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	workers := r.config.Worker.MaxConcurrentJobs
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.consume(ctx, i)
	}
	r.logger.Info().Int("workers", workers).Msg("Worker pool started")
}

// Stop cancels in-flight jobs and waits for the consumers to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info().Msg("Worker pool stopped")
}

func (r *Runner) consume(ctx context.Context, worker int) {
	defer r.wg.Done()

	pollInterval := r.config.Queue.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := r.broker.Receive(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Int("worker", worker).Msg("Queue receive failed")
			r.sleep(ctx, pollInterval)
			continue
		}

		if msg != nil {
			r.handleMessage(ctx, msg)
			continue
		}

		// Idle: pick up any queued job whose message was lost, otherwise
		// wait out the poll interval.
		job, err := r.jobs.ClaimNextQueued(r.config.Worker.MaxConcurrentJobs)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Idle claim failed")
		}
		if job != nil {
			r.execute(ctx, job)
			continue
		}
		r.sleep(ctx, pollInterval)
	}
}

func (r *Runner) handleMessage(ctx context.Context, msg *interfaces.BrokerMessage) {
	job, err := r.jobs.Claim(msg.JobID, r.config.Worker.MaxConcurrentJobs)
	switch {
	case err == nil:
		// Ack only after the run: an unacked message reappears after the
		// visibility timeout if this process dies mid-job, and the broker
		// caps redeliveries.
		if transient := r.execute(ctx, job); transient {
			if nackErr := msg.Nack(r.config.Queue.PollInterval); nackErr != nil {
				r.logger.Warn().Err(nackErr).Str("job_id", msg.JobID).Msg("Nack failed")
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			r.logger.Warn().Err(ackErr).Str("job_id", msg.JobID).Msg("Ack failed")
		}
	case errors.Is(err, models.ErrQueueFull):
		// All slots busy; give the message back.
		if nackErr := msg.Nack(r.config.Queue.PollInterval); nackErr != nil {
			r.logger.Warn().Err(nackErr).Str("job_id", msg.JobID).Msg("Nack failed")
		}
		r.sleep(ctx, time.Second)
	default:
		// Deleted, already running elsewhere, or paused before pickup; the
		// message is stale either way.
		r.logger.Debug().Err(err).Str("job_id", msg.JobID).Msg("Discarding stale queue message")
		if ackErr := msg.Ack(); ackErr != nil {
			r.logger.Warn().Err(ackErr).Str("job_id", msg.JobID).Msg("Ack failed")
		}
	}
}

// execute runs one claimed job to a terminal status. It reports whether
// the failure was transient infrastructure trouble, in which case the job
// row is returned to the queue for redelivery instead of being failed.
func (r *Runner) execute(ctx context.Context, job *models.Job) (transient bool) {
	timeLimit := r.config.Worker.TaskTimeLimit
	if timeLimit <= 0 {
		timeLimit = time.Hour
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeLimit)
	defer cancel()

	start := time.Now()
	err := r.run(jobCtx, job)

	r.updater.Flush(job.ID)
	r.updater.Forget(job.ID)

	switch {
	case err == nil:
		if _, applyErr := r.jobs.ApplyEvent(job.ID, models.JobEventComplete); applyErr != nil {
			r.logger.Error().Err(applyErr).Str("job_id", job.ID).Msg("Failed to mark job done")
			return false
		}
		r.logger.Info().
			Str("job_id", job.ID).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("Job completed")
	case errors.Is(err, errPauseRequested):
		r.logger.Info().Str("job_id", job.ID).Msg("Job paused")
	case errors.Is(err, errJobGone):
		r.logger.Info().Str("job_id", job.ID).Msg("Job deleted during processing")
	case errors.Is(err, models.ErrStorageUnavailable):
		r.requeue(job.ID, err)
		return true
	default:
		r.fail(job.ID, err)
	}
	return false
}

// requeue returns a job to queued after a transient failure so a later
// delivery can retry it.
func (r *Runner) requeue(jobID string, cause error) {
	job, err := r.jobs.GetJob(jobID)
	if err != nil {
		return
	}
	job.Status = models.JobStatusQueued
	job.UpdatedAt = time.Now().UTC()
	if err := r.jobs.UpdateJob(job); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to requeue job")
		return
	}
	r.logger.Warn().Err(cause).Str("job_id", jobID).Msg("Job requeued after transient failure")
}

func (r *Runner) fail(jobID string, cause error) {
	job, err := r.jobs.ApplyEvent(jobID, models.JobEventFail)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to mark job errored")
		return
	}
	job.ErrorMessage = cause.Error()
	if err := r.jobs.UpdateJob(job); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to record error message")
	}
	r.logger.Warn().Err(cause).Str("job_id", jobID).Msg("Job failed")
}

func (r *Runner) run(ctx context.Context, job *models.Job) error {
	workDir, err := r.makeWorkspace(job.ID)
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	checkpoint := r.checkpointFor(job.ID)

	r.updater.Progress(job.ID, progressCropStart, "downloading inputs")
	pdfPath, doc, err := r.downloadInputs(ctx, job, workDir)
	if err != nil {
		return err
	}

	settings, err := r.jobs.GetSettings(job.ID)
	if err != nil {
		return err
	}

	r.updater.Progress(job.ID, progressCropStart, "rendering and cropping")
	manifest, err := r.cropPass.Run(ctx, job.ID, pdfPath, doc, workDir)
	if err != nil {
		return err
	}
	if err := checkpoint(); err != nil {
		return err
	}

	progressFn := func(done, total int) {
		frac := progressOCRStart
		if total > 0 {
			frac += (progressOCREnd - progressOCRStart) * float64(done) / float64(total)
		}
		r.updater.Progress(job.ID, frac, fmt.Sprintf("recognizing blocks (%d/%d)", done, total))
	}

	results, err := r.recPass.Run(ctx, job, settings, manifest, workDir, progressFn, checkpoint)
	if err != nil {
		return err
	}

	r.updater.Progress(job.ID, progressVerify, "verifying results")
	if err := r.recPass.Verify(ctx, job, settings, doc, results, workDir, checkpoint); err != nil {
		return err
	}
	if err := checkpoint(); err != nil {
		return err
	}

	r.updater.Progress(job.ID, progressPublish, "publishing artifacts")
	artifacts.ApplyResults(doc, results)
	if err := r.builder.Publish(ctx, job, doc, workDir); err != nil {
		return err
	}

	pipeline.CleanupCrops(workDir)
	return nil
}

// checkpointFor re-reads the job row; pause and delete requests surface as
// sentinel errors at the next checkpoint.
func (r *Runner) checkpointFor(jobID string) pipeline.CheckpointFunc {
	return func() error {
		job, err := r.jobs.GetJob(jobID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return errJobGone
			}
			return err
		}
		if job.Status == models.JobStatusPaused {
			return errPauseRequested
		}
		if job.Status != models.JobStatusProcessing {
			return errJobGone
		}
		return nil
	}
}

func (r *Runner) makeWorkspace(jobID string) (string, error) {
	root := r.config.Worker.WorkDir
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work root: %w", err)
	}
	workDir, err := os.MkdirTemp(root, "job-"+jobID+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return workDir, nil
}

func (r *Runner) downloadInputs(ctx context.Context, job *models.Job, workDir string) (string, *models.AnnotationDocument, error) {
	pdfBytes, err := r.objects.DownloadBytes(ctx, path.Join(job.StoragePrefix, "source.pdf"))
	if err != nil {
		return "", nil, models.Errorf(models.ErrStorageUnavailable, "failed to download source pdf: %v", err)
	}
	pdfPath := filepath.Join(workDir, "source.pdf")
	if err := os.WriteFile(pdfPath, pdfBytes, 0o644); err != nil {
		return "", nil, fmt.Errorf("failed to write source pdf: %w", err)
	}

	blocksBytes, err := r.objects.DownloadBytes(ctx, path.Join(job.StoragePrefix, "blocks.json"))
	if err != nil {
		return "", nil, models.Errorf(models.ErrStorageUnavailable, "failed to download blocks: %v", err)
	}
	doc, err := models.ParseAnnotation(blocksBytes)
	if err != nil {
		return "", nil, err
	}
	if doc.DocumentName == "" {
		doc.DocumentName = job.DocumentName
	}
	return pdfPath, doc, nil
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
