package worker

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/interfaces"
	"github.com/ternarybob/inkwell/internal/models"
)

// Sweeper periodically fails processing jobs whose status has not moved
// within the task time limit: a crashed worker leaves such rows behind, and
// without the sweep they would hold a concurrency slot forever.
type Sweeper struct {
	jobs       interfaces.JobStorage
	staleAfter time.Duration
	logger     arbor.ILogger
	cron       *cron.Cron
}

// NewSweeper creates the stale-job sweeper.
func NewSweeper(jobs interfaces.JobStorage, staleAfter time.Duration, logger arbor.ILogger) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Sweeper{
		jobs:       jobs,
		staleAfter: staleAfter,
		logger:     logger,
		cron:       cron.New(),
	}
}

// Start schedules the sweep every five minutes.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("@every 5m", s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep fails every stale processing job.
func (s *Sweeper) Sweep() {
	stale, err := s.jobs.ListStaleProcessing(s.staleAfter)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Stale job sweep failed")
		return
	}
	for _, job := range stale {
		failed, err := s.jobs.ApplyEvent(job.ID, models.JobEventFail)
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to fail stale job")
			continue
		}
		failed.ErrorMessage = "job exceeded the task time limit without progress"
		if err := s.jobs.UpdateJob(failed); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record stale error")
		}
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("last_update", job.UpdatedAt.Format(time.RFC3339)).
			Msg("Stale processing job failed by sweeper")
	}
}
