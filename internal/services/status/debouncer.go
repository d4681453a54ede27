// Package status coalesces high-frequency progress writes into periodic
// job row updates.
package status

import (
	"math"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/inkwell/internal/interfaces"
)

type snapshot struct {
	progress float64
	message  string
}

type jobState struct {
	lastFlushed  time.Time
	lastProgress float64
	pending      *snapshot
}

// Updater debounces progress writes per job: a write goes through
// immediately when enough time passed since the last flush or the progress
// moved by at least the configured delta; otherwise it is buffered and
// drained by the background ticker. Terminal transitions happen outside the
// updater; callers Flush first so no buffered snapshot is lost.
type Updater struct {
	store         interfaces.JobStorage
	logger        arbor.ILogger
	interval      time.Duration
	progressDelta float64

	mu     sync.Mutex
	jobs   map[string]*jobState
	stop   chan struct{}
	donech chan struct{}
}

// NewUpdater creates and starts the updater.
func NewUpdater(store interfaces.JobStorage, logger arbor.ILogger, interval time.Duration, progressDelta float64) *Updater {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if progressDelta <= 0 {
		progressDelta = 0.05
	}
	u := &Updater{
		store:         store,
		logger:        logger,
		interval:      interval,
		progressDelta: progressDelta,
		jobs:          make(map[string]*jobState),
		stop:          make(chan struct{}),
		donech:        make(chan struct{}),
	}
	go u.run()
	return u
}

// Progress records a progress snapshot for a job, writing through or
// buffering according to the debounce rules.
func (u *Updater) Progress(jobID string, progress float64, message string) {
	u.mu.Lock()

	state, ok := u.jobs[jobID]
	if !ok {
		state = &jobState{}
		u.jobs[jobID] = state
	}

	now := time.Now()
	shouldFlush := state.lastFlushed.IsZero() ||
		now.Sub(state.lastFlushed) >= u.interval ||
		math.Abs(progress-state.lastProgress) >= u.progressDelta

	if !shouldFlush {
		state.pending = &snapshot{progress: progress, message: message}
		u.mu.Unlock()
		return
	}

	state.lastFlushed = now
	state.lastProgress = progress
	state.pending = nil
	u.mu.Unlock()

	u.write(jobID, progress, message)
}

// Flush writes any buffered snapshot for the job immediately. Called
// before every terminal transition.
func (u *Updater) Flush(jobID string) {
	u.mu.Lock()
	state, ok := u.jobs[jobID]
	if !ok || state.pending == nil {
		u.mu.Unlock()
		return
	}
	pending := state.pending
	state.pending = nil
	state.lastFlushed = time.Now()
	state.lastProgress = pending.progress
	u.mu.Unlock()

	u.write(jobID, pending.progress, pending.message)
}

// Forget drops the per-job debounce state once a job finishes.
func (u *Updater) Forget(jobID string) {
	u.mu.Lock()
	delete(u.jobs, jobID)
	u.mu.Unlock()
}

// Close drains all buffered snapshots and stops the ticker.
func (u *Updater) Close() {
	close(u.stop)
	<-u.donech
	u.flushAll(true)
}

func (u *Updater) run() {
	defer close(u.donech)
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			u.flushAll(false)
		case <-u.stop:
			return
		}
	}
}

func (u *Updater) flushAll(force bool) {
	u.mu.Lock()
	type flush struct {
		jobID string
		snap  *snapshot
	}
	var flushes []flush
	now := time.Now()
	for jobID, state := range u.jobs {
		if state.pending == nil {
			continue
		}
		if !force && now.Sub(state.lastFlushed) < u.interval {
			continue
		}
		snap := state.pending
		flushes = append(flushes, flush{jobID, snap})
		state.pending = nil
		state.lastFlushed = now
		state.lastProgress = snap.progress
	}
	u.mu.Unlock()

	for _, f := range flushes {
		u.write(f.jobID, f.snap.progress, f.snap.message)
	}
}

func (u *Updater) write(jobID string, progress float64, message string) {
	if err := u.store.UpdateProgress(jobID, progress, message); err != nil {
		u.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to write progress snapshot")
	}
}
