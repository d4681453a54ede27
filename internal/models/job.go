package models

import (
	"time"
)

// JobStatus is the lifecycle state of an OCR job.
type JobStatus string

const (
	JobStatusDraft      JobStatus = "draft"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusError      JobStatus = "error"
	JobStatusPaused     JobStatus = "paused"
)

// JobEvent is a requested lifecycle transition.
type JobEvent string

const (
	JobEventEnqueue  JobEvent = "enqueue"
	JobEventClaim    JobEvent = "claim"
	JobEventComplete JobEvent = "complete"
	JobEventFail     JobEvent = "fail"
	JobEventPause    JobEvent = "pause"
	JobEventResume   JobEvent = "resume"
	JobEventRestart  JobEvent = "restart"
)

// transitions maps event -> allowed source statuses. Deletion is not an
// event: a job row may be removed from any status.
var transitions = map[JobEvent][]JobStatus{
	JobEventEnqueue:  {JobStatusDraft},
	JobEventClaim:    {JobStatusQueued},
	JobEventComplete: {JobStatusProcessing},
	JobEventFail:     {JobStatusQueued, JobStatusProcessing},
	JobEventPause:    {JobStatusQueued, JobStatusProcessing},
	JobEventResume:   {JobStatusPaused},
	JobEventRestart:  {JobStatusDone, JobStatusError, JobStatusPaused},
}

// CanTransition reports whether event is legal from the given status.
func CanTransition(from JobStatus, event JobEvent) bool {
	for _, s := range transitions[event] {
		if s == from {
			return true
		}
	}
	return false
}

// TargetStatus returns the status an event moves a job into.
func TargetStatus(event JobEvent) JobStatus {
	switch event {
	case JobEventEnqueue, JobEventResume, JobEventRestart:
		return JobStatusQueued
	case JobEventClaim:
		return JobStatusProcessing
	case JobEventComplete:
		return JobStatusDone
	case JobEventFail:
		return JobStatusError
	case JobEventPause:
		return JobStatusPaused
	}
	return ""
}

// IsTerminal reports whether the status ends active processing. Paused jobs
// count as terminal for status flushing: the row must reflect the pause
// immediately, not on the next debounce tick.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusError || s == JobStatusPaused
}

// BlockStats summarizes the requested blocks of a job.
type BlockStats struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type,omitempty"`
	Failed int            `json:"failed,omitempty"`
}

// Job is the persistent record of an OCR task.
type Job struct {
	ID            string      `json:"id" badgerhold:"key"`
	DocumentID    string      `json:"document_id"`
	DocumentName  string      `json:"document_name"`
	TaskName      string      `json:"task_name"`
	Status        JobStatus   `json:"status" badgerhold:"index"`
	Progress      float64     `json:"progress"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" badgerhold:"index"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	Engine        string      `json:"engine"`
	StoragePrefix string      `json:"storage_prefix"`
	ClientID      string      `json:"client_id,omitempty"`
	NodeID        string      `json:"node_id,omitempty"`
	StatusMessage string      `json:"status_message,omitempty"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	RetryCount    int         `json:"retry_count"`
	BlockStats    *BlockStats `json:"block_stats,omitempty"`
}

// Apply performs a checked transition and updates the timestamp bookkeeping.
func (j *Job) Apply(event JobEvent) error {
	if !CanTransition(j.Status, event) {
		return Errorf(ErrInvalidTransition, "cannot %s job in status %s", event, j.Status)
	}
	now := time.Now().UTC()
	j.Status = TargetStatus(event)
	j.UpdatedAt = now
	switch event {
	case JobEventClaim:
		j.StartedAt = &now
	case JobEventComplete:
		j.Progress = 1.0
		j.CompletedAt = &now
	case JobEventFail:
		j.CompletedAt = &now
	case JobEventRestart:
		j.Progress = 0
		j.ErrorMessage = ""
		j.StatusMessage = ""
		j.StartedAt = nil
		j.CompletedAt = nil
		j.RetryCount++
	}
	return nil
}

// JobSettings holds the per-type model overrides chosen at start time.
type JobSettings struct {
	JobID      string `json:"job_id" badgerhold:"key"`
	TextModel  string `json:"text_model"`
	TableModel string `json:"table_model"`
	ImageModel string `json:"image_model"`
	StampModel string `json:"stamp_model"`
	// IsCorrectionMode re-runs recognition over blocks that already carry
	// text, treating the existing text as a draft to correct.
	IsCorrectionMode bool `json:"is_correction_mode"`
}

// ModelFor returns the configured model for a block type, empty when the
// backend default should apply.
func (s *JobSettings) ModelFor(blockType BlockType) string {
	if s == nil {
		return ""
	}
	switch blockType {
	case BlockTypeText:
		return s.TextModel
	case BlockTypeTable:
		return s.TableModel
	case BlockTypeImage:
		return s.ImageModel
	case BlockTypeStamp:
		return s.StampModel
	}
	return ""
}
