package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionTable(t *testing.T) {
	allowed := map[JobStatus][]JobEvent{
		JobStatusDraft:      {JobEventEnqueue},
		JobStatusQueued:     {JobEventClaim, JobEventFail, JobEventPause},
		JobStatusProcessing: {JobEventComplete, JobEventFail, JobEventPause},
		JobStatusDone:       {JobEventRestart},
		JobStatusError:      {JobEventRestart},
		JobStatusPaused:     {JobEventResume, JobEventRestart},
	}

	statuses := []JobStatus{JobStatusDraft, JobStatusQueued, JobStatusProcessing,
		JobStatusDone, JobStatusError, JobStatusPaused}
	events := []JobEvent{JobEventEnqueue, JobEventClaim, JobEventComplete,
		JobEventFail, JobEventPause, JobEventResume, JobEventRestart}

	for _, status := range statuses {
		for _, event := range events {
			want := false
			for _, e := range allowed[status] {
				if e == event {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(status, event),
				"status=%s event=%s", status, event)
		}
	}
}

func TestApplyComplete(t *testing.T) {
	job := &Job{ID: "j1", Status: JobStatusProcessing, Progress: 0.9}
	require.NoError(t, job.Apply(JobEventComplete))
	assert.Equal(t, JobStatusDone, job.Status)
	assert.Equal(t, 1.0, job.Progress)
	assert.NotNil(t, job.CompletedAt)
}

func TestApplyRestartResetsRun(t *testing.T) {
	job := &Job{
		ID:           "j1",
		Status:       JobStatusError,
		Progress:     0.4,
		ErrorMessage: "backend unreachable",
		RetryCount:   1,
	}
	require.NoError(t, job.Apply(JobEventRestart))
	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Zero(t, job.Progress)
	assert.Empty(t, job.ErrorMessage)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Equal(t, 2, job.RetryCount)
}

func TestApplyRejectsIllegalTransition(t *testing.T) {
	job := &Job{ID: "j1", Status: JobStatusDone}
	err := job.Apply(JobEventPause)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, JobStatusDone, job.Status)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, JobStatusDone.IsTerminal())
	assert.True(t, JobStatusError.IsTerminal())
	assert.True(t, JobStatusPaused.IsTerminal())
	assert.False(t, JobStatusQueued.IsTerminal())
	assert.False(t, JobStatusProcessing.IsTerminal())
	assert.False(t, JobStatusDraft.IsTerminal())
}

func TestModelForSelectsPerTypeOverride(t *testing.T) {
	settings := &JobSettings{
		TextModel:  "model-text",
		ImageModel: "model-image",
	}
	assert.Equal(t, "model-text", settings.ModelFor(BlockTypeText))
	assert.Equal(t, "model-image", settings.ModelFor(BlockTypeImage))
	assert.Empty(t, settings.ModelFor(BlockTypeTable))

	var none *JobSettings
	assert.Empty(t, none.ModelFor(BlockTypeText))
}
