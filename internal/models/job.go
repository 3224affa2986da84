package models

import (
	"fmt"
	"time"
)

// Job kinds.
const (
	KindTraining   = "training"
	KindGeneration = "generation"
)

// Job statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusRetrying   = "retrying"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job is one training or generation request tracked from reservation to its
// terminal outcome. Rows are never deleted.
type Job struct {
	ID           string `gorm:"primaryKey;size:64"`
	Kind         string `gorm:"size:16;not null;index"`
	OwnerID      string `gorm:"size:64;not null;index"`
	Cost         int64  `gorm:"not null"`
	Status       string `gorm:"size:16;not null;default:queued;index"`
	AttemptCount int    `gorm:"not null;default:0"`
	MaxAttempts  int    `gorm:"not null;default:3"`
	Payload      string `gorm:"type:text"`

	// Progress is present only while processing.
	CurrentStep       *int
	TotalSteps        *int
	Percent           *int
	ETASeconds        *int
	ProgressUpdatedAt *time.Time

	// LastError* is set only while retrying or failed.
	LastErrorKind    string `gorm:"size:64"`
	LastErrorMessage string `gorm:"type:text"`
	LastErrorClass   string `gorm:"size:16"`

	// PreviousError* keeps the error of the attempt before a re-dispatch.
	PreviousErrorKind    string `gorm:"size:64"`
	PreviousErrorMessage string `gorm:"type:text"`

	ResultRef        string `gorm:"size:512"`
	PublishedAttempt int    `gorm:"not null;default:-1"`
	Revision         int64  `gorm:"not null;default:0"`
	NextAttemptAt    *time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time `gorm:"index"`
}

// AttemptToken returns the idempotency key of the current attempt.
func (j *Job) AttemptToken() string {
	return AttemptToken(j.ID, j.AttemptCount)
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// ClearProgress drops the progress payload.
func (j *Job) ClearProgress() {
	j.CurrentStep = nil
	j.TotalSteps = nil
	j.Percent = nil
	j.ETASeconds = nil
	j.ProgressUpdatedAt = nil
}

// AttemptToken builds the "job_id:attempt" key workers echo back.
func AttemptToken(jobID string, attempt int) string {
	return fmt.Sprintf("%s:%d", jobID, attempt)
}
