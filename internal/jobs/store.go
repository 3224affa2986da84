// Package jobs persists Job Records and guards every state change with a
// compare-and-set transition.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/stylelicense/jobyard/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultMaxAttempts is the dispatch attempt budget of a new job.
const DefaultMaxAttempts = 3

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("jobs: not found")

	// ErrStaleTransition is returned when the job is not in the expected
	// status, or the requested transition is not part of the state machine.
	// Callers re-read and decide.
	ErrStaleTransition = errors.New("jobs: stale transition")
)

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("jobs: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ValidTransitions maps each status to the statuses it may move to. The
// self-loops carry bookkeeping writes (progress, publish markers) that must
// still lose against a concurrent status change.
var ValidTransitions = map[string][]string{
	models.StatusQueued:     {models.StatusProcessing, models.StatusQueued},
	models.StatusProcessing: {models.StatusCompleted, models.StatusRetrying, models.StatusFailed, models.StatusProcessing},
	models.StatusRetrying:   {models.StatusQueued, models.StatusRetrying},
}

// ForcedTransitions are operator overrides that abandon a job outside the
// normal lifecycle.
var ForcedTransitions = map[string][]string{
	models.StatusQueued:     {models.StatusFailed},
	models.StatusProcessing: {models.StatusFailed},
	models.StatusRetrying:   {models.StatusFailed},
}

// IsValidTransition reports whether from → to is part of the state machine.
func IsValidTransition(from, to string) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Mutator edits a job inside a transition. Returning an error aborts the
// transition without writing.
type Mutator func(job *models.Job) error

// CreateOpts holds parameters for creating a job.
type CreateOpts struct {
	ID          string // generated when empty
	Kind        string
	OwnerID     string
	Cost        int64
	Payload     string
	MaxAttempts int
}

// Filters narrows List.
type Filters struct {
	Status  string
	Kind    string
	OwnerID string
	Limit   int
}

// Options configures a Store.
type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Store is the Job Record Store.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// New creates a Store backed by db.
func New(db *gorm.DB, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{db: db, log: opts.Logger.Named("jobs"), now: opts.Now}
}

// DB exposes the underlying handle so callers can open a transaction that
// spans a transition and a ledger write.
func (s *Store) DB() *gorm.DB { return s.db }

// Create inserts a queued job with no attempts made.
func (s *Store) Create(ctx context.Context, opts CreateOpts) (*models.Job, error) {
	if opts.Kind != models.KindTraining && opts.Kind != models.KindGeneration {
		return nil, fmt.Errorf("jobs: kind %q must be %s or %s", opts.Kind, models.KindTraining, models.KindGeneration)
	}
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("jobs: ownerID is required")
	}
	if opts.Cost < 0 {
		return nil, fmt.Errorf("jobs: cost must not be negative")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	now := s.now()
	job := &models.Job{
		ID:               opts.ID,
		Kind:             opts.Kind,
		OwnerID:          opts.OwnerID,
		Cost:             opts.Cost,
		Status:           models.StatusQueued,
		AttemptCount:     0,
		MaxAttempts:      opts.MaxAttempts,
		Payload:          opts.Payload,
		PublishedAttempt: -1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, &StorageError{Op: "create " + opts.ID, Err: err}
	}
	return job, nil
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	return getJob(s.db.WithContext(ctx), id, false)
}

// List returns jobs matching filters, newest first.
func (s *Store) List(ctx context.Context, filters Filters) ([]models.Job, error) {
	q := s.db.WithContext(ctx).Model(&models.Job{})
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.Kind != "" {
		q = q.Where("kind = ?", filters.Kind)
	}
	if filters.OwnerID != "" {
		q = q.Where("owner_id = ?", filters.OwnerID)
	}
	if filters.Limit > 0 {
		q = q.Limit(filters.Limit)
	}
	var out []models.Job
	if err := q.Order("created_at DESC, id ASC").Find(&out).Error; err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return out, nil
}

// ListUnpublished returns queued jobs whose current attempt was never
// accepted by the broker and that have not been touched since before.
func (s *Store) ListUnpublished(ctx context.Context, before time.Time) ([]models.Job, error) {
	var out []models.Job
	if err := s.db.WithContext(ctx).
		Where("status = ? AND published_attempt < attempt_count AND updated_at < ?", models.StatusQueued, before).
		Order("updated_at ASC").
		Find(&out).Error; err != nil {
		return nil, &StorageError{Op: "list unpublished", Err: err}
	}
	return out, nil
}

// ListStalled returns processing jobs that have not changed since before.
// Every progress report and attempt start bumps updated_at.
func (s *Store) ListStalled(ctx context.Context, before time.Time) ([]models.Job, error) {
	var out []models.Job
	if err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.StatusProcessing, before).
		Order("updated_at ASC").
		Find(&out).Error; err != nil {
		return nil, &StorageError{Op: "list stalled", Err: err}
	}
	return out, nil
}

// ListRetryDue returns retrying jobs whose backoff ended at or before now.
func (s *Store) ListRetryDue(ctx context.Context, now time.Time) ([]models.Job, error) {
	var out []models.Job
	if err := s.db.WithContext(ctx).
		Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", models.StatusRetrying, now).
		Order("next_attempt_at ASC").
		Find(&out).Error; err != nil {
		return nil, &StorageError{Op: "list retry due", Err: err}
	}
	return out, nil
}

// Transition atomically applies mutator and moves the job from expected to
// next. It fails with ErrStaleTransition if the job is not in expected.
func (s *Store) Transition(ctx context.Context, id, expected, next string, mutator Mutator) (*models.Job, error) {
	var (
		job   *models.Job
		inner error
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, inner = s.TransitionTx(tx, id, expected, next, mutator)
		return inner
	})
	if inner != nil {
		return nil, inner
	}
	if err != nil {
		return nil, &StorageError{Op: "transition " + id, Err: err}
	}
	return job, nil
}

// TransitionTx is Transition inside the caller's transaction.
func (s *Store) TransitionTx(tx *gorm.DB, id, expected, next string, mutator Mutator) (*models.Job, error) {
	if !IsValidTransition(expected, next) {
		return nil, fmt.Errorf("jobs: %s → %s is not a valid transition: %w", expected, next, ErrStaleTransition)
	}
	return s.transitionTx(tx, id, expected, next, mutator)
}

// ForceTransitionTx applies one of ForcedTransitions with the same
// compare-and-swap guarantees as TransitionTx.
func (s *Store) ForceTransitionTx(tx *gorm.DB, id, expected, next string, mutator Mutator) (*models.Job, error) {
	if !slices.Contains(ForcedTransitions[expected], next) {
		return nil, fmt.Errorf("jobs: %s → %s cannot be forced: %w", expected, next, ErrStaleTransition)
	}
	return s.transitionTx(tx, id, expected, next, mutator)
}

func (s *Store) transitionTx(tx *gorm.DB, id, expected, next string, mutator Mutator) (*models.Job, error) {
	job, err := getJob(tx, id, true)
	if err != nil {
		return nil, err
	}
	if job.Status != expected {
		return nil, fmt.Errorf("jobs: %s is %s, expected %s: %w", id, job.Status, expected, ErrStaleTransition)
	}

	if mutator != nil {
		if err := mutator(job); err != nil {
			return nil, err
		}
	}

	now := s.now()
	job.Status = next
	job.UpdatedAt = now
	job.Revision++
	switch next {
	case models.StatusProcessing:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case models.StatusQueued:
		job.ClearProgress()
		if job.LastErrorKind != "" {
			job.PreviousErrorKind = job.LastErrorKind
			job.PreviousErrorMessage = job.LastErrorMessage
		}
		clearLastError(job)
		job.NextAttemptAt = nil
	case models.StatusRetrying:
		job.ClearProgress()
	case models.StatusCompleted:
		job.ClearProgress()
		clearLastError(job)
		job.NextAttemptAt = nil
		job.FinishedAt = &now
	case models.StatusFailed:
		job.ClearProgress()
		job.NextAttemptAt = nil
		job.FinishedAt = &now
	}

	result := tx.Model(&models.Job{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(columns(job))
	if result.Error != nil {
		return nil, &StorageError{Op: "update " + id, Err: result.Error}
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("jobs: %s changed concurrently: %w", id, ErrStaleTransition)
	}

	s.log.Debug("transition",
		zap.String("job_id", id),
		zap.String("from", expected),
		zap.String("to", next),
		zap.Int("attempt", job.AttemptCount))
	return job, nil
}

func getJob(tx *gorm.DB, id string, lock bool) (*models.Job, error) {
	q := tx
	if lock && tx.Dialector.Name() == "mysql" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var job models.Job
	result := q.Where("id = ?", id).Limit(1).Find(&job)
	if result.Error != nil {
		return nil, &StorageError{Op: "get " + id, Err: result.Error}
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("jobs: %s: %w", id, ErrNotFound)
	}
	return &job, nil
}

// columns lists every mutable column so zero values and NULLs are written.
func columns(job *models.Job) map[string]interface{} {
	return map[string]interface{}{
		"status":                 job.Status,
		"attempt_count":          job.AttemptCount,
		"max_attempts":           job.MaxAttempts,
		"current_step":           job.CurrentStep,
		"total_steps":            job.TotalSteps,
		"percent":                job.Percent,
		"eta_seconds":            job.ETASeconds,
		"progress_updated_at":    job.ProgressUpdatedAt,
		"last_error_kind":        job.LastErrorKind,
		"last_error_message":     job.LastErrorMessage,
		"last_error_class":       job.LastErrorClass,
		"previous_error_kind":    job.PreviousErrorKind,
		"previous_error_message": job.PreviousErrorMessage,
		"result_ref":             job.ResultRef,
		"published_attempt":      job.PublishedAttempt,
		"revision":               job.Revision,
		"next_attempt_at":        job.NextAttemptAt,
		"started_at":             job.StartedAt,
		"finished_at":            job.FinishedAt,
		"updated_at":             job.UpdatedAt,
	}
}

func clearLastError(job *models.Job) {
	job.LastErrorKind = ""
	job.LastErrorMessage = ""
	job.LastErrorClass = ""
}
