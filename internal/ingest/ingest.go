// Package ingest applies worker callbacks (pickup, progress, success,
// failure) to Job Records. Every callback carries the attempt token it was
// dispatched with; callbacks for any other attempt, or for a job that already
// reached a terminal status, are dropped without effect.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stylelicense/jobyard/internal/jobs"
	"github.com/stylelicense/jobyard/internal/ledger"
	"github.com/stylelicense/jobyard/internal/models"
	"github.com/stylelicense/jobyard/internal/supervisor"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvalidProgress is returned for a progress report with totalSteps <= 0
// or currentStep outside [0, totalSteps].
var ErrInvalidProgress = errors.New("ingest: invalid progress")

// maxConflicts bounds how often a callback is re-evaluated after losing a
// race with a concurrent transition.
const maxConflicts = 3

// DropReason says why a callback had no effect.
type DropReason string

const (
	ReasonStaleAttempt DropReason = "stale_attempt"
	ReasonTerminal     DropReason = "terminal"
	ReasonOutOfOrder   DropReason = "out_of_order"
	ReasonWrongStatus  DropReason = "wrong_status"
)

// Result reports the outcome of a callback. Job is the record after the
// callback, or as found when it was dropped.
type Result struct {
	Applied bool
	Reason  DropReason
	Job     *models.Job
}

// FailureHandler receives failures once they are tied to the current
// attempt.
type FailureHandler interface {
	HandleFailure(ctx context.Context, jobID string, f supervisor.Failure) (*models.Job, error)
}

// Options configures an Ingest.
type Options struct {
	Store      *jobs.Store
	Ledger     *ledger.Ledger
	Supervisor FailureHandler
	Logger     *zap.Logger
	Now        func() time.Time
}

// Ingest is safe for concurrent use.
type Ingest struct {
	store  *jobs.Store
	ledger *ledger.Ledger
	sup    FailureHandler
	log    *zap.Logger
	now    func() time.Time
}

// New creates an Ingest.
func New(opts Options) *Ingest {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ingest{
		store:  opts.Store,
		ledger: opts.Ledger,
		sup:    opts.Supervisor,
		log:    opts.Logger.Named("ingest"),
		now:    opts.Now,
	}
}

var errOutOfOrder = errors.New("ingest: out of order")

// ApplyStarted records that a worker picked up the attempt.
func (in *Ingest) ApplyStarted(ctx context.Context, jobID, token string) (Result, error) {
	return in.apply(ctx, "started", jobID, token, func(job *models.Job) (Result, error) {
		if job.Status != models.StatusQueued {
			return dropped(ReasonWrongStatus, job), nil
		}
		job, err := in.pickup(ctx, job)
		if err != nil {
			return Result{}, err
		}
		return applied(job), nil
	})
}

// ApplyProgress stores a progress report. Percent is floored, and the ETA is
// extrapolated from the time since the job started processing. A report with
// a lower step than the one stored, or with a different step total, is
// dropped so percent never decreases within an attempt.
func (in *Ingest) ApplyProgress(ctx context.Context, jobID string, currentStep, totalSteps int, token string) (Result, error) {
	if totalSteps <= 0 || currentStep < 0 || currentStep > totalSteps {
		return Result{}, fmt.Errorf("%w: step %d of %d", ErrInvalidProgress, currentStep, totalSteps)
	}
	return in.apply(ctx, "progress", jobID, token, func(job *models.Job) (Result, error) {
		job, err := in.pickup(ctx, job)
		if err != nil {
			return Result{}, err
		}
		if job.Status != models.StatusProcessing {
			return dropped(ReasonWrongStatus, job), nil
		}

		attempt := job.AttemptCount
		updated, err := in.store.Transition(ctx, jobID, models.StatusProcessing, models.StatusProcessing, func(j *models.Job) error {
			if err := sameAttempt(j, attempt); err != nil {
				return err
			}
			if j.CurrentStep != nil && currentStep < *j.CurrentStep {
				return errOutOfOrder
			}
			if j.TotalSteps != nil && totalSteps != *j.TotalSteps {
				return errOutOfOrder
			}
			now := in.now()
			percent := currentStep * 100 / totalSteps
			j.CurrentStep = &currentStep
			j.TotalSteps = &totalSteps
			j.Percent = &percent
			j.ETASeconds = eta(j.StartedAt, now, currentStep, totalSteps)
			j.ProgressUpdatedAt = &now
			return nil
		})
		if errors.Is(err, errOutOfOrder) {
			return dropped(ReasonOutOfOrder, job), nil
		}
		if err != nil {
			return Result{}, err
		}
		return applied(updated), nil
	})
}

// ApplySuccess completes the job, stores the result reference and settles
// the reservation in one transaction.
func (in *Ingest) ApplySuccess(ctx context.Context, jobID, token, resultRef string) (Result, error) {
	return in.apply(ctx, "complete", jobID, token, func(job *models.Job) (Result, error) {
		job, err := in.pickup(ctx, job)
		if err != nil {
			return Result{}, err
		}
		if job.Status != models.StatusProcessing {
			return dropped(ReasonWrongStatus, job), nil
		}

		attempt := job.AttemptCount
		var (
			done  *models.Job
			inner error
		)
		txErr := in.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			done, inner = in.store.TransitionTx(tx, jobID, models.StatusProcessing, models.StatusCompleted, func(j *models.Job) error {
				if err := sameAttempt(j, attempt); err != nil {
					return err
				}
				j.ResultRef = resultRef
				return nil
			})
			if inner != nil {
				return inner
			}
			if done.Cost > 0 {
				inner = in.ledger.SettleTx(tx, jobID)
			}
			return inner
		})
		if inner != nil {
			return Result{}, inner
		}
		if txErr != nil {
			return Result{}, &jobs.StorageError{Op: "complete " + jobID, Err: txErr}
		}
		in.log.Info("job completed", zap.String("job_id", jobID), zap.Int("attempt", attempt))
		return applied(done), nil
	})
}

// ApplyFailure hands a failed attempt to the supervisor, which records the
// error and decides between retry and failure.
func (in *Ingest) ApplyFailure(ctx context.Context, jobID, token, errorKind, message string) (Result, error) {
	return in.apply(ctx, "failed", jobID, token, func(job *models.Job) (Result, error) {
		job, err := in.pickup(ctx, job)
		if err != nil {
			return Result{}, err
		}
		if job.Status != models.StatusProcessing {
			return dropped(ReasonWrongStatus, job), nil
		}
		updated, err := in.sup.HandleFailure(ctx, jobID, supervisor.Failure{
			Attempt: job.AttemptCount,
			Kind:    errorKind,
			Message: message,
		})
		if err != nil {
			return Result{}, err
		}
		return applied(updated), nil
	})
}

// apply loads the job, drops callbacks for terminal jobs or other attempts,
// and runs step. A step that loses a race is re-evaluated against the fresh
// record.
func (in *Ingest) apply(ctx context.Context, op, jobID, token string, step func(*models.Job) (Result, error)) (Result, error) {
	for i := 0; i < maxConflicts; i++ {
		job, err := in.store.Get(ctx, jobID)
		if err != nil {
			return Result{}, err
		}

		var res Result
		switch {
		case job.Terminal():
			res = dropped(ReasonTerminal, job)
		case token != job.AttemptToken():
			res = dropped(ReasonStaleAttempt, job)
		default:
			res, err = step(job)
			if errors.Is(err, jobs.ErrStaleTransition) {
				continue
			}
			if err != nil {
				return Result{}, err
			}
		}

		if !res.Applied {
			in.log.Debug("callback dropped",
				zap.String("op", op),
				zap.String("job_id", jobID),
				zap.String("token", token),
				zap.String("reason", string(res.Reason)))
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("ingest: %s %s kept conflicting: %w", op, jobID, jobs.ErrStaleTransition)
}

// pickup moves a queued job to processing. Jobs in any other status are
// returned unchanged.
func (in *Ingest) pickup(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.Status != models.StatusQueued {
		return job, nil
	}
	attempt := job.AttemptCount
	updated, err := in.store.Transition(ctx, job.ID, models.StatusQueued, models.StatusProcessing, func(j *models.Job) error {
		return sameAttempt(j, attempt)
	})
	if err != nil {
		return nil, err
	}
	in.log.Debug("picked up", zap.String("job_id", job.ID), zap.Int("attempt", attempt))
	return updated, nil
}

func sameAttempt(j *models.Job, attempt int) error {
	if j.AttemptCount != attempt {
		return fmt.Errorf("ingest: %s moved to attempt %d: %w", j.ID, j.AttemptCount, jobs.ErrStaleTransition)
	}
	return nil
}

// eta extrapolates the remaining seconds from the average time per step.
func eta(startedAt *time.Time, now time.Time, current, total int) *int {
	if startedAt == nil || current <= 0 {
		return nil
	}
	elapsed := now.Sub(*startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := int(elapsed.Seconds() / float64(current) * float64(total-current))
	return &remaining
}

func applied(job *models.Job) Result {
	return Result{Applied: true, Job: job}
}

func dropped(reason DropReason, job *models.Job) Result {
	return Result{Reason: reason, Job: job}
}
