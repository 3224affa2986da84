// Package supervisor owns the retry policy: it decides whether a failed
// attempt is retried or the job fails for good, schedules re-dispatch, and
// keeps publishing until the broker accepts a job's Task Message.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stylelicense/jobyard/internal/alert"
	"github.com/stylelicense/jobyard/internal/config"
	"github.com/stylelicense/jobyard/internal/jobs"
	"github.com/stylelicense/jobyard/internal/ledger"
	"github.com/stylelicense/jobyard/internal/models"
	"github.com/stylelicense/jobyard/internal/queue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Failure describes a failed attempt as reported by a worker.
type Failure struct {
	Attempt int    // attempt the report belongs to
	Kind    string // worker error kind
	Message string
	Class   Class // derived from Kind when empty
}

// Options configures a Supervisor.
type Options struct {
	Store     *jobs.Store
	Ledger    *ledger.Ledger
	Publisher queue.Publisher
	Queues    config.QueueConfig
	Schedule  Schedule
	Notifier  alert.Notifier
	Logger    *zap.Logger
	Now       func() time.Time
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	store    *jobs.Store
	ledger   *ledger.Ledger
	pub      queue.Publisher
	queues   config.QueueConfig
	schedule Schedule
	notifier alert.Notifier
	log      *zap.Logger
	now      func() time.Time

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	if opts.Schedule == nil {
		opts.Schedule = DefaultSchedule
	}
	if opts.Notifier == nil {
		opts.Notifier = alert.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Supervisor{
		store:    opts.Store,
		ledger:   opts.Ledger,
		pub:      opts.Publisher,
		queues:   opts.Queues,
		schedule: opts.Schedule,
		notifier: opts.Notifier,
		log:      opts.Logger.Named("supervisor"),
		now:      opts.Now,
		done:     make(chan struct{}),
	}
}

// Delay returns the backoff before the attempt after attempt.
func (s *Supervisor) Delay(attempt int) time.Duration {
	return s.schedule.Delay(attempt)
}

// HandleFailure records f against a processing job and either moves it to
// retrying with a scheduled re-dispatch, or fails it and refunds its cost in
// the same transaction. A report for any attempt but the current one fails
// with jobs.ErrStaleTransition.
func (s *Supervisor) HandleFailure(ctx context.Context, jobID string, f Failure) (*models.Job, error) {
	if f.Class == "" {
		f.Class = Classify(f.Kind)
	}
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusProcessing {
		return nil, fmt.Errorf("supervisor: %s is %s: %w", jobID, job.Status, jobs.ErrStaleTransition)
	}

	record := func(j *models.Job) error {
		if j.AttemptCount != f.Attempt {
			return fmt.Errorf("supervisor: %s is on attempt %d, report is for %d: %w",
				jobID, j.AttemptCount, f.Attempt, jobs.ErrStaleTransition)
		}
		j.LastErrorKind = f.Kind
		j.LastErrorMessage = f.Message
		j.LastErrorClass = string(f.Class)
		return nil
	}

	if f.Class == Transient && job.AttemptCount+1 < job.MaxAttempts {
		return s.retry(ctx, jobID, f, record)
	}
	return s.fail(ctx, jobID, f, record)
}

func (s *Supervisor) retry(ctx context.Context, jobID string, f Failure, record jobs.Mutator) (*models.Job, error) {
	delay := s.Delay(f.Attempt)
	due := s.now().Add(delay)
	job, err := s.store.Transition(ctx, jobID, models.StatusProcessing, models.StatusRetrying, func(j *models.Job) error {
		if err := record(j); err != nil {
			return err
		}
		j.AttemptCount++
		j.NextAttemptAt = &due
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("retry scheduled",
		zap.String("job_id", jobID),
		zap.Int("attempt", job.AttemptCount),
		zap.String("error_kind", f.Kind),
		zap.Duration("delay", delay))
	s.after(delay, func(ctx context.Context) {
		if err := s.Resume(ctx, jobID); err != nil {
			s.log.Warn("resume failed", zap.String("job_id", jobID), zap.Error(err))
		}
	})
	return job, nil
}

// failTx runs transition and refunds the failed job's cost in one
// transaction.
func (s *Supervisor) failTx(ctx context.Context, jobID string, transition func(tx *gorm.DB) (*models.Job, error)) (*models.Job, bool, error) {
	var (
		job      *models.Job
		refunded bool
		inner    error
	)
	err := s.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, inner = transition(tx)
		if inner != nil {
			return inner
		}
		if job.Cost > 0 {
			refunded, inner = s.ledger.RefundTx(tx, jobID, job.Cost)
		}
		return inner
	})
	if inner != nil {
		return nil, false, inner
	}
	if err != nil {
		return nil, false, &jobs.StorageError{Op: "fail " + jobID, Err: err}
	}
	return job, refunded, nil
}

func (s *Supervisor) fail(ctx context.Context, jobID string, f Failure, record jobs.Mutator) (*models.Job, error) {
	job, refunded, err := s.failTx(ctx, jobID, func(tx *gorm.DB) (*models.Job, error) {
		return s.store.TransitionTx(tx, jobID, models.StatusProcessing, models.StatusFailed, record)
	})
	if err != nil {
		return nil, err
	}

	reason := "permanent error"
	if f.Class == Transient {
		reason = "retries exhausted"
	}
	s.log.Warn("job failed",
		zap.String("job_id", jobID),
		zap.Int("attempt", job.AttemptCount),
		zap.String("error_kind", f.Kind),
		zap.String("reason", reason),
		zap.Bool("refunded", refunded))
	alert.Send(ctx, s.notifier, s.log, alert.Event{
		Title:    fmt.Sprintf("%s job failed: %s", job.Kind, reason),
		Body:     f.Message,
		Severity: alert.SeverityError,
		Fields: []alert.Field{
			{Name: "job_id", Value: jobID},
			{Name: "owner", Value: job.OwnerID},
			{Name: "error_kind", Value: f.Kind},
			{Name: "attempts", Value: fmt.Sprintf("%d/%d", job.AttemptCount+1, job.MaxAttempts)},
			{Name: "refunded", Value: fmt.Sprintf("%d", job.Cost)},
		},
	})
	return job, nil
}

// KindOperatorAbort is recorded on jobs failed by an operator.
const KindOperatorAbort = "operator_abort"

// ForceFail fails a queued, processing or retrying job on an operator's
// behalf and refunds its cost in the same transaction. Terminal jobs fail
// with jobs.ErrStaleTransition. Reports that arrive later for the job are
// rejected as stale.
func (s *Supervisor) ForceFail(ctx context.Context, jobID, reason string) (*models.Job, error) {
	if reason == "" {
		reason = "aborted by operator"
	}
	record := func(j *models.Job) error {
		j.LastErrorKind = KindOperatorAbort
		j.LastErrorMessage = reason
		j.LastErrorClass = string(Permanent)
		return nil
	}

	for i := 0; i < 3; i++ {
		current, err := s.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if current.Terminal() {
			return nil, fmt.Errorf("supervisor: %s is already %s: %w", jobID, current.Status, jobs.ErrStaleTransition)
		}

		from := current.Status
		job, refunded, err := s.failTx(ctx, jobID, func(tx *gorm.DB) (*models.Job, error) {
			return s.store.ForceTransitionTx(tx, jobID, from, models.StatusFailed, record)
		})
		if errors.Is(err, jobs.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.log.Warn("job failed by operator",
			zap.String("job_id", jobID),
			zap.String("from", from),
			zap.String("reason", reason),
			zap.Bool("refunded", refunded))
		alert.Send(ctx, s.notifier, s.log, alert.Event{
			Title:    fmt.Sprintf("%s job failed: %s", job.Kind, KindOperatorAbort),
			Body:     reason,
			Severity: alert.SeverityWarning,
			Fields: []alert.Field{
				{Name: "job_id", Value: jobID},
				{Name: "owner", Value: job.OwnerID},
				{Name: "was", Value: from},
				{Name: "refunded", Value: fmt.Sprintf("%d", job.Cost)},
			},
		})
		return job, nil
	}
	return nil, fmt.Errorf("supervisor: %s kept changing: %w", jobID, jobs.ErrStaleTransition)
}

// Resume moves a retrying job back to queued and publishes its next attempt.
// A job that is no longer retrying is left alone.
func (s *Supervisor) Resume(ctx context.Context, jobID string) error {
	job, err := s.store.Transition(ctx, jobID, models.StatusRetrying, models.StatusQueued, nil)
	if errors.Is(err, jobs.ErrStaleTransition) {
		s.log.Debug("resume skipped", zap.String("job_id", jobID))
		return nil
	}
	if err != nil {
		return err
	}
	s.Enqueue(ctx, job)
	return nil
}

// Enqueue publishes the current attempt of a queued job once. If the broker
// refuses, publishing continues in the background and Enqueue returns false.
func (s *Supervisor) Enqueue(ctx context.Context, job *models.Job) bool {
	err := s.Publish(ctx, job)
	if err == nil {
		return true
	}
	s.log.Warn("publish failed, retrying in background",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.AttemptCount),
		zap.Error(err))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := s.background()
		defer cancel()
		if err := s.PublishWithRetry(ctx, job); err != nil {
			s.log.Warn("publish abandoned", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
	return false
}

// PublishWithRetry publishes job's current attempt, retrying on the retry
// schedule (holding at its last delay) until the broker accepts, the job
// moves on, or ctx ends.
func (s *Supervisor) PublishWithRetry(ctx context.Context, job *models.Job) error {
	for i := 0; ; i++ {
		err := s.Publish(ctx, job)
		if err == nil {
			return nil
		}
		var pe *queue.PublishError
		if !errors.As(err, &pe) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Delay(i)):
		}

		current, err := s.store.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		if current.Status != models.StatusQueued || current.AttemptCount != job.AttemptCount {
			return nil
		}
		job = current
	}
}

// Message builds the Task Message for job's current attempt.
func Message(job *models.Job) queue.TaskMessage {
	msg := queue.TaskMessage{
		JobID:          job.ID,
		Kind:           job.Kind,
		IdempotencyKey: job.AttemptToken(),
	}
	if job.Payload != "" {
		msg.Payload = json.RawMessage(job.Payload)
	}
	return msg
}

// Publish makes one attempt to publish job's current attempt and records it
// as published.
func (s *Supervisor) Publish(ctx context.Context, job *models.Job) error {
	name, err := s.queues.QueueFor(job.Kind)
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, name, Message(job)); err != nil {
		return err
	}

	attempt := job.AttemptCount
	_, err = s.store.Transition(ctx, job.ID, models.StatusQueued, models.StatusQueued, func(j *models.Job) error {
		if j.AttemptCount == attempt && j.PublishedAttempt < attempt {
			j.PublishedAttempt = attempt
		}
		return nil
	})
	switch {
	case errors.Is(err, jobs.ErrStaleTransition):
		// A worker already picked it up.
	case err != nil:
		s.log.Warn("publish not recorded", zap.String("job_id", job.ID), zap.Error(err))
	default:
		s.log.Debug("published", zap.String("job_id", job.ID), zap.Int("attempt", attempt), zap.String("queue", name))
	}
	return nil
}

// after runs fn once d has elapsed unless the supervisor is closed first.
func (s *Supervisor) after(d time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-s.done:
			return
		case <-t.C:
		}
		ctx, cancel := s.background()
		defer cancel()
		fn(ctx)
	}()
}

// background returns a context cancelled when the supervisor closes.
func (s *Supervisor) background() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Wait blocks until every scheduled re-dispatch and background publish has
// finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close abandons pending timers and background publishes and waits for
// running ones to return. Retrying jobs left behind are resumed by the
// reconciler.
func (s *Supervisor) Close() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}
