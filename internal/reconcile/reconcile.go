// Package reconcile runs the periodic sweep that recovers work a crash or a
// broker outage left behind: reservations without a job, queued jobs whose
// message never reached the broker, and retries whose timer was lost. It
// also alerts on processing jobs that stopped reporting.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stylelicense/jobyard/internal/alert"
	"github.com/stylelicense/jobyard/internal/jobs"
	"github.com/stylelicense/jobyard/internal/ledger"
	"github.com/stylelicense/jobyard/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Recoverer republishes and resumes jobs.
type Recoverer interface {
	Publish(ctx context.Context, job *models.Job) error
	Resume(ctx context.Context, jobID string) error
}

// Options configures a Reconciler.
type Options struct {
	Store              *jobs.Store
	Ledger             *ledger.Ledger
	Recoverer          Recoverer
	Notifier           alert.Notifier
	OrphanGrace        time.Duration
	PublishGrace       time.Duration
	RepublishPerSecond float64       // unlimited when zero
	StallAfter         time.Duration // stall alerts are off when zero
	Logger             *zap.Logger
	Now                func() time.Time
}

// Report counts what one sweep repaired.
type Report struct {
	OrphansRefunded int
	Republished     int
	Resumed         int
	Stalled         int
	Failures        int
}

// Reconciler is safe for concurrent use, but sweeps are not meant to overlap.
type Reconciler struct {
	store    *jobs.Store
	ledger   *ledger.Ledger
	rec      Recoverer
	notifier alert.Notifier
	orphan   time.Duration
	publish  time.Duration
	stall    time.Duration
	limiter  *rate.Limiter
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	alerted map[string]int64 // stalled job id → revision already alerted
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	if opts.Notifier == nil {
		opts.Notifier = alert.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limit := rate.Inf
	if opts.RepublishPerSecond > 0 {
		limit = rate.Limit(opts.RepublishPerSecond)
	}
	return &Reconciler{
		store:    opts.Store,
		ledger:   opts.Ledger,
		rec:      opts.Recoverer,
		notifier: opts.Notifier,
		orphan:   opts.OrphanGrace,
		publish:  opts.PublishGrace,
		stall:    opts.StallAfter,
		alerted:  make(map[string]int64),
		limiter:  rate.NewLimiter(limit, 1),
		log:      opts.Logger.Named("reconcile"),
		now:      opts.Now,
	}
}

// Sweep runs every repair once. Individual failures are counted and logged;
// the returned error is set only when a listing query fails.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	if err := r.refundOrphans(ctx, &rep); err != nil {
		errs = append(errs, err)
	}
	if err := r.republish(ctx, &rep); err != nil {
		errs = append(errs, err)
	}
	if err := r.resume(ctx, &rep); err != nil {
		errs = append(errs, err)
	}
	if err := r.detectStalls(ctx, &rep); err != nil {
		errs = append(errs, err)
	}

	r.log.Info("sweep finished",
		zap.Int("orphans_refunded", rep.OrphansRefunded),
		zap.Int("republished", rep.Republished),
		zap.Int("resumed", rep.Resumed),
		zap.Int("stalled", rep.Stalled),
		zap.Int("failures", rep.Failures))
	return rep, errors.Join(errs...)
}

// orphanReservations lists reservations older than before whose job was
// never recorded and that were not refunded yet.
func (r *Reconciler) orphanReservations(ctx context.Context, before time.Time) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	err := r.store.DB().WithContext(ctx).
		Table("ledger_entries AS e").
		Select("e.*").
		Where("e.kind = ? AND e.created_at < ?", models.EntryReservation, before).
		Where("NOT EXISTS (SELECT 1 FROM jobs j WHERE j.id = e.related_job_id)").
		Where("NOT EXISTS (SELECT 1 FROM ledger_entries r WHERE r.related_job_id = e.related_job_id AND r.kind = ?)", models.EntryRefund).
		Order("e.created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("reconcile: list orphan reservations: %w", err)
	}
	return out, nil
}

func (r *Reconciler) refundOrphans(ctx context.Context, rep *Report) error {
	orphans, err := r.orphanReservations(ctx, r.now().Add(-r.orphan))
	if err != nil {
		return err
	}
	for _, e := range orphans {
		if e.RelatedJobID == nil {
			continue
		}
		jobID := *e.RelatedJobID
		refunded, err := r.ledger.Refund(ctx, jobID, -e.Amount)
		if err != nil {
			rep.Failures++
			r.log.Warn("orphan refund failed", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		if !refunded {
			continue
		}
		rep.OrphansRefunded++
		r.log.Warn("refunded orphan reservation",
			zap.String("job_id", jobID),
			zap.String("account", e.AccountID),
			zap.Int64("amount", -e.Amount))
		alert.Send(ctx, r.notifier, r.log, alert.Event{
			Title:    "orphan reservation refunded",
			Body:     "A reservation had no job record and was returned to the account.",
			Severity: alert.SeverityWarning,
			Fields: []alert.Field{
				{Name: "job_id", Value: jobID},
				{Name: "account", Value: e.AccountID},
				{Name: "amount", Value: fmt.Sprintf("%d", -e.Amount)},
			},
		})
	}
	return nil
}

func (r *Reconciler) republish(ctx context.Context, rep *Report) error {
	pending, err := r.store.ListUnpublished(ctx, r.now().Add(-r.publish))
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	for i := range pending {
		job := &pending[i]
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("reconcile: republish: %w", err)
		}
		if err := r.rec.Publish(ctx, job); err != nil {
			rep.Failures++
			r.log.Warn("republish failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		rep.Republished++
		r.log.Info("republished", zap.String("job_id", job.ID), zap.Int("attempt", job.AttemptCount))
	}
	return nil
}

func (r *Reconciler) resume(ctx context.Context, rep *Report) error {
	due, err := r.store.ListRetryDue(ctx, r.now())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	for _, job := range due {
		if err := r.rec.Resume(ctx, job.ID); err != nil {
			rep.Failures++
			r.log.Warn("resume failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		rep.Resumed++
	}
	return nil
}

// detectStalls alerts once per stall on processing jobs that have not
// reported for the stall window. The job is left alone; an operator decides
// whether to fail it.
func (r *Reconciler) detectStalls(ctx context.Context, rep *Report) error {
	if r.stall <= 0 {
		return nil
	}
	stalled, err := r.store.ListStalled(ctx, r.now().Add(-r.stall))
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	rep.Stalled = len(stalled)

	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]int64, len(stalled))
	for _, job := range stalled {
		seen[job.ID] = job.Revision
		if rev, ok := r.alerted[job.ID]; ok && rev == job.Revision {
			continue
		}
		idle := r.now().Sub(job.UpdatedAt).Round(time.Second)
		r.log.Warn("job stalled",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.AttemptCount),
			zap.Duration("idle", idle))
		alert.Send(ctx, r.notifier, r.log, alert.Event{
			Title:    fmt.Sprintf("%s job stalled", job.Kind),
			Body:     fmt.Sprintf("No progress for %s. Run `yard job fail %s` to refund it.", idle, job.ID),
			Severity: alert.SeverityWarning,
			Fields: []alert.Field{
				{Name: "job_id", Value: job.ID},
				{Name: "owner", Value: job.OwnerID},
				{Name: "attempt", Value: fmt.Sprintf("%d/%d", job.AttemptCount+1, job.MaxAttempts)},
			},
		})
	}
	r.alerted = seen
	return nil
}

// Run sweeps on schedule (standard cron syntax or a descriptor such as
// "@every 1m") until ctx is cancelled, then waits for a running sweep.
func (r *Reconciler) Run(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)))
	_, err := c.AddFunc(schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.log.Error("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("reconcile: schedule %q: %w", schedule, err)
	}

	c.Start()
	r.log.Info("reconciler started", zap.String("schedule", schedule))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
