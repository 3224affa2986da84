// Package dispatch turns a start request into a reserved, recorded and
// published job.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/stylelicense/jobyard/internal/jobs"
	"github.com/stylelicense/jobyard/internal/ledger"
	"github.com/stylelicense/jobyard/internal/models"
	"go.uber.org/zap"
)

var (
	// ErrUnknownAspectRatio is returned by GenerationCost for an unpriced ratio.
	ErrUnknownAspectRatio = errors.New("dispatch: unknown aspect ratio")

	// ErrInvalidRequest wraps every StartRequest validation failure.
	ErrInvalidRequest = errors.New("dispatch: invalid request")
)

var generationCosts = map[string]int64{
	"1:1": 50,
	"2:2": 75,
	"1:2": 60,
}

// GenerationCost returns the token price of an image at aspectRatio.
func GenerationCost(aspectRatio string) (int64, error) {
	cost, ok := generationCosts[aspectRatio]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAspectRatio, aspectRatio)
	}
	return cost, nil
}

// StartRequest describes a job to start.
type StartRequest struct {
	Kind    string
	OwnerID string
	Cost    int64
	Payload json.RawMessage
}

// Enqueuer publishes a queued job, retrying in the background on failure.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) bool
}

// Options configures a Dispatcher.
type Options struct {
	Store       *jobs.Store
	Ledger      *ledger.Ledger
	Enqueuer    Enqueuer
	MaxAttempts int
	Logger      *zap.Logger
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	store       *jobs.Store
	ledger      *ledger.Ledger
	enqueuer    Enqueuer
	maxAttempts int
	log         *zap.Logger
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		store:       opts.Store,
		ledger:      opts.Ledger,
		enqueuer:    opts.Enqueuer,
		maxAttempts: opts.MaxAttempts,
		log:         opts.Logger.Named("dispatch"),
	}
}

// StartJob reserves the job's cost, records it as queued and publishes its
// first attempt. It returns as soon as the job is recorded; a refused
// publish is retried in the background. Insufficient funds fail fast with
// ledger.ErrInsufficientFunds and nothing is written.
func (d *Dispatcher) StartJob(ctx context.Context, req StartRequest) (string, error) {
	if req.Kind != models.KindTraining && req.Kind != models.KindGeneration {
		return "", fmt.Errorf("%w: kind %q must be %s or %s", ErrInvalidRequest, req.Kind, models.KindTraining, models.KindGeneration)
	}
	if req.OwnerID == "" {
		return "", fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if req.Cost <= 0 {
		return "", fmt.Errorf("%w: cost must be positive, got %d", ErrInvalidRequest, req.Cost)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}
	id := uuid.NewString()
	if _, err := d.ledger.Reserve(ctx, req.OwnerID, req.Cost, id); err != nil {
		return "", err
	}

	job, err := d.store.Create(ctx, jobs.CreateOpts{
		ID:          id,
		Kind:        req.Kind,
		OwnerID:     req.OwnerID,
		Cost:        req.Cost,
		Payload:     string(req.Payload),
		MaxAttempts: d.maxAttempts,
	})
	if err != nil {
		// Without a record nothing would ever refund the reservation.
		refunded, rerr := d.ledger.Refund(context.WithoutCancel(ctx), id, req.Cost)
		d.log.Error("create failed after reserve",
			zap.String("job_id", id),
			zap.Bool("refunded", refunded),
			zap.NamedError("refund_error", rerr),
			zap.Error(err))
		return "", fmt.Errorf("dispatch: create job: %w", err)
	}

	published := d.enqueuer.Enqueue(ctx, job)
	d.log.Info("job started",
		zap.String("job_id", id),
		zap.String("kind", req.Kind),
		zap.String("owner", req.OwnerID),
		zap.Int64("cost", req.Cost),
		zap.Bool("published", published))
	return id, nil
}
