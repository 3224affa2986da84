package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stylelicense/jobyard/internal/db"
	"github.com/stylelicense/jobyard/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setupStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(gdb, Options{Now: clock.Now}), clock
}

func createJob(t *testing.T, s *Store) *models.Job {
	t.Helper()
	job, err := s.Create(context.Background(), CreateOpts{
		Kind:    models.KindGeneration,
		OwnerID: "user-1",
		Cost:    50,
		Payload: `{"prompt":"ink wash"}`,
	})
	require.NoError(t, err)
	return job
}

func TestCreate_Defaults(t *testing.T) {
	s, _ := setupStore(t)
	job := createJob(t, s)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Zero(t, job.AttemptCount)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, -1, job.PublishedAttempt)
	assert.Equal(t, job.ID+":0", job.AttemptToken())

	got, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Payload, got.Payload)
	assert.Equal(t, -1, got.PublishedAttempt)
	assert.Nil(t, got.Percent)
}

func TestCreate_Validation(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateOpts{Kind: "upscale", OwnerID: "u"})
	assert.ErrorContains(t, err, "kind")
	_, err = s.Create(ctx, CreateOpts{Kind: models.KindTraining})
	assert.ErrorContains(t, err, "ownerID is required")
	_, err = s.Create(ctx, CreateOpts{Kind: models.KindTraining, OwnerID: "u", Cost: -1})
	assert.ErrorContains(t, err, "cost")
}

func TestCreate_ExplicitIDConflict(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	opts := CreateOpts{ID: "job-x", Kind: models.KindTraining, OwnerID: "u", Cost: 1}
	_, err := s.Create(ctx, opts)
	require.NoError(t, err)

	_, err = s.Create(ctx, opts)
	var se *StorageError
	assert.ErrorAs(t, err, &se)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := setupStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransition_AppliesMutator(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()
	job := createJob(t, s)
	clock.Advance(time.Minute)

	step, total := 5, 50
	got, err := s.Transition(ctx, job.ID, models.StatusQueued, models.StatusProcessing, func(j *models.Job) error {
		j.CurrentStep = &step
		j.TotalSteps = &total
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, clock.Now(), got.StartedAt.UTC())

	stored, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, stored.Status)
	require.NotNil(t, stored.CurrentStep)
	assert.Equal(t, 5, *stored.CurrentStep)
	assert.Equal(t, int64(1), stored.Revision)
}

func TestTransition_StaleStatus(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	job := createJob(t, s)

	_, err := s.Transition(ctx, job.ID, models.StatusProcessing, models.StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrStaleTransition)

	stored, _ := s.Get(ctx, job.ID)
	assert.Equal(t, models.StatusQueued, stored.Status)
}

func TestTransition_InvalidPairs(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	job := createJob(t, s)

	invalid := [][2]string{
		{models.StatusQueued, models.StatusCompleted},
		{models.StatusQueued, models.StatusFailed},
		{models.StatusRetrying, models.StatusProcessing},
		{models.StatusCompleted, models.StatusQueued},
		{models.StatusFailed, models.StatusFailed},
		{models.StatusCompleted, models.StatusCompleted},
	}
	for _, p := range invalid {
		_, err := s.Transition(ctx, job.ID, p[0], p[1], nil)
		assert.ErrorIs(t, err, ErrStaleTransition, "%s → %s", p[0], p[1])
	}
}

func TestTransition_MutatorErrorAborts(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	job := createJob(t, s)
	boom := errors.New("boom")

	_, err := s.Transition(ctx, job.ID, models.StatusQueued, models.StatusProcessing, func(j *models.Job) error {
		j.ResultRef = "should-not-persist"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stored, _ := s.Get(ctx, job.ID)
	assert.Equal(t, models.StatusQueued, stored.Status)
	assert.Empty(t, stored.ResultRef)
}

func TestTransition_NotFound(t *testing.T) {
	s, _ := setupStore(t)
	_, err := s.Transition(context.Background(), "nope", models.StatusQueued, models.StatusProcessing, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransition_QueuedClearsLastError(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	job := createJob(t, s)

	_, err := s.Transition(ctx, job.ID, models.StatusQueued, models.StatusProcessing, nil)
	require.NoError(t, err)
	retrying, err := s.Transition(ctx, job.ID, models.StatusProcessing, models.StatusRetrying, func(j *models.Job) error {
		j.AttemptCount++
		j.LastErrorKind = "timeout"
		j.LastErrorMessage = "step 40 hung"
		j.LastErrorClass = "transient"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "timeout", retrying.LastErrorKind)

	queued, err := s.Transition(ctx, job.ID, models.StatusRetrying, models.StatusQueued, nil)
	require.NoError(t, err)
	assert.Empty(t, queued.LastErrorKind)
	assert.Empty(t, queued.LastErrorMessage)
	assert.Empty(t, queued.LastErrorClass)
	assert.Equal(t, "timeout", queued.PreviousErrorKind)
	assert.Equal(t, "step 40 hung", queued.PreviousErrorMessage)

	// The publish bookkeeping self-loop keeps the previous error.
	_, err = s.Transition(ctx, job.ID, models.StatusQueued, models.StatusQueued, nil)
	require.NoError(t, err)
	processing, err := s.Transition(ctx, job.ID, models.StatusQueued, models.StatusProcessing, nil)
	require.NoError(t, err)
	assert.Empty(t, processing.LastErrorKind)
	assert.Equal(t, "timeout", processing.PreviousErrorKind)

	stored, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.LastErrorKind)
	assert.Equal(t, "timeout", stored.PreviousErrorKind)
}

func TestTransition_TerminalClearsProgress(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	job := createJob(t, s)

	pct := 40
	_, err := s.Transition(ctx, job.ID, models.StatusQueued, models.StatusProcessing, func(j *models.Job) error {
		j.Percent = &pct
		j.LastErrorKind = "timeout"
		return nil
	})
	require.NoError(t, err)

	done, err := s.Transition(ctx, job.ID, models.StatusProcessing, models.StatusCompleted, func(j *models.Job) error {
		j.ResultRef = "gs://bucket/out.png"
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, done.Percent)
	assert.Empty(t, done.LastErrorKind)
	require.NotNil(t, done.FinishedAt)

	stored, _ := s.Get(ctx, job.ID)
	assert.Nil(t, stored.Percent)
	assert.Equal(t, "gs://bucket/out.png", stored.ResultRef)
}

func TestForceTransition_FailsFromAnyActiveStatus(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	gdb := s.DB().WithContext(ctx)

	queued := createJob(t, s)
	failed, err := s.ForceTransitionTx(gdb, queued.ID, models.StatusQueued, models.StatusFailed, func(j *models.Job) error {
		j.LastErrorKind = "operator_abort"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, "operator_abort", failed.LastErrorKind)
	require.NotNil(t, failed.FinishedAt)

	running := createJob(t, s)
	pct := 30
	_, err = s.Transition(ctx, running.ID, models.StatusQueued, models.StatusProcessing, func(j *models.Job) error {
		j.Percent = &pct
		return nil
	})
	require.NoError(t, err)
	failed, err = s.ForceTransitionTx(gdb, running.ID, models.StatusProcessing, models.StatusFailed, nil)
	require.NoError(t, err)
	assert.Nil(t, failed.Percent)

	// Terminal jobs and non-failure targets are never forced.
	_, err = s.ForceTransitionTx(gdb, running.ID, models.StatusFailed, models.StatusFailed, nil)
	assert.ErrorIs(t, err, ErrStaleTransition)
	other := createJob(t, s)
	_, err = s.ForceTransitionTx(gdb, other.ID, models.StatusQueued, models.StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrStaleTransition)
	_, err = s.ForceTransitionTx(gdb, other.ID, models.StatusProcessing, models.StatusFailed, nil)
	assert.ErrorIs(t, err, ErrStaleTransition)

	// The regular state machine still rejects queued → failed.
	_, err = s.Transition(ctx, other.ID, models.StatusQueued, models.StatusFailed, nil)
	assert.ErrorIs(t, err, ErrStaleTransition)
}

func TestListStalled(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	idle := createJob(t, s)
	_, err := s.Transition(ctx, idle.ID, models.StatusQueued, models.StatusProcessing, nil)
	require.NoError(t, err)
	createJob(t, s)

	clock.Advance(10 * time.Minute)
	busy := createJob(t, s)
	_, err = s.Transition(ctx, busy.ID, models.StatusQueued, models.StatusProcessing, nil)
	require.NoError(t, err)

	list, err := s.ListStalled(ctx, clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, idle.ID, list[0].ID)

	// A progress report resets the clock.
	_, err = s.Transition(ctx, idle.ID, models.StatusProcessing, models.StatusProcessing, nil)
	require.NoError(t, err)
	list, err = s.ListStalled(ctx, clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTransition_ConcurrentOnlyOneWins(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	job := createJob(t, s)
	_, err := s.Transition(ctx, job.ID, models.StatusQueued, models.StatusProcessing, nil)
	require.NoError(t, err)

	targets := []string{models.StatusCompleted, models.StatusFailed, models.StatusRetrying, models.StatusCompleted, models.StatusFailed}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, to := range targets {
		wg.Add(1)
		go func(to string) {
			defer wg.Done()
			_, err := s.Transition(ctx, job.ID, models.StatusProcessing, to, nil)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrStaleTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}(to)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestListUnpublishedAndRetryDue(t *testing.T) {
	s, clock := setupStore(t)
	ctx := context.Background()

	unpublished := createJob(t, s)
	published := createJob(t, s)
	_, err := s.Transition(ctx, published.ID, models.StatusQueued, models.StatusQueued, func(j *models.Job) error {
		j.PublishedAttempt = j.AttemptCount
		return nil
	})
	require.NoError(t, err)

	retry := createJob(t, s)
	_, err = s.Transition(ctx, retry.ID, models.StatusQueued, models.StatusProcessing, nil)
	require.NoError(t, err)
	due := clock.Now().Add(30 * time.Second)
	_, err = s.Transition(ctx, retry.ID, models.StatusProcessing, models.StatusRetrying, func(j *models.Job) error {
		j.AttemptCount++
		j.NextAttemptAt = &due
		return nil
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)

	list, err := s.ListUnpublished(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, unpublished.ID, list[0].ID)

	list, err = s.ListRetryDue(ctx, clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListRetryDue(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, retry.ID, list[0].ID)
}

func TestList_Filters(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	createJob(t, s)
	_, err := s.Create(ctx, CreateOpts{Kind: models.KindTraining, OwnerID: "artist", Cost: 100})
	require.NoError(t, err)

	all, err := s.List(ctx, Filters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	training, err := s.List(ctx, Filters{Kind: models.KindTraining})
	require.NoError(t, err)
	require.Len(t, training, 1)
	assert.Equal(t, "artist", training[0].OwnerID)

	mine, err := s.List(ctx, Filters{OwnerID: "user-1", Status: models.StatusQueued})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	limited, err := s.List(ctx, Filters{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestIsValidTransition(t *testing.T) {
	assert.True(t, IsValidTransition(models.StatusQueued, models.StatusProcessing))
	assert.True(t, IsValidTransition(models.StatusProcessing, models.StatusRetrying))
	assert.True(t, IsValidTransition(models.StatusRetrying, models.StatusQueued))
	assert.False(t, IsValidTransition(models.StatusFailed, models.StatusQueued))
	assert.False(t, IsValidTransition("bogus", models.StatusQueued))
}
