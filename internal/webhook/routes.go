package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stylelicense/jobyard/internal/dispatch"
	"github.com/stylelicense/jobyard/internal/ingest"
	"github.com/stylelicense/jobyard/internal/jobs"
	"github.com/stylelicense/jobyard/internal/ledger"
	"github.com/stylelicense/jobyard/internal/models"
)

// registerRoutes sets up all API routes on the gin router.
func registerRoutes(router *gin.Engine, opts Options) {
	api := router.Group("/api", requireToken(opts.Token))

	api.POST("/jobs", handleStartJob(opts))
	api.GET("/jobs", handleListJobs(opts.Store))
	api.GET("/jobs/:id", handleGetJob(opts.Store))
	api.GET("/jobs/:id/events", handleJobEvents(opts.Store, opts.PollInterval))

	api.GET("/accounts/:id/balance", handleBalance(opts.Ledger))
	api.POST("/accounts/:id/grants", handleGrant(opts.Ledger))

	hooks := api.Group("/webhooks/jobs/:id", requireSource(opts.AllowedSources))
	hooks.POST("/started", handleStarted(opts.Ingest))
	hooks.POST("/progress", handleProgress(opts.Ingest))
	hooks.POST("/complete", handleComplete(opts.Ingest))
	hooks.POST("/failed", handleFailed(opts.Ingest))
}

type startJobRequest struct {
	Kind        string          `json:"kind" binding:"required"`
	OwnerID     string          `json:"owner_id" binding:"required"`
	Cost        int64           `json:"cost"`
	AspectRatio string          `json:"aspect_ratio"`
	Payload     json.RawMessage `json:"payload"`
}

func handleStartJob(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		cost := req.Cost
		if cost == 0 {
			switch req.Kind {
			case models.KindTraining:
				cost = opts.TrainingCost
			case models.KindGeneration:
				var err error
				if cost, err = dispatch.GenerationCost(req.AspectRatio); err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
					return
				}
			}
		}

		id, err := opts.Dispatcher.StartJob(c.Request.Context(), dispatch.StartRequest{
			Kind:    req.Kind,
			OwnerID: req.OwnerID,
			Cost:    cost,
			Payload: req.Payload,
		})
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient tokens", "cost": cost})
		case errors.Is(err, dispatch.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case err != nil:
			serverError(c, err)
		default:
			c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": models.StatusQueued, "cost": cost})
		}
	}
}

func handleListJobs(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		list, err := store.List(c.Request.Context(), jobs.Filters{
			Status:  c.Query("status"),
			Kind:    c.Query("kind"),
			OwnerID: c.Query("owner_id"),
			Limit:   limit,
		})
		if err != nil {
			serverError(c, err)
			return
		}
		out := make([]jobView, len(list))
		for i := range list {
			out[i] = newJobView(&list[i])
		}
		c.JSON(http.StatusOK, gin.H{"jobs": out})
	}
}

func handleGetJob(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := store.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			jobError(c, err)
			return
		}
		c.JSON(http.StatusOK, newJobView(job))
	}
}

func handleBalance(l *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		balance, err := l.Balance(c.Request.Context(), c.Param("id"))
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"account_id": c.Param("id"), "balance": balance})
	}
}

type grantRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Kind   string `json:"kind" binding:"required"`
	Memo   string `json:"memo"`
}

func handleGrant(l *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req grantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		entry, err := l.Grant(c.Request.Context(), c.Param("id"), req.Amount, req.Kind, req.Memo)
		var se *ledger.StorageError
		switch {
		case errors.Is(err, ledger.ErrDuplicateWelcomeGrant):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case errors.As(err, &se):
			serverError(c, err)
			return
		case err != nil:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		balance, err := l.Balance(c.Request.Context(), c.Param("id"))
		if err != nil {
			serverError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"entry_id": entry.ID, "kind": entry.Kind, "amount": entry.Amount, "balance": balance})
	}
}

type tokenBody struct {
	AttemptToken string `json:"attempt_token" binding:"required"`
}

func handleStarted(in *ingest.Ingest) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body tokenBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := in.ApplyStarted(c.Request.Context(), c.Param("id"), body.AttemptToken)
		respond(c, res, err)
	}
}

type progressBody struct {
	AttemptToken string `json:"attempt_token" binding:"required"`
	CurrentStep  *int   `json:"current_step" binding:"required"`
	TotalSteps   int    `json:"total_steps" binding:"required"`
}

func handleProgress(in *ingest.Ingest) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body progressBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := in.ApplyProgress(c.Request.Context(), c.Param("id"), *body.CurrentStep, body.TotalSteps, body.AttemptToken)
		respond(c, res, err)
	}
}

type completeBody struct {
	AttemptToken string `json:"attempt_token" binding:"required"`
	ResultRef    string `json:"result_ref"`
}

func handleComplete(in *ingest.Ingest) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body completeBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := in.ApplySuccess(c.Request.Context(), c.Param("id"), body.AttemptToken, body.ResultRef)
		respond(c, res, err)
	}
}

type failedBody struct {
	AttemptToken string `json:"attempt_token" binding:"required"`
	ErrorKind    string `json:"error_kind" binding:"required"`
	Message      string `json:"message"`
}

func handleFailed(in *ingest.Ingest) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body failedBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := in.ApplyFailure(c.Request.Context(), c.Param("id"), body.AttemptToken, body.ErrorKind, body.Message)
		respond(c, res, err)
	}
}

// respond answers a worker callback. Dropped callbacks are still 200 so the
// worker does not redeliver them.
func respond(c *gin.Context, res ingest.Result, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidProgress):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		jobError(c, err)
		return
	}
	out := gin.H{"applied": res.Applied}
	if !res.Applied {
		out["reason"] = res.Reason
	}
	if res.Job != nil {
		out["status"] = res.Job.Status
		out["attempt"] = res.Job.AttemptCount
	}
	c.JSON(http.StatusOK, out)
}

func jobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, jobs.ErrStaleTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		serverError(c, err)
	}
}

func serverError(c *gin.Context, err error) {
	c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

type progressView struct {
	CurrentStep int        `json:"current_step"`
	TotalSteps  int        `json:"total_steps"`
	Percent     int        `json:"percent"`
	ETASeconds  *int       `json:"eta_seconds,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type errorView struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Class   string `json:"class,omitempty"`
}

// jobView is the polling representation of a Job Record.
type jobView struct {
	ID            string        `json:"id"`
	Kind          string        `json:"kind"`
	OwnerID       string        `json:"owner_id"`
	Cost          int64         `json:"cost"`
	Status        string        `json:"status"`
	Attempt       int           `json:"attempt"`
	MaxAttempts   int           `json:"max_attempts"`
	Progress      *progressView `json:"progress,omitempty"`
	LastError     *errorView    `json:"last_error,omitempty"`
	PreviousError *errorView    `json:"previous_error,omitempty"`
	ResultRef     string        `json:"result_ref,omitempty"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	FinishedAt    *time.Time    `json:"finished_at,omitempty"`
}

func newJobView(j *models.Job) jobView {
	v := jobView{
		ID:            j.ID,
		Kind:          j.Kind,
		OwnerID:       j.OwnerID,
		Cost:          j.Cost,
		Status:        j.Status,
		Attempt:       j.AttemptCount,
		MaxAttempts:   j.MaxAttempts,
		ResultRef:     j.ResultRef,
		NextAttemptAt: j.NextAttemptAt,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		FinishedAt:    j.FinishedAt,
	}
	if j.Status == models.StatusProcessing && j.Percent != nil {
		v.Progress = &progressView{
			Percent:    *j.Percent,
			ETASeconds: j.ETASeconds,
			UpdatedAt:  j.ProgressUpdatedAt,
		}
		if j.CurrentStep != nil {
			v.Progress.CurrentStep = *j.CurrentStep
		}
		if j.TotalSteps != nil {
			v.Progress.TotalSteps = *j.TotalSteps
		}
	}
	if j.LastErrorKind != "" {
		v.LastError = &errorView{Kind: j.LastErrorKind, Message: j.LastErrorMessage, Class: j.LastErrorClass}
	}
	if j.PreviousErrorKind != "" {
		v.PreviousError = &errorView{Kind: j.PreviousErrorKind, Message: j.PreviousErrorMessage}
	}
	return v
}
