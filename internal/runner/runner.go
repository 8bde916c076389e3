package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/avoronova/coursecraft/internal/generator"
	"github.com/avoronova/coursecraft/internal/job"
	"github.com/avoronova/coursecraft/internal/jobstore"
	"github.com/avoronova/coursecraft/internal/metrics"
	"github.com/avoronova/coursecraft/internal/models"
)

// ContentGenerator produces the assignment's questions. The runner only
// depends on this contract, not on the OpenAI client.
type ContentGenerator interface {
	Generate(ctx context.Context, req generator.Request, onProgress generator.ProgressFunc) ([]models.Question, error)
}

// ResultSaver persists a successful run's output.
type ResultSaver interface {
	ReplaceQuestions(ctx context.Context, assignmentID uuid.UUID, questions []models.Question) error
	SetAssignmentStatus(ctx context.Context, assignmentID uuid.UUID, status string) error
}

// Runner owns the lifecycle of one job at a time per job id: it creates the
// store entry, launches the generation work and is the sole writer of the
// job record until the terminal transition.
type Runner struct {
	jobs        *jobstore.Store
	gen         ContentGenerator
	repo        ResultSaver
	maxDuration time.Duration
}

func New(jobs *jobstore.Store, gen ContentGenerator, repo ResultSaver, maxDuration time.Duration) *Runner {
	return &Runner{
		jobs:        jobs,
		gen:         gen,
		repo:        repo,
		maxDuration: maxDuration,
	}
}

// CreateJob registers a pending job and returns it immediately.
func (r *Runner) CreateJob(kind job.Kind, assignmentID, requesterID uuid.UUID) job.Job {
	return r.jobs.Create(kind, assignmentID, requesterID)
}

// Run starts the job's work in a background goroutine and returns at once.
// The HTTP caller has already been answered with the job id; every failure
// from here on is recorded in the job record, never propagated.
func (r *Runner) Run(j job.Job, req generator.Request) {
	go r.execute(j, req)
}

func (r *Runner) execute(j job.Job, req generator.Request) {
	start := time.Now()
	metrics.JobStarted(string(j.Kind))

	defer func() {
		if p := recover(); p != nil {
			slog.Error("job panicked", "id", j.ID, "kind", j.Kind, "panic", p)
			r.fail(j, start, fmt.Sprintf("internal error: %v", p))
		}
	}()

	// Detached from the originating request; bounded by the job deadline.
	ctx, cancel := context.WithTimeout(context.Background(), r.maxDuration)
	defer cancel()

	if err := r.jobs.SetProgress(j.ID, 1, "Starting generation"); err != nil {
		slog.Error("job record unavailable", "id", j.ID, "error", err)
		return
	}

	questions, err := r.gen.Generate(ctx, req, func(pct int, msg string) {
		if err := r.jobs.SetProgress(j.ID, pct, msg); err != nil {
			slog.Warn("progress update dropped", "id", j.ID, "error", err)
		}
	})
	if err != nil {
		slog.Error("generation failed", "id", j.ID, "kind", j.Kind, "error", err)
		r.fail(j, start, err.Error())
		return
	}

	if err := r.jobs.SetProgress(j.ID, 98, "Saving questions"); err != nil {
		slog.Warn("progress update dropped", "id", j.ID, "error", err)
	}
	if err := r.repo.ReplaceQuestions(ctx, j.AssignmentID, questions); err != nil {
		slog.Error("failed to persist questions", "id", j.ID, "error", err)
		r.fail(j, start, fmt.Sprintf("failed to save questions: %v", err))
		return
	}
	if j.Kind == job.KindPublishAssignment {
		if err := r.repo.SetAssignmentStatus(ctx, j.AssignmentID, models.AssignmentPublished); err != nil {
			slog.Error("failed to publish assignment", "id", j.ID, "error", err)
			r.fail(j, start, fmt.Sprintf("failed to publish assignment: %v", err))
			return
		}
	}

	payload, err := json.Marshal(questions)
	if err != nil {
		r.fail(j, start, fmt.Sprintf("failed to encode result: %v", err))
		return
	}

	if err := r.jobs.Complete(j.ID, payload); err != nil {
		slog.Error("failed to complete job", "id", j.ID, "error", err)
		return
	}
	metrics.JobFinished(string(j.Kind), string(job.StatusCompleted), time.Since(start))
	slog.Info("job done", "id", j.ID, "kind", j.Kind, "questions", len(questions), "elapsed", time.Since(start))
}

func (r *Runner) fail(j job.Job, start time.Time, msg string) {
	if err := r.jobs.Fail(j.ID, msg); err != nil {
		slog.Error("failed to mark job failed", "id", j.ID, "error", err)
		return
	}
	metrics.JobFinished(string(j.Kind), string(job.StatusFailed), time.Since(start))
}
