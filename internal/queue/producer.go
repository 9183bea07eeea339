package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/genforge/backend/internal/models"
	"github.com/genforge/backend/internal/observability"
)

// JobOptions override a queue's defaults for one submission. Zero values
// mean "use the default".
type JobOptions struct {
	Priority    models.Priority
	Attempts    int
	BackoffMS   int64
	Delay       time.Duration
	ProcessAt   time.Time
	RepeatEvery time.Duration
	// JobID pins the job's identity, e.g. to dedupe resubmissions. A fresh
	// UUID is generated when empty.
	JobID string
}

// Defaults is the per-queue retry/backoff configuration. These are queue
// properties configured here, not retry logic reimplemented here.
type Defaults struct {
	Priority  models.Priority
	Attempts  int
	BackoffMS int64
}

var fallbackDefaults = Defaults{
	Priority:  models.PriorityNormal,
	Attempts:  3,
	BackoffMS: 1000,
}

// BulkJob is one item of an AddBulk submission.
type BulkJob struct {
	Name    string
	Payload interface{}
	Options *JobOptions
}

// Producer is the typed façade over the queue backend: symbolic priorities,
// per-queue defaults, bulk and scheduled submission, metrics and GC.
type Producer struct {
	backend  Backend
	defaults map[string]Defaults
	hooks    *observability.Hooks
}

func NewProducer(backend Backend, defaults map[string]Defaults, hooks *observability.Hooks) *Producer {
	return &Producer{backend: backend, defaults: defaults, hooks: hooks}
}

// AddJob enqueues one job, applying the queue's default retry/backoff and
// priority unless overridden. Emits one ADDED event.
func (p *Producer) AddJob(ctx context.Context, name string, payload interface{}, opts *JobOptions) (*models.JobHandle, error) {
	job, err := p.buildJob(name, payload, opts)
	if err != nil {
		return nil, err
	}
	if err := p.backend.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue on %s: %w", name, err)
	}

	p.hooks.Emit(observability.Event{
		JobID:     job.ID,
		QueueName: name,
		Kind:      observability.EventAdded,
		Timestamp: job.CreatedAt,
	})
	log.Printf("[QUEUE] added job %s to %s (priority %d)", job.ID, name, job.Priority)

	return &models.JobHandle{ID: job.ID, QueueName: name, Timestamp: job.CreatedAt}, nil
}

// AddBulk enqueues the jobs in order, one ADDED event per job. The first
// failure aborts the remainder; already-enqueued handles are returned with
// the error.
func (p *Producer) AddBulk(ctx context.Context, jobs []BulkJob) ([]*models.JobHandle, error) {
	handles := make([]*models.JobHandle, 0, len(jobs))
	for i, item := range jobs {
		handle, err := p.AddJob(ctx, item.Name, item.Payload, item.Options)
		if err != nil {
			return handles, fmt.Errorf("bulk item %d: %w", i, err)
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

// AddDelayedJob schedules the job to become deliverable after delay.
func (p *Producer) AddDelayedJob(ctx context.Context, name string, payload interface{}, delay time.Duration, opts *JobOptions) (*models.JobHandle, error) {
	merged := JobOptions{}
	if opts != nil {
		merged = *opts
	}
	merged.Delay = delay
	return p.AddJob(ctx, name, payload, &merged)
}

// AddRepeatableJob schedules the job to run every interval. Recurrence is
// evaluated by the queue: each completed run re-enqueues the next one.
func (p *Producer) AddRepeatableJob(ctx context.Context, name string, payload interface{}, every time.Duration, opts *JobOptions) (*models.JobHandle, error) {
	if every <= 0 {
		return nil, fmt.Errorf("repeat interval must be positive")
	}
	merged := JobOptions{}
	if opts != nil {
		merged = *opts
	}
	merged.RepeatEvery = every
	return p.AddJob(ctx, name, payload, &merged)
}

// GetMetrics returns a point-in-time snapshot of the queue's job counts.
func (p *Producer) GetMetrics(ctx context.Context, name string) (*models.QueueMetrics, error) {
	return p.backend.Counts(ctx, name)
}

func (p *Producer) Pause(ctx context.Context, name string) error {
	return p.backend.Pause(ctx, name)
}

func (p *Producer) Resume(ctx context.Context, name string) error {
	return p.backend.Resume(ctx, name)
}

// Drain discards waiting and delayed jobs; in-flight jobs always finish.
func (p *Producer) Drain(ctx context.Context, name string) (int64, error) {
	return p.backend.Drain(ctx, name)
}

// CleanCompleted removes completed jobs older than grace.
func (p *Producer) CleanCompleted(ctx context.Context, name string, grace time.Duration) (int64, error) {
	return p.backend.Clean(ctx, name, "completed", grace, 1000)
}

// CleanFailed removes failed jobs older than grace.
func (p *Producer) CleanFailed(ctx context.Context, name string, grace time.Duration) (int64, error) {
	return p.backend.Clean(ctx, name, "failed", grace, 1000)
}

func (p *Producer) buildJob(name string, payload interface{}, opts *JobOptions) (*models.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	defaults, ok := p.defaults[name]
	if !ok {
		defaults = fallbackDefaults
	}

	merged := JobOptions{}
	if opts != nil {
		merged = *opts
	}
	if merged.Priority == "" {
		merged.Priority = defaults.Priority
	}
	if merged.Attempts <= 0 {
		merged.Attempts = defaults.Attempts
	}
	if merged.BackoffMS <= 0 {
		merged.BackoffMS = defaults.BackoffMS
	}

	now := time.Now()
	scheduledAt := now
	if !merged.ProcessAt.IsZero() {
		scheduledAt = merged.ProcessAt
	} else if merged.Delay > 0 {
		scheduledAt = now.Add(merged.Delay)
	}

	jobID := merged.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	return &models.Job{
		ID:          jobID,
		QueueName:   name,
		Payload:     raw,
		Priority:    models.NativePriority(merged.Priority),
		MaxAttempts: merged.Attempts,
		BackoffMS:   merged.BackoffMS,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		RepeatEvery: merged.RepeatEvery,
	}, nil
}
