package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/genforge/backend/internal/models"
	"github.com/genforge/backend/internal/observability"
)

// captureBackend records enqueued jobs and answers the rest of the Backend
// contract with canned values.
type captureBackend struct {
	mu         sync.Mutex
	jobs       []*models.Job
	enqueueErr error

	metrics models.QueueMetrics
	drained int64
	cleaned int64
}

func (b *captureBackend) Enqueue(_ context.Context, job *models.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	b.jobs = append(b.jobs, job)
	return nil
}

func (b *captureBackend) Dequeue(context.Context, string) (*models.Job, error) {
	return nil, models.ErrQueueEmpty
}
func (b *captureBackend) Ack(context.Context, *models.Job) error { return nil }
func (b *captureBackend) Nack(context.Context, *models.Job, *models.JobError, bool) error {
	return nil
}
func (b *captureBackend) Counts(context.Context, string) (*models.QueueMetrics, error) {
	return &b.metrics, nil
}
func (b *captureBackend) Pause(context.Context, string) error  { return nil }
func (b *captureBackend) Resume(context.Context, string) error { return nil }
func (b *captureBackend) Drain(context.Context, string) (int64, error) {
	return b.drained, nil
}
func (b *captureBackend) Clean(context.Context, string, string, time.Duration, int64) (int64, error) {
	return b.cleaned, nil
}
func (b *captureBackend) IsCompleted(context.Context, string, string) (bool, error) {
	return false, nil
}

func (b *captureBackend) captured() []*models.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*models.Job(nil), b.jobs...)
}

// eventCollector is a Hook that records every delivered event.
type eventCollector struct {
	mu     sync.Mutex
	events []observability.Event
}

func (c *eventCollector) OnEvent(e observability.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) count(kind observability.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestProducer(backend Backend, collector *eventCollector) *Producer {
	return NewProducer(backend, map[string]Defaults{
		"image-generation": {Priority: models.PriorityNormal, Attempts: 3, BackoffMS: 2000},
	}, observability.NewHooks(collector))
}

func TestProducer_AddJob(t *testing.T) {
	t.Run("applies queue defaults", func(t *testing.T) {
		backend := &captureBackend{}
		producer := newTestProducer(backend, &eventCollector{})

		handle, err := producer.AddJob(context.Background(), "image-generation",
			models.JobPayload{UserID: 1, Kind: models.OpImageGeneration}, nil)
		assert.NoError(t, err)
		assert.NotEmpty(t, handle.ID)
		assert.Equal(t, "image-generation", handle.QueueName)

		jobs := backend.captured()
		assert.Len(t, jobs, 1)
		assert.Equal(t, models.NativePriority(models.PriorityNormal), jobs[0].Priority)
		assert.Equal(t, 3, jobs[0].MaxAttempts)
		assert.Equal(t, int64(2000), jobs[0].BackoffMS)
	})

	t.Run("options override defaults", func(t *testing.T) {
		backend := &captureBackend{}
		producer := newTestProducer(backend, &eventCollector{})

		_, err := producer.AddJob(context.Background(), "image-generation", nil, &JobOptions{
			Priority:  models.PriorityCritical,
			Attempts:  1,
			BackoffMS: 500,
			JobID:     "pinned-id",
		})
		assert.NoError(t, err)

		jobs := backend.captured()
		assert.Equal(t, "pinned-id", jobs[0].ID)
		assert.Equal(t, models.NativePriority(models.PriorityCritical), jobs[0].Priority)
		assert.Equal(t, 1, jobs[0].MaxAttempts)
		assert.Equal(t, int64(500), jobs[0].BackoffMS)
	})

	t.Run("unknown queue falls back to global defaults", func(t *testing.T) {
		backend := &captureBackend{}
		producer := newTestProducer(backend, &eventCollector{})

		_, err := producer.AddJob(context.Background(), "unconfigured", nil, nil)
		assert.NoError(t, err)

		jobs := backend.captured()
		assert.Equal(t, fallbackDefaults.Attempts, jobs[0].MaxAttempts)
		assert.Equal(t, fallbackDefaults.BackoffMS, jobs[0].BackoffMS)
	})

	t.Run("critical is served before low", func(t *testing.T) {
		critical := models.NativePriority(models.PriorityCritical)
		low := models.NativePriority(models.PriorityLow)
		assert.Less(t, readyScore(critical, time.Now()), readyScore(low, time.Now().Add(-time.Hour)),
			"a critical job must sort ahead of a low job enqueued earlier")
	})

	t.Run("emits exactly one ADDED event", func(t *testing.T) {
		backend := &captureBackend{}
		collector := &eventCollector{}
		producer := newTestProducer(backend, collector)

		_, err := producer.AddJob(context.Background(), "image-generation", nil, nil)
		assert.NoError(t, err)

		assert.Eventually(t, func() bool {
			return collector.count(observability.EventAdded) == 1
		}, time.Second, 10*time.Millisecond)
	})
}

func TestProducer_AddDelayedJob(t *testing.T) {
	backend := &captureBackend{}
	producer := newTestProducer(backend, &eventCollector{})

	before := time.Now()
	_, err := producer.AddDelayedJob(context.Background(), "image-generation", nil, 5*time.Minute, nil)
	assert.NoError(t, err)

	jobs := backend.captured()
	assert.Len(t, jobs, 1)
	assert.WithinDuration(t, before.Add(5*time.Minute), jobs[0].ScheduledAt, time.Second)
}

func TestProducer_AddRepeatableJob(t *testing.T) {
	t.Run("sets the recurrence interval", func(t *testing.T) {
		backend := &captureBackend{}
		producer := newTestProducer(backend, &eventCollector{})

		_, err := producer.AddRepeatableJob(context.Background(), "image-generation", nil, time.Hour, nil)
		assert.NoError(t, err)
		assert.Equal(t, time.Hour, backend.captured()[0].RepeatEvery)
	})

	t.Run("rejects a non-positive interval", func(t *testing.T) {
		producer := newTestProducer(&captureBackend{}, &eventCollector{})
		_, err := producer.AddRepeatableJob(context.Background(), "image-generation", nil, 0, nil)
		assert.Error(t, err)
	})
}

func TestProducer_AddBulk(t *testing.T) {
	t.Run("preserves submission order", func(t *testing.T) {
		backend := &captureBackend{}
		collector := &eventCollector{}
		producer := newTestProducer(backend, collector)

		handles, err := producer.AddBulk(context.Background(), []BulkJob{
			{Name: "image-generation", Options: &JobOptions{JobID: "a"}},
			{Name: "image-generation", Options: &JobOptions{JobID: "b"}},
			{Name: "image-generation", Options: &JobOptions{JobID: "c"}},
		})
		assert.NoError(t, err)
		assert.Len(t, handles, 3)

		jobs := backend.captured()
		assert.Equal(t, []string{"a", "b", "c"}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})

		assert.Eventually(t, func() bool {
			return collector.count(observability.EventAdded) == 3
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("first failure aborts the remainder", func(t *testing.T) {
		backend := &captureBackend{}
		producer := newTestProducer(backend, &eventCollector{})

		handles, err := producer.AddBulk(context.Background(), []BulkJob{
			{Name: "image-generation", Options: &JobOptions{JobID: "first"}},
		})
		assert.NoError(t, err)
		assert.Len(t, handles, 1)

		backend.enqueueErr = errors.New("redis gone")
		handles, err = producer.AddBulk(context.Background(), []BulkJob{
			{Name: "image-generation", Options: &JobOptions{JobID: "second"}},
			{Name: "image-generation", Options: &JobOptions{JobID: "third"}},
		})
		assert.Error(t, err)
		assert.Empty(t, handles)
		assert.Len(t, backend.captured(), 1)
	})
}

func TestProducer_GetMetrics(t *testing.T) {
	backend := &captureBackend{metrics: models.QueueMetrics{Waiting: 4, Failed: 1}}
	producer := newTestProducer(backend, &eventCollector{})

	metrics, err := producer.GetMetrics(context.Background(), "image-generation")
	assert.NoError(t, err)
	assert.Equal(t, int64(4), metrics.Waiting)
	assert.Equal(t, int64(1), metrics.Failed)
}
