package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/genforge/backend/internal/models"
)

// Handler processes one (job, attempt) and reports the terminal outcome.
type Handler func(ctx context.Context, job *models.Job) models.JobResult

// WorkerPool runs N workers that poll the registered queues and deliver
// jobs to their handlers. Retry policy is queue-native: the pool only acks
// and nacks; it never re-runs a handler in-process.
type WorkerPool struct {
	backend      Backend
	concurrency  int
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	queues   []string

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewWorkerPool(backend Backend, concurrency int, pollInterval time.Duration) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 4
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &WorkerPool{
		backend:      backend,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		handlers:     make(map[string]Handler),
		stop:         make(chan struct{}),
	}
}

// Register binds a handler to a queue name. Must be called before Start.
func (w *WorkerPool) Register(queueName string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.handlers[queueName]; !exists {
		w.queues = append(w.queues, queueName)
	}
	w.handlers[queueName] = handler
}

// Start launches the workers. They run until Stop is called.
func (w *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.runWorker(ctx, i)
	}
	log.Printf("[WORKER] pool started: %d workers, %d queues", w.concurrency, len(w.queues))
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (w *WorkerPool) Stop() {
	close(w.stop)
	w.wg.Wait()
	log.Println("[WORKER] pool stopped")
}

func (w *WorkerPool) runWorker(ctx context.Context, id int) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !w.pollOnce(ctx) {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// pollOnce tries every registered queue once. Returns true if a job was
// processed, so the caller can skip the idle sleep.
func (w *WorkerPool) pollOnce(ctx context.Context) bool {
	w.mu.RLock()
	queues := w.queues
	w.mu.RUnlock()

	for _, queueName := range queues {
		job, err := w.backend.Dequeue(ctx, queueName)
		if errors.Is(err, models.ErrQueueEmpty) || errors.Is(err, models.ErrQueuePaused) {
			continue
		}
		if err != nil {
			log.Printf("[WORKER] dequeue %s: %v", queueName, err)
			continue
		}

		w.handle(ctx, job)
		return true
	}
	return false
}

func (w *WorkerPool) handle(ctx context.Context, job *models.Job) {
	w.mu.RLock()
	handler := w.handlers[job.QueueName]
	w.mu.RUnlock()
	if handler == nil {
		log.Printf("[WORKER] no handler for queue %s, job %s failed", job.QueueName, job.ID)
		w.nack(ctx, job, &models.JobError{Message: "no handler registered", Kind: models.KindProviderError}, false)
		return
	}

	result := handler(ctx, job)

	if result.Success {
		if err := w.backend.Ack(ctx, job); err != nil {
			log.Printf("[WORKER] ack %s: %v", job.ID, err)
		}
		return
	}

	// Retrying without balance is pointless; everything else follows the
	// queue's retry policy.
	retry := result.Error == nil || result.Error.Kind != models.KindInsufficientBalance
	w.nack(ctx, job, result.Error, retry)
}

func (w *WorkerPool) nack(ctx context.Context, job *models.Job, jobErr *models.JobError, retry bool) {
	if err := w.backend.Nack(ctx, job, jobErr, retry); err != nil {
		log.Printf("[WORKER] nack %s: %v", job.ID, err)
	}
}
