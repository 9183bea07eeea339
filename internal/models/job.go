package models

import (
	"encoding/json"
	"time"
)

// Priority is the symbolic priority class exposed to callers. The queue's
// native encoding (lower number = served first) stays behind NativePriority.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

var nativePriorities = map[Priority]int{
	PriorityCritical: 1,
	PriorityHigh:     2,
	PriorityNormal:   3,
	PriorityLow:      4,
}

// NativePriority maps a symbolic priority to the queue's numeric value.
// Unknown values map to NORMAL.
func NativePriority(p Priority) int {
	if n, ok := nativePriorities[p]; ok {
		return n
	}
	return nativePriorities[PriorityNormal]
}

// Job is one unit of work as delivered by the queue. The queue owns it; the
// processor only observes it.
type Job struct {
	ID           string          `json:"id"`
	QueueName    string          `json:"queueName"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	AttemptCount int             `json:"attemptCount"`
	MaxAttempts  int             `json:"maxAttempts"`
	BackoffMS    int64           `json:"backoffMs"`
	ScheduledAt  time.Time       `json:"scheduledAt"`
	CreatedAt    time.Time       `json:"createdAt"`
	// RepeatEvery re-enqueues the job that far in the future after each
	// completed run. Zero means one-shot.
	RepeatEvery time.Duration `json:"repeatEvery,omitempty"`
}

// JobPayload is the payload shape for generation jobs submitted over the API.
type JobPayload struct {
	UserID int64           `json:"userId"`
	Kind   OperationKind   `json:"kind"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// JobError carries a typed failure out of a handler.
type JobError struct {
	Message string      `json:"message"`
	Kind    FailureKind `json:"kind"`
}

// JobResult is the terminal outcome of one (job, attempt).
type JobResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *JobError       `json:"error,omitempty"`
}

// JobHandle identifies an enqueued job to the producer's caller.
type JobHandle struct {
	ID        string    `json:"id"`
	QueueName string    `json:"queueName"`
	Timestamp time.Time `json:"timestamp"`
}

// QueueMetrics is a point-in-time snapshot of a queue's job counts.
type QueueMetrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}
