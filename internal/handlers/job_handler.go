package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/genforge/backend/internal/middleware"
	"github.com/genforge/backend/internal/models"
	"github.com/genforge/backend/internal/queue"
	"github.com/genforge/backend/internal/services"
)

// QueueForKind maps a billable operation kind to the queue serving it.
var QueueForKind = map[models.OperationKind]string{
	models.OpImageGeneration: "image-generation",
	models.OpChatCompletion:  "chat-completion",
	models.OpCompositeImage:  "composite-image",
}

type JobHandler struct {
	producer  *queue.Producer
	validator *services.ValidationHelper
}

func NewJobHandler(producer *queue.Producer) *JobHandler {
	return &JobHandler{
		producer:  producer,
		validator: services.NewValidationHelper(),
	}
}

// SubmitRequest is one generation job submission.
type SubmitRequest struct {
	Kind     models.OperationKind `json:"kind" validate:"required,oneof=image_generation chat_completion composite_image" example:"image_generation"`
	Priority models.Priority      `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH CRITICAL" example:"NORMAL"`
	Delay    int64                `json:"delaySeconds" validate:"omitempty,gte=0"` // schedule the job this far in the future
	Input    json.RawMessage      `json:"input,omitempty"`                         // provider-specific parameters
}

// SubmitJob enqueues a generation job
// @Summary Submit a generation job
// @Description Enqueue one paid generation job for background processing
// @Tags jobs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body SubmitRequest true "Job submission"
// @Success 202 {object} models.JobHandle
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /jobs [post]
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}

	handle, err := h.producer.AddJob(r.Context(), QueueForKind[req.Kind], models.JobPayload{
		UserID: userID,
		Kind:   req.Kind,
		Input:  req.Input,
	}, &queue.JobOptions{
		Priority: req.Priority,
		Delay:    time.Duration(req.Delay) * time.Second,
	})
	if err != nil {
		services.SendErrorResponse(w, "Failed to enqueue job", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(handle)
}

// SubmitBulk enqueues several generation jobs in order
// @Summary Submit generation jobs in bulk
// @Tags jobs
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{jobs=[]SubmitRequest} true "Bulk submission"
// @Success 202 {array} models.JobHandle
// @Failure 400 {object} services.ErrorResponse
// @Router /jobs/bulk [post]
func (h *JobHandler) SubmitBulk(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Jobs []SubmitRequest `json:"jobs" validate:"required,min=1,max=50,dive"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	bulk := make([]queue.BulkJob, 0, len(req.Jobs))
	for _, item := range req.Jobs {
		bulk = append(bulk, queue.BulkJob{
			Name: QueueForKind[item.Kind],
			Payload: models.JobPayload{
				UserID: userID,
				Kind:   item.Kind,
				Input:  item.Input,
			},
			Options: &queue.JobOptions{
				Priority: item.Priority,
				Delay:    time.Duration(item.Delay) * time.Second,
			},
		})
	}

	handles, err := h.producer.AddBulk(r.Context(), bulk)
	if err != nil {
		services.SendErrorResponse(w, "Failed to enqueue jobs", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(handles)
}

// GetQueueMetrics returns a point-in-time snapshot of one queue's counts
// @Summary Queue metrics
// @Tags queues
// @Produce json
// @Security BearerAuth
// @Param name path string true "Queue name"
// @Success 200 {object} models.QueueMetrics
// @Router /queues/{name}/metrics [get]
func (h *JobHandler) GetQueueMetrics(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	metrics, err := h.producer.GetMetrics(r.Context(), name)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch metrics", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metrics)
}

// PauseQueue stops deliveries from a queue
// @Summary Pause queue
// @Tags queues
// @Security BearerAuth
// @Param name path string true "Queue name"
// @Success 204
// @Router /queues/{name}/pause [post]
func (h *JobHandler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.producer.Pause(r.Context(), chi.URLParam(r, "name")); err != nil {
		services.SendErrorResponse(w, "Failed to pause queue", http.StatusInternalServerError, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResumeQueue re-enables deliveries from a queue
// @Summary Resume queue
// @Tags queues
// @Security BearerAuth
// @Param name path string true "Queue name"
// @Success 204
// @Router /queues/{name}/resume [post]
func (h *JobHandler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.producer.Resume(r.Context(), chi.URLParam(r, "name")); err != nil {
		services.SendErrorResponse(w, "Failed to resume queue", http.StatusInternalServerError, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DrainQueue discards waiting and delayed jobs, never in-flight ones
// @Summary Drain queue
// @Tags queues
// @Produce json
// @Security BearerAuth
// @Param name path string true "Queue name"
// @Success 200 {object} object{drained=int64}
// @Router /queues/{name}/drain [post]
func (h *JobHandler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	drained, err := h.producer.Drain(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		services.SendErrorResponse(w, "Failed to drain queue", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"drained": drained})
}

// CleanQueue removes terminal jobs older than the grace period
// @Summary Clean terminal jobs
// @Tags queues
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param name path string true "Queue name"
// @Param request body object{state=string,graceSeconds=int64} true "State (completed|failed) and grace"
// @Success 200 {object} object{cleaned=int64}
// @Router /queues/{name}/clean [post]
func (h *JobHandler) CleanQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State        string `json:"state" validate:"required,oneof=completed failed"`
		GraceSeconds int64  `json:"graceSeconds" validate:"gte=0"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	name := chi.URLParam(r, "name")
	grace := time.Duration(req.GraceSeconds) * time.Second

	var cleaned int64
	var err error
	if req.State == "completed" {
		cleaned, err = h.producer.CleanCompleted(r.Context(), name, grace)
	} else {
		cleaned, err = h.producer.CleanFailed(r.Context(), name, grace)
	}
	if err != nil {
		services.SendErrorResponse(w, "Failed to clean queue", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"cleaned": cleaned})
}

func (h *JobHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
