// Package ingest provides the HTTP API through which local producers hand
// telemetry to the buffers.
package ingest

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/trackbuffer/internal/domain"
	"github.com/bissquit/trackbuffer/internal/flush"
	"github.com/bissquit/trackbuffer/internal/pkg/ctxlog"
	"github.com/bissquit/trackbuffer/internal/pkg/httputil"
	"github.com/bissquit/trackbuffer/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Trigger starts flush jobs in the background.
type Trigger interface {
	Trigger(ctx context.Context, job flush.Job) error
}

// Handler handles HTTP requests for the ingest API.
type Handler struct {
	logs      *telemetry.LogBuffer
	replays   *telemetry.ReplayBuffer
	trigger   Trigger
	validator *validator.Validate
}

// NewHandler creates a new ingest handler.
func NewHandler(logs *telemetry.LogBuffer, replays *telemetry.ReplayBuffer, trigger Trigger) *Handler {
	return &Handler{
		logs:      logs,
		replays:   replays,
		trigger:   trigger,
		validator: validator.New(),
	}
}

// RegisterRoutes registers the ingest routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/logs", h.WriteLog)
	r.Post("/replays", h.WriteReplay)
	r.Get("/buffers", h.GetBuffers)
	r.Put("/buffers/replays/capacity", h.SetReplayCapacity)
	r.Post("/flush/{payload}", h.TriggerFlush)
}

// WriteLogRequest represents the request body for buffering a log line.
type WriteLogRequest struct {
	Level    string `json:"level" validate:"required"`
	Message  string `json:"message" validate:"required,max=4096"`
	Category string `json:"category"`
}

// WriteReplayRequest represents the request body for buffering a replay.
type WriteReplayRequest struct {
	Params map[string]any `json:"params" validate:"required,min=1"`
}

// SetReplayCapacityRequest represents the request body for a replay capacity
// override.
type SetReplayCapacityRequest struct {
	Capacity int `json:"capacity" validate:"required,min=1,max=10000"`
}

// ReplayCapacityResponse reports the applied replay capacity.
type ReplayCapacityResponse struct {
	Capacity int `json:"capacity"`
	Replays  int `json:"replays"`
}

// BufferSizesResponse reports how many entries each buffer holds.
type BufferSizesResponse struct {
	Logs    int `json:"logs"`
	Replays int `json:"replays"`
}

// ReplayAcceptedResponse is returned for a buffered replay.
type ReplayAcceptedResponse struct {
	ID        uuid.UUID `json:"id"`
	BatchFull bool      `json:"batch_full"`
}

var errorMappings = []httputil.ErrorMapping{
	{Error: httputil.ErrBodyTooLarge, Status: http.StatusRequestEntityTooLarge},
	{Error: flush.ErrUnknownJob, Status: http.StatusNotFound, Message: "unknown payload"},
	{Error: flush.ErrWorkerStopped, Status: http.StatusServiceUnavailable, Message: "shutting down"},
}

// WriteLog handles POST /logs request.
func (h *Handler) WriteLog(w http.ResponseWriter, r *http.Request) {
	var req WriteLogRequest
	if !h.decode(w, r, &req) {
		return
	}

	level, err := domain.ParseLogLevel(req.Level)
	if err != nil {
		httputil.ValidationError(w, err)
		return
	}

	var category *domain.LogCategory
	if req.Category != "" {
		c, err := domain.ParseLogCategory(req.Category)
		if err != nil {
			httputil.ValidationError(w, err)
			return
		}
		category = &c
	}

	h.logs.Write(level, req.Message, category)
	httputil.Success(w, http.StatusAccepted, h.sizes())
}

// WriteReplay handles POST /replays request. A full batch triggers a replay
// flush.
func (h *Handler) WriteReplay(w http.ResponseWriter, r *http.Request) {
	var req WriteReplayRequest
	if !h.decode(w, r, &req) {
		return
	}

	payload, due := h.replays.AddToBatch(req.Params)
	if due {
		if err := h.trigger.Trigger(r.Context(), flush.JobReplays); err != nil {
			ctxlog.FromContext(r.Context()).Warn("failed to trigger replay flush", "error", err)
		}
	}

	httputil.Success(w, http.StatusAccepted, ReplayAcceptedResponse{
		ID:        payload.ID,
		BatchFull: due,
	})
}

// GetBuffers handles GET /buffers request.
func (h *Handler) GetBuffers(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, h.sizes())
}

// SetReplayCapacity handles PUT /buffers/replays/capacity request.
func (h *Handler) SetReplayCapacity(w http.ResponseWriter, r *http.Request) {
	var req SetReplayCapacityRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.replays.SetCapacity(req.Capacity)
	ctxlog.FromContext(r.Context()).Info("replay capacity overridden", "capacity", req.Capacity)

	httputil.Success(w, http.StatusOK, ReplayCapacityResponse{
		Capacity: req.Capacity,
		Replays:  h.replays.Len(),
	})
}

// TriggerFlush handles POST /flush/{payload} request.
func (h *Handler) TriggerFlush(w http.ResponseWriter, r *http.Request) {
	job, err := flush.ParseJob(chi.URLParam(r, "payload"))
	if err == nil {
		err = h.trigger.Trigger(r.Context(), job)
	}
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, map[string]flush.Job{"job": job})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := httputil.DecodeJSON(w, r, v, h.validator)
	if err == nil {
		return true
	}

	var validationErrors validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrors):
		httputil.ValidationError(w, err)
	case errors.Is(err, httputil.ErrBodyTooLarge):
		httputil.HandleError(r.Context(), w, err, errorMappings)
	default:
		httputil.Error(w, http.StatusBadRequest, "invalid json")
	}
	return false
}

func (h *Handler) sizes() BufferSizesResponse {
	return BufferSizesResponse{
		Logs:    h.logs.Len(),
		Replays: h.replays.Len(),
	}
}
