package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/avatarvideo/internal/db"
	"github.com/bobarin/avatarvideo/internal/logging"
	"github.com/bobarin/avatarvideo/internal/metrics"
	"github.com/bobarin/avatarvideo/internal/models"
	"github.com/bobarin/avatarvideo/internal/queue"
)

// pollIntervalSeconds is suggested to clients polling an unfinished video.
const pollIntervalSeconds = "5"

// VideoStore is the persistence the handlers need.
type VideoStore interface {
	CreateVideoJob(ctx context.Context, rec *models.VideoJobRecord) error
	GetVideoJob(ctx context.Context, tenantID, id string) (*models.VideoJobRecord, error)
	MarkVideoFailed(ctx context.Context, id, errorMessage string) error
}

// VideoQueue accepts generation requests.
type VideoQueue interface {
	QueueVideoGeneration(ctx context.Context, req models.VideoGenerationRequest) (*queue.Job, error)
}

type Handler struct {
	store    VideoStore
	queue    VideoQueue
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewHandler(store VideoStore, q VideoQueue) *Handler {
	validate := validator.New()
	// Report JSON field names in validation errors.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Handler{
		store:    store,
		queue:    q,
		validate: validate,
		logger:   logging.Component("api"),
	}
}

// CreateVideo handles POST /v1/videos
func (h *Handler) CreateVideo(w http.ResponseWriter, r *http.Request) {
	var req models.CreateVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	rec := &models.VideoJobRecord{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		CharacterID: req.CharacterID,
		ScriptID:    req.ScriptID,
		Style:       req.Style,
		Status:      models.VideoStatusQueued,
	}
	if err := h.store.CreateVideoJob(r.Context(), rec); err != nil {
		h.logger.Error().Err(err).Str("tenant_id", req.TenantID).Msg("Failed to create video record")
		respondError(w, http.StatusInternalServerError, "Failed to create video")
		return
	}

	_, err := h.queue.QueueVideoGeneration(r.Context(), models.VideoGenerationRequest{
		VideoID:     rec.ID,
		TenantID:    rec.TenantID,
		CharacterID: rec.CharacterID,
		ScriptID:    rec.ScriptID,
		Style:       rec.Style,
		CTA:         req.CTA,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("video_id", rec.ID).Msg("Failed to enqueue video")
		// A record nobody will ever pick up must not stay queued.
		if merr := h.store.MarkVideoFailed(context.WithoutCancel(r.Context()), rec.ID, "Failed to enqueue job"); merr != nil {
			h.logger.Error().Err(merr).Str("video_id", rec.ID).Msg("Failed to mark unqueued video failed")
		}
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	metrics.RecordJobEnqueued(string(rec.Style))
	h.logger.Info().Str("video_id", rec.ID).Str("tenant_id", rec.TenantID).Str("style", string(rec.Style)).Msg("Video queued")

	respondJSON(w, http.StatusAccepted, models.CreateVideoResponse{
		VideoID: rec.ID,
		Status:  rec.Status,
	})
}

// GetVideo handles GET /v1/videos/{id}?tenant_id=...
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	rec, err := h.store.GetVideoJob(r.Context(), tenantID, id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Video not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("video_id", id).Msg("Failed to get video")
		respondError(w, http.StatusInternalServerError, "Failed to get video")
		return
	}

	if !rec.Status.IsTerminal() {
		w.Header().Set("Retry-After", pollIntervalSeconds)
	}
	respondJSON(w, http.StatusOK, rec)
}

// validationMessage names the first field that failed validation.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return fe.Field() + " is required"
		case "oneof":
			return fe.Field() + " must be one of: " + fe.Param()
		case "max":
			return fe.Field() + " is too long"
		}
		return fe.Field() + " is invalid"
	}
	return "Invalid request"
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
