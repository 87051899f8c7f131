package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/earthring/assetpipe/internal/asset"
	"github.com/earthring/assetpipe/internal/cache"
	"github.com/earthring/assetpipe/internal/compression"
	"github.com/earthring/assetpipe/internal/engine"
	"github.com/earthring/assetpipe/internal/quality"
	"github.com/earthring/assetpipe/internal/scheduler"
	"github.com/earthring/assetpipe/internal/telemetry"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// PreloadRequest queues one asset.
type PreloadRequest struct {
	Key      string `json:"key" validate:"required,max=2048"`
	Priority string `json:"priority" validate:"omitempty,oneof=low medium high"`
	Name     string `json:"name" validate:"max=256"`
}

// BatchPreloadRequest queues several assets at once.
type BatchPreloadRequest struct {
	Assets []PreloadRequest `json:"assets" validate:"required,min=1,max=500,dive"`
}

// PreloadResponse is returned for every queued asset.
type PreloadResponse struct {
	JobID scheduler.JobID `json:"job_id"`
	Key   asset.Key       `json:"key"`
}

// QualityRequest overrides the quality level. "auto" resumes automatic adjustment.
type QualityRequest struct {
	Level     string  `json:"level" validate:"required,oneof=auto low medium high ultra"`
	TargetFPS float64 `json:"target_fps" validate:"gte=0,lte=240"`
}

// EnvironmentRequest reports the render surface's device and network.
type EnvironmentRequest struct {
	Device     telemetry.DeviceInfo     `json:"device"`
	Connection telemetry.ConnectionInfo `json:"connection"`
}

// EnvironmentResponse carries the classification and resulting settings.
type EnvironmentResponse struct {
	Environment telemetry.Environment `json:"environment"`
	Ceiling     quality.Level         `json:"ceiling"`
	Settings    quality.Settings      `json:"settings"`
}

// ProgressResponse is returned by GET /api/progress.
type ProgressResponse struct {
	Progress float64           `json:"progress"`
	Summary  scheduler.Summary `json:"summary"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// PipelineHandlers serves the preload, quality and report endpoints.
type PipelineHandlers struct {
	engine    *engine.Engine
	validator *validator.Validate
	logger    *slog.Logger
}

// NewPipelineHandlers creates a new instance of PipelineHandlers.
func NewPipelineHandlers(eng *engine.Engine, logger *slog.Logger) *PipelineHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineHandlers{
		engine:    eng,
		validator: validator.New(),
		logger:    logger.With("component", "api"),
	}
}

// Health handles GET /health.
func (h *PipelineHandlers) Health(w http.ResponseWriter, r *http.Request) {
	summary := h.engine.Summary()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "assetpipe",
		"jobs":    summary.Total,
		"loading": summary.Loading,
	})
}

// Preload handles POST /api/preload.
func (h *PipelineHandlers) Preload(w http.ResponseWriter, r *http.Request) {
	var req PreloadRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.enqueue(req)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	respondWithJSON(w, http.StatusAccepted, resp)
}

// PreloadBatch handles POST /api/preload/batch.
func (h *PipelineHandlers) PreloadBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchPreloadRequest
	if !h.decode(w, r, &req) {
		return
	}
	queued := make([]PreloadResponse, 0, len(req.Assets))
	for _, a := range req.Assets {
		resp, err := h.enqueue(a)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("%s: %v", a.Key, err))
			return
		}
		queued = append(queued, resp)
	}
	respondWithJSON(w, http.StatusAccepted, map[string]any{"jobs": queued})
}

func (h *PipelineHandlers) enqueue(req PreloadRequest) (PreloadResponse, error) {
	priority, err := asset.ParsePriority(req.Priority)
	if err != nil {
		return PreloadResponse{}, err
	}
	key := asset.Key(req.Key)
	id, err := h.engine.Enqueue(key, priority, req.Name)
	if err != nil {
		return PreloadResponse{}, err
	}
	return PreloadResponse{JobID: id, Key: key}, nil
}

// ListJobs handles GET /api/jobs.
func (h *PipelineHandlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{"jobs": h.engine.Jobs()})
}

// ListFailedJobs handles GET /api/jobs/failed.
func (h *PipelineHandlers) ListFailedJobs(w http.ResponseWriter, r *http.Request) {
	failed := h.engine.Failed()
	if failed == nil {
		failed = []scheduler.Job{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"jobs": failed})
}

// GetJob handles GET /api/jobs/{id}.
func (h *PipelineHandlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.engine.Job(scheduler.JobID(r.PathValue("id")))
	if !ok {
		respondWithError(w, http.StatusNotFound, "NotFound", "Job not found")
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

// RetryJob handles POST /api/jobs/{id}/retry.
func (h *PipelineHandlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	id := scheduler.JobID(r.PathValue("id"))
	if err := h.engine.Retry(id); err != nil {
		h.respondWithJobError(w, err)
		return
	}
	job, _ := h.engine.Job(id)
	respondWithJSON(w, http.StatusAccepted, job)
}

// DeleteJob handles DELETE /api/jobs/{id}.
func (h *PipelineHandlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Dequeue(scheduler.JobID(r.PathValue("id"))); err != nil {
		h.respondWithJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearJobs handles DELETE /api/jobs.
func (h *PipelineHandlers) ClearJobs(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]int{"removed": h.engine.ClearJobs()})
}

func (h *PipelineHandlers) respondWithJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		respondWithError(w, http.StatusNotFound, "NotFound", "Job not found")
	case errors.Is(err, scheduler.ErrJobActive), errors.Is(err, scheduler.ErrNotRetryable):
		respondWithError(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("job operation failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "InternalError", "Job operation failed")
	}
}

// Progress handles GET /api/progress.
func (h *PipelineHandlers) Progress(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, ProgressResponse{
		Progress: h.engine.Progress(),
		Summary:  h.engine.Summary(),
	})
}

// Report handles GET /api/report.
func (h *PipelineHandlers) Report(w http.ResponseWriter, r *http.Request) {
	data, err := h.engine.Report().JSON()
	if err != nil {
		h.logger.Error("failed to render report", "error", err)
		respondWithError(w, http.StatusInternalServerError, "InternalError", "Failed to render report")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Query().Get("download") != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="assetpipe-report.json"`)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// GetCache handles GET /api/cache.
func (h *PipelineHandlers) GetCache(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.CacheStats()
	respondWithJSON(w, http.StatusOK, struct {
		Stats   cache.Stats        `json:"stats"`
		HitRate float64            `json:"hit_rate"`
		Entries []cache.RecordInfo `json:"entries"`
	}{stats, stats.HitRate(), h.engine.CacheEntries()})
}

// ClearCache handles DELETE /api/cache.
func (h *PipelineHandlers) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

// GetAsset handles GET /api/assets/{key...}, returning the cached asset as a
// compressed mesh payload.
func (h *PipelineHandlers) GetAsset(w http.ResponseWriter, r *http.Request) {
	key := asset.Key(r.PathValue("key"))
	if err := key.Validate(); err != nil {
		respondWithError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	rec, ok := h.engine.Asset(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "NotFound", "Asset not cached")
		return
	}
	payload, err := compression.EncodeScene(rec.Scene, rec.Stats, rec.Metadata)
	if err != nil {
		h.logger.Error("failed to encode asset", "key", key, "error", err)
		respondWithError(w, http.StatusInternalServerError, "InternalError", "Failed to encode asset")
		return
	}
	respondWithJSON(w, http.StatusOK, struct {
		Key      asset.Key            `json:"key"`
		Stats    asset.Stats          `json:"stats"`
		Metadata asset.Metadata       `json:"metadata"`
		Payload  *compression.Payload `json:"payload"`
	}{key, rec.Stats, rec.Metadata, payload})
}

// GetQuality handles GET /api/quality.
func (h *PipelineHandlers) GetQuality(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.engine.Settings())
}

// SetQuality handles PUT /api/quality.
func (h *PipelineHandlers) SetQuality(w http.ResponseWriter, r *http.Request) {
	var req QualityRequest
	if !h.decode(w, r, &req) {
		return
	}
	level, auto, err := quality.ParseLevel(req.Level)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}
	if req.TargetFPS > 0 {
		h.engine.SetTargetFPS(req.TargetFPS)
	}
	var settings quality.Settings
	if auto {
		settings = h.engine.SetAuto()
	} else {
		settings = h.engine.SetLevel(level)
	}
	respondWithJSON(w, http.StatusOK, settings)
}

// SetEnvironment handles POST /api/environment.
func (h *PipelineHandlers) SetEnvironment(w http.ResponseWriter, r *http.Request) {
	var req EnvironmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	env := h.engine.SetEnvironment(req.Device, req.Connection)
	respondWithJSON(w, http.StatusOK, EnvironmentResponse{
		Environment: env,
		Ceiling:     h.engine.Ceiling(),
		Settings:    h.engine.Settings(),
	})
}

// PublishSample handles POST /api/samples.
func (h *PipelineHandlers) PublishSample(w http.ResponseWriter, r *http.Request) {
	var sample telemetry.Sample
	if !h.decode(w, r, &sample) {
		return
	}
	if !sample.Valid() {
		respondWithError(w, http.StatusBadRequest, "InvalidRequest", "fps must be a positive number")
		return
	}
	h.engine.PublishSample(sample)
	w.WriteHeader(http.StatusNoContent)
}

// ListSamples handles GET /api/samples.
func (h *PipelineHandlers) ListSamples(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{"samples": h.engine.Samples()})
}

// decode reads and validates a JSON body, writing the error response itself.
func (h *PipelineHandlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "InvalidRequest", "Invalid JSON body")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		sendValidationError(w, err)
		return false
	}
	return true
}

func respondWithJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	respondWithJSON(w, statusCode, ErrorResponse{Error: code, Message: message})
}

func sendValidationError(w http.ResponseWriter, err error) {
	var validationErrors []string
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: %s", fe.Field(), getValidationMessage(fe)))
		}
	}
	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, err.Error())
	}
	respondWithError(w, http.StatusBadRequest, "ValidationError", strings.Join(validationErrors, "; "))
}

func getValidationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s items", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
