package api

import (
	"log/slog"
	"net/http"

	"github.com/earthring/assetpipe/internal/config"
	"github.com/earthring/assetpipe/internal/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupPipelineRoutes registers the preload, job, cache, quality and telemetry routes.
func SetupPipelineRoutes(mux *http.ServeMux, handlers *PipelineHandlers) {
	mux.HandleFunc("GET /health", handlers.Health)

	mux.HandleFunc("POST /api/preload", handlers.Preload)
	mux.HandleFunc("POST /api/preload/batch", handlers.PreloadBatch)

	mux.HandleFunc("GET /api/jobs", handlers.ListJobs)
	mux.HandleFunc("DELETE /api/jobs", handlers.ClearJobs)
	mux.HandleFunc("GET /api/jobs/failed", handlers.ListFailedJobs)
	mux.HandleFunc("GET /api/jobs/{id}", handlers.GetJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", handlers.DeleteJob)
	mux.HandleFunc("POST /api/jobs/{id}/retry", handlers.RetryJob)
	mux.HandleFunc("GET /api/progress", handlers.Progress)
	mux.HandleFunc("GET /api/report", handlers.Report)

	mux.HandleFunc("GET /api/cache", handlers.GetCache)
	mux.HandleFunc("DELETE /api/cache", handlers.ClearCache)
	mux.HandleFunc("GET /api/assets/{key...}", handlers.GetAsset)

	mux.HandleFunc("GET /api/quality", handlers.GetQuality)
	mux.HandleFunc("PUT /api/quality", handlers.SetQuality)
	mux.HandleFunc("POST /api/environment", handlers.SetEnvironment)
	mux.HandleFunc("GET /api/samples", handlers.ListSamples)
	mux.HandleFunc("POST /api/samples", handlers.PublishSample)
}

// SetupWebSocketRoutes registers the render surface endpoint.
func SetupWebSocketRoutes(mux *http.ServeMux, handlers *WebSocketHandlers) {
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
}

// NewRouter builds the full HTTP handler: pipeline routes, the WebSocket
// endpoint and /metrics behind per-IP rate limiting, CORS and security headers.
// The caller must run the returned WebSocketHandlers.
func NewRouter(eng *engine.Engine, cfg *config.Config, gatherer prometheus.Gatherer, logger *slog.Logger) (http.Handler, *WebSocketHandlers) {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	SetupPipelineRoutes(mux, NewPipelineHandlers(eng, logger))

	ws := NewWebSocketHandlers(eng, cfg.Server.AllowedOrigins, logger)
	SetupWebSocketRoutes(mux, ws)

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	handler = RateLimitMiddleware(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)(handler)
	handler = CORSMiddleware(cfg.Server.AllowedOrigins)(handler)
	handler = SecurityHeadersMiddleware(cfg.Server.IsProduction())(handler)
	return handler, ws
}
