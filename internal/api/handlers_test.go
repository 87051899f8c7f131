package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/earthring/assetpipe/internal/asset"
	"github.com/earthring/assetpipe/internal/compression"
	"github.com/earthring/assetpipe/internal/config"
	"github.com/earthring/assetpipe/internal/decoder"
	"github.com/earthring/assetpipe/internal/engine"
	"github.com/earthring/assetpipe/internal/fetch"
	"github.com/earthring/assetpipe/internal/metrics"
	"github.com/earthring/assetpipe/internal/scheduler"
	"github.com/earthring/assetpipe/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
)

// testFetcher serves an 8-triangle mesh for every key except those under
// missing/, which fail permanently.
func testFetcher() fetch.Fetcher {
	return fetch.Func(func(ctx context.Context, key asset.Key) ([]byte, error) {
		if strings.HasPrefix(string(key), "missing/") {
			return nil, asset.PermanentNetworkError(key, errors.New("unexpected status 404"))
		}
		return testutil.MustEncodeMesh(testutil.NewMeshFixture(string(key), 8)), nil
	})
}

type testServer struct {
	engine  *engine.Engine
	handler http.Handler
	ws      *WebSocketHandlers
	helper  *testutil.HTTPTestHelper
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Defaults()
	cfg.Pipeline.RetryDelay = time.Millisecond
	cfg.Pipeline.SamplingInterval = time.Hour

	reg := prometheus.NewRegistry()
	eng, err := engine.New(cfg.Pipeline, testFetcher(), decoder.NewMeshDecoder(nil), engine.Options{Metrics: metrics.New(reg)})
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start failed: %v", err)
	}

	handler, ws := NewRouter(eng, cfg, reg, nil)
	go ws.Run(ctx)

	t.Cleanup(func() {
		cancel()
		if err := eng.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	})
	return &testServer{engine: eng, handler: handler, ws: ws, helper: testutil.NewHTTPTestHelper(handler)}
}

func (s *testServer) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.engine.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func (s *testServer) preload(t *testing.T, key, priority string) scheduler.JobID {
	t.Helper()
	rr := s.helper.MakeRequest("POST", "/api/preload", PreloadRequest{Key: key, Priority: priority})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp PreloadResponse
	if err := testutil.ParseJSONResponse(&resp, rr.Body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("Expected job_id in response")
	}
	return resp.JobID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rr := s.helper.MakeRequest("GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := testutil.ParseJSONResponse(&body, rr.Body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
}

func TestPreloadAndReport(t *testing.T) {
	s := newTestServer(t)
	id := s.preload(t, "models/crate.mesh", "high")
	s.wait(t)

	rr := s.helper.MakeRequest("GET", "/api/jobs/"+string(id), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var job scheduler.Job
	if err := testutil.ParseJSONResponse(&job, rr.Body); err != nil {
		t.Fatalf("Failed to parse job: %v", err)
	}
	if job.State != scheduler.Loaded || job.Priority != asset.High || job.Progress != 100 {
		t.Errorf("Expected loaded high priority job at 100%%, got %+v", job)
	}

	rr = s.helper.MakeRequest("GET", "/api/progress", nil)
	var progress ProgressResponse
	if err := testutil.ParseJSONResponse(&progress, rr.Body); err != nil {
		t.Fatalf("Failed to parse progress: %v", err)
	}
	if progress.Progress != 1 || !progress.Summary.Completed {
		t.Errorf("Expected completed batch, got %+v", progress)
	}

	rr = s.helper.MakeRequest("GET", "/api/report?download=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "assetpipe-report.json") {
		t.Errorf("Expected attachment header, got %q", cd)
	}
	var report map[string]any
	if err := testutil.ParseJSONResponse(&report, rr.Body); err != nil {
		t.Fatalf("Failed to parse report: %v", err)
	}
	if jobs, ok := report["jobs"].([]any); !ok || len(jobs) != 1 {
		t.Errorf("Expected one job in report, got %v", report["jobs"])
	}

	rr = s.helper.MakeRequest("GET", "/api/assets/models/crate.mesh", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Key     asset.Key            `json:"key"`
		Stats   asset.Stats          `json:"stats"`
		Payload *compression.Payload `json:"payload"`
	}
	if err := testutil.ParseJSONResponse(&payload, rr.Body); err != nil {
		t.Fatalf("Failed to parse asset: %v", err)
	}
	if payload.Stats.Triangles != 8 {
		t.Errorf("Expected 8 triangles, got %d", payload.Stats.Triangles)
	}
	if payload.Payload == nil || payload.Payload.Format != "binary_gzip" || payload.Payload.Data == "" {
		t.Errorf("Expected compressed payload, got %+v", payload.Payload)
	}
}

func TestPreloadValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name     string
		body     any
		wantCode string
	}{
		{"missing key", map[string]string{"priority": "high"}, "ValidationError"},
		{"unknown priority", map[string]string{"key": "a.mesh", "priority": "urgent"}, "ValidationError"},
		{"not an object", "just a string", "InvalidRequest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.helper.MakeRequest("POST", "/api/preload", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d", rr.Code)
			}
			var resp ErrorResponse
			if err := testutil.ParseJSONResponse(&resp, rr.Body); err != nil {
				t.Fatalf("Failed to parse error: %v", err)
			}
			if resp.Error != tt.wantCode {
				t.Errorf("Expected error %s, got %s (%s)", tt.wantCode, resp.Error, resp.Message)
			}
		})
	}
}

func TestPreloadBatch(t *testing.T) {
	s := newTestServer(t)
	rr := s.helper.MakeRequest("POST", "/api/preload/batch", BatchPreloadRequest{Assets: []PreloadRequest{
		{Key: "models/a.mesh", Priority: "low"},
		{Key: "models/b.mesh"},
	}})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Jobs []PreloadResponse `json:"jobs"`
	}
	if err := testutil.ParseJSONResponse(&resp, rr.Body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(resp.Jobs))
	}
	s.wait(t)
	if n := s.engine.CacheStats().EntryCount; n != 2 {
		t.Errorf("Expected 2 cached assets, got %d", n)
	}

	rr = s.helper.MakeRequest("POST", "/api/preload/batch", BatchPreloadRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for empty batch, got %d", rr.Code)
	}
}

func TestJobLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)

	for _, req := range []struct{ method, path string }{
		{"GET", "/api/jobs/nope"},
		{"DELETE", "/api/jobs/nope"},
		{"POST", "/api/jobs/nope/retry"},
	} {
		if rr := s.helper.MakeRequest(req.method, req.path, nil); rr.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected status 404, got %d", req.method, req.path, rr.Code)
		}
	}

	failedID := s.preload(t, "missing/ghost.mesh", "medium")
	loadedID := s.preload(t, "models/real.mesh", "medium")
	s.wait(t)

	rr := s.helper.MakeRequest("GET", "/api/jobs/failed", nil)
	var failed struct {
		Jobs []scheduler.Job `json:"jobs"`
	}
	if err := testutil.ParseJSONResponse(&failed, rr.Body); err != nil {
		t.Fatalf("Failed to parse failed jobs: %v", err)
	}
	if len(failed.Jobs) != 1 || failed.Jobs[0].ID != failedID {
		t.Fatalf("Expected only %s failed, got %+v", failedID, failed.Jobs)
	}
	if le := failed.Jobs[0].Error; le == nil || le.Kind != asset.KindNetwork || !le.Permanent || le.Retryable() {
		t.Errorf("Expected a permanent network error, got %+v", le)
	}

	if rr := s.helper.MakeRequest("POST", "/api/jobs/"+string(loadedID)+"/retry", nil); rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409 retrying a loaded job, got %d", rr.Code)
	}
	if rr := s.helper.MakeRequest("POST", "/api/jobs/"+string(failedID)+"/retry", nil); rr.Code != http.StatusAccepted {
		t.Errorf("Expected status 202 retrying a failed job, got %d", rr.Code)
	}
	s.wait(t)

	if rr := s.helper.MakeRequest("DELETE", "/api/jobs/"+string(failedID), nil); rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}
	rr = s.helper.MakeRequest("DELETE", "/api/jobs", nil)
	var cleared map[string]int
	if err := testutil.ParseJSONResponse(&cleared, rr.Body); err != nil {
		t.Fatalf("Failed to parse clear response: %v", err)
	}
	if cleared["removed"] != 1 {
		t.Errorf("Expected 1 job cleared, got %d", cleared["removed"])
	}
}

func TestCacheEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.preload(t, "models/crate.mesh", "low")
	s.wait(t)

	rr := s.helper.MakeRequest("GET", "/api/cache", nil)
	var body struct {
		Stats struct {
			EntryCount int `json:"entry_count"`
		} `json:"stats"`
		Entries []map[string]any `json:"entries"`
	}
	if err := testutil.ParseJSONResponse(&body, rr.Body); err != nil {
		t.Fatalf("Failed to parse cache: %v", err)
	}
	if body.Stats.EntryCount != 1 || len(body.Entries) != 1 {
		t.Errorf("Expected one cache entry, got %+v", body)
	}

	if rr := s.helper.MakeRequest("DELETE", "/api/cache", nil); rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}
	if rr := s.helper.MakeRequest("GET", "/api/assets/models/crate.mesh", nil); rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after clear, got %d", rr.Code)
	}
}

func TestQualityEndpoints(t *testing.T) {
	s := newTestServer(t)

	rr := s.helper.MakeRequest("GET", "/api/quality", nil)
	var settings map[string]any
	if err := testutil.ParseJSONResponse(&settings, rr.Body); err != nil {
		t.Fatalf("Failed to parse settings: %v", err)
	}
	if settings["level"] != "high" || settings["auto"] != true {
		t.Errorf("Expected auto high, got %v", settings)
	}

	tests := []struct {
		name      string
		body      QualityRequest
		wantLevel string
		wantAuto  bool
	}{
		{"manual low", QualityRequest{Level: "low"}, "low", false},
		{"back to auto keeps level", QualityRequest{Level: "auto", TargetFPS: 30}, "low", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.helper.MakeRequest("PUT", "/api/quality", tt.body)
			if rr.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
			}
			var got map[string]any
			if err := testutil.ParseJSONResponse(&got, rr.Body); err != nil {
				t.Fatalf("Failed to parse settings: %v", err)
			}
			if got["level"] != tt.wantLevel || got["auto"] != tt.wantAuto {
				t.Errorf("Expected level=%s auto=%v, got %v", tt.wantLevel, tt.wantAuto, got)
			}
		})
	}
	if got := s.engine.Settings().TargetFPS; got != 30 {
		t.Errorf("Expected target fps 30, got %v", got)
	}

	if rr := s.helper.MakeRequest("PUT", "/api/quality", QualityRequest{Level: "extreme"}); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for unknown level, got %d", rr.Code)
	}
}

func TestEnvironmentEndpoint(t *testing.T) {
	s := newTestServer(t)
	rr := s.helper.MakeRequest("POST", "/api/environment", map[string]any{
		"device":     map[string]any{"user_agent": "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) Mobile"},
		"connection": map[string]any{"effective_type": "4g", "downlink_mbps": 20},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Environment struct {
			Device string `json:"device"`
		} `json:"environment"`
		Ceiling string `json:"ceiling"`
	}
	if err := testutil.ParseJSONResponse(&resp, rr.Body); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Environment.Device != "mobile" || resp.Ceiling != "medium" {
		t.Errorf("Expected mobile with medium ceiling, got %+v", resp)
	}

	rr = s.helper.MakeRequest("POST", "/api/environment", map[string]any{
		"device": map[string]any{"screen_width": -1},
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for negative screen width, got %d", rr.Code)
	}
}

func TestSamplesEndpoint(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		if rr := s.helper.MakeRequest("POST", "/api/samples", map[string]any{"fps": 20}); rr.Code != http.StatusNoContent {
			t.Fatalf("Expected status 204, got %d", rr.Code)
		}
	}
	if got := s.engine.Settings().Level.String(); got != "medium" {
		t.Errorf("Expected one step down to medium, got %s", got)
	}

	rr := s.helper.MakeRequest("GET", "/api/samples", nil)
	var body struct {
		Samples []map[string]any `json:"samples"`
	}
	if err := testutil.ParseJSONResponse(&body, rr.Body); err != nil {
		t.Fatalf("Failed to parse samples: %v", err)
	}
	if len(body.Samples) != 3 {
		t.Errorf("Expected 3 samples, got %d", len(body.Samples))
	}

	if rr := s.helper.MakeRequest("POST", "/api/samples", map[string]any{"fps": 0}); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for zero fps, got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rr := s.helper.MakeRequest("GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "assetpipe_cache_entries") {
		t.Error("Expected assetpipe_cache_entries in metrics output")
	}
}

func TestRouterPreflight(t *testing.T) {
	s := newTestServer(t)
	rr := s.helper.MakeRequestWithHeaders("OPTIONS", "/api/jobs", nil, map[string]string{
		"Origin": "http://localhost:3000",
	})
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected allowed origin echoed, got %q", got)
	}

	rr = s.helper.MakeRequest("GET", "/api/jobs", nil)
	if rr.Header().Get("X-RateLimit-Limit") != "1000" {
		t.Errorf("Expected rate limit header 1000, got %q", rr.Header().Get("X-RateLimit-Limit"))
	}
}
