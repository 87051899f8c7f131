package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/earthring/assetpipe/internal/asset"
	"github.com/earthring/assetpipe/internal/cache"
	"github.com/earthring/assetpipe/internal/config"
	"github.com/earthring/assetpipe/internal/decoder"
	"github.com/earthring/assetpipe/internal/fetch"
	"github.com/earthring/assetpipe/internal/metrics"
	"github.com/earthring/assetpipe/internal/performance"
	"github.com/earthring/assetpipe/internal/quality"
	"github.com/earthring/assetpipe/internal/scheduler"
	"github.com/earthring/assetpipe/internal/streaming"
	"github.com/earthring/assetpipe/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Event types delivered by Events.
const (
	EventJobUpdate      = "job_update"
	EventQualityChanged = "quality_changed"
	EventSample         = "sample"
)

const (
	eventQueue    = 256
	reportSamples = 10
)

// Event is one notification for the render surface.
type Event struct {
	Type     string            `json:"type"`
	Job      *scheduler.Update `json:"job,omitempty"`
	Settings *quality.Settings `json:"settings,omitempty"`
	Sample   *telemetry.Sample `json:"sample,omitempty"`
}

// Options configures an Engine.
type Options struct {
	Metrics  *metrics.Metrics
	Profiler *performance.Profiler
	Probe    telemetry.Probe
	Logger   *slog.Logger
}

// Engine wires the cache, scheduler, quality controller, telemetry sampler and
// view streaming into one pipeline.
type Engine struct {
	cfg        config.PipelineConfig
	cache      *cache.Cache
	scheduler  *scheduler.Scheduler
	store      *quality.Store
	controller *quality.Controller
	sampler    *telemetry.Sampler
	profiler   *performance.Profiler
	metrics    *metrics.Metrics
	streams    *streaming.Manager
	logger     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	subs    map[int]chan Event
	nextSub int
}

// New builds an engine from the pipeline configuration.
func New(cfg config.PipelineConfig, f fetch.Fetcher, d decoder.Decoder, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff, err := scheduler.ParseBackoff(cfg.Backoff)
	if err != nil {
		return nil, err
	}
	level, auto, err := quality.ParseLevel(cfg.QualityLevel)
	if err != nil {
		return nil, err
	}
	initial := quality.Default()
	if !auto {
		initial = quality.Preset(level)
		initial.TargetFPS = quality.DefaultTargetFPS
		initial.Version = 1
	}

	profiler := opts.Profiler
	if profiler == nil {
		profiler = performance.NewProfiler(true)
	}
	profiler.SetObserver(func(stage string, d time.Duration) {
		opts.Metrics.ObserveStage(stage, d.Seconds())
	})

	e := &Engine{
		cfg:      cfg,
		profiler: profiler,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "engine"),
		subs:     make(map[int]chan Event),
	}
	e.cache = cache.New(int64(cfg.BudgetBytes), cache.WithMetrics(opts.Metrics), cache.WithLogger(logger))
	e.store = quality.NewStore(initial)
	e.controller = quality.NewController(e.store, quality.Options{
		TargetFPS:       cfg.TargetFPS,
		LowerTolerance:  cfg.LowerTolerance,
		UpperTolerance:  cfg.UpperTolerance,
		SmoothingWindow: cfg.SmoothingWindow,
		Metrics:         opts.Metrics,
		Logger:          logger,
	})
	e.sampler = telemetry.NewSampler(telemetry.Options{
		Interval: cfg.SamplingInterval,
		RingSize: cfg.RingSize,
		Probe:    opts.Probe,
		Logger:   logger,
		OnSample: e.observe,
	})
	e.scheduler = scheduler.New(e.cache, f, d, scheduler.Options{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		Backoff:       backoff,
		UpdateBuffer:  cfg.UpdateBuffer,
		RetainSettled: cfg.RetainJobs,
		Profiler:      profiler,
		Metrics:       opts.Metrics,
		Logger:        logger,
	})
	e.streams = streaming.NewManager(e.scheduler, e.cache, streaming.Options{Logger: logger})
	return e, nil
}

// observe feeds every recorded sample into the quality control loop.
func (e *Engine) observe(sample telemetry.Sample) {
	e.metrics.Sample(sample.FPS, sample.FrameTimeMs)
	e.controller.Observe(sample)
}

// Start launches sampling, the scheduler and the event fan-in.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return scheduler.ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	updates, err := e.scheduler.Start(ctx, e.store)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	e.sampler.Start(ctx)
	settings, stopSettings := e.store.Subscribe()
	samples, stopSamples := e.sampler.Subscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for u := range updates {
			e.publish(Event{Type: EventJobUpdate, Job: &u})
		}
		return nil
	})
	g.Go(func() error {
		defer stopSettings()
		for {
			select {
			case <-gctx.Done():
				return nil
			case s := <-settings:
				e.publish(Event{Type: EventQualityChanged, Settings: &s})
			}
		}
	})
	g.Go(func() error {
		defer stopSamples()
		for {
			select {
			case <-gctx.Done():
				return nil
			case s := <-samples:
				e.publish(Event{Type: EventSample, Sample: &s})
			}
		}
	})

	e.cancel = cancel
	e.group = g
	e.logger.Info("pipeline started",
		"budget", e.cfg.BudgetBytes.String(), "max_concurrent", e.cfg.MaxConcurrent, "quality", e.store.Current().Level)
	return nil
}

// Stop aborts in-flight jobs and waits for every background goroutine.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, g := e.cancel, e.group
	e.cancel, e.group = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	e.scheduler.Stop()
	e.sampler.Stop()
	err := g.Wait()

	e.mu.Lock()
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
	e.mu.Unlock()
	e.logger.Info("pipeline stopped")
	return err
}

// Events returns a stream of job updates, settings changes and samples, and a
// function that cancels it. Events are dropped for subscribers that fall behind.
func (e *Engine) Events() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan Event, eventQueue)
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

func (e *Engine) publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Enqueue queues a preload job.
func (e *Engine) Enqueue(key asset.Key, priority asset.Priority, name string) (scheduler.JobID, error) {
	return e.scheduler.Enqueue(key, priority, name)
}

// Jobs returns every known job in enqueue order.
func (e *Engine) Jobs() []scheduler.Job {
	return e.scheduler.Jobs()
}

func (e *Engine) Job(id scheduler.JobID) (scheduler.Job, bool) {
	return e.scheduler.Job(id)
}

func (e *Engine) Failed() []scheduler.Job {
	return e.scheduler.Failed()
}

func (e *Engine) Retry(id scheduler.JobID) error {
	return e.scheduler.Retry(id)
}

func (e *Engine) Dequeue(id scheduler.JobID) error {
	return e.scheduler.Dequeue(id)
}

// ClearJobs drops every job that is not loading.
func (e *Engine) ClearJobs() int {
	return e.scheduler.Clear()
}

func (e *Engine) Progress() float64 {
	return e.scheduler.Progress()
}

func (e *Engine) Summary() scheduler.Summary {
	return e.scheduler.Summary()
}

// Wait blocks until the current batch has settled.
func (e *Engine) Wait(ctx context.Context) (scheduler.Summary, error) {
	return e.scheduler.Wait(ctx)
}

// Asset returns a cached asset.
func (e *Engine) Asset(key asset.Key) (cache.Record, bool) {
	return e.cache.Get(key)
}

// CacheStats returns cache usage counters.
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// CacheEntries lists cached assets in eviction order.
func (e *Engine) CacheEntries() []cache.RecordInfo {
	return e.cache.Snapshot()
}

// ClearCache drops every cached asset.
func (e *Engine) ClearCache() {
	e.cache.Clear()
	e.logger.Info("cache cleared")
}

// Settings returns the quality settings in effect.
func (e *Engine) Settings() quality.Settings {
	return e.store.Current()
}

// Ceiling returns the level ceiling of the current environment.
func (e *Engine) Ceiling() quality.Level {
	return e.controller.Ceiling()
}

// SetLevel applies a manual quality override.
func (e *Engine) SetLevel(level quality.Level) quality.Settings {
	e.controller.SetLevel(level)
	return e.store.Current()
}

// SetAuto resumes automatic quality adjustment.
func (e *Engine) SetAuto() quality.Settings {
	e.controller.SetAuto()
	return e.store.Current()
}

// SetTargetFPS changes the frame rate the controller aims for.
func (e *Engine) SetTargetFPS(fps float64) quality.Settings {
	e.controller.SetTargetFPS(fps)
	return e.store.Current()
}

// SetEnvironment classifies the render surface's device and network and
// updates the quality ceiling when the classification changed.
func (e *Engine) SetEnvironment(device telemetry.DeviceInfo, conn telemetry.ConnectionInfo) telemetry.Environment {
	env, changed := e.sampler.SetEnvironment(device, conn)
	if changed {
		e.controller.SetEnvironment(env)
	}
	return env
}

// ReportFrames adds frames rendered since the last report.
func (e *Engine) ReportFrames(n int64) {
	e.sampler.Frames().Add(n)
}

// PublishSample records a sample measured by the render surface.
func (e *Engine) PublishSample(s telemetry.Sample) {
	e.sampler.Publish(s)
}

// Samples returns the buffered telemetry history.
func (e *Engine) Samples() []telemetry.Sample {
	return e.sampler.Snapshot()
}

// OpenSession registers a render surface view window.
func (e *Engine) OpenSession(id string) error {
	return e.streams.Open(id)
}

// UpdateView replaces a session's view window and queues new assets.
func (e *Engine) UpdateView(id string, entries []streaming.ViewEntry) (*streaming.Delta, error) {
	return e.streams.UpdateView(id, entries)
}

// CloseSession drops a session's view window.
func (e *Engine) CloseSession(id string) {
	e.streams.Close(id)
}

// Report is the JSON snapshot of the pipeline.
type Report struct {
	Timestamp   time.Time                `json:"timestamp"`
	Summary     cache.Stats              `json:"summary"`
	HitRate     float64                  `json:"hit_rate"`
	Settings    quality.Settings         `json:"settings"`
	Environment telemetry.Environment    `json:"environment"`
	Ceiling     quality.Level            `json:"ceiling"`
	Jobs        []scheduler.Job          `json:"jobs"`
	Batch       scheduler.Summary        `json:"batch"`
	Progress    float64                  `json:"progress"`
	Stages      []performance.StageStats `json:"stages"`
	Samples     []telemetry.Sample       `json:"samples"`
}

// Report captures the current pipeline state.
func (e *Engine) Report() Report {
	stats := e.cache.Stats()
	stages := e.profiler.Snapshot()
	if stages == nil {
		stages = []performance.StageStats{}
	}
	return Report{
		Timestamp:   time.Now().UTC(),
		Summary:     stats,
		HitRate:     stats.HitRate(),
		Settings:    e.store.Current(),
		Environment: e.sampler.Environment(),
		Ceiling:     e.controller.Ceiling(),
		Jobs:        e.scheduler.Jobs(),
		Batch:       e.scheduler.Summary(),
		Progress:    e.scheduler.Progress(),
		Stages:      stages,
		Samples:     e.sampler.Ring().Last(reportSamples),
	}
}

// JSON renders the report with indentation.
func (r Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
