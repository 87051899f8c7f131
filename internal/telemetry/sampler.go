package telemetry

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultInterval = time.Second
	DefaultRingSize = 60
	subscriberQueue = 16
)

// FrameCounter counts rendered frames between samples. Safe for concurrent use.
type FrameCounter struct {
	frames atomic.Int64
}

// Frame records one rendered frame.
func (c *FrameCounter) Frame() {
	c.frames.Add(1)
}

// Add records n rendered frames, as reported in batches by remote surfaces.
func (c *FrameCounter) Add(n int64) {
	if n > 0 {
		c.frames.Add(n)
	}
}

func (c *FrameCounter) swap() int64 {
	return c.frames.Swap(0)
}

// Reading holds the resource measurements that accompany a frame rate.
// Zero means not measured.
type Reading struct {
	MemoryMB         float64
	CPUPct           float64
	GPUPct           float64
	NetworkLatencyMs float64
}

// Probe supplies resource readings for each sample.
type Probe interface {
	Read() Reading
}

// RuntimeProbe reports Go heap usage and the most recent observed network latency.
type RuntimeProbe struct {
	latencyMicros atomic.Int64
}

// ObserveLatency records the round trip of the latest network request.
func (p *RuntimeProbe) ObserveLatency(d time.Duration) {
	p.latencyMicros.Store(d.Microseconds())
}

func (p *RuntimeProbe) Read() Reading {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Reading{
		MemoryMB:         float64(ms.HeapAlloc) / (1024 * 1024),
		NetworkLatencyMs: float64(p.latencyMicros.Load()) / 1000,
	}
}

// Options configures a Sampler.
type Options struct {
	Interval time.Duration
	RingSize int
	Probe    Probe
	Logger   *slog.Logger
	Now      func() time.Time
	// OnSample is called synchronously for every recorded sample.
	OnSample func(Sample)
}

// Sampler turns frame counts into PerformanceSamples at a fixed cadence and keeps
// the recent history in a ring buffer.
type Sampler struct {
	opts    Options
	ring    *Ring
	counter FrameCounter

	mu        sync.Mutex
	lastTick  time.Time
	published bool
	env       Environment
	envSet    bool
	subs      map[int]chan Sample
	nextSub   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSampler creates a sampler. Zero options take defaults.
func NewSampler(opts Options) *Sampler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.Probe == nil {
		opts.Probe = &RuntimeProbe{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sampler{
		opts: opts,
		ring: NewRing(opts.RingSize),
		subs: make(map[int]chan Sample),
	}
}

// Frames returns the counter the render path increments.
func (s *Sampler) Frames() *FrameCounter {
	return &s.counter
}

// Start begins sampling every interval until ctx is cancelled or Stop is called.
func (s *Sampler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel = cancel
	s.lastTick = s.opts.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

// Stop terminates sampling and waits for the loop to exit.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Tick takes one sample from the frame counter. A tick with no frames is skipped
// when samples are being published by a remote surface.
func (s *Sampler) Tick() (Sample, bool) {
	now := s.opts.Now()
	frames := s.counter.swap()

	s.mu.Lock()
	elapsed := now.Sub(s.lastTick).Seconds()
	if s.lastTick.IsZero() {
		elapsed = s.opts.Interval.Seconds()
	}
	s.lastTick = now
	published := s.published
	s.published = false
	s.mu.Unlock()

	if frames == 0 && published {
		return Sample{}, false
	}

	var fps float64
	if elapsed > 0 {
		fps = float64(frames) / elapsed
	}
	reading := s.opts.Probe.Read()
	sample := Sample{
		FPS:              fps,
		MemoryMB:         reading.MemoryMB,
		CPUPct:           reading.CPUPct,
		GPUPct:           reading.GPUPct,
		NetworkLatencyMs: reading.NetworkLatencyMs,
		TimestampMs:      now.UnixMilli(),
	}
	if fps > 0 {
		sample.FrameTimeMs = 1000 / fps
	}
	s.record(sample)
	return sample, true
}

// Publish records a sample measured elsewhere, e.g. by a browser render surface.
func (s *Sampler) Publish(sample Sample) {
	if sample.TimestampMs == 0 {
		sample.TimestampMs = s.opts.Now().UnixMilli()
	}
	if sample.FrameTimeMs == 0 && sample.Valid() {
		sample.FrameTimeMs = 1000 / sample.FPS
	}
	if math.IsNaN(sample.FrameTimeMs) || math.IsInf(sample.FrameTimeMs, 0) {
		sample.FrameTimeMs = 0
	}
	s.mu.Lock()
	s.published = true
	s.mu.Unlock()
	s.record(sample)
}

func (s *Sampler) record(sample Sample) {
	s.ring.Push(sample)
	if s.opts.OnSample != nil {
		s.opts.OnSample(sample)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- sample:
		default:
			s.opts.Logger.Debug("dropping telemetry sample for slow subscriber", "subscriber", id)
		}
	}
}

// Subscribe returns a channel of future samples and a function to cancel it.
// Samples are dropped for subscribers that fall behind.
func (s *Sampler) Subscribe() (<-chan Sample, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Sample, subscriberQueue)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

// Latest returns the most recent sample.
func (s *Sampler) Latest() (Sample, bool) {
	return s.ring.Latest()
}

// Snapshot returns the buffered samples, oldest first.
func (s *Sampler) Snapshot() []Sample {
	return s.ring.Snapshot()
}

// Ring exposes the sample history.
func (s *Sampler) Ring() *Ring {
	return s.ring
}

// SetEnvironment classifies the reported device and network. It returns the
// classification and whether it differs from the previous one; classification
// happens only here, never per tick.
func (s *Sampler) SetEnvironment(device DeviceInfo, conn ConnectionInfo) (Environment, bool) {
	env := Classify(device, conn)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.envSet && env == s.env {
		return env, false
	}
	s.env = env
	s.envSet = true
	s.opts.Logger.Info("render environment classified", "device", env.Device, "connection", env.Connection)
	return env, true
}

// Environment returns the last classified environment.
func (s *Sampler) Environment() Environment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env
}
