package telemetry

import (
	"math"
	"sync"
)

// Sample is one performance measurement of the render surface.
type Sample struct {
	FPS              float64 `json:"fps"`
	FrameTimeMs      float64 `json:"frame_time_ms"`
	MemoryMB         float64 `json:"memory_mb"`
	CPUPct           float64 `json:"cpu_pct"`
	GPUPct           float64 `json:"gpu_pct"`
	NetworkLatencyMs float64 `json:"network_latency_ms"`
	TimestampMs      int64   `json:"timestamp_ms"`
}

// Valid reports whether the sample carries a usable frame rate.
func (s Sample) Valid() bool {
	return s.FPS > 0 && !math.IsNaN(s.FPS) && !math.IsInf(s.FPS, 0)
}

// Ring keeps the last N samples. One goroutine writes, any number read copies.
type Ring struct {
	mu    sync.RWMutex
	buf   []Sample
	next  int
	count int
}

// NewRing creates a ring holding up to size samples.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1
	}
	return &Ring{buf: make([]Sample, size)}
}

// Push appends a sample, overwriting the oldest when full.
func (r *Ring) Push(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Len returns the number of stored samples.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Snapshot returns the stored samples, oldest first.
func (r *Ring) Snapshot() []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastLocked(r.count)
}

// Last returns up to n most recent samples, oldest first.
func (r *Ring) Last(n int) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n > r.count {
		n = r.count
	}
	return r.lastLocked(n)
}

// Latest returns the most recent sample.
func (r *Ring) Latest() (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return Sample{}, false
	}
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)], true
}

// MeanFPS averages the frame rate of the last k valid samples.
func (r *Ring) MeanFPS(k int) float64 {
	var sum float64
	var n int
	for _, s := range r.Last(k) {
		if s.Valid() {
			sum += s.FPS
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (r *Ring) lastLocked(n int) []Sample {
	out := make([]Sample, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}
