package performance

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Pipeline stages timed by the scheduler.
const (
	StageFetch       = "fetch"
	StageDecode      = "decode"
	StageCacheInsert = "cache_insert"
	StageJob         = "job"
)

// Profiler tracks durations of pipeline stages
type Profiler struct {
	mu        sync.RWMutex
	stages    map[string]*stage
	enabled   bool
	startTime time.Time
	observer  func(stage string, d time.Duration)
}

type stage struct {
	count    int64
	total    time.Duration
	min      time.Duration
	max      time.Duration
	last     time.Duration
	lastCall time.Time
}

// StageStats is a copy of the statistics for one stage
type StageStats struct {
	Name     string    `json:"name"`
	Count    int64     `json:"count"`
	TotalMs  float64   `json:"total_ms"`
	AvgMs    float64   `json:"avg_ms"`
	MinMs    float64   `json:"min_ms"`
	MaxMs    float64   `json:"max_ms"`
	LastMs   float64   `json:"last_ms"`
	LastCall time.Time `json:"last_call"`
}

// Operation represents a single timed stage
type Operation struct {
	profiler *Profiler
	name     string
	start    time.Time
}

// NewProfiler creates a new stage profiler
func NewProfiler(enabled bool) *Profiler {
	return &Profiler{
		stages:    make(map[string]*stage),
		enabled:   enabled,
		startTime: time.Now(),
	}
}

// SetObserver registers a hook called with every recorded duration, e.g. to feed histograms.
func (p *Profiler) SetObserver(fn func(stage string, d time.Duration)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = fn
}

// Start begins timing a stage. A nil profiler returns a nil operation.
func (p *Profiler) Start(name string) *Operation {
	if p == nil || !p.IsEnabled() {
		return nil
	}
	return &Operation{
		profiler: p,
		name:     name,
		start:    time.Now(),
	}
}

// End completes timing and returns the elapsed time
func (o *Operation) End() time.Duration {
	if o == nil {
		return 0
	}
	d := time.Since(o.start)
	o.profiler.Record(o.name, d)
	return d
}

// Record directly records a duration for a stage
func (p *Profiler) Record(name string, d time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return
	}
	s, ok := p.stages[name]
	if !ok {
		s = &stage{min: d, max: d}
		p.stages[name] = s
	}
	s.count++
	s.total += d
	s.last = d
	s.lastCall = time.Now()
	if d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	observer := p.observer
	p.mu.Unlock()

	if observer != nil {
		observer(name, d)
	}
}

// Stage returns statistics for one stage
func (p *Profiler) Stage(name string) (StageStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.stages[name]
	if !ok {
		return StageStats{}, false
	}
	return s.stats(name), true
}

// Snapshot returns statistics for every stage, sorted by name
func (p *Profiler) Snapshot() []StageStats {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]StageStats, 0, len(p.stages))
	for name, s := range p.stages {
		out = append(out, s.stats(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *stage) stats(name string) StageStats {
	var avg time.Duration
	if s.count > 0 {
		avg = s.total / time.Duration(s.count)
	}
	return StageStats{
		Name:     name,
		Count:    s.count,
		TotalMs:  ms(s.total),
		AvgMs:    ms(avg),
		MinMs:    ms(s.min),
		MaxMs:    ms(s.max),
		LastMs:   ms(s.last),
		LastCall: s.lastCall,
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Reset clears all stages
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = make(map[string]*stage)
	p.startTime = time.Now()
}

// Report generates a human-readable stage report
func (p *Profiler) Report() string {
	stats := p.Snapshot()
	if len(stats) == 0 {
		return "No stage timings recorded"
	}

	p.mu.RLock()
	started := p.startTime
	p.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "\n=== Pipeline Stages (since %s) ===\n", started.Format(time.RFC3339))
	fmt.Fprintf(&b, "%-16s %10s %10s %10s %10s %10s\n", "Stage", "Count", "Avg", "Min", "Max", "Last")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-16s %10d %9.1fms %9.1fms %9.1fms %9.1fms\n", s.Name, s.Count, s.AvgMs, s.MinMs, s.MaxMs, s.LastMs)
	}
	fmt.Fprintf(&b, "\nTotal runtime: %s\n", time.Since(started).Round(time.Second))
	return b.String()
}

// JSONReport generates a JSON stage report
func (p *Profiler) JSONReport() ([]byte, error) {
	p.mu.RLock()
	started := p.startTime
	p.mu.RUnlock()

	report := struct {
		StartTime time.Time    `json:"start_time"`
		RuntimeMs float64      `json:"runtime_ms"`
		Stages    []StageStats `json:"stages"`
	}{
		StartTime: started,
		RuntimeMs: ms(time.Since(started)),
		Stages:    p.Snapshot(),
	}
	return json.MarshalIndent(report, "", "  ")
}

// Enable enables profiling
func (p *Profiler) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

// Disable disables profiling
func (p *Profiler) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

// IsEnabled returns whether profiling is enabled
func (p *Profiler) IsEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}
