package quality

import (
	"log/slog"
	"sync"

	"github.com/earthring/assetpipe/internal/metrics"
	"github.com/earthring/assetpipe/internal/telemetry"
)

const (
	DefaultTargetFPS       = 60
	DefaultTolerance       = 10
	DefaultSmoothingWindow = 3
)

// Options configures a Controller.
type Options struct {
	TargetFPS       float64
	LowerTolerance  float64
	UpperTolerance  float64
	SmoothingWindow int
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Controller adjusts quality settings from observed frame rates. Frame rates inside
// [target-lower, target+upper] leave the settings alone.
type Controller struct {
	mu      sync.Mutex
	store   *Store
	opts    Options
	window  []float64
	env     telemetry.Environment
	ceiling Level
}

// NewController creates a controller writing to store. Zero or negative option
// values fall back to the defaults.
func NewController(store *Store, opts Options) *Controller {
	if opts.TargetFPS <= 0 {
		opts.TargetFPS = store.Current().TargetFPS
	}
	if opts.TargetFPS <= 0 {
		opts.TargetFPS = DefaultTargetFPS
	}
	if opts.LowerTolerance <= 0 {
		opts.LowerTolerance = DefaultTolerance
	}
	if opts.UpperTolerance <= 0 {
		opts.UpperTolerance = DefaultTolerance
	}
	if opts.SmoothingWindow <= 0 {
		opts.SmoothingWindow = DefaultSmoothingWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{store: store, opts: opts, ceiling: Ultra}

	current := store.Current()
	if current.TargetFPS != opts.TargetFPS {
		current.TargetFPS = opts.TargetFPS
		c.commit(current, "target")
	}
	opts.Metrics.Quality(int(current.Level), store.Version())
	return c
}

// Store returns the settings store the controller writes.
func (c *Controller) Store() *Store {
	return c.store
}

// Observe feeds one telemetry sample into the control loop. It returns true when
// the settings changed. Invalid samples are ignored.
func (c *Controller) Observe(sample telemetry.Sample) bool {
	if !sample.Valid() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.store.Current()
	if !current.Auto {
		return false
	}

	c.window = append(c.window, sample.FPS)
	if len(c.window) > c.opts.SmoothingWindow {
		c.window = c.window[len(c.window)-c.opts.SmoothingWindow:]
	}
	if len(c.window) < c.opts.SmoothingWindow {
		return false
	}

	var sum float64
	for _, fps := range c.window {
		sum += fps
	}
	mean := sum / float64(len(c.window))

	var next Settings
	switch {
	case mean < c.opts.TargetFPS-c.opts.LowerTolerance:
		next = c.stepDown(current)
	case mean > c.opts.TargetFPS+c.opts.UpperTolerance:
		next = c.stepUp(current)
	default:
		return false
	}

	if !c.commit(next, "auto") {
		return false
	}
	c.opts.Logger.Info("quality adjusted",
		"mean_fps", mean, "target_fps", c.opts.TargetFPS,
		"from", current.Level, "to", next.Level, "shadows", next.ShadowQuality, "antialiasing", next.Antialiasing)
	c.window = c.window[:0]
	return true
}

func (c *Controller) stepDown(current Settings) Settings {
	next := current
	if next.Level > Low {
		next.Level--
	}
	if next.ShadowQuality > ShadowOff {
		next.ShadowQuality--
	}
	if next.Level <= Medium {
		next.Antialiasing = false
	}
	return c.withLevelBudget(next)
}

func (c *Controller) stepUp(current Settings) Settings {
	next := current
	if next.Level < c.ceiling {
		next.Level++
	}
	if limit := Preset(next.Level).ShadowQuality; next.ShadowQuality < limit {
		next.ShadowQuality++
	}
	if next.Level > Medium {
		next.Antialiasing = true
	}
	return c.withLevelBudget(next)
}

// withLevelBudget applies the texture, LOD and compression values tied to the level.
func (c *Controller) withLevelBudget(s Settings) Settings {
	preset := Preset(s.Level)
	s.TextureMaxSize = preset.TextureMaxSize
	s.LODEnabled = preset.LODEnabled
	s.CompressionEnabled = preset.CompressionEnabled || c.env.Connection == telemetry.ConnectionSlow
	if s.ShadowQuality > preset.ShadowQuality {
		s.ShadowQuality = preset.ShadowQuality
	}
	return s
}

// SetLevel applies a manual override and suspends automatic adjustment.
func (c *Controller) SetLevel(level Level) bool {
	if level < Low {
		level = Low
	}
	if level > Ultra {
		level = Ultra
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.fromPreset(level)
	next.Auto = false
	c.window = c.window[:0]
	return c.commit(next, "override")
}

// SetAuto resumes automatic adjustment, clamping the level to the environment ceiling.
func (c *Controller) SetAuto() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.store.Current()
	if next.Level > c.ceiling {
		next = c.fromPreset(c.ceiling)
	}
	next.Auto = true
	c.window = c.window[:0]
	return c.commit(next, "auto")
}

// SetEnvironment records the classified device and network and derives the level
// ceiling. In auto mode a level above the new ceiling is lowered at once.
func (c *Controller) SetEnvironment(env telemetry.Environment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.env = env
	c.ceiling = Ceiling(env)
	c.opts.Logger.Info("quality ceiling updated", "device", env.Device, "connection", env.Connection, "ceiling", c.ceiling)

	next := c.store.Current()
	if next.Auto && next.Level > c.ceiling {
		next = c.fromPreset(c.ceiling)
		next.Auto = true
	}
	next.CompressionEnabled = Preset(next.Level).CompressionEnabled || env.Connection == telemetry.ConnectionSlow
	return c.commit(next, "environment")
}

// SetTargetFPS changes the frame rate the controller aims for.
func (c *Controller) SetTargetFPS(fps float64) bool {
	if fps <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.opts.TargetFPS = fps
	next := c.store.Current()
	next.TargetFPS = fps
	return c.commit(next, "target")
}

// Ceiling returns the environment's maximum level.
func (c *Controller) Ceiling() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ceiling
}

func (c *Controller) fromPreset(level Level) Settings {
	current := c.store.Current()
	next := Preset(level)
	next.Auto = current.Auto
	next.TargetFPS = current.TargetFPS
	next.CompressionEnabled = next.CompressionEnabled || c.env.Connection == telemetry.ConnectionSlow
	return next
}

func (c *Controller) commit(next Settings, reason string) bool {
	applied, changed := c.store.apply(next)
	if changed {
		c.opts.Metrics.Quality(int(applied.Level), applied.Version)
		c.opts.Logger.Debug("quality settings changed", "reason", reason, "level", applied.Level, "version", applied.Version)
	}
	return changed
}

// Ceiling maps an environment to the highest level it may use.
func Ceiling(env telemetry.Environment) Level {
	ceiling := Ultra
	switch env.Device {
	case telemetry.DeviceTablet:
		ceiling = High
	case telemetry.DeviceMobile:
		ceiling = Medium
	case telemetry.DeviceLowEnd:
		ceiling = Low
	}
	switch env.Connection {
	case telemetry.ConnectionModerate:
		ceiling = minLevel(ceiling, High)
	case telemetry.ConnectionSlow:
		ceiling = minLevel(ceiling, Medium)
	case telemetry.ConnectionOffline:
		ceiling = Low
	}
	return ceiling
}

func minLevel(a, b Level) Level {
	if a < b {
		return a
	}
	return b
}
