package quality

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/earthring/assetpipe/internal/telemetry"
)

func newController(t *testing.T, initial Settings) *Controller {
	t.Helper()
	return NewController(NewStore(initial), Options{TargetFPS: 60, SmoothingWindow: 3})
}

func feed(c *Controller, fps float64, n int) bool {
	changed := false
	for i := 0; i < n; i++ {
		if c.Observe(telemetry.Sample{FPS: fps}) {
			changed = true
		}
	}
	return changed
}

func TestDeadBandKeepsVersion(t *testing.T) {
	c := newController(t, Default())
	before := c.Store().Version()

	for _, fps := range []float64{60, 50, 70, 55, 65} {
		if c.Observe(telemetry.Sample{FPS: fps}) {
			t.Errorf("fps %v inside the dead band changed settings", fps)
		}
	}
	if after := c.Store().Version(); after != before {
		t.Errorf("Expected version %d unchanged, got %d", before, after)
	}
}

func TestStepDownSequence(t *testing.T) {
	initial := Preset(Ultra)
	initial.Auto = true
	initial.TargetFPS = 60
	c := newController(t, initial)

	want := []struct {
		level  Level
		shadow Shadow
		aa     bool
	}{
		{High, ShadowMedium, true},
		{Medium, ShadowLow, false},
		{Low, ShadowOff, false},
	}
	for i, w := range want {
		v := c.Store().Version()
		if !feed(c, 30, 3) {
			t.Fatalf("step %d: expected a change", i)
		}
		s := c.Store().Current()
		if s.Level != w.level || s.ShadowQuality != w.shadow || s.Antialiasing != w.aa {
			t.Errorf("step %d: expected %v/%v/aa=%v, got %v/%v/aa=%v", i, w.level, w.shadow, w.aa, s.Level, s.ShadowQuality, s.Antialiasing)
		}
		if s.Version != v+1 {
			t.Errorf("step %d: expected version %d, got %d", i, v+1, s.Version)
		}
	}

	// Clamped at Low.
	if feed(c, 10, 3) {
		t.Error("Expected no change below Low")
	}
	s := c.Store().Current()
	if s.TextureMaxSize != 512 || !s.LODEnabled || !s.CompressionEnabled {
		t.Errorf("Expected Low budget, got %+v", s)
	}
}

func TestStepUpReenablesInReverse(t *testing.T) {
	initial := Preset(Low)
	initial.Auto = true
	initial.TargetFPS = 60
	c := newController(t, initial)

	feed(c, 90, 3)
	s := c.Store().Current()
	if s.Level != Medium || s.ShadowQuality != ShadowLow || s.Antialiasing {
		t.Errorf("Expected Medium/low shadows/no AA, got %+v", s)
	}
	feed(c, 90, 3)
	s = c.Store().Current()
	if s.Level != High || s.ShadowQuality != ShadowMedium || !s.Antialiasing {
		t.Errorf("Expected High/medium shadows/AA, got %+v", s)
	}
	feed(c, 90, 3)
	feed(c, 90, 3)
	if s = c.Store().Current(); s.Level != Ultra || s.TextureMaxSize != 4096 {
		t.Errorf("Expected Ultra clamp, got %+v", s)
	}
}

func TestSmoothingWindow(t *testing.T) {
	c := newController(t, Default())
	if c.Observe(telemetry.Sample{FPS: 20}) || c.Observe(telemetry.Sample{FPS: 20}) {
		t.Fatal("Expected no change before the window fills")
	}
	// Mean of 20, 20, 110 is 50: the lower edge of the band.
	if c.Observe(telemetry.Sample{FPS: 110}) {
		t.Error("Expected smoothed mean inside the dead band")
	}
	if !c.Observe(telemetry.Sample{FPS: 5}) {
		t.Error("Expected mean of 20, 110, 5 to step down")
	}
}

func TestInvalidSamplesSkipped(t *testing.T) {
	c := newController(t, Default())
	before := c.Store().Version()
	for _, fps := range []float64{0, -5, math.NaN(), math.Inf(1)} {
		if c.Observe(telemetry.Sample{FPS: fps}) {
			t.Errorf("Invalid fps %v changed settings", fps)
		}
	}
	if c.Store().Version() != before {
		t.Error("Invalid samples must not change the version")
	}
}

func TestManualOverrideSuspendsAuto(t *testing.T) {
	c := newController(t, Default())
	if !c.SetLevel(Low) {
		t.Fatal("Expected override to change settings")
	}
	s := c.Store().Current()
	if s.Auto || s.Level != Low || s.TargetFPS != 60 {
		t.Errorf("Unexpected override settings: %+v", s)
	}
	v := s.Version
	if feed(c, 200, 6) {
		t.Error("Auto adjustment must be suspended during override")
	}
	if c.Store().Version() != v {
		t.Error("Version changed during override")
	}

	if !c.SetAuto() {
		t.Fatal("Expected SetAuto to change settings")
	}
	if !feed(c, 200, 3) {
		t.Error("Expected auto adjustment to resume")
	}
}

func TestEnvironmentCeiling(t *testing.T) {
	c := newController(t, Default())

	if !c.SetEnvironment(telemetry.Environment{Device: telemetry.DeviceMobile, Connection: telemetry.ConnectionFast}) {
		t.Fatal("Expected environment to lower the level")
	}
	s := c.Store().Current()
	if s.Level != Medium || s.TextureMaxSize != 1024 {
		t.Errorf("Expected Medium ceiling for mobile, got %+v", s)
	}

	if feed(c, 120, 6) {
		t.Error("Expected no step above the ceiling")
	}
	if c.Store().Current().TextureMaxSize > 1024 {
		t.Error("Mobile must never exceed Medium texture size")
	}

	c.SetEnvironment(telemetry.Environment{Device: telemetry.DeviceDesktop, Connection: telemetry.ConnectionSlow})
	if !c.Store().Current().CompressionEnabled {
		t.Error("Slow network must force compression")
	}
	if c.Ceiling() != Medium {
		t.Errorf("Expected Medium ceiling for slow network, got %v", c.Ceiling())
	}
}

func TestCeiling(t *testing.T) {
	tests := []struct {
		env  telemetry.Environment
		want Level
	}{
		{telemetry.Environment{}, Ultra},
		{telemetry.Environment{Device: telemetry.DeviceDesktop, Connection: telemetry.ConnectionFast}, Ultra},
		{telemetry.Environment{Device: telemetry.DeviceTablet}, High},
		{telemetry.Environment{Device: telemetry.DeviceDesktop, Connection: telemetry.ConnectionModerate}, High},
		{telemetry.Environment{Device: telemetry.DeviceLowEnd, Connection: telemetry.ConnectionFast}, Low},
		{telemetry.Environment{Device: telemetry.DeviceDesktop, Connection: telemetry.ConnectionOffline}, Low},
	}
	for _, tt := range tests {
		if got := Ceiling(tt.env); got != tt.want {
			t.Errorf("Ceiling(%+v): expected %v, got %v", tt.env, tt.want, got)
		}
	}
}

func TestSetTargetFPS(t *testing.T) {
	c := newController(t, Default())
	if c.SetTargetFPS(0) {
		t.Error("Expected non-positive target to be ignored")
	}
	if !c.SetTargetFPS(30) {
		t.Fatal("Expected target change")
	}
	if feed(c, 30, 3) {
		t.Error("30 fps is on target after the change")
	}
}

func TestStoreSubscribeKeepsNewest(t *testing.T) {
	store := NewStore(Default())
	ch, cancel := store.Subscribe()
	defer cancel()

	for _, level := range []Level{Low, Medium, Ultra} {
		next := Preset(level)
		store.apply(next)
	}

	select {
	case s := <-ch:
		if s.Level != Ultra {
			t.Errorf("Expected newest settings, got %v", s.Level)
		}
		if s.Version != 4 {
			t.Errorf("Expected version 4, got %d", s.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for settings")
	}

	if _, changed := store.apply(store.Current()); changed {
		t.Error("Applying identical settings must not bump the version")
	}
}

func TestSettingsJSON(t *testing.T) {
	data, err := json.Marshal(Default())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["level"] != "high" || decoded["shadow_quality"] != "medium" || decoded["auto"] != true {
		t.Errorf("Unexpected JSON: %s", data)
	}

	var back Settings
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal into Settings failed: %v", err)
	}
	if back != Default() {
		t.Errorf("Expected %+v, got %+v", Default(), back)
	}
}

func TestParseLevel(t *testing.T) {
	if _, auto, err := ParseLevel("Auto"); err != nil || !auto {
		t.Errorf("Expected auto, got auto=%v err=%v", auto, err)
	}
	if level, auto, err := ParseLevel("ultra"); err != nil || auto || level != Ultra {
		t.Errorf("Expected Ultra, got %v auto=%v err=%v", level, auto, err)
	}
	if _, _, err := ParseLevel("cinematic"); err == nil {
		t.Error("Expected error for unknown level")
	}
}
