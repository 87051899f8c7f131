package quality

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Level is a discrete rendering quality tier.
type Level int

const (
	Low Level = iota
	Medium
	High
	Ultra
)

var levelNames = [...]string{"low", "medium", "high", "ultra"}

func (l Level) String() string {
	if l < Low || l > Ultra {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a level name. "auto" returns auto=true and no level.
func ParseLevel(s string) (level Level, auto bool, err error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "auto" {
		return High, true, nil
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i), false, nil
		}
	}
	return Low, false, fmt.Errorf("unknown quality level %q", s)
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, auto, err := ParseLevel(s)
	if err != nil {
		return err
	}
	if auto {
		return fmt.Errorf("auto is not a concrete level")
	}
	*l = parsed
	return nil
}

// Shadow is the shadow rendering quality.
type Shadow int

const (
	ShadowOff Shadow = iota
	ShadowLow
	ShadowMedium
	ShadowHigh
)

var shadowNames = [...]string{"off", "low", "medium", "high"}

func (s Shadow) String() string {
	if s < ShadowOff || s > ShadowHigh {
		return fmt.Sprintf("shadow(%d)", int(s))
	}
	return shadowNames[s]
}

func (s Shadow) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Shadow) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range shadowNames {
		if n == name {
			*s = Shadow(i)
			return nil
		}
	}
	return fmt.Errorf("unknown shadow quality %q", name)
}

// Settings are the rendering parameters in effect. Version increases by one on
// every change.
type Settings struct {
	Level              Level   `json:"level"`
	Auto               bool    `json:"auto"`
	TargetFPS          float64 `json:"target_fps"`
	TextureMaxSize     int     `json:"texture_max_size"`
	LODEnabled         bool    `json:"lod_enabled"`
	ShadowQuality      Shadow  `json:"shadow_quality"`
	Antialiasing       bool    `json:"antialiasing"`
	CompressionEnabled bool    `json:"compression_enabled"`
	Version            uint64  `json:"version"`
}

// Preset returns the default settings for a level.
func Preset(level Level) Settings {
	switch {
	case level <= Low:
		return Settings{Level: Low, TextureMaxSize: 512, LODEnabled: true, ShadowQuality: ShadowOff, CompressionEnabled: true}
	case level == Medium:
		return Settings{Level: Medium, TextureMaxSize: 1024, LODEnabled: true, ShadowQuality: ShadowLow, CompressionEnabled: true}
	case level == High:
		return Settings{Level: High, TextureMaxSize: 2048, ShadowQuality: ShadowMedium, Antialiasing: true}
	default:
		return Settings{Level: Ultra, TextureMaxSize: 4096, ShadowQuality: ShadowHigh, Antialiasing: true}
	}
}

// Default returns the starting settings: High in auto mode at 60 fps.
func Default() Settings {
	s := Preset(High)
	s.Auto = true
	s.TargetFPS = 60
	s.Version = 1
	return s
}

func (s Settings) sameAs(other Settings) bool {
	s.Version = 0
	other.Version = 0
	return s == other
}

// Source hands out the settings currently in effect.
type Source interface {
	Current() Settings
}

// Store owns the process-wide settings value. Only the controller writes it.
type Store struct {
	mu      sync.RWMutex
	current Settings
	subs    map[int]chan Settings
	nextSub int
}

// NewStore creates a store holding initial.
func NewStore(initial Settings) *Store {
	return &Store{current: initial, subs: make(map[int]chan Settings)}
}

// Current returns a copy of the settings in effect.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version returns the current settings version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Version
}

// Subscribe delivers every future settings change. Only the newest pending
// value is kept for a subscriber that falls behind.
func (s *Store) Subscribe() (<-chan Settings, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Settings, 1)
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

// apply replaces the settings when next differs, bumping the version.
func (s *Store) apply(next Settings) (Settings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.sameAs(s.current) {
		return s.current, false
	}
	next.Version = s.current.Version + 1
	s.current = next
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return next, true
}
