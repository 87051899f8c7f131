package asset

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Key is an opaque URI that identifies a source asset. It is the cache key.
type Key string

// Validate rejects empty keys.
func (k Key) Validate() error {
	if strings.TrimSpace(string(k)) == "" {
		return fmt.Errorf("asset key is required")
	}
	return nil
}

// Priority orders preload work and cache eviction. Higher values win.
type Priority int

const (
	Low Priority = iota
	Medium
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "low", "medium" or "high" (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, nil
	case "medium", "":
		return Medium, nil
	case "high":
		return High, nil
	default:
		return Low, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a string: %w", err)
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Stats describes the geometry of a decoded asset.
type Stats struct {
	Triangles int   `json:"triangles" validate:"gte=0"`
	Vertices  int   `json:"vertices" validate:"gte=0"`
	Materials int   `json:"materials" validate:"gte=0"`
	Textures  int   `json:"textures" validate:"gte=0"`
	ByteSize  int64 `json:"byte_size" validate:"gt=0"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func statsValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks that every count is non-negative and the byte size positive.
func (s Stats) Validate() error {
	if err := statsValidator().Struct(s); err != nil {
		return fmt.Errorf("invalid asset stats: %w", err)
	}
	return nil
}

// Metadata carries optional descriptive fields reported by a decoder.
type Metadata struct {
	Format     string `json:"format,omitempty"`
	Rigged     *bool  `json:"rigged,omitempty"`
	Animations *int   `json:"animations,omitempty"`
}

// IsRigged reports whether the decoder marked the asset as rigged.
func (m Metadata) IsRigged() bool {
	return m.Rigged != nil && *m.Rigged
}

// AnimationCount returns the number of animation clips, zero when unknown.
func (m Metadata) AnimationCount() int {
	if m.Animations == nil {
		return 0
	}
	return *m.Animations
}
