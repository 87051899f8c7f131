package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the asset pipeline server
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Fetch     FetchConfig     `yaml:"fetch"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port" validate:"required,numeric"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	Environment    string        `yaml:"environment" validate:"oneof=development staging production test"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// PipelineConfig holds scheduler, cache, quality and telemetry settings
type PipelineConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent" validate:"gte=1,lte=64"`
	MaxRetries       int           `yaml:"max_retries" validate:"gte=0,lte=20"`
	RetryDelay       time.Duration `yaml:"retry_delay" validate:"gte=0"`
	Backoff          string        `yaml:"backoff" validate:"oneof=linear exponential fixed"`
	BudgetBytes      ByteSize      `yaml:"budget_bytes" validate:"gt=0"`
	TargetFPS        float64       `yaml:"target_fps" validate:"gt=0,lte=240"`
	QualityLevel     string        `yaml:"quality_level" validate:"oneof=auto low medium high ultra"`
	SamplingInterval time.Duration `yaml:"sampling_interval" validate:"gt=0"`
	RingSize         int           `yaml:"ring_size" validate:"gte=1,lte=3600"`
	SmoothingWindow  int           `yaml:"smoothing_window" validate:"gte=1,lte=60"`
	LowerTolerance   float64       `yaml:"lower_tolerance" validate:"gt=0"`
	UpperTolerance   float64       `yaml:"upper_tolerance" validate:"gt=0"`
	UpdateBuffer     int           `yaml:"update_buffer" validate:"gte=1"`
	RetainJobs       int           `yaml:"retain_jobs" validate:"gte=1"`
}

// FetchConfig holds asset source configuration
type FetchConfig struct {
	BaseURL           string        `yaml:"base_url" validate:"omitempty,url"`
	AssetDir          string        `yaml:"asset_dir"`
	Timeout           time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxBytes          ByteSize      `yaml:"max_bytes" validate:"gt=0"`
	RequestsPerSecond float64       `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" validate:"gte=1"`
}

// RateLimitConfig holds API rate limiting configuration. A zero limit disables it.
type RateLimitConfig struct {
	Limit  int           `yaml:"limit" validate:"gte=0"`
	Window time.Duration `yaml:"window" validate:"gt=0"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format     string `yaml:"format" validate:"oneof=json text"`
	OutputPath string `yaml:"output_path"`
}

// ByteSize is a byte count that reads human-friendly sizes such as "256MB".
type ByteSize int64

// ParseByteSize parses "256MB", "1GiB" or a plain number of bytes.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := ParseByteSize(value.Value)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         "8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			Environment:  "development",
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
				"http://127.0.0.1:3000",
				"http://127.0.0.1:5173",
			},
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:    3,
			MaxRetries:       3,
			RetryDelay:       time.Second,
			Backoff:          "linear",
			BudgetBytes:      256 << 20,
			TargetFPS:        60,
			QualityLevel:     "auto",
			SamplingInterval: time.Second,
			RingSize:         60,
			SmoothingWindow:  3,
			LowerTolerance:   10,
			UpperTolerance:   10,
			UpdateBuffer:     256,
			RetainJobs:       1024,
		},
		Fetch: FetchConfig{
			// 127.0.0.1 rather than localhost avoids IPv6 resolution issues
			BaseURL:           "http://127.0.0.1:8081/assets",
			Timeout:           30 * time.Second,
			MaxBytes:          128 << 20,
			RequestsPerSecond: 20,
			Burst:             5,
		},
		RateLimit: RateLimitConfig{
			Limit:  1000,
			Window: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from the .env file, an optional YAML file named by
// ASSETPIPE_CONFIG, and environment variables, in increasing precedence.
func Load() (*Config, error) {
	// godotenv.Load() looks for .env in the current working directory
	if err := godotenv.Load(); err != nil {
		slog.Warn(".env file not found (this is OK if using environment variables)", "error", err)
	}

	config := Defaults()
	if path := os.Getenv("ASSETPIPE_CONFIG"); path != "" {
		if err := config.LoadFile(path); err != nil {
			return nil, err
		}
	}
	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getDurationEnv("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.Environment = getEnv("ENVIRONMENT", c.Server.Environment)
	c.Server.AllowedOrigins = getListEnv("ALLOWED_ORIGINS", c.Server.AllowedOrigins)

	c.Pipeline.MaxConcurrent = getIntEnv("MAX_CONCURRENT", c.Pipeline.MaxConcurrent)
	c.Pipeline.MaxRetries = getIntEnv("MAX_RETRIES", c.Pipeline.MaxRetries)
	c.Pipeline.RetryDelay = getMillisEnv("RETRY_DELAY_MS", c.Pipeline.RetryDelay)
	c.Pipeline.Backoff = getEnv("RETRY_BACKOFF", c.Pipeline.Backoff)
	c.Pipeline.BudgetBytes = getByteSizeEnv("CACHE_BUDGET", c.Pipeline.BudgetBytes)
	c.Pipeline.TargetFPS = getFloatEnv("TARGET_FPS", c.Pipeline.TargetFPS)
	c.Pipeline.QualityLevel = strings.ToLower(getEnv("QUALITY_LEVEL", c.Pipeline.QualityLevel))
	c.Pipeline.SamplingInterval = getMillisEnv("SAMPLING_INTERVAL_MS", c.Pipeline.SamplingInterval)
	c.Pipeline.RingSize = getIntEnv("TELEMETRY_RING_SIZE", c.Pipeline.RingSize)
	c.Pipeline.SmoothingWindow = getIntEnv("QUALITY_SMOOTHING_WINDOW", c.Pipeline.SmoothingWindow)
	c.Pipeline.LowerTolerance = getFloatEnv("QUALITY_LOWER_TOLERANCE", c.Pipeline.LowerTolerance)
	c.Pipeline.UpperTolerance = getFloatEnv("QUALITY_UPPER_TOLERANCE", c.Pipeline.UpperTolerance)
	c.Pipeline.RetainJobs = getIntEnv("JOB_RETENTION", c.Pipeline.RetainJobs)

	c.Fetch.BaseURL = getEnv("ASSET_BASE_URL", c.Fetch.BaseURL)
	c.Fetch.AssetDir = getEnv("ASSET_DIR", c.Fetch.AssetDir)
	c.Fetch.Timeout = getDurationEnv("FETCH_TIMEOUT", c.Fetch.Timeout)
	c.Fetch.MaxBytes = getByteSizeEnv("FETCH_MAX_BYTES", c.Fetch.MaxBytes)
	c.Fetch.RequestsPerSecond = getFloatEnv("FETCH_RPS", c.Fetch.RequestsPerSecond)
	c.Fetch.Burst = getIntEnv("FETCH_BURST", c.Fetch.Burst)

	c.RateLimit.Limit = getIntEnv("RATE_LIMIT", c.RateLimit.Limit)
	c.RateLimit.Window = getDurationEnv("RATE_LIMIT_WINDOW", c.RateLimit.Window)

	c.Logging.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Logging.Format))
	c.Logging.OutputPath = getEnv("LOG_OUTPUT_PATH", c.Logging.OutputPath)
}

var validate = validator.New()

// Validate checks field ranges and cross-field requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Fetch.BaseURL == "" && c.Fetch.AssetDir == "" {
		return fmt.Errorf("one of ASSET_BASE_URL or ASSET_DIR is required")
	}
	if c.Pipeline.LowerTolerance >= c.Pipeline.TargetFPS {
		return fmt.Errorf("lower tolerance %.1f must be below target fps %.1f", c.Pipeline.LowerTolerance, c.Pipeline.TargetFPS)
	}
	return nil
}

// Addr returns the listen address
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// IsDevelopment returns true if running in development mode
func (c *ServerConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// Helper functions for environment variable access

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("invalid integer value, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return intValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("invalid float value, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return floatValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration value, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return duration
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	ms, err := strconv.Atoi(value)
	if err != nil || ms < 0 {
		slog.Warn("invalid millisecond value, using default", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

func getByteSizeEnv(key string, defaultValue ByteSize) ByteSize {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	size, err := ParseByteSize(value)
	if err != nil {
		slog.Warn("invalid byte size, using default", "key", key, "value", value, "default", defaultValue.String())
		return defaultValue
	}
	return size
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
