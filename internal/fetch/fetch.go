package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/earthring/assetpipe/internal/asset"
	"github.com/earthring/assetpipe/internal/config"
	"golang.org/x/time/rate"
)

// Fetcher retrieves the raw bytes of an asset.
type Fetcher interface {
	Fetch(ctx context.Context, key asset.Key) ([]byte, error)
}

// Func adapts a function to the Fetcher interface.
type Func func(ctx context.Context, key asset.Key) ([]byte, error)

func (f Func) Fetch(ctx context.Context, key asset.Key) ([]byte, error) {
	return f(ctx, key)
}

// HTTPFetcher downloads assets from an HTTP origin.
type HTTPFetcher struct {
	baseURL   string
	maxBytes  int64
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	onLatency func(time.Duration)
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *HTTPFetcher) { f.logger = logger }
}

// WithLatencyObserver is called with the time to response headers of every request.
func WithLatencyObserver(fn func(time.Duration)) Option {
	return func(f *HTTPFetcher) { f.onLatency = fn }
}

// NewHTTPFetcher creates a fetcher for cfg.BaseURL. Absolute http(s) keys on
// the same origin are fetched as-is.
func NewHTTPFetcher(cfg config.FetchConfig, opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		maxBytes: int64(cfg.MaxBytes),
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   slog.Default(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URL returns the address key is fetched from. Absolute keys must point at the
// base URL's scheme and host, and no key may contain "." or ".." segments.
func (f *HTTPFetcher) URL(key asset.Key) (string, error) {
	k := string(key)
	if strings.HasPrefix(k, "http://") || strings.HasPrefix(k, "https://") {
		u, err := url.Parse(k)
		if err != nil {
			return "", fmt.Errorf("invalid asset url: %w", err)
		}
		base, err := url.Parse(f.baseURL)
		if err != nil || base.Host == "" {
			return "", errors.New("absolute asset urls need a configured base url")
		}
		if u.User != nil || !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
			return "", fmt.Errorf("asset host %q is not the configured origin", u.Host)
		}
		if hasDotSegment(u.Path) {
			return "", errors.New("asset url contains dot segments")
		}
		return k, nil
	}

	path := strings.TrimLeft(k, "/")
	if hasDotSegment(path) {
		return "", errors.New("asset key contains dot segments")
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return f.baseURL + "/" + strings.Join(parts, "/"), nil
}

func hasDotSegment(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Fetch downloads key. Transport failures, timeouts, 408, 429 and 5xx responses
// are retryable network errors; other non-200 responses are permanent.
func (f *HTTPFetcher) Fetch(ctx context.Context, key asset.Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, asset.PermanentNetworkError(key, err)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, asset.NetworkError(key, fmt.Errorf("rate limiter: %w", err))
		}
	}

	target, err := f.URL(key)
	if err != nil {
		return nil, asset.PermanentNetworkError(key, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, asset.PermanentNetworkError(key, fmt.Errorf("failed to create request: %w", err))
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, asset.NetworkError(key, fmt.Errorf("request failed: %w", err))
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			f.logger.Warn("failed to close asset response body", "url", target, "error", closeErr)
		}
	}()
	if f.onLatency != nil {
		f.onLatency(time.Since(start))
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("fetch failed with status %d", resp.StatusCode)
		switch {
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
			return nil, asset.NetworkError(key, statusErr)
		default:
			return nil, asset.PermanentNetworkError(key, statusErr)
		}
	}

	reader := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, asset.NetworkError(key, fmt.Errorf("failed to read response: %w", err))
	}
	if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
		return nil, asset.PermanentNetworkError(key, fmt.Errorf("asset exceeds %d bytes", f.maxBytes))
	}

	f.logger.Debug("fetched asset", "key", key, "bytes", len(body), "elapsed", time.Since(start))
	return body, nil
}

// DirFetcher reads assets from a local directory. Keys are paths relative to it.
type DirFetcher struct {
	root string
}

// NewDirFetcher creates a fetcher rooted at dir.
func NewDirFetcher(dir string) *DirFetcher {
	return &DirFetcher{root: filepath.Clean(dir)}
}

// Fetch reads key from disk. Missing files are permanent errors.
func (d *DirFetcher) Fetch(ctx context.Context, key asset.Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, asset.PermanentNetworkError(key, err)
	}

	path := filepath.Join(d.root, filepath.FromSlash(strings.TrimLeft(string(key), "/")))
	rel, err := filepath.Rel(d.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, asset.PermanentNetworkError(key, fmt.Errorf("key escapes asset directory"))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, asset.PermanentNetworkError(key, err)
		}
		return nil, asset.NetworkError(key, err)
	}
	return data, nil
}

// New picks the fetcher for cfg: a local directory when AssetDir is set, HTTP otherwise.
func New(cfg config.FetchConfig, opts ...Option) Fetcher {
	if cfg.AssetDir != "" {
		return NewDirFetcher(cfg.AssetDir)
	}
	return NewHTTPFetcher(cfg, opts...)
}
