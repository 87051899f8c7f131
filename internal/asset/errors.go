package asset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies why loading an asset failed.
type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindDecode    ErrorKind = "decode"
	KindCacheFull ErrorKind = "cache_full"
	KindAborted   ErrorKind = "aborted"
)

// ErrCacheFull is returned by the cache when an entry cannot fit even after eviction.
var ErrCacheFull = errors.New("cache full")

// LoadError is the error attached to a failed or aborted job.
type LoadError struct {
	Kind ErrorKind
	Key  Key
	// Permanent marks network errors that retrying cannot fix (e.g. 404).
	Permanent bool
	Err       error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error loading %s", e.Kind, e.Key)
	}
	return fmt.Sprintf("%s error loading %s: %v", e.Kind, e.Key, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the scheduler may retry the job automatically.
func (e *LoadError) Retryable() bool {
	return e.Kind == KindNetwork && !e.Permanent
}

// loadErrorJSON is the wire form of a LoadError in job listings and reports.
type loadErrorJSON struct {
	Kind      ErrorKind `json:"kind"`
	Key       Key       `json:"key"`
	Permanent bool      `json:"permanent"`
	Retryable bool      `json:"retryable"`
	Message   string    `json:"message"`
	Cause     string    `json:"cause,omitempty"`
}

func (e *LoadError) MarshalJSON() ([]byte, error) {
	out := loadErrorJSON{
		Kind:      e.Kind,
		Key:       e.Key,
		Permanent: e.Permanent,
		Retryable: e.Retryable(),
		Message:   e.Error(),
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a LoadError. The cause comes back as a plain error
// carrying the original text.
func (e *LoadError) UnmarshalJSON(data []byte) error {
	var in loadErrorJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = LoadError{Kind: in.Kind, Key: in.Key, Permanent: in.Permanent}
	if in.Cause != "" {
		e.Err = errors.New(in.Cause)
	}
	return nil
}

// NetworkError wraps a fetch failure.
func NetworkError(key Key, err error) *LoadError {
	return &LoadError{Kind: KindNetwork, Key: key, Err: err}
}

// PermanentNetworkError wraps a fetch failure that should not be retried.
func PermanentNetworkError(key Key, err error) *LoadError {
	return &LoadError{Kind: KindNetwork, Key: key, Permanent: true, Err: err}
}

// DecodeError wraps a decoder failure. Decode errors are never retried.
func DecodeError(key Key, err error) *LoadError {
	return &LoadError{Kind: KindDecode, Key: key, Err: err}
}

// Classify maps an arbitrary error into a LoadError for key.
func Classify(key Key, err error) *LoadError {
	if err == nil {
		return nil
	}
	var le *LoadError
	if errors.As(err, &le) {
		if le.Key == "" {
			copied := *le
			copied.Key = key
			return &copied
		}
		return le
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &LoadError{Kind: KindAborted, Key: key, Err: err}
	case errors.Is(err, ErrCacheFull):
		return &LoadError{Kind: KindCacheFull, Key: key, Err: err}
	default:
		return NetworkError(key, err)
	}
}
