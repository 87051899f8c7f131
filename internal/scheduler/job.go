package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/earthring/assetpipe/internal/asset"
)

// State is the lifecycle state of a preload job.
type State string

const (
	Pending State = "pending"
	Loading State = "loading"
	Loaded  State = "loaded"
	Cached  State = "cached"
	Failed  State = "failed"
	Aborted State = "aborted"
)

// Done reports whether the job finished successfully.
func (s State) Done() bool {
	return s == Loaded || s == Cached
}

// JobID identifies a job.
type JobID string

// Job is one asset preload request.
type Job struct {
	ID            JobID             `json:"id"`
	Key           asset.Key         `json:"key"`
	Name          string            `json:"name,omitempty"`
	Priority      asset.Priority    `json:"priority"`
	State         State             `json:"state"`
	Progress      int               `json:"progress"`
	RetryCount    int               `json:"retry_count"`
	LastAttemptAt time.Time         `json:"last_attempt_at"`
	Error         *asset.LoadError  `json:"error,omitempty"`
	Uncached      bool              `json:"uncached,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	NextRetryAt   time.Time         `json:"next_retry_at"`
	Scene         *asset.SceneGraph `json:"-"`

	seq uint64
}

// awaitingRetry reports whether an automatic retry is scheduled.
func (j *Job) awaitingRetry() bool {
	return j.State == Failed && !j.NextRetryAt.IsZero()
}

// settled reports whether the job needs no further work from the scheduler.
func (j *Job) settled() bool {
	switch j.State {
	case Loaded, Cached, Aborted:
		return true
	case Failed:
		return !j.awaitingRetry()
	default:
		return false
	}
}

// Update is published on every job state or progress change.
type Update struct {
	JobID      JobID            `json:"job_id"`
	Key        asset.Key        `json:"key"`
	State      State            `json:"state"`
	Progress   int              `json:"progress"`
	RetryCount int              `json:"retry_count"`
	Error      *asset.LoadError `json:"error,omitempty"`
	Uncached   bool             `json:"uncached,omitempty"`
	// Dropped marks pending jobs removed from the queue by Stop.
	Dropped bool      `json:"dropped,omitempty"`
	At      time.Time `json:"at"`
}

func (j *Job) update(at time.Time) Update {
	return Update{
		JobID:      j.ID,
		Key:        j.Key,
		State:      j.State,
		Progress:   j.Progress,
		RetryCount: j.RetryCount,
		Error:      j.Error,
		Uncached:   j.Uncached,
		At:         at,
	}
}

// Summary counts jobs by state. Completed is true when nothing is pending,
// loading or waiting for a retry.
type Summary struct {
	Total         int  `json:"total"`
	Pending       int  `json:"pending"`
	Loading       int  `json:"loading"`
	Loaded        int  `json:"loaded"`
	Cached        int  `json:"cached"`
	Failed        int  `json:"failed"`
	AwaitingRetry int  `json:"awaiting_retry"`
	Aborted       int  `json:"aborted"`
	Completed     bool `json:"completed"`
}

// Backoff selects how the retry delay grows with the retry count.
type Backoff string

const (
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

// ParseBackoff parses a backoff policy name. Empty means linear.
func ParseBackoff(s string) (Backoff, error) {
	switch b := Backoff(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BackoffLinear, nil
	case BackoffLinear, BackoffExponential, BackoffFixed:
		return b, nil
	default:
		return BackoffLinear, fmt.Errorf("unknown backoff policy %q", s)
	}
}

// Delay returns the wait before retry number retryCount (1-based).
func (b Backoff) Delay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	switch b {
	case BackoffFixed:
		return base
	case BackoffExponential:
		if retryCount > 30 {
			retryCount = 30
		}
		return base * time.Duration(1<<(retryCount-1))
	default:
		return base * time.Duration(retryCount)
	}
}
