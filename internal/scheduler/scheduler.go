package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/earthring/assetpipe/internal/asset"
	"github.com/earthring/assetpipe/internal/cache"
	"github.com/earthring/assetpipe/internal/decoder"
	"github.com/earthring/assetpipe/internal/fetch"
	"github.com/earthring/assetpipe/internal/metrics"
	"github.com/earthring/assetpipe/internal/performance"
	"github.com/earthring/assetpipe/internal/quality"
	"github.com/google/uuid"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrJobNotFound    = errors.New("job not found")
	ErrJobActive      = errors.New("job is still active")
	ErrNotRetryable   = errors.New("only failed or aborted jobs can be retried")
)

// Progress milestones of a job that misses the cache.
const (
	progressFetched = 10
	progressDecoded = 90
	progressDone    = 100
)

// Options configures a Scheduler.
type Options struct {
	MaxConcurrent int
	// MaxRetries is the total number of attempts a retryable failure gets.
	MaxRetries   int
	RetryDelay   time.Duration
	Backoff      Backoff
	UpdateBuffer int
	// RetainSettled caps how many settled jobs are kept for listing and
	// reports. The oldest settled jobs are forgotten first.
	RetainSettled int
	Profiler      *performance.Profiler
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// DefaultOptions returns the stock scheduler options.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: 3,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		Backoff:       BackoffLinear,
		UpdateBuffer:  256,
		RetainSettled: 1024,
	}
}

// Scheduler loads queued assets through fetch, decode and cache insert with
// bounded concurrency, strict priority admission and automatic retries.
type Scheduler struct {
	cache   *cache.Cache
	fetcher fetch.Fetcher
	decoder decoder.Decoder
	opts    Options
	logger  *slog.Logger

	mu          sync.Mutex
	jobs        map[JobID]*Job
	order       []JobID
	waiting     map[JobID]*Job
	seq         uint64
	active      int
	loadingKeys map[asset.Key]int

	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	settings quality.Source
	loopDone chan struct{}
	workers  sync.WaitGroup

	wake       chan struct{}
	retryTimer *time.Timer
	changed    chan struct{}

	subs    map[int]chan Update
	nextSub int
}

// New creates a scheduler. Zero option values fall back to DefaultOptions,
// except MaxRetries where values below one mean a single attempt.
func New(c *cache.Cache, f fetch.Fetcher, d decoder.Decoder, opts Options) *Scheduler {
	defaults := DefaultOptions()
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaults.MaxConcurrent
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.Backoff == "" {
		opts.Backoff = defaults.Backoff
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = defaults.UpdateBuffer
	}
	if opts.RetainSettled <= 0 {
		opts.RetainSettled = defaults.RetainSettled
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cache:       c,
		fetcher:     f,
		decoder:     d,
		opts:        opts,
		logger:      logger.With("component", "scheduler"),
		jobs:        make(map[JobID]*Job),
		waiting:     make(map[JobID]*Job),
		loadingKeys: make(map[asset.Key]int),
		wake:        make(chan struct{}, 1),
		changed:     make(chan struct{}),
		subs:        make(map[int]chan Update),
	}
}

// Enqueue adds a job for key. Jobs queued before Start wait for it.
func (s *Scheduler) Enqueue(key asset.Key, priority asset.Priority, name string) (JobID, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if priority < asset.Low || priority > asset.High {
		return "", fmt.Errorf("invalid priority %d", priority)
	}

	s.mu.Lock()
	s.seq++
	now := s.opts.Now()
	job := &Job{
		ID:         JobID(uuid.NewString()),
		Key:        key,
		Name:       name,
		Priority:   priority,
		State:      Pending,
		EnqueuedAt: now,
		seq:        s.seq,
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.transitionLocked(job, now)
	s.mu.Unlock()

	s.signal()
	return job.ID, nil
}

// Start begins processing the queue and returns the primary update stream.
// The stream is closed by Stop or when ctx ends.
func (s *Scheduler) Start(ctx context.Context, settings quality.Source) (<-chan Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrAlreadyRunning
	}
	if settings == nil {
		settings = quality.NewStore(quality.Default())
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.settings = settings
	s.running = true
	s.loopDone = make(chan struct{})
	updates, _ := s.subscribeLocked()

	go s.loop(s.ctx, s.loopDone)
	s.signal()

	s.logger.Info("scheduler started", "max_concurrent", s.opts.MaxConcurrent, "max_retries", s.opts.MaxRetries, "backoff", s.opts.Backoff)
	return updates, nil
}

// Subscribe returns an additional update stream. Slow subscribers lose updates
// rather than blocking the pipeline.
func (s *Scheduler) Subscribe() (<-chan Update, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked()
}

func (s *Scheduler) subscribeLocked() (<-chan Update, func()) {
	id := s.nextSub
	s.nextSub++
	ch := make(chan Update, s.opts.UpdateBuffer)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// Stop aborts active jobs, drops pending ones and closes the update streams.
// It returns once every worker has finished.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.loopDone
	s.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the scheduler is processing jobs.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.admit(ctx)
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.wake:
		}
	}
}

// admit re-queues due retries and starts pending jobs while capacity remains.
// A pending job whose key is already loading is held back, and nothing below
// its priority starts ahead of it.
func (s *Scheduler) admit(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	waiting := make([]*Job, 0, len(s.waiting))
	for _, job := range s.waiting {
		waiting = append(waiting, job)
	}
	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].seq < waiting[j].seq
	})

	now := s.opts.Now()
	var nextRetry time.Time
	for _, job := range waiting {
		if !job.awaitingRetry() {
			continue
		}
		if !now.Before(job.NextRetryAt) {
			job.NextRetryAt = time.Time{}
			job.State = Pending
			job.Progress = 0
			s.opts.Metrics.Retry()
			s.logger.Info("retrying job", "job_id", job.ID, "key", job.Key, "attempt", job.RetryCount+1)
			s.transitionLocked(job, now)
			continue
		}
		if nextRetry.IsZero() || job.NextRetryAt.Before(nextRetry) {
			nextRetry = job.NextRetryAt
		}
	}
	s.scheduleRetryLocked(now, nextRetry)

	if s.active >= s.opts.MaxConcurrent {
		return
	}
	pending := waiting[:0]
	for _, job := range waiting {
		if job.State == Pending {
			pending = append(pending, job)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].seq < pending[j].seq
	})

	held := false
	var heldPriority asset.Priority
	for _, job := range pending {
		if s.active >= s.opts.MaxConcurrent {
			break
		}
		if held && job.Priority < heldPriority {
			break
		}
		if s.loadingKeys[job.Key] > 0 {
			if !held {
				held, heldPriority = true, job.Priority
			}
			continue
		}
		s.startLocked(ctx, job, now)
	}
}

func (s *Scheduler) scheduleRetryLocked(now, at time.Time) {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	if at.IsZero() {
		return
	}
	s.retryTimer = time.AfterFunc(at.Sub(now), s.signal)
}

func (s *Scheduler) startLocked(ctx context.Context, job *Job, now time.Time) {
	job.State = Loading
	job.Progress = 0
	job.Error = nil
	job.Uncached = false
	job.StartedAt = now
	s.active++
	s.loadingKeys[job.Key]++
	s.opts.Metrics.SetActiveJobs(s.active)
	s.transitionLocked(job, now)

	hints := s.settings.Current()
	s.workers.Add(1)
	go s.run(ctx, job.ID, job.Key, job.Priority, hints)
}

// outcome is the result of a single attempt.
type outcome struct {
	state    State
	scene    *asset.SceneGraph
	uncached bool
	err      *asset.LoadError
}

func (s *Scheduler) run(ctx context.Context, id JobID, key asset.Key, priority asset.Priority, hints quality.Settings) {
	defer s.workers.Done()
	op := s.opts.Profiler.Start(performance.StageJob)

	var out outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("job panicked", "job_id", id, "key", key, "panic", r)
				out = outcome{state: Failed, err: asset.DecodeError(key, fmt.Errorf("panic: %v", r))}
			}
		}()
		out = s.load(ctx, id, key, priority, hints)
	}()

	op.End()
	s.finish(ctx, id, out)
	s.signal()
}

func (s *Scheduler) load(ctx context.Context, id JobID, key asset.Key, priority asset.Priority, hints quality.Settings) outcome {
	if rec, ok := s.cache.Get(key); ok {
		if priority > rec.Priority {
			s.cache.Promote(key, priority)
		}
		return outcome{state: Cached, scene: rec.Scene}
	}

	fetchOp := s.opts.Profiler.Start(performance.StageFetch)
	data, err := s.fetcher.Fetch(ctx, key)
	fetchOp.End()
	if err != nil {
		return s.failure(ctx, key, asset.Classify(key, err))
	}
	if ctx.Err() != nil {
		return aborted(key, ctx.Err())
	}
	s.setProgress(id, progressFetched)

	decodeOp := s.opts.Profiler.Start(performance.StageDecode)
	res, err := s.decoder.Decode(ctx, data, hints, func(percent int) {
		s.setProgress(id, progressFetched+percent*(progressDecoded-progressFetched)/100)
	})
	decodeOp.End()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return aborted(key, err)
		}
		var le *asset.LoadError
		if !errors.As(err, &le) {
			le = asset.DecodeError(key, err)
		}
		return outcome{state: Failed, err: asset.Classify(key, le)}
	}
	if res == nil || res.Scene == nil || res.Scene.Root == nil {
		return outcome{state: Failed, err: asset.DecodeError(key, errors.New("decoder returned no scene"))}
	}
	if err := res.Stats.Validate(); err != nil {
		return outcome{state: Failed, err: asset.DecodeError(key, err)}
	}
	if ctx.Err() != nil {
		return aborted(key, ctx.Err())
	}

	insertOp := s.opts.Profiler.Start(performance.StageCacheInsert)
	err = s.cache.Put(key, res.Scene, res.Stats, res.Metadata, priority)
	insertOp.End()
	if err != nil {
		if errors.Is(err, asset.ErrCacheFull) {
			s.logger.Warn("asset loaded but not cached", "key", key, "bytes", res.Stats.ByteSize)
			return outcome{state: Loaded, scene: res.Scene, uncached: true}
		}
		return outcome{state: Failed, err: asset.DecodeError(key, err)}
	}
	return outcome{state: Loaded, scene: res.Scene}
}

func (s *Scheduler) failure(ctx context.Context, key asset.Key, le *asset.LoadError) outcome {
	if le.Kind == asset.KindAborted || ctx.Err() != nil {
		return aborted(key, le)
	}
	return outcome{state: Failed, err: le}
}

func aborted(key asset.Key, err error) outcome {
	return outcome{state: Aborted, err: &asset.LoadError{Kind: asset.KindAborted, Key: key, Err: err}}
}

func (s *Scheduler) setProgress(id JobID, progress int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.State != Loading || progress <= job.Progress {
		return
	}
	job.Progress = progress
	s.publishLocked(job.update(s.opts.Now()))
}

func (s *Scheduler) finish(ctx context.Context, id JobID, out outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return
	}
	s.active--
	if s.loadingKeys[job.Key]--; s.loadingKeys[job.Key] <= 0 {
		delete(s.loadingKeys, job.Key)
	}
	s.opts.Metrics.SetActiveJobs(s.active)

	now := s.opts.Now()
	job.FinishedAt = now
	job.LastAttemptAt = now
	job.State = out.state
	job.Error = out.err

	switch out.state {
	case Loaded, Cached:
		job.Progress = progressDone
		job.Scene = out.scene
		job.Uncached = out.uncached
		s.logger.Debug("job finished", "job_id", job.ID, "key", job.Key, "state", job.State, "elapsed", now.Sub(job.StartedAt))
	case Aborted:
		s.logger.Info("job aborted", "job_id", job.ID, "key", job.Key)
	case Failed:
		job.RetryCount++
		if out.err.Retryable() && job.RetryCount < s.opts.MaxRetries && ctx.Err() == nil {
			job.NextRetryAt = now.Add(s.opts.Backoff.Delay(s.opts.RetryDelay, job.RetryCount))
			s.logger.Warn("job failed, will retry",
				"job_id", job.ID, "key", job.Key, "retry_count", job.RetryCount, "retry_at", job.NextRetryAt, "error", out.err)
		} else {
			s.logger.Error("job failed",
				"job_id", job.ID, "key", job.Key, "retry_count", job.RetryCount, "error", out.err)
		}
	}
	s.transitionLocked(job, now)
}

// shutdown runs on the loop goroutine once the context ends.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	now := s.opts.Now()
	kept := s.order[:0]
	dropped := 0
	for _, id := range s.order {
		job := s.jobs[id]
		switch {
		case job.State == Pending:
			delete(s.jobs, id)
			u := job.update(now)
			u.State = Aborted
			u.Dropped = true
			s.publishLocked(u)
			dropped++
			continue
		case job.awaitingRetry():
			job.NextRetryAt = time.Time{}
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.waiting = make(map[JobID]*Job)
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.notifyLocked()
	s.mu.Unlock()

	s.workers.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub)
	}
	s.running = false
	s.notifyLocked()
	s.logger.Info("scheduler stopped", "dropped", dropped)
}

func (s *Scheduler) transitionLocked(job *Job, at time.Time) {
	if job.State == Pending || job.awaitingRetry() {
		s.waiting[job.ID] = job
	} else {
		delete(s.waiting, job.ID)
	}
	s.opts.Metrics.JobTransition(string(job.State))
	s.publishLocked(job.update(at))
	if job.settled() {
		s.reapLocked()
	}
	s.notifyLocked()
}

// reapLocked forgets the oldest settled jobs beyond RetainSettled.
func (s *Scheduler) reapLocked() {
	settled := 0
	for _, id := range s.order {
		if s.jobs[id].settled() {
			settled++
		}
	}
	excess := settled - s.opts.RetainSettled
	if excess <= 0 {
		return
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if excess > 0 && s.jobs[id].settled() {
			delete(s.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func (s *Scheduler) publishLocked(u Update) {
	for _, sub := range s.subs {
		select {
		case sub <- u:
		default:
			s.logger.Warn("update subscriber is full, dropping update", "job_id", u.JobID, "state", u.State)
		}
	}
}

// notifyLocked wakes Wait callers.
func (s *Scheduler) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Progress returns the mean progress of all known jobs in [0, 1].
func (s *Scheduler) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return 0
	}
	total := 0
	for _, job := range s.jobs {
		total += job.Progress
	}
	return float64(total) / float64(len(s.jobs)) / 100
}

// Jobs returns copies of all jobs in enqueue order.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.jobs[id])
	}
	return out
}

// Job returns a copy of one job.
func (s *Scheduler) Job(id JobID) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Failed returns the jobs that ended failed, including those awaiting a retry.
func (s *Scheduler) Failed() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, id := range s.order {
		if job := s.jobs[id]; job.State == Failed {
			out = append(out, *job)
		}
	}
	return out
}

// Retry resets a failed or aborted job and queues it again.
func (s *Scheduler) Retry(id JobID) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State != Failed && job.State != Aborted {
		s.mu.Unlock()
		return ErrNotRetryable
	}
	job.State = Pending
	job.RetryCount = 0
	job.Progress = 0
	job.Error = nil
	job.NextRetryAt = time.Time{}
	s.transitionLocked(job, s.opts.Now())
	s.mu.Unlock()

	s.signal()
	return nil
}

// Dequeue removes a job that is not pending or loading.
func (s *Scheduler) Dequeue(id JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.State == Pending || job.State == Loading {
		return ErrJobActive
	}
	s.removeLocked(id)
	return nil
}

// Clear drops every job that is not currently loading and returns how many were removed.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range append([]JobID(nil), s.order...) {
		if s.jobs[id].State == Loading {
			continue
		}
		s.removeLocked(id)
		removed++
	}
	return removed
}

func (s *Scheduler) removeLocked(id JobID) {
	delete(s.jobs, id)
	delete(s.waiting, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.notifyLocked()
}

// Summary counts jobs by state.
func (s *Scheduler) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

func (s *Scheduler) summaryLocked() Summary {
	sum := Summary{Total: len(s.jobs), Completed: true}
	for _, job := range s.jobs {
		switch job.State {
		case Pending:
			sum.Pending++
		case Loading:
			sum.Loading++
		case Loaded:
			sum.Loaded++
		case Cached:
			sum.Cached++
		case Failed:
			sum.Failed++
			if job.awaitingRetry() {
				sum.AwaitingRetry++
			}
		case Aborted:
			sum.Aborted++
		}
		if !job.settled() {
			sum.Completed = false
		}
	}
	return sum
}

// Wait blocks until every job is settled or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) (Summary, error) {
	for {
		s.mu.Lock()
		sum := s.summaryLocked()
		changed := s.changed
		s.mu.Unlock()

		if sum.Completed {
			return sum, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return sum, ctx.Err()
		}
	}
}
