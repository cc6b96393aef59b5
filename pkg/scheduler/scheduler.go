// Package scheduler runs one polling job per pending validation request,
// bounded by a global cap with FIFO admission.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"mailproof/pkg/check"
	"mailproof/pkg/config"
	"mailproof/pkg/logging"
	"mailproof/pkg/mailer"
	"mailproof/pkg/resolver"
	"mailproof/pkg/sanitize"
	"mailproof/pkg/store"
	"mailproof/pkg/telemetry"
)

const failReasonMaxLength = 500

// Validator is the check surface the scheduler depends on.
type Validator interface {
	Check(ctx context.Context, target string) (*check.Result, error)
}

// Scheduler owns the job map, the admission queue, and every polling
// goroutine.
type Scheduler struct {
	store   store.Store
	engine  Validator
	mailer  mailer.Mailer
	cfg     *config.JobsConfig
	logger  *logging.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	jobs   map[string]*job
	queue  []*store.Request
	queued map[string]struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// job is one polling loop. The running flag serializes ticks per key.
type job struct {
	id      int64
	key     string
	target  string
	running atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func (j *job) stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// New creates a scheduler. Jobs start via StartForRequest or Resume.
func New(st store.Store, engine Validator, ml mailer.Mailer, cfg *config.JobsConfig, logger *logging.Logger, metrics *telemetry.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   st,
		engine:  engine,
		mailer:  ml,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		jobs:    make(map[string]*job),
		queued:  make(map[string]struct{}),
		baseCtx: ctx,
		cancel:  cancel,
		now:     time.Now,
	}
}

// StartForRequest begins (or queues) polling for a request. Starting an
// already-known key is a no-op.
func (s *Scheduler) StartForRequest(req *store.Request, initialDelay time.Duration) {
	key := req.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[key]; exists {
		return
	}
	if _, waiting := s.queued[key]; waiting {
		return
	}

	if len(s.jobs) < s.cfg.MaxActiveJobs {
		s.startJobLocked(req, initialDelay)
		return
	}

	s.queued[key] = struct{}{}
	s.queue = append(s.queue, req)
	s.metrics.AddJobQueued(s.baseCtx)
	s.logger.Info("Job queued, cap reached",
		"key", key,
		"queue_len", len(s.queue),
	)
}

// startJobLocked registers a job and launches its loop. Caller holds s.mu.
func (s *Scheduler) startJobLocked(req *store.Request, initialDelay time.Duration) {
	j := &job{
		id:     req.ID,
		key:    req.Key(),
		target: req.Target,
		stopCh: make(chan struct{}),
	}
	s.jobs[j.key] = j

	s.wg.Add(1)
	go s.run(j, initialDelay)

	s.logger.Info("Job started",
		"key", j.key,
		"initial_delay", initialDelay,
		"active", len(s.jobs),
	)
}

// run is the polling loop for one job. The first tick fires after
// initialDelay (immediately when zero), then every poll interval.
func (s *Scheduler) run(j *job, initialDelay time.Duration) {
	defer s.wg.Done()

	if initialDelay > 0 {
		timer := time.NewTimer(initialDelay)
		select {
		case <-timer.C:
		case <-j.stopCh:
			timer.Stop()
			return
		case <-s.baseCtx.Done():
			timer.Stop()
			return
		}
	}

	if s.runCheck(j) {
		s.stopJob(j.key)
		return
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.runCheck(j) {
				s.stopJob(j.key)
				return
			}
		case <-j.stopCh:
			return
		case <-s.baseCtx.Done():
			return
		}
	}
}

// runCheck executes one tick. Returns true when the job should stop.
func (s *Scheduler) runCheck(j *job) bool {
	// Reentrancy guard; at most one validation in flight per key.
	if !j.running.CompareAndSwap(false, true) {
		return false
	}
	defer j.running.Store(false)

	ctx := s.baseCtx
	log := s.logger.WithField("key", j.key)

	row, err := s.store.FindByID(ctx, j.id)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Request row gone, stopping job")
		return true
	}
	if err != nil {
		log.Error("Failed to load request", "error", err)
		return false
	}
	if row.Status != store.StatusPending {
		log.Info("Request no longer pending, stopping job", "status", row.Status)
		return true
	}

	now := s.now().UTC()
	if !row.ExpiresAt.After(now) {
		s.expire(ctx, row, log)
		return true
	}

	started := s.now()
	result, err := s.engine.Check(ctx, row.Target)
	if err != nil {
		if resolver.IsTimeout(err) {
			s.metrics.AddDNSTimeout(ctx)
		}
		reason := sanitize.Message(err.Error(), failReasonMaxLength)
		if storeErr := s.store.RecordCheckError(ctx, row.ID, reason); storeErr != nil {
			log.Error("Failed to record check error", "error", storeErr)
		}
		log.Warn("Check failed, will retry", "error", err)
		return false
	}
	s.metrics.AddCheck(ctx, result.OK)
	s.metrics.RecordCheckDuration(ctx, s.now().Sub(started))

	payload, err := check.BoundedJSON(result, s.cfg.ResultJSONMaxBytes)
	if err != nil {
		log.Error("Failed to serialize check result", "error", err)
		return false
	}

	nextCheck := now.Add(s.cfg.PollInterval)
	affected, err := s.store.UpdateCheckResult(ctx, row.ID, string(payload), result.CheckedAt, nextCheck)
	if err != nil {
		log.Error("Failed to persist check result", "error", err)
		return false
	}
	if !affected {
		log.Info("Request left pending elsewhere, stopping job")
		return true
	}

	if !result.OK {
		log.Debug("Check incomplete", "checked_at", result.CheckedAt)
		return false
	}

	return s.promote(ctx, row, result, log)
}

// expire moves a timed-out request to EXPIRED. Losing the conditional update
// means someone else got there first, which is just as final.
func (s *Scheduler) expire(ctx context.Context, row *store.Request, log *logging.Logger) {
	moved, err := s.store.TransitionExpired(ctx, row.ID)
	if err != nil {
		log.Error("Failed to expire request", "error", err)
		return
	}
	if !moved {
		log.Info("Expiry raced, request already terminal")
		return
	}

	s.metrics.AddExpiry(ctx)
	log.Info("Request expired", "expires_at", row.ExpiresAt)
	s.notifyStatus(row.ID, nil)
}

// promote moves a passing request to ACTIVE and records the domain.
func (s *Scheduler) promote(ctx context.Context, row *store.Request, result *check.Result, log *logging.Logger) bool {
	moved, err := s.store.TransitionActive(ctx, row.ID)
	if err != nil {
		log.Error("Failed to promote request", "error", err)
		return false
	}
	if !moved {
		log.Info("Promotion raced, request already terminal")
		return true
	}

	s.metrics.AddPromotion(ctx)
	log.Info("Request promoted to ACTIVE", "target", row.Target)

	if err := s.store.MarkDomainActive(ctx, row.Target); err != nil {
		log.Error("Failed to mark domain active", "error", err)
	}
	s.notifyStatus(row.ID, result)
	return true
}

// notifyStatus sends the status-change mail off the tick path. The fresh row
// is reloaded so the mail carries the terminal status.
func (s *Scheduler) notifyStatus(id int64, result *check.Result) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		row, err := s.store.FindByID(ctx, id)
		if err != nil {
			s.logger.Error("Failed to load request for notification", "id", id, "error", err)
			return
		}
		if err := s.mailer.SendStatusChange(ctx, row, result); err != nil {
			s.logger.Error("Status notification failed", "id", id, "error", err)
		}
	}()
}

// stopJob removes a job from the map and promotes queued work.
func (s *Scheduler) stopJob(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[key]
	if !ok {
		return
	}
	j.stop()
	delete(s.jobs, key)
	s.drainQueueLocked()
}

// drainQueueLocked starts queued jobs FIFO until the cap is met. Caller
// holds s.mu.
func (s *Scheduler) drainQueueLocked() {
	for len(s.jobs) < s.cfg.MaxActiveJobs && len(s.queue) > 0 {
		req := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, req.Key())
		s.startJobLocked(req, 0)
	}
}

// Resume reconstructs jobs for every pending, unexpired request. Each start
// gets a random delay so a restart does not stampede the resolver.
func (s *Scheduler) Resume(ctx context.Context) error {
	rows, err := s.store.FindPendingNotExpired(ctx, s.now().UTC())
	if err != nil {
		return err
	}

	jitterMax := s.cfg.ResumeJitter
	if limit := s.cfg.PollInterval - 100*time.Millisecond; jitterMax > limit {
		jitterMax = limit
	}
	if jitterMax < 0 {
		jitterMax = 0
	}

	for _, row := range rows {
		var delay time.Duration
		if jitterMax > 0 {
			delay = time.Duration(rand.Int63n(int64(jitterMax) + 1))
		}
		s.StartForRequest(row, delay)
	}

	s.logger.Info("Resumed pending requests", "count", len(rows))
	return nil
}

// ActiveCount returns the number of running jobs.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// QueueLen returns the number of jobs waiting for a slot.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Capacity returns the configured job cap.
func (s *Scheduler) Capacity() int {
	return s.cfg.MaxActiveJobs
}

// AtCapacity reports whether a new request would be queued rather than
// started.
func (s *Scheduler) AtCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs) >= s.cfg.MaxActiveJobs
}

// Stop shuts down every job and waits for in-flight ticks to finish. The
// base context is canceled only after the wait, so a tick that is mid-check
// gets to persist its result instead of aborting on context cancellation.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, j := range s.jobs {
		j.stop()
	}
	s.jobs = make(map[string]*job)
	s.queue = nil
	s.queued = make(map[string]struct{})
	s.mu.Unlock()

	s.wg.Wait()
	s.cancel()
	s.logger.Info("Scheduler stopped")
}
