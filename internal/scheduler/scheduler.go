// Package scheduler owns the (provider, month) pull lifecycle: the
// persisted queue, the per-key state machine, cross-process claims,
// transient retry, and rate-limit deferral.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fitsync/fitsync/internal/model"
	"github.com/fitsync/fitsync/internal/provider"
	"github.com/fitsync/fitsync/internal/resilience"
	"github.com/fitsync/fitsync/internal/store"
)

// Config tunes the worker pool and retry policy.
type Config struct {
	// Workers bounds concurrent pulls across all providers.
	Workers int

	// MaxAttempts bounds in-task transient retries, first try included.
	MaxAttempts int

	// BackoffBase and BackoffCap shape the exponential retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// RateLimitAlertAfter raises a warning once a key has been deferred
	// this many consecutive times.
	RateLimitAlertAfter int

	// ClaimTTL is how long a claim row protects a running task before
	// another process may steal it as stale.
	ClaimTTL time.Duration
}

// DefaultConfig matches the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             4,
		MaxAttempts:         3,
		BackoffBase:         2 * time.Second,
		BackoffCap:          5 * time.Minute,
		RateLimitAlertAfter: 3,
		ClaimTTL:            15 * time.Minute,
	}
}

// Scheduler drains the persisted task queue against registered
// provider adapters.
type Scheduler struct {
	cfg   Config
	store store.Store
	reg   *provider.Registry
	owner string
	now   func() time.Time
	log   *zap.Logger

	// deferrals tracks consecutive rate-limit deferrals per key, for
	// alerting only. Process-local; guarded by mu since workers run
	// concurrently.
	mu        sync.Mutex
	deferrals map[model.SyncKey]int
}

// New creates a Scheduler. The owner identity marks claim rows so a
// crashed process's claims are recognizably stale.
func New(cfg Config, st store.Store, reg *provider.Registry) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 15 * time.Minute
	}
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		owner:     fmt.Sprintf("%s-%d-%s", hostname(), os.Getpid(), uuid.NewString()[:8]),
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "scheduler")),
		deferrals: make(map[model.SyncKey]int),
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Request enqueues a pull for key. Idempotent while the key is already
// queued or running: the existing task is returned instead of a new
// one. A key still inside a rate-limit window is queued but will defer
// until the window clears.
func (s *Scheduler) Request(ctx context.Context, key model.SyncKey) (*model.Task, error) {
	if _, err := s.reg.Get(key.Provider); err != nil {
		return nil, err
	}

	st, err := s.store.GetSyncStatus(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: status for %s", key)
	}
	if st != nil && st.State.Active() && st.TaskID != "" {
		if t, err := s.store.GetTask(ctx, st.TaskID); err == nil && t != nil && !t.State.Terminal() {
			return t, nil
		}
	}

	now := s.now()
	t := &model.Task{
		ID:        uuid.NewString(),
		Key:       key,
		State:     model.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, eris.Wrapf(err, "scheduler: enqueue %s", key)
	}

	next := model.SyncStatus{Key: key, State: model.SyncQueued, TaskID: t.ID, LastOperationAt: now, RateLimitKind: model.RateLimitNone}
	if st != nil && st.RateLimited(now) {
		// Keep the recorded window so the runner defers instead of
		// burning a call.
		next.RateLimitKind = st.RateLimitKind
		next.RateLimitReset = st.RateLimitReset
	}
	if err := s.store.UpsertSyncStatus(ctx, &next); err != nil {
		return nil, eris.Wrapf(err, "scheduler: queue status for %s", key)
	}

	s.log.Info("pull queued", zap.String("key", key.String()), zap.String("task", t.ID))
	return t, nil
}

// RequestMonth enqueues a pull for every registered provider for month,
// in registration order. Individual enqueue failures abort.
func (s *Scheduler) RequestMonth(ctx context.Context, month model.Month) ([]*model.Task, error) {
	var tasks []*model.Task
	for _, name := range s.reg.Names() {
		t, err := s.Request(ctx, model.SyncKey{Provider: name, Month: month})
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Run drains the queue with a bounded worker pool and returns when the
// queue is empty or ctx is cancelled. Deferred (rate-limited) tasks are
// skipped, not failed; call RequeueDeferred once their windows pass.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for {
		t, err := s.store.NextPendingTask(gctx)
		if err != nil {
			s.log.Error("queue poll failed", zap.Error(err))
			break
		}
		if t == nil {
			break
		}
		g.Go(func() error {
			s.runTask(gctx, t)
			return nil
		})
	}

	return g.Wait()
}

// RequeueDeferred re-creates pending tasks for keys whose rate-limit
// window has passed but whose state is still queued with no live task.
func (s *Scheduler) RequeueDeferred(ctx context.Context, month model.Month) (int, error) {
	statuses, err := s.store.ListMonthStatuses(ctx, month)
	if err != nil {
		return 0, eris.Wrapf(err, "scheduler: statuses for %s", month)
	}
	now := s.now()
	n := 0
	for i := range statuses {
		st := &statuses[i]
		if st.State != model.SyncQueued || st.RateLimited(now) {
			continue
		}
		if st.TaskID != "" {
			if t, err := s.store.GetTask(ctx, st.TaskID); err == nil && t != nil && !t.State.Terminal() {
				continue
			}
		}
		if _, err := s.Request(ctx, st.Key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// runTask executes one claimed task end to end. All outcomes are
// persisted; runTask itself never fails the worker pool.
func (s *Scheduler) runTask(ctx context.Context, t *model.Task) {
	log := s.log.With(zap.String("key", t.Key.String()), zap.String("task", t.ID))

	ok, err := s.store.AcquireClaim(ctx, t.Key, s.owner, s.cfg.ClaimTTL)
	if err != nil {
		log.Error("claim acquire failed", zap.Error(err))
		s.finishTask(ctx, t, model.TaskFailure, "claim: "+err.Error())
		return
	}
	if !ok {
		// Another process is pulling this key; the task is redundant.
		log.Info("key claimed elsewhere, skipping task")
		s.finishTask(ctx, t, model.TaskSkipped, "claimed by another worker")
		return
	}
	defer func() {
		if err := s.store.ReleaseClaim(ctx, t.Key, s.owner); err != nil {
			log.Warn("claim release failed", zap.Error(err))
		}
	}()

	st, err := s.store.GetSyncStatus(ctx, t.Key)
	if err != nil {
		log.Error("status load failed", zap.Error(err))
		s.finishTask(ctx, t, model.TaskFailure, "status: "+err.Error())
		return
	}
	if st == nil {
		st = &model.SyncStatus{Key: t.Key, RateLimitKind: model.RateLimitNone}
	}

	now := s.now()
	if st.RateLimited(now) {
		s.deferTask(ctx, t, st, log)
		return
	}

	st.State = model.SyncRunning
	st.TaskID = t.ID
	st.LastOperationAt = now
	st.LastMessage = ""
	if err := s.store.UpsertSyncStatus(ctx, st); err != nil {
		log.Error("status write failed", zap.Error(err))
		s.finishTask(ctx, t, model.TaskFailure, "status: "+err.Error())
		return
	}

	p, err := s.reg.Get(t.Key.Provider)
	if err != nil {
		s.fail(ctx, t, st, err, log)
		return
	}

	log.Info("pull started")
	acts, err := resilience.DoVal(ctx, s.retryConfig(t.Key, st), func(ctx context.Context) ([]model.NormalizedActivity, error) {
		return p.FetchMonth(ctx, t.Key.Month)
	})

	switch {
	case err == nil:
		s.succeed(ctx, t, st, acts, log)
	default:
		if rl, isRL := provider.AsRateLimit(err); isRL {
			s.rateLimited(ctx, t, st, rl, log)
			return
		}
		if ae, isAuth := provider.AsAuth(err); isAuth {
			st.LastMessage = ae.Error()
			s.fail(ctx, t, st, err, log)
			return
		}
		s.fail(ctx, t, st, err, log)
	}
}

func (s *Scheduler) retryConfig(key model.SyncKey, st *model.SyncStatus) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    s.cfg.MaxAttempts,
		InitialBackoff: s.cfg.BackoffBase,
		MaxBackoff:     s.cfg.BackoffCap,
		ShouldRetry: func(err error) bool {
			// Rate-limit and auth errors abort immediately; only genuine
			// transients consume the retry budget.
			if _, ok := provider.AsRateLimit(err); ok {
				return false
			}
			if _, ok := provider.AsAuth(err); ok {
				return false
			}
			return provider.IsTransient(err)
		},
		OnRetry: func(attempt int, err error) {
			st.Attempts = attempt
			s.log.Warn("retrying pull",
				zap.String("key", key.String()),
				zap.Int("attempt", attempt),
				zap.Error(err))
		},
	}
}

func (s *Scheduler) succeed(ctx context.Context, t *model.Task, st *model.SyncStatus, acts []model.NormalizedActivity, log *zap.Logger) {
	if err := s.store.ReplaceProviderMonth(ctx, t.Key, acts); err != nil {
		s.fail(ctx, t, st, eris.Wrapf(err, "scheduler: store %s", t.Key), log)
		return
	}

	// Fresh data invalidates the cached month review.
	if err := s.store.SetMonthReview(ctx, t.Key.Month, model.ReviewUnknown); err != nil {
		log.Warn("month review invalidation failed", zap.Error(err))
	}

	now := s.now()
	st.State = model.SyncSuccess
	st.LastOperationAt = now
	st.LastMessage = fmt.Sprintf("%d activities", len(acts))
	st.RateLimitKind = model.RateLimitNone
	st.RateLimitReset = time.Time{}
	st.Attempts = 0
	if err := s.store.UpsertSyncStatus(ctx, st); err != nil {
		log.Error("status write failed", zap.Error(err))
	}
	s.mu.Lock()
	delete(s.deferrals, t.Key)
	s.mu.Unlock()

	s.finishTask(ctx, t, model.TaskSuccess, st.LastMessage)
	log.Info("pull complete", zap.Int("activities", len(acts)))
}

func (s *Scheduler) fail(ctx context.Context, t *model.Task, st *model.SyncStatus, err error, log *zap.Logger) {
	st.State = model.SyncError
	st.LastOperationAt = s.now()
	st.LastMessage = err.Error()
	if upErr := s.store.UpsertSyncStatus(ctx, st); upErr != nil {
		log.Error("status write failed", zap.Error(upErr))
	}
	s.finishTask(ctx, t, model.TaskFailure, err.Error())
	log.Error("pull failed", zap.Error(err))
}

// rateLimited records the throttle window and returns the key to the
// queue. The retry budget is untouched; only real failures consume it.
func (s *Scheduler) rateLimited(ctx context.Context, t *model.Task, st *model.SyncStatus, rl *provider.RateLimitError, log *zap.Logger) {
	now := s.now()
	reset := rl.ResetAt
	if reset.IsZero() {
		switch rl.Kind {
		case model.RateLimitLongTerm:
			reset = provider.NextMidnightUTC(now)
		default:
			reset = provider.NextQuarterHour(now)
		}
	}
	if rl.RetryAfter > 0 && now.Add(rl.RetryAfter).After(reset) {
		reset = now.Add(rl.RetryAfter)
	}

	st.State = model.SyncQueued
	st.TaskID = ""
	st.LastOperationAt = now
	st.LastMessage = rl.Error()
	st.RateLimitKind = rl.Kind
	st.RateLimitReset = reset
	if err := s.store.UpsertSyncStatus(ctx, st); err != nil {
		log.Error("status write failed", zap.Error(err))
	}

	s.finishTask(ctx, t, model.TaskSkipped, "rate limited until "+reset.UTC().Format(time.RFC3339))
	s.noteDeferral(t.Key, rl, log)
}

// deferTask handles a task dequeued while its key's recorded window is
// still open: skip it without touching the provider.
func (s *Scheduler) deferTask(ctx context.Context, t *model.Task, st *model.SyncStatus, log *zap.Logger) {
	st.State = model.SyncQueued
	st.TaskID = ""
	if err := s.store.UpsertSyncStatus(ctx, st); err != nil {
		log.Error("status write failed", zap.Error(err))
	}
	s.finishTask(ctx, t, model.TaskSkipped, "deferred until "+st.RateLimitReset.UTC().Format(time.RFC3339))
	log.Info("pull deferred", zap.Time("reset", st.RateLimitReset))
}

func (s *Scheduler) noteDeferral(key model.SyncKey, rl *provider.RateLimitError, log *zap.Logger) {
	s.mu.Lock()
	s.deferrals[key]++
	n := s.deferrals[key]
	s.mu.Unlock()
	if s.cfg.RateLimitAlertAfter > 0 && n >= s.cfg.RateLimitAlertAfter {
		log.Warn("provider repeatedly rate limited",
			zap.String("kind", string(rl.Kind)),
			zap.Int("consecutive_deferrals", n))
		return
	}
	log.Info("pull rate limited", zap.String("kind", string(rl.Kind)), zap.Time("reset", rl.ResetAt))
}

func (s *Scheduler) finishTask(ctx context.Context, t *model.Task, state model.TaskState, msg string) {
	if err := s.store.UpdateTask(ctx, t.ID, state, msg); err != nil {
		s.log.Error("task update failed", zap.String("task", t.ID), zap.Error(err))
	}
}
