// Package scheduler drives source runs on a timer, retries failed runs and
// keeps the same source configuration from running twice at once.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ObiAU/alertrelay/internal/models"
	"github.com/ObiAU/alertrelay/internal/pipeline"
	"github.com/ObiAU/alertrelay/internal/store"
)

var (
	ErrBusy       = errors.New("source is already running")
	ErrNotRunning = errors.New("scheduler is not running")
)

// Runner is the part of pipeline.Runner the scheduler drives.
type Runner interface {
	Due(ctx context.Context, now time.Time) ([]pipeline.Target, error)
	RunTarget(ctx context.Context, t pipeline.Target) (models.RunLog, error)
	RecordIdle(ctx context.Context)
	Prune(ctx context.Context, retention time.Duration) (pipeline.PruneResult, error)
}

type Options struct {
	Tick         time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	// Retention is the prune window. Zero disables pruning.
	Retention     time.Duration
	PruneInterval time.Duration
}

type State struct {
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	LastSweep *time.Time `json:"last_sweep,omitempty"`
	Sweeps    int64      `json:"sweeps"`
	Runs      int64      `json:"runs"`
	Retries   int64      `json:"retries"`
	Failures  int64      `json:"failures"`
	InFlight  []string   `json:"in_flight"`
}

type Scheduler struct {
	runner Runner
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	wg       sync.WaitGroup
	inFlight map[string]time.Time
	state    State
}

func New(runner Runner, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = 24 * time.Hour
	}
	return &Scheduler{
		runner:   runner,
		opts:     opts,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
		inFlight: make(map[string]time.Time),
	}
}

// Run sweeps once immediately, then on every tick until ctx is done. It
// waits for in-flight runs before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	started := s.now()
	s.ctx = ctx
	s.state.Running = true
	s.state.StartedAt = &started
	s.mu.Unlock()

	defer func() {
		s.wg.Wait()
		s.mu.Lock()
		s.ctx = nil
		s.state.Running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(s.opts.PruneInterval)
	defer pruneTicker.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("tick", s.opts.Tick),
		zap.Int("max_attempts", s.opts.MaxAttempts),
		zap.Duration("retry_backoff", s.opts.RetryBackoff))

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		case <-pruneTicker.C:
			s.prune(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	s.state.Sweeps++
	s.state.LastSweep = &now
	s.mu.Unlock()

	due, err := s.runner.Due(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due sources", zap.Error(err))
		return
	}
	if len(due) == 0 {
		s.runner.RecordIdle(ctx)
		return
	}

	started := 0
	for _, t := range due {
		if err := s.start(ctx, t); err != nil {
			s.logger.Debug("skipping source", zap.String("target", t.String()), zap.Error(err))
			continue
		}
		started++
	}
	s.logger.Debug("sweep finished", zap.Int("due", len(due)), zap.Int("started", started))
}

// Trigger starts an immediate run of t. It fails with ErrBusy when t is
// already running and ErrNotRunning before Run has been called.
func (s *Scheduler) Trigger(t pipeline.Target) error {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return ErrNotRunning
	}
	return s.start(ctx, t)
}

func (s *Scheduler) start(ctx context.Context, t pipeline.Target) error {
	key := t.String()
	s.mu.Lock()
	if _, busy := s.inFlight[key]; busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.inFlight[key] = s.now()
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, key)
			s.mu.Unlock()
		}()
		s.runWithRetry(ctx, t)
	}()
	return nil
}

func (s *Scheduler) runWithRetry(ctx context.Context, t pipeline.Target) {
	logger := s.logger.With(zap.String("target", t.String()))
	for attempt := 1; ; attempt++ {
		s.count(func(st *State) { st.Runs++ })
		entry, err := s.runner.RunTarget(ctx, t)
		if err == nil {
			logger.Debug("run finished", zap.String("status", string(entry.Status)), zap.Int("attempt", attempt))
			return
		}
		if !retryable(err) {
			s.count(func(st *State) { st.Failures++ })
			logger.Warn("run failed permanently", zap.Error(err))
			return
		}
		if attempt >= s.opts.MaxAttempts {
			s.count(func(st *State) { st.Failures++ })
			logger.Error("run failed, giving up", zap.Int("attempts", attempt), zap.Error(err))
			return
		}

		logger.Warn("run failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", s.opts.RetryBackoff),
			zap.Error(err))
		s.count(func(st *State) { st.Retries++ })

		timer := time.NewTimer(s.opts.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// retryable reports whether another attempt could succeed. Missing
// configuration does not fix itself between attempts.
func retryable(err error) bool {
	return !errors.Is(err, pipeline.ErrNotConfigured) &&
		!errors.Is(err, store.ErrNotFound) &&
		!errors.Is(err, context.Canceled)
}

func (s *Scheduler) prune(ctx context.Context) {
	if s.opts.Retention <= 0 {
		return
	}
	if _, err := s.runner.Prune(ctx, s.opts.Retention); err != nil {
		s.logger.Error("prune failed", zap.Error(err))
	}
}

func (s *Scheduler) count(fn func(*State)) {
	s.mu.Lock()
	fn(&s.state)
	s.mu.Unlock()
}

// State returns a snapshot for the admin API.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.InFlight = make([]string, 0, len(s.inFlight))
	for key := range s.inFlight {
		st.InFlight = append(st.InFlight, key)
	}
	sort.Strings(st.InFlight)
	return st
}
