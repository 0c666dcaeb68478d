// Package scheduler runs the pipeline on an interval and on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/rentals-lake/etl/pkg/pipeline"
	"github.com/malbeclabs/rentals-lake/utils/pkg/retry"
)

var (
	// ErrBusy is returned when a run is already in progress.
	ErrBusy = errors.New("a pipeline run is already in progress")
	// ErrNotStarted is returned when a run is triggered before Run.
	ErrNotStarted = errors.New("scheduler is not running")
)

type Runner interface {
	Run(ctx context.Context, opts pipeline.RunOptions) (*pipeline.RunReport, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Runner   Runner
	Interval time.Duration
	// Retries is how many times a run failing with a retryable error is
	// repeated, RetryDelay apart.
	Retries        int
	RetryDelay     time.Duration
	SkipInitialRun bool
	// OnFailure, if set, is called with every failed run after retries.
	OnFailure func(report *pipeline.RunReport, err error)
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if cfg.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Scheduler struct {
	log *slog.Logger
	cfg Config

	busy atomic.Bool
	wg   sync.WaitGroup

	mu     sync.Mutex
	ctx    context.Context
	latest *pipeline.RunReport

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg, readyCh: make(chan struct{})}, nil
}

// Ready reports whether a run has succeeded since startup.
func (s *Scheduler) Ready() bool {
	select {
	case <-s.readyCh:
		return true
	default:
		return false
	}
}

// WaitReady blocks until a run has succeeded or ctx is done.
func (s *Scheduler) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for first run: %w", ctx.Err())
	}
}

// Busy reports whether a run is in progress.
func (s *Scheduler) Busy() bool {
	return s.busy.Load()
}

// Latest returns the report of the most recent run attempt, or nil.
func (s *Scheduler) Latest() *pipeline.RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Run blocks, running the pipeline every interval until ctx is done. Ticks
// that arrive while a run is in progress are dropped. It waits for triggered
// runs to return before exiting.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	defer func() {
		// Triggers check ctx and Add under mu, so none can start once it is cleared.
		s.mu.Lock()
		s.ctx = nil
		s.mu.Unlock()
		s.wg.Wait()
	}()

	s.log.Info("scheduler: starting", "interval", s.cfg.Interval, "skip_initial_run", s.cfg.SkipInitialRun)
	if !s.cfg.SkipInitialRun {
		s.tick(ctx)
	}

	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler: stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Warn("scheduler: previous run still in progress, skipping tick")
		return
	}
	defer s.busy.Store(false)
	s.execute(ctx, pipeline.RunOptions{Trigger: "schedule"})
}

// Trigger starts a run in the background. It returns ErrNotStarted unless Run
// is active and ErrBusy when a run is already in progress.
func (s *Scheduler) Trigger(opts pipeline.RunOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.ctx
	if ctx == nil {
		return ErrNotStarted
	}
	if !s.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	if opts.Trigger == "" {
		opts.Trigger = "api"
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.execute(ctx, opts)
	}()
	return nil
}

func (s *Scheduler) execute(ctx context.Context, opts pipeline.RunOptions) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: run panicked", "panic", r)
		}
	}()

	for attempt := 0; ; attempt++ {
		report, err := s.cfg.Runner.Run(ctx, opts)
		if report != nil {
			s.mu.Lock()
			s.latest = report
			s.mu.Unlock()
		}
		if err == nil {
			if !opts.DryRun && !opts.ValidateOnly {
				s.readyOnce.Do(func() { close(s.readyCh) })
			}
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		if attempt >= s.cfg.Retries || !retry.IsRetryable(err) {
			s.log.Error("scheduler: run failed", "trigger", opts.Trigger, "attempts", attempt+1, "error", err)
			if s.cfg.OnFailure != nil {
				s.cfg.OnFailure(report, err)
			}
			return
		}
		s.log.Warn("scheduler: run failed, retrying", "trigger", opts.Trigger, "attempt", attempt+1, "delay", s.cfg.RetryDelay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Clock.After(s.cfg.RetryDelay):
		}
	}
}
