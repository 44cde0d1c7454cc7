package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RunFunc is called when the schedule fires. The scheduled flag marks
// the run as timer-initiated rather than user-initiated.
type RunFunc func(ctx context.Context, scheduled bool) error

// Scheduler drives the diagnosis schedule with a single timer.
type Scheduler struct {
	logger *slog.Logger
	store  *Store
	run    RunFunc
	now    func() time.Time

	mu        sync.Mutex
	timer     *time.Timer
	running   bool
	cancelRun context.CancelFunc
}

// New creates a scheduler. The run callback is invoked on each fire.
func New(logger *slog.Logger, store *Store, run RunFunc) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		store:  store,
		run:    run,
		now:    time.Now,
	}
}

// Start loads the persisted schedule and arms the timer. Returns
// without blocking.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	cfg, err := s.store.Get()
	if err != nil {
		return err
	}
	s.arm(cfg)

	s.logger.Debug("scheduler started", "enabled", cfg.Enabled)
	return nil
}

// Stop cancels the timer and signals any in-flight run to stop. It
// does not wait for the run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// Update validates the partial update, merges it onto the stored
// schedule, persists the result, and rearms the timer. A disabled
// result disarms the timer. Fields the patch leaves nil keep their
// stored values.
func (s *Scheduler) Update(p *Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cfg, err := s.store.Get()
	if err != nil {
		return err
	}
	p.Apply(cfg)
	if err := s.store.Put(cfg); err != nil {
		return err
	}
	s.arm(cfg)

	s.logger.Info("schedule updated",
		"enabled", cfg.Enabled,
		"frequency", cfg.Frequency,
		"time", cfg.Time,
	)
	return nil
}

// Current returns the stored schedule with its computed next run.
func (s *Scheduler) Current() (*Config, error) {
	cfg, err := s.store.Get()
	if err != nil {
		return nil, err
	}
	if next, ok := cfg.Next(s.now()); ok {
		cfg.NextRun = &next
	} else {
		cfg.NextRun = nil
	}
	return cfg, nil
}

// arm replaces any existing timer with one for the schedule's next
// fire time.
func (s *Scheduler) arm(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.running {
		return
	}

	next, ok := cfg.Next(s.now())
	if !ok {
		s.logger.Debug("schedule disarmed")
		return
	}

	delay := next.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.onFire)

	s.logger.Debug("schedule armed", "next", next, "delay", delay)
}

// onFire runs the callback and rearms for the following occurrence.
func (s *Scheduler) onFire() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	cfg, err := s.store.Get()
	if err != nil {
		s.logger.Error("failed to load schedule", "error", err)
		return
	}
	if !cfg.Enabled {
		return
	}

	s.logger.Info("scheduled diagnosis triggered")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	err = s.run(ctx, true)

	s.mu.Lock()
	s.cancelRun = nil
	s.mu.Unlock()
	cancel()

	if err != nil {
		s.logger.Error("scheduled diagnosis failed", "error", err)
	}

	// The schedule may have been replaced while the run was in
	// flight; rearm from the store, not the fire-time snapshot.
	cfg, err = s.store.Get()
	if err != nil {
		s.logger.Error("failed to reload schedule", "error", err)
		return
	}
	s.arm(cfg)
}
