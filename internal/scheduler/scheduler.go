package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/BlackWatch0/avocado/internal/config"
	"github.com/BlackWatch0/avocado/internal/model"
)

// Runner is the sync entry point the scheduler drives.
type Runner interface {
	RunOnce(ctx context.Context, trigger string, windowStart, windowEnd *time.Time) model.SyncResult
}

// Scheduler serializes runs: one startup pass, then one run per interval
// tick or manual signal, whichever fires first. Runs never overlap because
// the loop itself executes them.
type Scheduler struct {
	engine Runner
	cfg    *config.Store
	logger zerolog.Logger

	manual   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New(engine Runner, cfg *config.Store, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		cfg:    cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
		manual: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the loop in its own goroutine. The context bounds every
// run; cancel it to abort an in-flight pass during shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.engine.RunOnce(ctx, model.TriggerStartup, nil, nil)
	for {
		trigger := ""
		timer := time.NewTimer(s.interval())
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-s.manual:
			timer.Stop()
			trigger = model.TriggerManual
		case <-timer.C:
			trigger = model.TriggerScheduled
		}
		// A stop racing a pending signal wins; the signal is dropped.
		select {
		case <-s.stop:
			return
		default:
		}
		s.engine.RunOnce(ctx, trigger, nil, nil)
	}
}

// interval reloads the configured cadence on every wait, so edits through
// the admin API take effect without a restart.
func (s *Scheduler) interval() time.Duration {
	seconds := 300
	if cfg, err := s.cfg.Load(); err == nil {
		seconds = cfg.Sync.IntervalSeconds
	}
	if seconds < 30 {
		seconds = 30
	}
	return time.Duration(seconds) * time.Second
}

// TriggerManual queues one manual run. A signal already pending is enough;
// extra triggers collapse into it.
func (s *Scheduler) TriggerManual() {
	select {
	case s.manual <- struct{}{}:
	default:
	}
}

// Stop ends the loop and waits for it to drain, bounded so shutdown never
// hangs behind a stuck run.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("scheduler did not stop in time")
	}
}
