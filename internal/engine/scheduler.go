package engine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Scheduler funnels periodic ticks, foreground events, and manual refresh
// triggers into the engine's single coalescing sync entry point.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	cooldown time.Duration
	logger   Logger

	mu             sync.Mutex
	running        bool
	stopChan       chan struct{}
	triggers       chan struct{}
	lastForeground time.Time
}

// NewScheduler returns a Scheduler ticking at interval, with foreground
// triggers gated by cooldown.
func NewScheduler(e *Engine, interval, cooldown time.Duration, logger Logger) *Scheduler {
	return &Scheduler{
		engine:   e,
		interval: interval,
		cooldown: cooldown,
		logger:   logger,
		stopChan: make(chan struct{}),
		triggers: make(chan struct{}, 1),
	}
}

// Start begins the background sync loop. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runPass("tick")
			case <-s.triggers:
				s.runPass("trigger")
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Stop halts the loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
}

// RefreshNow requests an immediate pass (manual pull-to-refresh). A pass
// already in flight absorbs the request.
func (s *Scheduler) RefreshNow() {
	select {
	case s.triggers <- struct{}{}:
	default:
	}
}

// Foregrounded requests a pass if the cooldown since the last foreground
// trigger has elapsed.
func (s *Scheduler) Foregrounded() {
	s.mu.Lock()
	if time.Since(s.lastForeground) < s.cooldown {
		s.mu.Unlock()
		return
	}
	s.lastForeground = time.Now()
	s.mu.Unlock()
	s.RefreshNow()
}

// runPass executes one sync, logging failures as passive warnings. An
// in-flight pass or a cancellation is silent.
func (s *Scheduler) runPass(reason string) {
	summary, err := s.engine.Sync(context.Background())
	if err != nil {
		if errors.Is(err, ErrSyncInFlight) || errors.Is(err, context.Canceled) {
			return
		}
		s.logf("[scheduler] sync (%s) failed: %v", reason, err)
		return
	}
	for _, z := range summary.Failed() {
		s.logf("[scheduler] zone %s: %s", z.Zone, z.Error)
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
