package engine

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler fires analysis cycles at a fixed interval. Start and Stop are
// idempotent; Stop cancels the wait between cycles but never a cycle that
// is already in flight.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   log.New(log.Writer(), "[scheduler] ", log.LstdFlags),
	}
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.stopCh)
	s.logger.Printf("started, interval %s", s.interval)
}

// Stop halts the loop and waits for an in-flight cycle to finish. Calling
// Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Printf("stopped")
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.engine.RunAnalysisCycle(context.Background()); err != nil {
				s.logger.Printf("cycle failed: %v", err)
			}
		}
	}
}
