package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/docketspace/billing/internal/logger"
)

// Status is the scheduler state reported on /scheduler/status.
type Status struct {
	Running       bool       `json:"running"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	ProcessedLast int        `json:"processed_last"`
	TickInterval  string     `json:"tick_interval"`
}

// Scheduler runs the sweeper on a fixed interval. It is optional;
// deployments driven purely by the external cron endpoint leave it
// stopped.
type Scheduler struct {
	sweeper      *Sweeper
	tickInterval time.Duration
	logger       *logger.Logger

	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
	lastRun    *time.Time
	nextRun    *time.Time
	lastResult *Result
}

func NewScheduler(sweeper *Sweeper, tickInterval time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		sweeper:      sweeper,
		tickInterval: tickInterval,
		logger:       log,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the background tick loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting renewal scheduler", "tick_interval", s.tickInterval)

	s.wg.Add(1)
	go s.run()
}

// Stop waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping renewal scheduler, waiting for current sweep")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("renewal scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.setNextRun(time.Now().Add(s.tickInterval))

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
			s.setNextRun(time.Now().Add(s.tickInterval))
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	now := time.Now()
	s.mu.Lock()
	s.lastRun = &now
	s.mu.Unlock()

	result := s.sweeper.Run(ctx)

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()
}

func (s *Scheduler) setNextRun(t time.Time) {
	s.mu.Lock()
	s.nextRun = &t
	s.mu.Unlock()
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() *Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &Status{
		Running:      s.running,
		LastRun:      s.lastRun,
		NextRun:      s.nextRun,
		TickInterval: s.tickInterval.String(),
	}
	if s.lastResult != nil {
		status.ProcessedLast = s.lastResult.Processed
	}
	return status
}

// IsRunning reports whether the tick loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
