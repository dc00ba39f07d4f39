package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clmmrun/strategy-runtime/infrastructure/logging"
	"github.com/clmmrun/strategy-runtime/infrastructure/metrics"
	"github.com/clmmrun/strategy-runtime/system/framework/lifecycle"
)

// schedulerShutdownGrace bounds how long Shutdown waits for in-flight ticks
// across every worker before giving up and returning control to the caller.
const schedulerShutdownGrace = 10 * time.Second

// TickFunc runs one instance's scheduled tick. Implementations serialize
// their own instance-scoped state: the Scheduler only bounds
// concurrency and cadence, it does not lock instance state itself.
type TickFunc func(ctx context.Context, instanceID string) error

// Scheduler drives one worker per registered instance at its configured
// cadence, bounded by a global in-flight semaphore.
type Scheduler struct {
	mu           sync.Mutex
	workers      map[string]*worker
	cancels      map[string]context.CancelFunc
	sem          chan struct{}
	logger       *logging.Logger
	metrics      *metrics.Metrics
	instanceType func(instanceID string) string

	// inFlight tracks ticks currently executing so Shutdown can reject new
	// ones and wait for the rest to drain within schedulerShutdownGrace.
	inFlight *lifecycle.GracefulShutdown
}

// Config configures a Scheduler.
type Config struct {
	MaxConcurrentTicks int // default 10
	Logger             *logging.Logger
	Metrics            *metrics.Metrics
	// InstanceType resolves an instance's type label for metrics; optional.
	InstanceType func(instanceID string) string
}

func New(cfg Config) *Scheduler {
	cap := cfg.MaxConcurrentTicks
	if cap <= 0 {
		cap = 10
	}
	instanceType := cfg.InstanceType
	if instanceType == nil {
		instanceType = func(string) string { return "" }
	}
	return &Scheduler{
		workers:      make(map[string]*worker),
		cancels:      make(map[string]context.CancelFunc),
		sem:          make(chan struct{}, cap),
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		instanceType: instanceType,
		inFlight:     lifecycle.NewGracefulShutdown(),
	}
}

// Register starts ticking instanceID on cadence interval, calling tick once
// per period. A tick that exceeds 2*interval without completing is logged
// and allowed to finish; the next tick is skipped for that instance — the
// worker's ticker naturally enforces no-overlap since tick runs synchronously
// inside the ticker loop.
func (s *Scheduler) Register(instanceID string, interval time.Duration, tick TickFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[instanceID]; exists {
		return fmt.Errorf("scheduler: instance %s already registered", instanceID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[instanceID] = cancel

	w := newWorker(workerConfig{
		Name:     instanceID,
		Interval: interval,
		Logger:   s.logger,
		Fn: func(tickCtx context.Context) error {
			return s.runBounded(tickCtx, instanceID, interval, tick)
		},
	})
	s.workers[instanceID] = w

	return w.Start(ctx)
}

// runBounded acquires the global semaphore, runs tick, and logs (without
// aborting) a tick that overruns 2*interval.
func (s *Scheduler) runBounded(ctx context.Context, instanceID string, interval time.Duration, tick TickFunc) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	guard := lifecycle.NewOperationGuard(s.inFlight)
	if guard == nil {
		return nil
	}
	defer guard.Close()

	start := time.Now()
	watchdog := time.AfterFunc(2*interval, func() {
		if s.logger != nil {
			s.logger.WithFields(map[string]interface{}{
				"instance": instanceID,
				"elapsed":  time.Since(start).String(),
			}).Warn("scheduler: tick exceeded 2x interval, still running")
		}
	})
	defer watchdog.Stop()

	err := tick(ctx, instanceID)

	if s.metrics != nil {
		decision := "ok"
		if err != nil {
			decision = "error"
		}
		s.metrics.RecordTick(s.instanceType(instanceID), decision, time.Since(start))
	}

	return err
}

// Unregister stops instanceID's worker, cancelling any in-flight tick
// cooperatively.
func (s *Scheduler) Unregister(instanceID string) {
	s.mu.Lock()
	w, ok := s.workers[instanceID]
	cancel := s.cancels[instanceID]
	delete(s.workers, instanceID)
	delete(s.cancels, instanceID)
	s.mu.Unlock()

	if !ok {
		return
	}
	if cancel != nil {
		cancel()
	}
	w.Stop()
}

// IsRegistered reports whether instanceID currently has a running worker.
func (s *Scheduler) IsRegistered(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[instanceID]
	return ok
}

// Shutdown rejects any tick that hasn't already started, cancels every
// registered worker, and waits up to schedulerShutdownGrace for in-flight
// ticks to return before giving up control to the caller.
func (s *Scheduler) Shutdown() {
	s.inFlight.Shutdown()

	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				s.Unregister(id)
			}(id)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(schedulerShutdownGrace):
		if s.logger != nil {
			s.logger.WithFields(map[string]interface{}{
				"grace": schedulerShutdownGrace.String(),
			}).Warn("scheduler: shutdown timed out waiting for in-flight ticks")
		}
	}
}
