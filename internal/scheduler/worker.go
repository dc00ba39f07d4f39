// Package scheduler drives per-instance ticks on their configured cadence,
// bounded by a global concurrency semaphore.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clmmrun/strategy-runtime/infrastructure/logging"
)

// worker runs fn on a fixed interval until stopped or its context is done.
// One worker exists per scheduled instance.
type worker struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	logger   *logging.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	mu      sync.Mutex
}

type workerConfig struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
	Logger   *logging.Logger
}

func newWorker(cfg workerConfig) *worker {
	return &worker{
		name:     cfg.Name,
		interval: cfg.Interval,
		fn:       cfg.Fn,
		logger:   cfg.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (w *worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("scheduler: worker %s already running", w.name)
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

func (w *worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
}

func (w *worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.doneCh)
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.fn(ctx); err != nil && w.logger != nil {
				w.logger.WithFields(map[string]interface{}{
					"worker": w.name,
					"error":  err.Error(),
				}).Warn("scheduler tick failed")
			}
		}
	}
}
