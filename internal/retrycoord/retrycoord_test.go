package retrycoord

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	rterrors "github.com/clmmrun/strategy-runtime/infrastructure/errors"
)

func fastPolicies() map[OperationType]Policy {
	return map[OperationType]Policy{
		OpPositionCreate: {
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			BackoffFactor:  2,
			Retryable:      map[rterrors.Category]bool{rterrors.CategoryTransientRPC: true},
		},
		OpPositionCleanup: {
			MaxAttempts: 3,
			Fixed:       time.Millisecond,
			Retryable:   map[rterrors.Category]bool{rterrors.CategoryTransientRPC: true},
		},
	}
}

func TestRun_RetriesTransientThenSucceeds(t *testing.T) {
	c := New(fastPolicies())

	var calls int32
	err := c.Run(context.Background(), "inst-1", OpPositionCreate, func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return rterrors.TransientRPC("test", nil)
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRun_NonRetryableShortCircuits(t *testing.T) {
	c := New(fastPolicies())

	var calls int32
	err := c.Run(context.Background(), "inst-1", OpPositionCreate, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return rterrors.OnChainTerminal("test", nil)
	}, nil)

	if err == nil {
		t.Fatal("expected terminal error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
}

func TestRun_ExhaustsMaxAttempts(t *testing.T) {
	c := New(fastPolicies())

	var calls int32
	err := c.Run(context.Background(), "inst-1", OpPositionCreate, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return rterrors.TransientRPC("test", nil)
	}, nil)

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRun_ValidatorFailureCountsAsFailedAttempt(t *testing.T) {
	c := New(fastPolicies())

	var opCalls, validateCalls int32
	err := c.Run(context.Background(), "inst-1", OpPositionCreate, func(ctx context.Context) error {
		atomic.AddInt32(&opCalls, 1)
		return nil
	}, func(ctx context.Context) error {
		n := atomic.AddInt32(&validateCalls, 1)
		if n < 2 {
			return rterrors.TransientRPC("validate", nil)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if opCalls != 2 || validateCalls != 2 {
		t.Fatalf("expected op/validate retried together, got op=%d validate=%d", opCalls, validateCalls)
	}
}

func TestRun_SerializesPerInstanceAndOperationType(t *testing.T) {
	c := New(fastPolicies())

	var running int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(context.Background(), "inst-1", OpPositionCleanup, func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&maxConcurrent)
					if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			}, nil)
		}()
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Fatalf("expected serialized execution, max concurrent was %d", maxConcurrent)
	}
}

func TestRun_DifferentInstancesRunConcurrently(t *testing.T) {
	c := New(fastPolicies())

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan struct{}, 2)

	for _, id := range []string{"inst-1", "inst-2"} {
		wg.Add(1)
		go func(instanceID string) {
			defer wg.Done()
			<-start
			c.Run(context.Background(), instanceID, OpPositionCleanup, func(ctx context.Context) error {
				results <- struct{}{}
				return nil
			}, nil)
		}(id)
	}

	close(start)
	wg.Wait()
	close(results)

	count := 0
	for range results {
		count++
	}
	if count != 2 {
		t.Fatalf("expected both instances to run, got %d", count)
	}
}
