package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_TicksOnInterval(t *testing.T) {
	s := New(Config{MaxConcurrentTicks: 5})

	var ticks int32
	err := s.Register("inst-1", 10*time.Millisecond, func(ctx context.Context, instanceID string) error {
		atomic.AddInt32(&ticks, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	time.Sleep(55 * time.Millisecond)
	s.Unregister("inst-1")

	if atomic.LoadInt32(&ticks) < 2 {
		t.Fatalf("expected multiple ticks, got %d", ticks)
	}
}

func TestScheduler_RegisterTwiceFails(t *testing.T) {
	s := New(Config{})
	s.Register("inst-1", time.Second, func(ctx context.Context, instanceID string) error { return nil })
	defer s.Unregister("inst-1")

	if err := s.Register("inst-1", time.Second, func(ctx context.Context, instanceID string) error { return nil }); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}

func TestScheduler_BoundsGlobalConcurrency(t *testing.T) {
	s := New(Config{MaxConcurrentTicks: 2})

	var running int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	block := make(chan struct{})
	slowTick := func(ctx context.Context, instanceID string) error {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		<-block
		atomic.AddInt32(&running, -1)
		return nil
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runBounded(context.Background(), "inst", time.Hour, slowTick)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	if maxConcurrent > 2 {
		t.Fatalf("expected at most 2 concurrent ticks, got %d", maxConcurrent)
	}
}

func TestScheduler_UnregisterStopsWorker(t *testing.T) {
	s := New(Config{})

	var ticks int32
	s.Register("inst-1", 5*time.Millisecond, func(ctx context.Context, instanceID string) error {
		atomic.AddInt32(&ticks, 1)
		return nil
	})

	time.Sleep(20 * time.Millisecond)
	s.Unregister("inst-1")
	countAtStop := atomic.LoadInt32(&ticks)

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&ticks) != countAtStop {
		t.Fatalf("expected no ticks after unregister, got %d more", atomic.LoadInt32(&ticks)-countAtStop)
	}
}

func TestScheduler_IsRegistered(t *testing.T) {
	s := New(Config{})
	if s.IsRegistered("inst-1") {
		t.Fatal("expected not registered")
	}
	s.Register("inst-1", time.Hour, func(ctx context.Context, instanceID string) error { return nil })
	if !s.IsRegistered("inst-1") {
		t.Fatal("expected registered")
	}
	s.Unregister("inst-1")
	if s.IsRegistered("inst-1") {
		t.Fatal("expected unregistered")
	}
}

func TestScheduler_Shutdown_StopsAllWorkers(t *testing.T) {
	s := New(Config{})
	for _, id := range []string{"a", "b", "c"} {
		s.Register(id, time.Hour, func(ctx context.Context, instanceID string) error { return nil })
	}
	s.Shutdown()

	for _, id := range []string{"a", "b", "c"} {
		if s.IsRegistered(id) {
			t.Fatalf("expected %s unregistered after shutdown", id)
		}
	}
}
