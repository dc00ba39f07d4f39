package chain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	rterrors "github.com/clmmrun/strategy-runtime/infrastructure/errors"
)

func TestDispatch_FailsOverToNextEndpoint(t *testing.T) {
	g, err := NewGateway(Config{Endpoints: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	var called []string
	err = g.Dispatch(context.Background(), func(ctx context.Context, url string) error {
		called = append(called, url)
		if url == "a" {
			return rterrors.TransientRPC("test", errors.New("boom"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(called) != 2 || called[0] != "a" || called[1] != "b" {
		t.Fatalf("expected failover a->b, got %v", called)
	}
}

func TestDispatch_NonRetryableShortCircuits(t *testing.T) {
	g, _ := NewGateway(Config{Endpoints: []string{"a", "b"}})

	var calls int
	err := g.Dispatch(context.Background(), func(ctx context.Context, url string) error {
		calls++
		return rterrors.OnChainTerminal("test", errors.New("insufficient funds"))
	})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for a non-retryable error, got %d", calls)
	}
}

func TestMarkFailure_CooldownGrowsExponentiallyAndCaps(t *testing.T) {
	g, _ := NewGateway(Config{
		Endpoints:    []string{"a"},
		CooldownBase: 2 * time.Second,
		CooldownMax:  8 * time.Second,
	})

	g.markFailure("a", errors.New("e1"))
	ep := g.Endpoints()[0]
	if d := time.Until(ep.CooldownUntil); d <= 0 || d > 3*time.Second {
		t.Fatalf("expected ~2s cooldown after first failure, got %s", d)
	}

	g.markFailure("a", errors.New("e2"))
	ep = g.Endpoints()[0]
	if d := time.Until(ep.CooldownUntil); d <= 3*time.Second || d > 5*time.Second {
		t.Fatalf("expected ~4s cooldown after second failure, got %s", d)
	}

	g.markFailure("a", errors.New("e3"))
	g.markFailure("a", errors.New("e4"))
	ep = g.Endpoints()[0]
	if d := time.Until(ep.CooldownUntil); d > 9*time.Second {
		t.Fatalf("expected cooldown capped at 8s, got %s", d)
	}
}

func TestConfirmSignature_Confirmed(t *testing.T) {
	g, _ := NewGateway(Config{Endpoints: []string{"a"}, ConfirmPollEvery: 10 * time.Millisecond})

	result, err := g.ConfirmSignature(context.Background(), "sig1", time.Second, func(ctx context.Context, sig string) (bool, error, error) {
		return true, nil, nil
	})
	if err != nil {
		t.Fatalf("ConfirmSignature: %v", err)
	}
	if result != Confirmed {
		t.Fatalf("expected Confirmed, got %s", result)
	}
}

func TestConfirmSignature_FailedOnChain(t *testing.T) {
	g, _ := NewGateway(Config{Endpoints: []string{"a"}, ConfirmPollEvery: 10 * time.Millisecond})

	result, err := g.ConfirmSignature(context.Background(), "sig1", time.Second, func(ctx context.Context, sig string) (bool, error, error) {
		return true, errors.New("program error"), nil
	})
	if err == nil {
		t.Fatal("expected error for on-chain failure")
	}
	if result != FailedOnChain {
		t.Fatalf("expected FailedOnChain, got %s", result)
	}
}

func TestBestEndpoint_ConcurrentFallbackIsRaceFree(t *testing.T) {
	g, _ := NewGateway(Config{Endpoints: []string{"a", "b", "c"}})

	// Put every endpoint on cooldown so bestEndpoint exercises its
	// no-healthy-candidates fallback path on every call.
	for _, url := range []string{"a", "b", "c"} {
		g.markFailure(url, errors.New("down"))
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = g.bestEndpoint()
		}()
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				g.markFailure("a", errors.New("still down"))
			} else {
				g.markSuccess("a", time.Millisecond)
			}
		}(i)
	}
	wg.Wait()
}

func TestConfirmSignature_Timeout(t *testing.T) {
	g, _ := NewGateway(Config{Endpoints: []string{"a"}, ConfirmPollEvery: 5 * time.Millisecond})

	result, err := g.ConfirmSignature(context.Background(), "sig1", 30*time.Millisecond, func(ctx context.Context, sig string) (bool, error, error) {
		return false, nil, nil
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if result != Timeout {
		t.Fatalf("expected Timeout, got %s", result)
	}
}
