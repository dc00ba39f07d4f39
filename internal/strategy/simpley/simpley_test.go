package simpley

import (
	"context"
	"sync"
	"testing"
	"time"

	ammpkg "github.com/clmmrun/strategy-runtime/internal/amm"
	"github.com/clmmrun/strategy-runtime/internal/domain"
	"github.com/clmmrun/strategy-runtime/internal/retrycoord"
	"github.com/clmmrun/strategy-runtime/internal/strategy"
	swappkg "github.com/clmmrun/strategy-runtime/internal/swap"
)

type fakeReader struct {
	mu        sync.Mutex
	activeBin int
}

func (f *fakeReader) GetPool(ctx context.Context, poolAddress string) (domain.Pool, error) {
	return domain.Pool{Address: poolAddress, DecimalsX: 6, DecimalsY: 9}, nil
}

func (f *fakeReader) GetActiveBin(ctx context.Context, poolAddress string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeBin, nil
}

func (f *fakeReader) setActiveBin(b int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeBin = b
}

func (f *fakeReader) GetPositionsForOwner(ctx context.Context, poolAddress, owner string) ([]domain.Position, error) {
	return nil, nil
}

type fakeWriter struct {
	openCount  int
	closeCount int
}

func (f *fakeWriter) OpenPosition(ctx context.Context, poolAddress string, lowerBin, upperBin int, side domain.Side, amountX, amountY string, slippageBps int) (string, string, error) {
	f.openCount++
	return "sig", "pos-1", nil
}

func (f *fakeWriter) ClosePosition(ctx context.Context, positionAddress string, slippageBps int) (string, string, string, string, string, error) {
	f.closeCount++
	return "sig", "0", "1000", "0", "1", nil
}

func (f *fakeWriter) HarvestFees(ctx context.Context, positionAddress string) (string, string, string, error) {
	return "sig", "0", "1", nil
}

type fakeAggregator struct{}

func (fakeAggregator) Quote(ctx context.Context, inputMint, outputMint, amountRaw string, slippageBps int, flags swappkg.ProtectionFlags) (swappkg.Quote, error) {
	return swappkg.Quote{Route: "r", MinOutRaw: "0"}, nil
}

func (fakeAggregator) Execute(ctx context.Context, route interface{}, wallet string) (swappkg.Result, error) {
	return swappkg.Result{TxSignature: "sig", OutAmountRaw: "0"}, nil
}

func newTestExecutor(reader *fakeReader, writer *fakeWriter, clock strategy.Clock) *Executor {
	a := ammpkg.NewAdapter(reader, writer)
	s := swappkg.NewAdapter(fakeAggregator{})
	r := retrycoord.New(nil)
	return New(a, s, r, nil, clock)
}

func baseConfig() map[string]interface{} {
	return map[string]interface{}{
		"pool-address":             "pool-1",
		"y-amount-raw":             "1000",
		"bin-range":                float64(10),
		"stop-loss-count":          float64(2),
		"stop-loss-bin-offset":     float64(5),
		"upward-timeout-seconds":   float64(300),
		"downward-timeout-seconds": float64(60),
		"slippage-bps":             float64(50),
	}
}

func TestSimpleY_OpensThenGoesInRange(t *testing.T) {
	reader := &fakeReader{activeBin: 500}
	writer := &fakeWriter{}
	e := newTestExecutor(reader, writer, nil)

	instance := &domain.Instance{ID: "inst-1"}
	if err := e.Initialize(context.Background(), instance, baseConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	result, err := e.Tick(context.Background(), instance)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Decision != strategy.DecisionHold {
		t.Fatalf("expected Hold after opening in-range, got %s", result.Decision)
	}
	if writer.openCount != 1 {
		t.Fatalf("expected exactly one open, got %d", writer.openCount)
	}
	if !result.Snapshot.InRange {
		t.Fatal("expected in-range snapshot")
	}
}

func TestSimpleY_RecentersAfterUpwardTimeout(t *testing.T) {
	reader := &fakeReader{activeBin: 500}
	writer := &fakeWriter{}

	now := time.Now()
	clock := func() time.Time { return now }
	e := newTestExecutor(reader, writer, clock)

	cfg := baseConfig()
	cfg["upward-timeout-seconds"] = float64(10)

	instance := &domain.Instance{ID: "inst-1"}
	e.Initialize(context.Background(), instance, cfg)
	e.Tick(context.Background(), instance) // opens, goes InRange

	reader.setActiveBin(512) // above [500,509]
	result, _ := e.Tick(context.Background(), instance)
	if result.Decision != strategy.DecisionHold {
		t.Fatalf("expected Hold entering OutOfRangeUp, got %s", result.Decision)
	}

	now = now.Add(11 * time.Second)
	result, err := e.Tick(context.Background(), instance)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Decision != strategy.DecisionRecenterUp {
		t.Fatalf("expected RecenterUp after timeout, got %s", result.Decision)
	}

	if err := e.Handle(context.Background(), instance, result); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if writer.closeCount != 1 || writer.openCount != 2 {
		t.Fatalf("expected one close and a re-open, got close=%d open=%d", writer.closeCount, writer.openCount)
	}
}

func TestSimpleY_StopLossTripsAfterConsecutiveTicks(t *testing.T) {
	reader := &fakeReader{activeBin: 500}
	writer := &fakeWriter{}
	e := newTestExecutor(reader, writer, nil)

	cfg := baseConfig()
	cfg["stop-loss-count"] = float64(1)
	cfg["stop-loss-bin-offset"] = float64(5)

	instance := &domain.Instance{ID: "inst-1"}
	e.Initialize(context.Background(), instance, cfg)
	e.Tick(context.Background(), instance) // opens [500,509], InRange

	reader.setActiveBin(494) // 500 - 6, below threshold 495
	result, _ := e.Tick(context.Background(), instance)
	if result.Decision != strategy.DecisionHold {
		t.Fatalf("expected Hold on first breach tick (state transition only), got %s", result.Decision)
	}

	result, err := e.Tick(context.Background(), instance)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Decision != strategy.DecisionStopLoss {
		t.Fatalf("expected StopLoss after consecutive breaches, got %s", result.Decision)
	}

	if err := e.Handle(context.Background(), instance, result); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if writer.closeCount != 1 {
		t.Fatalf("expected position closed on stop-loss, got %d closes", writer.closeCount)
	}
}

func TestSimpleY_Teardown_ClosesOpenPosition(t *testing.T) {
	reader := &fakeReader{activeBin: 500}
	writer := &fakeWriter{}
	e := newTestExecutor(reader, writer, nil)

	instance := &domain.Instance{ID: "inst-1"}
	e.Initialize(context.Background(), instance, baseConfig())
	e.Tick(context.Background(), instance)

	if err := e.Teardown(context.Background(), instance, "user-stop"); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if writer.closeCount != 1 {
		t.Fatalf("expected teardown to close position, got %d closes", writer.closeCount)
	}
}
