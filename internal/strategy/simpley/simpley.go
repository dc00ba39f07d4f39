// Package simpley implements the Simple-Y Executor: a
// single-sided Y range position with upward/downward timeouts and a
// consecutive-trip stop-loss.
package simpley

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/clmmrun/strategy-runtime/internal/amm"
	"github.com/clmmrun/strategy-runtime/internal/analytics"
	rterrors "github.com/clmmrun/strategy-runtime/infrastructure/errors"
	"github.com/clmmrun/strategy-runtime/internal/domain"
	"github.com/clmmrun/strategy-runtime/internal/retrycoord"
	"github.com/clmmrun/strategy-runtime/internal/strategy"
	"github.com/clmmrun/strategy-runtime/internal/swap"
)

// State is one of the Simple-Y state machine's states.
type State string

const (
	StateInit          State = "Init"
	StateOpening       State = "Opening"
	StateInRange       State = "InRange"
	StateOutOfRangeUp   State = "OutOfRangeUp"
	StateOutOfRangeDown State = "OutOfRangeDown"
	StateRecentering    State = "Recentering"
	StateClosing        State = "Closing"
	StateDone           State = "Done"
	StateError          State = "Error"
)

// Config is Simple-Y's enumerated configuration.
type Config struct {
	PoolAddress            string
	YAmountRaw             string
	BinRangeWidth          int
	StopLossCount          int // default 1
	StopLossBinOffset      int // default 35
	UpwardTimeoutSeconds   int // default 300
	DownwardTimeoutSeconds int // default 60
	SlippageBps            int
}

// applyDefaults fills in fields the caller's raw config omitted entirely.
// An explicitly-supplied 0 (e.g. stop-loss-bin-offset=0, meaning "arm on
// the very first out-of-range tick") must survive untouched, so defaulting
// is keyed on presence in raw, not on the parsed field being zero-valued.
func (c *Config) applyDefaults(raw map[string]interface{}) {
	if _, ok := raw["stop-loss-count"]; !ok {
		c.StopLossCount = 1
	}
	if _, ok := raw["stop-loss-bin-offset"]; !ok {
		c.StopLossBinOffset = 35
	}
	if _, ok := raw["upward-timeout-seconds"]; !ok {
		c.UpwardTimeoutSeconds = 300
	}
	if _, ok := raw["downward-timeout-seconds"]; !ok {
		c.DownwardTimeoutSeconds = 60
	}
	if c.BinRangeWidth <= 0 {
		c.BinRangeWidth = 1
	}
}

func (c Config) validate() error {
	if c.PoolAddress == "" {
		return rterrors.Validation("pool-address", "required")
	}
	if c.YAmountRaw == "" || c.YAmountRaw == "0" {
		return rterrors.Validation("y-amount-raw", "must be a positive raw amount")
	}
	if c.BinRangeWidth < 1 || c.BinRangeWidth > 69 {
		return rterrors.Validation("bin-range", "width must be between 1 and 69")
	}
	return nil
}

// runtimeState is Simple-Y's in-memory state, not persisted verbatim (the
// durable record is domain.Instance; this tracks transition bookkeeping the
// Manager doesn't need to see between ticks).
type runtimeState struct {
	state            State
	cfg              Config
	positionAddress  string
	lowerBin         int
	upperBin         int
	outOfRangeSince  time.Time
	stopLossStreak   int
	closeReason      string
	analyzer         *analytics.Analyzer
}

// Executor implements strategy.Executor for Simple-Y.
type Executor struct {
	amm        *amm.Adapter
	swap       *swap.Adapter
	retry      *retrycoord.Coordinator
	clock      strategy.Clock
	benchmark  analytics.BenchmarkFeed

	byInstance map[string]*runtimeState
}

func New(ammAdapter *amm.Adapter, swapAdapter *swap.Adapter, retry *retrycoord.Coordinator, benchmark analytics.BenchmarkFeed, clock strategy.Clock) *Executor {
	if clock == nil {
		clock = strategy.RealClock
	}
	return &Executor{
		amm:        ammAdapter,
		swap:       swapAdapter,
		retry:      retry,
		benchmark:  benchmark,
		clock:      clock,
		byInstance: make(map[string]*runtimeState),
	}
}

func parseConfig(raw map[string]interface{}) Config {
	var cfg Config
	if v, ok := raw["pool-address"].(string); ok {
		cfg.PoolAddress = v
	}
	if v, ok := raw["y-amount-raw"].(string); ok {
		cfg.YAmountRaw = v
	}
	if v, ok := raw["bin-range"].(float64); ok {
		cfg.BinRangeWidth = int(v)
	}
	if v, ok := raw["stop-loss-count"].(float64); ok {
		cfg.StopLossCount = int(v)
	}
	if v, ok := raw["stop-loss-bin-offset"].(float64); ok {
		cfg.StopLossBinOffset = int(v)
	}
	if v, ok := raw["upward-timeout-seconds"].(float64); ok {
		cfg.UpwardTimeoutSeconds = int(v)
	}
	if v, ok := raw["downward-timeout-seconds"].(float64); ok {
		cfg.DownwardTimeoutSeconds = int(v)
	}
	if v, ok := raw["slippage-bps"].(float64); ok {
		cfg.SlippageBps = int(v)
	}
	cfg.applyDefaults(raw)
	return cfg
}

// Initialize validates config, then transitions to Opening. The wallet's Y
// balance is not checked.
func (e *Executor) Initialize(ctx context.Context, instance *domain.Instance, config map[string]interface{}) error {
	cfg := parseConfig(config)
	if err := cfg.validate(); err != nil {
		return err
	}

	rs := &runtimeState{state: StateInit, cfg: cfg, analyzer: analytics.NewAnalyzer(instance.ID, e.benchmark)}
	e.byInstance[instance.ID] = rs

	rs.state = StateOpening
	return nil
}

// Tick evaluates the current state and returns a Decision without mutating
// on-chain state; Handle performs the resulting on-chain action.
func (e *Executor) Tick(ctx context.Context, instance *domain.Instance) (strategy.TickResult, error) {
	rs, ok := e.byInstance[instance.ID]
	if !ok {
		return strategy.TickResult{}, rterrors.Internal("simple-y: tick called before initialize", nil)
	}

	now := e.clock()

	if rs.state == StateOpening {
		if err := e.open(ctx, instance, rs, rs.cfg.YAmountRaw); err != nil {
			rs.state = StateError
			return strategy.TickResult{}, err
		}
		rs.state = StateInRange
	}

	activeBin, err := e.amm.ReadActiveBin(ctx, rs.cfg.PoolAddress)
	if err != nil {
		return strategy.TickResult{}, err
	}

	positions, err := e.amm.ReadPositionsForOwner(ctx, rs.cfg.PoolAddress, instance.ID)
	var posRawX, posRawY string
	if err == nil && len(positions) > 0 {
		posRawX, posRawY = positions[0].LiquidityX, positions[0].LiquidityY
	}

	price := 1.0 // human-scaled price resolution is delegated to the AMM SDK wire client
	snapshot := rs.analyzer.Tick(now, activeBin, rs.lowerBin, rs.upperBin, posRawX, posRawY, price, 105120)

	decision, reason := e.evaluate(rs, activeBin, now)
	return strategy.TickResult{Decision: decision, Snapshot: snapshot, Reason: reason}, nil
}

func (e *Executor) evaluate(rs *runtimeState, activeBin int, now time.Time) (strategy.Decision, string) {
	inRange := amm.InRange(activeBin, rs.lowerBin, rs.upperBin)

	switch rs.state {
	case StateInRange:
		if inRange {
			return strategy.DecisionHold, ""
		}
		if activeBin > rs.upperBin {
			rs.state = StateOutOfRangeUp
			rs.outOfRangeSince = now
		} else {
			rs.state = StateOutOfRangeDown
			rs.outOfRangeSince = now
			rs.stopLossStreak = 0
		}
		return strategy.DecisionHold, ""

	case StateOutOfRangeUp:
		if inRange {
			rs.state = StateInRange
			return strategy.DecisionHold, ""
		}
		// stop-loss wins the tie-break even from the up-side state, since a
		// single tick can observe both conditions if bins move sharply.
		if e.stopLossTripped(rs, activeBin) {
			rs.state = StateClosing
			rs.closeReason = "stop-loss"
			return strategy.DecisionStopLoss, "stop-loss"
		}
		if now.Sub(rs.outOfRangeSince) >= time.Duration(rs.cfg.UpwardTimeoutSeconds)*time.Second {
			rs.state = StateRecentering
			return strategy.DecisionRecenterUp, "upward-timeout"
		}
		return strategy.DecisionHold, ""

	case StateOutOfRangeDown:
		if inRange {
			rs.state = StateInRange
			rs.stopLossStreak = 0
			return strategy.DecisionHold, ""
		}
		if e.stopLossTripped(rs, activeBin) {
			rs.state = StateClosing
			rs.closeReason = "stop-loss"
			return strategy.DecisionStopLoss, "stop-loss"
		}
		if now.Sub(rs.outOfRangeSince) >= time.Duration(rs.cfg.DownwardTimeoutSeconds)*time.Second {
			rs.state = StateClosing
			rs.closeReason = "stop-loss"
			return strategy.DecisionStopLoss, "downward-timeout"
		}
		return strategy.DecisionHold, ""

	default:
		return strategy.DecisionHold, ""
	}
}

// stopLossTripped tracks consecutive below-threshold ticks and trips once
// stop-loss-count consecutive ticks are observed.
func (e *Executor) stopLossTripped(rs *runtimeState, activeBin int) bool {
	armed := activeBin <= rs.lowerBin-rs.cfg.StopLossBinOffset
	if !armed {
		rs.stopLossStreak = 0
		return false
	}
	rs.stopLossStreak++
	return rs.stopLossStreak >= rs.cfg.StopLossCount
}

// Handle performs the on-chain action for a Decision, routed through the Retry Coordinator.
func (e *Executor) Handle(ctx context.Context, instance *domain.Instance, result strategy.TickResult) error {
	rs, ok := e.byInstance[instance.ID]
	if !ok {
		return rterrors.Internal("simple-y: handle called before initialize", nil)
	}

	switch result.Decision {
	case strategy.DecisionHold:
		return nil
	case strategy.DecisionRecenterUp, strategy.DecisionRecenterDown:
		return e.recenter(ctx, instance, rs)
	case strategy.DecisionStopLoss:
		return e.close(ctx, instance, rs, "stop-loss")
	default:
		return nil
	}
}

func (e *Executor) open(ctx context.Context, instance *domain.Instance, rs *runtimeState, yAmountRaw string) error {
	return e.retry.Run(ctx, instance.ID, retrycoord.OpPositionCreate, func(ctx context.Context) error {
		_, posAddr, lower, upper, err := e.amm.OpenPosition(ctx, rs.cfg.PoolAddress, domain.SideY, rs.cfg.BinRangeWidth, "0", yAmountRaw, rs.cfg.SlippageBps)
		if err != nil {
			return err
		}
		rs.positionAddress = posAddr
		rs.lowerBin = lower
		rs.upperBin = upper
		instance.Positions = []string{posAddr}
		return nil
	}, nil)
}

// recenter closes the current position, swaps any X proceeds back to Y, and
// re-opens a fresh Y position of the same width at the new active bin with
// the full Y balance the close freed up (principal ± realized PnL: the Y
// returned by the close, plus Y fees, plus whatever the X proceeds swap
// back to). Unrecoverable failure moves to Error.
func (e *Executor) recenter(ctx context.Context, instance *domain.Instance, rs *runtimeState) error {
	var reopenYAmount string
	err := e.retry.Run(ctx, instance.ID, retrycoord.OpPositionClose, func(ctx context.Context) error {
		_, xOut, yOut, feesX, feesY, err := e.amm.ClosePosition(ctx, rs.positionAddress, rs.cfg.SlippageBps)
		if err != nil {
			return err
		}
		rs.analyzer.OnClose(xOut, yOut, feesX, feesY, 1.0, e.clock())

		reopenYAmount = addRaw(yOut, feesY)
		if xOut != "" && xOut != "0" {
			xProceeds := addRaw(xOut, feesX)
			swappedY, err := e.swapXToY(ctx, instance, xProceeds)
			if err != nil {
				return err
			}
			reopenYAmount = addRaw(reopenYAmount, swappedY)
		}
		return nil
	}, nil)
	if err != nil {
		rs.state = StateError
		return err
	}

	err = e.open(ctx, instance, rs, reopenYAmount)
	if err != nil {
		rs.state = StateError
		return err
	}

	rs.state = StateInRange
	return nil
}

// close performs the Closing state's action: close, and if reason is
// stop-loss, swap residual X to Y.
func (e *Executor) close(ctx context.Context, instance *domain.Instance, rs *runtimeState, reason string) error {
	opType := retrycoord.OpPositionClose
	if reason == "stop-loss" {
		opType = retrycoord.OpStopLoss
	}

	err := e.retry.Run(ctx, instance.ID, opType, func(ctx context.Context) error {
		_, xOut, yOut, feesX, feesY, err := e.amm.ClosePosition(ctx, rs.positionAddress, rs.cfg.SlippageBps)
		if err != nil {
			return err
		}
		rs.analyzer.OnClose(xOut, yOut, feesX, feesY, 1.0, e.clock())
		instance.Positions = nil

		if reason == "stop-loss" && xOut != "" && xOut != "0" {
			if _, err := e.swapXToY(ctx, instance, xOut); err != nil {
				return err
			}
		}
		return nil
	}, nil)
	if err != nil {
		rs.state = StateError
		return err
	}

	rs.state = StateDone
	return nil
}

// swapXToY swaps amountRaw units of X to Y and returns the raw Y out-amount.
func (e *Executor) swapXToY(ctx context.Context, instance *domain.Instance, amountRaw string) (string, error) {
	var outRaw string
	err := e.retry.Run(ctx, instance.ID, retrycoord.OpStopLossTokenSwap, func(ctx context.Context) error {
		quote, err := e.swap.Quote(ctx, "X", "Y", amountRaw, 50, nil)
		if err != nil {
			return err
		}
		result, err := e.swap.Execute(ctx, quote, instance.ID)
		if err != nil {
			return err
		}
		outRaw = result.OutAmountRaw
		return nil
	}, nil)
	return outRaw, err
}

// addRaw sums two raw-integer decimal strings without floating point, since
// raw token amounts can exceed float64 precision. Blank/malformed operands
// are treated as zero.
func addRaw(a, b string) string {
	sum := new(big.Int)
	if v, ok := new(big.Int).SetString(a, 10); ok {
		sum.Add(sum, v)
	}
	if v, ok := new(big.Int).SetString(b, 10); ok {
		sum.Add(sum, v)
	}
	return sum.String()
}

// Teardown closes the position if still open, for a user-stop or external
// teardown reason.
func (e *Executor) Teardown(ctx context.Context, instance *domain.Instance, reason string) error {
	rs, ok := e.byInstance[instance.ID]
	if !ok {
		return nil
	}
	if rs.state == StateDone || rs.state == StateError || rs.positionAddress == "" {
		delete(e.byInstance, instance.ID)
		return nil
	}

	err := e.close(ctx, instance, rs, reason)
	delete(e.byInstance, instance.ID)
	if err != nil {
		return fmt.Errorf("simple-y: teardown close failed: %w", err)
	}
	return nil
}

var _ strategy.Executor = (*Executor)(nil)
