// Package strategy defines the common Executor contract that
// both concrete strategy executors — Simple-Y (internal/strategy/simpley)
// and Chain-Position (internal/strategy/chainposition) — implement.
package strategy

import (
	"context"
	"time"

	"github.com/clmmrun/strategy-runtime/internal/domain"
)

// Decision is the outcome of one Executor.Tick call.
type Decision string

const (
	DecisionHold         Decision = "hold"
	DecisionRecenterUp   Decision = "recenter-up"
	DecisionRecenterDown Decision = "recenter-down"
	DecisionHarvest      Decision = "harvest"
	DecisionStopLoss     Decision = "stop-loss"
	DecisionComplete     Decision = "complete"
)

// TickResult carries a Decision plus the snapshot taken while deciding it,
// so callers can publish/persist without recomputing analytics.
type TickResult struct {
	Decision Decision
	Snapshot domain.Snapshot
	Reason   string
}

// Executor is the common contract both strategy state machines implement
//: initialize, tick, handle the resulting decision, and tear
// down on exit. All methods operate on one instance and are called under
// that instance's per-instance mutex — an Executor does not
// need its own internal locking against concurrent ticks.
type Executor interface {
	Initialize(ctx context.Context, instance *domain.Instance, config map[string]interface{}) error
	Tick(ctx context.Context, instance *domain.Instance) (TickResult, error)
	Handle(ctx context.Context, instance *domain.Instance, result TickResult) error
	Teardown(ctx context.Context, instance *domain.Instance, reason string) error
}

// Clock abstracts time.Now for deterministic tests of timeout-driven
// transitions (upward/downward timeouts, stop-loss streaks).
type Clock func() time.Time

func RealClock() time.Time { return time.Now() }
