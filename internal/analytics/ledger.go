// Package analytics provides Position Analytics: an
// instance-scoped ledger, sliding yield-rate windows, and per-tick snapshots.
// Every instance owns its own Analyzer — a single shared analyzer across
// instances is forbidden since windowed yield rates and PnL baselines are
// instance-private.
package analytics

import (
	"math/big"
	"time"

	"github.com/clmmrun/strategy-runtime/internal/domain"
)

// ledgerEntry is one fee-accrual or position-value observation used to
// compute windowed yield rates. Unlike domain.LedgerEntry (the durable,
// append-only instance ledger), this is analytics-internal bookkeeping and
// is pruned once older than the widest window.
type ledgerEntry struct {
	at          time.Time
	feesY       *big.Float
	positionY   *big.Float
}

// Analyzer accumulates one instance's fee/value history and derives
// windowed yield rates, PnL, and active-bin-percentage.
type Analyzer struct {
	instanceID string

	openedAt    time.Time
	principalY  *big.Float
	realizedY   *big.Float

	entries []ledgerEntry

	benchmarkFeed BenchmarkFeed
}

// BenchmarkFeed supplies a reference yield-per-minute from an external
// source. A nil feed means benchmarks are reported as null,
// not zero.
type BenchmarkFeed interface {
	YieldPerMinute() (rate float64, ok bool)
}

// NewAnalyzer constructs an instance-scoped Analyzer. benchmarkFeed may be
// nil.
func NewAnalyzer(instanceID string, benchmarkFeed BenchmarkFeed) *Analyzer {
	return &Analyzer{
		instanceID:    instanceID,
		principalY:    big.NewFloat(0),
		realizedY:     big.NewFloat(0),
		benchmarkFeed: benchmarkFeed,
	}
}

// OnOpen records a position's opening principal in Y terms.
func (a *Analyzer) OnOpen(side domain.Side, rawX, rawY string, price float64, at time.Time) {
	a.openedAt = at
	a.principalY = toY(rawX, rawY, price)
}

// OnClose records a position close, realizing PnL in Y terms.
func (a *Analyzer) OnClose(rawXOut, rawYOut, feesX, feesY string, price float64, at time.Time) {
	closedValueY := toY(rawXOut, rawYOut, price)
	fees := toY(feesX, feesY, price)
	a.realizedY.Add(a.realizedY, new(big.Float).Sub(closedValueY, a.principalY))
	a.record(at, fees, closedValueY)
}

// OnHarvest records fee income without closing the position.
func (a *Analyzer) OnHarvest(feesX, feesY string, price float64, at time.Time) {
	fees := toY(feesX, feesY, price)
	a.record(at, fees, a.lastPositionValue())
}

func (a *Analyzer) record(at time.Time, feesY, positionY *big.Float) {
	a.entries = append(a.entries, ledgerEntry{at: at, feesY: feesY, positionY: positionY})
	a.prune(at)
}

// widestWindow bounds retention: entries older than 1h are discarded
//.
const widestWindow = time.Hour

func (a *Analyzer) prune(now time.Time) {
	cutoff := now.Add(-widestWindow)
	i := 0
	for ; i < len(a.entries); i++ {
		if a.entries[i].at.After(cutoff) {
			break
		}
	}
	a.entries = a.entries[i:]
}

func (a *Analyzer) lastPositionValue() *big.Float {
	if len(a.entries) == 0 {
		return a.principalY
	}
	return a.entries[len(a.entries)-1].positionY
}

func toY(rawX, rawY string, price float64) *big.Float {
	x, _ := new(big.Float).SetString(rawX)
	if x == nil {
		x = big.NewFloat(0)
	}
	y, _ := new(big.Float).SetString(rawY)
	if y == nil {
		y = big.NewFloat(0)
	}
	xInY := new(big.Float).Mul(x, big.NewFloat(price))
	return new(big.Float).Add(xInY, y)
}
