package analytics

import (
	"time"

	"github.com/clmmrun/strategy-runtime/internal/amm"
	"github.com/clmmrun/strategy-runtime/internal/domain"
)

// Tick produces a Snapshot from the current on-chain observation: active
// bin, position value in raw units, and price.
func (a *Analyzer) Tick(now time.Time, activeBin, lowerBin, upperBin int, positionRawX, positionRawY string, price float64, annualizationFactor float64) domain.Snapshot {
	positionValueY := toY(positionRawX, positionRawY, price)
	valueF, _ := positionValueY.Float64()

	principal, _ := a.principalY.Float64()
	realized, _ := a.realizedY.Float64()

	pnlAbs := valueF + realized - principal
	pnlPct := 0.0
	if principal != 0 {
		pnlPct = pnlAbs / principal * 100
	}

	return domain.Snapshot{
		Timestamp:           now,
		ActiveBin:           activeBin,
		PositionValueY:      valueF,
		PnLAbsoluteY:        pnlAbs,
		PnLPercent:          pnlPct,
		YieldRates:          a.YieldRates(now, annualizationFactor),
		BenchmarkYieldRates: a.BenchmarkYieldRates(),
		ActiveBinPercentage: amm.ActiveBinPercentage(activeBin, lowerBin, upperBin),
		InRange:             amm.InRange(activeBin, lowerBin, upperBin),
	}
}
