package analytics

import (
	"math/big"
	"time"
)

// Windows are the three sliding yield-rate windows snapshots report.
var Windows = map[string]time.Duration{
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
}

// YieldRates computes, for each configured window D:
//
//	(accumulated fees in Y within last D) / (average position value in Y within last D) * annualizationFactor
//
// at "now". Windows with no entries report a rate of 0 (there is nothing to
// annualize yet, as distinct from a benchmark feed's null-if-absent case).
func (a *Analyzer) YieldRates(now time.Time, annualizationFactor float64) map[string]float64 {
	rates := make(map[string]float64, len(Windows))
	for label, d := range Windows {
		rates[label] = a.yieldRateForWindow(now, d, annualizationFactor)
	}
	return rates
}

func (a *Analyzer) yieldRateForWindow(now time.Time, window time.Duration, annualizationFactor float64) float64 {
	cutoff := now.Add(-window)

	fees := big.NewFloat(0)
	valueSum := big.NewFloat(0)
	count := 0

	for _, e := range a.entries {
		if e.at.Before(cutoff) {
			continue
		}
		fees.Add(fees, e.feesY)
		valueSum.Add(valueSum, e.positionY)
		count++
	}

	if count == 0 {
		return 0
	}

	avgValue := new(big.Float).Quo(valueSum, big.NewFloat(float64(count)))
	if avgValue.Sign() == 0 {
		return 0
	}

	rate := new(big.Float).Quo(fees, avgValue)
	rate.Mul(rate, big.NewFloat(annualizationFactor))

	f, _ := rate.Float64()
	return f
}

// BenchmarkYieldRates mirrors YieldRates' window set but sources values from
// the configured BenchmarkFeed; a nil feed (or a feed reporting unavailable)
// yields a nil pointer per window, meaning "not available" rather than 0
//.
func (a *Analyzer) BenchmarkYieldRates() map[string]*float64 {
	rates := make(map[string]*float64, len(Windows))
	for label := range Windows {
		if a.benchmarkFeed == nil {
			rates[label] = nil
			continue
		}
		v, ok := a.benchmarkFeed.YieldPerMinute()
		if !ok {
			rates[label] = nil
			continue
		}
		minutes := Windows[label].Minutes()
		rate := v * minutes
		rates[label] = &rate
	}
	return rates
}
