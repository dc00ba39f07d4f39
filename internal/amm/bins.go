package amm

import "github.com/clmmrun/strategy-runtime/infrastructure/errors"

// BinRange computes the inclusive [lower, upper] bin range for a position of
// width W anchored at activeBin, per side:
//
//	Y-sided:   [active, active + W - 1]
//	X-sided:   [active - W + 1, active]
//	two-sided: [active - floor(W/2), active + ceil(W/2) - 1]
func BinRange(side string, activeBin, width int) (lower, upper int, err error) {
	if width < 1 || width > 69 {
		return 0, 0, errors.Validation("bin-range", "width must be between 1 and 69")
	}

	switch side {
	case "Y":
		return activeBin, activeBin + width - 1, nil
	case "X":
		return activeBin - width + 1, activeBin, nil
	case "XY":
		lowerHalf := width / 2
		upperHalf := width - lowerHalf - 1 // ceil(W/2) - 1, since width-lowerHalf = ceil(W/2)
		return activeBin - lowerHalf, activeBin + upperHalf, nil
	default:
		return 0, 0, errors.Validation("side", "side must be one of X, Y, XY")
	}
}

// InRange reports whether activeBin falls within [lower, upper].
func InRange(activeBin, lower, upper int) bool {
	return activeBin >= lower && activeBin <= upper
}

// ActiveBinPercentage computes (active-lower)/(upper-lower)*100, left
// unclamped by design so out-of-range direction and distance survive.
func ActiveBinPercentage(activeBin, lower, upper int) float64 {
	span := upper - lower
	if span == 0 {
		if activeBin == lower {
			return 0
		}
		if activeBin > upper {
			return 100 * float64(activeBin-upper)
		}
		return -100 * float64(lower-activeBin)
	}
	return float64(activeBin-lower) / float64(span) * 100
}
