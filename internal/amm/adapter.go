package amm

import (
	"context"

	"github.com/clmmrun/strategy-runtime/internal/domain"
)

// ChainReader is the minimal wire client the Adapter needs from whatever AMM
// SDK is wired in at the call site. Kept interface-only: no concrete
// DLMM/Meteora client ships in this package.
type ChainReader interface {
	GetPool(ctx context.Context, poolAddress string) (domain.Pool, error)
	GetActiveBin(ctx context.Context, poolAddress string) (int, error)
	GetPositionsForOwner(ctx context.Context, poolAddress, owner string) ([]domain.Position, error)
}

// ChainWriter is the minimal transaction-submitting surface the Adapter
// needs. Transaction submission itself goes through the Chain Gateway's
// Dispatch/ConfirmSignature (internal/chain); implementations of ChainWriter
// build the instruction, not send it.
type ChainWriter interface {
	OpenPosition(ctx context.Context, poolAddress string, lowerBin, upperBin int, side domain.Side, amountX, amountY string, slippageBps int) (signature string, positionAddress string, err error)
	ClosePosition(ctx context.Context, positionAddress string, slippageBps int) (signature string, xOut, yOut, feesX, feesY string, err error)
	HarvestFees(ctx context.Context, positionAddress string) (signature string, feesX, feesY string, err error)
}

// Adapter is the AMM Adapter: bin-range math plus a thin,
// pluggable read/write surface over the concrete liquidity-pool SDK.
type Adapter struct {
	reader    ChainReader
	writer    ChainWriter
	precision *PrecisionCache
}

// NewAdapter wires a ChainReader/ChainWriter pair behind bin-range math and a
// process-wide token-precision cache.
func NewAdapter(reader ChainReader, writer ChainWriter) *Adapter {
	return &Adapter{reader: reader, writer: writer, precision: NewPrecisionCache()}
}

func (a *Adapter) ReadPool(ctx context.Context, poolAddress string) (domain.Pool, error) {
	return a.reader.GetPool(ctx, poolAddress)
}

func (a *Adapter) ReadActiveBin(ctx context.Context, poolAddress string) (int, error) {
	return a.reader.GetActiveBin(ctx, poolAddress)
}

func (a *Adapter) ReadPositionsForOwner(ctx context.Context, poolAddress, owner string) ([]domain.Position, error) {
	return a.reader.GetPositionsForOwner(ctx, poolAddress, owner)
}

// Decimals returns poolAddress's token decimals, fetching and caching them on
// first use via the pool read path.
func (a *Adapter) Decimals(ctx context.Context, poolAddress string) (decimalsX, decimalsY int, err error) {
	return a.precision.Get(ctx, poolAddress, func(ctx context.Context) (int, int, error) {
		pool, err := a.reader.GetPool(ctx, poolAddress)
		if err != nil {
			return 0, 0, err
		}
		return pool.DecimalsX, pool.DecimalsY, nil
	})
}

// OpenPosition computes the bin range for side/width anchored at the pool's
// current active bin, then submits the open instruction.
func (a *Adapter) OpenPosition(ctx context.Context, poolAddress string, side domain.Side, width int, amountX, amountY string, slippageBps int) (signature, positionAddress string, lower, upper int, err error) {
	activeBin, err := a.reader.GetActiveBin(ctx, poolAddress)
	if err != nil {
		return "", "", 0, 0, err
	}

	lower, upper, err = BinRange(string(side), activeBin, width)
	if err != nil {
		return "", "", 0, 0, err
	}

	signature, positionAddress, err = a.writer.OpenPosition(ctx, poolAddress, lower, upper, side, amountX, amountY, slippageBps)
	return signature, positionAddress, lower, upper, err
}

// OpenPositionAt submits an open instruction for an explicit bin range,
// bypassing the active-bin anchor OpenPosition computes automatically. The
// Chain-Position Executor needs this: each link in a chain is anchored at an
// offset from its neighbor, not at the pool's current active bin.
func (a *Adapter) OpenPositionAt(ctx context.Context, poolAddress string, lowerBin, upperBin int, side domain.Side, amountX, amountY string, slippageBps int) (signature, positionAddress string, err error) {
	return a.writer.OpenPosition(ctx, poolAddress, lowerBin, upperBin, side, amountX, amountY, slippageBps)
}

func (a *Adapter) ClosePosition(ctx context.Context, positionAddress string, slippageBps int) (signature, xOut, yOut, feesX, feesY string, err error) {
	return a.writer.ClosePosition(ctx, positionAddress, slippageBps)
}

func (a *Adapter) HarvestFees(ctx context.Context, positionAddress string) (signature, feesX, feesY string, err error) {
	return a.writer.HarvestFees(ctx, positionAddress)
}
