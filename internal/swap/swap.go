// Package swap provides the Swap Adapter: a thin, pluggable
// wrapper over an external swap aggregator, with quote/execute kept
// interface-only so no concrete aggregator SDK ships in this package.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	rterrors "github.com/clmmrun/strategy-runtime/infrastructure/errors"
)

// Quote is the result of pricing a swap before execution.
type Quote struct {
	Route        interface{} // opaque aggregator-specific route, passed back to Execute
	MinOutRaw    string
	EstPrice     float64
	InputMint    string
	OutputMint   string
	InAmountRaw  string
}

// Result is the on-chain effect of an executed swap.
type Result struct {
	TxSignature    string
	OutAmountRaw   string
	EffectivePrice float64
}

// ProtectionFlags forwards opaque MEV-protection hints to the aggregator;
// the runtime does not interpret them.
type ProtectionFlags map[string]interface{}

// Aggregator is the minimal wire client the Adapter needs from whatever swap
// aggregator is wired in at the call site.
type Aggregator interface {
	Quote(ctx context.Context, inputMint, outputMint, amountRaw string, slippageBps int, flags ProtectionFlags) (Quote, error)
	Execute(ctx context.Context, route interface{}, wallet string) (Result, error)
}

// Adapter is the Swap Adapter: quote-then-execute, synchronous from the
// caller's view — Execute submits, confirms, and returns the on-chain effect
// or a classified error.
type Adapter struct {
	aggregator Aggregator
}

func NewAdapter(aggregator Aggregator) *Adapter {
	return &Adapter{aggregator: aggregator}
}

func (a *Adapter) Quote(ctx context.Context, inputMint, outputMint, amountRaw string, slippageBps int, flags ProtectionFlags) (Quote, error) {
	q, err := a.aggregator.Quote(ctx, inputMint, outputMint, amountRaw, slippageBps, flags)
	if err != nil {
		return Quote{}, rterrors.TransientRPC("swap.quote", err)
	}
	return q, nil
}

// Execute runs a quoted route to completion and classifies the aggregator's
// error into the taxonomy the Retry Coordinator understands: slippage, an
// expired route, and insufficient balance are terminal; everything else
// (RPC/timeout) is retryable.
func (a *Adapter) Execute(ctx context.Context, quote Quote, wallet string) (Result, error) {
	res, err := a.aggregator.Execute(ctx, quote.Route, wallet)
	if err != nil {
		return Result{}, classifyExecuteError(err)
	}

	if !outAmountMeetsMinimum(res.OutAmountRaw, quote.MinOutRaw) {
		return Result{}, rterrors.SlippageTransient("swap.execute", quote.MinOutRaw, res.OutAmountRaw)
	}

	return res, nil
}

// ExecuteError is returned by an Aggregator.Execute implementation to carry
// one of the distinct terminal reasons an execution can fail for: slippage
// beyond tolerance, an expired route, or insufficient balance. Any other
// error from Execute is treated as a retryable RPC/timeout failure.
type ExecuteError struct {
	Kind ExecuteErrorKind
	Err  error
}

type ExecuteErrorKind string

const (
	ExecuteErrorSlippage    ExecuteErrorKind = "slippage-beyond-tolerance"
	ExecuteErrorRouteExpired ExecuteErrorKind = "route-expired"
	ExecuteErrorInsufficientBalance ExecuteErrorKind = "insufficient-balance"
)

func (e *ExecuteError) Error() string { return fmt.Sprintf("swap: %s: %v", e.Kind, e.Err) }
func (e *ExecuteError) Unwrap() error { return e.Err }

func classifyExecuteError(err error) error {
	var execErr *ExecuteError
	if errors.As(err, &execErr) {
		switch execErr.Kind {
		case ExecuteErrorSlippage:
			return rterrors.SlippageTransient("swap.execute", "", execErr.Error())
		case ExecuteErrorRouteExpired, ExecuteErrorInsufficientBalance:
			return rterrors.OnChainTerminal("swap.execute", execErr)
		}
	}
	return rterrors.TransientRPC("swap.execute", err)
}

// outAmountMeetsMinimum compares two raw-integer decimal strings without
// floating point, since raw token amounts can exceed float64 precision. A
// malformed amount fails safe (treated as not meeting the minimum).
func outAmountMeetsMinimum(outRaw, minOutRaw string) bool {
	out, okOut := new(big.Int).SetString(outRaw, 10)
	min, okMin := new(big.Int).SetString(minOutRaw, 10)
	if !okOut || !okMin {
		return false
	}
	return out.Cmp(min) >= 0
}
