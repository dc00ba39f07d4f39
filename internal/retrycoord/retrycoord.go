// Package retrycoord provides the Retry Coordinator: per
// (instance-id, operation-type) serialization, operation-type-specific
// retryable-error tables, and two retry cadences — fixed-delay for
// cleanup-class operations, exponential backoff for transient-class ones.
package retrycoord

import (
	"context"
	"sync"
	"time"

	rterrors "github.com/clmmrun/strategy-runtime/infrastructure/errors"
	"github.com/clmmrun/strategy-runtime/infrastructure/resilience"
)

// OperationType labels a logical operation for retry-policy lookup
//.
type OperationType string

const (
	OpPositionCreate    OperationType = "position.create"
	OpPositionClose     OperationType = "position.close"
	OpPositionCleanup   OperationType = "position.cleanup"
	OpStopLoss          OperationType = "stop.loss"
	OpStopLossTokenSwap OperationType = "stop.loss.token.swap"
	OpOutOfRangeHandler OperationType = "outOfRange.handler"
)

// Policy is one operation-type's retry cadence and retryable-category set.
type Policy struct {
	MaxAttempts int
	// Fixed is the cleanup-class delay (used as-is on every retry). Zero
	// means use exponential backoff instead.
	Fixed time.Duration
	// InitialBackoff and BackoffFactor drive transient-class retries:
	// delay(attempt) = InitialBackoff * BackoffFactor^(attempt-1).
	InitialBackoff time.Duration
	BackoffFactor  float64
	Retryable      map[rterrors.Category]bool
}

func (p Policy) isRetryable(cat rterrors.Category) bool {
	return p.Retryable[cat]
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Fixed > 0 {
		return p.Fixed
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffFactor)
	}
	return d
}

// DefaultPolicies implements the operation-type retryable sets and default
// cadence: max-attempts=3, 30s fixed for cleanup-class operations, 2s with
// x2 backoff for transient-class ones.
func DefaultPolicies() map[OperationType]Policy {
	transient := Policy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		BackoffFactor:  2,
		Retryable: map[rterrors.Category]bool{
			rterrors.CategoryTransientRPC:      true,
			rterrors.CategorySlippageTransient: true,
		},
	}
	cleanup := Policy{
		MaxAttempts: 3,
		Fixed:       30 * time.Second,
		Retryable: map[rterrors.Category]bool{
			rterrors.CategoryTransientRPC: true,
		},
	}

	return map[OperationType]Policy{
		OpPositionCreate:    transient,
		OpPositionClose:     transient,
		OpPositionCleanup:   cleanup,
		OpStopLoss:          transient,
		OpStopLossTokenSwap: transient,
		OpOutOfRangeHandler: transient,
	}
}

// Validator optionally re-checks an operation's outcome after it runs
// without error; a validator failure counts as a failed attempt
//.
type Validator func(ctx context.Context) error

// Coordinator serializes and retries operations per (instance-id,
// operation-type).
type Coordinator struct {
	policies map[OperationType]Policy

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	breakersMu sync.Mutex
	breakers   map[OperationType]*resilience.CircuitBreaker
}

// New constructs a Coordinator. A nil policies map uses DefaultPolicies.
func New(policies map[OperationType]Policy) *Coordinator {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Coordinator{
		policies: policies,
		locks:    make(map[string]*sync.Mutex),
		breakers: make(map[OperationType]*resilience.CircuitBreaker),
	}
}

func (c *Coordinator) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// breakerFor returns the per-operation-type circuit breaker, trips across
// every instance: if position.create keeps failing for one pool, later
// position.create calls for other instances fail fast instead of each
// paying their own retry cadence against a chain that's already down.
func (c *Coordinator) breakerFor(opType OperationType) *resilience.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	cb, ok := c.breakers[opType]
	if !ok {
		cb = resilience.New(resilience.DefaultServiceCBConfig(nil))
		c.breakers[opType] = cb
	}
	return cb
}

// Run executes op (and, if provided, validates its success with validate)
// under the policy for opType, serialized per (instanceID, opType): no two
// attempts of the same logical operation run concurrently for one instance.
// Non-retryable errors short-circuit immediately; retryable errors are
// retried up to the policy's MaxAttempts, waiting the policy's cadence
// between attempts, honoring ctx cancellation.
func (c *Coordinator) Run(ctx context.Context, instanceID string, opType OperationType, op func(ctx context.Context) error, validate Validator) error {
	policy, ok := c.policies[opType]
	if !ok {
		policy = Policy{MaxAttempts: 1}
	}

	key := instanceID + "|" + string(opType)
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	breaker := c.breakerFor(opType)
	return breaker.Execute(ctx, func() error {
		var lastErr error
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			err := op(ctx)
			if err == nil && validate != nil {
				err = validate(ctx)
			}
			if err == nil {
				return nil
			}

			lastErr = err

			var rerr *rterrors.RuntimeError
			retryable := rterrors.As(err, &rerr) && policy.isRetryable(rerr.Category)
			if !retryable || attempt == maxAttempts {
				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.delay(attempt)):
			}
		}

		return lastErr
	})
}
