// Package chain provides the Chain Gateway: a pooled,
// health-tracked connection to chain RPC endpoints with failover, used to
// submit transactions, read accounts, and poll for confirmation.
package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rterrors "github.com/clmmrun/strategy-runtime/infrastructure/errors"
)

// ConfirmResult is the outcome of polling for a transaction's confirmation.
type ConfirmResult string

const (
	Confirmed     ConfirmResult = "confirmed"
	FailedOnChain ConfirmResult = "failed-on-chain"
	Timeout       ConfirmResult = "timeout"
)

// Probe is the pluggable health check the Gateway runs against each
// endpoint; implementations issue a cheap liveness call against one URL.
type Probe func(ctx context.Context, url string) (latency time.Duration, err error)

// Endpoint tracks one RPC URL's health.
type Endpoint struct {
	URL              string
	Priority         int
	Healthy          bool
	ConsecutiveFails int
	CooldownUntil    time.Time
	LastLatency      time.Duration
	LastError        error
}

// Config configures the Gateway.
type Config struct {
	Endpoints        []string
	CooldownBase     time.Duration // default 2s
	CooldownMax      time.Duration // default 60s
	ConfirmPollEvery time.Duration // default 1s
	DefaultDeadline  time.Duration // default 30s
	Probe            Probe
}

// Gateway is a pooled, health-tracked set of RPC endpoints with failover
// dispatch behind a pluggable health Probe.
type Gateway struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
	current   int

	cooldownBase     time.Duration
	cooldownMax      time.Duration
	confirmPollEvery time.Duration
	defaultDeadline  time.Duration
	probe            Probe
}

// NewGateway constructs a Gateway from Config, defaulting unset durations.
func NewGateway(cfg Config) (*Gateway, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("chain: at least one endpoint required")
	}

	endpoints := make([]*Endpoint, len(cfg.Endpoints))
	for i, url := range cfg.Endpoints {
		endpoints[i] = &Endpoint{URL: url, Priority: i, Healthy: true}
	}

	g := &Gateway{
		endpoints:        endpoints,
		cooldownBase:     cfg.CooldownBase,
		cooldownMax:      cfg.CooldownMax,
		confirmPollEvery: cfg.ConfirmPollEvery,
		defaultDeadline:  cfg.DefaultDeadline,
		probe:            cfg.Probe,
	}
	if g.cooldownBase == 0 {
		g.cooldownBase = 2 * time.Second
	}
	if g.cooldownMax == 0 {
		g.cooldownMax = 60 * time.Second
	}
	if g.confirmPollEvery == 0 {
		g.confirmPollEvery = 1 * time.Second
	}
	if g.defaultDeadline == 0 {
		g.defaultDeadline = 30 * time.Second
	}
	return g, nil
}

// bestEndpoint returns the first healthy endpoint in priority order, or the
// one whose cooldown expires soonest if none are currently healthy.
func (g *Gateway) bestEndpoint() (*Endpoint, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := time.Now()
	candidates := make([]*Endpoint, 0, len(g.endpoints))
	for _, ep := range g.endpoints {
		if ep.Healthy || now.After(ep.CooldownUntil) {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		// every endpoint is cooling down: fall back to the one that recovers soonest.
		// Sorted into a copy, never g.endpoints itself, since only a read lock is held here.
		soonest := append([]*Endpoint(nil), g.endpoints...)
		sort.Slice(soonest, func(i, j int) bool {
			return soonest[i].CooldownUntil.Before(soonest[j].CooldownUntil)
		})
		return soonest[0], nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })
	return candidates[0], nil
}

// markFailure applies exponential cooldown: base * 2^(fails-1), capped.
func (g *Gateway) markFailure(url string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, ep := range g.endpoints {
		if ep.URL != url {
			continue
		}
		ep.ConsecutiveFails++
		ep.Healthy = false
		ep.LastError = err

		cooldown := g.cooldownBase
		for i := 1; i < ep.ConsecutiveFails; i++ {
			cooldown *= 2
			if cooldown >= g.cooldownMax {
				cooldown = g.cooldownMax
				break
			}
		}
		ep.CooldownUntil = time.Now().Add(cooldown)
		return
	}
}

func (g *Gateway) markSuccess(url string, latency time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, ep := range g.endpoints {
		if ep.URL == url {
			ep.Healthy = true
			ep.ConsecutiveFails = 0
			ep.LastError = nil
			ep.LastLatency = latency
			return
		}
	}
}

// Endpoints returns a snapshot of endpoint health, used by the Health
// Checker and the metrics exporter.
func (g *Gateway) Endpoints() []Endpoint {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Endpoint, len(g.endpoints))
	for i, ep := range g.endpoints {
		out[i] = *ep
	}
	return out
}

// Dispatch runs fn against the best available endpoint, failing over to the
// next endpoint in priority order on any error except an
// infrastructure/errors RuntimeError whose category is not retryable, which
// is returned at once. Unclassified errors fail over.
func (g *Gateway) Dispatch(ctx context.Context, fn func(ctx context.Context, url string) error) error {
	var lastErr error

	for attempt := 0; attempt < len(g.endpoints); attempt++ {
		ep, err := g.bestEndpoint()
		if err != nil {
			return err
		}

		start := time.Now()
		callErr := fn(ctx, ep.URL)
		latency := time.Since(start)

		if callErr == nil {
			g.markSuccess(ep.URL, latency)
			return nil
		}

		lastErr = callErr
		g.markFailure(ep.URL, callErr)

		var rerr *rterrors.RuntimeError
		if rterrors.As(callErr, &rerr) && !rerr.Retryable() {
			return callErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	return rterrors.TransientRPC("dispatch", fmt.Errorf("all endpoints exhausted: %w", lastErr))
}

// RunHealthChecks probes every endpoint once using the configured Probe.
// Intended to be called on a cadence by the Health Checker / a ticker
// started at Gateway construction time.
func (g *Gateway) RunHealthChecks(ctx context.Context) {
	if g.probe == nil {
		return
	}

	var wg sync.WaitGroup
	for _, ep := range g.Endpoints() {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			latency, err := g.probe(ctx, url)
			if err != nil {
				g.markFailure(url, err)
				return
			}
			g.markSuccess(url, latency)
		}(ep.URL)
	}
	wg.Wait()
}

// ConfirmSignature polls for a transaction's confirmation at a fixed
// interval up to deadline (default 30s if zero), via fn which should report
// whether the signature has landed and whether it failed on-chain.
func (g *Gateway) ConfirmSignature(ctx context.Context, sig string, deadline time.Duration, fn func(ctx context.Context, sig string) (landed bool, onChainErr error, err error)) (ConfirmResult, error) {
	if deadline == 0 {
		deadline = g.defaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(g.confirmPollEvery)
	defer ticker.Stop()

	for {
		landed, onChainErr, err := fn(ctx, sig)
		if err != nil {
			return "", rterrors.TransientRPC("confirm-signature", err)
		}
		if landed {
			if onChainErr != nil {
				return FailedOnChain, rterrors.OnChainTerminal("confirm-signature", onChainErr)
			}
			return Confirmed, nil
		}

		select {
		case <-ctx.Done():
			return Timeout, rterrors.TransientRPC("confirm-signature", fmt.Errorf("confirmation timed out after %s", deadline))
		case <-ticker.C:
		}
	}
}
