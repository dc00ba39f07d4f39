// Package healthcheck provides the Health Checker: on a slow
// cadence it audits running instances for stuck executors, orphaned
// on-chain positions, and storage inconsistencies, publishing findings to
// the Event Bus. Cadence is driven by robfig/cron/v3, the same scheduling
// library the runtime's ambient stack already depends on.
package healthcheck

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clmmrun/strategy-runtime/infrastructure/logging"
	"github.com/clmmrun/strategy-runtime/internal/domain"
	"github.com/clmmrun/strategy-runtime/internal/eventbus"
)

// FindingKind enumerates the audit findings the health checker reports.
type FindingKind string

const (
	FindingStuckExecutor        FindingKind = "stuck-executor"
	FindingOrphanedPositions    FindingKind = "orphaned-positions"
	FindingStorageInconsistency FindingKind = "storage-inconsistency"
)

// Finding is one audit result for one instance.
type Finding struct {
	InstanceID string
	Kind       FindingKind
	Detail     string
	At         time.Time
}

// InstanceView is the minimal read surface the Health Checker needs: the
// Strategy Manager's live instance set, last-tick timestamps, and recorded
// position addresses.
type InstanceView interface {
	RunningInstances() []domain.Instance
	LastTickAt(instanceID string) (time.Time, bool)
	OnChainPositions(ctx context.Context, instanceID string) ([]string, error)
	KnownInstanceIDs(ctx context.Context) ([]string, error)
	StoredInstanceIDs(ctx context.Context) ([]string, error)
}

// Remediator applies a gated auto-remediation for a finding; optional.
type Remediator func(ctx context.Context, finding Finding) error

// Checker runs the periodic audit.
type Checker struct {
	cron        *cron.Cron
	view        InstanceView
	bus         *eventbus.Bus
	logger      *logging.Logger
	interval    time.Duration
	remediate   Remediator
	entryID     cron.EntryID
}

// Config configures a Checker.
type Config struct {
	Schedule   string // cron expression, e.g. "0 */5 * * * *" for every 5 minutes
	// Interval is the per-instance monitoring interval used to compute the
	// 2x-interval stuck-executor threshold.
	Interval   time.Duration
	View       InstanceView
	Bus        *eventbus.Bus
	Logger     *logging.Logger
	Remediator Remediator // optional, gated by the caller's config
}

func New(cfg Config) *Checker {
	return &Checker{
		cron:      cron.New(cron.WithSeconds()),
		view:      cfg.View,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		remediate: cfg.Remediator,
	}
}

// Start registers the audit job on schedule (a six-field, seconds-first cron
// expression or a descriptor such as "@every 5m") and starts the cron runner.
// Config.Schedule is not read.
func (c *Checker) Start(ctx context.Context, schedule string) error {
	id, err := c.cron.AddFunc(schedule, func() {
		c.runOnce(ctx)
	})
	if err != nil {
		return err
	}
	c.entryID = id
	c.cron.Start()
	return nil
}

// Stop drains in-flight runs and stops the cron runner.
func (c *Checker) Stop() {
	stopCtx := c.cron.Stop()
	<-stopCtx.Done()
}

// RunOnce runs the audit immediately, outside its schedule — used by tests
// and by an operator-triggered manual check.
func (c *Checker) RunOnce(ctx context.Context) []Finding {
	return c.runOnce(ctx)
}

func (c *Checker) runOnce(ctx context.Context) []Finding {
	var findings []Finding
	findings = append(findings, c.checkStuckExecutors()...)
	findings = append(findings, c.checkOrphanedPositions(ctx)...)
	findings = append(findings, c.checkStorageConsistency(ctx)...)

	for _, f := range findings {
		if c.bus != nil {
			c.bus.Publish(eventbus.TopicStrategyStatusUpdate, f)
		}
		if c.logger != nil {
			c.logger.WithFields(map[string]interface{}{
				"instance": f.InstanceID,
				"kind":     string(f.Kind),
				"detail":   f.Detail,
			}).Warn("healthcheck: finding")
		}
		if c.remediate != nil {
			if err := c.remediate(ctx, f); err != nil && c.logger != nil {
				c.logger.WithFields(map[string]interface{}{
					"instance": f.InstanceID,
					"error":    err.Error(),
				}).Warn("healthcheck: remediation failed")
			}
		}
	}

	return findings
}

// checkStuckExecutors verifies every running instance ticked within
// 2*interval.
func (c *Checker) checkStuckExecutors() []Finding {
	var findings []Finding
	now := time.Now()
	for _, instance := range c.view.RunningInstances() {
		lastTick, ok := c.view.LastTickAt(instance.ID)
		if !ok {
			continue
		}
		if now.Sub(lastTick) > 2*c.interval {
			findings = append(findings, Finding{
				InstanceID: instance.ID,
				Kind:       FindingStuckExecutor,
				Detail:     "executor has not ticked within 2x its configured interval",
				At:         now,
			})
		}
	}
	return findings
}

// checkOrphanedPositions compares on-chain position sets against recorded
// ones, by length and address.
func (c *Checker) checkOrphanedPositions(ctx context.Context) []Finding {
	var findings []Finding
	now := time.Now()
	for _, instance := range c.view.RunningInstances() {
		onChain, err := c.view.OnChainPositions(ctx, instance.ID)
		if err != nil {
			continue
		}
		if !sameSet(onChain, instance.Positions) {
			findings = append(findings, Finding{
				InstanceID: instance.ID,
				Kind:       FindingOrphanedPositions,
				Detail:     "on-chain position set does not match the recorded set",
				At:         now,
			})
		}
	}
	return findings
}

// checkStorageConsistency verifies a record exists iff the instance is known
// to the Manager.
func (c *Checker) checkStorageConsistency(ctx context.Context) []Finding {
	var findings []Finding
	now := time.Now()

	known, err := c.view.KnownInstanceIDs(ctx)
	if err != nil {
		return nil
	}
	stored, err := c.view.StoredInstanceIDs(ctx)
	if err != nil {
		return nil
	}

	knownSet := toSet(known)
	storedSet := toSet(stored)

	for id := range knownSet {
		if !storedSet[id] {
			findings = append(findings, Finding{InstanceID: id, Kind: FindingStorageInconsistency, Detail: "instance known but has no stored record", At: now})
		}
	}
	for id := range storedSet {
		if !knownSet[id] {
			findings = append(findings, Finding{InstanceID: id, Kind: FindingStorageInconsistency, Detail: "stored record exists for an unknown instance", At: now})
		}
	}
	return findings
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	setA := toSet(a)
	for _, id := range b {
		if !setA[id] {
			return false
		}
	}
	return true
}
