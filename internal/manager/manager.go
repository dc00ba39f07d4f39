// Package manager implements the Strategy Manager: the live
// set of strategy instances, their lifecycle transitions, and boot recovery.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	rterrors "github.com/clmmrun/strategy-runtime/infrastructure/errors"
	"github.com/clmmrun/strategy-runtime/infrastructure/logging"
	"github.com/clmmrun/strategy-runtime/internal/domain"
	"github.com/clmmrun/strategy-runtime/internal/eventbus"
	"github.com/clmmrun/strategy-runtime/internal/scheduler"
	"github.com/clmmrun/strategy-runtime/internal/storage"
	"github.com/clmmrun/strategy-runtime/internal/strategy"
)

// legalTransitions enumerates the lifecycle edges a strategy instance allows.
// Anything not listed here fails with InvalidStateTransition.
var legalTransitions = map[domain.Status]map[domain.Status]bool{
	domain.StatusCreated: {
		domain.StatusRunning: true,
	},
	domain.StatusRecovering: {
		domain.StatusRunning: true,
		domain.StatusError:   true,
	},
	domain.StatusRunning: {
		domain.StatusPaused:  true,
		domain.StatusStopped: true,
		domain.StatusError:   true,
	},
	domain.StatusPaused: {
		domain.StatusRunning: true,
		domain.StatusStopped: true,
		domain.StatusError:   true,
	},
	domain.StatusStopped: {
		// deletion is handled separately: Delete removes the record rather
		// than transitioning Status, so "stopped" has no forward edge here.
	},
}

// entry bundles one instance's live state with the bookkeeping the Manager
// and Health Checker need: last-tick time and a per-instance mutex.
type entry struct {
	mu          sync.Mutex
	instance    domain.Instance
	lastTickAt  time.Time
	hasTicked   bool
}

// Manager holds the live instance set, dispatches ticks to the executor
// registered for each instance's type, and persists every material change
// to storage.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*entry

	store      *storage.InstanceStore
	scheduler  *scheduler.Scheduler
	bus        *eventbus.Bus
	logger     *logging.Logger
	executors  map[domain.InstanceType]strategy.Executor
	defaultInterval time.Duration
}

// Config wires a Manager's collaborators.
type Config struct {
	Store           *storage.InstanceStore
	Scheduler       *scheduler.Scheduler
	Bus             *eventbus.Bus
	Logger          *logging.Logger
	Executors       map[domain.InstanceType]strategy.Executor
	DefaultInterval time.Duration // default per-instance tick cadence
}

func New(cfg Config) *Manager {
	interval := cfg.DefaultInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		instances:       make(map[string]*entry),
		store:           cfg.Store,
		scheduler:       cfg.Scheduler,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		executors:       cfg.Executors,
		defaultInterval: interval,
	}
}

func (m *Manager) executorFor(t domain.InstanceType) (strategy.Executor, error) {
	ex, ok := m.executors[t]
	if !ok {
		return nil, rterrors.Validation("type", fmt.Sprintf("unknown instance type %q", t))
	}
	return ex, nil
}

func (m *Manager) intervalFor(instance domain.Instance) time.Duration {
	if raw, ok := instance.Config["monitoring-interval-seconds"]; ok {
		if f, ok := raw.(float64); ok && f > 0 {
			return time.Duration(f) * time.Second
		}
	}
	return m.defaultInterval
}

// Create validates config against the executor's schema (by attempting
// Initialize against a scratch instance), writes the record, and returns the
// new instance id.
func (m *Manager) Create(ctx context.Context, instanceType domain.InstanceType, name string, config map[string]interface{}) (string, error) {
	ex, err := m.executorFor(instanceType)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	instance := domain.Instance{
		ID:        id,
		Type:      instanceType,
		Name:      name,
		Config:    config,
		Status:    domain.StatusCreated,
		CreatedAt: time.Now().UTC(),
		Positions: []string{},
		Ledger:    []domain.LedgerEntry{},
	}

	// Validate config by initializing the executor against a scratch copy;
	// a real Initialize is idempotent and is called again on Start.
	scratch := instance
	if err := ex.Initialize(ctx, &scratch, config); err != nil {
		return "", err
	}

	if err := m.store.Save(ctx, instance); err != nil {
		return "", rterrors.Internal("failed to persist new instance", err)
	}

	m.mu.Lock()
	m.instances[id] = &entry{instance: instance}
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{"instance": id, "type": string(instanceType)}).Info("manager: instance created")
	return id, nil
}

// transition applies a legal status change, persists it, and publishes
// strategy.status.update. Illegal transitions return InvalidStateTransition
// without mutating anything.
func (m *Manager) transition(ctx context.Context, id string, to domain.Status) (domain.Instance, error) {
	m.mu.RLock()
	e, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return domain.Instance{}, rterrors.NotFound("instance", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.instance.Status
	if !legalTransitions[from][to] {
		return domain.Instance{}, rterrors.InvalidStateTransition(string(from), string(to))
	}

	e.instance.Status = to
	now := time.Now().UTC()
	switch to {
	case domain.StatusRunning:
		if e.instance.StartedAt == nil {
			e.instance.StartedAt = &now
		}
	case domain.StatusStopped, domain.StatusError, domain.StatusCompleted:
		e.instance.StoppedAt = &now
	}

	if err := m.store.Save(ctx, e.instance); err != nil {
		e.instance.Status = from
		return domain.Instance{}, rterrors.Internal("failed to persist status transition", err)
	}

	snapshot := e.instance
	m.bus.Publish(eventbus.TopicStrategyStatusUpdate, statusUpdatePayload(snapshot))
	return snapshot, nil
}

type statusUpdate struct {
	InstanceID string          `json:"instanceId"`
	Status     domain.Status   `json:"status"`
	Snapshot   *domain.Snapshot `json:"snapshot,omitempty"`
}

func statusUpdatePayload(instance domain.Instance) statusUpdate {
	return statusUpdate{InstanceID: instance.ID, Status: instance.Status, Snapshot: instance.LastSnapshot}
}

// Start transitions created→running and registers the instance with the
// Scheduler so it begins ticking.
func (m *Manager) Start(ctx context.Context, id string) error {
	instance, err := m.transition(ctx, id, domain.StatusRunning)
	if err != nil {
		return err
	}
	return m.scheduler.Register(id, m.intervalFor(instance), m.tick)
}

// Pause transitions running→paused. The Scheduler keeps the instance
// registered; tick skips instances that are not running.
func (m *Manager) Pause(ctx context.Context, id string) error {
	_, err := m.transition(ctx, id, domain.StatusPaused)
	return err
}

// Resume transitions paused→running.
func (m *Manager) Resume(ctx context.Context, id string) error {
	_, err := m.transition(ctx, id, domain.StatusRunning)
	return err
}

// Stop transitions {running,paused}→stopped, unregisters the instance from
// the Scheduler (cancelling any in-flight tick cooperatively), and tears
// down its executor.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.RLock()
	e, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return rterrors.NotFound("instance", id)
	}

	instance, err := m.transition(ctx, id, domain.StatusStopped)
	if err != nil {
		return err
	}

	m.scheduler.Unregister(id)

	ex, err := m.executorFor(instance.Type)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ex.Teardown(ctx, &e.instance, "user-stop"); err != nil {
		m.logger.WithFields(map[string]interface{}{"instance": id, "error": err.Error()}).Warn("manager: teardown failed during stop")
	}
	if err := m.store.Save(ctx, e.instance); err != nil {
		return rterrors.Internal("failed to persist post-teardown state", err)
	}
	return nil
}

// Delete removes a stopped, errored, or completed instance's record entirely.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return rterrors.NotFound("instance", id)
	}
	status := e.instance.Status
	if status != domain.StatusStopped && status != domain.StatusError && status != domain.StatusCompleted {
		m.mu.Unlock()
		return rterrors.InvalidStateTransition(string(status), "deleted")
	}
	delete(m.instances, id)
	m.mu.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		return rterrors.Internal("failed to delete instance record", err)
	}
	return nil
}

// List returns every known instance, a shallow copy safe for callers to
// read without holding the Manager's lock.
func (m *Manager) List() []domain.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Instance, 0, len(m.instances))
	for _, e := range m.instances {
		e.mu.Lock()
		out = append(out, e.instance)
		e.mu.Unlock()
	}
	return out
}

// Get returns one instance's current record.
func (m *Manager) Get(id string) (domain.Instance, error) {
	m.mu.RLock()
	e, ok := m.instances[id]
	m.mu.RUnlock()
	if !ok {
		return domain.Instance{}, rterrors.NotFound("instance", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance, nil
}

// Status is an alias for Get, named to match 's operation list.
func (m *Manager) Status(id string) (domain.Instance, error) {
	return m.Get(id)
}

// tick runs one scheduled tick for instanceID: Tick, Handle, persist,
// publish. Registered with the Scheduler as a scheduler.TickFunc.
func (m *Manager) tick(ctx context.Context, instanceID string) error {
	m.mu.RLock()
	e, ok := m.instances[instanceID]
	m.mu.RUnlock()
	if !ok {
		return rterrors.NotFound("instance", instanceID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Paused instances stay registered with the Scheduler (so Resume needs
	// no re-registration) but do not tick.
	if e.instance.Status != domain.StatusRunning && e.instance.Status != domain.StatusRecovering {
		return nil
	}

	ex, err := m.executorFor(e.instance.Type)
	if err != nil {
		return err
	}

	result, err := ex.Tick(ctx, &e.instance)
	if err != nil {
		return m.failInstance(ctx, e, err)
	}

	if e.instance.Status == domain.StatusRecovering {
		e.instance.Status = domain.StatusRunning
	}

	if err := ex.Handle(ctx, &e.instance, result); err != nil {
		return m.failInstance(ctx, e, err)
	}

	e.instance.LastSnapshot = &result.Snapshot
	e.lastTickAt = time.Now()
	e.hasTicked = true

	if result.Decision == strategy.DecisionComplete {
		e.instance.Status = domain.StatusCompleted
		now := time.Now().UTC()
		e.instance.StoppedAt = &now
		m.scheduler.Unregister(instanceID)
	}

	if err := m.store.Save(ctx, e.instance); err != nil {
		return rterrors.Internal("failed to persist post-tick state", err)
	}

	m.bus.Publish(eventbus.TopicStrategyStatusUpdate, statusUpdatePayload(e.instance))
	return nil
}

// failInstance moves an instance to Error with a recorded reason, persists
// it, and publishes the transition. Called
// with e.mu already held.
func (m *Manager) failInstance(ctx context.Context, e *entry, cause error) error {
	e.instance.Status = domain.StatusError
	e.instance.ErrorReason = cause.Error()
	now := time.Now().UTC()
	e.instance.StoppedAt = &now

	if err := m.store.Save(ctx, e.instance); err != nil {
		m.logger.WithFields(map[string]interface{}{"instance": e.instance.ID, "error": err.Error()}).Error("manager: failed to persist error state")
	}
	m.bus.Publish(eventbus.TopicStrategyStatusUpdate, statusUpdatePayload(e.instance))
	return cause
}

// Recover reloads every persisted record at boot, reconstructs the live
// instance set, and sets previously-running instances to `recovering` until
// their first tick validates on-chain position presence. It registers recovered instances with the Scheduler so that
// first validating tick actually runs.
func (m *Manager) Recover(ctx context.Context) error {
	records, err := m.store.LoadAll(ctx)
	if err != nil {
		return rterrors.Internal("failed to load persisted instances", err)
	}

	for _, instance := range records {
		if instance.Status == domain.StatusRunning {
			instance.Status = domain.StatusRecovering
		}

		m.mu.Lock()
		m.instances[instance.ID] = &entry{instance: instance}
		m.mu.Unlock()

		if instance.Status != domain.StatusRecovering {
			continue
		}
		if err := m.scheduler.Register(instance.ID, m.intervalFor(instance), m.tick); err != nil {
			m.logger.WithFields(map[string]interface{}{"instance": instance.ID, "error": err.Error()}).Error("manager: failed to re-register recovered instance")
		}
	}

	m.logger.WithFields(map[string]interface{}{"count": len(records)}).Info("manager: boot recovery complete")
	return nil
}

// The methods below implement healthcheck.InstanceView so the Health
// Checker can audit this Manager directly.

// RunningInstances returns every instance currently in Running or
// Recovering status.
func (m *Manager) RunningInstances() []domain.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Instance
	for _, e := range m.instances {
		e.mu.Lock()
		if e.instance.Status == domain.StatusRunning || e.instance.Status == domain.StatusRecovering {
			out = append(out, e.instance)
		}
		e.mu.Unlock()
	}
	return out
}

// LastTickAt reports the last time instanceID completed a tick.
func (m *Manager) LastTickAt(instanceID string) (time.Time, bool) {
	m.mu.RLock()
	e, ok := m.instances[instanceID]
	m.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTickAt, e.hasTicked
}

// OnChainPositions returns instanceID's recorded position addresses. The
// Manager only tracks what the executor last recorded and makes no chain
// read here, so the Health Checker's orphaned-position check against this
// Manager compares the recorded set with itself.
func (m *Manager) OnChainPositions(ctx context.Context, instanceID string) ([]string, error) {
	m.mu.RLock()
	e, ok := m.instances[instanceID]
	m.mu.RUnlock()
	if !ok {
		return nil, rterrors.NotFound("instance", instanceID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.instance.Positions))
	copy(out, e.instance.Positions)
	return out, nil
}

// KnownInstanceIDs returns every instance id the Manager currently holds in
// memory.
func (m *Manager) KnownInstanceIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	return ids, nil
}

// StoredInstanceIDs returns every instance id with a persisted record.
func (m *Manager) StoredInstanceIDs(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}
