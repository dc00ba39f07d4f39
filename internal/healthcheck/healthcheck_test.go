package healthcheck

import (
	"context"
	"testing"
	"time"

	"github.com/clmmrun/strategy-runtime/internal/domain"
	"github.com/clmmrun/strategy-runtime/internal/eventbus"
)

type fakeView struct {
	running        []domain.Instance
	lastTicks      map[string]time.Time
	onChainByID    map[string][]string
	known          []string
	stored         []string
}

func (f *fakeView) RunningInstances() []domain.Instance { return f.running }

func (f *fakeView) LastTickAt(instanceID string) (time.Time, bool) {
	t, ok := f.lastTicks[instanceID]
	return t, ok
}

func (f *fakeView) OnChainPositions(ctx context.Context, instanceID string) ([]string, error) {
	return f.onChainByID[instanceID], nil
}

func (f *fakeView) KnownInstanceIDs(ctx context.Context) ([]string, error) { return f.known, nil }

func (f *fakeView) StoredInstanceIDs(ctx context.Context) ([]string, error) { return f.stored, nil }

func TestRunOnce_DetectsStuckExecutor(t *testing.T) {
	view := &fakeView{
		running:   []domain.Instance{{ID: "inst-1"}},
		lastTicks: map[string]time.Time{"inst-1": time.Now().Add(-time.Hour)},
	}
	c := New(Config{View: view, Interval: time.Second})

	findings := c.RunOnce(context.Background())

	var found bool
	for _, f := range findings {
		if f.Kind == FindingStuckExecutor && f.InstanceID == "inst-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stuck-executor finding, got %+v", findings)
	}
}

func TestRunOnce_DetectsOrphanedPositions(t *testing.T) {
	view := &fakeView{
		running:     []domain.Instance{{ID: "inst-1", Positions: []string{"pos-a"}}},
		lastTicks:   map[string]time.Time{"inst-1": time.Now()},
		onChainByID: map[string][]string{"inst-1": {"pos-a", "pos-b"}},
	}
	c := New(Config{View: view, Interval: time.Hour})

	findings := c.RunOnce(context.Background())

	var found bool
	for _, f := range findings {
		if f.Kind == FindingOrphanedPositions {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected orphaned-positions finding, got %+v", findings)
	}
}

func TestRunOnce_DetectsStorageInconsistency(t *testing.T) {
	view := &fakeView{
		known:  []string{"inst-1", "inst-2"},
		stored: []string{"inst-1"},
	}
	c := New(Config{View: view})

	findings := c.RunOnce(context.Background())

	var found bool
	for _, f := range findings {
		if f.Kind == FindingStorageInconsistency && f.InstanceID == "inst-2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected storage-inconsistency finding for inst-2, got %+v", findings)
	}
}

func TestRunOnce_NoFindingsWhenHealthy(t *testing.T) {
	view := &fakeView{
		running:     []domain.Instance{{ID: "inst-1", Positions: []string{"pos-a"}}},
		lastTicks:   map[string]time.Time{"inst-1": time.Now()},
		onChainByID: map[string][]string{"inst-1": {"pos-a"}},
		known:       []string{"inst-1"},
		stored:      []string{"inst-1"},
	}
	c := New(Config{View: view, Interval: time.Hour})

	findings := c.RunOnce(context.Background())
	if len(findings) != 0 {
		t.Fatalf("expected no findings, got %+v", findings)
	}
}

func TestRunOnce_PublishesFindingsToBus(t *testing.T) {
	view := &fakeView{known: []string{"inst-1"}, stored: []string{}}
	bus := eventbus.New()

	var received interface{}
	bus.Subscribe(eventbus.TopicStrategyStatusUpdate, func(payload interface{}) { received = payload })

	c := New(Config{View: view, Bus: bus})
	c.RunOnce(context.Background())

	if received == nil {
		t.Fatal("expected a finding published to the bus")
	}
}

func TestRunOnce_InvokesRemediator(t *testing.T) {
	view := &fakeView{known: []string{"inst-1"}, stored: []string{}}

	var remediated []Finding
	c := New(Config{View: view, Remediator: func(ctx context.Context, f Finding) error {
		remediated = append(remediated, f)
		return nil
	}})

	c.RunOnce(context.Background())

	if len(remediated) == 0 {
		t.Fatal("expected remediator invoked for finding")
	}
}
