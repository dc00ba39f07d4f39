package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/clmmrun/strategy-runtime/infrastructure/state"
	"github.com/clmmrun/strategy-runtime/internal/domain"
)

func TestFileBackend_SaveLoadDelete(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	ctx := context.Background()
	if err := b.Save(ctx, "inst-1", []byte(`{"hello":"world"}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := b.Load(ctx, "inst-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(data) != `{"hello":"world"}` {
		t.Fatalf("unexpected data: %s", data)
	}

	if _, err := os.Stat(filepath.Join(dir, "inst-1.tmp")); !os.IsNotExist(err) {
		t.Fatal("expected tmp file cleaned up after commit")
	}

	if err := b.Delete(ctx, "inst-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Load(ctx, "inst-1"); err != state.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFileBackend_LoadMissingReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	b, _ := NewFileBackend(dir)

	if _, err := b.Load(context.Background(), "missing"); err != state.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileBackend_List_FiltersSuffixAndPrefix(t *testing.T) {
	dir := t.TempDir()
	b, _ := NewFileBackend(dir)
	ctx := context.Background()

	b.Save(ctx, "strategy-1", []byte("{}"))
	b.Save(ctx, "strategy-2", []byte("{}"))
	b.Save(ctx, "other-1", []byte("{}"))

	keys, err := b.List(ctx, "strategy-")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestInstanceStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, _ := NewFileBackend(dir)
	store := NewInstanceStore(backend)

	instance := domain.Instance{
		ID:        "inst-1",
		Type:      domain.TypeSimpleY,
		Name:      "test",
		Status:    domain.StatusRunning,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Positions: []string{"pos-1"},
	}

	ctx := context.Background()
	if err := store.Save(ctx, instance); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx, "inst-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != instance.ID || loaded.Type != instance.Type || loaded.Status != instance.Status {
		t.Fatalf("round-trip mismatch: %+v", loaded)
	}
	if len(loaded.Positions) != 1 || loaded.Positions[0] != "pos-1" {
		t.Fatalf("positions not round-tripped: %+v", loaded.Positions)
	}
}

func TestInstanceStore_LoadAll(t *testing.T) {
	dir := t.TempDir()
	backend, _ := NewFileBackend(dir)
	store := NewInstanceStore(backend)
	ctx := context.Background()

	store.Save(ctx, domain.Instance{ID: "a", Type: domain.TypeSimpleY, Status: domain.StatusRunning})
	store.Save(ctx, domain.Instance{ID: "b", Type: domain.TypeChainPosition, Status: domain.StatusPaused})

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(all))
	}
}
