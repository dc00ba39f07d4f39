// Package storage provides Instance Storage: atomic
// per-instance persistence of configuration and last known state, one file
// per instance id under a stable directory.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clmmrun/strategy-runtime/infrastructure/state"
	"github.com/clmmrun/strategy-runtime/internal/domain"
)

// FileBackend implements infrastructure/state.PersistenceBackend over a
// directory of files, one per key, written with a tmp-then-rename commit so
// readers never observe a partially-written file.
type FileBackend struct {
	dir string
}

var _ state.PersistenceBackend = (*FileBackend)(nil)

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir %s: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, key+".json")
}

func (b *FileBackend) Save(ctx context.Context, key string, data []byte) error {
	final := b.path(key)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open tmp for %s: %w", key, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage: write tmp for %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage: fsync tmp for %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: close tmp for %s: %w", key, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: commit rename for %s: %w", key, err)
	}
	return nil
}

func (b *FileBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, state.ErrNotFound
		}
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// List enumerates keys whose file carries the package's .json suffix,
// optionally filtered to those starting with prefix.
func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", b.dir, err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".tmp") {
			continue
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FileBackend) Close(ctx context.Context) error { return nil }

// InstanceStore wraps a PersistenceBackend with domain.Instance
// marshal/unmarshal, matching the persisted record layout.
type InstanceStore struct {
	backend state.PersistenceBackend
}

func NewInstanceStore(backend state.PersistenceBackend) *InstanceStore {
	return &InstanceStore{backend: backend}
}

func (s *InstanceStore) Save(ctx context.Context, instance domain.Instance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("storage: marshal instance %s: %w", instance.ID, err)
	}
	return s.backend.Save(ctx, instance.ID, data)
}

func (s *InstanceStore) Load(ctx context.Context, id string) (domain.Instance, error) {
	data, err := s.backend.Load(ctx, id)
	if err != nil {
		return domain.Instance{}, err
	}
	var instance domain.Instance
	if err := json.Unmarshal(data, &instance); err != nil {
		return domain.Instance{}, fmt.Errorf("storage: unmarshal instance %s: %w", id, err)
	}
	return instance, nil
}

func (s *InstanceStore) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, id)
}

// List returns every persisted instance id.
func (s *InstanceStore) List(ctx context.Context) ([]string, error) {
	return s.backend.List(ctx, "")
}

// LoadAll rehydrates every persisted instance record, used by the Strategy
// Manager's boot recovery.
func (s *InstanceStore) LoadAll(ctx context.Context) ([]domain.Instance, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	instances := make([]domain.Instance, 0, len(ids))
	for _, id := range ids {
		instance, err := s.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("storage: load instance %s: %w", id, err)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}
