package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-process RemoteStore, used by the daemon as a default
// backend and by tests.
type MemStore struct {
	mu       sync.Mutex
	entities map[string]Entity
}

func NewMemStore() *MemStore {
	return &MemStore{entities: make(map[string]Entity)}
}

func (m *MemStore) GetVersion(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return 0, ErrNotFound
	}
	return e.Version, nil
}

func (m *MemStore) GetEntity(_ context.Context, id string) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	e.Payload = append([]byte(nil), e.Payload...)
	return e, nil
}

func (m *MemStore) PutEntity(_ context.Context, id string, payload []byte, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.entities[id]
	switch {
	case !ok && expectedVersion != 0:
		return 0, ErrStaleWrite
	case ok && cur.Version != expectedVersion:
		return 0, ErrStaleWrite
	}
	next := expectedVersion + 1
	m.entities[id] = Entity{ID: id, Payload: append([]byte(nil), payload...), Version: next}
	return next, nil
}

func (m *MemStore) ListEntities(_ context.Context, scope string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for id := range m.entities {
		if strings.HasPrefix(id, scope) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}
