package session

import (
	"context"
	"sort"
	"sync"
)

// Store mirrors session snapshots outside the process.
type Store interface {
	Put(ctx context.Context, info Info) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Info, error)
	Close() error
}

type memoryStore struct {
	mu    sync.RWMutex
	infos map[string]Info
}

func NewMemoryStore() Store {
	return &memoryStore{infos: make(map[string]Info)}
}

func (m *memoryStore) Put(_ context.Context, info Info) error {
	m.mu.Lock()
	m.infos[info.ID] = info
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.infos, id)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) List(_ context.Context) ([]Info, error) {
	m.mu.RLock()
	out := make([]Info, 0, len(m.infos))
	for _, info := range m.infos {
		out = append(out, info)
	}
	m.mu.RUnlock()
	sortInfos(out)
	return out, nil
}

func (m *memoryStore) Close() error { return nil }

func sortInfos(list []Info) {
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
}
