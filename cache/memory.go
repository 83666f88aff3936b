package cache

import (
	"context"
	"sort"
	"sync"
)

type memGeneration struct {
	seq     uint64
	entries map[string]*Snapshot
}

// Memory is an in-memory generation store.
type Memory struct {
	mutex       *sync.RWMutex
	seq         uint64
	generations map[string]*memGeneration
}

var _ Provider = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		mutex:       &sync.RWMutex{},
		generations: make(map[string]*memGeneration),
	}
}

func (m *Memory) Open(_ context.Context, generation string) (Handle, error) {
	if err := validGeneration(generation); err != nil {
		return nil, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.generations[generation]; !ok {
		m.seq++
		m.generations[generation] = &memGeneration{
			seq:     m.seq,
			entries: make(map[string]*Snapshot),
		}
	}
	return memHandle{m: m, generation: generation}, nil
}

func (m *Memory) Generations(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.generations))
	for name := range m.generations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return m.generations[names[i]].seq < m.generations[names[j]].seq
	})
	return names, nil
}

func (m *Memory) Destroy(_ context.Context, generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.generations, generation)
	return nil
}

func (m *Memory) Close() error {
	return nil
}

type memHandle struct {
	m          *Memory
	generation string
}

func (h memHandle) Generation() string {
	return h.generation
}

func (h memHandle) Get(_ context.Context, key string) (*Snapshot, bool, error) {
	h.m.mutex.RLock()
	defer h.m.mutex.RUnlock()
	gen, ok := h.m.generations[h.generation]
	if !ok {
		return nil, false, nil
	}
	snap, ok := gen.entries[key]
	if !ok {
		return nil, false, nil
	}
	return snap.Clone(), true, nil
}

func (h memHandle) Put(_ context.Context, key string, snapshot *Snapshot) error {
	h.m.mutex.Lock()
	defer h.m.mutex.Unlock()
	gen, ok := h.m.generations[h.generation]
	if !ok {
		return ErrGenerationNotFound
	}
	gen.entries[key] = snapshot.Clone()
	return nil
}

func (h memHandle) Keys(_ context.Context, cb func(string)) error {
	h.m.mutex.RLock()
	gen, ok := h.m.generations[h.generation]
	keys := make([]string, 0)
	if ok {
		for key := range gen.entries {
			keys = append(keys, key)
		}
	}
	h.m.mutex.RUnlock()
	// callback outside the lock, it may call back into the store
	for _, key := range keys {
		cb(key)
	}
	return nil
}
