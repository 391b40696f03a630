package store

import (
	"context"
	"sync"
)

type snapshot struct {
	version int
	doc     []byte
}

// Memory is an in-memory Store, used when no database is configured and in
// tests.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string]snapshot
	batches   map[string][]BatchRecord
}

func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string]snapshot),
		batches:   make(map[string][]BatchRecord),
	}
}

func (m *Memory) SaveSnapshot(_ context.Context, roomID string, version int, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(doc))
	copy(cp, doc)
	m.snapshots[roomID] = snapshot{version: version, doc: cp}
	return nil
}

func (m *Memory) LoadSnapshot(_ context.Context, roomID string) (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, ok := m.snapshots[roomID]
	if !ok {
		return 0, nil, ErrNoSnapshot
	}
	return sn.version, sn.doc, nil
}

func (m *Memory) AppendBatch(_ context.Context, roomID string, b BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[roomID] = append(m.batches[roomID], b)
	return nil
}

func (m *Memory) LoadBatches(_ context.Context, roomID string, sinceVersion int) ([]BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BatchRecord
	for _, b := range m.batches[roomID] {
		if b.FromVersion >= sinceVersion {
			out = append(out, b)
		}
	}
	return out, nil
}
