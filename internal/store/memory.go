package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store. It is durable only
// for the lifetime of the process.
type MemoryStore struct {
	mu          sync.RWMutex
	record      *Record
	initialized bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Name returns "memory".
func (m *MemoryStore) Name() string { return "memory" }

// Load returns the record, or ErrNotFound.
func (m *MemoryStore) Load(_ context.Context) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.record == nil {
		return Record{}, ErrNotFound
	}
	return *m.record, nil
}

// Initialized reports whether Seed has run.
func (m *MemoryStore) Initialized(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized, nil
}

// Seed stores rec and sets the marker unless the marker is already set.
func (m *MemoryStore) Seed(_ context.Context, rec Record) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		if m.record == nil {
			return Record{}, false, ErrMarkerWithoutRecord
		}
		return *m.record, false, nil
	}
	created := m.record == nil
	if created {
		r := rec
		m.record = &r
	}
	m.initialized = true
	return *m.record, created, nil
}

// Increment adds delta under the lock.
func (m *MemoryStore) Increment(_ context.Context, delta int64, now time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return Record{}, ErrNotFound
	}
	m.record.Count += delta
	m.record.LastUpdated = laterOf(m.record.LastUpdated, now)
	return *m.record, nil
}

// Delete removes the record but keeps the marker, reproducing data loss.
func (m *MemoryStore) Delete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
