package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory is an in-process Storage. With MaxEntries set it evicts the least
// recently written key when full.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]memEntry
	order      []string // write order, oldest first
	maxEntries int
	closed     bool
	now        func() time.Time
	logger     *zap.Logger
}

type memEntry struct {
	value     []byte
	expiresAt int64
}

// NewMemory returns an empty store. maxEntries <= 0 means unbounded.
func NewMemory(maxEntries int, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		entries:    make(map[string]memEntry),
		maxEntries: maxEntries,
		now:        time.Now,
		logger:     logger,
	}
}

var errMemoryClosed = errors.New("storage: memory store closed")

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errMemoryClosed
	}

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if expired(m.now(), e.expiresAt) {
		delete(m.entries, key)
		m.removeFromOrder(key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMemoryClosed
	}

	if _, exists := m.entries[key]; exists {
		m.removeFromOrder(key)
	} else if m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		m.purgeExpired()
		for len(m.entries) >= m.maxEntries {
			m.evictOldest()
		}
	}

	v := make([]byte, len(value))
	copy(v, value)
	m.entries[key] = memEntry{value: v, expiresAt: expiryFor(m.now(), ttl)}
	m.order = append(m.order, key)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMemoryClosed
	}
	if _, ok := m.entries[key]; !ok {
		return nil
	}
	delete(m.entries, key)
	m.removeFromOrder(key)
	return nil
}

// Len returns the number of stored keys, including expired keys not yet
// purged by Get or Set.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Ping() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errMemoryClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	m.order = nil
	return nil
}

// purgeExpired drops every expired key.
func (m *Memory) purgeExpired() {
	now := m.now()
	kept := m.order[:0]
	for _, k := range m.order {
		if expired(now, m.entries[k].expiresAt) {
			delete(m.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	m.order = kept
}

func (m *Memory) evictOldest() {
	if len(m.order) == 0 {
		return
	}
	oldest := m.order[0]
	m.order = m.order[1:]
	delete(m.entries, oldest)
	m.logger.Debug("evicted key from memory storage", zap.String("key", oldest))
}

func (m *Memory) removeFromOrder(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}
