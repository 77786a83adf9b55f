package keystore

import (
	"sort"
	"strings"
	"sync"

	"nexus-chat/go-e2ee/pkg/models"
)

// Backend is a durable string-keyed record table. Put must be atomic per key;
// concurrent puts to one key resolve last-writer-wins.
type Backend interface {
	Get(key string) (models.KeyRecord, bool, error)
	Put(key string, rec models.KeyRecord) error
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]models.KeyRecord
	closed  bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]models.KeyRecord)}
}

func (b *MemoryBackend) Get(key string) (models.KeyRecord, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return models.KeyRecord{}, false, ErrClosed
	}
	rec, ok := b.records[key]
	return rec, ok, nil
}

func (b *MemoryBackend) Put(key string, rec models.KeyRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.records[key] = rec
	return nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.records, key)
	return nil
}

func (b *MemoryBackend) Keys(prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0)
	for k := range b.records {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.records = nil
	return nil
}
