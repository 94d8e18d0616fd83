package cache

import (
	"errors"
	"sync"
)

// MemoryBackend keeps entries in process memory. Used by tests and by
// callers that want an isolated, throwaway store.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*Entry
	saves   int

	// FailSaves makes every Save return an error (for testing fatal paths).
	FailSaves bool
	// LoadErr, when set, is returned by Load.
	LoadErr error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]*Entry)}
}

// Location returns a fixed description.
func (b *MemoryBackend) Location() string {
	return "memory"
}

// Load returns copies of the stored entries.
func (b *MemoryBackend) Load() (map[string]*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	out := make(map[string]*Entry, len(b.entries))
	for k, e := range b.entries {
		out[k] = e.clone()
	}
	return out, nil
}

// Save stores copies of entries.
func (b *MemoryBackend) Save(entries map[string]*Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailSaves {
		return errors.New("memory backend: save disabled")
	}
	b.entries = make(map[string]*Entry, len(entries))
	for k, e := range entries {
		b.entries[k] = e.clone()
	}
	b.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (b *MemoryBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

// Seed adds entries directly, bypassing Save accounting (for testing).
func (b *MemoryBackend) Seed(entries ...*Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.entries[e.Source] = e.clone()
	}
}
