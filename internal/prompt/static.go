package prompt

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// StaticStore serves instructions from an in-memory table, typically loaded
// from the configuration file. [StaticStore.Replace] swaps the table on
// config reload.
type StaticStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

var _ Store = (*StaticStore)(nil)

// NewStaticStore returns a store holding a copy of entries.
func NewStaticStore(entries map[string]string) *StaticStore {
	s := &StaticStore{}
	s.Replace(entries)
	return s
}

// Lookup implements [Store].
func (s *StaticStore) Lookup(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text, ok := s.entries[key]
	if !ok || text == "" {
		return "", fmt.Errorf("prompt: static %q: %w", key, ErrNotFound)
	}
	return text, nil
}

// Replace swaps the whole table for a copy of entries.
func (s *StaticStore) Replace(entries map[string]string) {
	m := maps.Clone(entries)
	if m == nil {
		m = map[string]string{}
	}
	s.mu.Lock()
	s.entries = m
	s.mu.Unlock()
}

// Len returns the number of entries.
func (s *StaticStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
