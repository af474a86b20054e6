package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

type MemStore struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage // gid -> key -> value
}

func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string]map[string]json.RawMessage),
	}
}

func (s *MemStore) Get(_ context.Context, gid, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[gid][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, gid, key)
	}
	return value, nil
}

func (s *MemStore) Put(_ context.Context, gid, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partition(gid)[key] = slices.Clone(value)
	return nil
}

func (s *MemStore) Del(_ context.Context, gid, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[gid][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, gid, key)
	}
	delete(s.data[gid], key)
	return value, nil
}

func (s *MemStore) List(_ context.Context, gid string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data[gid])), nil
}

func (s *MemStore) Append(_ context.Context, gid, key string, values []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.partition(gid)
	merged, err := appendValues(p[key], values)
	if err != nil {
		return fmt.Errorf("appending to %s/%s: %w", gid, key, err)
	}
	p[key] = merged
	return nil
}

func (s *MemStore) Match(ctx context.Context, gid, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	keys, _ := s.List(ctx, gid)
	matched := keys[:0]
	for _, key := range keys {
		if ok, _ := doublestar.Match(pattern, key); ok {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

func (s *MemStore) Drop(_ context.Context, gid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, gid)
	return nil
}

func (s *MemStore) partition(gid string) map[string]json.RawMessage {
	p, ok := s.data[gid]
	if !ok {
		p = make(map[string]json.RawMessage)
		s.data[gid] = p
	}
	return p
}
