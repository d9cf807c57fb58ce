package store

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is a bounded in-memory content store. When the bound is reached
// the least recently used entry is evicted.
type Memory struct {
	cache *lru.Cache[string, []byte]
}

// NewMemory creates a store holding at most maxEntries content items.
func NewMemory(maxEntries int) (*Memory, error) {
	cache, err := lru.New[string, []byte](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Memory{cache: cache}, nil
}

func (m *Memory) Put(id string, data []byte) {
	m.cache.Add(id, data)
}

func (m *Memory) Get(id string) ([]byte, bool) {
	return m.cache.Get(id)
}

func (m *Memory) Has(id string) bool {
	return m.cache.Contains(id)
}

func (m *Memory) Len() int {
	return m.cache.Len()
}

func (m *Memory) Keys() []string {
	return m.cache.Keys()
}
